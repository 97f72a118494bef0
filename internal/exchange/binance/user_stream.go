package binance

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"auto-trader/internal/core"
	"auto-trader/internal/exchange"
)

const streamReadTimeout = 3 * time.Minute

type executionReport struct {
	EventType       string `json:"e"`
	EventTime       int64  `json:"E"`
	Symbol          string `json:"s"`
	OrderID         int64  `json:"i"`
	Side            string `json:"S"`
	ExecutionType   string `json:"x"`
	OrderStatus     string `json:"X"`
	OrderPrice      string `json:"p"`
	OrderQty        string `json:"q"`
	LastExecPrice   string `json:"L"`
	CumulativeQty   string `json:"z"`
	TransactionTime int64  `json:"T"`
	TradeID         int64  `json:"t"`
}

type accountPosition struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Balances  []struct {
		Asset  string `json:"a"`
		Free   string `json:"f"`
		Locked string `json:"l"`
	} `json:"B"`
}

type streamEnvelope struct {
	EventType string `json:"e"`
}

// StartUserStream opens a user-data session and returns its listen key.
func (c *Client) StartUserStream(ctx context.Context) (string, error) {
	body, err := c.doRequest(ctx, http.MethodPost, "/api/v3/userDataStream", url.Values{}, AuthAPIKey)
	if err != nil {
		return "", err
	}
	var resp listenKeyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", err
	}
	if resp.ListenKey == "" {
		return "", errors.New("empty listen key")
	}
	return resp.ListenKey, nil
}

func (c *Client) KeepAliveUserStream(ctx context.Context, token string) error {
	params := url.Values{}
	params.Set("listenKey", token)
	_, err := c.doRequest(ctx, http.MethodPut, "/api/v3/userDataStream", params, AuthAPIKey)
	return err
}

func (c *Client) CloseUserStream(ctx context.Context, token string) error {
	params := url.Values{}
	params.Set("listenKey", token)
	_, err := c.doRequest(ctx, http.MethodDelete, "/api/v3/userDataStream", params, AuthAPIKey)
	return err
}

// ListenUserData opens the push connection for the listen key and dispatches
// parsed events to the handlers in arrival order until the connection dies or
// ctx is cancelled.
func (c *Client) ListenUserData(ctx context.Context, token string, handlers exchange.StreamHandlers) (<-chan error, error) {
	if c.wsBaseURL == "" {
		return nil, errors.New("ws base url required")
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsBaseURL+"/ws/"+token, nil)
	if err != nil {
		return nil, err
	}
	conn.SetPingHandler(func(payload string) error {
		_ = conn.WriteControl(websocket.PongMessage, []byte(payload), time.Now().Add(5*time.Second))
		return conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	})

	done := make(chan error, 1)
	closed := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-closed:
		}
	}()
	go func() {
		defer close(done)
		defer close(closed)
		defer conn.Close()
		for {
			_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
			_, data, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() != nil {
					done <- ctx.Err()
				} else {
					done <- err
				}
				return
			}
			dispatchUserEvent(data, handlers)
		}
	}()
	return done, nil
}

func dispatchUserEvent(data []byte, handlers exchange.StreamHandlers) {
	var env streamEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}
	switch env.EventType {
	case "executionReport":
		var msg executionReport
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		if handlers.OnExecution == nil {
			return
		}
		fill, ok := parseExecutionReport(msg)
		if !ok {
			return
		}
		handlers.OnExecution(fill)
	case "outboundAccountPosition":
		var msg accountPosition
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		if handlers.OnAccountUpdate == nil {
			return
		}
		balances := make([]core.Balance, 0, len(msg.Balances))
		for _, b := range msg.Balances {
			free, err := decimal.NewFromString(b.Free)
			if err != nil {
				continue
			}
			locked, err := decimal.NewFromString(b.Locked)
			if err != nil {
				continue
			}
			balances = append(balances, core.Balance{Asset: b.Asset, Free: free, Locked: locked})
		}
		handlers.OnAccountUpdate(balances)
	}
}

func parseExecutionReport(msg executionReport) (core.Fill, bool) {
	qty, err := decimal.NewFromString(msg.CumulativeQty)
	if err != nil || qty.Cmp(decimal.Zero) <= 0 {
		qty, err = decimal.NewFromString(msg.OrderQty)
		if err != nil {
			return core.Fill{}, false
		}
	}
	price, err := decimal.NewFromString(msg.LastExecPrice)
	if err != nil || price.Cmp(decimal.Zero) <= 0 {
		price, err = decimal.NewFromString(msg.OrderPrice)
		if err != nil {
			return core.Fill{}, false
		}
	}
	ts := msg.TransactionTime
	if ts == 0 {
		ts = msg.EventTime
	}
	tradeID := ""
	if msg.TradeID > 0 {
		tradeID = strconv.FormatInt(msg.TradeID, 10)
	}
	return core.Fill{
		OrderID: strconv.FormatInt(msg.OrderID, 10),
		TradeID: tradeID,
		Symbol:  msg.Symbol,
		Side:    core.Side(msg.Side),
		Price:   price,
		Qty:     qty,
		Status:  core.OrderStatus(msg.OrderStatus),
		Time:    time.UnixMilli(ts),
	}, true
}
