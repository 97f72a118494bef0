// Package store persists engine state as JSON files under one state dir.
// Writes go through a temp file and rename so readers never observe a
// torn file.
package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

type RuntimeStatus struct {
	InstanceID string    `json:"instance_id"`
	PID        int       `json:"pid"`
	State      string    `json:"state"`
	QuoteAsset string    `json:"quote_asset"`
	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	LastError  string    `json:"last_error,omitempty"`
}

type AssetFunds struct {
	Asset      string          `json:"asset"`
	Free       decimal.Decimal `json:"free"`
	Locked     decimal.Decimal `json:"locked"`
	QuoteValue decimal.Decimal `json:"quote_value"`
}

type FundsSummary struct {
	QuoteAsset string          `json:"quote_asset"`
	QuoteFree  decimal.Decimal `json:"quote_free"`
	Assets     []AssetFunds    `json:"assets"`
	TotalQuote decimal.Decimal `json:"total_quote"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

type VolatilitySnapshot struct {
	Scores    map[string]float64 `json:"scores"`
	UpdatedAt time.Time          `json:"updated_at"`
}

type Store struct {
	root string
	mu   sync.Mutex
}

func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("state dir required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root}, nil
}

func (s *Store) SaveRuntimeStatus(status RuntimeStatus) error {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONAtomic(s.path("runtime_status.json"), status)
}

func (s *Store) LoadRuntimeStatus() (RuntimeStatus, bool, error) {
	var status RuntimeStatus
	ok, err := s.load("runtime_status.json", &status)
	return status, ok, err
}

func (s *Store) SaveFundsSummary(summary FundsSummary) error {
	if summary.UpdatedAt.IsZero() {
		summary.UpdatedAt = time.Now().UTC()
	}
	if summary.Assets == nil {
		summary.Assets = make([]AssetFunds, 0)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONAtomic(s.path("funds_summary.json"), summary)
}

func (s *Store) LoadFundsSummary() (FundsSummary, bool, error) {
	var summary FundsSummary
	ok, err := s.load("funds_summary.json", &summary)
	return summary, ok, err
}

func (s *Store) SaveVolatility(scores map[string]float64) error {
	snap := VolatilitySnapshot{Scores: scores, UpdatedAt: time.Now().UTC()}
	if snap.Scores == nil {
		snap.Scores = make(map[string]float64)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONAtomic(s.path("volatility.json"), snap)
}

func (s *Store) LoadVolatility() (VolatilitySnapshot, bool, error) {
	var snap VolatilitySnapshot
	ok, err := s.load("volatility.json", &snap)
	return snap, ok, err
}

func (s *Store) path(name string) string {
	return filepath.Join(s.root, name)
}

func (s *Store) load(name string, v any) (bool, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}

func writeJSONAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return err
	}
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	syncDir(dir)
	return nil
}

// syncDir fsyncs the directory so the rename survives a crash. Failure
// only costs durability of the latest write, so it is logged, not fatal.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		log.WithError(err).WithField("dir", dir).Warn("state dir fsync skipped")
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		log.WithError(err).WithField("dir", dir).Warn("state dir fsync failed")
	}
}
