package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"auto-trader/internal/alert"
	"auto-trader/internal/config"
	"auto-trader/internal/engine"
	"auto-trader/internal/exchange/binance"
	"auto-trader/internal/store"
)

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "trader",
		Short: "Unattended multi-pair limit-order trading engine",
		Long: `Runs an unattended trading loop against a single quote asset:
expired orders are recycled, free balances are spread into minimum-sized
limit orders, and every fill is flipped to the opposite side at the
configured profit margin.`,
		RunE:          runTrader,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "path to an optional dotenv file with secrets")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runTrader(cmd *cobra.Command, args []string) error {
	config.LoadDotEnv(envFile)
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	lock, err := store.AcquireInstanceLock(cfg.State.Dir, store.LockOptions{
		Takeover:   cfg.State.LockTakeover != nil && *cfg.State.LockTakeover,
		StaleAfter: time.Duration(cfg.State.LockStaleSec) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.WithError(err).Warn("release instance lock")
		}
	}()

	st, err := store.New(cfg.State.Dir)
	if err != nil {
		return fmt.Errorf("open state dir: %w", err)
	}

	var alerter alert.Alerter
	var manager *alert.Manager
	if cfg.Observability.Telegram.Enabled {
		notifier := alert.NewTelegramNotifier(
			cfg.Observability.Telegram.BotToken,
			cfg.Observability.Telegram.ChatID,
			cfg.Observability.Telegram.APIBaseURL,
			time.Duration(cfg.Observability.Telegram.TimeoutSec)*time.Second,
		)
		manager = alert.NewManager("auto-trader/"+cfg.InstanceID, notifier, 0)
		alerter = manager
	}

	client, err := binance.NewClient(binance.Options{
		APIKey:          cfg.Exchange.APIKey,
		APISecret:       cfg.Exchange.APISecret,
		RestBaseURL:     cfg.Exchange.RestBaseURL,
		WSBaseURL:       cfg.Exchange.WSBaseURL,
		RecvWindowMs:    cfg.Exchange.RecvWindowMs,
		HTTPTimeoutSec:  cfg.Exchange.HTTPTimeoutSec,
		RateLimitPerSec: cfg.Exchange.RateLimitPerSec,
		RateLimitBurst:  cfg.Exchange.RateLimitBurst,
	})
	if err != nil {
		return fmt.Errorf("build exchange client: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng := engine.New(cfg, client, st, alerter)
	runErr := eng.Run(ctx)

	if manager != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := manager.Close(closeCtx); err != nil {
			log.WithError(err).Warn("alert manager close")
		}
	}
	return runErr
}
