package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/jmerrifield20/custodyledger/internal/anchor"
	"github.com/jmerrifield20/custodyledger/internal/custody"
	"github.com/jmerrifield20/custodyledger/internal/ledger"
	"github.com/jmerrifield20/custodyledger/internal/storage"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("case", "default")
	v.SetDefault("log.level", "info")

	v.SetDefault("storage.url", "./data")

	v.SetDefault("ledger.max_retries", 3)
	v.SetDefault("ledger.retry_initial", 100*time.Millisecond)

	v.SetDefault("anchor.url", "")
	v.SetDefault("anchor.request_timeout", 10*time.Second)
	v.SetDefault("anchor.confirm_after", 1)
	v.SetDefault("anchor.initial_interval", 2*time.Second)
	v.SetDefault("anchor.max_interval", time.Minute)
	v.SetDefault("anchor.timeout", time.Hour)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("server.rate_limit_rps", 20)
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("server.auth_disabled", false)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "custodyledger")
	v.SetDefault("auth.token_ttl", time.Hour)

	v.SetDefault("feed.brokers", []string{})
	v.SetDefault("feed.topic", "custody-events")
	v.SetDefault("feed.webhook_url", "")
	v.SetDefault("feed.webhook_secret", "")
}

func (a *app) caseName() string { return a.v.GetString("case") }

func (a *app) ledgerKey() string { return ledger.KeyFor(a.caseName()) }

// openStore connects to the configured backend. The store is closed when
// the command finishes.
func (a *app) openStore(ctx context.Context) (storage.Store, error) {
	store, err := storage.Open(ctx, a.v.GetString("storage.url"), a.logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, store.Close)
	return store, nil
}

func (a *app) ledgerOptions(extra ...ledger.Option) []ledger.Option {
	opts := []ledger.Option{
		ledger.WithCase(a.caseName()),
		ledger.WithLogger(a.logger),
		ledger.WithRetry(uint64(a.v.GetInt("ledger.max_retries")), a.v.GetDuration("ledger.retry_initial")),
	}
	return append(opts, extra...)
}

// openService opens and verifies the case ledger and wraps it in a custody
// service.
func (a *app) openService(ctx context.Context, extra ...ledger.Option) (*custody.Service, error) {
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	l, err := ledger.Open(ctx, store, a.ledgerKey(), a.ledgerOptions(extra...)...)
	if err != nil {
		return nil, err
	}
	return custody.NewService(l, store, a.logger, custody.WithSaveRetry(a.saveRetry())), nil
}

// newAnchorer returns the HTTP anchor client when anchor.url is set and the
// in-process stub otherwise.
func (a *app) newAnchorer() (anchor.Anchorer, error) {
	if u := a.v.GetString("anchor.url"); u != "" {
		return anchor.NewHTTPAnchorer(u, a.v.GetDuration("anchor.request_timeout"), a.logger)
	}
	a.logger.Warn("anchor.url not set, using the local anchor stub")
	return anchor.NewLocalAnchorer(a.v.GetInt("anchor.confirm_after")), nil
}

func (a *app) saveRetry() storage.RetryPolicy {
	return storage.RetryPolicy{
		MaxRetries: uint64(a.v.GetInt("ledger.max_retries")),
		Initial:    a.v.GetDuration("ledger.retry_initial"),
	}
}

func (a *app) monitorConfig() anchor.MonitorConfig {
	return anchor.MonitorConfig{
		InitialInterval: a.v.GetDuration("anchor.initial_interval"),
		MaxInterval:     a.v.GetDuration("anchor.max_interval"),
		Timeout:         a.v.GetDuration("anchor.timeout"),
		SaveRetry:       a.saveRetry(),
	}
}

func (a *app) newMonitor(svc *custody.Service, cfg anchor.MonitorConfig) (*anchor.Monitor, error) {
	anchorer, err := a.newAnchorer()
	if err != nil {
		return nil, fmt.Errorf("anchor client: %w", err)
	}
	m := anchor.NewMonitor(anchorer, svc.Ledger(), svc.Store(), a.logger, cfg)
	a.closers = append(a.closers, func() error { m.Close(); return nil })
	return m, nil
}
