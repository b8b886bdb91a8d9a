package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmerrifield20/custodyledger/internal/anchor"
	"github.com/jmerrifield20/custodyledger/internal/api/handler"
	"github.com/jmerrifield20/custodyledger/internal/feed"
	"github.com/jmerrifield20/custodyledger/internal/ledger"
	"github.com/jmerrifield20/custodyledger/internal/metrics"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the custody HTTP API and keep polling pending anchors",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().String("addr", "", "listen address (default :8080)")
	_ = a.v.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	return cmd
}

func (a *app) serve(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger := a.logger

	tokens, err := a.tokenIssuer()
	if err != nil {
		if !a.v.GetBool("server.auth_disabled") {
			return usageErr(fmt.Errorf("%w (set server.auth_disabled to run without authentication)", err))
		}
		logger.Warn("write routes are unauthenticated", zap.Error(err))
		tokens = nil
	}

	// ── Event feed ───────────────────────────────────────────────────────────
	var pubs feed.Multi
	if brokers := a.v.GetStringSlice("feed.brokers"); len(brokers) > 0 {
		kp, err := feed.NewKafkaPublisher(brokers, a.v.GetString("feed.topic"), logger)
		if err != nil {
			return fmt.Errorf("event feed: %w", err)
		}
		pubs = append(pubs, kp)
	}
	if url := a.v.GetString("feed.webhook_url"); url != "" {
		wp, err := feed.NewWebhookPublisher(feed.WebhookConfig{
			URL:    url,
			Secret: a.v.GetString("feed.webhook_secret"),
		}, logger)
		if err != nil {
			pubs.Close()
			return usageErr(fmt.Errorf("event webhook: %w", err))
		}
		pubs = append(pubs, wp)
	}
	var pub feed.Publisher = pubs
	if len(pubs) == 0 {
		pub = feed.NewNoopPublisher(logger)
	}
	a.closers = append(a.closers, pub.Close)

	// ── Ledger & anchoring ───────────────────────────────────────────────────
	svc, err := a.openService(ctx,
		ledger.WithObserver(metrics.ObserveEvent),
		ledger.WithObserver(feed.Observer(pub, a.caseName(), logger)),
	)
	if err != nil {
		return err
	}
	metrics.SetHead(svc.Ledger().Last().ID)

	mcfg := a.monitorConfig()
	mcfg.OnResolve = func(_ anchor.Handle, st anchor.State) {
		metrics.RecordAnchorResolved(string(st))
	}
	monitor, err := a.newMonitor(svc, mcfg)
	if err != nil {
		return err
	}
	pending := anchor.PendingFromEvents(svc.Ledger().Events())
	for _, h := range pending {
		monitor.Track(h)
	}
	if len(pending) > 0 {
		logger.Info("resumed pending anchors", zap.Int("count", len(pending)))
	}

	// ── HTTP ─────────────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handler.NewRouter(ctx, handler.RouterConfig{
		CORSOrigins:  a.v.GetStringSlice("server.cors_origins"),
		RateLimitRPS: a.v.GetInt("server.rate_limit_rps"),
		MaxBodyBytes: a.v.GetInt64("server.max_body_bytes"),
		Tokens:       tokens,
	}, svc, monitor, logger)

	srv := &http.Server{
		Addr:              a.v.GetString("server.addr"),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("custody API listening",
			zap.String("addr", srv.Addr),
			zap.Int("events", svc.Ledger().Len()),
			zap.String("head", svc.Ledger().Head()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down custody API")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	logger.Info("custody API stopped")
	return nil
}
