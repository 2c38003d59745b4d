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

	"github.com/rs/zerolog"

	"newsletter/internal/adapters/email"
	web "newsletter/internal/adapters/http"
	templateStore "newsletter/internal/adapters/storage/template"
	"newsletter/internal/config"
	"newsletter/internal/logger"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "newsletter: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	lg := logger.New(os.Stdout, logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if cfg.CSRFKeyGenerated {
		lg.Warn().Msg("using random CSRF key (sessions won't survive restart); set NEWSLETTER_CSRF_KEY")
	}

	sender := newSender(cfg, lg)
	lg.Info().Str("relay", cfg.Relay).Str("from", cfg.EmailUser).Msg("email_sender_configured")

	server, err := web.NewServer(web.Deps{
		Templates:   templateStore.NewDirStore(cfg.TemplateDir),
		Sender:      sender,
		Relay:       cfg.Relay,
		FromAddress: cfg.EmailUser,
		ReplyTo:     cfg.ReplyTo,
		Concurrency: cfg.DispatchConcurrency,
		SendTimeout: cfg.SendTimeout,
		Logger:      lg,
	}, web.Options{
		CSRFKey:        cfg.CSRFKey,
		Secure:         cfg.Production(),
		TrustedOrigins: cfg.TrustedOrigins,
		RateLimit:      cfg.RateLimit,
		MaxUploadBytes: cfg.MaxUploadBytes,
		SlowRequest:    cfg.SlowRequest,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		lg.Info().Str("addr", cfg.Addr).Str("env", cfg.Env).Str("version", version).Str("templates", cfg.TemplateDir).Msg("server_starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	lg.Info().Dur("wait", cfg.ShutdownWait).Msg("server_shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownWait)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	lg.Info().Msg("server_stopped")
	return nil
}

// newSender builds the relay client selected by cfg.Relay.
func newSender(cfg *config.Config, lg zerolog.Logger) email.Sender {
	switch cfg.Relay {
	case config.RelaySMTP:
		return email.NewSMTPSender(email.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.EmailUser,
			Password: cfg.EmailPass,
			From:     cfg.EmailUser,
			Timeout:  cfg.SendTimeout,
		}, lg)
	case config.RelayResend:
		return email.NewResendSender(cfg.EmailPass, cfg.EmailUser, lg)
	default:
		return email.NewNoopSender(lg)
	}
}
