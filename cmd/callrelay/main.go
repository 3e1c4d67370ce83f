package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/vango-go/vai-callrelay/pkg/callrelay/config"
)

// drainCancelWait bounds how long canceled calls get to hand off their
// transcripts after the grace period runs out.
const drainCancelWait = 5 * time.Second

type relayDeps struct {
	loadConfig   func() (config.Config, error)
	newRelay     func(context.Context, config.Config, *slog.Logger) (*relay, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultRelayDeps() relayDeps {
	return relayDeps{
		loadConfig: config.LoadFromEnv,
		newRelay:   newRelay,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func runRelay(ctx context.Context, logOut io.Writer, deps relayDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.newRelay == nil {
		return errors.New("missing newRelay dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg, logOut)

	rl, err := deps.newRelay(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build relay: %w", err)
	}
	defer rl.Close()

	httpSrv := buildHTTPServer(cfg, rl.Handler())
	logger.Info("starting call relay",
		"addr", cfg.Addr,
		"public_domain", cfg.PublicDomain,
		"outbound_calling", cfg.TwilioEnabled(),
		"metadata_store", cfg.MetadataStore,
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("context canceled, shutting down")
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	rl.sup.SetDraining(true)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	// Hijacked media sockets outlive Shutdown; wait for the calls themselves.
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !rl.sup.Wait(waitCtx) {
		n := rl.sup.CancelAll("relay shutting down")
		logger.Warn("grace period elapsed, ending live calls", "calls", n)
		cancelCtx, cancel := context.WithTimeout(context.Background(), drainCancelWait)
		rl.sup.Wait(cancelCtx)
		cancel()
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("call relay stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps relayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}

	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(stderr, "callrelay: load .env: %v\n", err)
		return 1
	}

	if err := runRelay(ctx, stderr, deps); err != nil {
		fmt.Fprintf(stderr, "callrelay: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultRelayDeps()))
}
