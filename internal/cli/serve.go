package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"github.com/massender/waworker/internal/bus"
	"github.com/massender/waworker/internal/config"
	"github.com/massender/waworker/internal/dispatch"
	"github.com/massender/waworker/internal/groups"
	"github.com/massender/waworker/internal/httpapi"
	"github.com/massender/waworker/internal/inbound"
	"github.com/massender/waworker/internal/lifecycle"
	"github.com/massender/waworker/internal/session"
	"github.com/massender/waworker/internal/whatsapp"
)

const shutdownTimeout = 10 * time.Second

var (
	serveConfigPath string
	servePort       int
)

var serveSignalContext = signal.NotifyContext

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the session worker HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "", "Path to a TOML config file")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Listen port (overrides PORT)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadServeConfig(serveConfigPath, servePort)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.AuthPath, 0o700); err != nil {
		return fmt.Errorf("create auth path: %w", err)
	}
	if cfg.ChromiumPath != config.DefaultChromiumPath {
		slog.Info("CHROMIUM_PATH is set but unused by the native client", "path", cfg.ChromiumPath)
	}
	if !cfg.Headless {
		slog.Info("Headless mode off, pairing codes will be printed to the terminal")
	}

	factory := whatsapp.NewFactory(whatsapp.Options{
		AuthRoot: cfg.AuthPath,
		PrintQR:  !cfg.Headless,
		QROut:    cmd.OutOrStdout(),
	})
	w := newWorker(cfg, factory)

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr(), err)
	}

	ctx, stop := serveSignalContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return w.run(ctx, ln)
}

func loadServeConfig(path string, port int) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if port != 0 {
		cfg.Port = port
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, out io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(out, opts)), nil
	}
	return slog.New(slog.NewTextHandler(out, opts)), nil
}

// worker wires the registry, background pumps and HTTP API together.
type worker struct {
	cfg       *config.Config
	bus       *bus.MessageBus
	registry  *session.Registry
	forwarder *inbound.Forwarder
	publisher *lifecycle.Publisher
	api       *httpapi.Server
}

func newWorker(cfg *config.Config, factory session.ClientFactory) *worker {
	msgBus := bus.NewMessageBus()
	w := &worker{
		cfg: cfg,
		bus: msgBus,
		registry: session.NewRegistry(factory, session.Config{
			MaxSessions: cfg.MaxSessions,
			Bus:         msgBus,
		}),
		forwarder: inbound.NewForwarder(cfg.APIBaseURL, cfg.WorkerAPIKey, msgBus),
		publisher: lifecycle.NewKafkaPublisher(cfg.KafkaBrokers, cfg.LifecycleTopic),
	}
	if w.publisher != nil {
		w.publisher.Attach(msgBus)
	}
	w.api = httpapi.NewServer(w.registry, dispatch.New(nil), groups.NewDirectory())
	return w
}

// run serves on ln until ctx is cancelled, then drains in order: HTTP requests,
// sessions, background pumps. Sessions are closed without logging devices out.
func (w *worker) run(ctx context.Context, ln net.Listener) error {
	bgCtx, stopBackground := context.WithCancel(context.WithoutCancel(ctx))
	defer stopBackground()

	var wg conc.WaitGroup
	wg.Go(func() { _ = w.bus.DispatchLifecycle(bgCtx) })
	wg.Go(func() { w.forwarder.Run(bgCtx) })
	if w.publisher != nil {
		wg.Go(func() { w.publisher.Run(bgCtx) })
	}

	srv := &http.Server{
		Handler:           w.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	slog.Info("Worker listening",
		"addr", ln.Addr().String(),
		"max_sessions", w.cfg.MaxSessions,
		"webhook", w.cfg.WebhookEnabled(),
		"lifecycle_stream", w.publisher != nil)

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("Shutting down worker")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}
	w.registry.Close()
	stopBackground()
	wg.Wait()

	if dropped := w.bus.Dropped(); dropped > 0 {
		slog.Warn("Bus dropped messages", "count", dropped)
	}
	return serveErr
}
