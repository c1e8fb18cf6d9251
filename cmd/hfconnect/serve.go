package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/mnehpets/hfconnect/auth"
	"github.com/mnehpets/hfconnect/config"
	"github.com/mnehpets/hfconnect/cookies"
	"github.com/mnehpets/hfconnect/endpoint"
	"github.com/mnehpets/hfconnect/metrics"
	"github.com/mnehpets/hfconnect/middleware"
	"github.com/mnehpets/hfconnect/seal"
	"github.com/mnehpets/hfconnect/secret"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the OAuth server",
	Long: `Start the HTTP server for the /oauth routes.
Configuration is read from flags, the environment and the .env file.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

const (
	defaultGracefulTimeout = 15 * time.Second
	serverReadTimeout      = 10 * time.Second
	// Must exceed discovery plus token timeouts.
	serverWriteTimeout = 30 * time.Second
	serverIdleTimeout  = 60 * time.Second
	hstsMaxAge         = 31536000
)

func init() {
	serveCmd.Flags().String("addr", ":8080", "Address to listen on")
	serveCmd.Flags().String("public-url", "", "Externally visible base URL, used to build the OAuth callback URL")
	mustBind(viper.GetViper(), config.KeyAddr, serveCmd.Flags().Lookup("addr"))
	mustBind(viper.GetViper(), config.KeyPublicURL, serveCmd.Flags().Lookup("public-url"))
	rootCmd.AddCommand(serveCmd)
}

func mustBind(v *viper.Viper, key string, f *pflag.Flag) {
	if err := v.BindPFlag(key, f); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", key, err))
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg)
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	handler, err := newServer(cfg, logger, reg)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server shutdown complete")
	return nil
}

// newServer wires the OAuth handler, the downstream API and the operational
// endpoints. reg receives the OAuth metrics and backs /metrics.
func newServer(cfg config.Config, logger *slog.Logger, reg *prometheus.Registry) (http.Handler, error) {
	codec, err := newCodec(cfg, logger)
	if err != nil {
		return nil, err
	}
	if !cfg.Provider.Configured() {
		logger.Warn("oauth is not configured; /oauth/start will redirect to /?oauth=disabled", "mode", cfg.Provider.Mode)
	}

	rec := metrics.NewRecorder(reg)
	headerOpts := []middleware.SecurityHeadersOption{
		middleware.WithEmbedded(cfg.Embedded),
		middleware.WithCORS(cfg.CORSOrigins...),
	}
	if cfg.Production {
		headerOpts = append(headerOpts, middleware.WithHSTS(hstsMaxAge))
	}
	headers := middleware.NewAPISecurityHeadersProcessor(headerOpts...)

	oauth := auth.NewHandler(cfg.Provider, codec,
		auth.WithPublicURL(cfg.PublicURL),
		auth.WithStateFormat(cfg.StateFormat),
		auth.WithCookieOptions(
			cookies.WithSecure(cfg.Production),
			cookies.WithEmbedded(cfg.Embedded),
		),
		auth.WithProcessors(headers),
		auth.WithTimeouts(cfg.DiscoveryTimeout, cfg.TokenTimeout),
		auth.WithLogger(logger),
		auth.WithMetrics(rec),
	)
	sessions := middleware.NewSessionProcessor(oauth.Sessions(),
		middleware.RequireSession(),
		middleware.WithSessionLogger(logger),
		middleware.WithSessionMetrics(rec),
	)
	whoami := &whoamiEndpoint{
		providerOrigin: cfg.Provider.Origin(),
		client:         &http.Client{Timeout: cfg.TokenTimeout},
	}

	mux := http.NewServeMux()
	mux.Handle(auth.BasePath+"/", oauth)
	mux.Handle("GET /api/whoami", &endpoint.EndpointHandler[struct{}]{
		Endpoint:   whoami.serve,
		Processors: []endpoint.Processor{headers, sessions},
		Logger:     logger,
	})
	mux.Handle("GET /healthz", endpoint.HandleFunc(healthz))
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux, nil
}

// newCodec derives the sealing key. A missing secret yields a nil codec; the
// server still starts and the routes that need the key answer 500.
func newCodec(cfg config.Config, logger *slog.Logger) (*seal.Codec, error) {
	if cfg.SessionSecret == "" {
		logger.Error("no session secret configured; set " + config.KeySessionSecret + " (see `hfconnect keygen`)")
		return nil, nil
	}
	key, format, err := secret.DeriveKey(cfg.SessionSecret)
	if err != nil {
		return nil, fmt.Errorf("session secret: %w", err)
	}
	if format == secret.FormatPassphrase {
		logger.Warn("session secret is not an encoded 32-byte key; deriving one with SHA-256", "format", format)
	}
	codec, err := seal.NewCodec(key, seal.WithAEAD(cfg.Cipher))
	if err != nil {
		return nil, fmt.Errorf("session codec: %w", err)
	}
	logger.Info("session sealing ready", "cipher", cfg.CipherName, "key_format", format)
	return codec, nil
}

func healthz(_ http.ResponseWriter, _ *http.Request, _ struct{}) (endpoint.Renderer, error) {
	return &endpoint.StringRenderer{Body: "ok\n"}, nil
}
