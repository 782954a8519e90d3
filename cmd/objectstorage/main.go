// objectstorage is the multi-tenant content-addressed file storage service.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/silvabyte/ObjectStorage/internal/config"
	"github.com/silvabyte/ObjectStorage/internal/httpd"
	"github.com/silvabyte/ObjectStorage/internal/storage"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string

	// token command flags
	tokenTenant string
	tokenUser   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "objectstorage",
		Short: "Multi-tenant content-addressed file storage service",
		Long: `ObjectStorage stores files per tenant+user scope on the local filesystem,
deduplicating byte-identical content via a per-scope checksum index and
serializing appends through a crash-tolerant filesystem lock protocol.`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the storage service",
		RunE:  runServe,
	}

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for one tenant+user scope",
		RunE:  runToken,
	}
	tokenCmd.Flags().StringVar(&tokenTenant, "tenant", "", "tenant id")
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user id")
	_ = tokenCmd.MarkFlagRequired("tenant")
	_ = tokenCmd.MarkFlagRequired("user")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("objectstorage %s (commit %s, built %s, %s)\n",
				Version, Commit, BuildTime, runtime.Version())
		},
	}

	rootCmd.AddCommand(serveCmd, tokenCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// loadConfig loads the config file, or defaults when no file is given.
// The --log-level flag wins over the config file when set explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if cfgFile != "" {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if cmd.Flags().Changed("log-level") || cfg.LogLevel == "" {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	setupLogging(cfg.LogLevel)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := storage.InitMetrics(registry)

	engine, err := storage.NewEngine(cfg.DataDir, cfg.LockTimeout(), metrics)
	if err != nil {
		return fmt.Errorf("create storage engine: %w", err)
	}

	janitor := storage.NewJanitor(engine.Locks(), cfg.JanitorInterval(), metrics)
	janitor.Start()
	defer janitor.Stop()

	var auth *httpd.TokenService
	if cfg.Auth.Enabled {
		auth = httpd.NewTokenService(cfg.Auth.JWTSecret, cfg.TokenTTL())
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/", httpd.NewServer(engine, auth, metrics).Handler())

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("listen", cfg.Listen).
			Str("dataDir", cfg.DataDir).
			Bool("auth", cfg.Auth.Enabled).
			Str("version", Version).
			Msg("objectstorage serving")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	setupLogging(cfg.LogLevel)

	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must be configured to mint tokens")
	}

	ts := httpd.NewTokenService(cfg.Auth.JWTSecret, cfg.TokenTTL())
	token, err := ts.Generate(storage.Scope{TenantID: tokenTenant, UserID: tokenUser})
	if err != nil {
		return fmt.Errorf("generate token: %w", err)
	}
	fmt.Println(token)
	return nil
}
