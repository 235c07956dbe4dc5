// Command btps-server runs a BTPS connection manager: a TLS listener
// that frames newline-delimited artifacts and drives each through the
// parse/attestation/delegation/signature/trust/dispatch pipeline,
// generalizing the spf13/cobra + spf13/viper entrypoint shape
// sigstore-policy-controller's cmd/localk8s uses for a config-driven
// host binary to BTPS's own config surface.
package main

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openbtps/btps-node-sub001/auth"
	"github.com/openbtps/btps-node-sub001/blog"
	"github.com/openbtps/btps-node-sub001/identity"
	"github.com/openbtps/btps-node-sub001/metrics"
	"github.com/openbtps/btps-node-sub001/middleware"
	"github.com/openbtps/btps-node-sub001/pipeline"
	"github.com/openbtps/btps-node-sub001/server"
	"github.com/openbtps/btps-node-sub001/token"
	"github.com/openbtps/btps-node-sub001/trust"
)

var version = "dev"

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "btps-server",
		Short: "Run a BTPS connection manager",
	}
	root.AddCommand(newServeCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept BTPS connections and run the artifact pipeline",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			v.SetEnvPrefix("")
			v.AutomaticEnv()
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			viperInstance = v
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(loadConfig(viperInstance))
		},
	}
	cmd.Flags().Int("port", 3443, "listen port (BTPS_PORT)")
	cmd.Flags().String("cert-path", "", "path to the TLS certificate (BTPS_CERT_PATH)")
	cmd.Flags().String("key-path", "", "path to the TLS private key (BTPS_KEY_PATH)")
	cmd.Flags().Bool("use-tls", true, "terminate TLS at the listener (USE_TLS)")
	cmd.Flags().String("nameserver", "1.1.1.1:53", "recursive resolver used for identity lookups")
	cmd.Flags().String("trust-store-path", "", "path to a JSON trust store file; empty keeps it in memory")
	cmd.Flags().String("token-store-path", "", "path to a JSON token store file; empty keeps it in memory")
	cmd.Flags().Int("rate-limit", 60, "max requests per IP per window")
	cmd.Flags().Duration("rate-limit-window", time.Minute, "rate limit window")
	cmd.Flags().String("log-level", "info", "zap log level (debug, info, warn, error)")
	cmd.Flags().String("debug-addr", ":8117", "address to serve /metrics on")
	cmd.Flags().Duration("drain-timeout", 5*time.Second, "graceful shutdown drain budget")
	return cmd
}

// viperInstance is populated by serve's PreRunE, the same
// flags-then-env binding sigstore-policy-controller's localk8s setup.go
// uses rather than threading a *viper.Viper through cobra's context.
var viperInstance *viper.Viper

type config struct {
	Port            int
	CertPath        string
	KeyPath         string
	UseTLS          bool
	TLSCertBase64   string
	TLSKeyBase64    string
	Nameserver      string
	TrustStorePath  string
	TokenStorePath  string
	RateLimit       int
	RateLimitWindow time.Duration
	LogLevel        string
	DebugAddr       string
	DrainTimeout    time.Duration
	NodeEnv         string
}

// loadConfig reads the BTPS_PORT, BTPS_CERT_PATH, BTPS_KEY_PATH,
// USE_TLS, TLS_CERT, TLS_KEY and NODE_ENV environment variables over
// the flag defaults, per spec section 6.
func loadConfig(v *viper.Viper) config {
	return config{
		Port:            firstNonZeroInt(envInt("BTPS_PORT"), v.GetInt("port")),
		CertPath:        firstNonEmpty(os.Getenv("BTPS_CERT_PATH"), v.GetString("cert-path")),
		KeyPath:         firstNonEmpty(os.Getenv("BTPS_KEY_PATH"), v.GetString("key-path")),
		UseTLS:          envBoolOr("USE_TLS", v.GetBool("use-tls")),
		TLSCertBase64:   os.Getenv("TLS_CERT"),
		TLSKeyBase64:    os.Getenv("TLS_KEY"),
		Nameserver:      v.GetString("nameserver"),
		TrustStorePath:  v.GetString("trust-store-path"),
		TokenStorePath:  v.GetString("token-store-path"),
		RateLimit:       v.GetInt("rate-limit"),
		RateLimitWindow: v.GetDuration("rate-limit-window"),
		LogLevel:        v.GetString("log-level"),
		DebugAddr:       v.GetString("debug-addr"),
		DrainTimeout:    v.GetDuration("drain-timeout"),
		NodeEnv:         firstNonEmpty(os.Getenv("NODE_ENV"), "production"),
	}
}

func runServe(cfg config) error {
	log, err := blog.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	log.Info(fmt.Sprintf("btps-server %s starting in %s mode", version, cfg.NodeEnv))

	registry := prometheus.NewRegistry()
	scope := metrics.NewPromScope(registry, "btps_server")

	clk := clock.New()

	resolver, err := identity.NewResolver(cfg.Nameserver, log)
	if err != nil {
		return fmt.Errorf("build resolver: %w", err)
	}

	trustStore, err := buildTrustStore(cfg, clk, log)
	if err != nil {
		return fmt.Errorf("build trust store: %w", err)
	}
	authTokens, refreshTokens, err := buildTokenStores(cfg, log)
	if err != nil {
		return fmt.Errorf("build token stores: %w", err)
	}

	authSvc := &auth.Service{
		AuthTokens:    authTokens,
		RefreshTokens: refreshTokens,
		TrustStore:    trustStore,
		Clock:         clk,
	}

	mgr := middleware.NewManager()
	if err := mgr.Load("auditlog", middleware.AuditLogDeps{Log: log}); err != nil {
		return fmt.Errorf("load auditlog middleware: %w", err)
	}
	if err := mgr.Load("ratelimit.identity", middleware.RateLimitDeps{
		Limit:  cfg.RateLimit,
		Window: cfg.RateLimitWindow,
		Clock:  clk,
	}); err != nil {
		return fmt.Errorf("load ratelimit.identity middleware: %w", err)
	}

	pl := &pipeline.Pipeline{
		Resolver:   resolver,
		TrustStore: trustStore,
		Dispatcher: &serverDispatcher{Auth: authSvc, Log: log},
		Middleware: mgr,
		Clock:      clk,
		Log:        log,
		Scope:      scope,
	}

	connRateLimiter, err := server.NewRateLimiter(cfg.RateLimit, cfg.RateLimitWindow, "@every 1m")
	if err != nil {
		return fmt.Errorf("build rate limiter: %w", err)
	}
	connRateLimiter.Start()
	defer connRateLimiter.Stop()

	tlsConfig, err := buildTLSConfig(cfg)
	if err != nil {
		return fmt.Errorf("build TLS config: %w", err)
	}

	srv := server.New(server.Config{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		TLSConfig:   tlsConfig,
		Pipeline:    pl,
		RateLimiter: connRateLimiter,
		Log:         log,
		Clock:       clk,
		Scope:       scope,
	})

	debugSrv := startDebugServer(cfg.DebugAddr, registry, log)
	defer debugSrv.Close()

	addr := fmt.Sprintf(":%d", cfg.Port)
	serveErrs := make(chan error, 1)
	go func() {
		if cfg.UseTLS {
			serveErrs <- srv.ListenAndServe()
			return
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			serveErrs <- err
			return
		}
		serveErrs <- srv.Serve(ln)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErrs:
		if err != nil {
			log.AuditErr("server exited: " + err.Error())
			return err
		}
	case sig := <-sigCh:
		log.Info("received " + sig.String() + ", draining")
		ctx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
		defer cancel()
		_ = srv.Shutdown(ctx, cfg.DrainTimeout)
	}
	return nil
}

func buildTrustStore(cfg config, clk clock.Clock, log blog.Logger) (trust.Store, error) {
	if cfg.TrustStorePath == "" {
		return trust.NewMemoryStore(clk), nil
	}
	return trust.NewJSONStore(cfg.TrustStorePath, clk, log, time.Second)
}

func buildTokenStores(cfg config, log blog.Logger) (token.Store, token.Store, error) {
	if cfg.TokenStorePath == "" {
		return token.NewMemoryStore(), token.NewMemoryStore(), nil
	}
	auth, err := token.NewJSONStore(cfg.TokenStorePath+".auth.json", log, time.Second)
	if err != nil {
		return nil, nil, err
	}
	refresh, err := token.NewJSONStore(cfg.TokenStorePath+".refresh.json", log, time.Second)
	if err != nil {
		return nil, nil, err
	}
	return auth, refresh, nil
}

// buildTLSConfig loads the server certificate/key either from disk
// paths or from base64-encoded env vars, per spec section 6's
// TLS_CERT/TLS_KEY fallback for container deployments with no writable
// filesystem for certificate material.
func buildTLSConfig(cfg config) (*tls.Config, error) {
	if !cfg.UseTLS {
		return nil, nil
	}

	var cert tls.Certificate
	var err error
	switch {
	case cfg.CertPath != "" && cfg.KeyPath != "":
		cert, err = tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	case cfg.TLSCertBase64 != "" && cfg.TLSKeyBase64 != "":
		var certPEM, keyPEM []byte
		certPEM, err = base64.StdEncoding.DecodeString(cfg.TLSCertBase64)
		if err == nil {
			keyPEM, err = base64.StdEncoding.DecodeString(cfg.TLSKeyBase64)
		}
		if err == nil {
			cert, err = tls.X509KeyPair(certPEM, keyPEM)
		}
	default:
		return nil, fmt.Errorf("no TLS certificate configured: set --cert-path/--key-path or TLS_CERT/TLS_KEY")
	}
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

// startDebugServer exposes Prometheus metrics the way boulder's
// cmd.StatsAndLogging wires a debug listener alongside every service.
func startDebugServer(addr string, registry *prometheus.Registry, log blog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.AuditErr("debug server exited: " + err.Error())
		}
	}()
	return srv
}

func envInt(name string) int {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	n := 0
	fmt.Sscanf(v, "%d", &n)
	return n
}

func envBoolOr(name string, fallback bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	return v == "1" || v == "true" || v == "TRUE"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonZeroInt(values ...int) int {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}
