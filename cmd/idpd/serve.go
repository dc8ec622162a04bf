package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	gosundheit "github.com/AppsFlyer/go-sundheit"
	"github.com/AppsFlyer/go-sundheit/checks"
	gosundheithttp "github.com/AppsFlyer/go-sundheit/http"
	"github.com/ghodss/yaml"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/dexidp/idpd/internal/cryptoutil"
	"github.com/dexidp/idpd/internal/httpapi"
	"github.com/dexidp/idpd/internal/identity"
	"github.com/dexidp/idpd/internal/metrics"
	"github.com/dexidp/idpd/internal/oauthcore"
	"github.com/dexidp/idpd/internal/session"
	"github.com/dexidp/idpd/internal/storage"
	"github.com/dexidp/idpd/internal/storage/memory"
	sqlstorage "github.com/dexidp/idpd/internal/storage/sql"
	"github.com/dexidp/idpd/internal/token"
)

type serveOptions struct {
	config      string
	webHTTPAddr string
}

func commandServe() *cobra.Command {
	options := serveOptions{}

	cmd := &cobra.Command{
		Use:     "serve [flags] [config file]",
		Short:   "Launch the identity provider",
		Example: "idpd serve config.yaml",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cmd.SilenceErrors = true
			options.config = args[0]
			return runServe(options)
		},
	}

	cmd.Flags().StringVar(&options.webHTTPAddr, "web-http-addr", "", "Web HTTP address")
	return cmd
}

func applyConfigOverrides(options serveOptions, c *Config) {
	if options.webHTTPAddr != "" {
		c.Web.HTTP = options.webHTTPAddr
	}
}

func runServe(options serveOptions) error {
	configData, err := os.ReadFile(options.config)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %v", options.config, err)
	}

	var c Config
	if err := yaml.Unmarshal(configData, &c); err != nil {
		return fmt.Errorf("error parsing config file %s: %v", options.config, err)
	}
	applyConfigOverrides(options, &c)

	logger, err := newLogger(c.Logger.Level, c.Logger.Format)
	if err != nil {
		return fmt.Errorf("invalid config: %v", err)
	}
	if err := c.Validate(); err != nil {
		return err
	}
	logger.Infof("config issuer: %s", c.Issuer)

	accessSecret, err := resolveSecret(c.Secrets.AccessSecret, c.Secrets.AccessSecretEnv)
	if err != nil {
		return fmt.Errorf("invalid config: secrets.accessSecret: %v", err)
	}
	refreshSecret, err := resolveSecret(c.Secrets.RefreshSecret, c.Secrets.RefreshSecretEnv)
	if err != nil {
		return fmt.Errorf("invalid config: secrets.refreshSecret: %v", err)
	}
	idSecret, err := resolveSecret(c.Secrets.IDSecret, c.Secrets.IDSecretEnv)
	if err != nil {
		return fmt.Errorf("invalid config: secrets.idSecret: %v", err)
	}

	var accessTTL, refreshTTL, codeTTL time.Duration
	for _, d := range []struct {
		raw string
		out *time.Duration
	}{
		{c.Expiry.AccessTokens, &accessTTL},
		{c.Expiry.RefreshTokens, &refreshTTL},
		{c.Expiry.AuthCodes, &codeTTL},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("invalid config: expiry duration %q: %v", d.raw, err)
		}
		*d.out = parsed
	}

	var store storage.Store
	var sqlStore *sqlstorage.Store
	switch c.Storage.Type {
	case "memory":
		store = memory.New()
	case "postgres":
		sqlStore, err = sqlstorage.OpenPostgres(c.Storage.DSN)
		if err != nil {
			return fmt.Errorf("failed to open postgres storage: %v", err)
		}
		store = sqlStore
	case "sqlite3":
		sqlStore, err = sqlstorage.OpenSQLite(c.Storage.DSN)
		if err != nil {
			return fmt.Errorf("failed to open sqlite storage: %v", err)
		}
		store = sqlStore
	default:
		return fmt.Errorf("invalid config: unknown storage type %q", c.Storage.Type)
	}
	defer store.Close()
	logger.Infof("config storage: %s", c.Storage.Type)

	ctx := context.Background()
	for _, sc := range c.StaticClients {
		secret, err := resolveSecret(sc.ClientSecret, sc.ClientSecretEnv)
		if err != nil {
			return fmt.Errorf("invalid config: staticClients %s: %v", sc.ClientID, err)
		}
		hash, err := cryptoutil.HashPassword(secret, cryptoutil.DefaultHashCost)
		if err != nil {
			return fmt.Errorf("failed hashing static client secret: %v", err)
		}
		if err := seedClient(ctx, store, sqlStore, storage.Client{
			ClientID:            sc.ClientID,
			ClientSecretHash:    hash,
			Name:                sc.Name,
			AllowedRedirectURIs: sc.RedirectURIs,
		}); err != nil {
			return fmt.Errorf("failed to seed static client %s: %v", sc.ClientID, err)
		}
		logger.Infof("config static client: %s", sc.Name)
	}

	prometheusRegistry := prometheus.NewRegistry()
	m := metrics.New(prometheusRegistry)

	codec := &token.Codec{
		Issuer:   c.Issuer,
		Audience: c.Issuer,
		Keys: token.Keys{
			AccessSecret:  []byte(accessSecret),
			RefreshSecret: []byte(refreshSecret),
			IDSecret:      []byte(idSecret),
		},
		Lifetimes: token.Lifetimes{Access: accessTTL, Refresh: refreshTTL},
	}

	identitySvc := &identity.Service{
		Users:         store.Users(),
		RefreshTokens: store.RefreshTokens(),
		Codec:         codec,
		Metrics:       m,
		HashCost:      c.PasswordHashCost,
	}
	oauthSvc := &oauthcore.Service{
		Clients:              store.Clients(),
		AuthCodes:            store.AuthCodes(),
		Users:                store.Users(),
		RefreshTokens:        store.RefreshTokens(),
		Codec:                codec,
		Identity:             identitySvc,
		Metrics:              m,
		CodeTTL:              codeTTL,
		RequireEmailVerified: c.RequireEmailVerified,
	}
	cookies := &session.Adapter{
		Config: session.Config{
			SSODomain:  c.Web.SSODomain,
			Production: c.Web.Production,
			AccessTTL:  accessTTL,
			RefreshTTL: refreshTTL,
		},
		Codec: codec,
	}

	healthChecker := gosundheit.New()
	_ = healthChecker.RegisterCheck(&gosundheit.Config{
		Check: &checks.CustomCheck{
			CheckName: "storage",
			CheckFunc: func(ctx context.Context) (interface{}, error) {
				_, err := store.GarbageCollect(ctx, time.Now())
				return nil, err
			},
		},
		ExecutionPeriod:  15 * time.Second,
		InitiallyPassing: true,
	})

	router := httpapi.NewRouter(httpapi.Config{
		Identity: identitySvc,
		OAuth:    oauthSvc,
		Cookies:  cookies,
		Codec:    codec,
		Logger:   logger,
		Metrics:  m,
		Health: func() error {
			if !healthChecker.IsHealthy() {
				return fmt.Errorf("health check failed")
			}
			return nil
		},
		AllowedOrigins:       c.Web.AllowedOrigins,
		RequireEmailVerified: c.RequireEmailVerified,
	})

	telemetryMux := http.NewServeMux()
	telemetryMux.Handle("/metrics", promhttp.HandlerFor(prometheusRegistry, promhttp.HandlerOpts{}))
	telemetryMux.Handle("/healthz", gosundheithttp.HandleHealthJSON(healthChecker))

	var gr run.Group

	httpSrv := &http.Server{Addr: c.Web.HTTP, Handler: router}
	defer httpSrv.Close()
	addServer(&gr, "http", httpSrv, logger)

	if c.Web.TelemetryHTTP != "" {
		telemetrySrv := &http.Server{Addr: c.Web.TelemetryHTTP, Handler: telemetryMux}
		defer telemetrySrv.Close()
		addServer(&gr, "http/telemetry", telemetrySrv, logger)
	}

	gcCtx, gcCancel := context.WithCancel(context.Background())
	gr.Add(func() error {
		runGarbageCollector(gcCtx, store, logger, 5*time.Minute)
		return nil
	}, func(error) {
		gcCancel()
	})

	sigCtx, sigCancel := context.WithCancel(context.Background())
	gr.Add(run.SignalHandler(sigCtx, os.Interrupt, syscall.SIGTERM))
	defer sigCancel()

	if err := gr.Run(); err != nil {
		if _, ok := err.(run.SignalError); !ok {
			return fmt.Errorf("run groups: %w", err)
		}
		logger.Infof("%v, shutdown now", err)
	}
	return nil
}

func seedClient(ctx context.Context, store storage.Store, sqlStore *sqlstorage.Store, c storage.Client) error {
	if _, err := store.Clients().FindByClientID(ctx, c.ClientID); err == nil {
		return nil
	} else if err != storage.ErrNotFound {
		return err
	}
	if sqlStore != nil {
		return sqlstorage.InsertClient(ctx, sqlStore, c)
	}
	memory.Seed(store, c)
	return nil
}

func runGarbageCollector(ctx context.Context, store storage.Store, logger interface {
	Infof(string, ...interface{})
	Errorf(string, ...interface{})
}, frequency time.Duration) {
	ticker := time.NewTicker(frequency)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := store.GarbageCollect(ctx, time.Now())
			if err != nil {
				logger.Errorf("garbage collection failed: %v", err)
				continue
			}
			if result.AuthCodes != 0 || result.RefreshRecords != 0 {
				logger.Infof("garbage collection run: %d auth codes, %d refresh records", result.AuthCodes, result.RefreshRecords)
			}
		}
	}
}

func addServer(gr *run.Group, name string, srv *http.Server, logger interface {
	Infof(string, ...interface{})
	Debugf(string, ...interface{})
	Errorf(string, ...interface{})
}) {
	listener, listenErr := net.Listen("tcp", srv.Addr)
	gr.Add(func() error {
		if listenErr != nil {
			return fmt.Errorf("listening (%s) on %s: %v", name, srv.Addr, listenErr)
		}
		logger.Infof("listening (%s) on %s", name, srv.Addr)
		return srv.Serve(listener)
	}, func(err error) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		logger.Debugf("starting graceful shutdown (%s)", name)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("graceful shutdown (%s): %v", name, err)
		}
	})
}
