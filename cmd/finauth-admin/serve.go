package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"github.com/MrEthical07/finauth"
	"github.com/MrEthical07/finauth/logging"
	promexport "github.com/MrEthical07/finauth/metrics/export/prometheus"
	"github.com/MrEthical07/finauth/middleware"
	"github.com/MrEthical07/finauth/monitor"
	"github.com/MrEthical07/finauth/notify"
	"github.com/MrEthical07/finauth/store/postgres"
	"github.com/MrEthical07/finauth/store/sqlite"
)

// serverConfig is the deployment file for `serve`. Engine tuning stays in
// the finauth config referenced by AuthConfig.
type serverConfig struct {
	Listen     string `yaml:"listen"`
	AuthConfig string `yaml:"auth_config"`

	Redis struct {
		Addrs    []string `yaml:"addrs"`
		Password string   `yaml:"password"`
		DB       int      `yaml:"db"`
	} `yaml:"redis"`

	Store struct {
		// Driver is "postgres" or "sqlite".
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"store"`

	Logging logging.Config       `yaml:"logging"`
	Mail    *notify.MailerConfig `yaml:"mail"`
	AMQP    *monitor.Config      `yaml:"amqp"`
}

func defaultServerConfig() serverConfig {
	var c serverConfig
	c.Listen = ":9090"
	c.Redis.Addrs = []string{"localhost:6379"}
	c.Store.Driver = "sqlite"
	c.Store.DSN = "finauth.db"
	c.Logging = logging.DefaultConfig()
	return c
}

func loadServerConfig(path string) (serverConfig, error) {
	cfg := defaultServerConfig()
	if path == "" {
		return cfg, nil
	}
	content, err := os.ReadFile(os.ExpandEnv(path))
	if err != nil {
		return serverConfig{}, err
	}
	if err := yaml.UnmarshalStrict(content, &cfg); err != nil {
		return serverConfig{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

type opsStore interface {
	finauth.Store
	eventHistory
	Ping(ctx context.Context) error
}

func openStore(ctx context.Context, driver, dsn string) (opsStore, func(), error) {
	switch driver {
	case "postgres":
		s, err := postgres.Open(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, nil, err
		}
		return s, s.Close, nil
	case "sqlite":
		s, err := sqlite.Open(dsn)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "server config file")
	listen := fs.String("listen", "", "listen address (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	scfg, err := loadServerConfig(*configPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		scfg.Listen = *listen
	}

	logger, err := logging.New(scfg.Logging)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	authCfg, err := finauth.LoadConfig(scfg.AuthConfig)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    scfg.Redis.Addrs,
		Password: scfg.Redis.Password,
		DB:       scfg.Redis.DB,
	})
	defer rdb.Close()

	store, closeStore, err := openStore(ctx, scfg.Store.Driver, scfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore()

	builder := finauth.New().
		WithConfig(authCfg).
		WithRedis(rdb).
		WithStore(store).
		WithLogger(logger)

	if scfg.Mail != nil {
		mailer, err := notify.NewMailer(*scfg.Mail, notify.WithLogger(logger.Named("mail")))
		if err != nil {
			return fmt.Errorf("mailer: %w", err)
		}
		builder = builder.WithNotifier(mailer)
	} else {
		builder = builder.WithNotifier(notify.NewLogNotifier(logger))
	}

	if scfg.AMQP != nil {
		publisher, err := monitor.Dial(*scfg.AMQP, logger.Named("monitor"))
		if err != nil {
			return fmt.Errorf("monitor: %w", err)
		}
		defer publisher.Close()
		builder = builder.WithMonitor(publisher)
	}

	engine, err := builder.Build()
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer engine.Close()

	router := newRouter(routerDeps{
		engine:   engine,
		reporter: engine,
		history:  store,
		metrics:  promexport.NewCollector(engine).Handler(),
		guard:    middleware.RequirePermission(engine, "security:read"),
		checks: map[string]func(context.Context) error{
			"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
			"store": store.Ping,
		},
		logger: logger,
	})

	srv := &http.Server{
		Addr:              scfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ops server listening",
			zap.String("addr", scfg.Listen),
			zap.String("signing_method", string(engine.SigningMethod())))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("shutting down ops server")
	return srv.Shutdown(shutdownCtx)
}
