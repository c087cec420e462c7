package cli

import (
	"encoding/json"
	"io"

	"github.com/alapierre/go-arca-client/arca"
	"github.com/alapierre/go-arca-client/arca/soap"
	"github.com/alapierre/go-arca-client/arca/util"
	"github.com/alapierre/go-arca-client/arca/wsaa"
	"github.com/alapierre/go-arca-client/arca/wsfe"
	"github.com/alapierre/go-arca-client/internal/config"
	"github.com/go-faster/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// app holds the clients built from one configuration. A single WSAA client owns the ticket
// cache for the whole process.
type app struct {
	cfg      *config.Config
	cuit     arca.Cuit
	auth     *wsaa.Client
	invoicer *wsfe.Client
	registry *prometheus.Registry
	redis    *redis.Client
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config) error {
	if util.DebugEnabled() {
		logrus.SetLevel(logrus.DebugLevel)
		return nil
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return errors.Wrap(err, "log_level")
	}
	logrus.SetLevel(level)
	return nil
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if err := setupLogging(cfg); err != nil {
		return nil, err
	}

	creds, err := cfg.Credentials()
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, cuit: creds.Cuit, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := soap.NewMetrics(a.registry)

	if cfg.TokenStore.Type == "redis" || cfg.Lock.Type == "redis" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	var store wsaa.TokenStore
	switch cfg.TokenStore.Type {
	case "file":
		store = wsaa.NewFileStore(cfg.TokenStorePath())
	case "redis":
		store = wsaa.NewRedisStore(a.redis, "")
	default:
		store = wsaa.NewMemoryStore()
	}

	endpoints := cfg.Endpoints()
	a.auth, err = wsaa.NewClient(creds,
		wsaa.WithEndpoint(endpoints.WSAA),
		wsaa.WithTimeout(cfg.SOAPTimeout),
		wsaa.WithTokenStore(store),
		wsaa.WithMetrics(metrics),
	)
	if err != nil {
		a.Close()
		return nil, err
	}

	var locker wsfe.VoucherLocker = wsfe.NewLocalLocker()
	if cfg.Lock.Type == "redis" {
		locker = wsfe.NewRedisLocker(a.redis, "arca:wsfe:lock:"+creds.Cuit.String()+":", cfg.Lock.TTL)
	}

	a.invoicer = wsfe.NewClient(creds.Environment, creds.Cuit, a.auth,
		wsfe.WithEndpoint(endpoints.WSFE),
		wsfe.WithTimeout(cfg.SOAPTimeout),
		wsfe.WithLocker(locker),
		wsfe.WithMetrics(metrics),
	)

	logrus.WithFields(logrus.Fields{
		"environment": cfg.Environment,
		"cuit":        creds.Cuit,
		"tokenStore":  cfg.TokenStore.Type,
		"lock":        cfg.Lock.Type,
	}).Debug("Clients configured")
	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
}

func printJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
