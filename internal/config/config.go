package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/alapierre/go-arca-client/arca"
	"github.com/go-faster/errors"
)

// Config is the root configuration of the arca facade and CLI.
type Config struct {
	// Environment selects the ARCA endpoints: "testing" or "production"
	Environment string `koanf:"environment" usage:"ARCA environment (testing, production)"`

	// Cuit is the taxpayer identifier that owns the certificate
	Cuit string `koanf:"cuit" usage:"taxpayer CUIT (11 digits)"`

	CertificatePath    string `koanf:"certificate_path" usage:"path to the PEM or DER certificate"`
	PrivateKeyPath     string `koanf:"private_key_path" usage:"path to the private key"`
	PrivateKeyPassword string `koanf:"private_key_password" usage:"password of an encrypted PKCS#8 key"`

	// PointOfSale is the default point of sale for POST /invoice
	PointOfSale int `koanf:"point_of_sale" usage:"default point of sale"`

	// SOAPTimeout bounds every single SOAP call
	SOAPTimeout time.Duration `koanf:"soap_timeout" usage:"timeout of a single SOAP call"`

	// WSAAURL and WSFEURL override the environment endpoints (tests, proxies)
	WSAAURL string `koanf:"wsaa_url" usage:"override WSAA endpoint"`
	WSFEURL string `koanf:"wsfe_url" usage:"override WSFE endpoint"`

	Server     ServerConfig     `koanf:"server"`
	TokenStore TokenStoreConfig `koanf:"token_store"`
	Redis      RedisConfig      `koanf:"redis"`
	Lock       LockConfig       `koanf:"lock"`

	LogLevel string `koanf:"log_level" usage:"log level (debug, info, warn, error)"`
}

type ServerConfig struct {
	// Address is the listen address of the HTTP facade
	Address string `koanf:"address" usage:"HTTP listen address"`
}

// TokenStoreConfig selects where WSAA tickets survive restarts.
type TokenStoreConfig struct {
	// Type is one of "memory", "file", "redis"
	Type string `koanf:"type" usage:"token store (memory, file, redis)"`
	Path string `koanf:"path" usage:"file token store location"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr" usage:"redis address (host:port)"`
	Password string `koanf:"password" usage:"redis password"`
	DB       int    `koanf:"db" usage:"redis database"`
}

// LockConfig selects how invoice numbering is serialized.
type LockConfig struct {
	// Type is "local" for a single instance or "redis" for several instances sharing a CUIT
	Type string        `koanf:"type" usage:"voucher lock (local, redis)"`
	TTL  time.Duration `koanf:"ttl" usage:"redis voucher lock TTL"`
}

const (
	DefaultAddress        = ":3000"
	DefaultSOAPTimeout    = 30 * time.Second
	DefaultTokenStorePath = ".arca/tokens.json"
	DefaultLockTTL        = 2 * time.Minute
)

func (c *Config) applyDefaults() {
	if c.Environment == "" {
		c.Environment = arca.Testing.Name()
	}
	if c.SOAPTimeout <= 0 {
		c.SOAPTimeout = DefaultSOAPTimeout
	}
	if c.Server.Address == "" {
		c.Server.Address = DefaultAddress
	}
	if c.TokenStore.Type == "" {
		c.TokenStore.Type = "memory"
	}
	if c.TokenStore.Type == "file" && c.TokenStore.Path == "" {
		c.TokenStore.Path = DefaultTokenStorePath
	}
	if c.Lock.Type == "" {
		c.Lock.Type = "local"
	}
	if c.Lock.TTL <= 0 {
		c.Lock.TTL = DefaultLockTTL
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	c.TokenStore.Type = strings.ToLower(c.TokenStore.Type)
	c.Lock.Type = strings.ToLower(c.Lock.Type)
}

// Validate checks the fields every command needs. Key files are only checked for presence;
// they are read lazily by the signer.
func (c *Config) Validate() error {
	if _, err := arca.ParseEnvironment(c.Environment); err != nil {
		return err
	}
	if _, err := arca.ParseCuit(c.Cuit); err != nil {
		return errors.Wrap(err, "cuit")
	}
	if c.CertificatePath == "" {
		return errors.New("certificate_path is required")
	}
	if c.PrivateKeyPath == "" {
		return errors.New("private_key_path is required")
	}
	if c.PointOfSale < 0 {
		return errors.Errorf("point_of_sale must not be negative, got %d", c.PointOfSale)
	}

	switch c.TokenStore.Type {
	case "memory", "file":
	case "redis":
		if c.Redis.Addr == "" {
			return errors.New("redis.addr is required for the redis token store")
		}
	default:
		return errors.Errorf("unknown token_store.type %q", c.TokenStore.Type)
	}

	switch c.Lock.Type {
	case "local":
	case "redis":
		if c.Redis.Addr == "" {
			return errors.New("redis.addr is required for the redis voucher lock")
		}
	default:
		return errors.Errorf("unknown lock.type %q", c.Lock.Type)
	}
	return nil
}

// Credentials converts the validated configuration into client credentials.
func (c *Config) Credentials() (arca.Credentials, error) {
	env, err := arca.ParseEnvironment(c.Environment)
	if err != nil {
		return arca.Credentials{}, err
	}
	cuit, err := arca.ParseCuit(c.Cuit)
	if err != nil {
		return arca.Credentials{}, err
	}
	creds := arca.Credentials{
		Environment:     env,
		Cuit:            cuit,
		CertificatePath: c.CertificatePath,
		PrivateKeyPath:  c.PrivateKeyPath,
	}
	if c.PrivateKeyPassword != "" {
		creds.PrivateKeyPassword = []byte(c.PrivateKeyPassword)
	}
	return creds, nil
}

// Endpoints returns the environment endpoints with the configured overrides applied.
func (c *Config) Endpoints() arca.Endpoints {
	env, err := arca.ParseEnvironment(c.Environment)
	if err != nil {
		env = arca.Testing
	}
	ep := env.Endpoints()
	if c.WSAAURL != "" {
		ep.WSAA = c.WSAAURL
	}
	if c.WSFEURL != "" {
		ep.WSFE = c.WSFEURL
	}
	return ep
}

// TokenStorePath is the absolute location of the file token store.
func (c *Config) TokenStorePath() string {
	p, err := filepath.Abs(c.TokenStore.Path)
	if err != nil {
		return c.TokenStore.Path
	}
	return p
}
