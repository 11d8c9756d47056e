package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"commitchain/crypto"
	"commitchain/storage"
)

// Environment variables read on top of the file.
const (
	EnvPassphrase    = "COMMITCHAIN_KEYSTORE_PASSPHRASE"
	EnvDatabaseDSN   = "COMMITCHAIN_DATABASE_DSN"
	EnvRedisAddr     = "COMMITCHAIN_REDIS_ADDR"
	EnvRedisPassword = "COMMITCHAIN_REDIS_PASSWORD"
	EnvChainEndpoint = "COMMITCHAIN_CHAIN_ENDPOINT"
	EnvWebhookSecret = "COMMITCHAIN_WEBHOOK_SECRET"
)

// PassphraseFunc supplies the operator keystore passphrase.
type PassphraseFunc func() (string, error)

// EnvPassphraseFunc reads the passphrase from EnvPassphrase.
func EnvPassphraseFunc() (string, error) { return os.Getenv(EnvPassphrase), nil }

// Load reads the configuration at path with the passphrase taken from the
// environment.
func Load(path string) (*Config, error) { return LoadWith(path, EnvPassphraseFunc) }

// LoadWith reads the configuration at path. YAML is selected by a .yaml or
// .yml extension, TOML otherwise. A missing file is created with defaults.
// Values from a .env file next to the config and from the process
// environment override the file and are never written back to it.
func LoadWith(path string, passphrase PassphraseFunc) (*Config, error) {
	if passphrase == nil {
		passphrase = EnvPassphraseFunc
	}
	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}
	cfg := &Config{}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		cfg, err = createDefault(path)
		if err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	} else if err := decode(path, cfg); err != nil {
		return nil, err
	}

	cfg.passphrase = passphrase
	if err := ensureKeystore(path, cfg); err != nil {
		return nil, err
	}
	applyEnv(cfg)
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func decode(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if isYAML(path) {
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("config %s: %w", path, err)
		}
		return nil
	}
	meta, err := toml.Decode(string(raw), cfg)
	if err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config %s: unknown key %s", path, undecoded[0].String())
	}
	return nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	set := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(&cfg.Database.DSN, EnvDatabaseDSN)
	set(&cfg.Redis.Addr, EnvRedisAddr)
	set(&cfg.Redis.Password, EnvRedisPassword)
	set(&cfg.Chain.Endpoint, EnvChainEndpoint)
	set(&cfg.Notify.Secret, EnvWebhookSecret)
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Service) == "" {
		cfg.Service = "operatord"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./operator-data"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Chain.MaxBlockRange == 0 {
		cfg.Chain.MaxBlockRange = 2000
	}
	s := &cfg.Schedule
	defaults := []struct {
		dst  *string
		spec string
	}{
		{&s.Sync, "@every 5s"},
		{&s.Confirm, "@every 2s"},
		{&s.Match, "@every 2s"},
		{&s.Settle, "@every 5s"},
		{&s.Checkpoint, "@every 15s"},
		{&s.Challenges, "@every 10s"},
		{&s.Slashing, "@every 30s"},
		{&s.Submit, "@every 5s"},
		{&s.Notify, "@every 1s"},
	}
	for _, d := range defaults {
		if strings.TrimSpace(*d.dst) == "" {
			*d.dst = d.spec
		}
	}
	if s.MaxAttempts == 0 {
		s.MaxAttempts = 5
	}
	if s.Timeout == 0 {
		s.Timeout = 2 * time.Minute
	}
	if cfg.Notify.Timeout == 0 {
		cfg.Notify.Timeout = 10 * time.Second
	}
	if cfg.Ops.ListenAddress == "" {
		cfg.Ops.ListenAddress = "127.0.0.1:9090"
	}
}

// OutboxPath is where the notification outbox lives.
func (c *Config) OutboxPath() string { return filepath.Join(c.DataDir, "outbox") }

// OperatorKey decrypts the operator keystore.
func (c *Config) OperatorKey() (*crypto.PrivateKey, error) {
	passphrase, err := c.resolvePassphrase()
	if err != nil {
		return nil, err
	}
	key, err := crypto.LoadFromKeystore(c.OperatorKeystorePath, passphrase)
	if err != nil {
		return nil, fmt.Errorf("operator keystore %s: %w", c.OperatorKeystorePath, err)
	}
	return key, nil
}

func (c *Config) resolvePassphrase() (string, error) {
	if c.passphrase == nil {
		return EnvPassphraseFunc()
	}
	passphrase, err := c.passphrase()
	if err != nil {
		return "", fmt.Errorf("keystore passphrase: %w", err)
	}
	return passphrase, nil
}

func ensureKeystore(configPath string, cfg *Config) error {
	keystorePath := cfg.OperatorKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}
	passphrase, err := cfg.resolvePassphrase()
	if err != nil {
		return err
	}
	_, created, err := crypto.LoadOrCreateKeystore(keystorePath, passphrase)
	if err != nil {
		return fmt.Errorf("operator keystore %s: %w", keystorePath, err)
	}
	if cfg.OperatorKeystorePath != keystorePath || created {
		cfg.OperatorKeystorePath = keystorePath
		if !isYAML(configPath) {
			return persist(configPath, cfg)
		}
	}
	return nil
}

// createDefault writes a configuration for a local single-process operator.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		Service:     "operatord",
		Environment: "local",
		DataDir:     "./operator-data",
	}
	dsn, err := defaultDSN(path)
	if err != nil {
		return nil, err
	}
	cfg.Database.Driver = "sqlite"
	cfg.Database.DSN = dsn
	cfg.Chain.Endpoint = "http://127.0.0.1:8545"
	cfg.Chain.Hub = "0x0000000000000000000000000000000000000000"
	cfg.Chain.ChainID = 1337
	cfg.Eon.BlocksPerEon = 180
	cfg.Eon.ConfirmationBlocks = 6
	applyDefaults(cfg)
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultDSN(configPath string) (string, error) {
	dir := filepath.Dir(configPath)
	return storage.FileDSN(filepath.Join(dir, "operator.db"))
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if isYAML(path) {
		enc := yaml.NewEncoder(f)
		defer enc.Close()
		return enc.Encode(cfg)
	}
	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "operator.keystore")
}
