package config

import (
	"time"

	"commitchain/chain"
	"commitchain/core/eon"
	"commitchain/observability/logging"
	"commitchain/observability/otel"
	"commitchain/services/notify"
	"commitchain/storage"
	"commitchain/storage/locks"
)

// Redis locates the shared lock service. An empty Addr selects the in-process
// backend, which is only safe for a single operator process.
type Redis struct {
	Addr     string `toml:"Addr" yaml:"addr"`
	Username string `toml:"Username" yaml:"username"`
	Password string `toml:"Password" yaml:"password"`
	DB       int    `toml:"DB" yaml:"db"`
}

// Schedule holds the cron specs of the periodic tasks. Standard five-field
// expressions and descriptors such as "@every 10s" are accepted.
type Schedule struct {
	Sync        string `toml:"Sync" yaml:"sync"`
	Confirm     string `toml:"Confirm" yaml:"confirm"`
	Match       string `toml:"Match" yaml:"match"`
	Settle      string `toml:"Settle" yaml:"settle"`
	Checkpoint  string `toml:"Checkpoint" yaml:"checkpoint"`
	Challenges  string `toml:"Challenges" yaml:"challenges"`
	Slashing    string `toml:"Slashing" yaml:"slashing"`
	Submit      string `toml:"Submit" yaml:"submit"`
	Notify      string `toml:"Notify" yaml:"notify"`
	MaxAttempts int    `toml:"MaxAttempts" yaml:"max_attempts"`
	// Timeout bounds a single task run.
	Timeout time.Duration `toml:"Timeout" yaml:"timeout"`
}

// Specs maps task names onto their cron expressions.
func (s Schedule) Specs() map[string]string {
	return map[string]string{
		"sync":       s.Sync,
		"confirm":    s.Confirm,
		"match":      s.Match,
		"settle":     s.Settle,
		"checkpoint": s.Checkpoint,
		"challenges": s.Challenges,
		"slashing":   s.Slashing,
		"submit":     s.Submit,
		"notify":     s.Notify,
	}
}

// Ops configures the operations HTTP listener.
type Ops struct {
	ListenAddress string `toml:"ListenAddress" yaml:"listen_address"`
}

// Config is the operator daemon configuration.
type Config struct {
	Service              string `toml:"Service" yaml:"service"`
	Environment          string `toml:"Environment" yaml:"environment"`
	DataDir              string `toml:"DataDir" yaml:"data_dir"`
	OperatorKeystorePath string `toml:"OperatorKeystorePath" yaml:"operator_keystore_path"`

	Database  storage.SQLConfig    `toml:"Database" yaml:"database"`
	Redis     Redis                `toml:"Redis" yaml:"redis"`
	Locks     locks.Config         `toml:"Locks" yaml:"locks"`
	Chain     chain.Config         `toml:"Chain" yaml:"chain"`
	Eon       eon.Config           `toml:"Eon" yaml:"eon"`
	Schedule  Schedule             `toml:"Schedule" yaml:"schedule"`
	Notify    notify.WebhookConfig `toml:"Notify" yaml:"notify"`
	Telemetry otel.Config          `toml:"Telemetry" yaml:"telemetry"`
	Logging   logging.Options      `toml:"Logging" yaml:"logging"`
	Ops       Ops                  `toml:"Ops" yaml:"ops"`

	passphrase PassphraseFunc
}
