package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	ferrors "git.home.luguber.info/inful/forgeci/internal/foundation/errors"
)

// Config is the master's declarative configuration. Everything dispatchable
// (workers, builders, schedulers, pollers) is declared here; references are
// validated at load so nothing dangles at dispatch time.
type Config struct {
	Master     MasterConfig      `yaml:"master"`
	Store      StoreConfig       `yaml:"store"`
	MQ         MQConfig          `yaml:"mq"`
	HTTP       HTTPConfig        `yaml:"http"`
	Workers    []WorkerConfig    `yaml:"workers"`
	Builders   []BuilderConfig   `yaml:"builders"`
	Schedulers []SchedulerConfig `yaml:"schedulers"`
	Pollers    []PollerConfig    `yaml:"pollers"`
	Secrets    SecretsConfig     `yaml:"secrets"`
}

// MasterConfig identifies this master instance.
type MasterConfig struct {
	// Name is the claim token; it must be unique across masters sharing a
	// store.
	Name string `yaml:"name"`
	// ClaimExpiry bounds how long a claim from a dead master survives.
	ClaimExpiry Duration `yaml:"claim_expiry"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// MQConfig selects the pub/sub backend. The set is closed: simple or nats.
type MQConfig struct {
	Backend       string `yaml:"backend"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// HTTPConfig configures the status/metrics listener. Empty disables it.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// WorkerConfig declares one execution worker.
type WorkerConfig struct {
	Name     string `yaml:"name"`
	Capacity int    `yaml:"capacity"`
	Kind     string `yaml:"kind"` // local
	WorkDir  string `yaml:"work_dir"`
}

// BuilderConfig declares one builder and its step pipeline.
type BuilderConfig struct {
	Name    string       `yaml:"name"`
	Workers []string     `yaml:"workers"`
	Tags    []string     `yaml:"tags"`
	Steps   []StepConfig `yaml:"steps"`
}

// StepConfig declares one step. The policy flags default to flunk-on-failure
// when none is set.
type StepConfig struct {
	Name    string            `yaml:"name"`
	Command []string          `yaml:"command"`
	Env     map[string]string `yaml:"env"`

	HaltOnFailure   *bool `yaml:"halt_on_failure"`
	FlunkOnFailure  *bool `yaml:"flunk_on_failure"`
	FlunkOnWarnings *bool `yaml:"flunk_on_warnings"`
	WarnOnFailure   *bool `yaml:"warn_on_failure"`
	WarnOnWarnings  *bool `yaml:"warn_on_warnings"`

	// RunWhen gates execution: "always" (default) or "on-success".
	RunWhen string `yaml:"run_when"`
}

// FilterConfig limits which changes a scheduler reacts to.
type FilterConfig struct {
	Branches     []string `yaml:"branches"`
	Repositories []string `yaml:"repositories"`
	Projects     []string `yaml:"projects"`
}

// SchedulerConfig declares one scheduler.
type SchedulerConfig struct {
	Name     string       `yaml:"name"`
	Type     string       `yaml:"type"` // immediate, collecting, dependent, periodic
	Builders []string     `yaml:"builders"`
	Priority int          `yaml:"priority"`
	Filter   FilterConfig `yaml:"filter"`

	QuietPeriod Duration `yaml:"quiet_period"`
	MaxDelay    Duration `yaml:"max_delay"`

	Upstream string `yaml:"upstream"`

	Interval   Duration `yaml:"interval"`
	Branch     string   `yaml:"branch"`
	Repository string   `yaml:"repository"`
}

// PollerConfig declares one git branch-head poller.
type PollerConfig struct {
	Name     string   `yaml:"name"`
	URL      string   `yaml:"url"`
	Branches []string `yaml:"branches"`
	Interval Duration `yaml:"interval"`
	Project  string   `yaml:"project"`
	Codebase string   `yaml:"codebase"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
}

// SecretsConfig selects the secret source for ${secret:name} references.
type SecretsConfig struct {
	Source string            `yaml:"source"` // static (default) or env
	Prefix string            `yaml:"prefix"` // env only
	Static map[string]string `yaml:"static"`
}

// Duration wraps time.Duration with yaml string parsing ("30s", "5m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load reads, parses and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ferrors.ConfigError("read config file").
			WithContext("path", path).Build()
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryConfig, "parse config file").
			WithContext("path", path).Build()
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Master.Name == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "forgeci"
		}
		c.Master.Name = host
	}
	if c.Master.ClaimExpiry == 0 {
		c.Master.ClaimExpiry = Duration(10 * time.Minute)
	}
	if c.Store.Path == "" {
		c.Store.Path = "forgeci.db"
	}
	if c.MQ.Backend == "" {
		c.MQ.Backend = "simple"
	}
	if c.MQ.SubjectPrefix == "" {
		c.MQ.SubjectPrefix = "forgeci"
	}
	if c.Secrets.Source == "" {
		c.Secrets.Source = "static"
	}
	for i := range c.Workers {
		if c.Workers[i].Capacity <= 0 {
			c.Workers[i].Capacity = 1
		}
		if c.Workers[i].Kind == "" {
			c.Workers[i].Kind = "local"
		}
	}
	for i := range c.Builders {
		for j := range c.Builders[i].Steps {
			step := &c.Builders[i].Steps[j]
			if step.RunWhen == "" {
				step.RunWhen = "always"
			}
			// With no policy flags at all the step defaults to flunking.
			if step.HaltOnFailure == nil && step.FlunkOnFailure == nil &&
				step.FlunkOnWarnings == nil && step.WarnOnFailure == nil &&
				step.WarnOnWarnings == nil {
				yes := true
				step.FlunkOnFailure = &yes
			}
		}
	}
	for i := range c.Pollers {
		if c.Pollers[i].Interval == 0 {
			c.Pollers[i].Interval = Duration(time.Minute)
		}
	}
}
