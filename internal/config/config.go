package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/izavyalov-dev/kubeprov/catalog"
)

const envPrefix = "KUBEPROV"

type Config struct {
	Listen          string        `mapstructure:"listen"`
	DatabaseURL     string        `mapstructure:"database_url"`
	// MemoryLedger lets serve run without a database. Requests are lost on exit.
	MemoryLedger    bool          `mapstructure:"memory_ledger"`
	LogLevel        string        `mapstructure:"log_level"`
	OutputTailLines int           `mapstructure:"output_tail_lines"`
	DefaultTarget   string        `mapstructure:"default_target"`
	Targets         []Target      `mapstructure:"targets"`
	Ansible         Ansible       `mapstructure:"ansible"`
	Timeouts        Timeouts      `mapstructure:"timeouts"`
	Probe           Probe         `mapstructure:"probe"`
	Archive         Archive       `mapstructure:"archive"`
	Reaper          Reaper        `mapstructure:"reaper"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type Target struct {
	ID    string `mapstructure:"id"`
	Kind  string `mapstructure:"kind"`
	Hosts []Host `mapstructure:"hosts"`
}

type Host struct {
	Name    string   `mapstructure:"name"`
	Address string   `mapstructure:"address"`
	Roles   []string `mapstructure:"roles"`
}

type Ansible struct {
	Binary       string `mapstructure:"binary"`
	PlaybookDir  string `mapstructure:"playbook_dir"`
	KubesprayDir string `mapstructure:"kubespray_dir"`
	User         string `mapstructure:"user"`
	PrivateKey   string `mapstructure:"private_key"`
	Become       bool   `mapstructure:"become"`
}

type Timeouts struct {
	Install   time.Duration            `mapstructure:"install"`
	Uninstall time.Duration            `mapstructure:"uninstall"`
	Actions   map[string]time.Duration `mapstructure:"actions"`
}

type Probe struct {
	Enabled            bool          `mapstructure:"enabled"`
	User               string        `mapstructure:"user"`
	KeyPath            string        `mapstructure:"key_path"`
	KnownHostsPath     string        `mapstructure:"known_hosts_path"`
	Port               int           `mapstructure:"port"`
	Timeout            time.Duration `mapstructure:"timeout"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
}

type Archive struct {
	S3Bucket string `mapstructure:"s3_bucket"`
	S3Prefix string `mapstructure:"s3_prefix"`
	S3Region string `mapstructure:"s3_region"`
}

type Reaper struct {
	Interval time.Duration `mapstructure:"interval"`
	Grace    time.Duration `mapstructure:"grace"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("output_tail_lines", 20)
	v.SetDefault("shutdown_timeout", 30*time.Second)
	v.SetDefault("ansible.binary", "ansible-playbook")
	v.SetDefault("ansible.playbook_dir", "playbooks")
	v.SetDefault("ansible.kubespray_dir", "kubespray")
	v.SetDefault("ansible.become", true)
	v.SetDefault("timeouts.install", catalog.DefaultInstallTimeout)
	v.SetDefault("timeouts.uninstall", catalog.DefaultUninstallTimeout)
	v.SetDefault("probe.enabled", false)
	v.SetDefault("probe.port", 22)
	v.SetDefault("probe.timeout", 10*time.Second)
	v.SetDefault("reaper.interval", time.Minute)
	v.SetDefault("reaper.grace", 10*time.Minute)
	// Registered so AutomaticEnv can see them without a config file.
	v.SetDefault("database_url", "")
	v.SetDefault("memory_ledger", false)
	v.SetDefault("default_target", "")
	v.SetDefault("ansible.user", "")
	v.SetDefault("ansible.private_key", "")
	v.SetDefault("probe.user", "")
	v.SetDefault("probe.key_path", "")
	v.SetDefault("probe.known_hosts_path", "")
	v.SetDefault("probe.insecure_skip_verify", false)
	v.SetDefault("archive.s3_bucket", "")
	v.SetDefault("archive.s3_prefix", "kubeprov")
	v.SetDefault("archive.s3_region", "")
}

// LoadEnv overlays .env files from the working directory onto the process
// environment.
func LoadEnv(logger *slog.Logger) {
	var loaded []string
	for _, file := range []string{".env", ".env.local"} {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Overload(file); err != nil {
			if logger != nil {
				logger.Warn("load env file", "event", "config_env_failed", "file", file, "error", err)
			}
			continue
		}
		loaded = append(loaded, file)
	}
	if logger != nil && len(loaded) > 0 {
		logger.Debug("env files loaded", "event", "config_env_loaded", "files", strings.Join(loaded, ","))
	}
}

// Load reads defaults, then the optional YAML file, then KUBEPROV_* variables.
// DATABASE_URL is honored when KUBEPROV_DATABASE_URL is unset.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("database_url", envPrefix+"_DATABASE_URL", "DATABASE_URL")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	seen := make(map[string]struct{}, len(c.Targets))
	for i, t := range c.Targets {
		if t.ID == "" {
			errs = append(errs, fmt.Errorf("targets[%d]: id is required", i))
			continue
		}
		if _, dup := seen[t.ID]; dup {
			errs = append(errs, fmt.Errorf("targets[%d]: duplicate id %q", i, t.ID))
		}
		seen[t.ID] = struct{}{}
		if _, err := catalog.ParseTargetKind(t.Kind); err != nil {
			errs = append(errs, fmt.Errorf("targets[%d]: %w", i, err))
		}
		if len(t.Hosts) == 0 {
			errs = append(errs, fmt.Errorf("targets[%d]: at least one host is required", i))
		}
		for j, h := range t.Hosts {
			if h.Name == "" {
				errs = append(errs, fmt.Errorf("targets[%d].hosts[%d]: name is required", i, j))
			}
		}
	}
	if c.DefaultTarget != "" {
		if _, ok := seen[c.DefaultTarget]; !ok {
			errs = append(errs, fmt.Errorf("default_target %q is not a configured target", c.DefaultTarget))
		}
	} else if len(c.Targets) > 1 {
		errs = append(errs, errors.New("default_target is required when more than one target is configured"))
	}
	for name, d := range c.Timeouts.Actions {
		if !catalog.Action(name).Valid() {
			errs = append(errs, fmt.Errorf("timeouts.actions: unknown action %q", name))
		}
		if d <= 0 {
			errs = append(errs, fmt.Errorf("timeouts.actions.%s: must be positive", name))
		}
	}
	if c.OutputTailLines < 0 {
		errs = append(errs, errors.New("output_tail_lines must not be negative"))
	}
	if c.Probe.Enabled && c.Probe.KeyPath == "" {
		errs = append(errs, errors.New("probe.key_path is required when probes are enabled"))
	}
	return errors.Join(errs...)
}

// CatalogTargets converts configured targets; Validate must have passed.
func (c Config) CatalogTargets() []catalog.Target {
	out := make([]catalog.Target, 0, len(c.Targets))
	for _, t := range c.Targets {
		hosts := make([]catalog.Host, 0, len(t.Hosts))
		for _, h := range t.Hosts {
			hosts = append(hosts, catalog.Host{Name: h.Name, Address: h.Address, Roles: h.Roles})
		}
		out = append(out, catalog.Target{ID: t.ID, Kind: catalog.TargetKind(t.Kind), Hosts: hosts})
	}
	return out
}

// EffectiveDefaultTarget falls back to the only target when none is named.
func (c Config) EffectiveDefaultTarget() string {
	if c.DefaultTarget == "" && len(c.Targets) == 1 {
		return c.Targets[0].ID
	}
	return c.DefaultTarget
}

func (c Config) TimeoutPolicy() catalog.TimeoutPolicy {
	policy := catalog.TimeoutPolicy{
		Install:   c.Timeouts.Install,
		Uninstall: c.Timeouts.Uninstall,
	}
	if len(c.Timeouts.Actions) > 0 {
		policy.PerAction = make(map[catalog.Action]time.Duration, len(c.Timeouts.Actions))
		for name, d := range c.Timeouts.Actions {
			policy.PerAction[catalog.Action(name)] = d
		}
	}
	return policy
}
