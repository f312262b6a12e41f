// Package config provides configuration management for Dockhand. All keys
// come from the environment with the DOCKHAND_ prefix (or an optional config
// file), with defaults suitable for a single-VM deployment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the Dockhand server.
type Config struct {
	// ListenAddr is the address the HTTP server listens on.
	ListenAddr string `mapstructure:"listen_addr"`

	// CallbackURL is the externally reachable URL of POST /callback,
	// embedded in approval card buttons.
	CallbackURL string `mapstructure:"callback_url"`

	// Chat backend.
	ChatURL     string `mapstructure:"chat_url"`
	ChatToken   string `mapstructure:"chat_token"`
	ChatBotUser string `mapstructure:"chat_bot_user"`
	ChatTeamID  string `mapstructure:"chat_team_id"`
	// BotTrigger is the leading token that marks a message as a command.
	BotTrigger string `mapstructure:"bot_trigger"`
	// SidebarCategory groups project channels in every member's sidebar.
	SidebarCategory string `mapstructure:"sidebar_category"`

	// Container host (SSH).
	VMHost     string `mapstructure:"vm_host"`
	VMUser     string `mapstructure:"vm_user"`
	VMKeyPath  string `mapstructure:"vm_key_path"`
	VMKey      string `mapstructure:"vm_key"`
	StateDir   string `mapstructure:"state_dir"`
	ReposDir   string `mapstructure:"repos_dir"`
	CloneURL   string `mapstructure:"clone_url"`
	AutoPull   bool   `mapstructure:"auto_pull"`
	DefaultOrg string `mapstructure:"default_org"`

	// Container runtime.
	ContainerRuntime        string        `mapstructure:"container_runtime"`
	ContainerImage          string        `mapstructure:"container_image"`
	ContainerNetwork        string        `mapstructure:"container_network"`
	DevcontainerTimeout     time.Duration `mapstructure:"devcontainer_timeout"`
	GRPCPortBase            int           `mapstructure:"grpc_port_base"`
	MaxSessionsPerContainer int           `mapstructure:"max_sessions_per_container"`

	// Worker client.
	WorkerConnectTimeout time.Duration `mapstructure:"worker_connect_timeout"`
	WorkerCallTimeout    time.Duration `mapstructure:"worker_call_timeout"`
	WorkerHealthRetries  int           `mapstructure:"worker_health_retries"`
	WorkerHealthInterval time.Duration `mapstructure:"worker_health_interval"`

	// Firewall.
	FirewallURL    string `mapstructure:"firewall_url"`
	FirewallAlias  string `mapstructure:"firewall_alias"`
	FirewallKey    string `mapstructure:"firewall_key"`
	FirewallSecret string `mapstructure:"firewall_secret"`

	// Approvals.
	HMACSecret       string   `mapstructure:"hmac_secret"`
	AllowedApprovers []string `mapstructure:"allowed_approvers"`

	// Store.
	DBPath     string `mapstructure:"db_path"`
	DBPoolSize int    `mapstructure:"db_pool_size"`

	// Rate limiting on /callback.
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`

	// Monitors. Zero disables the respective monitor.
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	LivenessTimeout time.Duration `mapstructure:"liveness_timeout"`

	// LogLevel is a zap level string (debug, info, warn, error).
	LogLevel string `mapstructure:"log_level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8090")
	v.SetDefault("bot_trigger", "@dockhand")
	v.SetDefault("sidebar_category", "Dockhand")
	v.SetDefault("state_dir", "/var/lib/dockhand")
	v.SetDefault("repos_dir", "/srv/dockhand/repos")
	v.SetDefault("clone_url", "git@github.com:")
	v.SetDefault("auto_pull", true)
	v.SetDefault("container_runtime", "docker")
	v.SetDefault("container_image", "ghcr.io/dockhand-dev/devbox:latest")
	v.SetDefault("container_network", "")
	v.SetDefault("devcontainer_timeout", 120*time.Second)
	v.SetDefault("grpc_port_base", 50100)
	v.SetDefault("max_sessions_per_container", 4)
	v.SetDefault("worker_connect_timeout", 5*time.Second)
	v.SetDefault("worker_call_timeout", 10*time.Minute)
	v.SetDefault("worker_health_retries", 30)
	v.SetDefault("worker_health_interval", 2*time.Second)
	v.SetDefault("firewall_alias", "dockhand_egress")
	v.SetDefault("db_path", "/var/lib/dockhand/dockhand.db")
	v.SetDefault("db_pool_size", 4)
	v.SetDefault("rate_limit_rps", 5.0)
	v.SetDefault("rate_limit_burst", 10)
	v.SetDefault("idle_timeout", 30*time.Minute)
	v.SetDefault("liveness_timeout", 10*time.Minute)
	v.SetDefault("log_level", "info")
}

// Load reads configuration from the environment (DOCKHAND_*) and, when
// cfgFile is non-empty, a config file. Environment wins over the file.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DOCKHAND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", cfgFile, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the fatal-init invariants: secrets and endpoints the
// process cannot run without.
func (c *Config) Validate() error {
	var missing []string
	if c.ChatURL == "" {
		missing = append(missing, "chat_url")
	}
	if c.ChatToken == "" {
		missing = append(missing, "chat_token")
	}
	if c.ChatBotUser == "" {
		missing = append(missing, "chat_bot_user")
	}
	if c.VMHost == "" {
		missing = append(missing, "vm_host")
	}
	if c.VMUser == "" {
		missing = append(missing, "vm_user")
	}
	if c.VMKey == "" && c.VMKeyPath == "" {
		missing = append(missing, "vm_key or vm_key_path")
	}
	if c.HMACSecret == "" {
		missing = append(missing, "hmac_secret")
	}
	if c.CallbackURL == "" {
		missing = append(missing, "callback_url")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required keys: %s", strings.Join(missing, ", "))
	}

	if c.VMKey != "" && c.VMKeyPath != "" {
		return fmt.Errorf("config: vm_key and vm_key_path are mutually exclusive")
	}
	if c.GRPCPortBase <= 1024 {
		return fmt.Errorf("config: grpc_port_base must be above 1024, got %d", c.GRPCPortBase)
	}
	if c.DBPoolSize < 1 {
		return fmt.Errorf("config: db_pool_size must be at least 1")
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst < 1 {
		return fmt.Errorf("config: rate limit rps/burst must be positive")
	}
	return nil
}
