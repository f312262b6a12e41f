package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		ListenAddr:          ":8090",
		CallbackURL:         "https://core.example.com/callback",
		ChatURL:             "https://chat.example.com",
		ChatToken:           "tok",
		ChatBotUser:         "bot-uid",
		VMHost:              "vm.example.com:22",
		VMUser:              "deploy",
		VMKeyPath:           "/etc/dockhand/key",
		HMACSecret:          "secret",
		GRPCPortBase:        50100,
		DBPoolSize:          4,
		RateLimitRPS:        5,
		RateLimitBurst:      10,
		DevcontainerTimeout: 120 * time.Second,
	}
}

func TestValidateAcceptsComplete(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestValidateNamesMissingKeys(t *testing.T) {
	c := validConfig()
	c.ChatToken = ""
	c.HMACSecret = ""
	err := c.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, key := range []string{"chat_token", "hmac_secret"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error %q does not name %s", err, key)
		}
	}
}

func TestValidateKeyExclusivity(t *testing.T) {
	c := validConfig()
	c.VMKey = "inline-key"
	if err := c.Validate(); err == nil {
		t.Error("both vm_key and vm_key_path accepted")
	}

	c = validConfig()
	c.VMKeyPath = ""
	if err := c.Validate(); err == nil {
		t.Error("no key source accepted")
	}

	c = validConfig()
	c.VMKeyPath = ""
	c.VMKey = "inline-key"
	if err := c.Validate(); err != nil {
		t.Errorf("inline key alone rejected: %v", err)
	}
}

func TestValidateBounds(t *testing.T) {
	c := validConfig()
	c.GRPCPortBase = 80
	if err := c.Validate(); err == nil {
		t.Error("privileged port base accepted")
	}

	c = validConfig()
	c.RateLimitRPS = 0
	if err := c.Validate(); err == nil {
		t.Error("zero rps accepted")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("DOCKHAND_CHAT_URL", "https://chat.example.com")
	t.Setenv("DOCKHAND_CHAT_TOKEN", "tok")
	t.Setenv("DOCKHAND_CHAT_BOT_USER", "bot")
	t.Setenv("DOCKHAND_VM_HOST", "vm:22")
	t.Setenv("DOCKHAND_VM_USER", "deploy")
	t.Setenv("DOCKHAND_VM_KEY_PATH", "/k")
	t.Setenv("DOCKHAND_HMAC_SECRET", "s")
	t.Setenv("DOCKHAND_CALLBACK_URL", "https://core.example.com/callback")
	t.Setenv("DOCKHAND_IDLE_TIMEOUT", "45m")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ChatURL != "https://chat.example.com" {
		t.Errorf("chat_url = %q", cfg.ChatURL)
	}
	if cfg.IdleTimeout != 45*time.Minute {
		t.Errorf("idle_timeout = %v", cfg.IdleTimeout)
	}
	// Defaults fill the rest.
	if cfg.BotTrigger != "@dockhand" || cfg.GRPCPortBase != 50100 {
		t.Errorf("defaults missing: trigger=%q portbase=%d", cfg.BotTrigger, cfg.GRPCPortBase)
	}
}
