package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the full process configuration. Structure comes from the YAML
// file; secrets may be overridden from the environment so the file can be
// committed without credentials.
type Config struct {
	Server struct {
		Addr      string `yaml:"addr"`       // listen address, e.g. ":8080"
		PublicURL string `yaml:"public_url"` // https base reachable by the telephony provider
		WSURL     string `yaml:"ws_url"`     // wss media endpoint handed out in TwiML
	} `yaml:"server"`

	Telephony struct {
		AccountSid  string `yaml:"account_sid"`
		AuthToken   string `yaml:"auth_token"`
		FromNumber  string `yaml:"from_number"`
		OwnerNumber string `yaml:"owner_number"`
		BaseURL     string `yaml:"base_url"`
	} `yaml:"telephony"`

	Transcription struct {
		APIKey     string `yaml:"api_key"`
		Model      string `yaml:"model"`
		Language   string `yaml:"language"`
		EndpointMs int    `yaml:"endpoint_ms"`
	} `yaml:"transcription"`

	Synthesis struct {
		APIKey  string `yaml:"api_key"`
		Model   string `yaml:"model"`
		VoiceID string `yaml:"voice_id"`
	} `yaml:"synthesis"`

	LLM struct {
		APIKey      string  `yaml:"api_key"`
		Model       string  `yaml:"model"`
		Temperature float64 `yaml:"temperature"`
		BaseURL     string  `yaml:"base_url"`
	} `yaml:"llm"`

	Gatekeeper struct {
		APIKey string `yaml:"api_key"`
		Model  string `yaml:"model"`
	} `yaml:"gatekeeper"`

	Database struct {
		DSN string `yaml:"dsn"`
	} `yaml:"database"`

	Calendar struct {
		BaseURL string `yaml:"base_url"`
		APIKey  string `yaml:"api_key"`
	} `yaml:"calendar"`

	Agent struct {
		SystemPrompt        string `yaml:"system_prompt"`
		InterruptionOnAudio bool   `yaml:"interruption_on_audio"`
	} `yaml:"agent"`
}

// envOverrides maps environment variables onto secret fields.
var envOverrides = []struct {
	env string
	set func(*Config, string)
}{
	{"TELEPHONY_ACCOUNT_SID", func(c *Config, v string) { c.Telephony.AccountSid = v }},
	{"TELEPHONY_AUTH_TOKEN", func(c *Config, v string) { c.Telephony.AuthToken = v }},
	{"DEEPGRAM_API_KEY", func(c *Config, v string) { c.Transcription.APIKey = v }},
	{"CARTESIA_API_KEY", func(c *Config, v string) { c.Synthesis.APIKey = v }},
	{"LLM_API_KEY", func(c *Config, v string) { c.LLM.APIKey = v }},
	{"GEMINI_API_KEY", func(c *Config, v string) { c.Gatekeeper.APIKey = v }},
	{"DATABASE_URL", func(c *Config, v string) { c.Database.DSN = v }},
	{"CALENDAR_API_KEY", func(c *Config, v string) { c.Calendar.APIKey = v }},
}

// Load parses the YAML file, applies environment overrides and validates.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var c Config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	for _, o := range envOverrides {
		if v := os.Getenv(o.env); v != "" {
			o.set(&c, v)
		}
	}

	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Transcription.Model == "" {
		c.Transcription.Model = "nova-3"
	}
	if c.Transcription.Language == "" {
		c.Transcription.Language = "en"
	}
	if c.Synthesis.Model == "" {
		c.Synthesis.Model = "sonic-2"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o"
	}
}

// Validate reports every missing required field at once.
func (c *Config) Validate() error {
	var missing []string
	require := func(name, value string) {
		if value == "" {
			missing = append(missing, name)
		}
	}

	require("server.public_url", c.Server.PublicURL)
	require("server.ws_url", c.Server.WSURL)
	require("telephony.account_sid", c.Telephony.AccountSid)
	require("telephony.auth_token", c.Telephony.AuthToken)
	require("telephony.from_number", c.Telephony.FromNumber)
	require("transcription.api_key", c.Transcription.APIKey)
	require("synthesis.api_key", c.Synthesis.APIKey)
	require("synthesis.voice_id", c.Synthesis.VoiceID)
	require("llm.api_key", c.LLM.APIKey)

	if len(missing) > 0 {
		return fmt.Errorf("config: missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}
