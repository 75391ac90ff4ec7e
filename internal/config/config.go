// Package config loads echoshell's settings from environment variables,
// a user-level YAML file, and an optional project-local JSON override,
// the same three-tier layering wingthing's own config.Manager uses.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"encoding/json"

	"gopkg.in/yaml.v3"
)

// PasskeyCredential is an allowlisted WebAuthn credential, loaded from the
// user config file.
type PasskeyCredential struct {
	CredentialID string `yaml:"credential_id"`
	PublicKey    string `yaml:"public_key"`
	Label        string `yaml:"label,omitempty"`
}

// ICEServer mirrors a STUN/TURN server entry for P2PMigrator.
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// userFile is the shape of ~/.echoshell/config.yaml: static fields with
// sensible zero-value defaults.
type userFile struct {
	DefaultTerminalType string              `yaml:"default_terminal_type"`
	TTSVoice            string              `yaml:"tts_voice"`
	IdleSessionTimeout  int                 `yaml:"idle_session_timeout_seconds"`
	PasskeyAllowlist    []PasskeyCredential `yaml:"passkey_allowlist"`
	ICEServers          []ICEServer         `yaml:"ice_servers"`
}

// projectFile is the shape of .echoshell/settings.json: a narrow override
// allowlist, project config only ever touches display concerns.
type projectFile struct {
	Theme      string `json:"theme,omitempty"`
	AutoScroll *bool  `json:"auto_scroll,omitempty"`
}

// Config is the fully merged, effective configuration.
type Config struct {
	// From environment (always authoritative; never overridden by files).
	RelayURL        string
	RegistrationKey string
	LaptopAuthKey   string
	DisplayName     string
	AnthropicAPIKey string
	STTProvider     string
	TTSProvider     string
	STTUpstreamURL  string
	TTSUpstreamURL  string
	WebUIPort       int

	// From ~/.echoshell/config.yaml.
	DefaultTerminalType string
	TTSVoice            string
	IdleSessionTimeout  int
	PasskeyAllowlist    []PasskeyCredential
	ICEServers          []ICEServer

	// From project-local .echoshell/settings.json.
	Theme      string
	AutoScroll bool
}

// Load builds a Config from the environment, userConfigDir/config.yaml, and
// projectDir/.echoshell/settings.json. Missing files are not an error.
func Load(userConfigDir, projectDir string) (*Config, error) {
	cfg := &Config{
		RelayURL:           getenv("ECHOSHELL_RELAY_URL", "wss://relay.echoshell.dev/tunnel"),
		RegistrationKey:    os.Getenv("ECHOSHELL_REGISTRATION_KEY"),
		LaptopAuthKey:      os.Getenv("ECHOSHELL_LAPTOP_AUTH_KEY"),
		DisplayName:        getenv("ECHOSHELL_DISPLAY_NAME", hostnameOrDefault()),
		AnthropicAPIKey:    os.Getenv("ANTHROPIC_API_KEY"),
		STTProvider:        getenv("ECHOSHELL_STT_PROVIDER", "openai"),
		TTSProvider:        getenv("ECHOSHELL_TTS_PROVIDER", "openai"),
		STTUpstreamURL:     os.Getenv("ECHOSHELL_STT_UPSTREAM_URL"),
		TTSUpstreamURL:     os.Getenv("ECHOSHELL_TTS_UPSTREAM_URL"),
		WebUIPort:          getenvInt("ECHOSHELL_WEB_UI_PORT", 4590),
		DefaultTerminalType: "regular",
		IdleSessionTimeout:  0,
		Theme:               "default",
		AutoScroll:          true,
	}

	var uf userFile
	if err := loadYAML(filepath.Join(userConfigDir, "config.yaml"), &uf); err != nil {
		return nil, fmt.Errorf("load user config: %w", err)
	}
	if uf.DefaultTerminalType != "" {
		cfg.DefaultTerminalType = uf.DefaultTerminalType
	}
	cfg.TTSVoice = uf.TTSVoice
	if uf.IdleSessionTimeout != 0 {
		cfg.IdleSessionTimeout = uf.IdleSessionTimeout
	}
	cfg.PasskeyAllowlist = uf.PasskeyAllowlist
	cfg.ICEServers = uf.ICEServers

	var pf projectFile
	if err := loadJSON(filepath.Join(projectDir, ".echoshell", "settings.json"), &pf); err != nil {
		return nil, fmt.Errorf("load project config: %w", err)
	}
	if pf.Theme != "" {
		cfg.Theme = pf.Theme
	}
	if pf.AutoScroll != nil {
		cfg.AutoScroll = *pf.AutoScroll
	}

	return cfg, nil
}

// SaveCredentials rewrites the passkey_allowlist field of
// userConfigDir/config.yaml, reloading first so every other field
// round-trips unchanged.
func SaveCredentials(userConfigDir string, creds []PasskeyCredential) error {
	path := filepath.Join(userConfigDir, "config.yaml")
	var uf userFile
	if err := loadYAML(path, &uf); err != nil {
		return fmt.Errorf("load user config: %w", err)
	}
	uf.PasskeyAllowlist = creds
	data, err := yaml.Marshal(uf)
	if err != nil {
		return fmt.Errorf("marshal user config: %w", err)
	}
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

func loadYAML(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, v)
}

func loadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, v)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return fallback
	}
	return n
}

func hostnameOrDefault() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "echoshell-laptop"
	}
	return h
}
