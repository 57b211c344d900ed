// Package config holds the client configuration file: server endpoints,
// identity, signaling timings, and media preferences.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/MateGozner/SNIF-sub000/internal/util"
)

type Config struct {
	Identity  Identity  `json:"identity"`
	Server    Server    `json:"server"`
	Signaling Signaling `json:"signaling"`
	Media     Media     `json:"media"`
	Chat      Chat      `json:"chat"`
}

type Identity struct {
	// UserID is the authenticated user id presented to the signaling server.
	UserID string `json:"user_id"`
}

type Server struct {
	// BaseURL is the API origin, e.g. https://api.snif.example.
	BaseURL string `json:"base_url"`
	// SignalingPath is the websocket endpoint path on BaseURL.
	SignalingPath string `json:"signaling_path"`
}

type Signaling struct {
	BackoffBaseMS    int `json:"backoff_base_ms"`
	BackoffMaxMS     int `json:"backoff_max_ms"`
	DialTimeoutSec   int `json:"dial_timeout_seconds"`
	InvokeTimeoutSec int `json:"invoke_timeout_seconds"`
}

type Media struct {
	// STUNServers overrides the default STUN list. Empty = defaults.
	STUNServers []string `json:"stun_servers"`
	// PreferredCam / PreferredMic select capture devices by label.
	PreferredCam string `json:"preferred_cam"`
	PreferredMic string `json:"preferred_mic"`
}

type Chat struct {
	// ArchiveDir is where the local message database lives. Empty disables
	// the archive.
	ArchiveDir string `json:"archive_dir"`
}

func Default() Config {
	return Config{
		Server: Server{
			BaseURL:       "http://localhost:5000",
			SignalingPath: "/signaling",
		},
		Signaling: Signaling{
			BackoffBaseMS:    500,
			BackoffMaxMS:     30_000,
			DialTimeoutSec:   10,
			InvokeTimeoutSec: 10,
		},
		Chat: Chat{
			ArchiveDir: "data",
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.BaseURL) == "" {
		return errors.New("server.base_url is required")
	}
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil {
		return fmt.Errorf("server.base_url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("server.base_url scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("server.base_url is missing a host")
	}

	if !strings.HasPrefix(c.Server.SignalingPath, "/") {
		return errors.New("server.signaling_path must start with /")
	}

	if c.Signaling.BackoffBaseMS <= 0 {
		return errors.New("signaling.backoff_base_ms must be > 0")
	}
	if c.Signaling.BackoffMaxMS < c.Signaling.BackoffBaseMS {
		return errors.New("signaling.backoff_max_ms must be >= signaling.backoff_base_ms")
	}
	if c.Signaling.DialTimeoutSec <= 0 {
		return errors.New("signaling.dial_timeout_seconds must be > 0")
	}
	if c.Signaling.InvokeTimeoutSec <= 0 {
		return errors.New("signaling.invoke_timeout_seconds must be > 0")
	}

	for _, s := range c.Media.STUNServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") {
			return fmt.Errorf("media.stun_servers: %q must use stun: or turn: scheme", s)
		}
	}

	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
