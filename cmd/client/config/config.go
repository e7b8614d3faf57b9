package config

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common/math"
	"gopkg.in/yaml.v3"
)

// WatchConfig names a buy that is re-routed against every replicated state.
type WatchConfig struct {
	Target int    `yaml:"target"`
	Cash   string `yaml:"cash"`
}

type ClientConfig struct {
	StateStreamURL string       `yaml:"state_stream_url"`
	LogLevel       string       `yaml:"log_level"`
	BufferSize     uint         `yaml:"buffer_size"`
	Watch          *WatchConfig `yaml:"watch"`
}

// LoadConfig reads a configuration file from the given path, unmarshals it
// into a ClientConfig struct and validates it.
func LoadConfig(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg ClientConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *ClientConfig) Validate() error {
	if c.StateStreamURL == "" {
		return errors.New("config: state_stream_url is required")
	}
	if !strings.HasPrefix(c.StateStreamURL, "ws://") && !strings.HasPrefix(c.StateStreamURL, "wss://") {
		return fmt.Errorf("config: state_stream_url must be a websocket URL, got %q", c.StateStreamURL)
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	if c.Watch != nil {
		if c.Watch.Target < 0 {
			return fmt.Errorf("config: watch target must be non-negative, got %d", c.Watch.Target)
		}
		if _, err := c.Watch.CashAmount(); err != nil {
			return fmt.Errorf("config: watch: %w", err)
		}
	}
	return nil
}

// SlogLevel parses log_level, defaulting to info.
func (c *ClientConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("config: log_level: %w", err)
	}
	return level, nil
}

// CashAmount parses the watched buy's cash.
func (w *WatchConfig) CashAmount() (*big.Int, error) {
	if w.Cash == "" {
		return nil, errors.New("cash is required")
	}
	v, ok := math.ParseBig256(w.Cash)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("cash: invalid amount %q", w.Cash)
	}
	return v, nil
}
