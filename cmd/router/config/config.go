package config

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"

	pmamm "github.com/defistate/pmamm-router-go/protocols/pmamm"
	"github.com/ethereum/go-ethereum/common/math"
	"gopkg.in/yaml.v3"
)

// PoolConfig describes one pool, either by reserves (x, y) or by liquidity and
// price in parts per million. Amounts are decimal or 0x-prefixed hex strings.
type PoolConfig struct {
	ID        uint64 `yaml:"id"`
	X         string `yaml:"x"`
	Y         string `yaml:"y"`
	Liquidity string `yaml:"liquidity"`
	PricePPM  uint32 `yaml:"price_ppm"`
	FeeBps    uint16 `yaml:"fee_bps"`
}

// TradeConfig describes a one-shot buy to route at startup.
type TradeConfig struct {
	Target int    `yaml:"target"`
	Cash   string `yaml:"cash"`
	Commit bool   `yaml:"commit"`
}

type RouterConfig struct {
	LogLevel  string       `yaml:"log_level"`
	Listen    string       `yaml:"listen"`
	WSOrigins []string     `yaml:"ws_origins"`
	Workers   int          `yaml:"workers"`
	Pools     []PoolConfig `yaml:"pools"`
	Trade     *TradeConfig `yaml:"trade"`
}

// LoadConfig reads a configuration file from the given path, unmarshals it
// into a RouterConfig struct and validates it.
func LoadConfig(path string) (*RouterConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg RouterConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration without building anything from it.
func (c *RouterConfig) Validate() error {
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	if c.Workers < 0 {
		return fmt.Errorf("config: workers must be non-negative, got %d", c.Workers)
	}
	if len(c.Pools) == 0 {
		return errors.New("config: at least one pool is required")
	}

	seen := make(map[uint64]struct{}, len(c.Pools))
	for i, p := range c.Pools {
		if _, ok := seen[p.ID]; ok {
			return fmt.Errorf("config: pools[%d]: duplicate id %d", i, p.ID)
		}
		seen[p.ID] = struct{}{}
		if _, err := p.Build(); err != nil {
			return fmt.Errorf("config: pools[%d]: %w", i, err)
		}
	}

	if c.Trade != nil {
		if c.Trade.Target < 0 || c.Trade.Target >= len(c.Pools) {
			return fmt.Errorf("config: trade target %d out of range [0, %d)", c.Trade.Target, len(c.Pools))
		}
		if _, err := c.Trade.CashAmount(); err != nil {
			return fmt.Errorf("config: trade: %w", err)
		}
	}
	return nil
}

// SlogLevel parses log_level, defaulting to info.
func (c *RouterConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("config: log_level: %w", err)
	}
	return level, nil
}

// AllowedOrigins returns the websocket origins to accept, all of them when
// ws_origins is empty.
func (c *RouterConfig) AllowedOrigins() []string {
	if len(c.WSOrigins) == 0 {
		return []string{"*"}
	}
	return c.WSOrigins
}

// BuildPools constructs the configured pool set in order.
func (c *RouterConfig) BuildPools() ([]pmamm.Pool, error) {
	pools := make([]pmamm.Pool, 0, len(c.Pools))
	for i, p := range c.Pools {
		pool, err := p.Build()
		if err != nil {
			return nil, fmt.Errorf("config: pools[%d]: %w", i, err)
		}
		pools = append(pools, pool)
	}
	return pools, nil
}

// Build constructs the pool.
func (p PoolConfig) Build() (pmamm.Pool, error) {
	byReserves := p.X != "" || p.Y != ""
	byPrice := p.Liquidity != "" || p.PricePPM != 0

	switch {
	case byReserves && byPrice:
		return pmamm.Pool{}, fmt.Errorf("pool %d: set either x and y or liquidity and price_ppm, not both", p.ID)
	case byReserves:
		x, err := parseAmount("x", p.X)
		if err != nil {
			return pmamm.Pool{}, err
		}
		y, err := parseAmount("y", p.Y)
		if err != nil {
			return pmamm.Pool{}, err
		}
		return pmamm.NewPool(p.ID, x, y, p.FeeBps)
	case byPrice:
		l, err := parseAmount("liquidity", p.Liquidity)
		if err != nil {
			return pmamm.Pool{}, err
		}
		return pmamm.NewPoolFromLiquidityAndPrice(p.ID, l, p.PricePPM, p.FeeBps)
	default:
		return pmamm.Pool{}, fmt.Errorf("pool %d: no reserves or liquidity given", p.ID)
	}
}

// CashAmount parses the trade's cash.
func (t *TradeConfig) CashAmount() (*big.Int, error) {
	return parseAmount("cash", t.Cash)
}

func parseAmount(field, s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("%s is required", field)
	}
	v, ok := math.ParseBig256(s)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%s: invalid amount %q", field, s)
	}
	return v, nil
}
