package pmamm

import (
	"math/big"

	"github.com/defistate/pmamm-router-go/protocols/pmamm/calculator/liquiditymath"
)

// Schema is the decode contract for a PMAMM pool set.
const Schema = "defistate/pmamm/poolView@v1"

// Pool is a single outcome-token market on the curve (X + L) * Y = L^2.
// X is the outcome-token reserve and Y is the cash reserve; both stay >= 1.
type Pool struct {
	ID     uint64   `json:"id"`
	X      *big.Int `json:"x"`
	Y      *big.Int `json:"y"`
	FeeBps uint16   `json:"feeBps"` // attached at construction, not charged by the router
}

// Clone returns a copy of the pool that shares no *big.Int with p.
func (p Pool) Clone() Pool {
	c := p
	if p.X != nil {
		c.X = new(big.Int).Set(p.X)
	}
	if p.Y != nil {
		c.Y = new(big.Int).Set(p.Y)
	}
	return c
}

// Liquidity returns the pool's current L.
func (p Pool) Liquidity(roundUp bool) (*big.Int, error) {
	return liquiditymath.Compute(p.X, p.Y, roundUp)
}

// Price returns the marginal price of the outcome token in cash, Y / (X + L),
// with L rounded up.
func (p Pool) Price() (*big.Rat, error) {
	l, err := p.Liquidity(true)
	if err != nil {
		return nil, err
	}
	return new(big.Rat).SetFrac(p.Y, l.Add(l, p.X)), nil
}

// ClonePools deep-copies a pool set, preserving order.
func ClonePools(pools []Pool) []Pool {
	out := make([]Pool, len(pools))
	for i, p := range pools {
		out[i] = p.Clone()
	}
	return out
}
