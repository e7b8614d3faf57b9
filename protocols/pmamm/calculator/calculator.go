package pmamm

import (
	"fmt"
	"math/big"
	"sync"

	pmamm "github.com/defistate/pmamm-router-go/protocols/pmamm"
	"github.com/defistate/pmamm-router-go/protocols/pmamm/calculator/liquiditymath"
)

var (
	one = big.NewInt(1)

	// ErrOutOfRange is returned when a quote would push a reserve to zero or below.
	ErrOutOfRange = pmamm.ErrOutOfRange
	// ErrNilAmount is returned when a nil pointer is passed for an amount.
	ErrNilAmount = pmamm.ErrNilAmount
)

// Quote is an exact-input quote together with the pool-perspective reserve
// deltas that realise it. Passing DX and DY to Pool.Swap commits the quote.
type Quote struct {
	AmountIn  *big.Int // amount the pool accepts after clipping
	AmountOut *big.Int
	DX        *big.Int
	DY        *big.Int
}

// Calculator holds reusable big.Int objects to avoid memory allocations during calculations.
// Instances of this struct are NOT safe for concurrent use by themselves.
// They are intended to be managed by the sync.Pool below.
type Calculator struct {
	liquidity *big.Int
	lSquared  *big.Int
	newX      *big.Int
	newY      *big.Int
	quotient  *big.Int
	rem       *big.Int
	amount    *big.Int
}

// calculatorPool manages a pool of Calculator objects, allowing for safe concurrent use
// and drastically reducing memory allocations.
var calculatorPool = sync.Pool{
	New: func() any {
		return &Calculator{
			liquidity: new(big.Int),
			lSquared:  new(big.Int),
			newX:      new(big.Int),
			newY:      new(big.Int),
			quotient:  new(big.Int),
			rem:       new(big.Int),
			amount:    new(big.Int),
		}
	},
}

// GetDx returns the change to the outcome reserve that puts the pool back on its
// curve after the cash reserve changes by dy.
func GetDx(pool pmamm.Pool, dy *big.Int) (*big.Int, error) {
	calc := calculatorPool.Get().(*Calculator)
	defer calculatorPool.Put(calc)
	return calc.getDx(pool, dy)
}

// GetDy returns the change to the cash reserve that puts the pool back on its
// curve after the outcome reserve changes by dx.
func GetDy(pool pmamm.Pool, dx *big.Int) (*big.Int, error) {
	calc := calculatorPool.Get().(*Calculator)
	defer calculatorPool.Put(calc)
	return calc.getDy(pool, dx)
}

// QuoteExactInputSingle returns the amount the pool pays out for amountIn.
// For a buy the input is cash and the output is outcome token; for a sell it is
// the reverse. The pool never mutates.
func QuoteExactInputSingle(pool pmamm.Pool, amountIn *big.Int, isBuy bool) (*big.Int, error) {
	calc := calculatorPool.Get().(*Calculator)
	defer calculatorPool.Put(calc)
	q, err := calc.quoteExactInput(pool, amountIn, isBuy)
	if err != nil {
		return nil, err
	}
	return q.AmountOut, nil
}

// QuoteExactOutputSingle returns the input the pool requires to pay out exactly amountOut.
func QuoteExactOutputSingle(pool pmamm.Pool, amountOut *big.Int, isBuy bool) (*big.Int, error) {
	calc := calculatorPool.Get().(*Calculator)
	defer calculatorPool.Put(calc)
	return calc.quoteExactOutput(pool, amountOut, isBuy)
}

// SimulateExactInput quotes amountIn and returns the quote together with the
// pool state after the swap. The input pool is not modified.
func SimulateExactInput(pool pmamm.Pool, amountIn *big.Int, isBuy bool) (Quote, pmamm.Pool, error) {
	calc := calculatorPool.Get().(*Calculator)
	defer calculatorPool.Put(calc)

	q, err := calc.quoteExactInput(pool, amountIn, isBuy)
	if err != nil {
		return Quote{}, pmamm.Pool{}, err
	}

	newPoolState := pool
	newPoolState.X = new(big.Int).Add(pool.X, q.DX)
	newPoolState.Y = new(big.Int).Add(pool.Y, q.DY)
	return q, newPoolState, nil
}

// ceilDiv writes ceil(a / b) into dest for positive a and b.
func (c *Calculator) ceilDiv(dest, a, b *big.Int) {
	dest.QuoRem(a, b, c.rem)
	if c.rem.Sign() > 0 {
		dest.Add(dest, one)
	}
}

// loadLiquidity computes the pool's L, rounded up, and L^2 into the calculator.
func (c *Calculator) loadLiquidity(pool pmamm.Pool) error {
	if err := liquiditymath.GetL(c.liquidity, pool.X, pool.Y, true); err != nil {
		return fmt.Errorf("pool %d: %w", pool.ID, err)
	}
	c.lSquared.Mul(c.liquidity, c.liquidity)
	return nil
}

func (c *Calculator) getDx(pool pmamm.Pool, dy *big.Int) (*big.Int, error) {
	if dy == nil {
		return nil, ErrNilAmount
	}

	// check new_y range
	c.newY.Add(pool.Y, dy)
	if c.newY.Sign() <= 0 {
		return nil, fmt.Errorf("%w: pool %d new y %s", ErrOutOfRange, pool.ID, c.newY)
	}

	if err := c.loadLiquidity(pool); err != nil {
		return nil, err
	}

	// new_x = max(1, ceil(L^2 / new_y) - L)
	c.ceilDiv(c.newX, c.lSquared, c.newY)
	c.newX.Sub(c.newX, c.liquidity)
	if c.newX.Sign() <= 0 {
		c.newX.SetInt64(1)
	}

	return new(big.Int).Sub(c.newX, pool.X), nil
}

func (c *Calculator) getDy(pool pmamm.Pool, dx *big.Int) (*big.Int, error) {
	if dx == nil {
		return nil, ErrNilAmount
	}

	// check new_x range
	c.newX.Add(pool.X, dx)
	if c.newX.Sign() <= 0 {
		return nil, fmt.Errorf("%w: pool %d new x %s", ErrOutOfRange, pool.ID, c.newX)
	}

	if err := c.loadLiquidity(pool); err != nil {
		return nil, err
	}

	// new_y = ceil(L^2 / (new_x + L))
	c.quotient.Add(c.newX, c.liquidity)
	c.ceilDiv(c.newY, c.lSquared, c.quotient)
	if c.newY.Sign() <= 0 {
		return nil, fmt.Errorf("%w: pool %d new y %s", ErrOutOfRange, pool.ID, c.newY)
	}

	return new(big.Int).Sub(c.newY, pool.Y), nil
}

func (c *Calculator) quoteExactInput(pool pmamm.Pool, amountIn *big.Int, isBuy bool) (Quote, error) {
	if amountIn == nil {
		return Quote{}, ErrNilAmount
	}

	if isBuy {
		if err := c.loadLiquidity(pool); err != nil {
			return Quote{}, err
		}

		// clip dy into [0, L-1]
		dy := new(big.Int).Sub(c.liquidity, one)
		if amountIn.Cmp(dy) < 0 {
			dy.Set(amountIn)
		}
		if dy.Sign() < 0 {
			dy.SetInt64(0)
		}

		dx, err := c.getDx(pool, dy)
		if err != nil {
			return Quote{}, err
		}
		return Quote{
			AmountIn:  new(big.Int).Set(dy),
			AmountOut: new(big.Int).Neg(dx),
			DX:        dx,
			DY:        dy,
		}, nil
	}

	dx := new(big.Int).Set(amountIn)
	if dx.Sign() < 0 {
		dx.SetInt64(0)
	}
	dy, err := c.getDy(pool, dx)
	if err != nil {
		return Quote{}, err
	}
	return Quote{
		AmountIn:  new(big.Int).Set(dx),
		AmountOut: new(big.Int).Neg(dy),
		DX:        dx,
		DY:        dy,
	}, nil
}

func (c *Calculator) quoteExactOutput(pool pmamm.Pool, amountOut *big.Int, isBuy bool) (*big.Int, error) {
	if amountOut == nil {
		return nil, ErrNilAmount
	}
	if pool.X == nil || pool.Y == nil {
		return nil, fmt.Errorf("%w: pool %d has no reserves", ErrOutOfRange, pool.ID)
	}

	if isBuy {
		// dx = max(1 - x, -amount_out)
		dx := new(big.Int).Neg(amountOut)
		c.amount.Sub(one, pool.X)
		if dx.Cmp(c.amount) < 0 {
			dx.Set(c.amount)
		}
		return c.getDy(pool, dx)
	}

	c.amount.Sub(pool.Y, amountOut)
	if c.amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: pool %d cannot pay out %s of y %s", ErrOutOfRange, pool.ID, amountOut, pool.Y)
	}
	return c.getDx(pool, new(big.Int).Neg(amountOut))
}
