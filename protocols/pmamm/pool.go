package pmamm

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/defistate/pmamm-router-go/protocols/pmamm/calculator/liquiditymath"
)

// PPM is the price denominator: prices are expressed in parts per million.
const PPM = 1_000_000

var (
	// ErrOutOfRange is returned when a reserve would become non-positive.
	ErrOutOfRange = liquiditymath.ErrOutOfRange
	// ErrInvariantViolation is returned when a swap would decrease the pool's liquidity.
	ErrInvariantViolation = errors.New("invariant curve violated")
	// ErrNilAmount is returned when a nil pointer is passed for an amount.
	ErrNilAmount = errors.New("nil pointer passed as amount")

	ppm = big.NewInt(PPM)
)

// InvariantViolationError describes a rejected swap. It unwraps to ErrInvariantViolation.
type InvariantViolationError struct {
	PoolID uint64
	X, Y   *big.Int
	DX, DY *big.Int
	OldL   *big.Int // current liquidity, rounded up
	NewL   *big.Int // candidate liquidity, rounded down
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("%s: pool %d x=%s y=%s dx=%s dy=%s (L %s -> %s)",
		ErrInvariantViolation, e.PoolID, e.X, e.Y, e.DX, e.DY, e.OldL, e.NewL)
}

func (e *InvariantViolationError) Unwrap() error {
	return ErrInvariantViolation
}

// NewPool creates a pool with the given reserves, clamping each to at least 1.
func NewPool(id uint64, x, y *big.Int, feeBps uint16) (Pool, error) {
	if x == nil || y == nil {
		return Pool{}, ErrNilAmount
	}
	return Pool{
		ID:     id,
		X:      maxOne(new(big.Int).Set(x)),
		Y:      maxOne(new(big.Int).Set(y)),
		FeeBps: feeBps,
	}, nil
}

// NewPoolFromLiquidityAndPrice creates a pool holding liquidity l at a price of
// pricePPM / 1e6 cash per outcome token:
//
//	x = max(1, isqrt(l^2 * 1e6 / pricePPM) - l)
//	y = max(1, isqrt(l^2 * pricePPM / 1e6))
func NewPoolFromLiquidityAndPrice(id uint64, l *big.Int, pricePPM uint32, feeBps uint16) (Pool, error) {
	if l == nil {
		return Pool{}, ErrNilAmount
	}
	if l.Sign() <= 0 {
		return Pool{}, fmt.Errorf("%w: liquidity must be positive, got %s", ErrOutOfRange, l)
	}
	if pricePPM == 0 || pricePPM >= PPM {
		return Pool{}, fmt.Errorf("%w: price must be in (0, %d) ppm, got %d", ErrOutOfRange, PPM, pricePPM)
	}

	price := new(big.Int).SetUint64(uint64(pricePPM))
	lSquared := new(big.Int).Mul(l, l)

	x := new(big.Int).Mul(lSquared, ppm)
	x.Quo(x, price)
	x.Sqrt(x)
	x.Sub(x, l)

	y := new(big.Int).Mul(lSquared, price)
	y.Quo(y, ppm)
	y.Sqrt(y)

	return Pool{
		ID:     id,
		X:      maxOne(x),
		Y:      maxOne(y),
		FeeBps: feeBps,
	}, nil
}

// Swap applies the signed reserve deltas (dx, dy) to the pool. The swap is
// accepted only if the liquidity of the new reserves, rounded down, is at least
// the liquidity of the current reserves, rounded up. Either both reserves move
// or neither does.
func (p *Pool) Swap(dx, dy *big.Int) error {
	if dx == nil || dy == nil {
		return ErrNilAmount
	}

	newX := new(big.Int).Add(p.X, dx)
	if newX.Sign() <= 0 {
		return fmt.Errorf("%w: pool %d x %s + dx %s", ErrOutOfRange, p.ID, p.X, dx)
	}
	newY := new(big.Int).Add(p.Y, dy)
	if newY.Sign() <= 0 {
		return fmt.Errorf("%w: pool %d y %s + dy %s", ErrOutOfRange, p.ID, p.Y, dy)
	}

	oldL, err := liquiditymath.Compute(p.X, p.Y, true)
	if err != nil {
		return err
	}
	newL, err := liquiditymath.Compute(newX, newY, false)
	if err != nil {
		return err
	}

	if newL.Cmp(oldL) < 0 {
		return &InvariantViolationError{
			PoolID: p.ID,
			X:      new(big.Int).Set(p.X),
			Y:      new(big.Int).Set(p.Y),
			DX:     new(big.Int).Set(dx),
			DY:     new(big.Int).Set(dy),
			OldL:   oldL,
			NewL:   newL,
		}
	}

	p.X = newX
	p.Y = newY
	return nil
}

// Validate checks that both reserves are present and strictly positive.
func (p Pool) Validate() error {
	if p.X == nil || p.X.Sign() <= 0 {
		return fmt.Errorf("%w: pool %d x=%v", ErrOutOfRange, p.ID, p.X)
	}
	if p.Y == nil || p.Y.Sign() <= 0 {
		return fmt.Errorf("%w: pool %d y=%v", ErrOutOfRange, p.ID, p.Y)
	}
	return nil
}

func maxOne(v *big.Int) *big.Int {
	if v.Sign() <= 0 {
		v.SetInt64(1)
	}
	return v
}
