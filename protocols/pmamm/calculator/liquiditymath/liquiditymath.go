package liquiditymath

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
)

var (
	// ErrOutOfRange is returned when a reserve, or a reserve derived from one, is not strictly positive.
	ErrOutOfRange = errors.New("reserve out of range")

	one = big.NewInt(1)
)

// liquidityMath holds reusable big.Int objects for solving the invariant.
// Instances are managed by a sync.Pool for safe concurrent use.
type liquidityMath struct {
	discriminant *big.Int
	product      *big.Int
	lhs          *big.Int
	rhs          *big.Int
}

var pool = sync.Pool{
	New: func() any {
		return &liquidityMath{
			discriminant: new(big.Int),
			product:      new(big.Int),
			lhs:          new(big.Int),
			rhs:          new(big.Int),
		}
	},
}

// GetL writes into dest the liquidity parameter L of the curve (x + L) * y = L^2
// for the reserves (x, y).
//
// The candidate L0 = floor((isqrt(y^2 + 4xy) + y) / 2) never exceeds the real root.
// When L0 solves the curve exactly it is returned in both modes, otherwise
// roundUp selects L0 + 1, which never falls below the real root.
func GetL(dest, x, y *big.Int, roundUp bool) error {
	if x == nil || x.Sign() <= 0 {
		return fmt.Errorf("%w: x must be positive, got %v", ErrOutOfRange, x)
	}
	if y == nil || y.Sign() <= 0 {
		return fmt.Errorf("%w: y must be positive, got %v", ErrOutOfRange, y)
	}

	m := pool.Get().(*liquidityMath)
	defer pool.Put(m)

	// discriminant = y^2 + 4xy
	m.product.Mul(x, y)
	m.product.Lsh(m.product, 2)
	m.discriminant.Mul(y, y)
	m.discriminant.Add(m.discriminant, m.product)

	// L0 = (isqrt(discriminant) + y) >> 1
	m.lhs.Sqrt(m.discriminant)
	m.lhs.Add(m.lhs, y)
	m.lhs.Rsh(m.lhs, 1)

	// exact when L0^2 == (x + L0) * y
	m.rhs.Add(x, m.lhs)
	m.rhs.Mul(m.rhs, y)
	m.product.Mul(m.lhs, m.lhs)

	exact := m.product.Cmp(m.rhs) == 0
	dest.Set(m.lhs)
	if !exact && roundUp {
		dest.Add(dest, one)
	}
	return nil
}

// Compute is the allocating form of GetL.
func Compute(x, y *big.Int, roundUp bool) (*big.Int, error) {
	l := new(big.Int)
	if err := GetL(l, x, y, roundUp); err != nil {
		return nil, err
	}
	return l, nil
}

// Satisfies reports whether (x + l) * y >= l^2, i.e. whether the reserves (x, y)
// are at or above the curve of liquidity l.
func Satisfies(x, y, l *big.Int) bool {
	m := pool.Get().(*liquidityMath)
	defer pool.Put(m)

	m.rhs.Add(x, l)
	m.rhs.Mul(m.rhs, y)
	m.product.Mul(l, l)
	return m.rhs.Cmp(m.product) >= 0
}
