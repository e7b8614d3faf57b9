package router

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	pmamm "github.com/defistate/pmamm-router-go/protocols/pmamm"
	pmammcalculator "github.com/defistate/pmamm-router-go/protocols/pmamm/calculator"
)

var (
	// ErrInvalidTarget is returned when the target index is outside the pool set.
	ErrInvalidTarget = errors.New("target index out of range")
	// ErrNilAmount is returned when a nil pointer is passed for an amount.
	ErrNilAmount = errors.New("nil pointer passed as amount")
	// ErrInvalidAmount is returned when cash or a flashloan amount is negative.
	ErrInvalidAmount = errors.New("amount must be non-negative")
	// ErrInvalidStep is returned when a grid scan is asked for a non-positive step.
	ErrInvalidStep = errors.New("step must be positive")

	one   = big.NewInt(1)
	three = big.NewInt(3)
)

// searcher evaluates the flashloan legs for one (pools, target, cash) query
// over a snapshot that must not change while it runs.
type searcher struct {
	pools   []pmamm.Pool
	target  int
	cash    *big.Int
	workers int

	// iteration counters, read by the router's metrics
	feasibilitySteps int
	optimalitySteps  int
}

func newSearcher(pools []pmamm.Pool, target int, cash *big.Int, workers int) (*searcher, error) {
	if err := validateQuery(pools, target, cash); err != nil {
		return nil, err
	}
	return &searcher{pools: pools, target: target, cash: cash, workers: workers}, nil
}

func validateQuery(pools []pmamm.Pool, target int, cash *big.Int) error {
	if target < 0 || target >= len(pools) {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidTarget, target, len(pools))
	}
	if cash == nil {
		return ErrNilAmount
	}
	if cash.Sign() < 0 {
		return fmt.Errorf("%w: cash %s", ErrInvalidAmount, cash)
	}
	for _, p := range pools {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (s *searcher) auxiliary() int {
	return len(s.pools) - 1
}

// proceeds returns the cash raised by selling amount of every auxiliary pool's
// outcome token. A zero amount sells nothing.
func (s *searcher) proceeds(amount *big.Int) (*big.Int, error) {
	total := new(big.Int)
	if amount.Sign() == 0 || s.auxiliary() == 0 {
		return total, nil
	}

	legs := make([]*big.Int, len(s.pools))
	errs := make([]error, len(s.pools))
	quote := func(j int) {
		legs[j], errs[j] = pmammcalculator.QuoteExactInputSingle(s.pools[j], amount, false)
	}

	if s.workers > 1 && s.auxiliary() > 1 {
		jobs := make(chan int)
		var wg sync.WaitGroup
		for w := 0; w < min(s.workers, s.auxiliary()); w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := range jobs {
					quote(j)
				}
			}()
		}
		for j := range s.pools {
			if j != s.target {
				jobs <- j
			}
		}
		close(jobs)
		wg.Wait()
	} else {
		for j := range s.pools {
			if j != s.target {
				quote(j)
			}
		}
	}

	for j := range s.pools {
		if j == s.target {
			continue
		}
		if errs[j] != nil {
			return nil, errs[j]
		}
		total.Add(total, legs[j])
	}
	return total, nil
}

// repayable returns cash plus the proceeds of selling amount on the auxiliary pools.
func (s *searcher) repayable(amount *big.Int) (*big.Int, error) {
	p, err := s.proceeds(amount)
	if err != nil {
		return nil, err
	}
	return p.Add(p, s.cash), nil
}

// evaluate returns the target tokens obtained with a flashloan of amount and
// whether cash plus the proceeds repay it. An unrepayable amount scores what
// can be repaid, which is below the amount itself. A zero remainder buys
// nothing, as in a commit.
func (s *searcher) evaluate(amount *big.Int) (*big.Int, bool, error) {
	repayable, err := s.repayable(amount)
	if err != nil {
		return nil, false, err
	}
	remainder := new(big.Int).Sub(repayable, amount)

	switch remainder.Sign() {
	case -1:
		return repayable, false, nil
	case 0:
		return new(big.Int).Set(amount), true, nil
	}

	bought, err := pmammcalculator.QuoteExactInputSingle(s.pools[s.target], remainder, true)
	if err != nil {
		return nil, false, err
	}
	return bought.Add(bought, amount), true, nil
}

// output is evaluate for amounts that must be repayable.
func (s *searcher) output(amount *big.Int) (*big.Int, error) {
	out, feasible, err := s.evaluate(amount)
	if err != nil {
		return nil, err
	}
	if !feasible {
		return nil, fmt.Errorf("%w: flashloan %s exceeds repayable %s", ErrFlashloanNotRepaid, amount, out)
	}
	return out, nil
}

// flashloanLimit binary-searches the largest amount whose sale repays itself.
// [left, right) always brackets the boundary with left feasible and right
// infeasible. Rounding can leave unrepayable amounts below the result.
func (s *searcher) flashloanLimit() (*big.Int, error) {
	if s.auxiliary() == 0 {
		return new(big.Int), nil
	}

	left := new(big.Int)
	// trivial bound: even draining every auxiliary cash reserve cannot repay more
	right := new(big.Int).Set(s.cash)
	for j, p := range s.pools {
		if j != s.target {
			right.Add(right, p.Y)
		}
	}

	mid := new(big.Int)
	bound := new(big.Int)
	for bound.Add(left, one).Cmp(right) < 0 {
		s.feasibilitySteps++
		mid.Add(left, right)
		mid.Rsh(mid, 1)

		lhs, err := s.repayable(mid)
		if err != nil {
			return nil, err
		}
		if lhs.Cmp(mid) >= 0 {
			left.Set(mid)
		} else {
			right.Set(mid)
		}
	}
	return left, nil
}

// optimalFlashloan ternary-searches [0, limit] for the amount maximizing output,
// then settles the remaining bracket and both ends of [0, limit] exactly.
// Rounding leaves unrepayable amounts inside [0, limit]; the search steps
// over them by their score but only a repayable amount is returned.
func (s *searcher) optimalFlashloan(limit *big.Int) (*big.Int, *big.Int, error) {
	left := new(big.Int)
	right := new(big.Int).Set(limit)

	width := new(big.Int)
	third := new(big.Int)
	mid1 := new(big.Int)
	mid2 := new(big.Int)
	for width.Sub(right, left).Cmp(three) >= 0 {
		s.optimalitySteps++
		third.Quo(width, three)
		mid1.Add(left, third)
		mid2.Sub(right, third)

		f1, _, err := s.evaluate(mid1)
		if err != nil {
			return nil, nil, err
		}
		f2, _, err := s.evaluate(mid2)
		if err != nil {
			return nil, nil, err
		}

		if f1.Cmp(f2) >= 0 {
			right.Set(mid2)
		} else {
			left.Set(mid1)
		}
	}

	best := newBestFlashloan()
	if err := best.consider(s, new(big.Int)); err != nil {
		return nil, nil, err
	}
	for d := new(big.Int).Set(left); d.Cmp(right) <= 0; d.Add(d, one) {
		if err := best.consider(s, d); err != nil {
			return nil, nil, err
		}
	}
	// the limit is repayable and holes below it can mislead the ternary
	if err := best.consider(s, limit); err != nil {
		return nil, nil, err
	}
	return best.amount, best.output, nil
}

// bestFlashloan keeps the repayable amount with the highest output seen,
// preferring the first on ties.
type bestFlashloan struct {
	amount *big.Int
	output *big.Int
}

func newBestFlashloan() *bestFlashloan {
	return &bestFlashloan{amount: new(big.Int)}
}

func (b *bestFlashloan) consider(s *searcher, amount *big.Int) error {
	out, feasible, err := s.evaluate(amount)
	if err != nil {
		return err
	}
	if !feasible {
		return nil
	}
	if b.output == nil || out.Cmp(b.output) > 0 {
		b.amount.Set(amount)
		b.output = out
	}
	return nil
}

// FindFlashloanLimit returns the largest flashloan D such that cash plus the
// proceeds of selling D of every pool's outcome token except the target's
// repays D. It returns 0 when there is nothing to sell into.
func FindFlashloanLimit(pools []pmamm.Pool, target int, cash *big.Int) (*big.Int, error) {
	s, err := newSearcher(pools, target, cash, 1)
	if err != nil {
		return nil, err
	}
	return s.flashloanLimit()
}

// QuoteBuyExactInputMultiple returns the target tokens obtained by spending cash
// together with a flashloan of the given amount. A zero flashloan is a plain buy
// on the target pool. A flashloan the sales cannot repay fails with
// ErrFlashloanNotRepaid.
func QuoteBuyExactInputMultiple(pools []pmamm.Pool, target int, cash, flashloan *big.Int) (*big.Int, error) {
	s, err := newSearcher(pools, target, cash, 1)
	if err != nil {
		return nil, err
	}
	if err := validateAmount(flashloan); err != nil {
		return nil, err
	}
	return s.output(flashloan)
}

// FindOptimalFlashloan returns the flashloan within the feasible range that
// maximizes the target output, together with that output. The search assumes
// the output is unimodal in the flashloan; it never returns less than the
// zero-flashloan output.
func FindOptimalFlashloan(pools []pmamm.Pool, target int, cash *big.Int) (*big.Int, *big.Int, error) {
	s, err := newSearcher(pools, target, cash, 1)
	if err != nil {
		return nil, nil, err
	}
	limit, err := s.flashloanLimit()
	if err != nil {
		return nil, nil, err
	}
	return s.optimalFlashloan(limit)
}

// BruteForceOptimalFlashloan scans 0, step, 2*step, ... up to the flashloan limit
// (always including the limit) and returns the best repayable amount and its output.
// It is the reference the ternary search is checked against.
func BruteForceOptimalFlashloan(pools []pmamm.Pool, target int, cash, step *big.Int) (*big.Int, *big.Int, error) {
	if step == nil || step.Sign() <= 0 {
		return nil, nil, ErrInvalidStep
	}
	s, err := newSearcher(pools, target, cash, 1)
	if err != nil {
		return nil, nil, err
	}
	limit, err := s.flashloanLimit()
	if err != nil {
		return nil, nil, err
	}

	best := newBestFlashloan()
	if err := best.consider(s, new(big.Int)); err != nil {
		return nil, nil, err
	}
	for d := new(big.Int).Set(step); d.Cmp(limit) < 0; d.Add(d, step) {
		if err := best.consider(s, d); err != nil {
			return nil, nil, err
		}
	}
	if err := best.consider(s, limit); err != nil {
		return nil, nil, err
	}
	return best.amount, best.output, nil
}

func validateAmount(amount *big.Int) error {
	if amount == nil {
		return ErrNilAmount
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	return nil
}
