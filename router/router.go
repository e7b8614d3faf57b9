package router

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/defistate/pmamm-router-go/bitset"
	pmamm "github.com/defistate/pmamm-router-go/protocols/pmamm"
	pmammcalculator "github.com/defistate/pmamm-router-go/protocols/pmamm/calculator"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrFlashloanNotRepaid is returned by Commit and QuoteBuyExactInputMultiple
// when the cash on hand plus the proceeds of the auxiliary sales cannot repay
// the flashloan.
var ErrFlashloanNotRepaid = errors.New("flashloan not repaid")

// Logger defines a standard interface for structured, leveled logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config holds the dependencies of a Router.
type Config struct {
	Logger   Logger
	Registry prometheus.Registerer

	// Workers bounds the fan-out used to quote auxiliary pools. Values below 2
	// quote sequentially.
	Workers int
}

func (c *Config) validate() error {
	if c.Logger == nil {
		return errors.New("config: Logger cannot be nil")
	}
	if c.Registry == nil {
		return errors.New("config: Registry cannot be nil")
	}
	if c.Workers < 0 {
		return fmt.Errorf("config: Workers must be non-negative, got %d", c.Workers)
	}
	return nil
}

// Router plans and commits flashloan-assisted buys over a pool set.
type Router struct {
	logger  Logger
	metrics *Metrics
	workers int
}

// NewRouter constructs a router from a configuration, returning an error if the config is invalid.
func NewRouter(cfg *Config) (*Router, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Router{
		logger:  cfg.Logger,
		metrics: NewMetrics(cfg.Registry),
		workers: cfg.Workers,
	}, nil
}

// Plan is the read-only result of routing a buy.
type Plan struct {
	Target         int
	Cash           *big.Int
	FlashloanLimit *big.Int
	Flashloan      *big.Int
	Output         *big.Int

	// PlainOutput is what cash alone buys on the target pool.
	PlainOutput *big.Int
}

// Leg is one swap applied during a commit, from the pool's perspective.
type Leg struct {
	Index  int
	PoolID uint64
	DX     *big.Int
	DY     *big.Int
}

// Receipt records what a commit applied.
type Receipt struct {
	Target    int
	Flashloan *big.Int
	Sells     []Leg
	Buy       *Leg

	Proceeds *big.Int // cash raised by the auxiliary sales
	Spent    *big.Int // cash the target pool accepted
	Refund   *big.Int // cash left after repaying the flashloan and clipping the buy
	Output   *big.Int // target token delivered: the flashloan plus what was bought

	// Applied marks, by pool index, every pool whose swap was applied.
	Applied bitset.BitSet
}

// RouteBuy finds the feasible flashloan range for a buy of the target pool's
// outcome token with cash, and the flashloan within it that maximizes output.
// No pool is modified.
func (r *Router) RouteBuy(pools []pmamm.Pool, target int, cash *big.Int) (*Plan, error) {
	timer := prometheus.NewTimer(r.metrics.routeDuration.WithLabelValues())
	defer timer.ObserveDuration()

	s, err := newSearcher(pools, target, cash, r.workers)
	if err != nil {
		return nil, err
	}

	plain, err := s.output(new(big.Int))
	if err != nil {
		return nil, err
	}
	limit, err := s.flashloanLimit()
	if err != nil {
		return nil, err
	}
	flashloan, output, err := s.optimalFlashloan(limit)
	if err != nil {
		return nil, err
	}

	r.metrics.searchIterations.WithLabelValues("feasibility").Observe(float64(s.feasibilitySteps))
	r.metrics.searchIterations.WithLabelValues("optimality").Observe(float64(s.optimalitySteps))

	r.logger.Debug("routed buy",
		"target", target,
		"poolID", pools[target].ID,
		"cash", cash.String(),
		"limit", limit.String(),
		"flashloan", flashloan.String(),
		"output", output.String(),
		"plainOutput", plain.String(),
	)

	return &Plan{
		Target:         target,
		Cash:           new(big.Int).Set(cash),
		FlashloanLimit: limit,
		Flashloan:      flashloan,
		Output:         output,
		PlainOutput:    plain,
	}, nil
}

// Commit executes a buy with the given flashloan against pools in place: it
// sells the flashloan on every auxiliary pool, repays it, and spends the
// remaining cash on the target pool. Each leg is quoted against the current
// pool state immediately before it is applied.
//
// Commit stops at the first failure and returns the partial receipt with the
// error. Applied swaps are not rolled back; Receipt.Applied tells the caller
// which pools to restore.
func (r *Router) Commit(pools []pmamm.Pool, target int, cash, flashloan *big.Int) (*Receipt, error) {
	receipt, err := r.commit(pools, target, cash, flashloan)
	switch {
	case err == nil:
		r.metrics.commitsTotal.WithLabelValues("ok").Inc()
		r.logger.Info("committed buy",
			"target", target,
			"poolID", pools[target].ID,
			"flashloan", receipt.Flashloan.String(),
			"output", receipt.Output.String(),
			"refund", receipt.Refund.String(),
		)
	case errors.Is(err, pmamm.ErrInvariantViolation):
		r.metrics.commitsTotal.WithLabelValues("invariant_violation").Inc()
		r.logger.Warn("commit rejected by pool invariant", "target", target, "error", err)
	default:
		r.metrics.commitsTotal.WithLabelValues("error").Inc()
		r.logger.Warn("commit failed", "target", target, "error", err)
	}
	return receipt, err
}

func (r *Router) commit(pools []pmamm.Pool, target int, cash, flashloan *big.Int) (*Receipt, error) {
	if err := validateQuery(pools, target, cash); err != nil {
		return nil, err
	}
	if err := validateAmount(flashloan); err != nil {
		return nil, err
	}

	receipt := &Receipt{
		Target:    target,
		Flashloan: new(big.Int).Set(flashloan),
		Proceeds:  new(big.Int),
		Spent:     new(big.Int),
		Refund:    new(big.Int),
		Output:    new(big.Int),
		Applied:   bitset.NewBitSet(len(pools)),
	}

	if flashloan.Sign() > 0 {
		for j := range pools {
			if j == target {
				continue
			}
			q, _, err := pmammcalculator.SimulateExactInput(pools[j], flashloan, false)
			if err != nil {
				return receipt, err
			}
			if err := pools[j].Swap(q.DX, q.DY); err != nil {
				return receipt, err
			}
			receipt.Applied.Set(j)
			receipt.Sells = append(receipt.Sells, Leg{Index: j, PoolID: pools[j].ID, DX: q.DX, DY: q.DY})
			receipt.Proceeds.Add(receipt.Proceeds, q.AmountOut)
		}
	}

	remainder := new(big.Int).Add(cash, receipt.Proceeds)
	remainder.Sub(remainder, flashloan)
	if remainder.Sign() < 0 {
		return receipt, fmt.Errorf("%w: short by %s", ErrFlashloanNotRepaid, new(big.Int).Neg(remainder))
	}

	receipt.Output.Set(flashloan)
	if remainder.Sign() > 0 {
		q, _, err := pmammcalculator.SimulateExactInput(pools[target], remainder, true)
		if err != nil {
			return receipt, err
		}
		if err := pools[target].Swap(q.DX, q.DY); err != nil {
			return receipt, err
		}
		receipt.Applied.Set(target)
		receipt.Buy = &Leg{Index: target, PoolID: pools[target].ID, DX: q.DX, DY: q.DY}
		receipt.Spent.Set(q.AmountIn)
		receipt.Output.Add(receipt.Output, q.AmountOut)
	}
	receipt.Refund.Sub(remainder, receipt.Spent)

	return receipt, nil
}
