package router

import (
	"io"
	"log/slog"
	"math/big"
	"testing"

	pmamm "github.com/defistate/pmamm-router-go/protocols/pmamm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, workers int) (*Router, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	r, err := NewRouter(&Config{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Registry: reg,
		Workers:  workers,
	})
	require.NoError(t, err)
	return r, reg
}

// counterValue returns the value of the counter in family name with the given label value.
func counterValue(t *testing.T, reg *prometheus.Registry, name, label string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetValue() == label {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestNewRouter(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := NewRouter(&Config{Registry: prometheus.NewRegistry()})
	assert.Error(t, err)

	_, err = NewRouter(&Config{Logger: logger})
	assert.Error(t, err)

	_, err = NewRouter(&Config{Logger: logger, Registry: prometheus.NewRegistry(), Workers: -1})
	assert.Error(t, err)

	r, err := NewRouter(&Config{Logger: logger, Registry: prometheus.NewRegistry()})
	require.NoError(t, err)
	assert.NotNil(t, r)
}

func TestRouter_RouteBuy(t *testing.T) {
	for _, workers := range []int{0, 4} {
		r, reg := newTestRouter(t, workers)
		pools := examplePools()

		plan, err := r.RouteBuy(pools, 0, big.NewInt(1000))
		require.NoError(t, err)

		assert.Equal(t, 0, plan.Target)
		assert.Equal(t, int64(1000), plan.Cash.Int64())
		assert.Equal(t, int64(1407), plan.FlashloanLimit.Int64())
		assert.Equal(t, int64(1339), plan.Flashloan.Int64())
		assert.Equal(t, int64(1422), plan.Output.Int64())
		assert.Equal(t, int64(99), plan.PlainOutput.Int64())
		assert.Equal(t, examplePools(), pools, "routing must not mutate pools")

		families, err := reg.Gather()
		require.NoError(t, err)
		names := make([]string, 0, len(families))
		for _, f := range families {
			names = append(names, f.GetName())
		}
		assert.Contains(t, names, "router_route_duration_seconds")
		assert.Contains(t, names, "router_search_iterations")
	}

	t.Run("Single Pool Degenerates To Plain Buy", func(t *testing.T) {
		r, _ := newTestRouter(t, 0)
		plan, err := r.RouteBuy(examplePools()[:1], 0, big.NewInt(1000))
		require.NoError(t, err)
		assert.Equal(t, int64(0), plan.Flashloan.Int64())
		assert.Equal(t, int64(99), plan.Output.Int64())
		assert.Equal(t, 0, plan.Output.Cmp(plan.PlainOutput))
	})

	t.Run("Invalid Target", func(t *testing.T) {
		r, _ := newTestRouter(t, 0)
		_, err := r.RouteBuy(examplePools(), 5, big.NewInt(1000))
		assert.ErrorIs(t, err, ErrInvalidTarget)
	})

	t.Run("Parallel Matches Sequential", func(t *testing.T) {
		sequential, _ := newTestRouter(t, 1)
		parallel, _ := newTestRouter(t, 3)
		for i := 0; i < 20; i++ {
			pools := randSmallPools()
			target := int(randInt(0, int64(len(pools)-1)))
			cash := big.NewInt(randInt(0, 3000))

			want, err := sequential.RouteBuy(pools, target, cash)
			require.NoError(t, err)
			got, err := parallel.RouteBuy(pools, target, cash)
			require.NoError(t, err)
			assert.Equal(t, 0, want.FlashloanLimit.Cmp(got.FlashloanLimit))
			assert.Equal(t, 0, want.Flashloan.Cmp(got.Flashloan))
			assert.Equal(t, 0, want.Output.Cmp(got.Output))
		}
	})
}

func TestRouter_Commit(t *testing.T) {
	t.Run("Optimal Flashloan", func(t *testing.T) {
		r, reg := newTestRouter(t, 0)
		pools := examplePools()

		receipt, err := r.Commit(pools, 0, big.NewInt(1000), big.NewInt(1339))
		require.NoError(t, err)

		require.Len(t, receipt.Sells, 2)
		assert.Equal(t, 1, receipt.Sells[0].Index)
		assert.Equal(t, uint64(2), receipt.Sells[0].PoolID)
		assert.Equal(t, int64(1339), receipt.Sells[0].DX.Int64())
		assert.Equal(t, int64(-111), receipt.Sells[0].DY.Int64())
		assert.Equal(t, int64(-292), receipt.Sells[1].DY.Int64())

		require.NotNil(t, receipt.Buy)
		assert.Equal(t, int64(-83), receipt.Buy.DX.Int64())
		assert.Equal(t, int64(64), receipt.Buy.DY.Int64())

		assert.Equal(t, int64(403), receipt.Proceeds.Int64())
		assert.Equal(t, int64(64), receipt.Spent.Int64())
		assert.Equal(t, int64(0), receipt.Refund.Int64())
		assert.Equal(t, int64(1422), receipt.Output.Int64())
		assert.Equal(t, []int{0, 1, 2}, receipt.Applied.Indices())

		expected := [][2]int64{{17, 364}, {1539, 39}, {1389, 108}}
		for j, p := range pools {
			assert.Equal(t, expected[j][0], p.X.Int64(), "pool %d x", j)
			assert.Equal(t, expected[j][1], p.Y.Int64(), "pool %d y", j)
		}
		assert.Equal(t, float64(1), counterValue(t, reg, "router_commits_total", "ok"))
	})

	t.Run("Commit Matches Plan", func(t *testing.T) {
		r, _ := newTestRouter(t, 2)
		for i := 0; i < 500; i++ {
			pools := randSmallPools()
			target := int(randInt(0, int64(len(pools)-1)))
			cash := big.NewInt(randInt(0, 50))
			if i%2 == 0 {
				cash.SetInt64(randInt(0, 3000))
			}

			plan, err := r.RouteBuy(pools, target, cash)
			require.NoError(t, err)
			receipt, err := r.Commit(pools, target, cash, plan.Flashloan)
			require.NoError(t, err, "flashloan %s cash %s", plan.Flashloan, cash)
			assert.Equal(t, 0, plan.Output.Cmp(receipt.Output), "plan %s receipt %s flashloan %s cash %s",
				plan.Output, receipt.Output, plan.Flashloan, cash)
		}
	})

	t.Run("Exact Repayment Skips The Buy", func(t *testing.T) {
		r, _ := newTestRouter(t, 0)
		pools := examplePools()

		plan, err := r.RouteBuy(pools, 0, big.NewInt(0))
		require.NoError(t, err)
		assert.Equal(t, int64(54), plan.Flashloan.Int64())
		assert.Equal(t, int64(54), plan.Output.Int64())

		receipt, err := r.Commit(pools, 0, big.NewInt(0), plan.Flashloan)
		require.NoError(t, err)
		assert.Nil(t, receipt.Buy)
		assert.Equal(t, int64(54), receipt.Proceeds.Int64())
		assert.Equal(t, int64(0), receipt.Refund.Int64())
		assert.Equal(t, int64(54), receipt.Output.Int64())
		assert.Equal(t, []int{1, 2}, receipt.Applied.Indices())
		assert.Equal(t, examplePools()[0], pools[0])
	})

	t.Run("Zero Flashloan Clips And Refunds", func(t *testing.T) {
		r, _ := newTestRouter(t, 0)
		pools := examplePools()

		receipt, err := r.Commit(pools, 0, big.NewInt(1000), big.NewInt(0))
		require.NoError(t, err)

		assert.Empty(t, receipt.Sells)
		assert.Equal(t, int64(379), receipt.Spent.Int64())
		assert.Equal(t, int64(621), receipt.Refund.Int64())
		assert.Equal(t, int64(99), receipt.Output.Int64())
		assert.Equal(t, []int{0}, receipt.Applied.Indices())
		assert.Equal(t, int64(1), pools[0].X.Int64())
		assert.Equal(t, int64(679), pools[0].Y.Int64())
		assert.Equal(t, examplePools()[1:], pools[1:])
	})

	t.Run("Zero Cash And Zero Flashloan Is A No-Op", func(t *testing.T) {
		r, _ := newTestRouter(t, 0)
		pools := examplePools()

		receipt, err := r.Commit(pools, 0, big.NewInt(0), big.NewInt(0))
		require.NoError(t, err)
		assert.Nil(t, receipt.Buy)
		assert.Equal(t, 0, receipt.Applied.Count())
		assert.Equal(t, examplePools(), pools)
	})

	t.Run("Unrepayable Flashloan Stops After Sales", func(t *testing.T) {
		r, reg := newTestRouter(t, 0)
		pools := examplePools()

		receipt, err := r.Commit(pools, 0, big.NewInt(0), big.NewInt(1000))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrFlashloanNotRepaid)

		require.NotNil(t, receipt)
		assert.Equal(t, []int{1, 2}, receipt.Applied.Indices())
		assert.Nil(t, receipt.Buy)
		assert.Equal(t, examplePools()[0], pools[0], "target pool untouched")
		assert.NotEqual(t, examplePools()[1], pools[1], "sales are not rolled back")
		assert.Equal(t, float64(1), counterValue(t, reg, "router_commits_total", "error"))
	})

	t.Run("Invalid Arguments", func(t *testing.T) {
		r, _ := newTestRouter(t, 0)
		_, err := r.Commit(examplePools(), 3, big.NewInt(1), big.NewInt(0))
		assert.ErrorIs(t, err, ErrInvalidTarget)
		_, err = r.Commit(examplePools(), 0, big.NewInt(1), big.NewInt(-1))
		assert.ErrorIs(t, err, ErrInvalidAmount)
		_, err = r.Commit(examplePools(), 0, nil, big.NewInt(0))
		assert.ErrorIs(t, err, ErrNilAmount)
	})

	t.Run("Random Commits Never Violate The Invariant", func(t *testing.T) {
		r, reg := newTestRouter(t, 2)
		for i := 0; i < 100; i++ {
			pools := randSmallPools()
			target := int(randInt(0, int64(len(pools)-1)))
			cash := big.NewInt(randInt(0, 3000))

			plan, err := r.RouteBuy(pools, target, cash)
			require.NoError(t, err)

			before := pmamm.ClonePools(pools)
			receipt, err := r.Commit(pools, target, cash, plan.Flashloan)
			require.NoError(t, err)

			for j := range pools {
				prev, err := before[j].Liquidity(true)
				require.NoError(t, err)
				now, err := pools[j].Liquidity(true)
				require.NoError(t, err)
				assert.True(t, now.Cmp(prev) >= 0)
			}
			assert.True(t, receipt.Refund.Sign() >= 0)
		}
		assert.Equal(t, float64(0), counterValue(t, reg, "router_commits_total", "invariant_violation"))
	})
}
