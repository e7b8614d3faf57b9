package rpcapi

import (
	"fmt"

	pmamm "github.com/defistate/pmamm-router-go/protocols/pmamm"
	pmammcalculator "github.com/defistate/pmamm-router-go/protocols/pmamm/calculator"
	"github.com/defistate/pmamm-router-go/router"
	"github.com/defistate/pmamm-router-go/session"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// Namespace is the JSON-RPC namespace the API is served under.
const Namespace = "pmamm"

// API exposes a session over JSON-RPC. Execute mutates the in-memory session
// only; nothing is settled anywhere else.
type API struct {
	session *session.Session
}

// NewAPI creates the API for s.
func NewAPI(s *session.Session) *API {
	return &API{session: s}
}

// NewServer returns an rpc.Server with the API registered under Namespace.
func NewServer(s *session.Session) (*rpc.Server, error) {
	server := rpc.NewServer()
	if err := server.RegisterName(Namespace, NewAPI(s)); err != nil {
		server.Stop()
		return nil, fmt.Errorf("failed to register API: %w", err)
	}
	return server, nil
}

// Pools returns the current pool set.
func (api *API) Pools() ([]PoolView, error) {
	return newPoolViews(api.session.Pools())
}

// State returns the current pool set with its sequence number.
func (api *API) State() (*StateView, error) {
	return newStateView(api.session.State())
}

// QuoteExactInput quotes amountIn against the pool at index.
func (api *API) QuoteExactInput(index int, amountIn *hexutil.Big, isBuy bool) (*Int, error) {
	pool, err := api.pool(index)
	if err != nil {
		return nil, err
	}
	if amountIn == nil {
		return nil, pmamm.ErrNilAmount
	}
	out, err := pmammcalculator.QuoteExactInputSingle(pool, amountIn.ToInt(), isBuy)
	if err != nil {
		return nil, err
	}
	return NewInt(out), nil
}

// QuoteExactOutput returns the input required to receive amountOut from the pool at index.
func (api *API) QuoteExactOutput(index int, amountOut *hexutil.Big, isBuy bool) (*Int, error) {
	pool, err := api.pool(index)
	if err != nil {
		return nil, err
	}
	if amountOut == nil {
		return nil, pmamm.ErrNilAmount
	}
	in, err := pmammcalculator.QuoteExactOutputSingle(pool, amountOut.ToInt(), isBuy)
	if err != nil {
		return nil, err
	}
	return NewInt(in), nil
}

// RouteBuy plans a flashloan-assisted buy on the pool at index.
func (api *API) RouteBuy(index int, cash *hexutil.Big) (*RoutePlanView, error) {
	if cash == nil {
		return nil, router.ErrNilAmount
	}
	plan, err := api.session.RouteBuy(index, cash.ToInt())
	if err != nil {
		return nil, err
	}
	return newRoutePlanView(plan), nil
}

// Execute routes and commits a buy on the pool at index.
func (api *API) Execute(index int, cash *hexutil.Big) (*ReceiptView, error) {
	if cash == nil {
		return nil, router.ErrNilAmount
	}
	exec, err := api.session.Execute(index, cash.ToInt())
	if err != nil {
		return nil, err
	}
	return newReceiptView(exec.Receipt, exec.Sequence), nil
}

func (api *API) pool(index int) (pmamm.Pool, error) {
	pool, ok := api.session.Pool(index)
	if !ok {
		return pmamm.Pool{}, fmt.Errorf("%w: %d", router.ErrInvalidTarget, index)
	}
	return pool, nil
}
