package rpcapi

import (
	"math/big"
	"strings"

	pmamm "github.com/defistate/pmamm-router-go/protocols/pmamm"
	"github.com/defistate/pmamm-router-go/router"
	"github.com/defistate/pmamm-router-go/session"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Int is a signed big integer that marshals as 0x-prefixed hex with a leading
// '-' when negative. Quotes and reserve deltas may be negative, which
// hexutil.Big cannot decode.
type Int big.Int

// NewInt returns v as an *Int. A nil v stays nil.
func NewInt(v *big.Int) *Int {
	if v == nil {
		return nil
	}
	return (*Int)(new(big.Int).Set(v))
}

// ToInt returns the value as a *big.Int.
func (i *Int) ToInt() *big.Int {
	return (*big.Int)(i)
}

// String returns the value in hex.
func (i *Int) String() string {
	return hexutil.EncodeBig(i.ToInt())
}

// MarshalText implements encoding.TextMarshaler.
func (i Int) MarshalText() ([]byte, error) {
	return []byte(hexutil.EncodeBig((*big.Int)(&i))), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *Int) UnmarshalText(input []byte) error {
	text := string(input)
	negative := strings.HasPrefix(text, "-")
	v, err := hexutil.DecodeBig(strings.TrimPrefix(text, "-"))
	if err != nil {
		return err
	}
	if negative {
		v.Neg(v)
	}
	i.ToInt().Set(v)
	return nil
}

// PoolView is the wire form of a pool.
type PoolView struct {
	ID        hexutil.Uint64 `json:"id"`
	X         *hexutil.Big   `json:"x"`
	Y         *hexutil.Big   `json:"y"`
	FeeBps    hexutil.Uint64 `json:"feeBps"`
	Liquidity *hexutil.Big   `json:"liquidity"`
	Price     string         `json:"price"` // y / (x + L) as an exact fraction, e.g. "1/4"
}

// StateView is the wire form of a session state.
type StateView struct {
	Sequence  hexutil.Uint64 `json:"sequence"`
	Timestamp hexutil.Uint64 `json:"timestamp"`
	Pools     []PoolView     `json:"pools"`
}

// RoutePlanView is the wire form of a routed buy.
type RoutePlanView struct {
	Target         int  `json:"target"`
	Cash           *Int `json:"cash"`
	FlashloanLimit *Int `json:"flashloanLimit"`
	Flashloan      *Int `json:"flashloan"`
	Output         *Int `json:"output"`
	PlainOutput    *Int `json:"plainOutput"`
}

// LegView is the wire form of one applied swap.
type LegView struct {
	Index  int            `json:"index"`
	PoolID hexutil.Uint64 `json:"poolId"`
	DX     *Int           `json:"dx"`
	DY     *Int           `json:"dy"`
}

// ReceiptView is the wire form of a commit receipt.
type ReceiptView struct {
	Target    int            `json:"target"`
	Flashloan *Int           `json:"flashloan"`
	Sells     []LegView      `json:"sells"`
	Buy       *LegView       `json:"buy,omitempty"`
	Proceeds  *Int           `json:"proceeds"`
	Spent     *Int           `json:"spent"`
	Refund    *Int           `json:"refund"`
	Output    *Int           `json:"output"`
	Applied   []int          `json:"applied"`
	Sequence  hexutil.Uint64 `json:"sequence"`
}

func newPoolView(p pmamm.Pool) (PoolView, error) {
	l, err := p.Liquidity(true)
	if err != nil {
		return PoolView{}, err
	}
	price, err := p.Price()
	if err != nil {
		return PoolView{}, err
	}
	return PoolView{
		ID:        hexutil.Uint64(p.ID),
		X:         (*hexutil.Big)(new(big.Int).Set(p.X)),
		Y:         (*hexutil.Big)(new(big.Int).Set(p.Y)),
		FeeBps:    hexutil.Uint64(p.FeeBps),
		Liquidity: (*hexutil.Big)(l),
		Price:     price.RatString(),
	}, nil
}

func newPoolViews(pools []pmamm.Pool) ([]PoolView, error) {
	views := make([]PoolView, 0, len(pools))
	for _, p := range pools {
		v, err := newPoolView(p)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, nil
}

func newStateView(state session.State) (*StateView, error) {
	pools, err := newPoolViews(state.Pools)
	if err != nil {
		return nil, err
	}
	return &StateView{
		Sequence:  hexutil.Uint64(state.Sequence),
		Timestamp: hexutil.Uint64(state.Timestamp),
		Pools:     pools,
	}, nil
}

func newRoutePlanView(plan *router.Plan) *RoutePlanView {
	return &RoutePlanView{
		Target:         plan.Target,
		Cash:           NewInt(plan.Cash),
		FlashloanLimit: NewInt(plan.FlashloanLimit),
		Flashloan:      NewInt(plan.Flashloan),
		Output:         NewInt(plan.Output),
		PlainOutput:    NewInt(plan.PlainOutput),
	}
}

func newLegView(leg router.Leg) LegView {
	return LegView{
		Index:  leg.Index,
		PoolID: hexutil.Uint64(leg.PoolID),
		DX:     NewInt(leg.DX),
		DY:     NewInt(leg.DY),
	}
}

func newReceiptView(receipt *router.Receipt, sequence uint64) *ReceiptView {
	view := &ReceiptView{
		Target:    receipt.Target,
		Flashloan: NewInt(receipt.Flashloan),
		Sells:     make([]LegView, 0, len(receipt.Sells)),
		Proceeds:  NewInt(receipt.Proceeds),
		Spent:     NewInt(receipt.Spent),
		Refund:    NewInt(receipt.Refund),
		Output:    NewInt(receipt.Output),
		Applied:   receipt.Applied.Indices(),
		Sequence:  hexutil.Uint64(sequence),
	}
	for _, leg := range receipt.Sells {
		view.Sells = append(view.Sells, newLegView(leg))
	}
	if receipt.Buy != nil {
		buy := newLegView(*receipt.Buy)
		view.Buy = &buy
	}
	return view
}
