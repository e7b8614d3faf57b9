package session

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	pmamm "github.com/defistate/pmamm-router-go/protocols/pmamm"
	"github.com/defistate/pmamm-router-go/protocols/pmamm/indexer"
	"github.com/defistate/pmamm-router-go/router"
)

// ErrCommitFailed wraps a commit whose applied swaps were rolled back.
var ErrCommitFailed = errors.New("commit failed")

// Logger defines a standard interface for structured, leveled logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config holds the initial pool set and dependencies of a Session.
type Config struct {
	Pools  []pmamm.Pool
	Router *router.Router
	Logger Logger
}

func (c *Config) validate() error {
	if c.Router == nil {
		return errors.New("config: Router cannot be nil")
	}
	if c.Logger == nil {
		return errors.New("config: Logger cannot be nil")
	}
	for _, p := range c.Pools {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	return nil
}

// State is a point-in-time copy of the session's pool set.
type State struct {
	Sequence  uint64       `json:"sequence"`  // increases by one on every mutation
	Timestamp uint64       `json:"timestamp"` // Unix nanoseconds of the last mutation
	Pools     []pmamm.Pool `json:"pools"`
}

// Session owns a pool set and serializes every mutation of it. Routing runs
// concurrently under a read lock; commits and external updates take the write lock.
type Session struct {
	mu        sync.RWMutex
	pools     []pmamm.Pool
	index     indexer.IndexedPMAMM
	indexer   *indexer.Indexer
	router    *router.Router
	logger    Logger
	sequence  uint64
	timestamp uint64

	nextSubscriber uint64
	subscribers    map[uint64]chan Update
}

// Update is published to subscribers after every mutation. Applying Diff to
// the pools at FromSequence yields the pools at ToSequence.
type Update struct {
	FromSequence uint64                `json:"fromSequence"`
	ToSequence   uint64                `json:"toSequence"`
	Timestamp    uint64                `json:"timestamp"`
	Diff         pmamm.PMAMMSystemDiff `json:"diff"`
}

// NewSession creates a session over a deep copy of cfg.Pools.
func NewSession(cfg *Config) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s := &Session{
		indexer:     indexer.New(),
		router:      cfg.Router,
		logger:      cfg.Logger,
		subscribers: make(map[uint64]chan Update),
	}
	s.replace(pmamm.ClonePools(cfg.Pools))
	return s, nil
}

// replace installs pools as the current state. Callers hold the write lock or own s exclusively.
func (s *Session) replace(pools []pmamm.Pool) {
	s.pools = pools
	s.index = s.indexer.Index(pools)
	s.timestamp = uint64(time.Now().UnixNano())
}

// Pools returns a deep copy of the current pool set.
func (s *Session) Pools() []pmamm.Pool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return pmamm.ClonePools(s.pools)
}

// State returns a deep copy of the current pool set with its sequence number.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return State{
		Sequence:  s.sequence,
		Timestamp: s.timestamp,
		Pools:     pmamm.ClonePools(s.pools),
	}
}

// Sequence returns the number of mutations applied so far.
func (s *Session) Sequence() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sequence
}

// Pool returns a copy of the pool at index.
func (s *Session) Pool(index int) (pmamm.Pool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index < 0 || index >= len(s.pools) {
		return pmamm.Pool{}, false
	}
	return s.pools[index].Clone(), true
}

// IndexOf resolves a pool ID to its position in the pool set.
func (s *Session) IndexOf(poolID uint64) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.IndexOf(poolID)
}

// RouteBuy plans a buy of the target pool's outcome token against the current state.
func (s *Session) RouteBuy(target int, cash *big.Int) (*router.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.router.RouteBuy(s.pools, target, cash)
}

// Commit applies a buy with the given flashloan. Either every leg is applied or
// none is: on failure the pools touched by the partial commit are restored and
// the error wraps ErrCommitFailed. On success it returns the receipt and the
// diff of the pools that changed.
func (s *Session) Commit(target int, cash, flashloan *big.Int) (*router.Receipt, pmamm.PMAMMSystemDiff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commit(target, cash, flashloan)
}

// Execution is the outcome of Execute.
type Execution struct {
	Plan     *router.Plan
	Receipt  *router.Receipt
	Diff     pmamm.PMAMMSystemDiff
	Sequence uint64 // session sequence once the commit settled
}

// Execute routes a buy and commits the resulting plan under a single lock, so
// the plan cannot go stale between the two steps. When the commit fails the
// returned Execution still carries the plan and the partial receipt.
func (s *Session) Execute(target int, cash *big.Int) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	plan, err := s.router.RouteBuy(s.pools, target, cash)
	if err != nil {
		return nil, err
	}
	receipt, diff, err := s.commit(target, cash, plan.Flashloan)
	return &Execution{
		Plan:     plan,
		Receipt:  receipt,
		Diff:     diff,
		Sequence: s.sequence,
	}, err
}

func (s *Session) commit(target int, cash, flashloan *big.Int) (*router.Receipt, pmamm.PMAMMSystemDiff, error) {
	snapshot := pmamm.ClonePools(s.pools)

	receipt, err := s.router.Commit(s.pools, target, cash, flashloan)
	if err != nil {
		if receipt == nil {
			// rejected before any swap
			return nil, pmamm.PMAMMSystemDiff{}, err
		}
		restored := receipt.Applied.Indices()
		for _, j := range restored {
			s.pools[j] = snapshot[j]
		}
		s.logger.Warn("rolled back partial commit", "target", target, "restored", restored, "error", err)
		return receipt, pmamm.PMAMMSystemDiff{}, fmt.Errorf("%w: %w", ErrCommitFailed, err)
	}

	diff := pmamm.Differ(snapshot, s.pools)
	if !diff.IsEmpty() {
		s.sequence++
		s.timestamp = uint64(time.Now().UnixNano())
		s.publish(diff)
	}
	s.logger.Debug("session commit", "sequence", s.sequence, "updated", len(diff.Updates))
	return receipt, diff, nil
}

// ApplyDiff applies an external update to the pool set. Updated pools keep
// their position, deleted pools are removed and new pools are appended.
func (s *Session) ApplyDiff(diff pmamm.PMAMMSystemDiff) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if diff.IsEmpty() {
		return nil
	}

	pools, err := pmamm.Patcher(s.pools, diff)
	if err != nil {
		return err
	}
	applied := pmamm.Differ(s.pools, pools)
	s.replace(pools)
	s.sequence++
	s.publish(applied)
	s.logger.Info("applied pool diff",
		"sequence", s.sequence,
		"additions", len(diff.Additions),
		"updates", len(diff.Updates),
		"deletions", len(diff.Deletions),
	)
	return nil
}

// Subscribe returns the current state together with a channel that receives
// every later Update in order. A subscriber that falls more than buffer updates
// behind is dropped and its channel closed; it must subscribe again. The
// returned function cancels the subscription.
func (s *Session) Subscribe(buffer int) (State, <-chan Update, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSubscriber
	s.nextSubscriber++
	ch := make(chan Update, max(buffer, 1))
	s.subscribers[id] = ch

	state := State{
		Sequence:  s.sequence,
		Timestamp: s.timestamp,
		Pools:     pmamm.ClonePools(s.pools),
	}
	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if ch, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(ch)
		}
	}
	return state, ch, cancel
}

// publish sends diff to every subscriber. Callers hold the write lock.
func (s *Session) publish(diff pmamm.PMAMMSystemDiff) {
	update := Update{
		FromSequence: s.sequence - 1,
		ToSequence:   s.sequence,
		Timestamp:    s.timestamp,
		Diff:         diff,
	}
	for id, ch := range s.subscribers {
		select {
		case ch <- update:
		default:
			s.logger.Warn("dropping slow subscriber", "subscriber", id, "sequence", s.sequence)
			delete(s.subscribers, id)
			close(ch)
		}
	}
}
