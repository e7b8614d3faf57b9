package rpcapi

import (
	"context"
	"encoding/json"
	"time"

	"github.com/defistate/pmamm-router-go/session"
	"github.com/ethereum/go-ethereum/rpc"
)

const (
	// StateStreamSubscriptionMethod is subscribed to as pmamm_subscribe("subscribeStateStream").
	StateStreamSubscriptionMethod = "subscribeStateStream"

	EventTypeFull = "full"
	EventTypeDiff = "diff"

	// DefaultStreamBuffer is how many updates a stream may lag before it is resynchronized.
	DefaultStreamBuffer = 64
)

// SubscriptionEvent is the notification sent on the state stream. A "full"
// payload is a session.State, a "diff" payload a session.Update.
type SubscriptionEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	SentAt  int64           `json:"sentAt"` // Unix nanoseconds
}

func newEvent(eventType string, payload any) (*SubscriptionEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &SubscriptionEvent{Type: eventType, Payload: data, SentAt: time.Now().UnixNano()}, nil
}

// SubscribeStateStream streams the session state: one full event, then a
// diff event per mutation. A subscriber that falls behind receives a fresh
// full event instead of the diffs it missed.
func (api *API) SubscribeStateStream(ctx context.Context) (*rpc.Subscription, error) {
	notifier, supported := rpc.NotifierFromContext(ctx)
	if !supported {
		return nil, rpc.ErrNotificationsUnsupported
	}

	rpcSub := notifier.CreateSubscription()
	go func() {
		for {
			state, updates, cancel := api.session.Subscribe(DefaultStreamBuffer)
			resync, err := api.stream(notifier, rpcSub, state, updates)
			cancel()
			if err != nil || !resync {
				return
			}
		}
	}()
	return rpcSub, nil
}

// stream forwards state and then updates until the subscription ends or the
// updates channel is closed. It reports whether the caller should resubscribe.
func (api *API) stream(notifier *rpc.Notifier, rpcSub *rpc.Subscription, state session.State, updates <-chan session.Update) (bool, error) {
	full, err := newEvent(EventTypeFull, state)
	if err != nil {
		return false, err
	}
	if err := notifier.Notify(rpcSub.ID, full); err != nil {
		return false, err
	}

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return true, nil
			}
			event, err := newEvent(EventTypeDiff, update)
			if err != nil {
				return false, err
			}
			if err := notifier.Notify(rpcSub.ID, event); err != nil {
				return false, err
			}
		case <-rpcSub.Err():
			return false, nil
		}
	}
}
