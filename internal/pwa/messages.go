package pwa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/adakings/apicache/internal/cache"
)

// MessageType names a worker message.
type MessageType string

// Worker message types.
const (
	MessageGetCacheStatus MessageType = "GET_CACHE_STATUS"
	MessageClearCache     MessageType = "CLEAR_CACHE"
	MessageSkipWaiting    MessageType = "SKIP_WAITING"
)

// Message is the {type, data} envelope exchanged with a service worker.
type Message struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Reply answers a Message.
type Reply struct {
	Type MessageType `json:"type"`
	Data any         `json:"data,omitempty"`
}

// CacheStatus is the GET_CACHE_STATUS payload.
type CacheStatus struct {
	Entries  int                       `json:"entries"`
	Expired  int                       `json:"expired"`
	Bytes    int                       `json:"bytes"`
	Keys     []string                  `json:"keys"`
	Metadata map[string]cache.Metadata `json:"metadata"`
}

// ClearResult is the CLEAR_CACHE payload.
type ClearResult struct {
	Success bool `json:"success"`
	Cleared int  `json:"cleared"`
}

// ErrUnknownMessage is returned for message types the dispatcher does not
// handle.
var ErrUnknownMessage = errors.New("unknown message type")

// CacheControl is the part of the cache store the dispatcher needs.
type CacheControl interface {
	Stats() cache.Stats
	Clear()
}

// Dispatcher answers worker messages. It plays the worker's side of the
// protocol: SKIP_WAITING runs the activate hook.
type Dispatcher struct {
	cache    CacheControl
	activate func(ctx context.Context) error
}

// NewDispatcher returns a Dispatcher. activate may be nil, in which case
// SKIP_WAITING fails with ErrNoUpdate.
func NewDispatcher(c CacheControl, activate func(ctx context.Context) error) *Dispatcher {
	return &Dispatcher{cache: c, activate: activate}
}

// Dispatch handles m.
func (d *Dispatcher) Dispatch(ctx context.Context, m Message) (Reply, error) {
	switch m.Type {
	case MessageGetCacheStatus:
		st := d.cache.Stats()
		keys := make([]string, 0, len(st.Keys))
		for k := range st.Keys {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return Reply{Type: m.Type, Data: CacheStatus{
			Entries:  st.Entries,
			Expired:  st.Expired,
			Bytes:    st.Bytes,
			Keys:     keys,
			Metadata: st.Keys,
		}}, nil
	case MessageClearCache:
		n := d.cache.Stats().Entries
		d.cache.Clear()
		return Reply{Type: m.Type, Data: ClearResult{Success: true, Cleared: n}}, nil
	case MessageSkipWaiting:
		if d.activate == nil {
			return Reply{}, ErrNoUpdate
		}
		if err := d.activate(ctx); err != nil {
			return Reply{}, err
		}
		return Reply{Type: m.Type}, nil
	default:
		return Reply{}, fmt.Errorf("%w: %q", ErrUnknownMessage, m.Type)
	}
}

// DispatchWorker is a Worker whose messages are handled in-process by a
// Dispatcher.
type DispatchWorker struct {
	D *Dispatcher
}

// PostMessage implements Worker.
func (w DispatchWorker) PostMessage(ctx context.Context, m Message) error {
	_, err := w.D.Dispatch(ctx, m)
	return err
}
