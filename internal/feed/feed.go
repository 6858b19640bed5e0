// Package feed is an in-process change feed. Writers publish row changes
// after they commit; subscribers receive them per table, optionally narrowed
// by an equality filter on one column.
package feed

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

type EventType string

const (
	Insert EventType = "INSERT"
	Update EventType = "UPDATE"
	Delete EventType = "DELETE"
)

// Change is one committed row change. New is empty for deletes, Old is empty for inserts.
type Change struct {
	Seq   int64             `json:"seq"`
	Table string            `json:"table"`
	Type  EventType         `json:"type"`
	New   json.RawMessage   `json:"new,omitempty"`
	Old   json.RawMessage   `json:"old,omitempty"`
	Keys  map[string]string `json:"keys,omitempty"`
}

// Filter narrows a subscription to changes whose Keys[Column] equals Value.
// The zero Filter matches every change.
type Filter struct {
	Column string `json:"column,omitempty"`
	Value  string `json:"value,omitempty"`
}

func (f Filter) Match(c Change) bool {
	if f.Column == "" {
		return true
	}
	return c.Keys[f.Column] == f.Value
}

type Handler func(Change)

type subscription struct {
	id      int
	filter  Filter
	handler Handler
}

// Hub fans changes out to subscribers. Delivery is synchronous on the
// publisher's goroutine and happens in Seq order; handlers must not publish.
type Hub struct {
	mu      sync.Mutex
	deliver sync.Mutex
	subs    map[string][]subscription
	history []Change
	maxHist int
	seq     int64
	nextID  int
	logger  *zerolog.Logger
}

const defaultHistory = 1000

func NewHub(logger *zerolog.Logger) *Hub {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Hub{
		subs:    make(map[string][]subscription),
		maxHist: defaultHistory,
		logger:  logger,
	}
}

// Publish stamps c with the next sequence number and delivers it.
func (h *Hub) Publish(c Change) Change {
	h.deliver.Lock()
	defer h.deliver.Unlock()

	h.mu.Lock()
	h.seq++
	c.Seq = h.seq
	h.history = append(h.history, c)
	if len(h.history) > h.maxHist {
		h.history = h.history[len(h.history)-h.maxHist:]
	}
	var targets []Handler
	for _, s := range h.subs[c.Table] {
		if s.filter.Match(c) {
			targets = append(targets, s.handler)
		}
	}
	h.mu.Unlock()

	h.logger.Debug().Str("table", c.Table).Str("type", string(c.Type)).Int64("seq", c.Seq).
		Int("subscribers", len(targets)).Msg("feed publish")
	for _, fn := range targets {
		fn(c)
	}
	return c
}

// Subscribe registers handler for changes on table. The returned function
// unsubscribes and is safe to call more than once.
func (h *Hub) Subscribe(table string, f Filter, handler Handler) (func(), error) {
	if table == "" {
		return nil, errors.New("feed: table is required")
	}
	if handler == nil {
		return nil, errors.New("feed: handler is required")
	}
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[table] = append(h.subs[table], subscription{id: id, filter: f, handler: handler})
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			entries := h.subs[table]
			kept := entries[:0]
			for _, s := range entries {
				if s.id != id {
					kept = append(kept, s)
				}
			}
			if len(kept) == 0 {
				delete(h.subs, table)
			} else {
				h.subs[table] = kept
			}
		})
	}, nil
}

// Since returns retained changes on table after seq, oldest first. It lets a
// reconnecting stream replay what it missed.
func (h *Hub) Since(table string, f Filter, seq int64) []Change {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Change
	for _, c := range h.history {
		if c.Seq > seq && c.Table == table && f.Match(c) {
			out = append(out, c)
		}
	}
	return out
}

// Seq returns the last published sequence number.
func (h *Hub) Seq() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seq
}

// Retains reports whether every change published after seq is still held,
// so a stream resuming from seq can replay without gaps. It is false for a
// seq the hub never issued, as after a restart.
func (h *Hub) Retains(seq int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case seq > h.seq:
		return false
	case seq == h.seq:
		return true
	}
	return len(h.history) > 0 && h.history[0].Seq <= seq+1
}
