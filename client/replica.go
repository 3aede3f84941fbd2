package client

import (
	"sync"

	"github.com/ggoodman/chat-server-go/chat"
)

// Merge appends msg to list unless list already holds a message with the same
// id, and reports whether it was appended. The same message can reach a
// client twice, once as the result of its own addMessage and once as a
// messageAdded push, so merging is keyed on id and never on arrival path.
func Merge(list []chat.Message, msg chat.Message) ([]chat.Message, bool) {
	for _, m := range list {
		if m.ID == msg.ID {
			return list, false
		}
	}
	return append(list, msg), true
}

// Replica is a client-held copy of the message history. It is safe for
// concurrent use.
type Replica struct {
	mu   sync.RWMutex
	msgs []chat.Message
	ids  map[string]struct{}

	lmu       sync.Mutex
	listeners map[int]func(chat.Message)
	nextID    int
}

// NewReplica creates an empty replica.
func NewReplica() *Replica {
	return &Replica{
		ids:       make(map[string]struct{}),
		listeners: make(map[int]func(chat.Message)),
	}
}

// Merge appends msg unless a message with its id is already present, and
// reports whether it was appended. Listeners are notified of appended
// messages only.
func (r *Replica) Merge(msg chat.Message) bool {
	r.mu.Lock()
	if _, ok := r.ids[msg.ID]; ok {
		r.mu.Unlock()
		return false
	}
	r.ids[msg.ID] = struct{}{}
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()

	r.notify(msg)
	return true
}

// Reset replaces the history with snapshot, typically the result of a
// messages query. Messages merged earlier that the snapshot does not hold
// yet are kept after it. Listeners are not notified.
func (r *Replica) Reset(snapshot []chat.Message) {
	msgs := make([]chat.Message, 0, len(snapshot))
	ids := make(map[string]struct{}, len(snapshot))
	for _, m := range snapshot {
		if _, ok := ids[m.ID]; ok {
			continue
		}
		ids[m.ID] = struct{}{}
		msgs = append(msgs, m)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.msgs {
		if _, ok := ids[m.ID]; ok {
			continue
		}
		ids[m.ID] = struct{}{}
		msgs = append(msgs, m)
	}
	r.msgs = msgs
	r.ids = ids
}

// Messages returns a copy of the history in merge order.
func (r *Replica) Messages() []chat.Message {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]chat.Message, len(r.msgs))
	copy(out, r.msgs)
	return out
}

// Len reports the number of messages held.
func (r *Replica) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.msgs)
}

// OnAdd registers fn to be called with every message Merge appends. The
// returned function removes the listener.
func (r *Replica) OnAdd(fn func(chat.Message)) (remove func()) {
	r.lmu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	r.lmu.Unlock()

	return func() {
		r.lmu.Lock()
		delete(r.listeners, id)
		r.lmu.Unlock()
	}
}

func (r *Replica) notify(msg chat.Message) {
	r.lmu.Lock()
	fns := make([]func(chat.Message), 0, len(r.listeners))
	for _, fn := range r.listeners {
		fns = append(fns, fn)
	}
	r.lmu.Unlock()

	for _, fn := range fns {
		fn(msg)
	}
}
