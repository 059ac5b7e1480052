// Package kb holds the table of known mesh peers. It is an in-memory,
// thread-safe store keyed by NodeID that notifies subscribers of membership
// and material changes.
package kb

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/thewriterben/WildCAM-ESP32-sub000/model"
)

var (
	// ErrFull is returned by AddNode when the table is at capacity. Existing
	// entries are never evicted to make room.
	ErrFull = errors.New("node table full")
	// ErrExists is returned by AddNode for an ID already in the table.
	ErrExists = errors.New("node already known")
)

// EventType indicates what kind of change happened in the KB.
type EventType int

const (
	EventNodeAdded EventType = iota
	EventNodeUpdated
	EventNodeRemoved
)

func (t EventType) String() string {
	switch t {
	case EventNodeAdded:
		return "added"
	case EventNodeUpdated:
		return "updated"
	case EventNodeRemoved:
		return "removed"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is emitted to subscribers when something interesting happens.
type Event struct {
	Type EventType
	Node model.NetworkNode
}

type subscriber struct {
	id int
	fn func(Event)
}

// KnowledgeBase is the peer table. The local node is never stored in it.
type KnowledgeBase struct {
	mu sync.RWMutex

	nodes    map[model.NodeID]*model.NetworkNode
	capacity int

	subs   []subscriber
	nextID int
}

// NewKnowledgeBase constructs an empty table holding at most capacity
// nodes. A capacity <= 0 means unbounded.
func NewKnowledgeBase(capacity int) *KnowledgeBase {
	return &KnowledgeBase{
		nodes:    make(map[model.NodeID]*model.NetworkNode),
		capacity: capacity,
	}
}

// AddNode inserts a new node.
func (kb *KnowledgeBase) AddNode(n model.NetworkNode) error {
	kb.mu.Lock()
	if _, exists := kb.nodes[n.ID]; exists {
		kb.mu.Unlock()
		return fmt.Errorf("node %s: %w", n.ID, ErrExists)
	}
	if kb.capacity > 0 && len(kb.nodes) >= kb.capacity {
		kb.mu.Unlock()
		return fmt.Errorf("node %s rejected at %d nodes: %w", n.ID, kb.capacity, ErrFull)
	}
	stored := n
	kb.nodes[n.ID] = &stored
	subs := kb.snapshotSubs()
	kb.mu.Unlock()

	notify(subs, Event{Type: EventNodeAdded, Node: n})
	return nil
}

// GetNode returns a copy of the node with the given ID.
func (kb *KnowledgeBase) GetNode(id model.NodeID) (model.NetworkNode, bool) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	n, ok := kb.nodes[id]
	if !ok {
		return model.NetworkNode{}, false
	}
	return n.Clone(), true
}

// Has reports whether id is in the table.
func (kb *KnowledgeBase) Has(id model.NodeID) bool {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	_, ok := kb.nodes[id]
	return ok
}

// UpdateNode mutates the stored node in place. fn reports whether the
// change is material (role or capabilities); only material changes are
// published to subscribers. It returns false if id is unknown.
func (kb *KnowledgeBase) UpdateNode(id model.NodeID, fn func(n *model.NetworkNode) bool) bool {
	kb.mu.Lock()
	n, ok := kb.nodes[id]
	if !ok {
		kb.mu.Unlock()
		return false
	}
	material := fn(n)
	n.ID = id
	event := Event{Type: EventNodeUpdated, Node: *n}
	var subs []subscriber
	if material {
		subs = kb.snapshotSubs()
	}
	kb.mu.Unlock()

	notify(subs, event)
	return true
}

// RemoveNode deletes id and reports whether it was present.
func (kb *KnowledgeBase) RemoveNode(id model.NodeID) bool {
	kb.mu.Lock()
	n, ok := kb.nodes[id]
	if !ok {
		kb.mu.Unlock()
		return false
	}
	delete(kb.nodes, id)
	event := Event{Type: EventNodeRemoved, Node: *n}
	subs := kb.snapshotSubs()
	kb.mu.Unlock()

	notify(subs, event)
	return true
}

// ListNodes returns copies of all nodes ordered by ID.
func (kb *KnowledgeBase) ListNodes() []model.NetworkNode {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	res := make([]model.NetworkNode, 0, len(kb.nodes))
	for _, n := range kb.nodes {
		res = append(res, n.Clone())
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// Len returns the number of nodes.
func (kb *KnowledgeBase) Len() int {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return len(kb.nodes)
}

// Capacity returns the configured maximum, or 0 when unbounded.
func (kb *KnowledgeBase) Capacity() int {
	return kb.capacity
}

// Subscribe registers a callback for KB events. Callbacks run outside the
// lock, on the goroutine that made the change. It returns an unsubscribe
// function.
func (kb *KnowledgeBase) Subscribe(fn func(Event)) (unsubscribe func()) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	kb.nextID++
	id := kb.nextID
	kb.subs = append(kb.subs, subscriber{id: id, fn: fn})

	return func() {
		kb.mu.Lock()
		defer kb.mu.Unlock()
		for i, s := range kb.subs {
			if s.id == id {
				kb.subs = append(kb.subs[:i], kb.subs[i+1:]...)
				return
			}
		}
	}
}

func (kb *KnowledgeBase) snapshotSubs() []subscriber {
	if len(kb.subs) == 0 {
		return nil
	}
	return append([]subscriber(nil), kb.subs...)
}

func notify(subs []subscriber, e Event) {
	for _, s := range subs {
		s.fn(e)
	}
}
