package websocket

import (
	"sync"

	"deskrelay/pkg/interfaces"
)

// Registry tracks which connections belong to which actor and which actors
// follow which topics. It is process-local.
// ARCHITECTURAL DISCOVERY: Pure connection bookkeeping without delivery logic;
// the hub decides what to write, the registry only answers who is here
type Registry struct {
	mu          sync.RWMutex                                // TECHNICAL DISCOVERY: RWMutex optimizes for read-heavy fan-out lookups
	actors      map[string]map[string]interfaces.Connection // actor -> connID -> Connection
	owners      map[string]string                           // connID -> actor
	topics      map[string]map[string]struct{}              // topic -> actors
	actorTopics map[string]map[string]struct{}              // actor -> topics
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		actors:      make(map[string]map[string]interfaces.Connection),
		owners:      make(map[string]string),
		topics:      make(map[string]map[string]struct{}),
		actorTopics: make(map[string]map[string]struct{}),
	}
}

// Add attaches conn to actor. A connection belongs to at most one actor.
func (r *Registry) Add(actor string, conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if actor == "" {
		return ErrEmptyActor
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, exists := r.owners[conn.ID()]; exists {
		if owner == actor {
			return ErrAlreadyRegistered
		}
		return ErrConnectionOwned
	}

	conns := r.actors[actor]
	if conns == nil {
		conns = make(map[string]interfaces.Connection)
		r.actors[actor] = conns
	}
	conns[conn.ID()] = conn
	r.owners[conn.ID()] = actor

	return nil
}

// Remove detaches conn from actor and reports whether anything changed.
// When actor loses its last connection it is dropped from every topic.
func (r *Registry) Remove(actor string, conn interfaces.Connection) bool {
	if conn == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, exists := r.owners[conn.ID()]; !exists || owner != actor {
		return false
	}
	delete(r.owners, conn.ID())

	conns := r.actors[actor]
	delete(conns, conn.ID())
	if len(conns) > 0 {
		return true
	}

	// TECHNICAL DISCOVERY: Clean up empty maps to prevent memory leaks
	delete(r.actors, actor)
	for topic := range r.actorTopics[actor] {
		r.dropSubscriberLocked(topic, actor)
	}
	delete(r.actorTopics, actor)

	return true
}

// Subscribe adds actor to topic. The actor must hold a live connection.
func (r *Registry) Subscribe(actor, topic string) error {
	if actor == "" {
		return ErrEmptyActor
	}
	if topic == "" {
		return ErrEmptyTopic
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.actors[actor]) == 0 {
		return ErrActorNotConnected
	}

	subscribers := r.topics[topic]
	if subscribers == nil {
		subscribers = make(map[string]struct{})
		r.topics[topic] = subscribers
	}
	subscribers[actor] = struct{}{}

	followed := r.actorTopics[actor]
	if followed == nil {
		followed = make(map[string]struct{})
		r.actorTopics[actor] = followed
	}
	followed[topic] = struct{}{}

	return nil
}

// Unsubscribe removes actor from topic; unknown pairs are ignored
func (r *Registry) Unsubscribe(actor, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.dropSubscriberLocked(topic, actor)
	if followed, ok := r.actorTopics[actor]; ok {
		delete(followed, topic)
		if len(followed) == 0 {
			delete(r.actorTopics, actor)
		}
	}
}

func (r *Registry) dropSubscriberLocked(topic, actor string) {
	subscribers, ok := r.topics[topic]
	if !ok {
		return
	}
	delete(subscribers, actor)
	if len(subscribers) == 0 {
		delete(r.topics, topic)
	}
}

// ConnectionsFor returns a snapshot of actor's live connections
func (r *Registry) ConnectionsFor(actor string) []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.actors[actor]
	out := make([]interfaces.Connection, 0, len(conns))
	for _, conn := range conns {
		out = append(out, conn)
	}
	return out
}

// SubscribersFor returns a snapshot of the actors following topic
func (r *Registry) SubscribersFor(topic string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subscribers := r.topics[topic]
	out := make([]string, 0, len(subscribers))
	for actor := range subscribers {
		out = append(out, actor)
	}
	return out
}

// ConnectionsForTopic returns every connection of every subscriber of topic
// FUNCTIONAL DISCOVERY: A connection has exactly one owner, so the result has no duplicates
func (r *Registry) ConnectionsForTopic(topic string) []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []interfaces.Connection
	for actor := range r.topics[topic] {
		for _, conn := range r.actors[actor] {
			out = append(out, conn)
		}
	}
	return out
}

// TopicsFor returns a snapshot of the topics actor follows
func (r *Registry) TopicsFor(actor string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	followed := r.actorTopics[actor]
	out := make([]string, 0, len(followed))
	for topic := range followed {
		out = append(out, topic)
	}
	return out
}

// All returns a snapshot of every registered connection
func (r *Registry) All() []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]interfaces.Connection, 0, len(r.owners))
	for _, conns := range r.actors {
		for _, conn := range conns {
			out = append(out, conn)
		}
	}
	return out
}

// ActorOf returns the actor owning conn
func (r *Registry) ActorOf(conn interfaces.Connection) (string, bool) {
	if conn == nil {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	actor, ok := r.owners[conn.ID()]
	return actor, ok
}

// GetStats returns registry statistics for monitoring and debugging
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subscriptions := 0
	for _, subscribers := range r.topics {
		subscriptions += len(subscribers)
	}

	return map[string]int{
		"total_connections": len(r.owners),
		"actors":            len(r.actors),
		"topics":            len(r.topics),
		"subscriptions":     subscriptions,
	}
}
