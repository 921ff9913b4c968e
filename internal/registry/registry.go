// Package registry maps authenticated users to their open live connections.
//
// Users are spread over fixed shards, each with its own lock, so delivery to
// one user never waits on connection churn of users in other shards.
package registry

import (
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/loykin/playground/internal/event"
)

const shardCount = 64

// Conn is one live connection. Implementations must be comparable (pointer
// types) and Close must be idempotent.
type Conn interface {
	ID() string
	// Send queues ev without blocking. It returns false when the connection
	// is closed or its queue is full.
	Send(ev event.Event) bool
	Close()
}

// Observer is told about every successful register and unregister.
type Observer interface {
	ConnectionOpened()
	ConnectionClosed()
}

type shard struct {
	mu    sync.RWMutex
	users map[string]map[string]Conn
}

type Registry struct {
	shards   [shardCount]*shard
	observer Observer
	logger   *slog.Logger
}

type Option func(*Registry)

func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observer = o }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

func New(opts ...Option) *Registry {
	r := &Registry{logger: slog.Default()}
	for i := range r.shards {
		r.shards[i] = &shard{users: make(map[string]map[string]Conn)}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) shardFor(userID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return r.shards[h.Sum32()%shardCount]
}

// Register associates c with userID. It returns false if c is already registered.
func (r *Registry) Register(userID string, c Conn) bool {
	s := r.shardFor(userID)
	s.mu.Lock()
	conns, ok := s.users[userID]
	if !ok {
		conns = make(map[string]Conn)
		s.users[userID] = conns
	}
	if _, dup := conns[c.ID()]; dup {
		s.mu.Unlock()
		return false
	}
	conns[c.ID()] = c
	s.mu.Unlock()

	if r.observer != nil {
		r.observer.ConnectionOpened()
	}
	r.logger.Debug("connection registered", "user_id", userID, "conn_id", c.ID())
	return true
}

// Unregister removes c. Only the first of any number of concurrent calls
// for the same connection returns true.
func (r *Registry) Unregister(userID string, c Conn) bool {
	s := r.shardFor(userID)
	s.mu.Lock()
	conns := s.users[userID]
	cur, ok := conns[c.ID()]
	if !ok || cur != c {
		s.mu.Unlock()
		return false
	}
	delete(conns, c.ID())
	if len(conns) == 0 {
		delete(s.users, userID)
	}
	s.mu.Unlock()

	if r.observer != nil {
		r.observer.ConnectionClosed()
	}
	r.logger.Debug("connection unregistered", "user_id", userID, "conn_id", c.ID())
	return true
}

// Deliver queues ev on every connection of userID and returns how many
// accepted it. A user without connections is not an error. Connections that
// refuse the event are unregistered and closed.
func (r *Registry) Deliver(userID string, ev event.Event) int {
	s := r.shardFor(userID)
	s.mu.RLock()
	conns := make([]Conn, 0, len(s.users[userID]))
	for _, c := range s.users[userID] {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	n := 0
	for _, c := range conns {
		if c.Send(ev) {
			n++
			continue
		}
		if r.Unregister(userID, c) {
			r.logger.Warn("dropping slow connection", "user_id", userID, "conn_id", c.ID(), "execution_id", ev.Execution())
		}
		c.Close()
	}
	return n
}

// Count returns the number of connections registered for userID.
func (r *Registry) Count(userID string) int {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users[userID])
}

// Total returns the number of registered connections across all users.
func (r *Registry) Total() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		for _, conns := range s.users {
			n += len(conns)
		}
		s.mu.RUnlock()
	}
	return n
}

// CloseAll unregisters and closes every connection.
func (r *Registry) CloseAll() {
	for _, s := range r.shards {
		s.mu.RLock()
		type entry struct {
			user string
			conn Conn
		}
		var all []entry
		for u, conns := range s.users {
			for _, c := range conns {
				all = append(all, entry{u, c})
			}
		}
		s.mu.RUnlock()
		for _, e := range all {
			r.Unregister(e.user, e.conn)
			e.conn.Close()
		}
	}
}
