// Package session keeps the live conversations of the server, one
// coordinator per call or browser connection.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chadiek/ggtalk/internal/agent"
	"github.com/chadiek/ggtalk/internal/conversation"
)

var ErrNotFound = errors.New("session: not found")

// Backends are the collaborators of one session. Close, when set, runs after
// the coordinator has stopped.
type Backends struct {
	Kind      string
	Capture   agent.Capture
	Playback  agent.Playback
	Responder agent.Responder
	Close     func()
}

type Session struct {
	ID          string
	Kind        string
	CreatedAt   time.Time
	Coordinator *agent.Coordinator

	cancel  context.CancelFunc
	done    chan struct{}
	release func()
	once    sync.Once
}

// Done is closed once the coordinator has stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) stop() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		if s.release != nil {
			s.release()
		}
	})
}

// Info is the listing view of a session.
type Info struct {
	ID        string      `json:"id"`
	Kind      string      `json:"kind"`
	State     agent.State `json:"state"`
	Turns     int         `json:"turns"`
	CreatedAt time.Time   `json:"created_at"`
}

type Registry struct {
	opts   agent.Options
	logger zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry(opts agent.Options, logger zerolog.Logger) *Registry {
	return &Registry{
		opts:     opts,
		logger:   logger.With().Str("component", "sessions").Logger(),
		sessions: make(map[string]*Session),
	}
}

// Start creates a coordinator over b and runs it until ctx ends or the
// session is closed.
func (r *Registry) Start(ctx context.Context, b Backends) (*Session, error) {
	if b.Capture == nil || b.Playback == nil || b.Responder == nil {
		return nil, errors.New("session: capture, playback and responder are required")
	}
	id := uuid.NewString()
	logger := r.logger.With().Str("session", id).Str("kind", b.Kind).Logger()

	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		ID:          id,
		Kind:        b.Kind,
		CreatedAt:   time.Now(),
		Coordinator: agent.NewCoordinator(b.Capture, b.Playback, b.Responder, conversation.NewLog(), r.opts, logger),
		cancel:      cancel,
		done:        make(chan struct{}),
		release:     b.Close,
	}

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	go func() {
		defer close(s.done)
		if err := s.Coordinator.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn().Err(err).Msg("coordinator stopped")
		}
	}()
	logger.Info().Msg("session started")
	return s, nil
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Close stops the session and releases its backends.
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.stop()
	r.logger.Info().Str("session", id).Msg("session closed")
	return nil
}

func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.stop()
		}(s)
	}
	wg.Wait()
}

// List returns the live sessions, oldest first.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		snap := s.Coordinator.Snapshot()
		out = append(out, Info{ID: s.ID, Kind: s.Kind, State: snap.State, Turns: len(snap.Turns), CreatedAt: s.CreatedAt})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
