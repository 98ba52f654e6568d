package conversation

import (
	"sort"
	"sync"
	"time"
)

// Log is an append-only ordered sequence of turns. The coordinator is its only
// writer; readers get copies.
type Log struct {
	mu    sync.RWMutex
	turns []Turn
	next  int64
	now   func() time.Time
}

// NewLog returns an empty log whose first sequence number is 1.
func NewLog() *Log {
	return &Log{turns: make([]Turn, 0, 16), next: 1, now: time.Now}
}

// Append stores t under the next sequence number and returns it. Any sequence
// or timestamp already set on t is overwritten.
func (l *Log) Append(t Turn) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	t.Sequence = l.next
	t.At = l.now()
	l.next++
	l.turns = append(l.turns, t)
	return t.Sequence
}

// UpdateStatus resolves the turn identified by seq. An empty text keeps the
// turn's current text.
func (l *Log) UpdateStatus(seq int64, status Status, text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.indexOf(seq)
	if i < 0 {
		return &NotFoundError{Sequence: seq}
	}
	cur := l.turns[i].Status
	if !cur.canMoveTo(status) {
		return &InvalidTransitionError{Sequence: seq, From: cur, To: status}
	}
	l.turns[i].Status = status
	if text != "" {
		l.turns[i].Text = text
	}
	return nil
}

// Get returns the turn with the given sequence.
func (l *Log) Get(seq int64) (Turn, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i := l.indexOf(seq)
	if i < 0 {
		return Turn{}, false
	}
	return l.turns[i], true
}

// Last returns the most recently appended turn.
func (l *Log) Last() (Turn, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.turns) == 0 {
		return Turn{}, false
	}
	return l.turns[len(l.turns)-1], true
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.turns)
}

// Snapshot returns a copy of every turn in append order.
func (l *Log) Snapshot() []Turn {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Turn, len(l.turns))
	copy(out, l.turns)
	return out
}

// indexOf relies on turns being sorted by sequence, which Append guarantees.
func (l *Log) indexOf(seq int64) int {
	i := sort.Search(len(l.turns), func(i int) bool { return l.turns[i].Sequence >= seq })
	if i < len(l.turns) && l.turns[i].Sequence == seq {
		return i
	}
	return -1
}
