package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrBatchFull is returned when adding beyond a batch's capacity.
	ErrBatchFull = errors.New("batch is full")
	// ErrDuplicatePosition is returned when a position is added twice for one sequence.
	ErrDuplicatePosition = errors.New("duplicate position in batch")
)

// Entry is one token submitted for decoding.
type Entry struct {
	Token  Token
	Pos    int
	SeqID  int
	Logits bool
}

type posKey struct {
	pos, seq int
}

// Batch is a bounded set of entries submitted to a Session in one call.
type Batch struct {
	capacity int
	entries  []Entry
	seen     map[posKey]struct{}
}

// NewBatch returns an empty batch holding at most capacity entries.
func NewBatch(capacity int) *Batch {
	return &Batch{
		capacity: capacity,
		entries:  make([]Entry, 0, capacity),
		seen:     make(map[posKey]struct{}, capacity),
	}
}

// Add appends an entry.
func (b *Batch) Add(tok Token, pos, seq int, logits bool) error {
	if len(b.entries) >= b.capacity {
		return fmt.Errorf("add token at pos %d: %w (capacity %d)", pos, ErrBatchFull, b.capacity)
	}
	k := posKey{pos: pos, seq: seq}
	if _, ok := b.seen[k]; ok {
		return fmt.Errorf("add token at pos %d seq %d: %w", pos, seq, ErrDuplicatePosition)
	}
	b.seen[k] = struct{}{}
	b.entries = append(b.entries, Entry{Token: tok, Pos: pos, SeqID: seq, Logits: logits})
	return nil
}

// Clear removes all entries, keeping capacity.
func (b *Batch) Clear() {
	b.entries = b.entries[:0]
	clear(b.seen)
}

// Len returns the number of entries.
func (b *Batch) Len() int { return len(b.entries) }

// Cap returns the batch capacity.
func (b *Batch) Cap() int { return b.capacity }

// Entries returns the entries in insertion order. Callers must not modify them.
func (b *Batch) Entries() []Entry { return b.entries }

// Validate checks that the batch is non-empty and requests logits for exactly one entry.
func (b *Batch) Validate() error {
	if len(b.entries) == 0 {
		return errors.New("empty batch")
	}
	n := 0
	for _, e := range b.entries {
		if e.Logits {
			n++
		}
	}
	if n != 1 {
		return fmt.Errorf("batch requests logits for %d entries, want 1", n)
	}
	return nil
}
