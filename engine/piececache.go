package engine

import (
	"github.com/jellydator/ttlcache/v3"
)

// CachedModel is a Model whose Detokenize results are memoized in a
// bounded cache.
type CachedModel struct {
	Model
	pieces *ttlcache.Cache[Token, string]
}

// WithPieceCache wraps m with a detokenization cache holding at most
// capacity pieces. A zero capacity returns m unchanged.
func WithPieceCache(m Model, capacity uint64) Model {
	if capacity == 0 {
		return m
	}
	c := ttlcache.New[Token, string](
		ttlcache.WithCapacity[Token, string](capacity),
		ttlcache.WithTTL[Token, string](ttlcache.NoTTL),
	)
	return &CachedModel{Model: m, pieces: c}
}

// Detokenize returns the cached piece for tok, rendering it on a miss.
func (m *CachedModel) Detokenize(tok Token) (string, error) {
	if item := m.pieces.Get(tok); item != nil {
		return item.Value(), nil
	}
	piece, err := m.Model.Detokenize(tok)
	if err != nil {
		return "", err
	}
	m.pieces.Set(tok, piece, ttlcache.DefaultTTL)
	return piece, nil
}

// Metrics reports cache hits and misses.
func (m *CachedModel) Metrics() ttlcache.Metrics {
	return m.pieces.Metrics()
}

// Close drops the cache and closes the wrapped model.
func (m *CachedModel) Close() error {
	m.pieces.DeleteAll()
	return m.Model.Close()
}
