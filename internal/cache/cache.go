// Package cache persists canonical tables so a session is decoded and
// normalized only once.
package cache

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	perrors "github.com/demolyzer/demolyzer/internal/errors"
	"github.com/demolyzer/demolyzer/pkg/types"
	"github.com/spaolacci/murmur3"
)

// Key identifies a cached table.
type Key string

// Validate rejects keys that cannot be used as a file or object name.
func (k Key) Validate() error {
	s := string(k)
	if s == "" || s == "." || s == ".." || strings.ContainsAny(s, `/\`) {
		return perrors.NewValidationError(perrors.CodeInvalidOptions,
			fmt.Sprintf("invalid cache key %q", s))
	}
	return nil
}

// KeyFor derives the cache key of a session from the absolute source path
// and the decoder tick frequency. The readable part is the source base name;
// the suffix is a 64-bit murmur3 fingerprint.
func KeyFor(source string, tickFrequency int) (Key, error) {
	abs, err := filepath.Abs(source)
	if err != nil {
		return "", perrors.NewValidationError(perrors.CodeInvalidOptions,
			fmt.Sprintf("cannot resolve source path %q: %v", source, err))
	}

	h := murmur3.New64()
	h.Write([]byte(abs))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(tickFrequency)))

	base := strings.TrimSuffix(filepath.Base(abs), filepath.Ext(abs))
	return Key(fmt.Sprintf("%s-%016x", sanitize(base), h.Sum64())), nil
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "session"
	}
	return b.String()
}

// TableCache loads and stores canonical tables by key.
type TableCache interface {
	// Load returns the cached table. found is false on a miss.
	Load(ctx context.Context, key Key) (t *types.Table, found bool, err error)

	// Store saves a table under key, replacing any previous entry.
	Store(ctx context.Context, key Key, t *types.Table) error
}

// Nop is a TableCache that never hits and discards stores.
type Nop struct{}

func (Nop) Load(context.Context, Key) (*types.Table, bool, error) { return nil, false, nil }

func (Nop) Store(context.Context, Key, *types.Table) error { return nil }

// Metrics holds cache statistics.
type Metrics struct {
	Hits   atomic.Int64
	Misses atomic.Int64
	Stores atomic.Int64
	Errors atomic.Int64
}

// HitRate returns the hit rate as a percentage.
func (m *Metrics) HitRate() float64 {
	hits := m.Hits.Load()
	total := hits + m.Misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total) * 100
}

// record updates the counters for one Load outcome.
func (m *Metrics) record(found bool, err error) {
	switch {
	case err != nil:
		m.Errors.Add(1)
	case found:
		m.Hits.Add(1)
	default:
		m.Misses.Add(1)
	}
}
