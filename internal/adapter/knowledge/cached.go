package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sort"
	"time"

	"github.com/concilium/concilium/internal/domain/delib"
	"github.com/concilium/concilium/internal/port/cache"
	"github.com/concilium/concilium/internal/port/knowledge"
)

// Cached wraps a Source with a byte cache so identical case/specialty
// lookups within the TTL hit memory.
type Cached struct {
	src   knowledge.Source
	cache cache.Cache
	ttl   time.Duration
	log   *slog.Logger
}

var _ knowledge.Source = (*Cached)(nil)

// NewCached decorates src with c. Cache failures fall through to the
// underlying source.
func NewCached(src knowledge.Source, c cache.Cache, ttl time.Duration, log *slog.Logger) *Cached {
	return &Cached{src: src, cache: c, ttl: ttl, log: log}
}

// Context returns the cached context for the case/specialty pair, consulting
// the underlying source on a miss.
func (cc *Cached) Context(ctx context.Context, c delib.CaseInfo, specialty string) (string, error) {
	key := lookupKey(c, specialty)

	if data, ok, err := cc.cache.Get(ctx, key); err == nil && ok {
		return string(data), nil
	} else if err != nil {
		cc.log.Warn("knowledge cache read failed", "error", err)
	}

	text, err := cc.src.Context(ctx, c, specialty)
	if err != nil {
		return "", err
	}

	if err := cc.cache.Set(ctx, key, []byte(text), cc.ttl); err != nil {
		cc.log.Warn("knowledge cache write failed", "error", err)
	}
	return text, nil
}

// lookupKey hashes the case fields in a deterministic order so equal cases
// produce equal keys regardless of map iteration.
func lookupKey(c delib.CaseInfo, specialty string) string {
	fields := make([]string, 0, len(c))
	for k := range c {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	h := sha256.New()
	h.Write([]byte(specialty))
	for _, f := range fields {
		h.Write([]byte{0})
		h.Write([]byte(f))
		h.Write([]byte{0})
		h.Write([]byte(c[f]))
	}
	return "knowledge:" + hex.EncodeToString(h.Sum(nil))
}
