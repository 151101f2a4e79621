package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"time"
)

var ErrCacheMiss = errors.New("cache miss")

// Cache stores analysis results keyed by content. Values are encoded on Set
// and decoded into dest on Get, so callers never share mutable state with
// the cache.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}) error

	Get(ctx context.Context, key string, dest interface{}) error

	Delete(ctx context.Context, key string) error

	Exists(ctx context.Context, key string) (bool, error)

	SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	GetTTL(ctx context.Context, key string) (time.Duration, error)

	GetStats(ctx context.Context) (*CacheStats, error)

	Close() error
}

type CacheStats struct {
	Connected bool   `json:"connected"`
	Items     int    `json:"items"`
	Expired   int    `json:"expired"`
	Hits      int64  `json:"hits"`
	Misses    int64  `json:"misses"`
	MaxSize   int    `json:"max_size"`
	Info      string `json:"info"`
}

// ResultKey identifies an analysis of exactly these video bytes with this
// exercise hint.
func ResultKey(video []byte, hint string) string {
	sum := sha256.Sum256(video)
	return resultKey(sum[:], hint)
}

// ResultKeyFromReader is ResultKey for content that is not in memory.
func ResultKeyFromReader(r io.Reader, hint string) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return resultKey(h.Sum(nil), hint), nil
}

func resultKey(sum []byte, hint string) string {
	return "analysis:" + hex.EncodeToString(sum) + ":" + hint
}
