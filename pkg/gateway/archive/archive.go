// Package archive retains the final extraction of finished sessions so it
// can be fetched after the live connection is gone.
package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vango-go/intake-live/pkg/intake/extraction"
)

const (
	BackendNone     = "none"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"

	DefaultTTL = 24 * time.Hour
)

var ErrNotFound = errors.New("archived session not found")

// Record is the retained state of one ended session.
type Record struct {
	SessionID  string                `json:"session_id"`
	Status     string                `json:"status"`
	Extraction extraction.Extraction `json:"extraction"`
	StartedAt  time.Time             `json:"started_at"`
	EndedAt    time.Time             `json:"ended_at"`
}

type Store interface {
	Save(ctx context.Context, rec Record) error
	Load(ctx context.Context, sessionID string) (Record, error)
	Ping(ctx context.Context) error
	Close() error
}

type Options struct {
	Backend     string
	RedisURL    string
	DatabaseURL string
	TTL         time.Duration
}

// Open builds the store named by opts.Backend. An empty backend means none.
func Open(ctx context.Context, opts Options) (Store, error) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", BackendNone:
		return Nop{}, nil
	case BackendMemory:
		return NewMemory(ttl), nil
	case BackendRedis:
		if strings.TrimSpace(opts.RedisURL) == "" {
			return nil, errors.New("archive: redis_url is required for the redis backend")
		}
		return OpenRedis(ctx, opts.RedisURL, ttl)
	case BackendPostgres:
		if strings.TrimSpace(opts.DatabaseURL) == "" {
			return nil, errors.New("archive: database_url is required for the postgres backend")
		}
		return OpenPostgres(ctx, opts.DatabaseURL)
	default:
		return nil, fmt.Errorf("archive: unknown backend %q", opts.Backend)
	}
}

// Nop discards everything.
type Nop struct{}

func (Nop) Save(context.Context, Record) error { return nil }

func (Nop) Load(context.Context, string) (Record, error) { return Record{}, ErrNotFound }

func (Nop) Ping(context.Context) error { return nil }

func (Nop) Close() error { return nil }
