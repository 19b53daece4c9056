package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"kachery/pkg/clock"
)

const (
	DefaultAuthTTL = 60 * time.Second
	AuthHeader     = "KACHERY-CLIENT-AUTH-CODE"
	AuthFileName   = "client-auth"
)

// authCache re-reads <storage dir>/client-auth at most once per TTL.
type authCache struct {
	clock      clock.Clock
	ttl        time.Duration
	storageDir func(ctx context.Context) (string, error)

	mu   sync.Mutex
	at   time.Time
	code string
}

func (a *authCache) get(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.code != "" && clock.Since(a.clock, a.at) <= a.ttl {
		return a.code, nil
	}

	dir, err := a.storageDir(ctx)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, AuthFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w (perhaps daemon is not running): %s: %w", ErrNoAuthCode, path, err)
	}
	a.code, a.at = strings.TrimSpace(string(data)), a.clock.Now()
	return a.code, nil
}
