// Package dynconfig reads operator-controlled variables from the database
// with a short memo so the worker and API can poll them every iteration
// without hammering the store. Values change through Set (admin CLI) or by
// editing the table directly; the memo keeps a change from taking longer
// than the TTL to be noticed.
package dynconfig

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Keys for the variables the landing pipeline consults at runtime. The
// worker.* keys override the static config values of the same name.
const (
	KeyPause           = "landing.pause"
	KeyStop            = "landing.stop"
	KeyThrottleSeconds = "worker.throttle_seconds"
	KeyGraceSeconds    = "worker.grace_seconds"
	KeyCapacity        = "worker.capacity"
)

// DefaultTTL is how long a read is memoised.
const DefaultTTL = 60 * time.Second

// store is the slice of the storage interface dynconfig needs.
type store interface {
	GetConfigVar(ctx context.Context, key string) (value string, ok bool, err error)
	SetConfigVar(ctx context.Context, key, value string) error
}

type entry struct {
	value   string
	ok      bool
	expires time.Time
}

// Vars is a memoised view of the config_vars table.
type Vars struct {
	store store
	ttl   time.Duration

	mu   sync.Mutex
	memo map[string]entry
}

// New returns a view with the given memo TTL. Use DefaultTTL unless a test
// needs faster expiry.
func New(s store, ttl time.Duration) *Vars {
	return &Vars{
		store: s,
		ttl:   ttl,
		memo:  make(map[string]entry),
	}
}

func (v *Vars) lookup(ctx context.Context, key string) (string, bool, error) {
	v.mu.Lock()
	e, cached := v.memo[key]
	v.mu.Unlock()
	if cached && time.Now().Before(e.expires) {
		return e.value, e.ok, nil
	}

	value, ok, err := v.store.GetConfigVar(ctx, key)
	if err != nil {
		return "", false, err
	}

	v.mu.Lock()
	v.memo[key] = entry{value: value, ok: ok, expires: time.Now().Add(v.ttl)}
	v.mu.Unlock()
	return value, ok, nil
}

// Bool reads a boolean variable, returning def when unset. A value that
// does not parse is reported alongside the default so callers can log it
// without treating junk as policy.
func (v *Vars) Bool(ctx context.Context, key string, def bool) (bool, error) {
	value, ok, err := v.lookup(ctx, key)
	if err != nil {
		return def, err
	}
	if !ok {
		return def, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return def, fmt.Errorf("config var %q has non-boolean value %q", key, value)
	}
	return b, nil
}

// Int reads an integer variable, returning def when unset.
func (v *Vars) Int(ctx context.Context, key string, def int) (int, error) {
	value, ok, err := v.lookup(ctx, key)
	if err != nil {
		return def, err
	}
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return def, fmt.Errorf("config var %q has non-integer value %q", key, value)
	}
	return n, nil
}

// Set writes a variable and drops it from the memo so the new value is
// visible to this process immediately. Other processes see it within their
// TTL.
func (v *Vars) Set(ctx context.Context, key, value string) error {
	if err := v.store.SetConfigVar(ctx, key, value); err != nil {
		return err
	}
	v.mu.Lock()
	delete(v.memo, key)
	v.mu.Unlock()
	return nil
}

// Invalidate empties the memo. The worker calls this when the config file
// watcher fires so operator edits land before the TTL.
func (v *Vars) Invalidate() {
	v.mu.Lock()
	v.memo = make(map[string]entry)
	v.mu.Unlock()
}
