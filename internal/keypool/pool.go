package keypool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrNoCredentials is returned when the pool was constructed empty. This is a
// configuration error: it is raised on first use, never retried.
var ErrNoCredentials = errors.New("keypool: no credentials configured")

// DefaultSuspendCooldown is how long a rate-limited credential stays out of
// rotation before it becomes eligible again.
const DefaultSuspendCooldown = time.Hour

// rateLimitPhrases is a deliberately loose match set: upstream error shapes
// are not guaranteed, so any of these substrings counts as a rate limit.
var rateLimitPhrases = []string{
	"rate limit",
	"rate_limit",
	"ratelimit",
	"too many requests",
	"quota",
	"429",
}

// Pool rotates a fixed set of API credentials, suspending the ones that hit
// rate limits and retrying calls on the survivors. All state is instance
// scoped so callers can own and inject their pool.
type Pool struct {
	mu        sync.Mutex
	creds     []string
	suspended map[string]struct{}
	cursor    int

	// SuspendCooldown and the clock hooks are swappable for tests.
	SuspendCooldown time.Duration
	sleep           func(context.Context, time.Duration) error
	after           func(time.Duration, func()) *time.Timer
}

// New constructs a Pool over the given credentials. An empty slice is
// accepted; Acquire reports ErrNoCredentials when the pool is actually used.
func New(creds []string) *Pool {
	return &Pool{
		creds:           append([]string(nil), creds...),
		suspended:       make(map[string]struct{}),
		SuspendCooldown: DefaultSuspendCooldown,
		sleep:           sleepCtx,
		after:           time.AfterFunc,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Size returns the number of credentials in the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.creds)
}

// Acquire returns the next non-suspended credential starting from the
// rotation cursor and advances the cursor past it. If every credential is
// suspended, all suspensions are cleared and the first credential is returned:
// a stale key beats a hard failure.
func (p *Pool) Acquire() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.creds) == 0 {
		return "", ErrNoCredentials
	}
	for i := 0; i < len(p.creds); i++ {
		idx := (p.cursor + i) % len(p.creds)
		cred := p.creds[idx]
		if _, bad := p.suspended[cred]; bad {
			continue
		}
		p.cursor = (idx + 1) % len(p.creds)
		return cred, nil
	}
	// Every credential is cooling down; graceful degradation.
	p.suspended = make(map[string]struct{})
	p.cursor = 1 % len(p.creds)
	return p.creds[0], nil
}

// Suspend takes a credential out of rotation and schedules its return after
// the cooldown.
func (p *Pool) Suspend(cred string) {
	p.mu.Lock()
	p.suspended[cred] = struct{}{}
	cooldown := p.SuspendCooldown
	p.mu.Unlock()

	p.after(cooldown, func() {
		p.mu.Lock()
		delete(p.suspended, cred)
		p.mu.Unlock()
	})
}

// SuspendedCount reports how many credentials are currently out of rotation.
func (p *Pool) SuspendedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.suspended)
}

// IsRateLimited classifies an error as a rate limit. A surfaced HTTP 429
// (via StatusCoder) is definitive; otherwise the error text is matched
// case-insensitively against known phrasings.
func (p *Pool) IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var sc StatusCoder
	if errors.As(err, &sc) && sc.StatusCode() == 429 {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, phrase := range rateLimitPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

// StatusCoder is implemented by errors that carry an upstream HTTP status.
type StatusCoder interface {
	error
	StatusCode() int
}

// Invoke runs fn with an acquired credential, rotating and retrying on rate
// limits. Attempts are strictly sequential: suspend the credential just used,
// wait 1s x attempt, try the next. Non-rate-limit errors propagate after a
// single attempt. Exhaustion yields an aggregate error naming the last cause.
func (p *Pool) Invoke(ctx context.Context, fn func(ctx context.Context, cred string) error) error {
	attempts := p.Size()
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		cred, err := p.Acquire()
		if err != nil {
			return err
		}
		err = fn(ctx, cred)
		if err == nil {
			return nil
		}
		if !p.IsRateLimited(err) {
			return err
		}
		lastErr = err
		p.Suspend(cred)
		if attempt < attempts {
			if serr := p.sleep(ctx, time.Duration(attempt)*time.Second); serr != nil {
				return serr
			}
		}
	}
	return fmt.Errorf("keypool: all %d credentials rate limited, last error: %w", attempts, lastErr)
}

// InvokeT is Invoke for calls that produce a value.
func InvokeT[T any](ctx context.Context, p *Pool, fn func(ctx context.Context, cred string) (T, error)) (T, error) {
	var out T
	err := p.Invoke(ctx, func(ctx context.Context, cred string) error {
		v, err := fn(ctx, cred)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
