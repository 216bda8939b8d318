// Package waitpoint suspends runs on persisted tokens until an external
// actor completes them or their deadline passes.
package waitpoint

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/pkg/schema"
)

// Token is a freshly created wait handle.
type Token struct {
	ID        string    `json:"token_id"`
	RunID     string    `json:"run_id"`
	NodeID    string    `json:"node_id"`
	URL       string    `json:"url"`
	Tags      []string  `json:"tags,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Output is the step output recorded while the node is waiting.
func (t *Token) Output() map[string]any {
	return map[string]any{
		"token_id":   t.ID,
		"url":        t.URL,
		"expires_at": t.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

// Resolution is the outcome of a wait: completion or timeout.
type Resolution struct {
	TokenID    string                `json:"token_id"`
	Status     store.WaitTokenStatus `json:"status"`
	Payload    any                   `json:"payload"`
	ResolvedAt time.Time             `json:"resolved_at"`
}

// TimedOut reports whether the token expired before completion.
func (r *Resolution) TimedOut() bool { return r.Status == store.WaitTokenTimedOut }

// Output is the step output recorded once the wait resolves.
func (r *Resolution) Output() map[string]any {
	return map[string]any{
		"token_id":    r.TokenID,
		"status":      string(r.Status),
		"timed_out":   r.TimedOut(),
		"payload":     r.Payload,
		"resolved_at": r.ResolvedAt.UTC().Format(time.RFC3339),
	}
}

// Coordinator creates, awaits and completes wait tokens.
type Coordinator interface {
	CreateToken(ctx context.Context, runID, nodeID string, timeout time.Duration, tags []string) (*Token, error)
	AwaitToken(ctx context.Context, tokenID string) (*Resolution, error)
	CompleteToken(ctx context.Context, tokenID string, payload any) (*Resolution, error)
}

// StoreCoordinator is a Coordinator backed by the store's wait_tokens
// table. Deadlines come from the persisted expires_at, so a restarted
// process keeps the original timeout.
type StoreCoordinator struct {
	store   store.Store
	baseURL string
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	waiters map[string]map[chan struct{}]struct{}
}

// Option configures a StoreCoordinator.
type Option func(*StoreCoordinator)

// WithBaseURL sets the public base URL used to build callback URLs.
func WithBaseURL(u string) Option {
	return func(c *StoreCoordinator) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *StoreCoordinator) { c.logger = l }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *StoreCoordinator) { c.now = now }
}

// NewStoreCoordinator creates a coordinator over s.
func NewStoreCoordinator(s store.Store, opts ...Option) *StoreCoordinator {
	c := &StoreCoordinator{
		store:   s,
		logger:  slog.Default(),
		now:     func() time.Time { return time.Now().UTC() },
		waiters: make(map[string]map[chan struct{}]struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// CallbackURL returns the completion URL for a token.
func (c *StoreCoordinator) CallbackURL(tokenID string) string {
	return c.baseURL + "/tokens/" + tokenID + "/complete"
}

// CreateToken persists a pending token that expires after timeout.
func (c *StoreCoordinator) CreateToken(ctx context.Context, runID, nodeID string, timeout time.Duration, tags []string) (*Token, error) {
	if timeout <= 0 {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "wait timeout must be positive, got %s", timeout).WithNode(nodeID)
	}
	now := c.now()
	rec := &store.WaitToken{
		ID:        uuid.New().String(),
		RunID:     runID,
		NodeID:    nodeID,
		Status:    store.WaitTokenPending,
		Tags:      tags,
		ExpiresAt: now.Add(timeout),
		CreatedAt: now,
	}
	if err := c.store.CreateWaitToken(ctx, rec); err != nil {
		return nil, schema.NewError(schema.ErrCodeWaitFailed, "create wait token").WithNode(nodeID).WithCause(err)
	}
	c.logger.InfoContext(ctx, "wait token created", "token_id", rec.ID, "expires_at", rec.ExpiresAt)
	return &Token{
		ID:        rec.ID,
		RunID:     runID,
		NodeID:    nodeID,
		URL:       c.CallbackURL(rec.ID),
		Tags:      tags,
		ExpiresAt: rec.ExpiresAt,
	}, nil
}

// AwaitToken blocks until the token is completed, its deadline passes, or
// ctx is done. A token that is already resolved returns immediately.
func (c *StoreCoordinator) AwaitToken(ctx context.Context, tokenID string) (*Resolution, error) {
	ch := c.waiter(tokenID)
	defer c.release(tokenID, ch)

	tok, err := c.store.GetWaitToken(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if tok.Status != store.WaitTokenPending {
		return resolutionOf(tok), nil
	}

	timer := time.NewTimer(max(tok.ExpiresAt.Sub(c.now()), 0))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-ch:
		tok, err := c.store.GetWaitToken(ctx, tokenID)
		if err != nil {
			return nil, err
		}
		return resolutionOf(tok), nil
	case <-timer.C:
		return c.expire(ctx, tokenID)
	}
}

// CompleteToken resolves a pending token with payload and wakes its waiter.
// Completing an expired token marks it timed out and returns CONFLICT.
func (c *StoreCoordinator) CompleteToken(ctx context.Context, tokenID string, payload any) (*Resolution, error) {
	tok, err := c.store.GetWaitToken(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if tok.Status == store.WaitTokenPending && !c.now().Before(tok.ExpiresAt) {
		res, err := c.expire(ctx, tokenID)
		if err != nil {
			return nil, err
		}
		return res, schema.NewErrorf(schema.ErrCodeConflict, "wait token %q expired", tokenID)
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	resolved, err := c.store.ResolveWaitToken(ctx, tokenID, store.WaitTokenCompleted, raw)
	if err != nil {
		return nil, err
	}
	c.notify(tokenID)
	c.logger.InfoContext(ctx, "wait token completed", "token_id", tokenID, "run_id", resolved.RunID)
	return resolutionOf(resolved), nil
}

// Pending lists tokens still awaiting resolution.
func (c *StoreCoordinator) Pending(ctx context.Context) ([]*store.WaitToken, error) {
	status := store.WaitTokenPending
	return c.store.ListWaitTokens(ctx, store.WaitTokenFilter{Status: &status})
}

// ExpireOverdue marks every pending token past its deadline as timed out
// and returns how many were expired.
func (c *StoreCoordinator) ExpireOverdue(ctx context.Context) (int, error) {
	pending, err := c.Pending(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	now := c.now()
	for _, tok := range pending {
		if now.Before(tok.ExpiresAt) {
			continue
		}
		if _, err := c.expire(ctx, tok.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (c *StoreCoordinator) expire(ctx context.Context, tokenID string) (*Resolution, error) {
	tok, err := c.store.ResolveWaitToken(ctx, tokenID, store.WaitTokenTimedOut, nil)
	// A CONFLICT means a completion won the race; report whatever won.
	if err != nil && (tok == nil || !schema.HasCode(err, schema.ErrCodeConflict)) {
		return nil, err
	}
	c.notify(tokenID)
	if tok.Status == store.WaitTokenTimedOut {
		c.logger.InfoContext(ctx, "wait token timed out", "token_id", tokenID)
	}
	return resolutionOf(tok), nil
}

func (c *StoreCoordinator) waiter(tokenID string) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.waiters[tokenID]
	if !ok {
		set = make(map[chan struct{}]struct{})
		c.waiters[tokenID] = set
	}
	ch := make(chan struct{})
	set[ch] = struct{}{}
	return ch
}

func (c *StoreCoordinator) release(tokenID string, ch chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if set, ok := c.waiters[tokenID]; ok {
		delete(set, ch)
		if len(set) == 0 {
			delete(c.waiters, tokenID)
		}
	}
}

func (c *StoreCoordinator) notify(tokenID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ch := range c.waiters[tokenID] {
		close(ch)
	}
	delete(c.waiters, tokenID)
}

func resolutionOf(tok *store.WaitToken) *Resolution {
	res := &Resolution{TokenID: tok.ID, Status: tok.Status}
	if tok.ResolvedAt != nil {
		res.ResolvedAt = *tok.ResolvedAt
	}
	if len(tok.Payload) > 0 {
		var v any
		if err := json.Unmarshal(tok.Payload, &v); err == nil {
			res.Payload = v
		}
	}
	return res
}

func marshalPayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, schema.NewError(schema.ErrCodeValidation, "payload is not valid JSON")
		}
		return p, nil
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "payload is not JSON-serializable").WithCause(err)
		}
		return b, nil
	}
}

var _ Coordinator = (*StoreCoordinator)(nil)
