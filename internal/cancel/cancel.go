// Package cancel provides the cooperative cancellation token shared by a
// stream session and an agent loop.
package cancel

import (
	"context"
	"errors"
	"sync"
)

var ErrCancelled = errors.New("execution cancelled")

// Token is a pollable, idempotent cancellation signal backed by a context.
type Token struct {
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu     sync.Mutex
	reason string
}

// New returns a token that is also cancelled when parent is done.
func New(parent context.Context) *Token {
	ctx, cancel := context.WithCancelCause(parent)
	return &Token{ctx: ctx, cancel: cancel}
}

// Cancel requests cancellation. Only the first reason is kept.
func (t *Token) Cancel(reason string) {
	t.mu.Lock()
	if t.ctx.Err() == nil && t.reason == "" {
		t.reason = reason
	}
	t.mu.Unlock()
	t.cancel(ErrCancelled)
}

// Cancelled reports whether cancellation was requested or the parent ended.
func (t *Token) Cancelled() bool {
	return t.ctx.Err() != nil
}

func (t *Token) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Context returns the context every suspension point should observe.
func (t *Token) Context() context.Context {
	return t.ctx
}

// Err returns nil until cancelled, then ErrCancelled or the parent's cause.
func (t *Token) Err() error {
	if t.ctx.Err() == nil {
		return nil
	}
	return context.Cause(t.ctx)
}

// Reason returns the reason given to the first Cancel call.
func (t *Token) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}
