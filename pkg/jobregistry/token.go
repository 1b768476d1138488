package jobregistry

import "context"

// Token is a cooperative cancellation flag. The executor checks it between
// units of work; it is never used to interrupt a unit in flight.
type Token struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewToken returns an uncancelled token.
func NewToken() *Token {
	ctx, cancel := context.WithCancel(context.Background())
	return &Token{ctx: ctx, cancel: cancel}
}

// Cancel requests cancellation. It is safe to call more than once.
func (t *Token) Cancel() {
	t.cancel()
}

// Cancelled reports whether cancellation was requested.
func (t *Token) Cancelled() bool {
	return t.ctx.Err() != nil
}

// Done is closed once cancellation is requested.
func (t *Token) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Context returns a context cancelled together with the token. Use it only
// for waits between units (rate limiting, back-off), never for a unit.
func (t *Token) Context() context.Context {
	return t.ctx
}
