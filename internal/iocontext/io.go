// Package iocontext carries a command's output streams through its context.
package iocontext

import (
	"context"
	"io"
	"os"
	"sync"
)

// IO holds the streams of one command run. Out and ErrOut are safe for
// concurrent writers such as event callbacks.
type IO struct {
	Out    io.Writer
	ErrOut io.Writer
	In     io.Reader
}

// DefaultIO returns the process streams.
func DefaultIO() *IO {
	return New(os.Stdout, os.Stderr, os.Stdin)
}

// New wraps the given streams. A nil writer discards.
func New(out, errOut io.Writer, in io.Reader) *IO {
	if out == nil {
		out = io.Discard
	}
	if errOut == nil {
		errOut = io.Discard
	}
	return &IO{Out: &lockedWriter{w: out}, ErrOut: &lockedWriter{w: errOut}, In: in}
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

type ioKey struct{}

// WithIO adds IO streams to a context.
func WithIO(ctx context.Context, io *IO) context.Context {
	return context.WithValue(ctx, ioKey{}, io)
}

// GetIO retrieves IO streams from context, defaulting to the process streams.
func GetIO(ctx context.Context) *IO {
	if io, ok := ctx.Value(ioKey{}).(*IO); ok && io != nil {
		return io
	}
	return DefaultIO()
}
