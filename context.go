package dbusconn

import (
	"context"
	"os"
)

// fdsContextKey is the context key that carries the file descriptors
// received alongside the message currently being decoded.
type fdsContextKey struct{}

func withContextFDs(ctx context.Context, fds []*os.File) context.Context {
	return context.WithValue(ctx, fdsContextKey{}, fds)
}

// contextFD resolves a wire fd index against the fds attached to the
// message currently being decoded.
func contextFD(ctx context.Context, idx uint32) (*os.File, bool) {
	v := ctx.Value(fdsContextKey{})
	if v == nil {
		return nil, false
	}
	fds, ok := v.([]*os.File)
	if !ok || int(idx) >= len(fds) {
		return nil, false
	}
	return fds[idx], true
}

// putFDsContextKey is the context key that carries the output slice
// for file descriptors to be attached to the message being encoded.
type putFDsContextKey struct{}

func withContextPutFDs(ctx context.Context, fds *[]*os.File) context.Context {
	return context.WithValue(ctx, putFDsContextKey{}, fds)
}

func contextFiles(ctx context.Context) (*[]*os.File, bool) {
	v := ctx.Value(putFDsContextKey{})
	if v == nil {
		return nil, false
	}
	fds, ok := v.(*[]*os.File)
	return fds, ok
}
