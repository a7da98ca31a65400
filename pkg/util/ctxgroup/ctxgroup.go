// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package ctxgroup wraps golang.org/x/sync/errgroup with a context func.
//
// The context handed to each function is canceled when any function in the
// group returns an error, and Wait returns the first such error:
//
//	g := ctxgroup.WithContext(ctx)
//	g.GoCtx(func(ctx context.Context) error { return produce(ctx) })
//	g.GoCtx(func(ctx context.Context) error { return consume(ctx) })
//	return g.Wait()
package ctxgroup

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Group wraps errgroup.
type Group struct {
	wrapped *errgroup.Group
	ctx     context.Context
}

// WithContext returns a new Group and an associated Context derived from ctx.
func WithContext(ctx context.Context) Group {
	grp, ctx := errgroup.WithContext(ctx)
	return Group{wrapped: grp, ctx: ctx}
}

// Wait blocks until all function calls from the Go method have returned, then
// returns the first non-nil error (if any) from them.
func (g Group) Wait() error {
	if g.wrapped == nil {
		panic("Group used before initialization")
	}
	return g.wrapped.Wait()
}

// Go calls the given function in a new goroutine.
func (g Group) Go(f func() error) {
	g.wrapped.Go(f)
}

// GoCtx calls the given function in a new goroutine, passing it the group's
// context.
func (g Group) GoCtx(f func(ctx context.Context) error) {
	g.wrapped.Go(func() error {
		return f(g.ctx)
	})
}

// GroupWorkers runs num worker go routines in an errgroup.
func GroupWorkers(ctx context.Context, num int, f func(context.Context, int) error) error {
	group := WithContext(ctx)
	for i := 0; i < num; i++ {
		workerID := i
		group.GoCtx(func(ctx context.Context) error { return f(ctx, workerID) })
	}
	return group.Wait()
}
