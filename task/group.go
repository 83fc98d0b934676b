// Package task runs the long-lived goroutines of a process (servers, shippers,
// replication loops) as a unit: the first to fail stops all of them.
package task

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Group collects named functions and runs them concurrently under a shared
// Context. The Context is cancelled when any function returns an error,
// when Cancel is called, or when the parent Context is cancelled. Functions
// must return promptly once the Context is Done.
//
// Queue, GoRun and Wait are expected to be called from a single goroutine,
// in that order.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc
	eg     *errgroup.Group

	queued  []queued
	running bool
}

type queued struct {
	desc string
	fn   func() error
}

// NewGroup returns an empty Group deriving from |parent|.
func NewGroup(parent context.Context) *Group {
	var ctx, cancel = context.WithCancel(parent)
	var eg, egCtx = errgroup.WithContext(ctx)
	return &Group{ctx: egCtx, cancel: cancel, eg: eg}
}

// Context of the Group, which tasks should monitor.
func (g *Group) Context() context.Context { return g.ctx }

// Cancel the Group Context. Running tasks are expected to wind down.
func (g *Group) Cancel() { g.cancel() }

// Queue |fn| under description |desc|. It panics if GoRun was already called.
func (g *Group) Queue(desc string, fn func() error) {
	if g.running {
		panic("task: Queue called after GoRun")
	}
	g.queued = append(g.queued, queued{desc: desc, fn: fn})
}

// GoRun starts every queued function. It panics if called twice.
func (g *Group) GoRun() {
	if g.running {
		panic("task: GoRun called twice")
	}
	g.running = true

	for _, q := range g.queued {
		var q = q
		g.eg.Go(func() error { return g.run(q) })
	}
}

func (g *Group) run(q queued) error {
	var started = time.Now()
	var err = q.fn()

	if err != nil && g.ctx.Err() == nil {
		// First failure of the Group. Later failures are usually fallout
		// of the resulting cancellation and aren't worth a warning.
		log.WithFields(log.Fields{
			"task":    q.desc,
			"err":     err,
			"elapsed": time.Since(started),
		}).Warn("task failed")
	} else {
		log.WithFields(log.Fields{
			"task":    q.desc,
			"elapsed": time.Since(started),
		}).Debug("task exited")
	}
	return errors.WithMessage(err, q.desc)
}

// Wait blocks until all started functions return, and then cancels the
// Group Context. It returns the first non-nil error, prefixed with the
// description of its task. It panics if GoRun wasn't called.
func (g *Group) Wait() error {
	if !g.running {
		panic("task: Wait called before GoRun")
	}
	defer g.cancel()
	return g.eg.Wait()
}
