package node

import (
	"context"

	"github.com/pkg/errors"
	"go.pagestream.dev/core/framelog"
)

// Writer appends transactions to the Frame Log of a primary Node, and
// applies each committed transaction to the Node's page store.
type Writer struct {
	node *Node
	w    *framelog.Writer
}

// Writer returns the exclusive Writer of a primary Node. It may be obtained
// only once.
func (n *Node) Writer() (*Writer, error) {
	if n.log == nil {
		return nil, errors.Errorf("database %s is not a primary", n.spec.Database)
	}
	var w, err = n.log.Writer()
	if err != nil {
		return nil, err
	}
	return &Writer{node: n, w: w}, nil
}

// Append pages to the Frame Log. If |commit|, the transaction is durably
// committed and then applied to the page store before Append returns.
// A failure to apply is returned but does not un-commit the transaction:
// the page store is caught up by the next commit.
func (w *Writer) Append(ctx context.Context, pages []framelog.Page, commit bool) (framelog.Range, error) {
	var n = w.node
	n.writerMu.Lock()
	defer n.writerMu.Unlock()

	var r, err = w.w.Append(pages, commit)
	if err != nil || !commit {
		return r, err
	}
	if err = applyLog(ctx, n.log, n.pages, r.Last); err != nil {
		return r, errors.WithMessagef(err, "applying committed frames through %d", r.Last)
	}
	return r, nil
}

// Pending returns the number of uncommitted frames of the open transaction.
func (w *Writer) Pending() int { return w.w.Pending() }

// Rollback discards the open transaction.
func (w *Writer) Rollback() error { return w.w.Rollback() }

// Release the Writer, rolling back any open transaction.
func (w *Writer) Release() error { return w.w.Release() }
