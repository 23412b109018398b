package gateway

import (
	"context"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

// BatchItem is the outcome of one batch entry. Exactly one field is set.
type BatchItem struct {
	Response *Response
	Err      error
}

// Batch authenticates once and runs every request through the blocking
// path, at most BatchParallel (and never more than the caller's concurrency
// ceiling) at a time. Item failures are reported per item.
func (g *Gateway) Batch(ctx context.Context, credential string, reqs []Request, requestID string) ([]BatchItem, error) {
	parent := g.begin(Request{RequestID: requestID}, RouteBatch)
	caller, err := g.Authenticate(ctx, credential)
	if err != nil {
		g.finish(ctx, parent, err)
		return nil, err
	}
	parent.caller = caller
	switch {
	case len(reqs) == 0:
		err = apierr.New(apierr.CodeInvalidRequest, "batch must contain at least one item")
	case len(reqs) > g.opts.BatchMaxItems:
		err = apierr.New(apierr.CodeInvalidRequest, "batch has %d items; at most %d allowed", len(reqs), g.opts.BatchMaxItems)
	}
	if err != nil {
		g.finish(ctx, parent, err)
		return nil, err
	}

	limit := g.opts.BatchParallel
	if n := g.ledger.MaxConcurrent(caller); n > 0 && n < limit {
		limit = n
	}

	items := make([]BatchItem, len(reqs))
	var eg errgroup.Group
	eg.SetLimit(limit)
	for i, r := range reqs {
		if r.RequestID == "" {
			r.RequestID = parent.req.RequestID + "-" + strconv.Itoa(i)
		}
		c := g.begin(r, RouteBatch)
		c.caller = caller
		eg.Go(func() error {
			resp, err := g.generate(ctx, c)
			items[i] = BatchItem{Response: resp, Err: err}
			return nil
		})
	}
	_ = eg.Wait()
	return items, nil
}
