package recovery

import (
	"context"
	"fmt"

	"github.com/dreamware/ftserver/internal/cluster"
)

// Restorer rebuilds an entity on a spare node from a checkpoint and the
// ordered log since it, returning the entity's new location.
type Restorer interface {
	Restore(ctx context.Context, node cluster.SpareNode, req cluster.RestoreRequest) (cluster.Location, error)
}

// RestorerFunc adapts a function to Restorer.
type RestorerFunc func(ctx context.Context, node cluster.SpareNode, req cluster.RestoreRequest) (cluster.Location, error)

func (f RestorerFunc) Restore(ctx context.Context, node cluster.SpareNode, req cluster.RestoreRequest) (cluster.Location, error) {
	return f(ctx, node, req)
}

// HTTPRestorer posts the restore request to {node}/restore, served by the
// ftnode agent.
type HTTPRestorer struct{}

func (HTTPRestorer) Restore(ctx context.Context, node cluster.SpareNode, req cluster.RestoreRequest) (cluster.Location, error) {
	var resp cluster.RestoreResponse
	if err := cluster.PostJSON(ctx, cluster.JoinURL(node.Addr, "/restore"), req, &resp); err != nil {
		return cluster.Location{}, fmt.Errorf("restore %s: %w", req.Checkpoint.EntityID, err)
	}
	if resp.Applied != len(req.Entries) {
		return cluster.Location{}, fmt.Errorf("restore %s: node applied %d of %d log entries",
			req.Checkpoint.EntityID, resp.Applied, len(req.Entries))
	}
	return resp.Location, nil
}
