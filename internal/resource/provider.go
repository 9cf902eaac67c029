package resource

import (
	"context"
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/dreamware/ftserver/internal/cluster"
)

// Provider is an external source of spare nodes: a static list or an
// elastic peer-sharing overlay.
type Provider interface {
	FreeNodes(ctx context.Context) ([]cluster.SpareNode, error)
}

// StaticProvider hands out a fixed list of nodes.
type StaticProvider []cluster.SpareNode

func (p StaticProvider) FreeNodes(context.Context) ([]cluster.SpareNode, error) {
	return slices.Clone([]cluster.SpareNode(p)), nil
}

// HTTPProvider fetches spare nodes from an elastic resource endpoint that
// answers GET {Endpoint}/nodes with a cluster.NodesResponse.
type HTTPProvider struct {
	Endpoint string
}

func (p HTTPProvider) FreeNodes(ctx context.Context) ([]cluster.SpareNode, error) {
	var resp cluster.NodesResponse
	if err := cluster.GetJSON(ctx, cluster.JoinURL(p.Endpoint, "/nodes"), &resp); err != nil {
		return nil, fmt.Errorf("elastic endpoint %s: %w", p.Endpoint, err)
	}
	return resp.Nodes, nil
}

// MultiProvider queries providers in order and concatenates their nodes.
// A failing provider is skipped when another one answered.
type MultiProvider []Provider

func (m MultiProvider) FreeNodes(ctx context.Context) ([]cluster.SpareNode, error) {
	var (
		out     []cluster.SpareNode
		lastErr error
		ok      bool
	)
	for _, p := range m {
		nodes, err := p.FreeNodes(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		ok = true
		out = append(out, nodes...)
	}
	if !ok && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}
