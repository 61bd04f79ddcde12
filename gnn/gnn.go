// Package gnn implements a recurrent graph neural network on top of GoMLX.
//
// The building block is GeneralGraphLayer, a message-passing layer computing
// one recurrence step: it linearly transforms the hidden node states, sends
// each transformed state along the outgoing edges, sum-aggregates the incoming
// messages per node, fuses the result with a linear transform of the static
// node features and applies a nonlinearity. RecurrentGraphNet wraps the layer
// with a linear prediction head and exposes the single-step transition
// `step(x, u, edges) -> (x', y)`.
//
// A single parameter set is reused for every recurrence step: the caller owns
// the loop and threads the hidden state through it, so the network behaves as
// a feedforward GNN of unbounded depth with tied weights. Information can
// therefore propagate from arbitrarily distant nodes, at the price of running
// more steps.
//
// BatchAdapter unpacks an opaque batch container into the three tensors the
// model consumes, for callers whose data pipeline hands out batch objects
// instead of raw tensors.
package gnn

import (
	"sync"

	"github.com/gomlx/gomlx/backends"

	_ "github.com/gomlx/gomlx/backends/xla"
)

const (
	// ParamHiddenBias context hyperparameter enables the bias term of the
	// hidden-state transform (W). The default is true.
	ParamHiddenBias = "gnn_hidden_bias"

	// ParamFeatureBias context hyperparameter enables the bias term of the
	// node-feature transform (φ). The default is true.
	ParamFeatureBias = "gnn_feature_bias"

	// ParamHeadBias context hyperparameter enables the bias term of the
	// model's prediction head. The default is true.
	ParamHeadBias = "gnn_head_bias"

	// ParamNodeAxis context hyperparameter selects which axis of the hidden
	// state and node features indexes nodes: 0 for `(numNodes, channels)`
	// inputs, 1 for stacked `(batch, numNodes, channels)` inputs.
	// The default is 0.
	ParamNodeAxis = "gnn_node_axis"
)

// backend is a singleton, shared by the executors of every layer and model.
var backend = sync.OnceValue(func() backends.Backend { return backends.New() })
