package gnn

import (
	"math"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
)

// biasInitBound bounds the uniform distribution bias vectors are drawn from.
const biasInitBound = 0.05

// fanInUniform draws weight values from `U(-limit, limit)` with
// `limit = sqrt(6/fanIn)`, the variance-scaling bound suited to
// rectified-linear activations. A recurrent net is effectively infinitely
// deep, so preserving the activation variance across steps matters more than
// usual.
//
// It draws from the context's RNG state, so repeated evaluations (e.g. on
// reset) produce fresh values.
func fanInUniform(ctx *context.Context, g *Graph, shape shapes.Shape) *Node {
	fanIn := 1
	if shape.Rank() > 0 && shape.Dimensions[0] > 1 {
		fanIn = shape.Dimensions[0]
	}
	return boundedUniform(ctx, g, shape, math.Sqrt(6.0/float64(fanIn)))
}

// boundedUniform draws values from `U(-limit, limit)`.
func boundedUniform(ctx *context.Context, g *Graph, shape shapes.Shape, limit float64) *Node {
	values := ctx.RandomUniform(g, shape) // [0, 1)
	return AddScalar(MulScalar(values, 2*limit), -limit)
}

// weightInitializer adapts fanInUniform to the context.VariableInitializer
// contract, for first-use initialization of eagerly created variables.
func weightInitializer(ctx *context.Context) context.VariableInitializer {
	return func(g *Graph, shape shapes.Shape) *Node {
		return fanInUniform(ctx, g, shape)
	}
}

// biasInitializer is the VariableInitializer counterpart of boundedUniform.
func biasInitializer(ctx *context.Context) context.VariableInitializer {
	return func(g *Graph, shape shapes.Shape) *Node {
		return boundedUniform(ctx, g, shape, biasInitBound)
	}
}
