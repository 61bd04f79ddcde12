package gnn

import (
	"slices"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// MessagePassing is the capability of sending a function of each source
// node's state along the edges and reducing the incoming messages per target
// node. GeneralGraphLayer is its only concrete implementation.
type MessagePassing interface {
	// Propagate returns one message per directed edge: the state of the
	// edge's source node, unchanged. Output is shaped `(numEdges, ...)`.
	Propagate(h, edgeIndex *Node) *Node

	// Aggregate sum-reduces messages per target node. Targets with no
	// incoming edge get a zero vector. The node axis of the result matches
	// the layer's configured node axis.
	Aggregate(messages, edgeIndex *Node, numNodes int) *Node
}

// GeneralGraphLayer computes one recurrence step of the graph network:
//
//	x' = σ( aggregate(propagate(W·x, edges)) + φ(u) )
//
// where x is the hidden node state, u the static node features and edges a
// `(2, numEdges)` list of (source, target) pairs. The two weight matrices
// (and optional biases) are owned by the layer and reused unchanged on every
// step — the weight tying that lets a single layer stand in for an unbounded
// stack of them.
//
// Implements the message passing of Gu et al. (2020), equation 1,
// https://arxiv.org/abs/2009.06211.
type GeneralGraphLayer struct {
	ctx   *context.Context
	dtype dtypes.DType

	inChannels, outChannels, nodeChannels int
	nodeAxis                              int
	activation                            activations.Type

	// Node feature weights. Named φ in the paper's equation (1).
	phi, phiBias *context.Variable
	// Hidden state weights. Named W in the paper's equation (1).
	w, wBias *context.Variable

	stepExec *context.Exec
}

var _ MessagePassing = (*GeneralGraphLayer)(nil)

// NewGeneralGraphLayer creates the layer and eagerly allocates its
// parameters as variables in ctx: `w` shaped `(inChannels, outChannels)`,
// `phi` shaped `(nodeChannels, outChannels)` and, if enabled, one bias vector
// each shaped `(outChannels,)`.
//
// Bias enablement ([ParamHiddenBias], [ParamFeatureBias]), the node axis
// ([ParamNodeAxis]) and the nonlinearity ([activations.ParamActivation],
// default "relu") are read from ctx hyperparameters at construction time.
//
// Weights are initialized with a fan-in-aware uniform distribution and biases
// with a bounded uniform distribution, lazily on first use or by Reset.
func NewGeneralGraphLayer(ctx *context.Context, inChannels, outChannels, nodeChannels int) (*GeneralGraphLayer, error) {
	if inChannels <= 0 || outChannels <= 0 || nodeChannels <= 0 {
		return nil, errors.WithMessagef(ErrConfig,
			"channel sizes must be positive, got inChannels=%d, outChannels=%d, nodeChannels=%d",
			inChannels, outChannels, nodeChannels)
	}
	nodeAxis := context.GetParamOr(ctx, ParamNodeAxis, 0)
	if nodeAxis != 0 && nodeAxis != 1 {
		return nil, errors.WithMessagef(ErrConfig,
			"%q must be 0 (plain layout) or 1 (stacked layout), got %d", ParamNodeAxis, nodeAxis)
	}
	var activation activations.Type
	if err := exceptions.TryCatch[error](func() {
		activation = activations.FromName(context.GetParamOr(ctx, activations.ParamActivation, "relu"))
	}); err != nil {
		return nil, errors.WithMessagef(ErrConfig, "bad %q hyperparameter: %v", activations.ParamActivation, err)
	}

	l := &GeneralGraphLayer{
		ctx:          ctx,
		dtype:        dtypes.Float32,
		inChannels:   inChannels,
		outChannels:  outChannels,
		nodeChannels: nodeChannels,
		nodeAxis:     nodeAxis,
		activation:   activation,
	}
	weightsCtx := ctx.WithInitializer(weightInitializer(ctx))
	l.w = weightsCtx.VariableWithShape("w", shapes.Make(l.dtype, inChannels, outChannels))
	l.phi = weightsCtx.VariableWithShape("phi", shapes.Make(l.dtype, nodeChannels, outChannels))
	biasCtx := ctx.WithInitializer(biasInitializer(ctx))
	if context.GetParamOr(ctx, ParamHiddenBias, true) {
		l.wBias = biasCtx.VariableWithShape("w_bias", shapes.Make(l.dtype, outChannels))
	}
	if context.GetParamOr(ctx, ParamFeatureBias, true) {
		l.phiBias = biasCtx.VariableWithShape("phi_bias", shapes.Make(l.dtype, outChannels))
	}
	l.stepExec = context.NewExec(backend(), ctx, func(_ *context.Context, inputs []*Node) *Node {
		return l.StepGraph(inputs[0], inputs[1], inputs[2])
	})
	klog.V(1).Infof("gnn: created GeneralGraphLayer in=%d out=%d node=%d nodeAxis=%d activation=%s",
		inChannels, outChannels, nodeChannels, nodeAxis, activation)
	return l, nil
}

// Context in which the layer's variables live.
func (l *GeneralGraphLayer) Context() *context.Context { return l.ctx }

// InChannels is the hidden-state dimension the layer consumes.
func (l *GeneralGraphLayer) InChannels() int { return l.inChannels }

// OutChannels is the hidden-state dimension the layer produces.
func (l *GeneralGraphLayer) OutChannels() int { return l.outChannels }

// NodeChannels is the static node-feature dimension.
func (l *GeneralGraphLayer) NodeChannels() int { return l.nodeChannels }

// StepGraph builds the graph of one recurrence step and returns the new
// hidden state, shaped like x but with outChannels as the last dimension.
//
// It is meant to be called from a graph-building function; shape violations
// panic, the GoMLX convention. The tensor-level Step is the error-returning
// front end.
func (l *GeneralGraphLayer) StepGraph(x, u, edgeIndex *Node) *Node {
	l.assertStepInputs(x, u, edgeIndex)
	h := applyLinear(x, l.w, l.wBias)
	messages := l.Propagate(h, edgeIndex)
	aggregated := l.Aggregate(messages, edgeIndex, x.Shape().Dimensions[l.nodeAxis])
	fused := Add(aggregated, applyLinear(u, l.phi, l.phiBias))
	return activations.Apply(l.activation, fused)
}

// Propagate implements MessagePassing: the message along each edge is the
// source node's (already transformed) state, unchanged.
func (l *GeneralGraphLayer) Propagate(h, edgeIndex *Node) *Node {
	if l.nodeAxis != 0 {
		h = Transpose(h, 0, l.nodeAxis)
	}
	return Gather(h, edgeEndpoints(edgeIndex, 0))
}

// Aggregate implements MessagePassing with a sum reduction: permutation
// invariant over the edge ordering, and zero for nodes with no incoming
// edges.
func (l *GeneralGraphLayer) Aggregate(messages, edgeIndex *Node, numNodes int) *Node {
	dims := slices.Clone(messages.Shape().Dimensions)
	dims[0] = numNodes
	aggregated := Scatter(edgeEndpoints(edgeIndex, 1), messages,
		shapes.Make(messages.DType(), dims...), false, false)
	if l.nodeAxis != 0 {
		aggregated = Transpose(aggregated, 0, l.nodeAxis)
	}
	return aggregated
}

// Step runs one recurrence step on materialized tensors and returns the new
// hidden state. The inputs are never mutated; the layer's parameters are only
// read. It fails fast with ErrShapeMismatch or ErrIndexOutOfRange before any
// numeric computation; errors raised mid-execution by the backend propagate
// unchanged.
func (l *GeneralGraphLayer) Step(x, u, edgeIndex *tensors.Tensor) (*tensors.Tensor, error) {
	if err := l.validateStepInputs(x, u, edgeIndex); err != nil {
		return nil, err
	}
	var out *tensors.Tensor
	if err := exceptions.TryCatch[error](func() {
		out = l.stepExec.Call(x, u, edgeIndex)[0]
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// Reset re-draws every parameter in place: the variables keep their identity
// and shape, only their values are replaced with fresh draws from the
// initializer distributions. It can be called at any point, any number of
// times, including before the first Step.
func (l *GeneralGraphLayer) Reset() error {
	err := exceptions.TryCatch[error](func() {
		resetExec := context.NewExec(backend(), l.ctx.Reuse(), func(_ *context.Context, g *Graph) *Node {
			l.resetGraph(g)
			return l.w.ValueGraph(g)
		})
		resetExec.Call()
	})
	if err != nil {
		return errors.WithMessage(err, "resetting graph layer parameters")
	}
	klog.V(2).Info("gnn: GeneralGraphLayer parameters reinitialized")
	return nil
}

// resetGraph emits the in-place reinitialization of all owned parameters.
func (l *GeneralGraphLayer) resetGraph(g *Graph) {
	l.w.SetValueGraph(fanInUniform(l.ctx, g, l.w.Shape()))
	l.phi.SetValueGraph(fanInUniform(l.ctx, g, l.phi.Shape()))
	for _, bias := range []*context.Variable{l.wBias, l.phiBias} {
		if bias != nil {
			bias.SetValueGraph(boundedUniform(l.ctx, g, bias.Shape(), biasInitBound))
		}
	}
}

// expectedRank of x and u: `(numNodes, channels)` for node axis 0, or
// `(batch, numNodes, channels)` for node axis 1.
func (l *GeneralGraphLayer) expectedRank() int { return l.nodeAxis + 2 }

// assertStepInputs is the graph-building-time counterpart of
// validateStepInputs; it panics, as GoMLX ops do.
func (l *GeneralGraphLayer) assertStepInputs(x, u, edgeIndex *Node) {
	wantRank := l.expectedRank()
	if x.Rank() != wantRank || x.Shape().Dimensions[wantRank-1] != l.inChannels {
		exceptions.Panicf("gnn: hidden state x must be rank %d with %d channels last, got shape %s",
			wantRank, l.inChannels, x.Shape())
	}
	if u.Rank() != wantRank || u.Shape().Dimensions[wantRank-1] != l.nodeChannels {
		exceptions.Panicf("gnn: node features u must be rank %d with %d channels last, got shape %s",
			wantRank, l.nodeChannels, u.Shape())
	}
	for axis := 0; axis < wantRank-1; axis++ {
		if x.Shape().Dimensions[axis] != u.Shape().Dimensions[axis] {
			exceptions.Panicf("gnn: x (shape %s) and u (shape %s) disagree on axis %d",
				x.Shape(), u.Shape(), axis)
		}
	}
	if edgeIndex.Rank() != 2 || edgeIndex.Shape().Dimensions[0] != 2 || !edgeIndex.DType().IsInt() {
		exceptions.Panicf("gnn: edgeIndex must be an integer tensor shaped (2, numEdges), got %s",
			edgeIndex.Shape())
	}
}

// validateStepInputs fail-fast checks shapes and edge ranges on the host,
// before anything is compiled or executed.
func (l *GeneralGraphLayer) validateStepInputs(x, u, edgeIndex *tensors.Tensor) error {
	wantRank := l.expectedRank()
	xShape, uShape, edgeShape := x.Shape(), u.Shape(), edgeIndex.Shape()
	if xShape.Rank() != wantRank || xShape.Dimensions[wantRank-1] != l.inChannels {
		return errors.WithMessagef(ErrShapeMismatch,
			"hidden state x must be rank %d with %d channels last, got shape %s", wantRank, l.inChannels, xShape)
	}
	if uShape.Rank() != wantRank || uShape.Dimensions[wantRank-1] != l.nodeChannels {
		return errors.WithMessagef(ErrShapeMismatch,
			"node features u must be rank %d with %d channels last, got shape %s", wantRank, l.nodeChannels, uShape)
	}
	for axis := 0; axis < wantRank-1; axis++ {
		if xShape.Dimensions[axis] != uShape.Dimensions[axis] {
			return errors.WithMessagef(ErrShapeMismatch,
				"x (shape %s) and u (shape %s) disagree on axis %d", xShape, uShape, axis)
		}
	}
	if edgeShape.Rank() != 2 || edgeShape.Dimensions[0] != 2 {
		return errors.WithMessagef(ErrShapeMismatch,
			"edgeIndex must be shaped (2, numEdges), got %s", edgeShape)
	}
	numNodes := xShape.Dimensions[l.nodeAxis]
	switch edgeShape.DType {
	case dtypes.Int32:
		return validateEdgeRange[int32](edgeIndex, int32(numNodes))
	case dtypes.Int64:
		return validateEdgeRange[int64](edgeIndex, int64(numNodes))
	default:
		return errors.WithMessagef(ErrShapeMismatch,
			"edgeIndex must be Int32 or Int64, got %s", edgeShape.DType)
	}
}

// validateEdgeRange scans the flat `(2, numEdges)` data for endpoints outside
// [0, numNodes).
func validateEdgeRange[T int32 | int64](edgeIndex *tensors.Tensor, numNodes T) (err error) {
	tensors.ConstFlatData(edgeIndex, func(flat []T) {
		for ii, node := range flat {
			if node < 0 || node >= numNodes {
				numEdges := len(flat) / 2
				err = errors.WithMessagef(ErrIndexOutOfRange,
					"edge %d references node %d, valid range is [0, %d)", ii%numEdges, node, numNodes)
				return
			}
		}
	})
	return
}

// edgeEndpoints extracts row `pair` (0=sources, 1=targets) of a
// `(2, numEdges)` edge list, shaped `(numEdges, 1)` for Gather/Scatter.
func edgeEndpoints(edgeIndex *Node, pair int) *Node {
	numEdges := edgeIndex.Shape().Dimensions[1]
	return Reshape(Slice(edgeIndex, AxisElem(pair), AxisRange()), numEdges, 1)
}

// applyLinear multiplies the channels (last) axis of x by the weights
// variable and adds the broadcast bias, if present. Bias handling follows
// ml/layers.Dense.
func applyLinear(x *Node, weights, bias *context.Variable) *Node {
	g := x.Graph()
	w := weights.ValueGraph(g)
	var out *Node
	if x.Rank() == 2 {
		out = Dot(x, w)
	} else {
		// Stacked layout: contract only the channels axis.
		out = Einsum("bni,io->bno", x, w)
	}
	if bias != nil {
		b := bias.ValueGraph(g)
		for b.Rank() < out.Rank() {
			b = ExpandAxes(b, 0)
		}
		out = Add(out, b)
	}
	return out
}
