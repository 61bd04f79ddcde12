package gnn

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// RecurrentGraphNet composes a GeneralGraphLayer with a linear prediction
// head. One call to Step advances the hidden state by one recurrence and
// emits that step's prediction:
//
//	x', y = step(x, u, edges)
//
// The model holds no state between calls: the caller owns the hidden state
// and decides how many steps to run and when to stop. Where a feedforward GNN
// with k layers aggregates at most k hops away, iterating this tied-weight
// step lets information travel any distance.
type RecurrentGraphNet struct {
	ctx   *context.Context
	layer *GeneralGraphLayer

	hiddenChannels, predictionChannels int

	head, headBias *context.Variable

	stepExec *context.Exec
}

// Compile-time assert that RecurrentGraphNet satisfies the adapter's model
// contract.
var _ StepModel = (*RecurrentGraphNet)(nil)

// NewRecurrentGraphNet builds the model and its layer. The layer is created
// with inChannels = outChannels = hiddenChannels, in the scope "graph_layer";
// the prediction head, shaped `(hiddenChannels, predictionChannels)`, lives
// in "prediction_head". Hyperparameters are read from ctx as in
// NewGeneralGraphLayer, plus [ParamHeadBias] for the head's bias term.
func NewRecurrentGraphNet(ctx *context.Context, nodeChannels, hiddenChannels, predictionChannels int) (*RecurrentGraphNet, error) {
	if hiddenChannels <= 0 {
		return nil, errors.WithMessagef(ErrConfig, "hiddenChannels must be positive, got %d", hiddenChannels)
	}
	layer, err := NewGeneralGraphLayer(ctx.In("graph_layer"), hiddenChannels, hiddenChannels, nodeChannels)
	if err != nil {
		return nil, err
	}
	return NewRecurrentGraphNetWithLayer(ctx, layer, hiddenChannels, predictionChannels)
}

// NewRecurrentGraphNetWithLayer wraps a caller-built layer. The layer's
// output becomes the next step's hidden state, so a layer whose in/out
// channels differ from hiddenChannels is rejected with ErrConfig here,
// before any forward call.
func NewRecurrentGraphNetWithLayer(ctx *context.Context, layer *GeneralGraphLayer, hiddenChannels, predictionChannels int) (*RecurrentGraphNet, error) {
	if layer == nil {
		return nil, errors.WithMessage(ErrConfig, "layer must not be nil")
	}
	if layer.OutChannels() != hiddenChannels || layer.InChannels() != hiddenChannels {
		return nil, errors.WithMessagef(ErrConfig,
			"the layer's output feeds back as its input, so its channels (in=%d, out=%d) must both equal the model's hiddenChannels (%d)",
			layer.InChannels(), layer.OutChannels(), hiddenChannels)
	}
	if predictionChannels <= 0 {
		return nil, errors.WithMessagef(ErrConfig, "predictionChannels must be positive, got %d", predictionChannels)
	}

	m := &RecurrentGraphNet{
		ctx:                ctx,
		layer:              layer,
		hiddenChannels:     hiddenChannels,
		predictionChannels: predictionChannels,
	}
	headCtx := ctx.In("prediction_head")
	m.head = headCtx.WithInitializer(weightInitializer(headCtx)).
		VariableWithShape("w", shapes.Make(layer.dtype, hiddenChannels, predictionChannels))
	if context.GetParamOr(ctx, ParamHeadBias, true) {
		m.headBias = headCtx.WithInitializer(biasInitializer(headCtx)).
			VariableWithShape("bias", shapes.Make(layer.dtype, predictionChannels))
	}
	m.stepExec = context.NewExec(backend(), ctx, func(_ *context.Context, inputs []*Node) []*Node {
		xNext, y := m.StepGraph(inputs[0], inputs[1], inputs[2])
		return []*Node{xNext, y}
	})
	klog.V(1).Infof("gnn: created RecurrentGraphNet hidden=%d prediction=%d", hiddenChannels, predictionChannels)
	return m, nil
}

// Context in which the model's (and its layer's) variables live.
func (m *RecurrentGraphNet) Context() *context.Context { return m.ctx }

// Layer returns the owned message-passing layer.
func (m *RecurrentGraphNet) Layer() *GeneralGraphLayer { return m.layer }

// StepGraph builds one recurrence step followed by the prediction head (a
// linear map, no activation). It returns the new hidden state to thread into
// the next step and the step's prediction, shaped like x but with
// predictionChannels as the last dimension.
func (m *RecurrentGraphNet) StepGraph(x, u, edgeIndex *Node) (xNext, y *Node) {
	xNext = m.layer.StepGraph(x, u, edgeIndex)
	y = applyLinear(xNext, m.head, m.headBias)
	return
}

// Step runs one recurrence step on materialized tensors. It never mutates u
// or edgeIndex; parameters are only read. Shape and edge-range violations
// fail fast with the same errors as GeneralGraphLayer.Step.
func (m *RecurrentGraphNet) Step(x, u, edgeIndex *tensors.Tensor) (xNext, y *tensors.Tensor, err error) {
	if err = m.layer.validateStepInputs(x, u, edgeIndex); err != nil {
		return nil, nil, err
	}
	var outputs []*tensors.Tensor
	if err = exceptions.TryCatch[error](func() {
		outputs = m.stepExec.Call(x, u, edgeIndex)
	}); err != nil {
		return nil, nil, err
	}
	return outputs[0], outputs[1], nil
}

// Reset reinitializes the owned parameters in place: the layer first, then
// the prediction head. There is no other state to reset.
func (m *RecurrentGraphNet) Reset() error {
	if err := m.layer.Reset(); err != nil {
		return err
	}
	err := exceptions.TryCatch[error](func() {
		resetExec := context.NewExec(backend(), m.ctx.Reuse(), func(_ *context.Context, g *Graph) *Node {
			m.head.SetValueGraph(fanInUniform(m.ctx, g, m.head.Shape()))
			if m.headBias != nil {
				m.headBias.SetValueGraph(boundedUniform(m.ctx, g, m.headBias.Shape(), biasInitBound))
			}
			return m.head.ValueGraph(g)
		})
		resetExec.Call()
	})
	if err != nil {
		return errors.WithMessage(err, "resetting prediction head parameters")
	}
	klog.V(2).Info("gnn: RecurrentGraphNet parameters reinitialized")
	return nil
}
