package gnn

import (
	"testing"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/require"
)

// identityModel: identity layer plus an identity prediction head, so
// xNext == yStep and both reduce to the plain sum-aggregation.
func identityModel(t *testing.T) *RecurrentGraphNet {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamHiddenBias:             false,
		ParamFeatureBias:            false,
		ParamHeadBias:               false,
		activations.ParamActivation: "none",
	})
	model, err := NewRecurrentGraphNet(ctx, 2, 2, 2)
	require.NoError(t, err)
	identity := [][]float32{{1, 0}, {0, 1}}
	model.layer.w.SetValue(tensors.FromValue(identity))
	model.layer.phi.SetValue(tensors.FromValue(identity))
	model.head.SetValue(tensors.FromValue(identity))
	return model
}

func TestRecurrentGraphNet_Step(t *testing.T) {
	model := identityModel(t)
	x := tensors.FromValue([][]float32{{1, 0}, {0, 1}, {0, 0}})
	u := tensors.FromValue([][]float32{{0, 0}, {0, 0}, {0, 0}})
	edges := tensors.FromValue([][]int32{{0, 1}, {1, 2}})

	xNext, y, err := model.Step(x, u, edges)
	require.NoError(t, err)
	want := []float32{0, 0, 1, 0, 0, 1}
	require.Equal(t, want, tensors.CopyFlatData[float32](xNext))
	require.Equal(t, want, tensors.CopyFlatData[float32](y))

	// Thread the state through a second step: on the path graph 0→1→2 the
	// pulse moves one more hop, to node 2 only.
	xNext2, _, err := model.Step(xNext, u, edges)
	require.NoError(t, err)
	require.Equal(t, []float32{0, 0, 0, 0, 1, 0}, tensors.CopyFlatData[float32](xNext2))
}

// Stepping must not touch the parameters: the same inputs give bit-identical
// outputs no matter how many steps ran in between.
func TestRecurrentGraphNet_WeightTying(t *testing.T) {
	ctx := context.New()
	model, err := NewRecurrentGraphNet(ctx, 3, 4, 2)
	require.NoError(t, err)

	x := tensors.FromValue([][]float32{{1, 2, 3, 4}, {4, 3, 2, 1}, {0, 0, 0, 0}})
	u := tensors.FromValue([][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}})
	edges := tensors.FromValue([][]int32{{0, 1, 2}, {1, 2, 0}})

	x1, y1, err := model.Step(x, u, edges)
	require.NoError(t, err)
	x1.Shape().AssertDims(3, 4)
	y1.Shape().AssertDims(3, 2)

	// Interleave an unrelated step, then repeat the first one.
	_, _, err = model.Step(x1, u, edges)
	require.NoError(t, err)
	x1Again, y1Again, err := model.Step(x, u, edges)
	require.NoError(t, err)
	require.Equal(t, tensors.CopyFlatData[float32](x1), tensors.CopyFlatData[float32](x1Again))
	require.Equal(t, tensors.CopyFlatData[float32](y1), tensors.CopyFlatData[float32](y1Again))
}

func TestNewRecurrentGraphNet_Config(t *testing.T) {
	_, err := NewRecurrentGraphNet(context.New(), 2, 0, 2)
	require.ErrorIs(t, err, ErrConfig)
	_, err = NewRecurrentGraphNet(context.New(), 2, 4, 0)
	require.ErrorIs(t, err, ErrConfig)

	_, err = NewRecurrentGraphNetWithLayer(context.New(), nil, 4, 2)
	require.ErrorIs(t, err, ErrConfig)

	// A layer whose output cannot feed back as its input is rejected at
	// construction time, not at the first Step.
	ctx := context.New()
	layer, err := NewGeneralGraphLayer(ctx.In("graph_layer"), 4, 3, 2)
	require.NoError(t, err)
	_, err = NewRecurrentGraphNetWithLayer(ctx, layer, 4, 2)
	require.ErrorIs(t, err, ErrConfig)
}

func TestRecurrentGraphNet_Reset(t *testing.T) {
	ctx := context.New()
	model, err := NewRecurrentGraphNet(ctx, 2, 2, 2)
	require.NoError(t, err)

	x := tensors.FromValue([][]float32{{1, 0}, {0, 1}})
	u := tensors.FromValue([][]float32{{1, 1}, {1, 1}})
	edges := tensors.FromValue([][]int32{{0, 1}, {1, 0}})

	_, yBefore, err := model.Step(x, u, edges)
	require.NoError(t, err)
	layerW := tensors.CopyFlatData[float32](model.layer.w.Value())
	headW := tensors.CopyFlatData[float32](model.head.Value())

	require.NoError(t, model.Reset())

	// Both the layer and the head were re-drawn, in place.
	require.NotEqual(t, layerW, tensors.CopyFlatData[float32](model.layer.w.Value()))
	require.NotEqual(t, headW, tensors.CopyFlatData[float32](model.head.Value()))

	_, yAfter, err := model.Step(x, u, edges)
	require.NoError(t, err)
	require.NotEqual(t,
		tensors.CopyFlatData[float32](yBefore),
		tensors.CopyFlatData[float32](yAfter))
}
