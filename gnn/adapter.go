package gnn

import (
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

// StepModel is the single-step transition contract the adapter forwards to.
// RecurrentGraphNet satisfies it.
type StepModel interface {
	// Step advances the hidden state x by one recurrence and returns the new
	// state plus this step's prediction.
	Step(x, u, edgeIndex *tensors.Tensor) (xNext, y *tensors.Tensor, err error)

	// Reset reinitializes the model's parameters in place.
	Reset() error
}

// Batch is the narrow, read-only view of a batch container: whatever the data
// pipeline produces, the adapter only needs these three fields.
type Batch interface {
	// NodeEmbedding is the hidden node state x, shaped `(numNodes, hidden)`.
	NodeEmbedding() *tensors.Tensor

	// NodeFeature is the static node features u, shaped `(numNodes, features)`.
	NodeFeature() *tensors.Tensor

	// EdgeIndex is the `(2, numEdges)` integer list of (source, target) pairs.
	EdgeIndex() *tensors.Tensor
}

// TensorBatch is the trivial Batch: three tensors held directly.
type TensorBatch struct {
	Embedding, Feature, Edges *tensors.Tensor
}

func (b TensorBatch) NodeEmbedding() *tensors.Tensor { return b.Embedding }
func (b TensorBatch) NodeFeature() *tensors.Tensor   { return b.Feature }
func (b TensorBatch) EdgeIndex() *tensors.Tensor     { return b.Edges }

var _ Batch = TensorBatch{}

// BatchAdapter lets a model consume batch objects instead of raw tensors. It
// holds nothing beyond the wrapped model.
type BatchAdapter struct {
	model StepModel
}

// NewBatchAdapter wraps model.
func NewBatchAdapter(model StepModel) (*BatchAdapter, error) {
	if model == nil {
		return nil, errors.WithMessage(ErrConfig, "model must not be nil")
	}
	return &BatchAdapter{model: model}, nil
}

// Step extracts the three tensors from batch and forwards to the wrapped
// model, returning its results unchanged.
func (a *BatchAdapter) Step(batch Batch) (xNext, y *tensors.Tensor, err error) {
	return a.model.Step(batch.NodeEmbedding(), batch.NodeFeature(), batch.EdgeIndex())
}

// Reset cascades to the wrapped model.
func (a *BatchAdapter) Reset() error {
	return a.model.Reset()
}
