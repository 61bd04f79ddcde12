package gnn

import "github.com/pkg/errors"

// Sentinel errors returned by constructors and the tensor-level Step APIs.
// They are always wrapped with a description of the offending value; match
// them with errors.Is.
var (
	// ErrShapeMismatch indicates an input tensor whose dimensions are
	// inconsistent with the declared channel sizes or layout.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrIndexOutOfRange indicates an edge endpoint outside [0, numNodes).
	ErrIndexOutOfRange = errors.New("edge index out of range")

	// ErrConfig indicates an invalid construction-time configuration, e.g. a
	// layer whose output channels disagree with the model's hidden channels.
	ErrConfig = errors.New("invalid configuration")
)
