package pipeline

import "context"

type StageFunc func(ctx context.Context, value any) (any, error)

type BatchFunc func(ctx context.Context, group []any) ([]any, error)

// Model bundles the user stages. Preprocess and Postprocess default to the
// identity; at least one of Inference and BatchInference is required.
type Model struct {
	Name           string
	Preprocess     StageFunc
	Inference      StageFunc
	BatchInference BatchFunc
	Postprocess    StageFunc
	// Reentrant models may be called from several goroutines at once.
	Reentrant bool
	Close     func() error
}

type Capabilities struct {
	Preprocess     bool
	Inference      bool
	BatchInference bool
	Postprocess    bool
}

func (m Model) Capabilities() Capabilities {
	return Capabilities{
		Preprocess:     m.Preprocess != nil,
		Inference:      m.Inference != nil,
		BatchInference: m.BatchInference != nil,
		Postprocess:    m.Postprocess != nil,
	}
}

func (c Capabilities) Validate() error {
	if !c.Inference && !c.BatchInference {
		return ErrNoInference
	}
	return nil
}
