package pipeline

import (
	"errors"
	"fmt"

	"github.com/kemingy/ventu/internal/codec"
	"github.com/kemingy/ventu/internal/schema"
)

// Kind names the stage an item failed in. The values are part of the wire
// contract.
type Kind string

const (
	KindDecode             Kind = "DecodeError"
	KindValidation         Kind = "ValidationError"
	KindPreprocess         Kind = "PreprocessFault"
	KindInference          Kind = "InferenceFault"
	KindBatchInference     Kind = "BatchInferenceFault"
	KindPostprocess        Kind = "PostprocessFault"
	KindResponseValidation Kind = "ResponseValidationError"
	KindEncode             Kind = "EncodeError"
)

var (
	ErrNoInference = errors.New("model provides neither inference nor batch_inference")
	ErrPanic       = errors.New("panic in model code")
	ErrResultCount = errors.New("batch_inference result count mismatch")
)

// Error is the per-item failure carried back to the caller in place of an
// output.
type Error struct {
	Kind    Kind
	Message string
	Details any
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) ItemError() *codec.ItemError {
	return &codec.ItemError{Kind: string(e.Kind), Message: e.Message, Details: e.Details}
}

func newError(kind Kind, err error) *Error {
	out := &Error{Kind: kind, Err: err}
	if err != nil {
		out.Message = err.Error()
	}
	var verr *schema.ValidationError
	if errors.As(err, &verr) {
		out.Details = verr.Issues
	}
	return out
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind, true
	}
	return "", false
}
