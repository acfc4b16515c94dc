package models

import (
	"context"
	"fmt"
	"math"

	"github.com/kemingy/ventu/internal/pipeline"
)

// newSquare squares an integer. It only implements batch inference.
func newSquare(_ Options) (Definition, error) {
	request, response, err := loadDescriptors("square")
	if err != nil {
		return Definition{}, err
	}
	return Definition{
		Model: pipeline.Model{
			Name: "square",
			Preprocess: func(_ context.Context, value any) (any, error) {
				return value.(map[string]any)["num"].(int64), nil
			},
			BatchInference: func(_ context.Context, group []any) ([]any, error) {
				out := make([]any, len(group))
				for idx, value := range group {
					n := value.(int64)
					if n > math.MaxInt32 || n < -math.MaxInt32 {
						return nil, fmt.Errorf("overflow squaring %d", n)
					}
					out[idx] = n * n
				}
				return out, nil
			},
			Postprocess: func(_ context.Context, value any) (any, error) {
				return map[string]any{"square": value}, nil
			},
			Reentrant: true,
		},
		Request:  request,
		Response: response,
	}, nil
}
