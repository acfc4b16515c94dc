package models

import (
	"context"
	"strings"

	"github.com/kemingy/ventu/internal/pipeline"
)

// newAntiSpam flags texts that contain an address marker. It only
// implements single-item inference.
func newAntiSpam(_ Options) (Definition, error) {
	request, response, err := loadDescriptors("antispam")
	if err != nil {
		return Definition{}, err
	}
	return Definition{
		Model: pipeline.Model{
			Name: "antispam",
			Preprocess: func(_ context.Context, value any) (any, error) {
				return value.(map[string]any)["text"].(string), nil
			},
			Inference: func(_ context.Context, value any) (any, error) {
				return strings.Contains(value.(string), "@"), nil
			},
			Postprocess: func(_ context.Context, value any) (any, error) {
				return map[string]any{"spam": value}, nil
			},
			Reentrant: true,
		},
		Request:  request,
		Response: response,
	}, nil
}
