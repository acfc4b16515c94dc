// Package models holds the built-in models the binary can serve.
package models

import (
	"embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/kemingy/ventu/internal/pipeline"
	"github.com/kemingy/ventu/internal/schema"
)

var ErrUnknownModel = errors.New("unknown model")

//go:embed schemas/*.yaml
var schemaFS embed.FS

type Options struct {
	Reentrant     bool
	BridgeCommand string
	BridgeTimeout time.Duration
	// BridgeModel names the model in bridge requests; defaults to "bridge".
	BridgeModel string
	Logger      *slog.Logger
}

// Definition is a model plus its default descriptors. Either descriptor may
// be nil.
type Definition struct {
	Model    pipeline.Model
	Request  *schema.Descriptor
	Response *schema.Descriptor
}

type factory func(opts Options) (Definition, error)

var registry = map[string]factory{
	"square":   newSquare,
	"antispam": newAntiSpam,
	"bridge":   newBridge,
}

func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func Build(name string, opts Options) (Definition, error) {
	build, ok := registry[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w %q (available: %v)", ErrUnknownModel, name, Names())
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	def, err := build(opts)
	if err != nil {
		return Definition{}, fmt.Errorf("model %q: %w", name, err)
	}
	def.Model.Reentrant = def.Model.Reentrant || opts.Reentrant
	return def, nil
}

func loadDescriptors(prefix string) (*schema.Descriptor, *schema.Descriptor, error) {
	request, err := loadDescriptor(prefix + ".request.yaml")
	if err != nil {
		return nil, nil, err
	}
	response, err := loadDescriptor(prefix + ".response.yaml")
	if err != nil {
		return nil, nil, err
	}
	return request, response, nil
}

func loadDescriptor(name string) (*schema.Descriptor, error) {
	data, err := schemaFS.ReadFile("schemas/" + name)
	if err != nil {
		return nil, err
	}
	return schema.Parse(data)
}
