package imageprocessing

import (
	"fmt"
	"image"
	"log/slog"
)

// ImageProcessor is one geometric step applied before normalization.
type ImageProcessor interface {
	Type() string
	ProcessImage(img image.Image) image.Image
}

// ProcessorFactory is a function type that creates a processor from configuration parameters
type ProcessorFactory func(params map[string]any) (ImageProcessor, error)

// ProcessorRegistry manages the registration and creation of image processors
type ProcessorRegistry struct {
	factories map[string]ProcessorFactory
}

// NewProcessorRegistry creates a new processor registry
func NewProcessorRegistry() *ProcessorRegistry {
	return &ProcessorRegistry{
		factories: make(map[string]ProcessorFactory),
	}
}

// Register adds a processor factory to the registry
func (r *ProcessorRegistry) Register(name string, factory ProcessorFactory) error {
	if name == "" {
		return fmt.Errorf("processor name cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("processor factory cannot be nil")
	}
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("processor %s is already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// Create instantiates a processor by name with the given parameters
func (r *ProcessorRegistry) Create(name string, params map[string]any) (ImageProcessor, error) {
	factory, exists := r.factories[name]
	if !exists {
		return nil, fmt.Errorf("unknown processor: %s", name)
	}

	processor, err := factory(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create processor %s: %w", name, err)
	}

	return processor, nil
}

// DefaultRegistry holds the built-in geometric processors.
var DefaultRegistry = NewProcessorRegistry()

// getIntParam safely extracts an int parameter from the params map
func getIntParam(params map[string]any, key string, defaultValue int) int {
	if val, ok := params[key]; ok {
		switch v := val.(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return defaultValue
}

// validateRequiredParams checks that all required parameters are present
func validateRequiredParams(params map[string]any, required []string) error {
	for _, key := range required {
		if _, ok := params[key]; !ok {
			return fmt.Errorf("missing required parameter: %s", key)
		}
	}
	return nil
}

// positiveIntParams reads required, strictly positive integer parameters.
func positiveIntParams(params map[string]any, keys ...string) ([]int, error) {
	if err := validateRequiredParams(params, keys); err != nil {
		return nil, err
	}
	values := make([]int, len(keys))
	for i, key := range keys {
		v := getIntParam(params, key, 0)
		if v <= 0 {
			return nil, fmt.Errorf("%s must be positive, got %d", key, v)
		}
		values[i] = v
	}
	return values, nil
}

// ProcessorConfig represents a processor configuration with name and parameters
type ProcessorConfig struct {
	Name   string
	Params map[string]any
}

// BuildProcessors instantiates every configured processor up front.
func BuildProcessors(registry *ProcessorRegistry, configs []ProcessorConfig) ([]ImageProcessor, error) {
	processors := make([]ImageProcessor, 0, len(configs))
	for i, config := range configs {
		processor, err := registry.Create(config.Name, config.Params)
		if err != nil {
			return nil, fmt.Errorf("processor at index %d: %w", i, err)
		}
		processors = append(processors, processor)
	}
	return processors, nil
}

// ApplyProcessors runs img through processors in order.
func ApplyProcessors(img image.Image, processors []ImageProcessor) image.Image {
	for i, processor := range processors {
		img = processor.ProcessImage(img)
		b := img.Bounds()
		slog.Debug("processor applied",
			"index", i,
			"processor_name", processor.Type(),
			"width", b.Dx(),
			"height", b.Dy())
	}
	return img
}
