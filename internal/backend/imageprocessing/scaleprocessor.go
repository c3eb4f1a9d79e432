package imageprocessing

import (
	"fmt"
	"image"

	"github.com/nfnt/resize"
)

const ScaleProcessorName = "ScaleProcessor"

// ScaleProcessor stretches an image to exactly Width x Height with bilinear
// interpolation. Aspect ratio is not preserved.
type ScaleProcessor struct {
	name   string
	height int
	width  int
}

// NewScaleProcessor creates a new scale processor from configuration parameters
func NewScaleProcessor(params map[string]any) (ImageProcessor, error) {
	dims, err := positiveIntParams(params, "width", "height")
	if err != nil {
		return nil, err
	}
	return &ScaleProcessor{name: ScaleProcessorName, width: dims[0], height: dims[1]}, nil
}

func (p *ScaleProcessor) Type() string {
	return p.name
}

func (p *ScaleProcessor) ProcessImage(img image.Image) image.Image {
	return resize.Resize(uint(p.width), uint(p.height), img, resize.Bilinear)
}

func (p *ScaleProcessor) String() string {
	return fmt.Sprintf("%s(%dx%d)", p.name, p.width, p.height)
}

func init() {
	if err := DefaultRegistry.Register(ScaleProcessorName, NewScaleProcessor); err != nil {
		panic(fmt.Sprintf("failed to register ScaleProcessor: %v", err))
	}
}
