package imageprocessing

import (
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"
)

const CropProcessorName = "CropProcessor"

// CropProcessor cuts out the centred square that would remain after scaling
// the shorter side to Resize and centre cropping Size x Size. Cropping the
// source first keeps memory bounded by the input, whatever its aspect ratio.
// A ScaleProcessor to Size x Size completes the transform.
type CropProcessor struct {
	name   string
	size   int
	resize int
}

// NewCropProcessor creates a new crop processor from configuration parameters
func NewCropProcessor(params map[string]any) (ImageProcessor, error) {
	dims, err := positiveIntParams(params, "size", "resize")
	if err != nil {
		return nil, err
	}
	if dims[1] < dims[0] {
		return nil, fmt.Errorf("resize %d must not be smaller than size %d", dims[1], dims[0])
	}
	return &CropProcessor{name: CropProcessorName, size: dims[0], resize: dims[1]}, nil
}

// Type returns the processor type
func (p *CropProcessor) Type() string {
	return p.name
}

func (p *CropProcessor) ProcessImage(img image.Image) image.Image {
	b := img.Bounds()
	side := cropSide(b.Dx(), b.Dy(), p.size, p.resize)
	return imaging.CropCenter(img, side, side)
}

func (p *CropProcessor) String() string {
	return fmt.Sprintf("%s(%d of %d)", p.name, p.size, p.resize)
}

// cropSide is the source-space side of the centre square that maps onto a
// size x size crop once the shorter side is scaled to resize.
func cropSide(w, h, size, resize int) int {
	short := min(w, h)
	side := int(math.Round(float64(short) * float64(size) / float64(resize)))
	return max(1, min(side, short))
}

func init() {
	if err := DefaultRegistry.Register(CropProcessorName, NewCropProcessor); err != nil {
		panic(fmt.Sprintf("failed to register CropProcessor: %v", err))
	}
}
