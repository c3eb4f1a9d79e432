package imageprocessing

import (
	"fmt"
	"image"
	"log/slog"
)

// Mode selects how an image is brought to the network input size.
type Mode string

const (
	// ModeResizeDirect stretches the image to InputSize x InputSize.
	ModeResizeDirect Mode = "resize_direct"
	// ModeResizeThenCrop scales the shorter side to ResizeSize and centre
	// crops InputSize x InputSize, preserving aspect ratio.
	ModeResizeThenCrop Mode = "resize_then_crop"
)

const (
	DefaultInputSize  = 224
	DefaultResizeSize = 256
)

// ImageNet channel statistics the backbone was trained with.
var (
	DefaultMean = [3]float32{0.485, 0.456, 0.406}
	DefaultStd  = [3]float32{0.229, 0.224, 0.225}
)

// ParseMode validates a configured mode string. Empty selects resize_direct.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeResizeDirect:
		return ModeResizeDirect, nil
	case ModeResizeThenCrop:
		return ModeResizeThenCrop, nil
	default:
		return "", fmt.Errorf("unknown preprocessing mode %q (want %q or %q)", s, ModeResizeDirect, ModeResizeThenCrop)
	}
}

// PreprocessorConfig is fixed at construction.
type PreprocessorConfig struct {
	Mode       Mode
	InputSize  int
	ResizeSize int
	Mean       [3]float32
	Std        [3]float32
}

// Preprocessor is a pure image -> tensor transform.
type Preprocessor struct {
	cfg        PreprocessorConfig
	processors []ImageProcessor
}

func NewPreprocessor(cfg PreprocessorConfig) (*Preprocessor, error) {
	mode, err := ParseMode(string(cfg.Mode))
	if err != nil {
		return nil, err
	}
	cfg.Mode = mode
	if cfg.InputSize <= 0 {
		cfg.InputSize = DefaultInputSize
	}
	if cfg.ResizeSize <= 0 {
		cfg.ResizeSize = DefaultResizeSize
	}
	if cfg.ResizeSize < cfg.InputSize {
		return nil, fmt.Errorf("resize size %d is smaller than input size %d", cfg.ResizeSize, cfg.InputSize)
	}
	if cfg.Mean == ([3]float32{}) && cfg.Std == ([3]float32{}) {
		cfg.Mean = DefaultMean
		cfg.Std = DefaultStd
	}
	for c, s := range cfg.Std {
		if s <= 0 {
			return nil, fmt.Errorf("std[%d] must be positive, got %v", c, s)
		}
	}
	processors, err := BuildProcessors(DefaultRegistry, processorConfigs(cfg))
	if err != nil {
		return nil, err
	}
	slog.Debug("preprocessor configured", "mode", cfg.Mode, "processors", fmt.Sprint(processors))
	return &Preprocessor{cfg: cfg, processors: processors}, nil
}

// processorConfigs lists the geometric steps of each mode.
func processorConfigs(cfg PreprocessorConfig) []ProcessorConfig {
	scale := ProcessorConfig{
		Name:   ScaleProcessorName,
		Params: map[string]any{"width": cfg.InputSize, "height": cfg.InputSize},
	}
	if cfg.Mode == ModeResizeThenCrop {
		crop := ProcessorConfig{
			Name:   CropProcessorName,
			Params: map[string]any{"size": cfg.InputSize, "resize": cfg.ResizeSize},
		}
		return []ProcessorConfig{crop, scale}
	}
	return []ProcessorConfig{scale}
}

// Mode returns the preprocessing variant in use.
func (p *Preprocessor) Mode() Mode {
	return p.cfg.Mode
}

// InputShape returns the CHW shape of every produced tensor.
func (p *Preprocessor) InputShape() [3]int {
	return [3]int{3, p.cfg.InputSize, p.cfg.InputSize}
}

// Preprocess resizes, optionally crops and normalizes img.
func (p *Preprocessor) Preprocess(img image.Image) *Tensor {
	size := p.cfg.InputSize
	bounds := img.Bounds()

	rgb := toRGB(ApplyProcessors(img, p.processors))

	slog.Debug("preprocessed image",
		"mode", p.cfg.Mode,
		"original_width", bounds.Dx(),
		"original_height", bounds.Dy(),
		"tensor_size", size)

	return p.normalize(rgb)
}

func (p *Preprocessor) normalize(img *image.NRGBA) *Tensor {
	size := p.cfg.InputSize
	plane := size * size
	t := &Tensor{
		Data:     make([]float32, 3*plane),
		Channels: 3,
		Height:   size,
		Width:    size,
	}

	var scale [3]float32
	var shift [3]float32
	for c := 0; c < 3; c++ {
		scale[c] = 1 / (255 * p.cfg.Std[c])
		shift[c] = p.cfg.Mean[c] / p.cfg.Std[c]
	}

	parallelFor(size, func(y int) {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < size; x++ {
			px := row[x*4 : x*4+3]
			i := y*size + x
			t.Data[i] = float32(px[0])*scale[0] - shift[0]
			t.Data[plane+i] = float32(px[1])*scale[1] - shift[1]
			t.Data[2*plane+i] = float32(px[2])*scale[2] - shift[2]
		}
	})
	return t
}
