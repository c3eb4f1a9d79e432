package imageprocessing

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	DefaultMaxUploadBytes = 10 << 20
	DefaultMaxPixels      = 40_000_000
)

// DecoderConfig bounds what the decoder accepts.
type DecoderConfig struct {
	MaxUploadBytes    int64
	MaxPixels         int
	SVGFallbackWidth  int
	SVGFallbackHeight int
}

// Decoder turns raw uploads into canonical RGB images.
type Decoder struct {
	cfg DecoderConfig
}

func NewDecoder(cfg DecoderConfig) *Decoder {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if cfg.MaxPixels <= 0 {
		cfg.MaxPixels = DefaultMaxPixels
	}
	return &Decoder{cfg: cfg}
}

// MaxUploadBytes returns the configured upload limit.
func (d *Decoder) MaxUploadBytes() int64 {
	return d.cfg.MaxUploadBytes
}

// DecodeBase64 decodes a base64 payload, optionally prefixed by a data URI
// header such as "data:image/png;base64,".
func (d *Decoder) DecodeBase64(payload string) (*image.NRGBA, error) {
	data, err := decodeBase64Payload(payload)
	if err != nil {
		return nil, err
	}
	return d.DecodeBytes(data)
}

// DecodeReader reads at most MaxUploadBytes from r and decodes the result.
func (d *Decoder) DecodeReader(r io.Reader) (*image.NRGBA, error) {
	if r == nil {
		return nil, newDecodeError("missing image", ErrMissingImage)
	}
	data, err := io.ReadAll(io.LimitReader(r, d.cfg.MaxUploadBytes+1))
	if err != nil {
		return nil, newDecodeError("read upload", err)
	}
	if int64(len(data)) > d.cfg.MaxUploadBytes {
		return nil, newDecodeError(fmt.Sprintf("upload exceeds %d bytes", d.cfg.MaxUploadBytes), nil)
	}
	return d.DecodeBytes(data)
}

// DecodeBytes decodes an encoded raster or SVG image and converts it to RGB.
func (d *Decoder) DecodeBytes(data []byte) (*image.NRGBA, error) {
	if len(data) == 0 {
		return nil, newDecodeError("empty image payload", ErrMissingImage)
	}
	if int64(len(data)) > d.cfg.MaxUploadBytes {
		return nil, newDecodeError(fmt.Sprintf("upload exceeds %d bytes", d.cfg.MaxUploadBytes), nil)
	}

	if isSVGData(data) {
		img, err := d.decodeSVG(data)
		if err != nil {
			return nil, err
		}
		return toRGB(img), nil
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, newDecodeError("unsupported or corrupt image", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, newDecodeError(fmt.Sprintf("invalid dimensions %dx%d", cfg.Width, cfg.Height), nil)
	}
	if cfg.Width*cfg.Height > d.cfg.MaxPixels {
		return nil, newDecodeError(fmt.Sprintf("image has %d pixels, limit is %d", cfg.Width*cfg.Height, d.cfg.MaxPixels), nil)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, newDecodeError("unsupported or corrupt image", err)
	}

	slog.Debug("decoded image",
		"format", format,
		"width", cfg.Width,
		"height", cfg.Height,
		"input_size_bytes", len(data))

	return toRGB(img), nil
}

func decodeBase64Payload(payload string) ([]byte, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, newDecodeError("empty image payload", ErrMissingImage)
	}
	// data:<mime>;base64,<data>
	if i := strings.IndexByte(payload, ','); i >= 0 {
		payload = payload[i+1:]
	}
	payload = strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', '\t', ' ':
			return -1
		}
		return r
	}, payload)
	if payload == "" {
		return nil, newDecodeError("empty image payload", ErrMissingImage)
	}

	var firstErr error
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		data, err := enc.DecodeString(payload)
		if err == nil {
			return data, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, newDecodeError("malformed base64 payload", firstErr)
}

// toRGB flattens any colour model to opaque 8-bit RGB. Alpha is discarded
// rather than composited, grayscale and palette images are expanded.
func toRGB(img image.Image) *image.NRGBA {
	dst := imaging.Clone(img)
	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 0xff
	}
	return dst
}

// IsDecodeError reports whether err is a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
