package imageprocessing

import "fmt"

// Tensor is a single CHW float32 image, batch dimension implied.
type Tensor struct {
	Data     []float32
	Channels int
	Height   int
	Width    int
}

// Shape returns the NCHW shape with a batch of one.
func (t *Tensor) Shape() []int64 {
	return []int64{1, int64(t.Channels), int64(t.Height), int64(t.Width)}
}

// Validate checks that the backing slice matches the declared dimensions
// and, when want is non-nil, that the dimensions equal want (CHW).
func (t *Tensor) Validate(want *[3]int) error {
	if t == nil {
		return fmt.Errorf("nil tensor")
	}
	if n := t.Channels * t.Height * t.Width; n <= 0 || n != len(t.Data) {
		return fmt.Errorf("tensor %dx%dx%d does not match %d values", t.Channels, t.Height, t.Width, len(t.Data))
	}
	if want != nil && (t.Channels != want[0] || t.Height != want[1] || t.Width != want[2]) {
		return fmt.Errorf("tensor shape %dx%dx%d, want %dx%dx%d",
			t.Channels, t.Height, t.Width, want[0], want[1], want[2])
	}
	return nil
}
