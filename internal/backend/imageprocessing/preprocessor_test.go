package imageprocessing

import (
	"image"
	"image/color"
	"math"
	"runtime"
	"testing"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModeResizeDirect, false},
		{"resize_direct", ModeResizeDirect, false},
		{"resize_then_crop", ModeResizeThenCrop, false},
		{"center_crop", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseMode(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseMode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPreprocess_ShapeAndBounds(t *testing.T) {
	sizes := []struct{ w, h int }{
		{224, 224},
		{640, 480},
		{300, 900},
		{1, 1},
		{17, 3},
	}
	extremes := []color.NRGBA{
		{0, 0, 0, 255},
		{255, 255, 255, 255},
		{255, 0, 128, 255},
	}

	for _, mode := range []Mode{ModeResizeDirect, ModeResizeThenCrop} {
		pre, err := NewPreprocessor(PreprocessorConfig{Mode: mode})
		if err != nil {
			t.Fatalf("NewPreprocessor(%s) error: %v", mode, err)
		}
		want := pre.InputShape()
		for _, s := range sizes {
			for _, fill := range extremes {
				img := image.NewNRGBA(image.Rect(0, 0, s.w, s.h))
				for i := 0; i < len(img.Pix); i += 4 {
					img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = fill.R, fill.G, fill.B, fill.A
				}
				tensor := pre.Preprocess(img)
				if err := tensor.Validate(&want); err != nil {
					t.Fatalf("%s %dx%d: %v", mode, s.w, s.h, err)
				}
				for i, v := range tensor.Data {
					if v < -3 || v > 3 || math.IsNaN(float64(v)) {
						t.Fatalf("%s %dx%d: value %v at %d outside [-3, 3]", mode, s.w, s.h, v, i)
					}
				}
			}
		}
	}
}

func TestPreprocess_NormalizesPerChannel(t *testing.T) {
	pre, err := NewPreprocessor(PreprocessorConfig{})
	if err != nil {
		t.Fatalf("NewPreprocessor error: %v", err)
	}
	img := image.NewNRGBA(image.Rect(0, 0, 50, 50))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = 255, 0, 51, 255
	}
	tensor := pre.Preprocess(img)
	plane := tensor.Height * tensor.Width

	want := [3]float64{
		(1 - 0.485) / 0.229,
		(0 - 0.456) / 0.224,
		(0.2 - 0.406) / 0.225,
	}
	for c := 0; c < 3; c++ {
		got := float64(tensor.Data[c*plane+plane/2])
		if math.Abs(got-want[c]) > 1e-4 {
			t.Errorf("channel %d = %v, want %v", c, got, want[c])
		}
	}
}

func TestPreprocess_Deterministic(t *testing.T) {
	pre, err := NewPreprocessor(PreprocessorConfig{Mode: ModeResizeThenCrop})
	if err != nil {
		t.Fatalf("NewPreprocessor error: %v", err)
	}
	img := gradientImage(333, 211)
	a := pre.Preprocess(img)
	for run := 0; run < 5; run++ {
		b := pre.Preprocess(img)
		for i := range a.Data {
			if a.Data[i] != b.Data[i] {
				t.Fatalf("run %d differs at %d: %v vs %v", run, i, a.Data[i], b.Data[i])
			}
		}
	}
}

func TestPreprocess_VariantsDiffer(t *testing.T) {
	direct, _ := NewPreprocessor(PreprocessorConfig{Mode: ModeResizeDirect})
	crop, _ := NewPreprocessor(PreprocessorConfig{Mode: ModeResizeThenCrop})

	// white band on the right quarter of a wide canvas: the centre crop
	// never reaches it, the direct resize keeps it
	img := image.NewNRGBA(image.Rect(0, 0, 800, 200))
	for y := 0; y < 200; y++ {
		for x := 0; x < 800; x++ {
			c := color.NRGBA{0, 0, 0, 255}
			if x >= 600 {
				c = color.NRGBA{255, 255, 255, 255}
			}
			img.SetNRGBA(x, y, c)
		}
	}
	a := direct.Preprocess(img)
	b := crop.Preprocess(img)
	same := true
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("expected resize_direct and resize_then_crop tensors to differ")
	}
}

func TestPreprocess_ExtremeAspectRatioStaysBounded(t *testing.T) {
	pre, err := NewPreprocessor(PreprocessorConfig{Mode: ModeResizeThenCrop})
	if err != nil {
		t.Fatalf("NewPreprocessor error: %v", err)
	}
	want := pre.InputShape()

	for _, s := range []struct{ w, h int }{{1, 20000}, {20000, 1}} {
		img := image.NewNRGBA(image.Rect(0, 0, s.w, s.h))
		for i := range img.Pix {
			img.Pix[i] = 255
		}

		var before, after runtime.MemStats
		runtime.ReadMemStats(&before)
		tensor := pre.Preprocess(img)
		runtime.ReadMemStats(&after)

		if err := tensor.Validate(&want); err != nil {
			t.Fatalf("%dx%d: %v", s.w, s.h, err)
		}
		if allocated := after.TotalAlloc - before.TotalAlloc; allocated > 32<<20 {
			t.Errorf("%dx%d: preprocessing allocated %d bytes", s.w, s.h, allocated)
		}
	}
}

func TestNewPreprocessor_RejectsBadConfig(t *testing.T) {
	if _, err := NewPreprocessor(PreprocessorConfig{Mode: "bogus"}); err == nil {
		t.Error("expected error for unknown mode")
	}
	if _, err := NewPreprocessor(PreprocessorConfig{InputSize: 300, ResizeSize: 256}); err == nil {
		t.Error("expected error when resize size < input size")
	}
	if _, err := NewPreprocessor(PreprocessorConfig{Mean: [3]float32{0.5, 0.5, 0.5}}); err == nil {
		t.Error("expected error for zero std")
	}
}

func TestParallelFor_CoversAllRows(t *testing.T) {
	for _, n := range []int{0, 1, 7, 224} {
		hits := make([]int, n)
		parallelFor(n, func(y int) { hits[y]++ })
		for y, h := range hits {
			if h != 1 {
				t.Fatalf("n=%d: row %d visited %d times", n, y, h)
			}
		}
	}
}
