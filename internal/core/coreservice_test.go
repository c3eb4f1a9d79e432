package core

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/jo-hoe/landmarks/internal/backend/classifier"
	"github.com/jo-hoe/landmarks/internal/backend/imageprocessing"
)

type fixedNetwork struct {
	scores []float32
	block  chan struct{}
}

func (n *fixedNetwork) Forward(input []float32, shape []int64) ([]float32, error) {
	if n.block != nil {
		<-n.block
	}
	return n.scores, nil
}

func (n *fixedNetwork) NumClasses() int { return len(n.scores) }

func (n *fixedNetwork) Close() error { return nil }

// scoresFavouring returns logits whose softmax gives index p and spreads
// the remainder evenly over the other classes.
func scoresFavouring(numClasses, index int, p float64) []float32 {
	scores := make([]float32, numClasses)
	rest := (1 - p) / float64(numClasses-1)
	scores[index] = float32(math.Log(p / rest))
	return scores
}

func testServiceConfig(t *testing.T, numClasses int, mutate func(*ServiceConfig)) *ServiceConfig {
	t.Helper()
	config := &ServiceConfig{}
	for i := 0; i < numClasses; i++ {
		config.Classes = append(config.Classes, ClassConfig{
			Name:        fmt.Sprintf("landmark %d", i),
			Description: fmt.Sprintf("description of landmark %d", i),
		})
	}
	config.Preprocessing.InputSize = 32
	config.Preprocessing.ResizeSize = 36
	if mutate != nil {
		mutate(config)
	}
	applyDefaults(config)
	if err := config.Validate(); err != nil {
		t.Fatalf("invalid test config: %v", err)
	}
	return config
}

func newTestService(t *testing.T, config *ServiceConfig, loader classifier.Loader) *CoreService {
	t.Helper()
	service, err := NewCoreService(context.Background(), config, WithLoader(loader))
	if err != nil {
		t.Fatalf("NewCoreService error: %v", err)
	}
	t.Cleanup(func() { _ = service.Close() })
	return service
}

func networkLoader(net classifier.Network) classifier.Loader {
	return classifier.LoaderFunc(func(ctx context.Context) (classifier.Network, error) {
		return net, nil
	})
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 40, 30))
	for y := 0; y < 30; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 6), G: uint8(y * 8), B: 120, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	return buf.Bytes()
}

func TestCoreService_EndToEndFixture(t *testing.T) {
	config := testServiceConfig(t, 14, nil)
	service := newTestService(t, config, networkLoader(&fixedNetwork{scores: scoresFavouring(14, 6, 0.87)}))

	resp, err := service.ClassifyBytes(context.Background(), testPNG(t))
	if err != nil {
		t.Fatalf("ClassifyBytes error: %v", err)
	}
	if !resp.Success || resp.ClassIndex != 6 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Confidence != 87 {
		t.Errorf("Confidence = %v, want 87.00", resp.Confidence)
	}
	if resp.ClassName != "landmark 6" || resp.Description != "description of landmark 6" {
		t.Errorf("unexpected metadata: %q / %q", resp.ClassName, resp.Description)
	}
	if len(resp.Predictions) != 3 || resp.Predictions[0].ClassIndex != 6 {
		t.Errorf("unexpected predictions: %+v", resp.Predictions)
	}
	if resp.Predictions[1].ClassIndex != 0 || resp.Predictions[2].ClassIndex != 1 {
		t.Errorf("ties must be broken by ascending index: %+v", resp.Predictions)
	}
	if resp.Predictions[1].Score != 1 {
		t.Errorf("runner-up score = %v, want 1.00", resp.Predictions[1].Score)
	}
}

func TestCoreService_Base64AndDataURIAgree(t *testing.T) {
	config := testServiceConfig(t, 14, nil)
	service := newTestService(t, config, networkLoader(&fixedNetwork{scores: scoresFavouring(14, 6, 0.87)}))

	encoded := base64.StdEncoding.EncodeToString(testPNG(t))
	plain, err := service.ClassifyBase64(context.Background(), encoded)
	if err != nil {
		t.Fatalf("plain base64 error: %v", err)
	}
	prefixed, err := service.ClassifyBase64(context.Background(), "data:image/png;base64,"+encoded)
	if err != nil {
		t.Fatalf("data uri error: %v", err)
	}
	if plain.ClassIndex != prefixed.ClassIndex || plain.Confidence != prefixed.Confidence {
		t.Errorf("data URI prefix changed the result: %+v vs %+v", plain, prefixed)
	}
}

func TestCoreService_TopKLargerThanClasses(t *testing.T) {
	config := testServiceConfig(t, 2, func(c *ServiceConfig) { c.Inference.TopK = 10 })
	service := newTestService(t, config, networkLoader(&fixedNetwork{scores: []float32{0.2, 0.1}}))

	resp, err := service.ClassifyReader(context.Background(), bytes.NewReader(testPNG(t)))
	if err != nil {
		t.Fatalf("ClassifyReader error: %v", err)
	}
	if len(resp.Predictions) != 2 {
		t.Errorf("got %d predictions, want min(K, N) = 2", len(resp.Predictions))
	}
}

func TestCoreService_MissingMetadataStillSucceeds(t *testing.T) {
	config := testServiceConfig(t, 14, nil)
	service := newTestService(t, config, networkLoader(&fixedNetwork{scores: scoresFavouring(14, 6, 0.87)}))
	if err := service.databaseService.DeleteClassRecord(context.Background(), 6); err != nil {
		t.Fatalf("DeleteClassRecord error: %v", err)
	}

	resp, err := service.ClassifyBytes(context.Background(), testPNG(t))
	if err != nil {
		t.Fatalf("ClassifyBytes error: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success with placeholder")
	}
	if resp.Description != "no description available for class 6" {
		t.Errorf("Description = %q", resp.Description)
	}
	if resp.ClassName != "landmark 6" {
		t.Errorf("ClassName = %q, want the configured label", resp.ClassName)
	}
}

func TestCoreService_MalformedInput(t *testing.T) {
	config := testServiceConfig(t, 3, nil)
	service := newTestService(t, config, networkLoader(&fixedNetwork{scores: []float32{1, 2, 3}}))

	inputs := map[string]func() error{
		"text bytes": func() error {
			_, err := service.ClassifyBytes(context.Background(), []byte("definitely not an image"))
			return err
		},
		"bad base64": func() error {
			_, err := service.ClassifyBase64(context.Background(), "@@@###")
			return err
		},
		"base64 of text": func() error {
			_, err := service.ClassifyBase64(context.Background(), base64.StdEncoding.EncodeToString([]byte("hello")))
			return err
		},
		"empty": func() error {
			_, err := service.ClassifyBytes(context.Background(), nil)
			return err
		},
	}
	for name, run := range inputs {
		t.Run(name, func(t *testing.T) {
			err := run()
			var de *imageprocessing.DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("expected DecodeError, got %v", err)
			}
		})
	}
}

func TestCoreService_ModelLoadFailure(t *testing.T) {
	config := testServiceConfig(t, 3, nil)
	loader := classifier.LoaderFunc(func(ctx context.Context) (classifier.Network, error) {
		return nil, errors.New("weights not found")
	})
	service := newTestService(t, config, loader)

	if h := service.Health(context.Background()); !h.Healthy || h.ModelState != "uninitialized" {
		t.Errorf("lazy service should be healthy before the first request: %+v", h)
	}

	_, err := service.ClassifyBytes(context.Background(), testPNG(t))
	var mle *classifier.ModelLoadError
	if !errors.As(err, &mle) {
		t.Fatalf("expected ModelLoadError, got %v", err)
	}

	h := service.Health(context.Background())
	if h.Healthy || h.Status != "unhealthy" || h.ModelState != "failed" {
		t.Errorf("unexpected health after failed load: %+v", h)
	}
}

func TestCoreService_EagerLoadFailureKeepsServiceUp(t *testing.T) {
	config := testServiceConfig(t, 3, func(c *ServiceConfig) { c.Model.LoadPolicy = "eager" })
	loader := classifier.LoaderFunc(func(ctx context.Context) (classifier.Network, error) {
		return nil, errors.New("no gpu")
	})
	service := newTestService(t, config, loader)

	if h := service.Health(context.Background()); h.Healthy {
		t.Errorf("expected unhealthy after failed eager load: %+v", h)
	}
}

func TestCoreService_ReloadModelRecoversFailedLoad(t *testing.T) {
	config := testServiceConfig(t, 3, func(c *ServiceConfig) { c.Model.LoadPolicy = "eager" })
	var attempts int
	loader := classifier.LoaderFunc(func(ctx context.Context) (classifier.Network, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("weights still uploading")
		}
		return &fixedNetwork{scores: []float32{1, 2, 3}}, nil
	})
	service := newTestService(t, config, loader)

	health, err := service.ReloadModel(context.Background())
	if err != nil {
		t.Fatalf("ReloadModel error: %v", err)
	}
	if !health.Healthy || health.ModelState != "ready" {
		t.Errorf("unexpected health after reload: %+v", health)
	}
	if attempts != 2 {
		t.Errorf("loader called %d times, want 2", attempts)
	}
}

func TestCoreService_RequestTimeout(t *testing.T) {
	net := &fixedNetwork{scores: []float32{1, 2, 3}, block: make(chan struct{})}
	defer close(net.block)
	config := testServiceConfig(t, 3, func(c *ServiceConfig) { c.Inference.RequestTimeout = 30 * time.Millisecond })
	service := newTestService(t, config, networkLoader(net))

	_, err := service.ClassifyBytes(context.Background(), testPNG(t))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestCoreService_Descriptions(t *testing.T) {
	config := testServiceConfig(t, 3, nil)
	service := newTestService(t, config, networkLoader(&fixedNetwork{scores: []float32{1, 2, 3}}))
	ctx := context.Background()

	got, err := service.Description(ctx, 1)
	if err != nil || !got.Success || got.Description != "description of landmark 1" {
		t.Errorf("Description(1) = %+v, %v", got, err)
	}

	got, err = service.Description(ctx, 99)
	if err != nil || got.Success || got.Description != PlaceholderDescription(99) {
		t.Errorf("Description(99) = %+v, %v", got, err)
	}

	record, err := service.UpsertDescription(ctx, 2, "", "  updated text ")
	if err != nil {
		t.Fatalf("UpsertDescription error: %v", err)
	}
	if record.Name != "landmark 2" || record.Description != "updated text" {
		t.Errorf("unexpected stored record: %+v", record)
	}
	got, _ = service.Description(ctx, 2)
	if got.Description != "updated text" {
		t.Errorf("Description(2) after upsert = %q", got.Description)
	}

	for _, index := range []int{-1, 3, 14} {
		if _, err := service.UpsertDescription(ctx, index, "x", "y"); !errors.Is(err, ErrClassIndexOutOfRange) {
			t.Errorf("UpsertDescription(%d) error = %v, want ErrClassIndexOutOfRange", index, err)
		}
	}

	if _, err := service.UpsertDescription(ctx, 2, "landmark 2", " \t\n "); !errors.Is(err, ErrEmptyDescription) {
		t.Errorf("blank description error = %v, want ErrEmptyDescription", err)
	}
	got, _ = service.Description(ctx, 2)
	if got.Description != "updated text" {
		t.Errorf("blank description overwrote stored text: %q", got.Description)
	}
}

func TestCoreService_Classes(t *testing.T) {
	config := testServiceConfig(t, 3, nil)
	service := newTestService(t, config, networkLoader(&fixedNetwork{scores: []float32{1, 2, 3}}))
	ctx := context.Background()
	if err := service.databaseService.DeleteClassRecord(ctx, 1); err != nil {
		t.Fatalf("DeleteClassRecord error: %v", err)
	}

	classes, err := service.Classes(ctx)
	if err != nil {
		t.Fatalf("Classes error: %v", err)
	}
	if len(classes) != 3 {
		t.Fatalf("got %d classes, want 3", len(classes))
	}
	if !classes[0].HasMetadata || classes[1].HasMetadata || !classes[2].HasMetadata {
		t.Errorf("unexpected metadata flags: %+v", classes)
	}
	if classes[1].Description != PlaceholderDescription(1) || classes[1].ClassName != "landmark 1" {
		t.Errorf("unexpected fallback entry: %+v", classes[1])
	}
}

func TestCoreService_SeedKeepsAdminEdits(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "classes.db")
	config := testServiceConfig(t, 3, func(c *ServiceConfig) {
		c.Database.Type = "sqlite"
		c.Database.ConnectionString = dbPath
	})
	loader := networkLoader(&fixedNetwork{scores: []float32{1, 2, 3}})
	ctx := context.Background()

	first, err := NewCoreService(ctx, config, WithLoader(loader))
	if err != nil {
		t.Fatalf("first NewCoreService error: %v", err)
	}
	if _, err := first.UpsertDescription(ctx, 0, "renamed", "edited by admin"); err != nil {
		t.Fatalf("UpsertDescription error: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	second := newTestService(t, config, loader)
	got, err := second.Description(ctx, 0)
	if err != nil || got.Description != "edited by admin" {
		t.Errorf("restart lost the admin edit: %+v, %v", got, err)
	}
}

func TestOutcomeLabel(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "success"},
		{&imageprocessing.DecodeError{Reason: "x"}, "decode_error"},
		{&classifier.ModelLoadError{Path: "m", Err: errors.New("x")}, "model_load_error"},
		{fmt.Errorf("wrapped: %w", &classifier.InferenceError{Err: errors.New("x")}), "inference_error"},
		{fmt.Errorf("forward pass: %w", context.DeadlineExceeded), "timeout"},
		{errors.New("other"), "error"},
	}
	for _, tt := range tests {
		if got := outcomeLabel(tt.err); got != tt.want {
			t.Errorf("outcomeLabel(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
