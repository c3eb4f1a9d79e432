package classifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

const (
	DeviceCPU  = "cpu"
	DeviceCUDA = "cuda"
)

// ONNXConfig describes a classifier exported to ONNX.
type ONNXConfig struct {
	ModelPath         string
	SharedLibraryPath string
	// InputName and OutputName select graph nodes; empty picks the only one.
	InputName      string
	OutputName     string
	Device         string
	DeviceID       int
	IntraOpThreads int
	NumClasses     int
	InputShape     [3]int
}

// ONNXLoader loads weights through ONNX Runtime.
type ONNXLoader struct {
	cfg ONNXConfig
}

func NewONNXLoader(cfg ONNXConfig) *ONNXLoader {
	if cfg.Device == "" {
		cfg.Device = DeviceCPU
	}
	return &ONNXLoader{cfg: cfg}
}

func (l *ONNXLoader) Source() string {
	return l.cfg.ModelPath
}

func (l *ONNXLoader) Load(ctx context.Context) (Network, error) {
	if err := validateModelPath(l.cfg.ModelPath); err != nil {
		return nil, err
	}
	if l.cfg.Device != DeviceCPU && l.cfg.Device != DeviceCUDA {
		return nil, fmt.Errorf("unsupported device %q", l.cfg.Device)
	}
	if err := initializeEnvironment(l.cfg.SharedLibraryPath); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	inputs, outputs, err := ort.GetInputOutputInfo(l.cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("read model io: %w", err)
	}
	in, err := selectIO("input", inputs, l.cfg.InputName)
	if err != nil {
		return nil, err
	}
	out, err := selectIO("output", outputs, l.cfg.OutputName)
	if err != nil {
		return nil, err
	}
	if err := checkInputDims(in.Dimensions, l.cfg.InputShape); err != nil {
		return nil, err
	}
	numClasses, err := checkOutputDims(out.Dimensions, l.cfg.NumClasses)
	if err != nil {
		return nil, err
	}

	opts, err := l.sessionOptions()
	if err != nil {
		return nil, err
	}
	defer opts.Destroy()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	session, err := ort.NewDynamicAdvancedSession(l.cfg.ModelPath, []string{in.Name}, []string{out.Name}, opts)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	slog.Debug("onnx session created",
		"input", in.Name,
		"input_dims", fmt.Sprint(in.Dimensions),
		"output", out.Name,
		"output_dims", fmt.Sprint(out.Dimensions),
		"device", l.cfg.Device)

	return &onnxNetwork{session: session, numClasses: numClasses}, nil
}

func (l *ONNXLoader) sessionOptions() (*ort.SessionOptions, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	if l.cfg.IntraOpThreads > 0 {
		if err := opts.SetIntraOpNumThreads(l.cfg.IntraOpThreads); err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("set intra-op threads: %w", err)
		}
	}
	if l.cfg.Device == DeviceCUDA {
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("cuda provider options: %w", err)
		}
		defer cuda.Destroy()
		if err := cuda.Update(map[string]string{"device_id": strconv.Itoa(l.cfg.DeviceID)}); err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("configure cuda provider: %w", err)
		}
		if err := opts.AppendExecutionProviderCUDA(cuda); err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("enable cuda provider: %w", err)
		}
	}
	return opts, nil
}

var envMu sync.Mutex

// ONNX Runtime keeps one environment per process.
func initializeEnvironment(libraryPath string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if ort.IsInitialized() {
		return nil
	}
	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnx runtime: %w", err)
	}
	return nil
}

func validateModelPath(path string) error {
	if path == "" {
		return errors.New("empty model path")
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	return nil
}

func selectIO(kind string, infos []ort.InputOutputInfo, name string) (ort.InputOutputInfo, error) {
	if name == "" {
		if len(infos) != 1 {
			return ort.InputOutputInfo{}, fmt.Errorf("model has %d %ss, configure one by name", len(infos), kind)
		}
		return infos[0], nil
	}
	for _, info := range infos {
		if info.Name == name {
			return info, nil
		}
	}
	return ort.InputOutputInfo{}, fmt.Errorf("model has no %s named %q", kind, name)
}

// checkInputDims accepts NCHW with a batch of one; negative dims are dynamic.
func checkInputDims(dims ort.Shape, want [3]int) error {
	if len(dims) != 4 {
		return fmt.Errorf("expected 4D input, got %dD", len(dims))
	}
	if dims[0] > 1 {
		return fmt.Errorf("input batch dimension is %d, expected 1", dims[0])
	}
	for i, w := range want {
		d := dims[i+1]
		if d > 0 && w > 0 && int(d) != w {
			return fmt.Errorf("input shape %v does not match preprocessing [1 %d %d %d]", dims, want[0], want[1], want[2])
		}
	}
	return nil
}

func checkOutputDims(dims ort.Shape, numClasses int) (int, error) {
	if len(dims) == 0 {
		return 0, errors.New("model output has no dimensions")
	}
	last := dims[len(dims)-1]
	if last <= 0 {
		// dynamic width is trusted and verified on every forward pass
		return numClasses, nil
	}
	if numClasses > 0 && int(last) != numClasses {
		return 0, fmt.Errorf("model outputs %d classes, %d configured", last, numClasses)
	}
	return int(last), nil
}

type onnxNetwork struct {
	session    *ort.DynamicAdvancedSession
	numClasses int
}

func (n *onnxNetwork) NumClasses() int {
	return n.numClasses
}

func (n *onnxNetwork) Forward(input []float32, shape []int64) ([]float32, error) {
	in, err := ort.NewTensor(ort.NewShape(shape...), input)
	if err != nil {
		return nil, fmt.Errorf("input tensor: %w", err)
	}
	defer in.Destroy()

	outputs := []ort.Value{nil}
	if err := n.session.Run([]ort.Value{in}, outputs); err != nil {
		return nil, err
	}
	defer outputs[0].Destroy()

	tensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output type %T", outputs[0])
	}
	data := tensor.GetData()
	scores := make([]float32, len(data))
	copy(scores, data)
	return scores, nil
}

func (n *onnxNetwork) Close() error {
	return n.session.Destroy()
}
