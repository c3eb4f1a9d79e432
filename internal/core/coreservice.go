package core

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"

	"github.com/jo-hoe/landmarks/internal/backend/classifier"
	"github.com/jo-hoe/landmarks/internal/backend/database"
	"github.com/jo-hoe/landmarks/internal/backend/imageprocessing"
	"github.com/jo-hoe/landmarks/internal/common"
)

// ErrClassIndexOutOfRange is returned for writes outside the model's classes.
var ErrClassIndexOutOfRange = errors.New("class index out of range")

// ErrEmptyDescription is returned when a description is blank after normalization.
var ErrEmptyDescription = errors.New("description must not be empty")

type CoreService struct {
	config          *ServiceConfig
	databaseService database.DatabaseService
	decoder         *imageprocessing.Decoder
	preprocessor    *imageprocessing.Preprocessor
	engine          *classifier.Engine
	ranker          *classifier.Ranker
	metrics         *common.Metrics
	labels          []string
}

type options struct {
	loader   classifier.Loader
	database database.DatabaseService
	metrics  *common.Metrics
}

// Option replaces a collaborator that NewCoreService would otherwise build
// from the configuration.
type Option func(*options)

func WithLoader(loader classifier.Loader) Option {
	return func(o *options) { o.loader = loader }
}

func WithDatabase(db database.DatabaseService) Option {
	return func(o *options) { o.database = db }
}

func WithMetrics(m *common.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// NewCoreService wires the pipeline. An eager model load that fails is
// logged and leaves the service up and reporting unhealthy.
func NewCoreService(ctx context.Context, config *ServiceConfig, opts ...Option) (*CoreService, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = common.NewMetrics()
	}

	databaseService := o.database
	if databaseService == nil {
		var err error
		databaseService, err = getDatabaseService(ctx, config)
		if err != nil {
			return nil, err
		}
	}

	service, err := newCoreService(config, databaseService, o)
	if err != nil {
		_ = databaseService.Close()
		return nil, err
	}

	if err := service.seedClassRecords(ctx); err != nil {
		_ = service.Close()
		return nil, err
	}
	service.auditClassRecords(ctx)

	if err := service.engine.Start(ctx); err != nil {
		slog.Error("model is not available, predictions will fail until it loads", "error", err)
	}
	return service, nil
}

func newCoreService(config *ServiceConfig, databaseService database.DatabaseService, o options) (*CoreService, error) {
	mode, err := imageprocessing.ParseMode(config.Preprocessing.Mode)
	if err != nil {
		return nil, err
	}
	preprocessor, err := imageprocessing.NewPreprocessor(imageprocessing.PreprocessorConfig{
		Mode:       mode,
		InputSize:  config.Preprocessing.InputSize,
		ResizeSize: config.Preprocessing.ResizeSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize preprocessor: %w", err)
	}

	labels := config.Labels()
	loader := o.loader
	if loader == nil {
		loader = classifier.NewONNXLoader(classifier.ONNXConfig{
			ModelPath:         config.Model.Path,
			SharedLibraryPath: config.Model.SharedLibraryPath,
			InputName:         config.Model.InputName,
			OutputName:        config.Model.OutputName,
			Device:            config.Model.Device,
			DeviceID:          config.Model.DeviceID,
			IntraOpThreads:    config.Model.Threads,
			NumClasses:        len(labels),
			InputShape:        preprocessor.InputShape(),
		})
	}

	policy, err := classifier.ParseLoadPolicy(config.Model.LoadPolicy)
	if err != nil {
		return nil, err
	}
	engine, err := classifier.NewEngine(loader, classifier.Config{
		NumClasses:    len(labels),
		InputShape:    preprocessor.InputShape(),
		Policy:        policy,
		LoadTimeout:   config.Model.LoadTimeout,
		RetryInterval: config.Model.RetryInterval,
		RetryMax:      config.Model.RetryMax,
	}, o.metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize classifier: %w", err)
	}

	return &CoreService{
		config:          config,
		databaseService: databaseService,
		decoder: imageprocessing.NewDecoder(imageprocessing.DecoderConfig{
			MaxUploadBytes: config.Preprocessing.MaxUploadBytes,
			MaxPixels:      config.Preprocessing.MaxPixels,
		}),
		preprocessor: preprocessor,
		engine:       engine,
		ranker:       classifier.NewRanker(config.Inference.TopK),
		metrics:      o.metrics,
		labels:       labels,
	}, nil
}

func getDatabaseService(ctx context.Context, config *ServiceConfig) (database.DatabaseService, error) {
	databaseService, err := database.NewDatabase(ctx, config.Database.Type, config.Database.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	slog.Info("database initialized successfully", "type", config.Database.Type)
	return databaseService, nil
}

// Metrics exposes the registry for the /metrics route.
func (service *CoreService) Metrics() *common.Metrics {
	return service.metrics
}

// MaxUploadBytes is the largest accepted encoded image.
func (service *CoreService) MaxUploadBytes() int64 {
	return service.decoder.MaxUploadBytes()
}

// NumClasses is N, the size of the model's output layer.
func (service *CoreService) NumClasses() int {
	return len(service.labels)
}

// ClassifyBase64 classifies a base64 image, with or without a data URI prefix.
func (service *CoreService) ClassifyBase64(ctx context.Context, payload string) (Response, error) {
	return service.classify(ctx, func() (*image.NRGBA, error) {
		return service.decoder.DecodeBase64(payload)
	})
}

// ClassifyBytes classifies an encoded image.
func (service *CoreService) ClassifyBytes(ctx context.Context, data []byte) (Response, error) {
	return service.classify(ctx, func() (*image.NRGBA, error) {
		return service.decoder.DecodeBytes(data)
	})
}

// ClassifyReader classifies an encoded image read from r.
func (service *CoreService) ClassifyReader(ctx context.Context, r io.Reader) (Response, error) {
	return service.classify(ctx, func() (*image.NRGBA, error) {
		return service.decoder.DecodeReader(r)
	})
}

func (service *CoreService) classify(ctx context.Context, decode func() (*image.NRGBA, error)) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, service.config.Inference.RequestTimeout)
	defer cancel()

	response, err := service.runPipeline(ctx, decode)
	service.metrics.PredictionServed(outcomeLabel(err))
	return response, err
}

func (service *CoreService) runPipeline(ctx context.Context, decode func() (*image.NRGBA, error)) (Response, error) {
	img, err := decode()
	if err != nil {
		return Response{}, err
	}
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	tensor := service.preprocessor.Preprocess(img)
	scores, err := service.engine.Predict(ctx, tensor)
	if err != nil {
		return Response{}, err
	}

	ranked := service.ranker.Rank(scores)
	response, missing, err := Assemble(ctx, ranked, service.databaseService.GetClassRecord, service.labels)
	if err != nil {
		return Response{}, err
	}
	for range missing {
		service.metrics.MetadataMiss()
	}

	slog.Debug("image classified",
		"class_index", response.ClassIndex,
		"confidence", response.Confidence,
		"mode", service.preprocessor.Mode())
	return response, nil
}

func outcomeLabel(err error) string {
	var decodeErr *imageprocessing.DecodeError
	var loadErr *classifier.ModelLoadError
	var inferenceErr *classifier.InferenceError
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &decodeErr):
		return "decode_error"
	case errors.As(err, &loadErr):
		return "model_load_error"
	case errors.As(err, &inferenceErr):
		return "inference_error"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	default:
		return "error"
	}
}

// DescriptionResult mirrors the description endpoint body.
type DescriptionResult struct {
	Success     bool   `json:"success"`
	Description string `json:"description"`
}

// Description returns the stored description, or success=false with a
// placeholder when the index has no record.
func (service *CoreService) Description(ctx context.Context, index int) (DescriptionResult, error) {
	record, found, err := service.databaseService.GetClassRecord(ctx, index)
	if err != nil {
		return DescriptionResult{}, fmt.Errorf("failed to read class %d: %w", index, err)
	}
	if !found {
		return DescriptionResult{Success: false, Description: PlaceholderDescription(index)}, nil
	}
	return DescriptionResult{Success: true, Description: record.Description}, nil
}

// UpsertDescription replaces the record for index. A blank name keeps the
// configured label; a blank description is rejected.
func (service *CoreService) UpsertDescription(ctx context.Context, index int, name, description string) (database.ClassRecord, error) {
	if index < 0 || index >= len(service.labels) {
		return database.ClassRecord{}, fmt.Errorf("%w: %d not in [0, %d)", ErrClassIndexOutOfRange, index, len(service.labels))
	}
	record := database.ClassRecord{Index: index, Name: name, Description: description}.Normalize()
	if record.Name == "" {
		record.Name = service.labels[index]
	}
	if record.Description == "" {
		return database.ClassRecord{}, fmt.Errorf("class %d: %w", index, ErrEmptyDescription)
	}
	if err := service.databaseService.UpsertClassRecord(ctx, record); err != nil {
		return database.ClassRecord{}, fmt.Errorf("failed to store class %d: %w", index, err)
	}
	slog.Info("class description updated", "class_index", index, "class_name", record.Name)
	return record, nil
}

// ClassInfo is one model class joined with its stored metadata.
type ClassInfo struct {
	ClassIndex  int    `json:"classIndex"`
	ClassName   string `json:"className"`
	Description string `json:"description"`
	HasMetadata bool   `json:"hasMetadata"`
}

// Classes lists every index the model can emit.
func (service *CoreService) Classes(ctx context.Context) ([]ClassInfo, error) {
	records, err := service.databaseService.GetAllClassRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list classes: %w", err)
	}
	byIndex := make(map[int]database.ClassRecord, len(records))
	for _, r := range records {
		byIndex[r.Index] = r
	}

	classes := make([]ClassInfo, len(service.labels))
	for i := range service.labels {
		info := ClassInfo{
			ClassIndex:  i,
			ClassName:   FallbackName(i, service.labels),
			Description: PlaceholderDescription(i),
		}
		if r, ok := byIndex[i]; ok {
			info.HasMetadata = true
			if r.Name != "" {
				info.ClassName = r.Name
			}
			info.Description = r.Description
		}
		classes[i] = info
	}
	return classes, nil
}

// HealthStatus is the health endpoint body.
type HealthStatus struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	ModelState string `json:"modelState"`
	Healthy    bool   `json:"-"`
}

// Health is unhealthy while the model is Failed or the store is unreachable.
// A model that is not loaded yet under the lazy policy is healthy.
func (service *CoreService) Health(ctx context.Context) HealthStatus {
	state := service.engine.State()
	status := HealthStatus{
		Status:     "healthy",
		Message:    "API is running",
		ModelState: state.String(),
		Healthy:    true,
	}
	if state == classifier.StateFailed {
		status.Status = "unhealthy"
		status.Healthy = false
		status.Message = "model unavailable"
		if err := service.engine.LastError(); err != nil {
			status.Message = err.Error()
		}
		return status
	}
	if !service.databaseService.DoesDatabaseExist(ctx) {
		status.Status = "unhealthy"
		status.Healthy = false
		status.Message = "metadata store unreachable"
	}
	return status
}

// ReloadModel retries a failed model load right away and reports the
// resulting health. A loaded model is left untouched.
func (service *CoreService) ReloadModel(ctx context.Context) (HealthStatus, error) {
	if err := service.engine.Reload(ctx); err != nil {
		return HealthStatus{}, err
	}
	slog.Info("model reload requested", "model_state", service.engine.State().String())
	return service.Health(ctx), nil
}

func (service *CoreService) seedClassRecords(ctx context.Context) error {
	records := make([]database.ClassRecord, len(service.config.Classes))
	for i, c := range service.config.Classes {
		records[i] = database.ClassRecord{Index: i, Name: c.Name, Description: c.Description}
	}
	inserted, err := service.databaseService.SeedClassRecords(ctx, records)
	if err != nil {
		return fmt.Errorf("failed to seed class descriptions: %w", err)
	}
	slog.Info("class descriptions seeded", "inserted", inserted, "configured", len(records))
	return nil
}

// auditClassRecords logs drift between the store and the model's classes.
// Drift is never fatal: lookups fall back to placeholders.
func (service *CoreService) auditClassRecords(ctx context.Context) {
	records, err := service.databaseService.GetAllClassRecords(ctx)
	if err != nil {
		slog.Warn("could not audit class descriptions", "error", err)
		return
	}
	present := make(map[int]bool, len(records))
	for _, r := range records {
		present[r.Index] = true
		if r.Index >= len(service.labels) {
			slog.Warn("stored class is outside the model's output range",
				"class_index", r.Index, "num_classes", len(service.labels))
			continue
		}
		if r.Name != service.labels[r.Index] {
			slog.Warn("stored class name differs from configured label",
				"class_index", r.Index, "stored", r.Name, "configured", service.labels[r.Index])
		}
	}
	for i := range service.labels {
		if !present[i] {
			slog.Warn("class has no stored description", "class_index", i)
		}
	}
}

func (service *CoreService) Close() error {
	return errors.Join(service.engine.Close(), service.databaseService.Close())
}
