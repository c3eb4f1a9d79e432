package core

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/jo-hoe/landmarks/internal/backend/classifier"
	"github.com/jo-hoe/landmarks/internal/backend/database"
	"github.com/jo-hoe/landmarks/internal/backend/imageprocessing"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPort           = 5000
	DefaultModelPath      = "./model.onnx"
	DefaultRequestTimeout = 30 * time.Second
)

// ClassConfig is one output class of the model, in output order.
type ClassConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type Database struct {
	Type             string `yaml:"type"`
	ConnectionString string `yaml:"connectionString"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Model struct {
	Path              string        `yaml:"path"`
	SharedLibraryPath string        `yaml:"sharedLibraryPath"`
	InputName         string        `yaml:"inputName"`
	OutputName        string        `yaml:"outputName"`
	Device            string        `yaml:"device"`
	DeviceID          int           `yaml:"deviceId"`
	Threads           int           `yaml:"threads"`
	LoadPolicy        string        `yaml:"loadPolicy"`
	LoadTimeout       time.Duration `yaml:"loadTimeout"`
	RetryInterval     time.Duration `yaml:"retryInterval"`
	RetryMax          time.Duration `yaml:"retryMax"`
}

type Preprocessing struct {
	Mode           string `yaml:"mode"`
	InputSize      int    `yaml:"inputSize"`
	ResizeSize     int    `yaml:"resizeSize"`
	MaxUploadBytes int64  `yaml:"maxUploadBytes"`
	MaxPixels      int    `yaml:"maxPixels"`
}

type Inference struct {
	TopK           int           `yaml:"topK"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
}

type ServiceConfig struct {
	Port          int           `yaml:"port"`
	CORSOrigins   []string      `yaml:"corsOrigins"`
	Logging       Logging       `yaml:"logging"`
	Database      Database      `yaml:"database"`
	Model         Model         `yaml:"model"`
	Preprocessing Preprocessing `yaml:"preprocessing"`
	Inference     Inference     `yaml:"inference"`
	Classes       []ClassConfig `yaml:"classes"`
}

// LoadConfig loads configuration from the specified YAML file
func LoadConfig(configPath string) (*ServiceConfig, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	config, err := ParseConfig(data, os.Getenv)
	if err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}
	return config, nil
}

// ParseConfig decodes YAML, applies environment overrides and defaults, and
// validates the result.
func ParseConfig(data []byte, getenv func(string) string) (*ServiceConfig, error) {
	var config ServiceConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse yaml: %w", err)
	}

	if err := applyEnvOverrides(&config, getenv); err != nil {
		return nil, err
	}
	applyDefaults(&config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// PORT and MODEL_PATH win over the file, as deployment platforms set them.
func applyEnvOverrides(config *ServiceConfig, getenv func(string) string) error {
	if getenv == nil {
		return nil
	}
	if port := getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", port, err)
		}
		config.Port = p
	}
	if path := getenv("MODEL_PATH"); path != "" {
		config.Model.Path = path
	}
	return nil
}

func applyDefaults(config *ServiceConfig) {
	if config.Port == 0 {
		config.Port = DefaultPort
	}
	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.Format == "" {
		config.Logging.Format = "text"
	}
	if config.Database.Type == "" {
		config.Database.Type = database.TypeSQLite
	}
	if config.Database.Type == database.TypeSQLite && config.Database.ConnectionString == "" {
		config.Database.ConnectionString = ":memory:"
	}
	if config.Model.Path == "" {
		config.Model.Path = DefaultModelPath
	}
	if config.Model.Device == "" {
		config.Model.Device = classifier.DeviceCPU
	}
	if config.Model.LoadPolicy == "" {
		config.Model.LoadPolicy = string(classifier.LoadLazy)
	}
	if config.Model.LoadTimeout <= 0 {
		config.Model.LoadTimeout = classifier.DefaultLoadTimeout
	}
	if config.Preprocessing.Mode == "" {
		config.Preprocessing.Mode = string(imageprocessing.ModeResizeDirect)
	}
	if config.Preprocessing.InputSize == 0 {
		config.Preprocessing.InputSize = imageprocessing.DefaultInputSize
	}
	if config.Preprocessing.ResizeSize == 0 {
		config.Preprocessing.ResizeSize = imageprocessing.DefaultResizeSize
	}
	if config.Inference.TopK == 0 {
		config.Inference.TopK = classifier.DefaultTopK
	}
	if config.Inference.RequestTimeout <= 0 {
		config.Inference.RequestTimeout = DefaultRequestTimeout
	}
}

func (config *ServiceConfig) Validate() error {
	if config.Port < 1 || config.Port > 65535 {
		return fmt.Errorf("port %d out of range", config.Port)
	}
	if _, err := parseLogLevel(config.Logging.Level); err != nil {
		return err
	}
	if config.Logging.Format != "text" && config.Logging.Format != "json" {
		return fmt.Errorf("unknown logging format %q", config.Logging.Format)
	}
	if _, err := imageprocessing.ParseMode(config.Preprocessing.Mode); err != nil {
		return err
	}
	if _, err := classifier.ParseLoadPolicy(config.Model.LoadPolicy); err != nil {
		return err
	}
	if config.Model.Device != classifier.DeviceCPU && config.Model.Device != classifier.DeviceCUDA {
		return fmt.Errorf("unknown model device %q", config.Model.Device)
	}
	if config.Inference.TopK < 1 {
		return fmt.Errorf("topK must be at least 1, got %d", config.Inference.TopK)
	}
	if err := validateClasses(config.Classes); err != nil {
		return fmt.Errorf("invalid class configuration: %w", err)
	}
	return nil
}

// validateClasses ensures all class configurations have unique names
func validateClasses(classes []ClassConfig) error {
	if len(classes) == 0 {
		return fmt.Errorf("no classes configured")
	}
	seenNames := make(map[string]int)

	for i, class := range classes {
		name := database.NormalizeText(class.Name)
		if name == "" {
			return fmt.Errorf("class at index %d has empty name", i)
		}

		if first, ok := seenNames[name]; ok {
			return fmt.Errorf("duplicate class name %q at index %d and %d", name, first, i)
		}
		seenNames[name] = i
	}

	return nil
}

// Labels returns the configured class names in output order.
func (config *ServiceConfig) Labels() []string {
	labels := make([]string, len(config.Classes))
	for i, c := range config.Classes {
		labels[i] = database.NormalizeText(c.Name)
	}
	return labels
}

func parseLogLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return 0, fmt.Errorf("unknown logging level %q", level)
	}
	return l, nil
}

// NewLogger builds the process logger from the logging section.
func NewLogger(config Logging) (*slog.Logger, error) {
	level, err := parseLogLevel(config.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	switch config.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(os.Stdout, opts)), nil
	default:
		return nil, fmt.Errorf("unknown logging format %q", config.Format)
	}
}
