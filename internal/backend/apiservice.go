package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jo-hoe/landmarks/internal/backend/classifier"
	"github.com/jo-hoe/landmarks/internal/backend/database"
	"github.com/jo-hoe/landmarks/internal/backend/imageprocessing"
	"github.com/jo-hoe/landmarks/internal/core"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const (
	imageFormField = "image"
	probeMessage   = "API Service is running"
)

type APIService struct {
	coreService *core.CoreService
	config      *core.ServiceConfig
}

type predictRequest struct {
	Image string `json:"image" validate:"required"`
}

type upsertDescriptionRequest struct {
	ClassIndex  *int   `json:"classIndex" validate:"required,min=0"`
	ClassName   string `json:"className"`
	Description string `json:"description" validate:"required"`
}

type upsertDescriptionResponse struct {
	Success     bool   `json:"success"`
	ClassIndex  int    `json:"classIndex"`
	ClassName   string `json:"className"`
	Description string `json:"description"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func NewAPIService(config *core.ServiceConfig, coreService *core.CoreService) *APIService {
	return &APIService{
		coreService: coreService,
		config:      config,
	}
}

// SetRoutes registers the API and its JSON error handling on e.
func (service *APIService) SetRoutes(e *echo.Echo) {
	e.HTTPErrorHandler = jsonErrorHandler

	origins := service.config.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
	}))

	// Set probe route
	e.GET("/probe", func(ctx echo.Context) error {
		return ctx.String(http.StatusOK, probeMessage)
	})
	e.GET("/metrics", echo.WrapHandler(service.coreService.Metrics().Handler()))

	for _, prefix := range []string{"", "/api"} {
		e.POST(prefix+"/predict", service.predictHandler)
		e.GET(prefix+"/description/:classIndex", service.getDescriptionHandler)
		e.POST(prefix+"/description", service.upsertDescriptionHandler)
		e.GET(prefix+"/health", service.healthHandler)
		e.POST(prefix+"/model/reload", service.reloadModelHandler)
	}
	e.POST("/api/classify", service.predictHandler)
	e.GET("/classes", service.classesHandler)
}

func (service *APIService) predictHandler(ctx echo.Context) error {
	request := ctx.Request()
	contentType := request.Header.Get(echo.HeaderContentType)

	var response core.Response
	var err error
	switch {
	case strings.HasPrefix(contentType, echo.MIMEMultipartForm):
		response, err = service.predictFromForm(ctx)
	case strings.HasPrefix(contentType, echo.MIMEApplicationJSON):
		response, err = service.predictFromJSON(ctx)
	case strings.HasPrefix(contentType, "image/"), strings.HasPrefix(contentType, echo.MIMEOctetStream):
		response, err = service.coreService.ClassifyReader(request.Context(), request.Body)
	default:
		return echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("unsupported content type %q, send multipart field %q, a JSON body or raw image bytes", contentType, imageFormField))
	}
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, response)
}

func (service *APIService) predictFromForm(ctx echo.Context) (core.Response, error) {
	fileHeader, err := ctx.FormFile(imageFormField)
	if err != nil {
		return core.Response{}, fmt.Errorf("form field %q: %w", imageFormField, imageprocessing.ErrMissingImage)
	}
	file, err := fileHeader.Open()
	if err != nil {
		return core.Response{}, fmt.Errorf("failed to open uploaded file: %w", err)
	}
	defer file.Close()

	slog.Debug("received image upload", "filename", fileHeader.Filename, "size", fileHeader.Size)
	return service.coreService.ClassifyReader(ctx.Request().Context(), file)
}

func (service *APIService) predictFromJSON(ctx echo.Context) (core.Response, error) {
	var body predictRequest
	if err := ctx.Bind(&body); err != nil {
		return core.Response{}, err
	}
	if err := ctx.Validate(&body); err != nil {
		return core.Response{}, err
	}
	return service.coreService.ClassifyBase64(ctx.Request().Context(), body.Image)
}

func (service *APIService) getDescriptionHandler(ctx echo.Context) error {
	index, err := database.ParseClassIndex(ctx.Param("classIndex"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	result, err := service.coreService.Description(ctx.Request().Context(), index)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, result)
}

func (service *APIService) upsertDescriptionHandler(ctx echo.Context) error {
	var body upsertDescriptionRequest
	if err := ctx.Bind(&body); err != nil {
		return err
	}
	if err := ctx.Validate(&body); err != nil {
		return err
	}

	record, err := service.coreService.UpsertDescription(ctx.Request().Context(), *body.ClassIndex, body.ClassName, body.Description)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, upsertDescriptionResponse{
		Success:     true,
		ClassIndex:  record.Index,
		ClassName:   record.Name,
		Description: record.Description,
	})
}

func (service *APIService) classesHandler(ctx echo.Context) error {
	classes, err := service.coreService.Classes(ctx.Request().Context())
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, classes)
}

func (service *APIService) healthHandler(ctx echo.Context) error {
	health := service.coreService.Health(ctx.Request().Context())
	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	return ctx.JSON(status, health)
}

func (service *APIService) reloadModelHandler(ctx echo.Context) error {
	health, err := service.coreService.ReloadModel(ctx.Request().Context())
	if err != nil {
		return err
	}
	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	return ctx.JSON(status, health)
}

// statusForError maps pipeline errors onto HTTP status codes.
func statusForError(err error) int {
	var httpErr *echo.HTTPError
	var decodeErr *imageprocessing.DecodeError
	var loadErr *classifier.ModelLoadError
	var inferenceErr *classifier.InferenceError
	switch {
	case errors.As(err, &httpErr):
		return httpErr.Code
	case errors.As(err, &decodeErr), errors.Is(err, imageprocessing.ErrMissingImage):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrClassIndexOutOfRange), errors.Is(err, database.ErrInvalidClassIndex),
		errors.Is(err, core.ErrEmptyDescription):
		return http.StatusBadRequest
	case errors.As(err, &loadErr), errors.As(err, &inferenceErr):
		// A load that timed out is still a load failure, not a slow request.
		return http.StatusInternalServerError
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func errorMessage(err error) string {
	var httpErr *echo.HTTPError
	switch {
	case errors.As(err, &httpErr):
		return fmt.Sprint(httpErr.Message)
	case errors.Is(err, imageprocessing.ErrMissingImage):
		return "No image provided"
	case statusForError(err) == http.StatusGatewayTimeout:
		return "request timed out"
	default:
		return err.Error()
	}
}

// jsonErrorHandler renders every failure as {success:false, error}.
func jsonErrorHandler(err error, ctx echo.Context) {
	if ctx.Response().Committed {
		return
	}
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "path", ctx.Path(), "status", status, "error", err)
	}

	var writeErr error
	if ctx.Request().Method == http.MethodHead {
		writeErr = ctx.NoContent(status)
	} else {
		writeErr = ctx.JSON(status, errorResponse{Success: false, Error: errorMessage(err)})
	}
	if writeErr != nil {
		slog.Error("failed to write error response", "error", writeErr)
	}
}
