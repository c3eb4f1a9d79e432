package classifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jo-hoe/landmarks/internal/backend/imageprocessing"
	"golang.org/x/sync/singleflight"
)

// State is the lifecycle position of the engine's model.
type State int32

const (
	StateUninitialized State = iota
	StateLoading
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// LoadPolicy decides when the model is loaded.
type LoadPolicy string

const (
	LoadEager LoadPolicy = "eager"
	LoadLazy  LoadPolicy = "lazy"
)

// ParseLoadPolicy validates a configured policy. Empty selects lazy.
func ParseLoadPolicy(s string) (LoadPolicy, error) {
	switch LoadPolicy(s) {
	case "", LoadLazy:
		return LoadLazy, nil
	case LoadEager:
		return LoadEager, nil
	default:
		return "", fmt.Errorf("unknown load policy %q (want %q or %q)", s, LoadEager, LoadLazy)
	}
}

const (
	DefaultLoadTimeout   = 2 * time.Minute
	DefaultRetryInterval = 5 * time.Second
	DefaultRetryMax      = 5 * time.Minute
)

// Config is fixed for the lifetime of an Engine.
type Config struct {
	NumClasses    int
	InputShape    [3]int
	Policy        LoadPolicy
	LoadTimeout   time.Duration
	RetryInterval time.Duration
	RetryMax      time.Duration
}

// Recorder receives engine events, typically for metrics.
type Recorder interface {
	ModelLoaded(d time.Duration, err error)
	ForwardPass(d time.Duration, err error)
	StateChanged(state string)
}

type nopRecorder struct{}

func (nopRecorder) ModelLoaded(time.Duration, error) {}
func (nopRecorder) ForwardPass(time.Duration, error) {}
func (nopRecorder) StateChanged(string)              {}

// Engine owns the model handle and drives it through
// Uninitialized -> Loading -> Ready | Failed.
type Engine struct {
	loader Loader
	cfg    Config
	rec    Recorder
	now    func() time.Time

	group singleflight.Group

	mu      sync.RWMutex
	state   State
	net     Network
	loadErr *ModelLoadError
	retryAt time.Time
	retry   *backoff.ExponentialBackOff
	closed  bool

	// held for reading by every forward pass so Close can wait for them
	useMu sync.RWMutex
}

func NewEngine(loader Loader, cfg Config, rec Recorder) (*Engine, error) {
	if loader == nil {
		return nil, errors.New("loader is required")
	}
	if cfg.NumClasses < 1 {
		return nil, fmt.Errorf("number of classes must be positive, got %d", cfg.NumClasses)
	}
	policy, err := ParseLoadPolicy(string(cfg.Policy))
	if err != nil {
		return nil, err
	}
	cfg.Policy = policy
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = DefaultLoadTimeout
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.RetryMax < cfg.RetryInterval {
		cfg.RetryMax = max(DefaultRetryMax, cfg.RetryInterval)
	}
	if rec == nil {
		rec = nopRecorder{}
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = cfg.RetryInterval
	retry.MaxInterval = cfg.RetryMax
	retry.MaxElapsedTime = 0
	retry.Reset()

	return &Engine{
		loader: loader,
		cfg:    cfg,
		rec:    rec,
		now:    time.Now,
		state:  StateUninitialized,
		retry:  retry,
	}, nil
}

// Start loads the model right away under the eager policy. It is a no-op
// under the lazy policy. A failed eager load leaves the engine Failed.
func (e *Engine) Start(ctx context.Context) error {
	if e.cfg.Policy != LoadEager {
		slog.Info("model will be loaded on first request", "source", e.loader.Source())
		return nil
	}
	_, err := e.ensureLoaded(ctx, false)
	return err
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// LastError returns the error that put the engine in Failed, if any.
func (e *Engine) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.loadErr == nil {
		return nil
	}
	return e.loadErr
}

// NumClasses is the width of the output layer.
func (e *Engine) NumClasses() int {
	return e.cfg.NumClasses
}

// Policy returns the configured load policy.
func (e *Engine) Policy() LoadPolicy {
	return e.cfg.Policy
}

// Reload retries a failed load immediately, skipping the retry delay.
// It does nothing when the model is already loaded.
func (e *Engine) Reload(ctx context.Context) error {
	_, err := e.ensureLoaded(ctx, true)
	return err
}

// Predict runs the forward pass and returns one raw score per class.
func (e *Engine) Predict(ctx context.Context, tensor *imageprocessing.Tensor) ([]float32, error) {
	if err := tensor.Validate(&e.cfg.InputShape); err != nil {
		return nil, &InferenceError{Err: err}
	}

	net, err := e.ensureLoaded(ctx, false)
	if err != nil {
		return nil, err
	}

	type result struct {
		scores []float32
		err    error
	}
	done := make(chan result, 1)
	start := e.now()
	go func() {
		scores, err := e.forward(net, tensor)
		done <- result{scores: scores, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("forward pass: %w", ctx.Err())
	case r := <-done:
		e.rec.ForwardPass(e.now().Sub(start), r.err)
		if r.err != nil {
			return nil, r.err
		}
		return r.scores, nil
	}
}

func (e *Engine) forward(net Network, tensor *imageprocessing.Tensor) ([]float32, error) {
	e.useMu.RLock()
	defer e.useMu.RUnlock()
	if e.isClosed() {
		return nil, ErrClosed
	}

	scores, err := net.Forward(tensor.Data, tensor.Shape())
	if err != nil {
		return nil, &InferenceError{Err: err}
	}
	if len(scores) != e.cfg.NumClasses {
		return nil, &InferenceError{Err: fmt.Errorf("model returned %d scores, expected %d", len(scores), e.cfg.NumClasses)}
	}
	for i, s := range scores {
		if math.IsNaN(float64(s)) || math.IsInf(float64(s), 0) {
			return nil, &InferenceError{Err: fmt.Errorf("non-finite score %v for class %d", s, i)}
		}
	}
	out := make([]float32, len(scores))
	copy(out, scores)
	return out, nil
}

// forcedJoinLimit bounds how often a forced load rejoins flights that only
// replayed the cached failure.
const forcedJoinLimit = 3

// loadOutcome tells a caller whether the flight it joined called the loader.
type loadOutcome struct {
	net       Network
	attempted bool
}

// ensureLoaded returns the ready network, joining or starting a load when
// needed. force skips the retry delay of a Failed engine. A forced caller
// that joins a flight which only replayed the cached failure starts another.
func (e *Engine) ensureLoaded(ctx context.Context, force bool) (Network, error) {
	e.mu.RLock()
	switch {
	case e.closed:
		e.mu.RUnlock()
		return nil, ErrClosed
	case e.state == StateReady:
		net := e.net
		e.mu.RUnlock()
		return net, nil
	case e.state == StateFailed && !force && e.now().Before(e.retryAt):
		err := e.loadErr
		e.mu.RUnlock()
		return nil, err
	}
	e.mu.RUnlock()

	for joins := 1; ; joins++ {
		ch := e.group.DoChan("load", func() (any, error) {
			return e.load(force)
		})
		var res singleflight.Result
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for model load: %w", ctx.Err())
		case res = <-ch:
		}
		outcome := res.Val.(loadOutcome)
		if res.Err == nil {
			return outcome.net, nil
		}
		if !force || outcome.attempted || joins >= forcedJoinLimit {
			return nil, res.Err
		}
		slog.Debug("forced load joined a cached failure, retrying", "joins", joins)
	}
}

// load performs one load attempt. singleflight guarantees it never runs
// concurrently with itself.
func (e *Engine) load(force bool) (loadOutcome, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return loadOutcome{}, ErrClosed
	}
	if e.state == StateReady {
		net := e.net
		e.mu.Unlock()
		return loadOutcome{net: net}, nil
	}
	if e.state == StateFailed && !force && e.now().Before(e.retryAt) {
		err := e.loadErr
		e.mu.Unlock()
		return loadOutcome{}, err
	}
	e.setState(StateLoading)
	e.mu.Unlock()

	slog.Info("loading model", "source", e.loader.Source(), "timeout", e.cfg.LoadTimeout)
	start := e.now()
	net, err := e.runLoader()
	if err == nil && net.NumClasses() != e.cfg.NumClasses {
		err = fmt.Errorf("model has %d outputs but %d classes are configured", net.NumClasses(), e.cfg.NumClasses)
		closeNetwork(net)
		net = nil
	}
	elapsed := e.now().Sub(start)
	e.rec.ModelLoaded(elapsed, err)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		closeNetwork(net)
		return loadOutcome{attempted: true}, ErrClosed
	}
	if err != nil {
		e.loadErr = &ModelLoadError{Path: e.loader.Source(), Err: err}
		delay := e.retry.NextBackOff()
		e.retryAt = e.now().Add(delay)
		e.setState(StateFailed)
		slog.Error("model load failed",
			"source", e.loader.Source(),
			"duration_ms", elapsed.Milliseconds(),
			"retry_in", delay,
			"error", err)
		return loadOutcome{attempted: true}, e.loadErr
	}

	e.net = net
	e.loadErr = nil
	e.retry.Reset()
	e.setState(StateReady)
	slog.Info("model loaded",
		"source", e.loader.Source(),
		"classes", net.NumClasses(),
		"duration_ms", elapsed.Milliseconds())
	return loadOutcome{net: net, attempted: true}, nil
}

// runLoader bounds the loader by LoadTimeout. The load is detached from any
// request context; a loader that outlives the timeout has its result closed.
func (e *Engine) runLoader() (Network, error) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.LoadTimeout)
	defer cancel()

	type result struct {
		net Network
		err error
	}
	done := make(chan result, 1)
	go func() {
		net, err := e.loader.Load(ctx)
		done <- result{net: net, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			closeNetwork(r.net)
			return nil, r.err
		}
		if r.net == nil {
			return nil, errors.New("loader returned no model")
		}
		return r.net, nil
	case <-ctx.Done():
		go func() {
			r := <-done
			closeNetwork(r.net)
		}()
		return nil, fmt.Errorf("load did not finish within %s: %w", e.cfg.LoadTimeout, ctx.Err())
	}
}

// must be called with mu held
func (e *Engine) setState(s State) {
	e.state = s
	e.rec.StateChanged(s.String())
}

func (e *Engine) isClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

// Close waits for running forward passes and releases the model.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	net := e.net
	e.net = nil
	e.mu.Unlock()

	e.useMu.Lock()
	defer e.useMu.Unlock()
	if net != nil {
		return net.Close()
	}
	return nil
}

func closeNetwork(net Network) {
	if net == nil {
		return
	}
	if err := net.Close(); err != nil {
		slog.Warn("failed to release model", "error", err)
	}
}
