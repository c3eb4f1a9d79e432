package classifier

import "context"

// Network is a loaded, frozen model. Forward must be safe for concurrent use.
type Network interface {
	// Forward runs one image (CHW, batch of one) and returns raw class scores.
	Forward(input []float32, shape []int64) ([]float32, error)
	// NumClasses is the width of the output layer.
	NumClasses() int
	Close() error
}

// Loader builds a Network. A loader is called at most once at a time.
type Loader interface {
	Load(ctx context.Context) (Network, error)
	// Source names the weights for error messages, e.g. a file path.
	Source() string
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context) (Network, error)

func (f LoaderFunc) Load(ctx context.Context) (Network, error) {
	return f(ctx)
}

func (f LoaderFunc) Source() string {
	return "loader func"
}
