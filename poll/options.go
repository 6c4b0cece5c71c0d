package poll

import (
	"fmt"

	"github.com/fzft/go-afdpoll/log"
	"go.uber.org/zap"
)

// DefaultGroupSize is the number of sockets that share one AFD poll handle.
const DefaultGroupSize = 32

type options struct {
	logger      *zap.Logger
	groupSize   int
	concurrency uint32
}

// Option configures a Poll.
type Option interface {
	apply(*options) error
}

type optionFunc func(*options) error

func (f optionFunc) apply(o *options) error {
	return f(o)
}

// WithLogger sets the logger used by the selector. The default is
// log.Logger, which discards everything until log.InitLogger is called.
func WithLogger(logger *zap.Logger) Option {
	return optionFunc(func(o *options) error {
		if logger == nil {
			return fmt.Errorf("poll: nil logger")
		}
		o.logger = logger
		return nil
	})
}

// WithGroupSize sets how many sockets share one AFD poll handle before a new
// handle is opened.
func WithGroupSize(n int) Option {
	return optionFunc(func(o *options) error {
		if n < 1 {
			return fmt.Errorf("poll: group size %d must be positive", n)
		}
		o.groupSize = n
		return nil
	})
}

// WithConcurrency sets the concurrency value of the completion port, 0
// lets the kernel use one thread per processor.
func WithConcurrency(n uint32) Option {
	return optionFunc(func(o *options) error {
		o.concurrency = n
		return nil
	})
}

func resolveOptions(opts []Option) (*options, error) {
	o := &options{
		logger:    log.Logger,
		groupSize: DefaultGroupSize,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.apply(o); err != nil {
			return nil, err
		}
	}
	return o, nil
}
