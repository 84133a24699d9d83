package cem

import (
	"fmt"

	"github.com/joeycumines/logiface"
)

// Option configures a [Runtime].
type Option interface {
	apply(*options) error
}

type optionImpl struct {
	applyFunc func(*options) error
}

func (o *optionImpl) apply(opts *options) error { return o.applyFunc(opts) }

type options struct {
	logger       *logiface.Logger[logiface.Event]
	metrics      bool
	growth       GrowthStrategy
	initialStack int
	maxStack     int
	frameChain   bool
	stdinFD      int
	stdoutFD     int
	backend      Backend
}

func defaultOptions() options {
	return options{
		growth:       GrowthCopying,
		initialStack: DefaultInitialStackSize,
		maxStack:     DefaultMaxStackSize,
		frameChain:   true,
		stdinFD:      0,
		stdoutFD:     1,
	}
}

// WithLogger sets the structured logger. A nil logger disables logging,
// which is the default.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{applyFunc: func(opts *options) error {
		opts.logger = logger
		return nil
	}}
}

// WithMetrics enables or disables runtime counters, readable via
// [Runtime.Metrics]. Disabled by default.
func WithMetrics(enabled bool) Option {
	return &optionImpl{applyFunc: func(opts *options) error {
		opts.metrics = enabled
		return nil
	}}
}

// WithStackGrowth selects the stack growth strategy for every strand. The
// default is [GrowthCopying].
func WithStackGrowth(strategy GrowthStrategy) Option {
	return &optionImpl{applyFunc: func(opts *options) error {
		switch strategy {
		case GrowthFixed, GrowthSegmented, GrowthCopying:
		default:
			return fmt.Errorf("cem: unknown growth strategy %d", strategy)
		}
		opts.growth = strategy
		return nil
	}}
}

// WithInitialStackSize sets the byte size reserved for a fresh strand stack.
func WithInitialStackSize(bytes int) Option {
	return &optionImpl{applyFunc: func(opts *options) error {
		if bytes <= 0 {
			return fmt.Errorf("cem: initial stack size %d must be positive", bytes)
		}
		opts.initialStack = bytes
		return nil
	}}
}

// WithMaxStackSize caps stack growth, in bytes.
func WithMaxStackSize(bytes int) Option {
	return &optionImpl{applyFunc: func(opts *options) error {
		if bytes <= 0 {
			return fmt.Errorf("cem: max stack size %d must be positive", bytes)
		}
		opts.maxStack = bytes
		return nil
	}}
}

// WithFrameChain declares whether strand programs maintain the chain of
// call-frame cells that relocation follows. It defaults to true, which holds
// for all stacks driven through [Stack.Call] and [Stack.IfElse]. When false,
// [GrowthCopying] is downgraded to [GrowthSegmented] at startup, since a
// relocated stack cannot fix addresses it cannot find; the downgrade is
// logged as a warning.
func WithFrameChain(enabled bool) Option {
	return &optionImpl{applyFunc: func(opts *options) error {
		opts.frameChain = enabled
		return nil
	}}
}

// WithStdin overrides the descriptor read by [Strand.ReadLine]. The default
// is file descriptor 0.
func WithStdin(fd int) Option {
	return &optionImpl{applyFunc: func(opts *options) error {
		if fd < 0 {
			return fmt.Errorf("cem: stdin fd %d out of range", fd)
		}
		opts.stdinFD = fd
		return nil
	}}
}

// WithStdout overrides the descriptor written by [Strand.WriteLine]. The
// default is file descriptor 1.
func WithStdout(fd int) Option {
	return &optionImpl{applyFunc: func(opts *options) error {
		if fd < 0 {
			return fmt.Errorf("cem: stdout fd %d out of range", fd)
		}
		opts.stdoutFD = fd
		return nil
	}}
}

// WithBackend substitutes the platform event backend. The runtime takes
// ownership and closes it during teardown.
func WithBackend(b Backend) Option {
	return &optionImpl{applyFunc: func(opts *options) error {
		if b == nil {
			return fmt.Errorf("cem: nil backend")
		}
		opts.backend = b
		return nil
	}}
}

func resolveOptions(opts ...Option) (*options, error) {
	resolved := defaultOptions()
	for _, o := range opts {
		if o == nil {
			continue
		}
		if err := o.apply(&resolved); err != nil {
			return nil, err
		}
	}
	if resolved.maxStack < resolved.initialStack {
		return nil, fmt.Errorf("cem: max stack size %d smaller than initial %d", resolved.maxStack, resolved.initialStack)
	}
	return &resolved, nil
}
