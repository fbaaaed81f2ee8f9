package session

import (
	"time"

	"go.uber.org/zap"

	"polyrun/internal/observer"
	"polyrun/internal/store"
)

const (
	defaultMaxSessions      = 10
	defaultIdleTimeout      = 10 * time.Minute
	defaultCompileTimeout   = 30 * time.Second
	defaultRetention        = 5 * time.Minute
	defaultDrainTimeout     = 2 * time.Second
	defaultInputQueue       = 256
	defaultRingBufCapacity  = 1000
	defaultRingBufBytes     = 1 << 20
	defaultMaxOutputBytes   = 16 << 20
	defaultSubscriberBufCap = 100
)

// Config bounds what sessions may consume.
type Config struct {
	MaxSessions     int           `yaml:"maxSessions"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	CompileTimeout  time.Duration `yaml:"compileTimeout"`
	Retention       time.Duration `yaml:"retention"`
	DrainTimeout    time.Duration `yaml:"drainTimeout"`
	InputQueue      int           `yaml:"inputQueue"`
	RingBuffer      int           `yaml:"ringBuffer"`
	RingBufferBytes int           `yaml:"ringBufferBytes"`
	MaxOutputBytes  int64         `yaml:"maxOutputBytes"`
}

func (c *Config) applyDefaults() {
	if c.MaxSessions <= 0 {
		c.MaxSessions = defaultMaxSessions
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.CompileTimeout <= 0 {
		c.CompileTimeout = defaultCompileTimeout
	}
	if c.Retention <= 0 {
		c.Retention = defaultRetention
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = defaultDrainTimeout
	}
	if c.InputQueue <= 0 {
		c.InputQueue = defaultInputQueue
	}
	if c.RingBuffer <= 0 {
		c.RingBuffer = defaultRingBufCapacity
	}
	if c.RingBufferBytes <= 0 {
		c.RingBufferBytes = defaultRingBufBytes
	}
	if c.MaxOutputBytes == 0 {
		c.MaxOutputBytes = defaultMaxOutputBytes
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r observer.MetricsRecorder) Option {
	return func(m *Manager) {
		m.metrics = r
	}
}

// WithHistory sets where terminal session records are kept.
func WithHistory(s store.Store) Option {
	return func(m *Manager) {
		m.history = s
	}
}

// WithTeardownHook registers fn to run once per session after its resources
// have been released.
func WithTeardownHook(fn func(Session)) Option {
	return func(m *Manager) {
		m.hooks = append(m.hooks, fn)
	}
}
