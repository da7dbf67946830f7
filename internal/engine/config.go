package engine

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// DecodingErrorLevel selects the log severity for protocol decode errors
// surfacing mid-stream, so adversarial or buggy clients cannot flood the log.
type DecodingErrorLevel int

const (
	// DecodingErrorFull logs decode errors at error severity with full
	// detail. This is the default.
	DecodingErrorFull DecodingErrorLevel = iota
	// DecodingErrorError logs the underlying message at error severity.
	DecodingErrorError
	// DecodingErrorWarn logs the underlying message at warn severity.
	DecodingErrorWarn
	// DecodingErrorInfo logs the underlying message at info severity.
	DecodingErrorInfo
	// DecodingErrorSilent suppresses decode error logging entirely.
	DecodingErrorSilent
)

// Stats receives lifecycle counters from the engine. Implementations must be
// safe for concurrent use.
type Stats interface {
	ConnOpened()
	ConnClosed(reason CloseReason)
	RequestStarted()
	RequestCompleted(method string, status int, duration time.Duration)
	DecodeError()
	Fallback()
	IdleClosure()
}

// NopStats discards all counters.
type NopStats struct{}

func (NopStats) ConnOpened()                                 {}
func (NopStats) ConnClosed(CloseReason)                      {}
func (NopStats) RequestStarted()                             {}
func (NopStats) RequestCompleted(string, int, time.Duration) {}
func (NopStats) DecodeError()                                {}
func (NopStats) Fallback()                                   {}
func (NopStats) IdleClosure()                                {}

// Config carries the engine's view of server configuration. It is read-only
// once a Router has been created from it.
type Config struct {
	// Development enables diagnostic text in synthesized failure responses.
	Development bool
	// DecodingErrorLevel bounds log volume from malformed traffic.
	DecodingErrorLevel DecodingErrorLevel
	// IdleTimeout is the initial per-connection idle window. Zero disables
	// idle closure.
	IdleTimeout time.Duration
	// BodyHighWatermark bounds bytes buffered in a body accumulator before
	// transport reads are paused.
	BodyHighWatermark int
	Logger            *zap.Logger
	Clock             clock.Clock
	Stats             Stats
}

const defaultBodyHighWatermark = 64 << 10

// withDefaults fills zero fields so the Router never nil-checks them.
func (c *Config) withDefaults() *Config {
	out := *c
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	if out.Stats == nil {
		out.Stats = NopStats{}
	}
	if out.BodyHighWatermark <= 0 {
		out.BodyHighWatermark = defaultBodyHighWatermark
	}
	return &out
}
