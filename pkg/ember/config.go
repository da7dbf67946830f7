// Package ember provides the connection-level engine of an embeddable,
// non-blocking HTTP server built on gnet: per-connection event routing,
// streaming request bodies with backpressure, exactly-once response
// transmission, and the untransmitted-response fallback.
package ember

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/albertbausili/ember/internal/engine"
)

// DecodingErrorLevel selects the log severity for protocol decode errors.
type DecodingErrorLevel = engine.DecodingErrorLevel

// Decoding-error log levels, from full detail down to silent.
const (
	DecodingErrorFull   = engine.DecodingErrorFull
	DecodingErrorError  = engine.DecodingErrorError
	DecodingErrorWarn   = engine.DecodingErrorWarn
	DecodingErrorInfo   = engine.DecodingErrorInfo
	DecodingErrorSilent = engine.DecodingErrorSilent
)

// Config holds the server configuration options.
type Config struct {
	Addr         string // Server address to bind to
	Multicore    bool   // Enable multicore mode for better throughput
	NumEventLoop int    // Number of event loops (0 for auto-detect)
	ReusePort    bool   // Enable SO_REUSEPORT for load balancing

	IdleTimeout time.Duration // Idle window before a connection is closed

	// Development renders diagnostic text in synthesized failure responses.
	// Production responses keep the status but an empty body.
	Development bool

	// DecodingErrorLevel bounds log volume from malformed traffic.
	DecodingErrorLevel DecodingErrorLevel

	// BodyHighWatermark bounds bytes buffered per request body before
	// transport reads are paused.
	BodyHighWatermark int

	// WriteHighWatermark / WriteLowWatermark bound outbound buffering per
	// connection; crossing them pauses and resumes streaming producers.
	WriteHighWatermark int
	WriteLowWatermark  int

	// Workers sizes the pool application execution is forked to.
	// Zero forks each request onto its own goroutine.
	Workers int

	Logger *zap.Logger // Logger for server events
	// LogFile, when set and Logger is nil, logs to a rotating file.
	LogFile string

	// Clock supplies request receive timestamps; injected for testability.
	Clock clock.Clock
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Addr:               ":8080",
		Multicore:          true,
		NumEventLoop:       0, // Auto-detect
		ReusePort:          true,
		IdleTimeout:        60 * time.Second,
		DecodingErrorLevel: DecodingErrorFull,
		BodyHighWatermark:  64 << 10,
		WriteHighWatermark: 1 << 20,
		WriteLowWatermark:  256 << 10,
		Workers:            0,
		Logger:             zap.NewNop(),
		Clock:              clock.New(),
	}
}

// Validate checks and normalizes the configuration values.
func (c *Config) Validate() error {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.BodyHighWatermark <= 0 {
		c.BodyHighWatermark = 64 << 10
	}
	if c.WriteHighWatermark <= 0 {
		c.WriteHighWatermark = 1 << 20
	}
	if c.WriteLowWatermark <= 0 || c.WriteLowWatermark >= c.WriteHighWatermark {
		c.WriteLowWatermark = c.WriteHighWatermark / 4
	}
	if c.Workers < 0 {
		c.Workers = 0
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		if c.LogFile != "" {
			c.Logger = newFileLogger(c.LogFile)
		} else {
			c.Logger = zap.NewNop()
		}
	}
	return nil
}

// newFileLogger builds a JSON logger writing to a size-rotated file.
func newFileLogger(path string) *zap.Logger {
	writer := zapcore.AddSync(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    100, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
	})
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		writer,
		zapcore.InfoLevel,
	)
	return zap.New(core)
}
