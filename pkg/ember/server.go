package ember

import (
	"context"
	"fmt"

	"github.com/panjf2000/ants/v2"

	"github.com/albertbausili/ember/internal/engine"
	"github.com/albertbausili/ember/internal/transport"
)

// Server is an embeddable connection engine instance.
type Server struct {
	config    Config
	handler   Handler
	transport *transport.Server
	pool      *ants.Pool
}

// New creates a new Server with the provided configuration.
func New(config Config) *Server {
	if err := config.Validate(); err != nil {
		panic(err)
	}
	return &Server{
		config: config,
	}
}

// NewWithDefaults creates a new Server with default configuration.
func NewWithDefaults() *Server {
	return New(DefaultConfig())
}

// Handler sets the request handler and returns the server for chaining.
func (s *Server) Handler(handler Handler) *Server {
	s.handler = handler
	return s
}

// ListenAndServe sets the handler and starts the server.
func (s *Server) ListenAndServe(handler Handler) error {
	s.handler = handler
	return s.Start()
}

// Start begins accepting connections.
func (s *Server) Start() error {
	if s.handler == nil {
		return fmt.Errorf("handler not set")
	}

	if s.config.Workers > 0 {
		pool, err := ants.NewPool(s.config.Workers)
		if err != nil {
			return fmt.Errorf("creating worker pool: %w", err)
		}
		s.pool = pool
	}

	s.transport = transport.NewServer(
		&execAdapter{handler: s.handler},
		transport.Config{
			Addr:               s.config.Addr,
			Multicore:          s.config.Multicore,
			NumEventLoop:       s.config.NumEventLoop,
			ReusePort:          s.config.ReusePort,
			WriteHighWatermark: s.config.WriteHighWatermark,
			WriteLowWatermark:  s.config.WriteLowWatermark,
			Logger:             s.config.Logger,
			Clock:              s.config.Clock,
			Pool:               s.pool,
			Engine: engine.Config{
				Development:        s.config.Development,
				DecodingErrorLevel: s.config.DecodingErrorLevel,
				IdleTimeout:        s.config.IdleTimeout,
				BodyHighWatermark:  s.config.BodyHighWatermark,
				Logger:             s.config.Logger,
				Clock:              s.config.Clock,
				Stats:              promStats{},
			},
		},
	)
	return s.transport.Start()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.transport != nil {
		if err := s.transport.Stop(ctx); err != nil {
			return err
		}
	}
	if s.pool != nil {
		s.pool.Release()
	}
	return nil
}

// execAdapter bridges the engine's execution contract to the public Handler
// and wraps each request in a trace span.
type execAdapter struct {
	handler Handler
}

// Execute runs the handler for one request.
func (a *execAdapter) Execute(req *engine.Request, res *engine.Response) {
	ctx, span := startRequestSpan(context.Background(), req)
	defer func() {
		endRequestSpan(span, res.Transmitter().Status())
	}()
	a.handler.Handle(ctx, req, res)
}

// Describe names the handler for untransmitted-response diagnostics.
func (a *execAdapter) Describe() string {
	if d, ok := a.handler.(Describer); ok {
		return d.Describe()
	}
	return fmt.Sprintf("%T", a.handler)
}
