// Package transport runs the gnet event server and bridges its callbacks to
// the per-connection engine: raw bytes are decoded into engine events and
// dispatched on the connection's own event loop.
package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/panjf2000/ants/v2"
	"github.com/panjf2000/gnet/v2"
	"go.uber.org/zap"

	"github.com/albertbausili/ember/internal/engine"
	"github.com/albertbausili/ember/internal/h1"
)

// Config holds the transport server configuration.
type Config struct {
	Addr         string
	Multicore    bool
	NumEventLoop int
	ReusePort    bool

	// WriteHighWatermark / WriteLowWatermark bound outbound buffering per
	// connection; crossing them drives the writability contract.
	WriteHighWatermark int
	WriteLowWatermark  int

	Logger *zap.Logger
	Clock  clock.Clock

	// Engine is the per-connection engine configuration.
	Engine engine.Config

	// Pool, when non-nil, forks application execution off the event loop.
	Pool *ants.Pool
}

const (
	defaultWriteHighWatermark = 1 << 20
	defaultWriteLowWatermark  = 256 << 10
)

// conn couples one accepted connection's transport, decoder and router.
type conn struct {
	tr     *gnetTransport
	dec    *h1.Decoder
	router *engine.Router
	// lastActivity is read by the idle ticker off-loop.
	lastActivity int64 // unix nanos, atomic
}

func (c *conn) touch(t time.Time) {
	atomic.StoreInt64(&c.lastActivity, t.UnixNano())
}

func (c *conn) lastActivityTime() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastActivity))
}

// Server implements gnet.EventHandler for the connection engine.
type Server struct {
	gnet.BuiltinEventEngine

	cfg    Config
	exec   engine.Exec
	logger *zap.Logger
	clk    clock.Clock

	conns   sync.Map // gnet.Conn -> *conn
	engine  gnet.Engine
	started bool
}

// NewServer creates a transport server that runs exec for every request.
func NewServer(exec engine.Exec, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.WriteHighWatermark <= 0 {
		cfg.WriteHighWatermark = defaultWriteHighWatermark
	}
	if cfg.WriteLowWatermark <= 0 {
		cfg.WriteLowWatermark = defaultWriteLowWatermark
	}
	return &Server{
		cfg:    cfg,
		exec:   exec,
		logger: cfg.Logger,
		clk:    cfg.Clock,
	}
}

// Start runs the gnet engine. It does not block; Stop shuts it down.
func (s *Server) Start() error {
	options := []gnet.Option{
		gnet.WithMulticore(s.cfg.Multicore),
		gnet.WithReusePort(s.cfg.ReusePort),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
		gnet.WithTCPKeepAlive(time.Minute * 5),
		gnet.WithLogger(gnetLogger{s.logger.Sugar()}),
		gnet.WithTicker(true),
	}
	if s.cfg.NumEventLoop > 0 {
		options = append(options, gnet.WithNumEventLoop(s.cfg.NumEventLoop))
	}

	s.logger.Info("starting server", zap.String("addr", s.cfg.Addr))
	go func() {
		if err := gnet.Run(s, "tcp://"+s.cfg.Addr, options...); err != nil {
			s.logger.Error("event engine exited", zap.Error(err))
		}
	}()
	s.started = true
	return nil
}

// Stop gracefully stops the gnet engine.
func (s *Server) Stop(ctx context.Context) error {
	if !s.started {
		return nil
	}
	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.engine.Stop(stopCtx); err != nil {
		s.logger.Warn("error stopping event engine", zap.Error(err))
		return err
	}
	s.logger.Info("server shutdown complete")
	return nil
}

// OnBoot is called when the engine is ready to accept connections.
func (s *Server) OnBoot(eng gnet.Engine) gnet.Action {
	s.engine = eng
	s.logger.Info("listening", zap.String("addr", s.cfg.Addr), zap.Bool("multicore", s.cfg.Multicore))
	return gnet.None
}

// OnOpen wires a new connection: transport adapter, wire decoder and event
// router, stored in the connection's context.
func (s *Server) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	tr := newGnetTransport(c, s.cfg.WriteHighWatermark, s.cfg.WriteLowWatermark)
	router := engine.NewRouter(tr, s.exec, &s.cfg.Engine, s.cfg.Pool)
	tr.events = router.HandleEvent

	st := &conn{tr: tr, dec: h1.NewDecoder(), router: router}
	st.touch(s.clk.Now())
	c.SetContext(st)
	s.conns.Store(c, st)

	router.HandleEvent(engine.Event{Kind: engine.EventOpen})
	return nil, gnet.None
}

// OnClose notifies the connection's router so the active transmitter and
// body accumulator can release resources.
func (s *Server) OnClose(c gnet.Conn, err error) gnet.Action {
	st, ok := c.Context().(*conn)
	if !ok {
		return gnet.None
	}
	if err != nil && !engine.IsIgnorable(err) {
		s.logger.Warn("connection closed with error", zap.Error(err))
	}
	st.tr.markClosed()
	st.router.HandleEvent(engine.Event{Kind: engine.EventClosed})
	s.conns.Delete(c)
	return gnet.None
}

// OnTraffic drains queued loop tasks, then decodes available bytes into
// engine events. While reads are paused the bytes stay in gnet's inbound
// buffer, which is the flow-control pause.
func (s *Server) OnTraffic(c gnet.Conn) gnet.Action {
	st, ok := c.Context().(*conn)
	if !ok {
		return gnet.Close
	}

	st.tr.drainTasks()

	if st.tr.readsPaused() || !st.tr.IsOpen() {
		return gnet.None
	}

	buf, err := c.Next(-1)
	if err != nil {
		st.router.HandleEvent(engine.Event{Kind: engine.EventError, Err: err})
		return gnet.Close
	}
	if len(buf) == 0 {
		return gnet.None
	}
	st.touch(s.clk.Now())

	for _, ev := range st.dec.Feed(buf) {
		st.router.HandleEvent(ev)
		if !st.tr.IsOpen() {
			break
		}
	}
	return gnet.None
}

// OnTick scans connections for idle timeouts, delivering the idle event on
// each connection's own loop.
func (s *Server) OnTick() (time.Duration, gnet.Action) {
	now := s.clk.Now()
	s.conns.Range(func(_, value any) bool {
		st := value.(*conn)
		idle := st.router.Conn().Idle().Duration()
		if idle <= 0 {
			return true
		}
		if now.Sub(st.lastActivityTime()) >= idle {
			st.tr.Execute(func() {
				st.router.HandleEvent(engine.Event{Kind: engine.EventIdleTimeout})
			})
		}
		return true
	})
	return time.Second, gnet.None
}

// Handshake delivers a completed security-handshake outcome to a
// connection's router. The transport itself does not terminate TLS; a
// fronting terminator reports the negotiated session through this hook.
func (s *Server) Handshake(c gnet.Conn, hs *engine.Handshake) {
	if st, ok := c.Context().(*conn); ok {
		st.tr.Execute(func() {
			st.router.HandleEvent(engine.Event{Kind: engine.EventHandshake, Handshake: hs})
		})
	}
}

// gnetLogger adapts zap to gnet's logging interface.
type gnetLogger struct {
	s *zap.SugaredLogger
}

func (l gnetLogger) Debugf(format string, args ...any) { l.s.Debugf(format, args...) }
func (l gnetLogger) Infof(format string, args ...any)  { l.s.Infof(format, args...) }
func (l gnetLogger) Warnf(format string, args ...any)  { l.s.Warnf(format, args...) }
func (l gnetLogger) Errorf(format string, args ...any) { l.s.Errorf(format, args...) }
func (l gnetLogger) Fatalf(format string, args ...any) { l.s.Fatalf(format, args...) }
