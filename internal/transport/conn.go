package transport

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/panjf2000/gnet/v2"

	"github.com/albertbausili/ember/internal/engine"
)

// gnetTransport adapts one gnet.Conn to the engine's Transport interface.
// gnet reads are push-based, so read demand maps to an un-paused inbound
// path: PauseReads leaves arriving bytes in gnet's inbound buffer and
// OnTraffic skips draining until ResumeReads wakes the loop again. Loop
// affinity (Execute) is a task queue drained at the top of OnTraffic, woken
// through Conn.Wake.
type gnetTransport struct {
	c gnet.Conn

	open    atomic.Bool
	paused  atomic.Bool
	closing atomic.Bool

	// Outbound watermark tracking. Writability events are synthesized from
	// async-write completions: crossing the high watermark pauses
	// producers, draining to the low watermark resumes them.
	outstanding atomic.Int64
	writable    atomic.Bool
	highWater   int64
	lowWater    int64

	mu    sync.Mutex
	tasks []func()

	// events receives synthesized transport events; set once at wiring
	// time, before any traffic.
	events func(engine.Event)
}

func newGnetTransport(c gnet.Conn, highWater, lowWater int) *gnetTransport {
	t := &gnetTransport{
		c:         c,
		highWater: int64(highWater),
		lowWater:  int64(lowWater),
	}
	t.open.Store(true)
	t.writable.Store(true)
	return t
}

func (t *gnetTransport) Read() {
	t.paused.Store(false)
}

func (t *gnetTransport) PauseReads() {
	t.paused.Store(true)
}

func (t *gnetTransport) ResumeReads() {
	t.paused.Store(false)
	// Wake the loop so bytes buffered during the pause are drained.
	_ = t.c.Wake(nil)
}

func (t *gnetTransport) readsPaused() bool {
	return t.paused.Load()
}

func (t *gnetTransport) Write(p []byte) error {
	return t.enqueueWrite(int64(len(p)), func(cb gnet.AsyncCallback) error {
		return t.c.AsyncWrite(p, cb)
	})
}

func (t *gnetTransport) Writev(bufs [][]byte) error {
	var n int64
	for _, b := range bufs {
		n += int64(len(b))
	}
	return t.enqueueWrite(n, func(cb gnet.AsyncCallback) error {
		return t.c.AsyncWritev(bufs, cb)
	})
}

func (t *gnetTransport) enqueueWrite(n int64, send func(gnet.AsyncCallback) error) error {
	if !t.open.Load() {
		return net.ErrClosed
	}
	if t.outstanding.Add(n) >= t.highWater && t.writable.CompareAndSwap(true, false) {
		t.Execute(func() {
			t.events(engine.Event{Kind: engine.EventWritability, Writable: false})
		})
	}
	return send(func(_ gnet.Conn, err error) error {
		rem := t.outstanding.Add(-n)
		if err != nil {
			t.Execute(func() {
				t.events(engine.Event{Kind: engine.EventError, Err: err})
			})
			return nil
		}
		if rem <= t.lowWater && t.writable.CompareAndSwap(false, true) {
			t.Execute(func() {
				t.events(engine.Event{Kind: engine.EventWritability, Writable: true})
			})
		}
		if t.closing.Load() && rem == 0 {
			_ = t.c.Close()
		}
		return nil
	})
}

func (t *gnetTransport) Flush() error {
	// gnet sends asynchronously; waking the loop pushes queued writes out.
	_ = t.c.Wake(nil)
	return nil
}

// Close tears the connection down once queued writes drain.
func (t *gnetTransport) Close() error {
	if !t.open.CompareAndSwap(true, false) {
		return nil
	}
	if t.outstanding.Load() > 0 {
		t.closing.Store(true)
		return nil
	}
	return t.c.Close()
}

func (t *gnetTransport) Execute(fn func()) {
	t.mu.Lock()
	t.tasks = append(t.tasks, fn)
	t.mu.Unlock()
	_ = t.c.Wake(nil)
}

// drainTasks runs queued loop tasks. Called at the top of OnTraffic, which
// gnet serializes per connection.
func (t *gnetTransport) drainTasks() {
	for {
		t.mu.Lock()
		if len(t.tasks) == 0 {
			t.mu.Unlock()
			return
		}
		tasks := t.tasks
		t.tasks = nil
		t.mu.Unlock()
		for _, fn := range tasks {
			fn()
		}
	}
}

func (t *gnetTransport) RemoteAddr() net.Addr {
	return t.c.RemoteAddr()
}

func (t *gnetTransport) LocalAddr() net.Addr {
	return t.c.LocalAddr()
}

func (t *gnetTransport) IsOpen() bool {
	return t.open.Load()
}

// markClosed records that the socket is gone, without re-closing it.
func (t *gnetTransport) markClosed() {
	t.open.Store(false)
}
