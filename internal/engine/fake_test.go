package engine

import (
	"bytes"
	"net"
	"sync"
	"time"
)

// fakeTransport records transport calls and runs Execute inline, which mimics
// a single serialized event loop.
type fakeTransport struct {
	mu      sync.Mutex
	writes  [][]byte
	reads   int
	pauses  int
	resumes int
	flushes int
	closed  bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{}
}

func (f *fakeTransport) Read() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
}

func (f *fakeTransport) PauseReads() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauses++
}

func (f *fakeTransport) ResumeReads() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumes++
}

func (f *fakeTransport) Write(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, append([]byte(nil), p...))
	return nil
}

func (f *fakeTransport) Writev(bufs [][]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range bufs {
		f.writes = append(f.writes, append([]byte(nil), b...))
	}
	return nil
}

func (f *fakeTransport) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) Execute(fn func()) {
	fn()
}

func (f *fakeTransport) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 54321}
}

func (f *fakeTransport) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8080}
}

func (f *fakeTransport) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

func (f *fakeTransport) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func (f *fakeTransport) written() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var buf bytes.Buffer
	for _, w := range f.writes {
		buf.Write(w)
	}
	return buf.Bytes()
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeProducer records the pause/resume/close calls a streaming response
// producer receives from the transmitter.
type fakeProducer struct {
	mu      sync.Mutex
	pauses  int
	resumes int
	closes  int
}

func (p *fakeProducer) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pauses++
}

func (p *fakeProducer) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resumes++
}

func (p *fakeProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
}

// recordingStats counts lifecycle callbacks for assertions.
type recordingStats struct {
	mu          sync.Mutex
	opened      int
	closed      int
	lastReason  CloseReason
	started     int
	completed   int
	lastStatus  int
	decodeErrs  int
	fallbacks   int
	idleClosure int
}

func (s *recordingStats) ConnOpened() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened++
}

func (s *recordingStats) ConnClosed(reason CloseReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	s.lastReason = reason
}

func (s *recordingStats) RequestStarted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started++
}

func (s *recordingStats) RequestCompleted(_ string, status int, _ time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed++
	s.lastStatus = status
}

func (s *recordingStats) DecodeError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decodeErrs++
}

func (s *recordingStats) Fallback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallbacks++
}

func (s *recordingStats) IdleClosure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idleClosure++
}

func (s *recordingStats) completedRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

func (s *recordingStats) startedRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *recordingStats) fallbackResponses() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fallbacks
}

func (s *recordingStats) lastCompletedStatus() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStatus
}
