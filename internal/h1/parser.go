// Package h1 decodes HTTP/1.1 wire bytes into engine events.
package h1

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/albertbausili/ember/internal/engine"
)

// Parser parses request heads and chunked body framing from a buffer.
type Parser struct {
	buf []byte
	pos int
}

// NewParser creates an HTTP/1.1 parser.
func NewParser() *Parser {
	return &Parser{}
}

// Reset points the parser at new buffer data.
func (p *Parser) Reset(buf []byte) {
	p.buf = buf
	p.pos = 0
}

// ParseHead parses the request line and headers from the buffer. It returns
// the number of bytes consumed; zero consumed with a nil error means more
// data is needed.
func (p *Parser) ParseHead(head *engine.RequestHead) (int, error) {
	complete, err := p.parseRequestLine(head)
	if err != nil {
		return 0, err
	}
	if !complete {
		return 0, nil
	}

	head.Headers = engine.NewHeaders()
	head.ContentLength = -1
	head.KeepAlive = head.Proto == "HTTP/1.1"

	complete, err = p.parseHeaders(head)
	if err != nil {
		return 0, err
	}
	if !complete {
		return 0, nil
	}

	if !head.Headers.Has("host") {
		return 0, fmt.Errorf("missing Host header")
	}
	return p.pos, nil
}

// parseRequestLine parses METHOD SP URI SP VERSION CRLF, advancing p.pos.
// Returns complete=false if more data is needed.
func (p *Parser) parseRequestLine(head *engine.RequestHead) (bool, error) {
	lineEnd := bytes.Index(p.buf[p.pos:], []byte("\r\n"))
	if lineEnd == -1 {
		return false, nil
	}
	line := p.buf[p.pos : p.pos+lineEnd]
	p.pos += lineEnd + 2

	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) != 3 || len(parts[0]) == 0 || len(parts[1]) == 0 {
		return false, fmt.Errorf("invalid request line")
	}
	head.Method = string(parts[0])
	head.URI = string(parts[1])
	head.Proto = string(parts[2])

	if head.Proto != "HTTP/1.1" && head.Proto != "HTTP/1.0" {
		return false, fmt.Errorf("unsupported HTTP version: %s", head.Proto)
	}
	return true, nil
}

// parseHeaders parses header lines until CRLF CRLF, advancing p.pos.
// Returns complete=false if more data is needed.
func (p *Parser) parseHeaders(head *engine.RequestHead) (bool, error) {
	for {
		lineEnd := bytes.Index(p.buf[p.pos:], []byte("\r\n"))
		if lineEnd == -1 {
			return false, nil
		}
		line := p.buf[p.pos : p.pos+lineEnd]
		p.pos += lineEnd + 2
		if len(line) == 0 {
			return true, nil
		}
		colonIdx := bytes.IndexByte(line, ':')
		if colonIdx <= 0 {
			return false, fmt.Errorf("invalid header line")
		}
		name := bytes.TrimSpace(line[:colonIdx])
		value := bytes.TrimSpace(line[colonIdx+1:])
		if err := appendHeader(head, name, value); err != nil {
			return false, err
		}
	}
}

// appendHeader records a single header line and extracts the fields the
// connection layer cares about.
func appendHeader(head *engine.RequestHead, rawName, rawValue []byte) error {
	value := string(rawValue)
	head.Headers.Add(string(rawName), value)

	switch {
	case asciiEqualFold(rawName, "content-length"):
		cl, err := strconv.ParseInt(value, 10, 64)
		if err != nil || cl < 0 {
			return fmt.Errorf("invalid content-length: %q", value)
		}
		head.ContentLength = cl
	case asciiEqualFold(rawName, "transfer-encoding"):
		if asciiContainsFold(rawValue, "chunked") {
			head.Chunked = true
			head.ContentLength = -1
		}
	case asciiEqualFold(rawName, "connection"):
		if asciiContainsFold(rawValue, "close") {
			head.KeepAlive = false
		} else if asciiContainsFold(rawValue, "keep-alive") {
			head.KeepAlive = true
		}
	}
	return nil
}

// ParseChunk parses one chunk of a chunked transfer body. It returns the
// chunk payload and bytes consumed; a nil payload with non-zero consumed is
// the terminal chunk, zero consumed means more data is needed.
func (p *Parser) ParseChunk() ([]byte, int, error) {
	if p.pos >= len(p.buf) {
		return nil, 0, nil
	}
	startPos := p.pos

	lineEnd := bytes.Index(p.buf[p.pos:], []byte("\r\n"))
	if lineEnd == -1 {
		return nil, 0, nil
	}
	sizeLine := p.buf[p.pos : p.pos+lineEnd]
	p.pos += lineEnd + 2

	// Chunk extensions after ';' are ignored.
	if semiIdx := bytes.IndexByte(sizeLine, ';'); semiIdx != -1 {
		sizeLine = sizeLine[:semiIdx]
	}
	size, err := strconv.ParseInt(string(bytes.TrimSpace(sizeLine)), 16, 64)
	if err != nil || size < 0 {
		p.pos = startPos
		return nil, 0, fmt.Errorf("invalid chunk size: %q", sizeLine)
	}

	if size == 0 {
		// Terminal chunk. Trailer fields up to the empty line are
		// consumed and discarded.
		for {
			lineEnd := bytes.Index(p.buf[p.pos:], []byte("\r\n"))
			if lineEnd == -1 {
				p.pos = startPos
				return nil, 0, nil
			}
			line := p.buf[p.pos : p.pos+lineEnd]
			p.pos += lineEnd + 2
			if len(line) == 0 {
				return nil, p.pos - startPos, nil
			}
			if bytes.IndexByte(line, ':') <= 0 {
				p.pos = startPos
				return nil, 0, fmt.Errorf("invalid trailer line: %q", line)
			}
		}
	}

	if p.pos+int(size)+2 > len(p.buf) {
		p.pos = startPos
		return nil, 0, nil
	}

	chunk := make([]byte, size)
	copy(chunk, p.buf[p.pos:p.pos+int(size)])
	p.pos += int(size) + 2
	return chunk, p.pos - startPos, nil
}

// asciiEqualFold reports whether b equals s under ASCII case-insensitive
// comparison.
func asciiEqualFold(b []byte, s string) bool {
	if len(b) != len(s) {
		return false
	}
	for i := 0; i < len(b); i++ {
		cb := b[i]
		cs := s[i]
		if 'A' <= cb && cb <= 'Z' {
			cb |= 0x20
		}
		if 'A' <= cs && cs <= 'Z' {
			cs |= 0x20
		}
		if cb != cs {
			return false
		}
	}
	return true
}

// asciiContainsFold reports whether b contains sub under ASCII
// case-insensitive comparison.
func asciiContainsFold(b []byte, sub string) bool {
	m := len(sub)
	if m == 0 {
		return true
	}
	if m > len(b) {
		return false
	}
	for i := 0; i <= len(b)-m; i++ {
		match := true
		for j := 0; j < m; j++ {
			cb := b[i+j]
			cs := sub[j]
			if 'A' <= cb && cb <= 'Z' {
				cb |= 0x20
			}
			if 'A' <= cs && cs <= 'Z' {
				cs |= 0x20
			}
			if cb != cs {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
