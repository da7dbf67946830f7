package engine

import (
	"errors"
	"net"
	"strings"
	"syscall"

	"go.uber.org/zap"
)

// Classification decides how the Router reacts to an exception.
type Classification int

const (
	// ClassIgnorable: the transport is already gone; no log, no response.
	ClassIgnorable Classification = iota
	// ClassDecode: malformed protocol bytes; log at the configured
	// decoding-error level, respond with a failure status, close.
	ClassDecode
	// ClassInternal: everything else; log at error severity with full
	// detail, respond with a server error if still writable, close.
	ClassInternal
)

// DecodeError marks a failure attributable to malformed protocol bytes.
type DecodeError struct {
	Cause error
}

func (e *DecodeError) Error() string {
	return "decode error: " + e.Cause.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Cause
}

// Classify assigns err to the Router's error taxonomy.
func Classify(err error) Classification {
	if IsIgnorable(err) {
		return ClassIgnorable
	}
	var de *DecodeError
	if errors.As(err, &de) {
		return ClassDecode
	}
	return ClassInternal
}

// IsIgnorable reports whether err represents a transport that is already
// gone: a closed connection, a peer-initiated reset, or a broken pipe.
// The message match is case-insensitive; there really does not seem to be a
// better way of detecting the reset variants that survive wrapping.
func IsIgnorable(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.HasSuffix(msg, "connection reset by peer") ||
		strings.Contains(msg, "broken pipe")
}

// logDecodeError logs a mid-stream decode error at the configured severity.
// DecodingErrorFull keeps full error detail; the reduced levels log only the
// underlying message to bound log volume from adversarial clients.
func logDecodeError(logger *zap.Logger, level DecodingErrorLevel, err error) {
	if level == DecodingErrorFull {
		logger.Error("failed to decode inbound message", zap.Error(err))
		return
	}
	msg := err.Error()
	var de *DecodeError
	if errors.As(err, &de) {
		msg = de.Cause.Error()
	}
	switch level {
	case DecodingErrorError:
		logger.Error(msg)
	case DecodingErrorWarn:
		logger.Warn(msg)
	case DecodingErrorInfo:
		logger.Info(msg)
	case DecodingErrorSilent:
	}
}
