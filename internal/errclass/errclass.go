// Package errclass classifies session failures into the capacity error
// taxonomy. Classification is a pure function over the raw failure so it can
// be tested without any live connection.
package errclass

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// Category is a counted failure category. Exactly one category is assigned
// per failure event.
type Category string

// Failure categories.
const (
	// SetupFailure means the provisioning call failed or returned
	// incomplete credentials.
	SetupFailure Category = "setup_failure"

	// ConnectTimeout means the WebSocket handshake did not complete in time.
	ConnectTimeout Category = "connect_timeout"

	// ConnectRefused means the backend refused or was unreachable.
	ConnectRefused Category = "connect_refused"

	// TLSError means a certificate or TLS handshake failure.
	TLSError Category = "tls_error"

	// BadGateway is an HTTP 502 reported during the handshake.
	BadGateway Category = "bad_gateway"

	// ServiceUnavailable is an HTTP 503 reported during the handshake.
	ServiceUnavailable Category = "service_unavailable"

	// GatewayTimeout is an HTTP 504 reported during the handshake.
	GatewayTimeout Category = "gateway_timeout"

	// MidStreamError is a decode failure or abrupt stream termination after
	// a successful connect.
	MidStreamError Category = "mid_stream_error"

	// Unclassified is the catch-all; failures here are still counted.
	Unclassified Category = "unclassified_error"
)

// Categories lists every category in reporting order.
func Categories() []Category {
	return []Category{
		SetupFailure,
		ConnectTimeout,
		ConnectRefused,
		TLSError,
		BadGateway,
		ServiceUnavailable,
		GatewayTimeout,
		MidStreamError,
		Unclassified,
	}
}

// ClassifyConnect classifies a WebSocket connect failure. statusCode is the
// HTTP status from the handshake response, or zero when none was received.
func ClassifyConnect(err error, statusCode int) Category {
	switch statusCode {
	case http.StatusBadGateway:
		return BadGateway
	case http.StatusServiceUnavailable:
		return ServiceUnavailable
	case http.StatusGatewayTimeout:
		return GatewayTimeout
	}

	if err == nil {
		return Unclassified
	}

	if isTLSError(err) {
		return TLSError
	}
	if isTimeout(err) {
		return ConnectTimeout
	}
	if isRefused(err) {
		return ConnectRefused
	}

	return Unclassified
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out")
}

func isRefused(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host")
}

func isTLSError(err error) bool {
	var (
		recordErr   tls.RecordHeaderError
		certErr     *tls.CertificateVerificationError
		unknownAuth x509.UnknownAuthorityError
		hostnameErr x509.HostnameError
		certInvalid x509.CertificateInvalidError
	)
	if errors.As(err, &recordErr) || errors.As(err, &certErr) ||
		errors.As(err, &unknownAuth) || errors.As(err, &hostnameErr) ||
		errors.As(err, &certInvalid) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "tls:") || strings.Contains(msg, "x509:") || strings.Contains(msg, "certificate")
}
