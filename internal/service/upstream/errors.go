package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"syscall"
)

var (
	// ErrNotConfigured means the client never had credentials; no network
	// I/O is attempted and callers fall back to degraded mode.
	ErrNotConfigured = errors.New("upstream: client not configured")
	// ErrTransport covers connection refused, DNS and TLS failures.
	ErrTransport = errors.New("upstream: transport failure")
	// ErrTimeout means an attempt exceeded its connect or total budget.
	ErrTimeout = errors.New("upstream: attempt timed out")
	// ErrProtocol covers malformed or empty upstream responses.
	ErrProtocol = errors.New("upstream: malformed upstream response")
)

// classify folds low-level failures into the error kinds the relay retry
// policy distinguishes. Already-classified errors pass through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotConfigured) || errors.Is(err, ErrTransport) ||
		errors.Is(err, ErrTimeout) || errors.Is(err, ErrProtocol) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return fmt.Errorf("%w: %v", ErrProtocol, err)
}
