// Package reconnect implements the reconnect supervisor: on session failure
// with pending transfers, it retries the peer's last-known address, falls
// back to a targeted discovery broadcast on exhaustion, and reports whether
// a fresh connection was established so the caller can re-run the
// handshake and resume pending transfers.
package reconnect

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/foden303/lanshare/internal/discovery"
	"github.com/foden303/lanshare/internal/trust"
)

const (
	defaultMaxAttempts     = 5
	defaultRetryInterval   = 5 * time.Second
	defaultConnectTimeout  = 5 * time.Second
	defaultDiscoveryWindow = 5 * time.Second
)

// ErrStalled is returned when every reconnect strategy has been exhausted.
// The caller should mark pending transfers stalled and leave their records
// on disk for a manual retry.
var ErrStalled = errors.New("reconnect: all strategies exhausted, peer unreachable")

// Supervisor retries a connection to one trusted peer.
type Supervisor struct {
	MaxAttempts     int
	RetryInterval   time.Duration
	ConnectTimeout  time.Duration
	DiscoveryWindow time.Duration

	Trust     *trust.Manager
	Discovery *discovery.Service
	Log       *zap.Logger
}

// New builds a Supervisor with spec defaults; fields may be overridden
// before calling Reconnect.
func New(tm *trust.Manager, disc *discovery.Service, log *zap.Logger) *Supervisor {
	return &Supervisor{
		MaxAttempts:     defaultMaxAttempts,
		RetryInterval:   defaultRetryInterval,
		ConnectTimeout:  defaultConnectTimeout,
		DiscoveryWindow: defaultDiscoveryWindow,
		Trust:           tm,
		Discovery:       disc,
		Log:             log,
	}
}

// Reconnect attempts to re-establish a TCP connection to deviceID. It tries
// the trust store's last-known IP up to MaxAttempts times, then — if every
// direct attempt failed — issues one targeted discovery and, on a response,
// restarts the direct-connect loop once more against the new address.
func (s *Supervisor) Reconnect(ctx context.Context, deviceID string, port int) (net.Conn, error) {
	conn, err := s.directAttempts(ctx, deviceID, port)
	if err == nil {
		return conn, nil
	}

	s.Log.Debug("reconnect: direct attempts exhausted, falling back to discovery", zap.String("peer", deviceID))

	peer, ok := s.Discovery.Lookup(ctx, deviceID, s.DiscoveryWindow)
	if !ok {
		return nil, ErrStalled
	}
	if err := s.Trust.Touch(deviceID, peer.IP); err != nil {
		return nil, err
	}

	conn, err = s.directAttempts(ctx, deviceID, port)
	if err != nil {
		return nil, ErrStalled
	}
	return conn, nil
}

func (s *Supervisor) directAttempts(ctx context.Context, deviceID string, port int) (net.Conn, error) {
	ip, ok := s.Trust.LastKnownIP(deviceID)
	if !ok {
		return nil, fmt.Errorf("reconnect: no known address for %s", deviceID)
	}

	var lastErr error
	for attempt := 0; attempt < s.MaxAttempts; attempt++ {
		conn, err := s.dial(ctx, ip, port)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.RetryInterval):
		}
	}
	return nil, fmt.Errorf("reconnect: direct attempts to %s exhausted: %w", ip, lastErr)
}

func (s *Supervisor) dial(ctx context.Context, ip string, port int) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.ConnectTimeout)
	defer cancel()

	addr := fmt.Sprintf("%s:%d", ip, port)
	conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("reconnect: dial %s: %w", addr, err)
	}
	return conn, nil
}
