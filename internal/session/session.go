// Package session implements the per-connection pairing and liveness state
// machine: HELLO/HELLO_ACK handshake, trusted fast-path or pairing-code
// exchange, periodic heartbeats, and graceful or failed teardown. Transfer
// messages are decoded here only enough to route; the transfer engine owns
// their semantics.
package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/foden303/lanshare/internal/protocol"
	"github.com/foden303/lanshare/internal/trust"
)

// State is a position in the session lifecycle.
type State int

const (
	StateInit State = iota
	StateHandshake
	StatePairing
	StateTrusted
	StateActive
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateHandshake:
		return "handshake"
	case StatePairing:
		return "pairing"
	case StateTrusted:
		return "trusted"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Role distinguishes the dialing side from the accepting side of a TCP
// connection; only the accepting side generates a pairing code.
type Role int

const (
	RoleInitiator Role = iota
	RoleAcceptor
)

const (
	maxFramePayload   = 64*1024 + protocol.FrameOverhead
	heartbeatInterval = 10 * time.Second
	heartbeatTimeout  = 30 * time.Second
	maxPairAttempts   = 3
)

// ErrVersionMismatch is a session-fatal handshake error.
var ErrVersionMismatch = errors.New("session: protocol version mismatch")

// ErrPairingRefused is returned after exhausting pairing attempts.
var ErrPairingRefused = errors.New("session: pairing refused")

// ErrHeartbeatTimeout is returned when no frame has arrived within the
// heartbeat timeout window.
var ErrHeartbeatTimeout = errors.New("session: heartbeat timeout")

// PeerError reports an ERROR frame the remote peer sent us, preserving its
// Kind so callers can tell a session-fatal protocol/pairing failure apart
// from a recoverable one.
type PeerError struct {
	Kind   protocol.ErrorKind
	Detail string
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("session: peer reported %s: %s", e.Kind, e.Detail)
}

// Callbacks lets the owning service hook into out-of-band events the
// session state machine cannot decide for itself.
type Callbacks struct {
	// DisplayPairingCode is invoked by the accepting side once a code has
	// been generated, so the UI collaborator can show it to the user.
	DisplayPairingCode func(code string)
	// RequestPairingCode is invoked by the initiating side to obtain the
	// code the user read from the peer's screen. It may block.
	RequestPairingCode func(ctx context.Context) (string, error)
}

// Session is one live connection's handshake/pairing/heartbeat state
// machine. Once Active, transfer-related frames are delivered on Incoming
// for the caller to interpret.
type Session struct {
	conn     io.ReadWriteCloser
	role     Role
	identity struct{ DeviceID, Hostname string }
	trust    *trust.Manager
	peerIP   string
	cb       Callbacks
	log      *zap.Logger

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	maxFramePayload   int

	mu       sync.Mutex
	state    State
	peerID   string
	peerHost string
	failure  error

	incoming chan protocol.Frame
	outboxMu sync.Mutex

	lastRecv   time.Time
	lastRecvMu sync.Mutex
}

// New constructs a session over conn. deviceID/hostname identify the local
// side; peerIP is the remote address, recorded in trust on success.
func New(conn io.ReadWriteCloser, role Role, deviceID, hostname, peerIP string, tm *trust.Manager, cb Callbacks, log *zap.Logger) *Session {
	return &Session{
		conn:              conn,
		role:              role,
		identity:          struct{ DeviceID, Hostname string }{deviceID, hostname},
		trust:             tm,
		peerIP:            peerIP,
		cb:                cb,
		log:               log,
		state:             StateInit,
		incoming:          make(chan protocol.Frame, 32),
		heartbeatInterval: heartbeatInterval,
		heartbeatTimeout:  heartbeatTimeout,
		maxFramePayload:   maxFramePayload,
	}
}

// SetHeartbeat overrides the default heartbeat interval/timeout. Must be
// called before Run.
func (s *Session) SetHeartbeat(interval, timeout time.Duration) {
	s.heartbeatInterval = interval
	s.heartbeatTimeout = timeout
}

// SetMaxFramePayload overrides the default maximum accepted frame payload
// (chunk_size + protocol.FrameOverhead). Must be called before Run.
func (s *Session) SetMaxFramePayload(n int) {
	s.maxFramePayload = n
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// PeerDeviceID returns the remote device id, valid once past Handshake.
func (s *Session) PeerDeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerID
}

// Incoming delivers transfer-related frames once the session is Active.
// Heartbeats are consumed internally and never forwarded.
func (s *Session) Incoming() <-chan protocol.Frame {
	return s.incoming
}

// Run drives the handshake and pairing negotiation to completion, then
// launches the Active-phase read and heartbeat loops, returning once the
// session reaches Active or fails to get there. Callers should continue
// reading Incoming() and calling Send() after Run returns nil.
func (s *Session) Run(ctx context.Context) error {
	s.setState(StateHandshake)
	s.touchRecv()

	if err := s.handshake(ctx); err != nil {
		s.fail(err)
		s.conn.Close()
		return err
	}

	go s.readLoop(ctx)
	go s.heartbeatLoop(ctx)

	s.setState(StateActive)
	return nil
}

func (s *Session) handshake(ctx context.Context) error {
	local := protocol.Hello{
		DeviceID:        s.identity.DeviceID,
		Hostname:        s.identity.Hostname,
		ProtocolVersion: protocol.ProtocolVersion,
	}
	// The initiator speaks first and the acceptor answers after reading, so
	// the exchange never relies on the transport buffering a write.
	if s.role == RoleInitiator {
		if err := s.sendMessage(protocol.TypeHello, local); err != nil {
			return err
		}
	}

	frame, err := s.readFrame()
	if err != nil {
		return err
	}
	if frame.Type != protocol.TypeHello {
		return fmt.Errorf("%w: expected HELLO, got %s", protocol.ErrMalformed, frame.Type)
	}
	var hello protocol.Hello
	if err := protocol.Unmarshal(frame.Payload, &hello); err != nil {
		return err
	}
	if hello.ProtocolVersion != protocol.ProtocolVersion {
		s.sendError(protocol.ErrorKindVersion, "incompatible protocol version")
		return ErrVersionMismatch
	}
	if s.role == RoleAcceptor {
		if err := s.sendMessage(protocol.TypeHello, local); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.peerID = hello.DeviceID
	s.peerHost = hello.Hostname
	s.mu.Unlock()

	if s.trust.IsTrusted(hello.DeviceID) {
		return s.trustedFastPath(hello.DeviceID, hello.Hostname)
	}
	return s.pair(ctx, hello.DeviceID, hello.Hostname)
}

func (s *Session) trustedFastPath(deviceID, hostname string) error {
	s.setState(StateTrusted)
	ack := protocol.HelloAck{DeviceID: s.identity.DeviceID}
	if s.role == RoleInitiator {
		if err := s.sendMessage(protocol.TypeHelloAck, ack); err != nil {
			return err
		}
	}
	frame, err := s.readFrame()
	if err != nil {
		return err
	}
	if frame.Type != protocol.TypeHelloAck {
		return fmt.Errorf("%w: expected HELLO_ACK, got %s", protocol.ErrMalformed, frame.Type)
	}
	if s.role == RoleAcceptor {
		if err := s.sendMessage(protocol.TypeHelloAck, ack); err != nil {
			return err
		}
	}
	return s.trust.Touch(deviceID, s.peerIP)
}

func (s *Session) pair(ctx context.Context, deviceID, hostname string) error {
	s.setState(StatePairing)

	if s.role == RoleAcceptor {
		return s.pairAsAcceptor(ctx, deviceID, hostname)
	}
	return s.pairAsInitiator(ctx, deviceID, hostname)
}

func (s *Session) pairAsAcceptor(ctx context.Context, deviceID, hostname string) error {
	code, err := generatePairingCode()
	if err != nil {
		return err
	}
	if s.cb.DisplayPairingCode != nil {
		s.cb.DisplayPairingCode(code)
	}

	for attempt := 0; attempt < maxPairAttempts; attempt++ {
		frame, err := s.readFrame()
		if err != nil {
			return err
		}
		if frame.Type != protocol.TypePairReq {
			return fmt.Errorf("%w: expected PAIR_REQ, got %s", protocol.ErrMalformed, frame.Type)
		}
		var req protocol.PairReq
		if err := protocol.Unmarshal(frame.Payload, &req); err != nil {
			return err
		}

		if req.Code == code {
			if err := s.trust.Trust(deviceID, hostname, s.peerIP); err != nil {
				return err
			}
			if err := s.sendMessage(protocol.TypePairOK, protocol.PairOK{
				DeviceID: s.identity.DeviceID,
				Hostname: s.identity.Hostname,
			}); err != nil {
				return err
			}
			s.setState(StateTrusted)
			return nil
		}

		if err := s.sendMessage(protocol.TypePairFail, protocol.PairFail{Reason: "code mismatch"}); err != nil {
			return err
		}
	}

	s.sendError(protocol.ErrorKindPairing, "too many pairing attempts")
	return ErrPairingRefused
}

func (s *Session) pairAsInitiator(ctx context.Context, deviceID, hostname string) error {
	if s.cb.RequestPairingCode == nil {
		return fmt.Errorf("session: no pairing code source configured")
	}

	for attempt := 0; attempt < maxPairAttempts; attempt++ {
		code, err := s.cb.RequestPairingCode(ctx)
		if err != nil {
			return err
		}
		if err := s.sendMessage(protocol.TypePairReq, protocol.PairReq{Code: code}); err != nil {
			return err
		}

		frame, err := s.readFrame()
		if err != nil {
			return err
		}
		switch frame.Type {
		case protocol.TypePairOK:
			var ok protocol.PairOK
			if err := protocol.Unmarshal(frame.Payload, &ok); err != nil {
				return err
			}
			if err := s.trust.Trust(deviceID, hostname, s.peerIP); err != nil {
				return err
			}
			s.setState(StateTrusted)
			return nil
		case protocol.TypePairFail:
			continue
		default:
			return fmt.Errorf("%w: expected PAIR_OK or PAIR_FAIL, got %s", protocol.ErrMalformed, frame.Type)
		}
	}

	return ErrPairingRefused
}

func (s *Session) readLoop(ctx context.Context) {
	for {
		frame, err := s.readFrame()
		if err != nil {
			if isProtocolFrameError(err) {
				s.sendError(protocol.ErrorKindProtocol, err.Error())
			}
			s.fail(err)
			s.conn.Close()
			close(s.incoming)
			return
		}
		s.touchRecv()

		switch frame.Type {
		case protocol.TypeHeartbeat:
			continue
		case protocol.TypeBye:
			s.setState(StateClosing)
			s.conn.Close()
			close(s.incoming)
			return
		case protocol.TypeError:
			var em protocol.ErrorMsg
			protocol.Unmarshal(frame.Payload, &em)
			s.fail(&PeerError{Kind: em.Kind, Detail: em.Detail})
			s.conn.Close()
			close(s.incoming)
			return
		default:
			select {
			case s.incoming <- frame:
			case <-ctx.Done():
				close(s.incoming)
				return
			}
		}
	}
}

// isProtocolFrameError reports whether err is a wire-level framing defect
// (as opposed to a transport error like a dropped connection), warranting
// an ERROR(protocol) reply before the connection closes.
func isProtocolFrameError(err error) bool {
	return errors.Is(err, protocol.ErrMalformed) || errors.Is(err, protocol.ErrFrameTooLarge)
}

// Terminal reports whether the session's recorded failure is a session-fatal
// protocol, version, or pairing error rather than a recoverable transport
// failure. Callers should not attempt to reconnect after one of these.
func (s *Session) Terminal() bool {
	s.mu.Lock()
	err := s.failure
	s.mu.Unlock()
	if err == nil {
		return false
	}
	if errors.Is(err, protocol.ErrMalformed) || errors.Is(err, protocol.ErrFrameTooLarge) ||
		errors.Is(err, ErrVersionMismatch) || errors.Is(err, ErrPairingRefused) {
		return true
	}
	var perr *PeerError
	if errors.As(err, &perr) {
		switch perr.Kind {
		case protocol.ErrorKindProtocol, protocol.ErrorKindVersion, protocol.ErrorKindPairing:
			return true
		}
	}
	return false
}

func (s *Session) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()
	checker := time.NewTicker(s.heartbeatInterval)
	defer checker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.sendMessage(protocol.TypeHeartbeat, protocol.Heartbeat{}); err != nil {
				s.fail(err)
				return
			}
		case <-checker.C:
			if s.recvAge() > s.heartbeatTimeout {
				s.fail(ErrHeartbeatTimeout)
				s.conn.Close()
				return
			}
		}
	}
}

func (s *Session) touchRecv() {
	s.lastRecvMu.Lock()
	s.lastRecv = time.Now()
	s.lastRecvMu.Unlock()
}

func (s *Session) recvAge() time.Duration {
	s.lastRecvMu.Lock()
	defer s.lastRecvMu.Unlock()
	return time.Since(s.lastRecv)
}

// Send writes a typed message frame; safe for concurrent callers, since a
// transfer worker and the heartbeat loop may write at the same time.
func (s *Session) Send(typ protocol.Type, payload any) error {
	return s.sendMessage(typ, payload)
}

func (s *Session) sendMessage(typ protocol.Type, payload any) error {
	data, err := protocol.Marshal(payload)
	if err != nil {
		return err
	}
	return s.SendRaw(typ, data)
}

// SendRaw writes a frame whose payload is already wire-ready, bypassing the
// JSON marshal step; used for binary FILE_DATA chunks.
func (s *Session) SendRaw(typ protocol.Type, payload []byte) error {
	s.outboxMu.Lock()
	defer s.outboxMu.Unlock()
	return protocol.WriteFrame(s.conn, typ, payload)
}

func (s *Session) sendError(kind protocol.ErrorKind, detail string) {
	s.sendMessage(protocol.TypeError, protocol.ErrorMsg{Kind: kind, Detail: detail})
}

func (s *Session) readFrame() (protocol.Frame, error) {
	return protocol.ReadFrame(s.conn, s.maxFramePayload)
}

// Bye sends a graceful close and tears down the connection.
func (s *Session) Bye(reason string) error {
	s.setState(StateClosing)
	s.sendMessage(protocol.TypeBye, protocol.Bye{Reason: reason})
	s.setState(StateClosed)
	return s.conn.Close()
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.state = StateFailed
	s.failure = err
	s.mu.Unlock()
	s.log.Debug("session: failed", zap.Error(err), zap.String("peer", s.peerID))
}

// Err returns the reason the session entered StateFailed, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

func generatePairingCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", fmt.Errorf("session: generate pairing code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
