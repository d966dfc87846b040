// Package service wires identity, trust, discovery, session, transfer, and
// reconnect into the single programmatic interface the UI collaborator
// drives: list peers, send a path to a peer, track and cancel jobs, submit
// pairing codes, and subscribe to lifecycle events.
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/foden303/lanshare/internal/discovery"
	"github.com/foden303/lanshare/internal/dirjob"
	"github.com/foden303/lanshare/internal/events"
	"github.com/foden303/lanshare/internal/identity"
	"github.com/foden303/lanshare/internal/logx"
	"github.com/foden303/lanshare/internal/protocol"
	"github.com/foden303/lanshare/internal/reconnect"
	"github.com/foden303/lanshare/internal/session"
	"github.com/foden303/lanshare/internal/transfer"
	"github.com/foden303/lanshare/internal/trust"
)

// JobState is the lifecycle state of one send job.
type JobState string

const (
	JobActive   JobState = "active"
	JobComplete JobState = "complete"
	JobFailed   JobState = "failed"
	JobStalled  JobState = "stalled"
	JobCanceled JobState = "canceled"
)

// Job tracks one outbound send, possibly expanding to several files when
// the submitted path is a directory.
type Job struct {
	mu       sync.Mutex
	ID       string
	PeerID   string
	agg      *dirjob.Aggregator
	state    JobState
	err      error
	cancelFn context.CancelFunc
}

func (j *Job) setState(st JobState, err error) {
	j.mu.Lock()
	j.state = st
	j.err = err
	j.mu.Unlock()
}

// Snapshot is a point-in-time read of a Job's progress, returned by
// Service.Progress.
type Snapshot struct {
	Done, Total int64
	State       JobState
	Err         error
}

// Service is the top-level daemon: one TCP listener, one discovery worker,
// and a registry of live sessions and jobs.
type Service struct {
	opts     Options
	identity *identity.Identity
	trust    *trust.Manager
	disc     *discovery.Service
	recon    *reconnect.Supervisor
	events   *events.Bus
	log      *zap.Logger
	xfers    *transfer.Manager

	mu              sync.Mutex
	jobs            map[string]*Job
	pendingCodes    map[string]string
	codeSubmissions map[string]chan string
	sinks           map[*session.Session]*sink
}

// New loads or creates local identity and trust state under opts.DataDir
// and constructs (but does not yet start) the service.
func New(opts Options) (*Service, error) {
	id, err := identity.LoadOrCreate(opts.DataDir)
	if err != nil {
		return nil, fmt.Errorf("service: load identity: %w", err)
	}
	tm, err := trust.Open(opts.DataDir)
	if err != nil {
		return nil, fmt.Errorf("service: open trust store: %w", err)
	}

	log := logx.Named("service")

	disc := discovery.New(discovery.Config{
		DeviceID: id.DeviceID,
		Hostname: id.Hostname,
		TCPPort:  opts.TCPPort,
		UDPPort:  opts.UDPPort,
	}, logx.Named("discovery"))

	recon := reconnect.New(tm, disc, logx.Named("reconnect"))
	recon.RetryInterval = opts.ReconnectInterval
	recon.MaxAttempts = opts.MaxReconnectTries

	return &Service{
		opts:            opts,
		identity:        id,
		trust:           tm,
		disc:            disc,
		recon:           recon,
		events:          events.New(),
		log:             log,
		xfers:           transfer.NewManager(),
		jobs:            make(map[string]*Job),
		pendingCodes:    make(map[string]string),
		codeSubmissions: make(map[string]chan string),
	}, nil
}

// DeviceID returns this device's stable identifier.
func (s *Service) DeviceID() string { return s.identity.DeviceID }

// OnEvent registers handler for every lifecycle event the service emits.
func (s *Service) OnEvent(h events.Handler) int {
	return s.events.Subscribe(h)
}

// ListPeers returns every peer currently visible via discovery.
func (s *Service) ListPeers() []discovery.DiscoveredPeer {
	return s.disc.Peers()
}

// PendingPair is one pairing code this device is currently displaying,
// awaiting the remote operator to type it in.
type PendingPair struct {
	PeerDeviceID string
	Code         string
}

// PendingPairCodes returns every pairing code currently displayed by this
// device for an in-progress incoming pairing.
func (s *Service) PendingPairCodes() []PendingPair {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PendingPair, 0, len(s.pendingCodes))
	for peer, code := range s.pendingCodes {
		out = append(out, PendingPair{PeerDeviceID: peer, Code: code})
	}
	return out
}

// SubmitPairCode supplies the pairing code the user read from a remote
// device's screen, unblocking that peer's in-progress outbound pairing.
func (s *Service) SubmitPairCode(peerDeviceID, code string) error {
	s.mu.Lock()
	ch, ok := s.codeSubmissions[peerDeviceID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("service: no pairing in progress for %s", peerDeviceID)
	}
	select {
	case ch <- code:
		return nil
	default:
		return fmt.Errorf("service: pairing code for %s already submitted", peerDeviceID)
	}
}

// Run starts the discovery worker and TCP listener, blocking until ctx is
// canceled or a worker fails.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.disc.Run(ctx)
	})

	g.Go(func() error {
		return s.acceptLoop(ctx)
	})

	g.Go(func() error {
		s.watchPeers(ctx)
		return nil
	})

	return g.Wait()
}

// watchPeers polls the discovery peer set and publishes KindPeerDiscovered
// and KindPeerLost as devices come and go.
func (s *Service) watchPeers(ctx context.Context) {
	seen := make(map[string]bool)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current := make(map[string]bool)
			for _, p := range s.disc.Peers() {
				current[p.DeviceID] = true
				if !seen[p.DeviceID] {
					s.events.Publish(events.Event{Kind: events.KindPeerDiscovered, DeviceID: p.DeviceID, Hostname: p.Hostname})
				}
			}
			for id := range seen {
				if !current[id] {
					s.events.Publish(events.Event{Kind: events.KindPeerLost, DeviceID: id})
				}
			}
			seen = current
		}
	}
}

func (s *Service) acceptLoop(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.opts.TCPPort))
	if err != nil {
		return fmt.Errorf("service: listen tcp :%d: %w", s.opts.TCPPort, err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("service: accept: %w", err)
			}
		}
		go s.serveAccepted(ctx, conn)
	}
}

func (s *Service) serveAccepted(ctx context.Context, conn net.Conn) {
	peerIP := hostOf(conn.RemoteAddr())

	var sess *session.Session
	sess = session.New(conn, session.RoleAcceptor, s.identity.DeviceID, s.identity.Hostname, peerIP, s.trust, session.Callbacks{
		DisplayPairingCode: func(code string) {
			s.mu.Lock()
			s.pendingCodes[sess.PeerDeviceID()] = code
			s.mu.Unlock()
			s.events.Publish(events.Event{Kind: events.KindPairRequest, DeviceID: sess.PeerDeviceID(), PairingCode: code})
		},
	}, s.log)
	sess.SetHeartbeat(s.opts.HeartbeatInterval, s.opts.HeartbeatTimeout)
	sess.SetMaxFramePayload(s.opts.ChunkSize + protocol.FrameOverhead)

	if err := sess.Run(ctx); err != nil {
		s.log.Debug("service: inbound session failed", zap.Error(err), zap.String("peer_ip", peerIP))
		conn.Close()
		return
	}

	s.mu.Lock()
	delete(s.pendingCodes, sess.PeerDeviceID())
	s.mu.Unlock()

	s.events.Publish(events.Event{Kind: events.KindReconnected, DeviceID: sess.PeerDeviceID()})
	s.runTransferDispatch(ctx, sess)
}

func hostOf(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// Send submits path (a file or directory) for transfer to peerDeviceID,
// dialing a new session if none is active for that peer. It returns
// immediately with a job handle; progress is tracked asynchronously.
func (s *Service) Send(ctx context.Context, path, peerDeviceID string) (string, error) {
	jobs, err := dirjob.Enumerate(path)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	jobCtx, cancel := context.WithCancel(ctx)
	job := &Job{ID: id, PeerID: peerDeviceID, agg: dirjob.NewAggregator(jobs), state: JobActive, cancelFn: cancel}

	s.mu.Lock()
	s.jobs[id] = job
	s.mu.Unlock()

	go s.runSendJob(jobCtx, job, jobs, peerDeviceID)
	return id, nil
}

// Cancel requests that job stop at the next safe point; its record is kept
// for a later resume.
func (s *Service) Cancel(jobHandle string) error {
	s.mu.Lock()
	job, ok := s.jobs[jobHandle]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("service: unknown job %s", jobHandle)
	}
	job.cancelFn()
	job.setState(JobCanceled, nil)
	return nil
}

// Progress returns job's current aggregate byte progress and state.
func (s *Service) Progress(jobHandle string) (Snapshot, error) {
	s.mu.Lock()
	job, ok := s.jobs[jobHandle]
	s.mu.Unlock()
	if !ok {
		return Snapshot{}, fmt.Errorf("service: unknown job %s", jobHandle)
	}

	done, total := job.agg.Progress()
	job.mu.Lock()
	snap := Snapshot{Done: done, Total: total, State: job.state, Err: job.err}
	job.mu.Unlock()
	return snap, nil
}

func (s *Service) runSendJob(ctx context.Context, job *Job, jobs []dirjob.Job, peerDeviceID string) {
	sess, err := s.establishSession(ctx, peerDeviceID)
	if err != nil {
		if ctx.Err() != nil {
			job.setState(JobCanceled, nil)
			return
		}
		job.setState(JobFailed, err)
		s.events.Publish(events.Event{Kind: events.KindTransferFailed, DeviceID: peerDeviceID, Err: err})
		return
	}

	for i := 0; i < len(jobs); i++ {
		j := jobs[i]
		if err := s.sendOneFile(ctx, sess, job, j); err != nil {
			if ctx.Err() != nil {
				job.setState(JobCanceled, nil)
				return
			}

			if sess.Terminal() || isTerminalTransferError(err) {
				job.setState(JobFailed, err)
				s.events.Publish(events.Event{Kind: events.KindTransferFailed, DeviceID: peerDeviceID, Err: err})
				return
			}

			s.events.Publish(events.Event{Kind: events.KindReconnecting, DeviceID: peerDeviceID, Err: err})
			sess, err = s.reestablishSession(ctx, peerDeviceID)
			if err != nil {
				job.setState(JobStalled, err)
				s.events.Publish(events.Event{Kind: events.KindTransferFailed, DeviceID: peerDeviceID, Err: err})
				return
			}
			s.events.Publish(events.Event{Kind: events.KindReconnected, DeviceID: peerDeviceID})
			i--
			continue
		}
	}

	job.setState(JobComplete, nil)
	s.events.Publish(events.Event{Kind: events.KindTransferComplete, DeviceID: peerDeviceID})
}

// establishSession dials peerDeviceID directly, runs the handshake, and
// starts its frame-dispatch loop.
func (s *Service) establishSession(ctx context.Context, peerDeviceID string) (*session.Session, error) {
	conn, err := s.dialPeer(ctx, peerDeviceID)
	if err != nil {
		return nil, err
	}
	return s.startSession(ctx, conn, peerDeviceID)
}

// reestablishSession hands off to the reconnect supervisor, which retries
// the peer's last-known address before falling back to a targeted
// discovery broadcast.
func (s *Service) reestablishSession(ctx context.Context, peerDeviceID string) (*session.Session, error) {
	conn, err := s.recon.Reconnect(ctx, peerDeviceID, s.opts.TCPPort)
	if err != nil {
		return nil, err
	}
	return s.startSession(ctx, conn, peerDeviceID)
}

func (s *Service) startSession(ctx context.Context, conn net.Conn, peerDeviceID string) (*session.Session, error) {
	peerIP := hostOf(conn.RemoteAddr())
	sess := session.New(conn, session.RoleInitiator, s.identity.DeviceID, s.identity.Hostname, peerIP, s.trust, session.Callbacks{
		RequestPairingCode: s.requestPairingCode(peerDeviceID),
	}, s.log)
	sess.SetHeartbeat(s.opts.HeartbeatInterval, s.opts.HeartbeatTimeout)
	sess.SetMaxFramePayload(s.opts.ChunkSize + protocol.FrameOverhead)

	if err := sess.Run(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	go s.runTransferDispatch(ctx, sess)
	return sess, nil
}

func (s *Service) requestPairingCode(peerDeviceID string) func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		ch := make(chan string, 1)
		s.mu.Lock()
		s.codeSubmissions[peerDeviceID] = ch
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.codeSubmissions, peerDeviceID)
			s.mu.Unlock()
		}()

		s.events.Publish(events.Event{Kind: events.KindPairRequest, DeviceID: peerDeviceID})

		select {
		case code := <-ch:
			return code, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// isTerminalTransferError reports whether err reflects a peer-reported
// protocol, version, or pairing failure surfaced during the transfer
// dispatch loop (as opposed to a plain transport error) — these mean the
// peer rejected the session itself, so reconnecting and retrying would only
// repeat the rejection.
func isTerminalTransferError(err error) bool {
	var perr *session.PeerError
	if !errors.As(err, &perr) {
		return false
	}
	switch perr.Kind {
	case protocol.ErrorKindProtocol, protocol.ErrorKindVersion, protocol.ErrorKindPairing:
		return true
	default:
		return false
	}
}

func (s *Service) dialPeer(ctx context.Context, peerDeviceID string) (net.Conn, error) {
	if ip, ok := s.trust.LastKnownIP(peerDeviceID); ok {
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", fmt.Sprintf("%s:%d", ip, s.opts.TCPPort))
		if err == nil {
			return conn, nil
		}
	}

	for _, peer := range s.disc.Peers() {
		if peer.DeviceID == peerDeviceID {
			dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return (&net.Dialer{}).DialContext(dialCtx, "tcp", fmt.Sprintf("%s:%d", peer.IP, peer.Port))
		}
	}

	peer, ok := s.disc.Lookup(ctx, peerDeviceID, 5*time.Second)
	if !ok {
		return nil, fmt.Errorf("service: peer %s not found", peerDeviceID)
	}
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return (&net.Dialer{}).DialContext(dialCtx, "tcp", fmt.Sprintf("%s:%d", peer.IP, peer.Port))
}
