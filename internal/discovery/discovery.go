// Package discovery implements UDP-broadcast peer discovery: a periodic
// self-announcement beacon, a targeted lookup-by-device-id used by the
// reconnect supervisor, and an in-memory table of recently seen peers.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	kindAnnounce = "announce"
	kindDiscover = "discover"
	kindResponse = "discover_response"
)

type wireMessage struct {
	Type           string `json:"type"`
	DeviceID       string `json:"device_id"`
	Hostname       string `json:"hostname"`
	TCPPort        int    `json:"tcp_port,omitempty"`
	IP             string `json:"ip,omitempty"`
	TargetDeviceID string `json:"target_device_id,omitempty"`
}

// DiscoveredPeer is an ephemeral record of a peer seen via the beacon or a
// targeted lookup. It is never persisted; entries are evicted once they go
// stale.
type DiscoveredPeer struct {
	DeviceID     string
	Hostname     string
	IP           string
	Port         int
	LastBeaconAt time.Time
}

// Service listens for and emits UDP discovery traffic, maintaining a table
// of currently-visible peers.
type Service struct {
	deviceID string
	hostname string
	tcpPort  int
	udpPort  int
	timeout  time.Duration
	log      *zap.Logger

	conn *net.UDPConn

	mu    sync.Mutex
	peers map[string]DiscoveredPeer

	lookupMu sync.Mutex
	waiters  map[string]chan DiscoveredPeer
}

// Config carries a discovery service's fixed parameters.
type Config struct {
	DeviceID string
	Hostname string
	TCPPort  int
	UDPPort  int
	// StaleAfter bounds how long a peer is kept in the table without a
	// fresh beacon before it is evicted.
	StaleAfter time.Duration
}

// New constructs a discovery service. Call Run to bind the socket and start
// serving.
func New(cfg Config, log *zap.Logger) *Service {
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 15 * time.Second
	}
	return &Service{
		deviceID: cfg.DeviceID,
		hostname: cfg.Hostname,
		tcpPort:  cfg.TCPPort,
		udpPort:  cfg.UDPPort,
		timeout:  staleAfter,
		log:      log,
		peers:    make(map[string]DiscoveredPeer),
		waiters:  make(map[string]chan DiscoveredPeer),
	}
}

// Run binds the UDP socket and serves until ctx is canceled. It is intended
// to be run as one long-lived worker under an errgroup.
func (s *Service) Run(ctx context.Context) error {
	addr := &net.UDPAddr{Port: s.udpPort}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return fmt.Errorf("discovery: listen udp :%d: %w", s.udpPort, err)
	}
	s.conn = conn
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.beaconLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		s.evictLoop(ctx)
	}()

	s.listenLoop(ctx)
	wg.Wait()
	return nil
}

func (s *Service) listenLoop(ctx context.Context) {
	buf := make([]byte, 4096)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.log.Debug("discovery: read failed", zap.Error(err))
				return
			}
		}
		s.handleMessage(buf[:n], addr.IP.String())
	}
}

func (s *Service) handleMessage(data []byte, senderIP string) {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Debug("discovery: dropping malformed packet", zap.String("from", senderIP))
		return
	}

	switch msg.Type {
	case kindAnnounce:
		if msg.DeviceID == "" || msg.DeviceID == s.deviceID {
			return
		}
		s.remember(DiscoveredPeer{
			DeviceID:     msg.DeviceID,
			Hostname:     msg.Hostname,
			IP:           senderIP,
			Port:         msg.TCPPort,
			LastBeaconAt: time.Now(),
		})

	case kindDiscover:
		if msg.TargetDeviceID != "" && msg.TargetDeviceID != s.deviceID {
			return
		}
		s.respond(senderIP)

	case kindResponse:
		if msg.DeviceID == "" || msg.DeviceID == s.deviceID {
			return
		}
		ip := msg.IP
		if ip == "" {
			ip = senderIP
		}
		peer := DiscoveredPeer{
			DeviceID:     msg.DeviceID,
			Hostname:     msg.Hostname,
			IP:           ip,
			Port:         msg.TCPPort,
			LastBeaconAt: time.Now(),
		}
		s.remember(peer)
		s.notifyWaiters(peer)
	}
}

func (s *Service) respond(targetIP string) {
	resp := wireMessage{
		Type:     kindResponse,
		DeviceID: s.deviceID,
		Hostname: s.hostname,
		TCPPort:  s.tcpPort,
		IP:       localIP(),
	}
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Warn("discovery: marshal response failed", zap.Error(err))
		return
	}
	dst := &net.UDPAddr{IP: net.ParseIP(targetIP), Port: s.udpPort}
	if _, err := s.conn.WriteToUDP(data, dst); err != nil {
		s.log.Debug("discovery: send response failed", zap.Error(err), zap.String("to", targetIP))
	}
}

func (s *Service) beaconLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	s.announce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.announce()
		}
	}
}

func (s *Service) announce() {
	msg := wireMessage{
		Type:     kindAnnounce,
		DeviceID: s.deviceID,
		Hostname: s.hostname,
		TCPPort:  s.tcpPort,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: s.udpPort}
	if _, err := s.conn.WriteToUDP(data, dst); err != nil {
		s.log.Debug("discovery: beacon send failed", zap.Error(err))
	}
}

func (s *Service) evictLoop(ctx context.Context) {
	ticker := time.NewTicker(s.timeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.evictStale()
		}
	}
}

func (s *Service) evictStale() {
	cutoff := time.Now().Add(-s.timeout)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, peer := range s.peers {
		if peer.LastBeaconAt.Before(cutoff) {
			delete(s.peers, id)
		}
	}
}

func (s *Service) remember(peer DiscoveredPeer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[peer.DeviceID] = peer
}

// Peers returns a snapshot of every currently-visible peer.
func (s *Service) Peers() []DiscoveredPeer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DiscoveredPeer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

// Lookup issues a targeted discovery broadcast for deviceID and waits up to
// timeout for a response. It is used by the reconnect supervisor once a
// trusted peer's known IP stops answering.
func (s *Service) Lookup(ctx context.Context, deviceID string, timeout time.Duration) (DiscoveredPeer, bool) {
	if s.conn == nil {
		return DiscoveredPeer{}, false
	}

	ch := make(chan DiscoveredPeer, 1)

	s.lookupMu.Lock()
	s.waiters[deviceID] = ch
	s.lookupMu.Unlock()
	defer func() {
		s.lookupMu.Lock()
		delete(s.waiters, deviceID)
		s.lookupMu.Unlock()
	}()

	msg := wireMessage{Type: kindDiscover, TargetDeviceID: deviceID, DeviceID: s.deviceID}
	data, err := json.Marshal(msg)
	if err != nil {
		return DiscoveredPeer{}, false
	}
	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: s.udpPort}
	if _, err := s.conn.WriteToUDP(data, dst); err != nil {
		s.log.Debug("discovery: lookup send failed", zap.Error(err))
		return DiscoveredPeer{}, false
	}

	select {
	case peer := <-ch:
		return peer, true
	case <-time.After(timeout):
		return DiscoveredPeer{}, false
	case <-ctx.Done():
		return DiscoveredPeer{}, false
	}
}

func (s *Service) notifyWaiters(peer DiscoveredPeer) {
	s.lookupMu.Lock()
	defer s.lookupMu.Unlock()
	if ch, ok := s.waiters[peer.DeviceID]; ok {
		select {
		case ch <- peer:
		default:
		}
	}
}

func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return ""
	}
	return addr.IP.String()
}
