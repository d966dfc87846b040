package session

import (
	"context"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/foden303/lanshare/internal/trust"
)

func newTrustManager(t *testing.T) *trust.Manager {
	t.Helper()
	m, err := trust.Open(t.TempDir())
	if err != nil {
		t.Fatalf("trust.Open: %v", err)
	}
	return m
}

func TestTrustedFastPathHandshake(t *testing.T) {
	left, right := net.Pipe()
	defer left.Close()
	defer right.Close()

	tmA := newTrustManager(t)
	tmB := newTrustManager(t)
	if err := tmA.Trust("device-b", "host-b", "10.0.0.2"); err != nil {
		t.Fatalf("Trust: %v", err)
	}
	if err := tmB.Trust("device-a", "host-a", "10.0.0.1"); err != nil {
		t.Fatalf("Trust: %v", err)
	}

	a := New(left, RoleInitiator, "device-a", "host-a", "10.0.0.2", tmA, Callbacks{}, zap.NewNop())
	b := New(right, RoleAcceptor, "device-b", "host-b", "10.0.0.1", tmB, Callbacks{}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- a.Run(ctx) }()
	go func() { errCh <- b.Run(ctx) }()

	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("Run: %v", err)
		}
	}

	if a.State() != StateActive {
		t.Errorf("a.State() = %v, want Active", a.State())
	}
	if b.State() != StateActive {
		t.Errorf("b.State() = %v, want Active", b.State())
	}
	if a.PeerDeviceID() != "device-b" {
		t.Errorf("a.PeerDeviceID() = %q, want device-b", a.PeerDeviceID())
	}
}

func TestPairingSuccessPromotesToTrusted(t *testing.T) {
	left, right := net.Pipe()
	defer left.Close()
	defer right.Close()

	tmA := newTrustManager(t)
	tmB := newTrustManager(t)

	var displayed string
	cbB := Callbacks{
		DisplayPairingCode: func(code string) { displayed = code },
	}
	cbA := Callbacks{
		RequestPairingCode: func(ctx context.Context) (string, error) {
			for displayed == "" {
				select {
				case <-ctx.Done():
					return "", ctx.Err()
				case <-time.After(time.Millisecond):
				}
			}
			return displayed, nil
		},
	}

	a := New(left, RoleInitiator, "device-a", "host-a", "10.0.0.2", tmA, cbA, zap.NewNop())
	b := New(right, RoleAcceptor, "device-b", "host-b", "10.0.0.1", tmB, cbB, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- a.Run(ctx) }()
	go func() { errCh <- b.Run(ctx) }()

	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("Run: %v", err)
		}
	}

	if !tmA.IsTrusted("device-b") {
		t.Error("initiator did not trust acceptor after pairing")
	}
	if !tmB.IsTrusted("device-a") {
		t.Error("acceptor did not trust initiator after pairing")
	}
}

func TestPairingWrongCodeExhaustsAttempts(t *testing.T) {
	left, right := net.Pipe()
	defer left.Close()
	defer right.Close()

	tmA := newTrustManager(t)
	tmB := newTrustManager(t)

	cbA := Callbacks{
		RequestPairingCode: func(ctx context.Context) (string, error) {
			return "000000", nil
		},
	}

	a := New(left, RoleInitiator, "device-a", "host-a", "10.0.0.2", tmA, cbA, zap.NewNop())
	b := New(right, RoleAcceptor, "device-b", "host-b", "10.0.0.1", tmB, Callbacks{}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- a.Run(ctx) }()
	go func() { errCh <- b.Run(ctx) }()

	gotErrs := 0
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			gotErrs++
		}
	}
	if gotErrs == 0 {
		t.Fatal("expected at least one side to fail pairing with a wrong code")
	}
	if tmA.IsTrusted("device-b") || tmB.IsTrusted("device-a") {
		t.Error("trust established despite pairing code mismatch")
	}
}
