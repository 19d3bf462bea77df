package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/virelyx258/rstatus-server/internal/device"
	"github.com/virelyx258/rstatus-server/internal/protocol"
)

type fakeHandle struct {
	mu      sync.Mutex
	sent    [][]byte
	timeout time.Duration
	err     error
	closed  bool
}

func (f *fakeHandle) Send(payload []byte, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeout = timeout
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeHandle) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func registryWith(t *testing.T, h device.Handle, names ...string) *device.Registry {
	t.Helper()
	r := device.NewRegistry()
	for _, name := range names {
		typ, base := protocol.ClassifyDisplayName(name)
		r.Upsert(protocol.Update{Action: protocol.ActionUpsert, Type: typ, BaseName: base, Status: "online"},
			device.Address{Host: "10.0.0.2", Port: 40000}, h)
	}
	return r
}

func TestSendDisabled(t *testing.T) {
	h := &fakeHandle{}
	r := registryWith(t, h, "💻PC1")
	d := New(false, r, time.Second, nil, zaptest.NewLogger(t))

	if err := d.Send(context.Background(), "💻PC1", "ops", "hi"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
	if len(h.sent) != 0 {
		t.Fatalf("nothing should be written when disabled")
	}
}

func TestSendNotConnected(t *testing.T) {
	r := registryWith(t, nil, "📱Phone1")
	d := New(true, r, time.Second, nil, zaptest.NewLogger(t))

	err := d.Send(context.Background(), "📱Phone1", "ops", "hi")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if r.Count() != 1 {
		t.Fatalf("registry should be unchanged, got %v", r.Devices())
	}

	if err := d.Send(context.Background(), "💻Nobody", "ops", "hi"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected for unknown device, got %v", err)
	}
}

func TestSendWritesFrame(t *testing.T) {
	h := &fakeHandle{}
	r := registryWith(t, h, "💻PC1")
	d := New(true, r, 2*time.Second, nil, zaptest.NewLogger(t))

	if err := d.Send(context.Background(), "💻PC1", "admin", "lunch?"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(h.sent) != 1 || string(h.sent[0]) != "NewMessage||admin||lunch?" {
		t.Fatalf("unexpected frames %q", h.sent)
	}
	if h.timeout != 2*time.Second {
		t.Fatalf("expected configured timeout, got %v", h.timeout)
	}
	if r.Count() != 1 || h.closed {
		t.Fatalf("successful send must not touch the registry")
	}
}

func TestSendUsesContextDeadline(t *testing.T) {
	h := &fakeHandle{}
	r := registryWith(t, h, "💻PC1")
	d := New(true, r, time.Minute, nil, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := d.Send(ctx, "💻PC1", "admin", "x"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if h.timeout <= 0 || h.timeout > 500*time.Millisecond {
		t.Fatalf("expected timeout bounded by context, got %v", h.timeout)
	}
}

func TestSendZeroTimeoutStaysBounded(t *testing.T) {
	h := &fakeHandle{}
	r := registryWith(t, h, "💻PC1")
	d := New(true, r, 0, nil, zaptest.NewLogger(t))

	if err := d.Send(context.Background(), "💻PC1", "admin", "x"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if h.timeout != DefaultWriteTimeout {
		t.Fatalf("expected default timeout, got %v", h.timeout)
	}
}

func TestSendFailurePurgesTarget(t *testing.T) {
	sockErr := errors.New("broken pipe")
	h := &fakeHandle{err: sockErr}
	r := registryWith(t, h, "💻PC1")
	other := &fakeHandle{}
	r.Upsert(protocol.Update{Action: protocol.ActionUpsert, Type: protocol.TypeMobile, BaseName: "Phone2", Status: "x"},
		device.Address{Host: "10.0.0.3", Port: 40001}, other)

	d := New(true, r, time.Second, nil, zaptest.NewLogger(t))
	err := d.Send(context.Background(), "💻PC1", "admin", "hello")
	if !errors.Is(err, ErrWriteFailed) || !errors.Is(err, sockErr) {
		t.Fatalf("expected wrapped write failure, got %v", err)
	}
	if _, ok := r.Snapshot()["💻PC1"]; ok {
		t.Fatalf("failed target should be purged")
	}
	if !h.closed {
		t.Fatalf("failed connection should be closed")
	}
	if r.Snapshot()["📱Phone2"] != "x" || other.closed {
		t.Fatalf("other devices must be untouched")
	}
}
