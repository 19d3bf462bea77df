package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap/zaptest"

	"github.com/virelyx258/rstatus-server/internal/config"
	"github.com/virelyx258/rstatus-server/internal/device"
	"github.com/virelyx258/rstatus-server/internal/protocol"
)

type doneToken struct {
	err error
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic    string
	payload  string
	retained bool
}

type fakeClient struct {
	mu           sync.Mutex
	connected    bool
	err          error
	messages     []published
	disconnected bool
}

func (f *fakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err == nil {
		f.messages = append(f.messages, published{topic: topic, payload: string(payload.([]byte)), retained: retained})
	}
	return doneToken{err: f.err}
}

func (f *fakeClient) Disconnect(uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
	f.connected = false
}

func (f *fakeClient) sent() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.messages...)
}

func (f *fakeClient) last(topic string) (string, bool) {
	msgs := f.sent()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].topic == topic {
			return msgs[i].payload, true
		}
	}
	return "", false
}

var testMQTTConfig = config.MQTTConfig{ClientID: "rstatus-test", TopicPrefix: "rstatus", QoS: 1}

// drain processes queued messages on the calling goroutine
func drain(p *Publisher) {
	p.drain()
}

func upsert(r *device.Registry, typ protocol.DeviceType, base, status string) {
	r.Upsert(protocol.Update{Action: protocol.ActionUpsert, Type: typ, BaseName: base, Status: status},
		device.Address{Host: "10.0.0.9", Port: 41000}, nil)
}

func TestTopics(t *testing.T) {
	tests := []struct {
		prefix string
		typ    protocol.DeviceType
		base   string
		want   string
	}{
		{"rstatus", protocol.TypePC, "PC1", "rstatus/devices/pc/PC1"},
		{"home/presence/", protocol.TypeMobile, "Phone", "home/presence/devices/mobile/Phone"},
		{"", protocol.TypePC, "a/b+c#", "devices/pc/a_b_c_"},
		{"rstatus", protocol.TypeUnknown, "", "rstatus/devices/unknown/_"},
	}

	for _, tt := range tests {
		if got := (Topics{Prefix: tt.prefix}).Device(tt.typ, tt.base); got != tt.want {
			t.Errorf("Device(%q, %v, %q) = %q, want %q", tt.prefix, tt.typ, tt.base, got, tt.want)
		}
	}

	topics := Topics{Prefix: "rstatus"}
	if topics.Status() != "rstatus/status" || topics.Server() != "rstatus/server" {
		t.Errorf("unexpected topics %q %q", topics.Status(), topics.Server())
	}
}

func TestPublisherMirrorsChanges(t *testing.T) {
	r := device.NewRegistry()
	fc := &fakeClient{connected: true}
	p := newPublisher(fc, testMQTTConfig, r, nil, zaptest.NewLogger(t))
	r.Observe(p.OnChange)

	upsert(r, protocol.TypePC, "PC1", "Coding")
	drain(p)

	payload, ok := fc.last("rstatus/devices/pc/PC1")
	if !ok {
		t.Fatalf("device topic not published: %+v", fc.sent())
	}
	var state DeviceState
	if err := json.Unmarshal([]byte(payload), &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if state.DisplayName != "💻PC1" || state.Name != "PC1" || state.Type != "pc" || state.Status != "Coding" {
		t.Fatalf("unexpected state %+v", state)
	}
	if status, _ := fc.last("rstatus/status"); status != "online" {
		t.Fatalf("expected online presence, got %q", status)
	}
	for _, m := range fc.sent() {
		if !m.retained {
			t.Fatalf("expected retained publish on %s", m.topic)
		}
	}

	// Type change clears the old topic
	upsert(r, protocol.TypeMobile, "PC1", "Reading")
	drain(p)
	if old, _ := fc.last("rstatus/devices/pc/PC1"); old != "" {
		t.Fatalf("old topic should be cleared, got %q", old)
	}
	if _, ok := fc.last("rstatus/devices/mobile/PC1"); !ok {
		t.Fatalf("new topic not published")
	}

	r.Remove("PC1")
	drain(p)
	if gone, _ := fc.last("rstatus/devices/mobile/PC1"); gone != "" {
		t.Fatalf("removed device topic should be cleared, got %q", gone)
	}
	if status, _ := fc.last("rstatus/status"); status != "offline" {
		t.Fatalf("expected offline presence, got %q", status)
	}
}

func TestPublisherResyncClearsStaleTopics(t *testing.T) {
	r := device.NewRegistry()
	fc := &fakeClient{connected: true}
	p := newPublisher(fc, testMQTTConfig, r, nil, zaptest.NewLogger(t))
	r.Observe(p.OnChange)

	upsert(r, protocol.TypePC, "PC1", "x")
	upsert(r, protocol.TypePC, "PC2", "y")
	drain(p)

	// Changes made while disconnected are not published
	fc.mu.Lock()
	fc.connected = false
	fc.mu.Unlock()
	r.Remove("PC2")
	upsert(r, protocol.TypeMobile, "Phone", "z")
	drain(p)

	fc.mu.Lock()
	fc.connected = true
	fc.messages = nil
	fc.mu.Unlock()

	p.requestResync()
	drain(p)

	if v, ok := fc.last("rstatus/devices/pc/PC2"); !ok || v != "" {
		t.Fatalf("stale topic should be cleared, got %q (%v)", v, ok)
	}
	if _, ok := fc.last("rstatus/devices/pc/PC1"); !ok {
		t.Fatalf("PC1 should be republished")
	}
	if _, ok := fc.last("rstatus/devices/mobile/Phone"); !ok {
		t.Fatalf("Phone should be published")
	}
	server, _ := fc.last("rstatus/server")
	var st serverState
	if err := json.Unmarshal([]byte(server), &st); err != nil || st.Status != "online" || st.ClientID != "rstatus-test" {
		t.Fatalf("unexpected server state %q", server)
	}
}

func TestPublisherQueueOverflowSchedulesResync(t *testing.T) {
	r := device.NewRegistry()
	fc := &fakeClient{connected: true}
	p := newPublisher(fc, testMQTTConfig, r, nil, zaptest.NewLogger(t))
	r.Observe(p.OnChange)

	for i := 0; i < queueSize; i++ {
		upsert(r, protocol.TypePC, "PC1", "spin")
	}
	if !p.needsResync.Load() {
		t.Fatalf("overflow should schedule a resync")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for p.needsResync.Load() || len(p.queue) > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("resync did not run")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if _, ok := fc.last("rstatus/server"); !ok {
		t.Fatalf("resync should publish server availability")
	}
}

func TestPublisherFailureIsLogged(t *testing.T) {
	fc := &fakeClient{connected: true, err: errors.New("not authorized")}
	p := newPublisher(fc, testMQTTConfig, device.NewRegistry(), nil, zaptest.NewLogger(t))

	if err := p.send("rstatus/status", []byte("online")); !errors.Is(err, ErrPublishFailed) {
		t.Fatalf("expected ErrPublishFailed, got %v", err)
	}
	p.publishRaw("rstatus/status", []byte("online"))
}

func TestPublisherClose(t *testing.T) {
	r := device.NewRegistry()
	fc := &fakeClient{connected: true}
	p := newPublisher(fc, testMQTTConfig, r, nil, zaptest.NewLogger(t))
	r.Observe(p.OnChange)

	upsert(r, protocol.TypePC, "PC1", "Coding")
	drain(p)

	p.Close()
	p.Close()

	if v, ok := fc.last("rstatus/devices/pc/PC1"); !ok || v != "" {
		t.Fatalf("device topic should be cleared on close, got %q", v)
	}
	if status, _ := fc.last("rstatus/status"); status != "offline" {
		t.Fatalf("expected offline presence, got %q", status)
	}
	server, ok := fc.last("rstatus/server")
	if !ok {
		t.Fatalf("expected graceful offline status")
	}
	var st serverState
	if err := json.Unmarshal([]byte(server), &st); err != nil || st.Status != "offline" || st.Reason != "graceful_shutdown" {
		t.Fatalf("unexpected server state %q", server)
	}
	if !fc.disconnected {
		t.Fatalf("client should be disconnected")
	}
}

func TestPublisherRunDrainsOnStop(t *testing.T) {
	r := device.NewRegistry()
	fc := &fakeClient{connected: true}
	p := newPublisher(fc, testMQTTConfig, r, nil, zaptest.NewLogger(t))
	r.Observe(p.OnChange)

	upsert(r, protocol.TypePC, "PC1", "Coding")
	r.Remove("PC1")

	// Cancelled before Run starts: everything queued must still go out
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.Run(ctx)

	if len(p.queue) != 0 {
		t.Fatalf("queue not drained: %d left", len(p.queue))
	}
	if v, ok := fc.last("rstatus/devices/pc/PC1"); !ok || v != "" {
		t.Fatalf("removal not published, got %q (%v)", v, ok)
	}
	if status, _ := fc.last("rstatus/status"); status != "offline" {
		t.Fatalf("expected offline presence, got %q", status)
	}
}

func TestBuildClientOptions(t *testing.T) {
	cfg := config.MQTTConfig{
		Broker:      "tcp://broker.local:1883",
		ClientID:    "rstatus-1",
		Username:    "user",
		Password:    "secret",
		TopicPrefix: "rstatus",
		QoS:         1,
	}
	opts := buildClientOptions(cfg)
	configureLWT(opts, Topics{Prefix: cfg.TopicPrefix}, cfg.ClientID, 1)

	if len(opts.Servers) != 1 || opts.Servers[0].Host != "broker.local:1883" {
		t.Fatalf("unexpected servers %v", opts.Servers)
	}
	if opts.ClientID != "rstatus-1" || opts.Username != "user" || opts.Password != "secret" {
		t.Fatalf("unexpected identity %q %q", opts.ClientID, opts.Username)
	}
	if !opts.AutoReconnect || !opts.ConnectRetry {
		t.Fatalf("expected reconnect enabled")
	}
	if !opts.WillEnabled || opts.WillTopic != "rstatus/server" || !opts.WillRetained {
		t.Fatalf("unexpected will %q retained=%v", opts.WillTopic, opts.WillRetained)
	}
	var st serverState
	if err := json.Unmarshal(opts.WillPayload, &st); err != nil || st.Status != "offline" {
		t.Fatalf("unexpected will payload %q", opts.WillPayload)
	}
}
