package session

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

func TestManagerLifecycle(t *testing.T) {
	m := NewManager()

	var started, ended []string
	m.SetCallbacks(
		func(s *Session) { started = append(started, s.ID) },
		func(s *Session) { ended = append(ended, s.ID) },
	)

	server, client := net.Pipe()
	defer client.Close()

	sess := m.Create(server)
	if sess.ID == "" {
		t.Fatalf("expected session id")
	}
	if got, ok := m.Get(sess.ID); !ok || got != sess {
		t.Fatalf("session not found")
	}
	if m.Count() != 1 || len(m.ListInfo()) != 1 {
		t.Fatalf("expected one session")
	}

	m.End(sess.ID)
	m.End(sess.ID) // second end is a no-op

	if m.Count() != 0 {
		t.Fatalf("session still tracked")
	}
	if len(started) != 1 || len(ended) != 1 || started[0] != ended[0] {
		t.Fatalf("unexpected callbacks: started=%v ended=%v", started, ended)
	}
}

func TestSessionSend(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	m := NewManager()
	sess := m.Create(server)
	defer sess.Close()

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := client.Read(buf)
		got <- buf[:n]
	}()

	if err := sess.Send([]byte("hello"), time.Second); err != nil {
		t.Fatalf("send: %v", err)
	}
	if b := <-got; !bytes.Equal(b, []byte("hello")) {
		t.Fatalf("unexpected payload %q", b)
	}
	if info := m.ListInfo()[0]; info.BytesOut != 5 {
		t.Fatalf("expected 5 bytes out, got %d", info.BytesOut)
	}
}

func TestSessionSendTimeout(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	sess := NewManager().Create(server)
	defer sess.Close()

	// Nobody reads from client, so the pipe write blocks until the deadline
	err := sess.Send([]byte("stalled"), 50*time.Millisecond)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestSessionConcurrentSendsDoNotInterleave(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	sess := NewManager().Create(server)

	frames := [][]byte{
		bytes.Repeat([]byte("a"), 100),
		bytes.Repeat([]byte("b"), 100),
		bytes.Repeat([]byte("c"), 100),
	}

	var received bytes.Buffer
	done := make(chan struct{})
	go func() {
		io.Copy(&received, client)
		close(done)
	}()

	var wg sync.WaitGroup
	for _, f := range frames {
		wg.Add(1)
		go func(f []byte) {
			defer wg.Done()
			if err := sess.Send(f, time.Second); err != nil {
				t.Errorf("send: %v", err)
			}
		}(f)
	}
	wg.Wait()
	sess.Close()
	<-done

	out := received.Bytes()
	if len(out) != 300 {
		t.Fatalf("expected 300 bytes, got %d", len(out))
	}
	for i := 0; i < 300; i += 100 {
		chunk := out[i : i+100]
		if !bytes.Equal(chunk, bytes.Repeat(chunk[:1], 100)) {
			t.Fatalf("frames interleaved: %q", out)
		}
	}
}

func TestTerminateAndCloseAll(t *testing.T) {
	m := NewManager()
	s1, c1 := net.Pipe()
	s2, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	a := m.Create(s1)
	m.Create(s2)

	if !m.Terminate(a.ID) {
		t.Fatalf("terminate failed")
	}
	if m.Terminate("missing") {
		t.Fatalf("terminated unknown session")
	}

	m.CloseAll()
	buf := make([]byte, 1)
	if _, err := c2.Read(buf); err == nil {
		t.Fatalf("expected closed pipe")
	}
}
