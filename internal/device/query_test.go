package device

import (
	"testing"
	"time"

	"github.com/virelyx258/rstatus-server/internal/protocol"
)

func TestStatusEmptyIsOffline(t *testing.T) {
	r := NewRegistry()
	st := r.Status()
	if st.Status != StatusOffline {
		t.Fatalf("expected offline, got %q", st.Status)
	}
	if st.Devices == nil || len(st.Devices) != 0 {
		t.Fatalf("expected empty non-nil device list, got %#v", st.Devices)
	}
}

func TestStatusListsDevices(t *testing.T) {
	r := NewRegistry()
	fixed := time.Date(2025, 10, 30, 8, 15, 0, 0, time.Local)
	r.now = func() time.Time { return fixed }

	r.Upsert(update(protocol.TypePC, "PC1", "Coding"), tcpSource, nil)
	r.Upsert(update(protocol.TypeMobile, "Phone1", "Music"), tcpSource, nil)

	st := r.Status()
	if st.Status != StatusOnline {
		t.Fatalf("expected online, got %q", st.Status)
	}
	if st.UpdateTime != "2025-10-30 08:15:00" {
		t.Fatalf("unexpected update time %q", st.UpdateTime)
	}
	if !st.AsOf.Equal(fixed) {
		t.Fatalf("unexpected as-of %v", st.AsOf)
	}

	want := map[string]DeviceStatus{
		"PC1":    {Name: "PC1", Type: "pc", WindowTitle: "Coding"},
		"Phone1": {Name: "Phone1", Type: "mobile", WindowTitle: "Music"},
	}
	if len(st.Devices) != len(want) {
		t.Fatalf("expected %d devices, got %+v", len(want), st.Devices)
	}
	for _, d := range st.Devices {
		if w, ok := want[d.Name]; !ok || w != d {
			t.Errorf("unexpected device %+v", d)
		}
	}

	devices := r.Devices()
	if devices["💻PC1"] != "Coding" || devices["📱Phone1"] != "Music" {
		t.Fatalf("unexpected devices map %v", devices)
	}
}
