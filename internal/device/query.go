package device

import (
	"time"

	"github.com/virelyx258/rstatus-server/internal/protocol"
)

// Aggregate status values
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// UpdateTimeLayout formats Status.UpdateTime, server local time
const UpdateTimeLayout = "2006-01-02 15:04:05"

// DeviceStatus is one device in the status response
type DeviceStatus struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	WindowTitle string `json:"windowTitle"`
}

// Status is the aggregate presence view served to pollers
type Status struct {
	Devices    []DeviceStatus `json:"devices"`
	Status     string         `json:"status"`
	UpdateTime string         `json:"updateTime"`
	AsOf       time.Time      `json:"-"`
}

// Devices returns display name -> status text
func (r *Registry) Devices() map[string]string {
	return r.Snapshot()
}

// Status builds the aggregate view. The device type is re-derived from each
// display name's prefix; the registry is online iff it has any entry.
func (r *Registry) Status() Status {
	records := r.Records()
	now := r.now()

	devices := make([]DeviceStatus, 0, len(records))
	for _, rec := range records {
		t, name := protocol.ClassifyDisplayName(rec.DisplayName)
		devices = append(devices, DeviceStatus{
			Name:        name,
			Type:        t.String(),
			WindowTitle: rec.StatusText,
		})
	}

	status := StatusOffline
	if len(devices) > 0 {
		status = StatusOnline
	}

	return Status{
		Devices:    devices,
		Status:     status,
		UpdateTime: now.Format(UpdateTimeLayout),
		AsOf:       now,
	}
}
