package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/virelyx258/rstatus-server/internal/device"
	"github.com/virelyx258/rstatus-server/internal/metrics"
	"github.com/virelyx258/rstatus-server/internal/protocol"
)

var (
	// ErrDisabled is returned when operator messaging is switched off
	ErrDisabled = errors.New("messaging is disabled")

	// ErrNotConnected is returned when no live connection is bound to the target
	ErrNotConnected = errors.New("device not connected")

	// ErrWriteFailed wraps the socket error of a failed delivery
	ErrWriteFailed = errors.New("write failed")
)

// Dispatch outcomes for metrics
const (
	resultSent         = "sent"
	resultDisabled     = "disabled"
	resultNotConnected = "not_connected"
	resultWriteFailed  = "write_failed"
)

// Registry is the part of device.Registry the dispatcher needs
type Registry interface {
	Handle(displayName string) (device.Handle, bool)
	Purge(displayName string, h device.Handle) (device.StatusRecord, bool)
}

// Dispatcher delivers operator messages to connected devices
type Dispatcher struct {
	enabled      bool
	registry     Registry
	writeTimeout time.Duration
	metrics      *metrics.Metrics
	log          *zap.Logger
}

// DefaultWriteTimeout bounds a write when no positive timeout is configured
const DefaultWriteTimeout = 5 * time.Second

// New creates a dispatcher. writeTimeout bounds each delivery; a zero or
// negative value falls back to DefaultWriteTimeout.
func New(enabled bool, registry Registry, writeTimeout time.Duration, m *metrics.Metrics, log *zap.Logger) *Dispatcher {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &Dispatcher{
		enabled:      enabled,
		registry:     registry,
		writeTimeout: writeTimeout,
		metrics:      m,
		log:          log.Named("dispatch"),
	}
}

// Enabled reports whether messaging is switched on
func (d *Dispatcher) Enabled() bool {
	return d.enabled
}

// Send writes one NewMessage frame to the connection bound to target. A
// failed write drops the target from the registry and closes its connection;
// the registry is untouched when the target has no connection.
func (d *Dispatcher) Send(ctx context.Context, target, sender, body string) error {
	if !d.enabled {
		d.metrics.RecordDispatch(resultDisabled)
		return ErrDisabled
	}

	h, ok := d.registry.Handle(target)
	if !ok {
		d.metrics.RecordDispatch(resultNotConnected)
		return ErrNotConnected
	}

	if err := h.Send(protocol.EncodeMessage(sender, body), d.timeout(ctx)); err != nil {
		d.metrics.RecordDispatch(resultWriteFailed)
		if _, purged := d.registry.Purge(target, h); purged {
			d.log.Warn("device dropped after failed delivery",
				zap.String("device", target), zap.Error(err))
		}
		h.Close()
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}

	d.metrics.RecordDispatch(resultSent)
	d.log.Info("message delivered",
		zap.String("device", target),
		zap.String("sender", sender),
		zap.Int("bytes", len(body)))
	return nil
}

// timeout picks the shorter of the configured write timeout and the time left
// on ctx
func (d *Dispatcher) timeout(ctx context.Context) time.Duration {
	timeout := d.writeTimeout
	if deadline, ok := ctx.Deadline(); ok {
		left := time.Until(deadline)
		if left <= 0 {
			left = time.Millisecond
		}
		if left < timeout {
			timeout = left
		}
	}
	return timeout
}
