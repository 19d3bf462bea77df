package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/virelyx258/rstatus-server/internal/config"
	"github.com/virelyx258/rstatus-server/internal/device"
	"github.com/virelyx258/rstatus-server/internal/metrics"
	"github.com/virelyx258/rstatus-server/internal/protocol"
)

const queueSize = 256

// Publish outcomes for metrics
const (
	publishOK      = "ok"
	publishFailed  = "failed"
	publishSkipped = "disconnected"
	publishDropped = "dropped"
)

// client is the subset of pahomqtt.Client the publisher uses
type client interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Disconnect(quiesce uint)
}

// Source provides the full registry state for resynchronisation
type Source interface {
	Records() []device.StatusRecord
}

// DeviceState is the retained payload of a device topic
type DeviceState struct {
	DisplayName string         `json:"display_name"`
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	Status      string         `json:"status"`
	Source      device.Address `json:"source"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

type message struct {
	topic   string
	payload []byte
	resync  bool
}

// Publisher mirrors the presence registry onto retained MQTT topics.
//
// Registry changes are queued by OnChange and published in order by Run.
// When the queue overflows, or the broker connection comes back, the whole
// registry is republished and topics of devices that left are cleared.
type Publisher struct {
	client   client
	topics   Topics
	qos      byte
	clientID string
	source   Source
	metrics  *metrics.Metrics
	log      *zap.Logger

	queue       chan message
	needsResync atomic.Bool

	// published is owned by the Run goroutine
	published map[string]struct{}
	closeOnce sync.Once
}

// Connect creates a publisher connected to cfg.Broker. A broker that does not
// answer within the connect timeout is retried in the background.
func Connect(cfg config.MQTTConfig, source Source, m *metrics.Metrics, log *zap.Logger) (*Publisher, error) {
	log = log.Named("mqtt")
	topics := Topics{Prefix: cfg.TopicPrefix}
	opts := buildClientOptions(cfg)
	configureLWT(opts, topics, cfg.ClientID, byte(cfg.QoS))

	p := newPublisher(nil, cfg, source, m, log)

	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		log.Info("connected to broker", zap.String("broker", cfg.Broker))
		p.requestResync()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		log.Warn("broker connection lost", zap.Error(err))
	})

	c := pahomqtt.NewClient(opts)
	p.client = c

	token := c.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		log.Warn("broker not reachable yet, retrying in background",
			zap.String("broker", cfg.Broker),
			zap.Duration("waited", defaultConnectTimeout))
		return p, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return p, nil
}

func newPublisher(c client, cfg config.MQTTConfig, source Source, m *metrics.Metrics, log *zap.Logger) *Publisher {
	return &Publisher{
		client:    c,
		topics:    Topics{Prefix: cfg.TopicPrefix},
		qos:       byte(cfg.QoS),
		clientID:  cfg.ClientID,
		source:    source,
		metrics:   m,
		log:       log,
		queue:     make(chan message, queueSize),
		published: make(map[string]struct{}),
	}
}

// OnChange is a device.Observer. It never blocks.
func (p *Publisher) OnChange(c device.Change) {
	typ, base := protocol.ClassifyDisplayName(c.Record.DisplayName)
	topic := p.topics.Device(typ, base)

	var payload []byte
	if c.Kind == device.ChangeUpserted {
		payload = devicePayload(c.Record)
	}
	p.enqueue(message{topic: topic, payload: payload})
	p.enqueue(message{topic: p.topics.Status(), payload: presencePayload(c.Remaining)})
}

func (p *Publisher) enqueue(m message) {
	select {
	case p.queue <- m:
	default:
		p.metrics.RecordPublish(publishDropped)
		if !p.needsResync.Swap(true) {
			p.log.Warn("publish queue full, scheduling resync")
		}
	}
}

func (p *Publisher) requestResync() {
	select {
	case p.queue <- message{resync: true}:
	default:
		p.needsResync.Store(true)
	}
}

// Run publishes queued changes until ctx is cancelled. Changes already
// queued at that point are still published before it returns.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.drain()
			return
		case m := <-p.queue:
			p.handle(m)
		}
		if len(p.queue) == 0 && p.needsResync.Swap(false) {
			p.resync()
		}
	}
}

func (p *Publisher) drain() {
	for {
		select {
		case m := <-p.queue:
			p.handle(m)
		default:
			if p.needsResync.Swap(false) {
				p.resync()
			}
			return
		}
	}
}

func (p *Publisher) handle(m message) {
	if m.resync {
		p.resync()
		return
	}
	p.publish(m.topic, m.payload)
}

// resync republishes every device and clears topics of devices that are gone
func (p *Publisher) resync() {
	records := p.source.Records()

	current := make(map[string][]byte, len(records))
	for _, rec := range records {
		typ, base := protocol.ClassifyDisplayName(rec.DisplayName)
		current[p.topics.Device(typ, base)] = devicePayload(rec)
	}

	for topic := range p.published {
		if _, ok := current[topic]; !ok {
			p.publish(topic, nil)
		}
	}
	for topic, payload := range current {
		p.publish(topic, payload)
	}
	p.publish(p.topics.Status(), presencePayload(len(records)))
	p.publishRaw(p.topics.Server(), serverPayload("online", p.clientID, ""))

	p.log.Debug("resynced registry", zap.Int("devices", len(records)))
}

// publish sends one retained message. An empty payload clears the topic.
// Device topics the broker holds are tracked so resync can clear them.
func (p *Publisher) publish(topic string, payload []byte) {
	if !p.publishRaw(topic, payload) || topic == p.topics.Status() {
		return
	}
	if len(payload) == 0 {
		delete(p.published, topic)
	} else {
		p.published[topic] = struct{}{}
	}
}

func (p *Publisher) publishRaw(topic string, payload []byte) bool {
	if err := p.send(topic, payload); err != nil {
		if errors.Is(err, ErrNotConnected) {
			p.metrics.RecordPublish(publishSkipped)
			return false
		}
		p.metrics.RecordPublish(publishFailed)
		p.log.Warn("publish failed", zap.String("topic", topic), zap.Error(err))
		return false
	}
	p.metrics.RecordPublish(publishOK)
	return true
}

func (p *Publisher) send(topic string, payload []byte) error {
	if !p.client.IsConnected() {
		return ErrNotConnected
	}
	token := p.client.Publish(topic, p.qos, true, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// Close clears the device topics still held by the broker, marks presence
// and the server offline, and disconnects. Call it after Run returns.
func (p *Publisher) Close() {
	p.closeOnce.Do(func() {
		if p.client.IsConnected() {
			for topic := range p.published {
				p.publish(topic, nil)
			}
			p.publishRaw(p.topics.Status(), presencePayload(0))
			p.publishRaw(p.topics.Server(), serverPayload("offline", p.clientID, "graceful_shutdown"))
		}
		p.client.Disconnect(defaultDisconnectQuiesce)
	})
}

func devicePayload(rec device.StatusRecord) []byte {
	typ, name := protocol.ClassifyDisplayName(rec.DisplayName)
	b, _ := json.Marshal(DeviceState{
		DisplayName: rec.DisplayName,
		Name:        name,
		Type:        typ.String(),
		Status:      rec.StatusText,
		Source:      rec.Source,
		UpdatedAt:   rec.UpdatedAt,
	})
	return b
}

func presencePayload(devices int) []byte {
	if devices > 0 {
		return []byte(device.StatusOnline)
	}
	return []byte(device.StatusOffline)
}
