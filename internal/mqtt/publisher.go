package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/relay/internal/buildinfo"
	"github.com/nugget/relay/internal/config"
	"github.com/nugget/relay/internal/events"
	"github.com/nugget/relay/internal/usage"
)

// eventBuffer is the bus subscription depth. A stalled broker drops
// events rather than blocking publishers.
const eventBuffer = 256

// StatsSource reports gateway call totals. *usage.Store implements it.
type StatsSource interface {
	Summary(start, end time.Time) (*usage.Summary, error)
}

// client is the publishing side of an MQTT connection.
// *autopaho.ConnectionManager satisfies it.
type client interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Stats is the retained payload on the stats topic.
type Stats struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Version       string `json:"version"`
	Calls         int    `json:"calls_today"`
	Failures      int    `json:"failures_today"`
	InputTokens   int64  `json:"input_tokens_today"`
	OutputTokens  int64  `json:"output_tokens_today"`
	Turns         int64  `json:"turns_today"`
	FailedTurns   int64  `json:"failed_turns_today"`
	ToolCalls     int64  `json:"tool_calls_today"`
	Busy          int64  `json:"busy_today"`
	Messages      int64  `json:"messages_today"`
	Fallbacks     int64  `json:"fallbacks_today"`
	LastTurn      string `json:"last_turn,omitempty"`
}

// Publisher owns the broker connection. It forwards bus events and
// publishes availability and stats.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	bus        *events.Bus
	stats      StatsSource
	counters   *DailyCounters
	logger     *slog.Logger
	now        func() time.Time
	cm         *autopaho.ConnectionManager
}

// New creates a Publisher without connecting. stats may be nil.
func New(cfg config.MQTTConfig, instanceID string, bus *events.Bus, stats StatsSource, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		bus:        bus,
		stats:      stats,
		counters:   NewDailyCounters(nil),
		logger:     logger.With("component", "mqtt"),
		now:        time.Now,
	}
}

// Start connects to the broker and forwards events until ctx is
// cancelled. An unreachable broker is not fatal; autopaho keeps
// retrying in the background.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker url: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
			p.publishStats(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("broker connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "relay-" + p.instanceID,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	// Subscribe before connecting so events during the handshake are
	// buffered.
	var sub <-chan events.Event
	if p.bus != nil {
		sub = p.bus.Subscribe(eventBuffer)
		defer p.bus.Unsubscribe(sub)
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("initial broker connection timed out, retrying in background", "error", err)
	}

	p.run(ctx, cm, sub)
	return nil
}

// Stop publishes "offline" and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	if p.cm == nil {
		return errors.New("mqtt publisher not started")
	}
	return p.cm.AwaitConnection(ctx)
}

// run forwards events and publishes stats on every interval tick until
// ctx is cancelled or the subscription closes.
func (p *Publisher) run(ctx context.Context, c client, sub <-chan events.Event) {
	interval := p.cfg.PublishInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStats(ctx, c)
		case e, ok := <-sub:
			if !ok {
				return
			}
			p.counters.Observe(e)
			p.publishEvent(ctx, c, e)
		}
	}
}

func (p *Publisher) availabilityTopic() string {
	return p.cfg.TopicPrefix + "/availability"
}

func (p *Publisher) statsTopic() string {
	return p.cfg.TopicPrefix + "/stats"
}

func (p *Publisher) eventTopic(kind string) string {
	return p.cfg.TopicPrefix + "/events/" + kind
}

func (p *Publisher) discoveryTopic(field string) string {
	return p.cfg.DiscoveryPrefix + "/sensor/" + p.cfg.DeviceName + "/" + field + "/config"
}

func (p *Publisher) publish(ctx context.Context, c client, topic string, payload []byte, qos byte, retain bool) {
	if _, err := c.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	}); err != nil {
		p.logger.Debug("publish failed", "topic", topic, "error", err)
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, c client, state string) {
	p.publish(ctx, c, p.availabilityTopic(), []byte(state), 1, true)
}

func (p *Publisher) publishEvent(ctx context.Context, c client, e events.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		p.logger.Warn("event not serializable", "kind", e.Kind, "error", err)
		return
	}
	p.publish(ctx, c, p.eventTopic(e.Kind), payload, 0, false)
}

func (p *Publisher) publishDiscovery(ctx context.Context, c client) {
	if p.cfg.DiscoveryPrefix == "" {
		return
	}
	for _, s := range sensors {
		payload, err := json.Marshal(s.config(p.device, p.instanceID, p.statsTopic(), p.availabilityTopic()))
		if err != nil {
			p.logger.Error("discovery payload not serializable", "sensor", s.field, "error", err)
			continue
		}
		p.publish(ctx, c, p.discoveryTopic(s.field), payload, 1, true)
	}
	p.logger.Debug("published discovery", "sensors", len(sensors))
}

func (p *Publisher) publishStats(ctx context.Context, c client) {
	payload, err := json.Marshal(p.snapshot())
	if err != nil {
		p.logger.Error("stats not serializable", "error", err)
		return
	}
	p.publish(ctx, c, p.statsTopic(), payload, 0, true)
}

// snapshot assembles today's stats from the call log and the event
// counters.
func (p *Publisher) snapshot() Stats {
	uptime := buildinfo.Uptime()
	st := Stats{
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: int64(uptime.Seconds()),
		Version:       buildinfo.Version,
	}

	now := p.now()
	if p.stats != nil {
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		sum, err := p.stats.Summary(midnight, now)
		if err != nil {
			p.logger.Warn("usage summary failed", "error", err)
		} else {
			st.Calls = sum.TotalCalls
			st.Failures = sum.Failures
			st.InputTokens = sum.TotalInputTokens
			st.OutputTokens = sum.TotalOutputTokens
		}
	}

	counts, lastTurn := p.counters.Snapshot()
	st.Turns = counts.Turns
	st.FailedTurns = counts.FailedTurns
	st.ToolCalls = counts.ToolCalls
	st.Busy = counts.Busy
	st.Messages = counts.Messages
	st.Fallbacks = counts.Fallbacks
	if !lastTurn.IsZero() {
		st.LastTurn = lastTurn.Format(time.RFC3339)
	}
	return st
}
