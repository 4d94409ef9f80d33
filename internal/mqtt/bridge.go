package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/wopr-bot/wopr/internal/chat"
	"github.com/wopr-bot/wopr/internal/config"
	"github.com/wopr-bot/wopr/internal/events"
)

// MessageHandler processes one inbound chat message.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg chat.Message, dest chat.Sendable) error
}

// Inbound frames allowed per second across all users.
const inboundPerSecond = 20

// Bridge connects the chat pipeline to an MQTT broker.
type Bridge struct {
	cfg      config.MQTTConfig
	clientID string
	handler  MessageHandler
	bus      *events.Bus
	logger   *slog.Logger
	confirms *chat.Confirmations
	limiter  *rateLimiter

	// publish sends one packet; Run points it at the live connection.
	publish func(ctx context.Context, p *paho.Publish) error

	mu    sync.Mutex
	cm    *autopaho.ConnectionManager
	turns sync.WaitGroup
}

// New creates a Bridge but does not connect. Call [Bridge.Run].
func New(cfg config.MQTTConfig, clientID string, handler MessageHandler, bus *events.Bus, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		cfg:      cfg,
		clientID: clientID,
		handler:  handler,
		bus:      bus,
		logger:   logger,
		confirms: chat.NewConfirmations(),
		limiter:  newRateLimiter(inboundPerSecond, time.Second, logger),
	}
	b.publish = b.publishLive
	return b
}

func (b *Bridge) inTopic() string { return b.cfg.TopicPrefix + "/in/#" }

func (b *Bridge) outTopic(user string) string { return b.cfg.TopicPrefix + "/out/" + user }

func (b *Bridge) eventsTopic() string { return b.cfg.TopicPrefix + "/events" }

func (b *Bridge) statusTopic() string { return b.cfg.TopicPrefix + "/status" }

// Run connects, serves inbound frames and forwards bus events until
// ctx is cancelled. Broker outages are retried in the background and
// never end Run.
func (b *Bridge) Run(ctx context.Context) error {
	brokerURL, err := url.Parse(b.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: b.cfg.Username,
		ConnectPassword: []byte(b.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   b.statusTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqtt connected to broker", "broker", b.cfg.Broker)
			if _, err := cm.Subscribe(ctx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{{Topic: b.inTopic(), QoS: 1}},
			}); err != nil {
				b.logger.Warn("mqtt subscribe failed", "topic", b.inTopic(), "error", err)
			}
			b.publishStatus(ctx, "online")
			b.bus.Emit(events.SourceMQTT, events.KindClientConnected, map[string]any{"remote": b.cfg.Broker})
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: b.clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					b.receive(ctx, pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.mu.Lock()
	b.cm = cm
	b.mu.Unlock()

	go b.limiter.run(ctx)
	if b.bus != nil {
		sub := b.bus.Subscribe(64)
		defer b.bus.Unsubscribe(sub)
		b.forward(ctx, sub)
	} else {
		<-ctx.Done()
	}

	b.turns.Wait()
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b.publishStatus(stopCtx, "offline")
	if err := cm.Disconnect(stopCtx); err != nil {
		b.logger.Debug("mqtt disconnect failed", "error", err)
	}
	return nil
}

// Ping waits for a live broker connection, for health probes.
func (b *Bridge) Ping(ctx context.Context) error {
	b.mu.Lock()
	cm := b.cm
	b.mu.Unlock()
	if cm == nil {
		return errors.New("mqtt bridge not started")
	}
	return cm.AwaitConnection(ctx)
}

func (b *Bridge) publishLive(ctx context.Context, p *paho.Publish) error {
	b.mu.Lock()
	cm := b.cm
	b.mu.Unlock()
	if cm == nil {
		return errors.New("mqtt bridge not connected")
	}
	_, err := cm.Publish(ctx, p)
	return err
}

func (b *Bridge) publishStatus(ctx context.Context, status string) {
	if err := b.publish(ctx, &paho.Publish{
		Topic:   b.statusTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		b.logger.Warn("mqtt status publish failed", "status", status, "error", err)
	}
}

// forward republishes bus events until ctx ends or ch closes.
func (b *Bridge) forward(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			// Broker connection events describe this link, not the chat.
			if e.Source == events.SourceMQTT {
				continue
			}
			payload, err := json.Marshal(e)
			if err != nil {
				b.logger.Debug("mqtt event marshal failed", "kind", e.Kind, "error", err)
				continue
			}
			if err := b.publish(ctx, &paho.Publish{Topic: b.eventsTopic(), Payload: payload}); err != nil {
				b.logger.Debug("mqtt event publish failed", "kind", e.Kind, "error", err)
			}
		}
	}
}

// sender returns the Sendable that answers user through the broker.
func (b *Bridge) sender(user, channel string) *chat.FrameSender {
	return &chat.FrameSender{
		UserID:    user,
		ChannelID: channel,
		Confirms:  b.confirms,
		Publish: func(ctx context.Context, f chat.Frame) error {
			payload, err := json.Marshal(f)
			if err != nil {
				return err
			}
			return b.publish(ctx, &paho.Publish{Topic: b.outTopic(user), Payload: payload, QoS: 1})
		},
		RenderHTML: chat.RenderHTML,
	}
}

// receive handles one inbound publish. Turns run on their own
// goroutines so the paho router is never blocked by the pipeline.
func (b *Bridge) receive(ctx context.Context, topic string, payload []byte) {
	if !b.limiter.allow() {
		return
	}
	f, err := parseInbound(b.cfg.TopicPrefix, topic, payload)
	if err != nil {
		b.logger.Debug("mqtt frame rejected", "topic", topic, "error", err)
		if f.UserID != "" {
			b.reject(ctx, f, err.Error())
		}
		return
	}

	switch f.Type {
	case chat.FrameMessage:
		msg := chat.Message{
			ID:        f.MessageID,
			UserID:    f.UserID,
			Text:      f.Text,
			ChannelID: f.ChannelID,
			Timestamp: time.Now(),
		}
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		b.turns.Add(1)
		go func() {
			defer b.turns.Done()
			if err := b.handler.HandleMessage(ctx, msg, b.sender(msg.UserID, msg.ChannelID)); err != nil {
				b.logger.Error("message handling failed", "user_id", msg.UserID, "message_id", msg.ID, "error", err)
				b.reject(ctx, f, "message could not be handled")
			}
		}()

	case chat.FrameAnswer:
		accepted := *f.Accept
		b.turns.Add(1)
		go func() {
			defer b.turns.Done()
			if err := b.confirms.Resolve(ctx, f.MessageID, accepted); err != nil {
				b.reject(ctx, f, err.Error())
			}
		}()
	}
}

func (b *Bridge) reject(ctx context.Context, f chat.Frame, text string) {
	payload, err := json.Marshal(chat.Frame{
		Type:      chat.FrameError,
		MessageID: f.MessageID,
		UserID:    f.UserID,
		Text:      text,
	})
	if err != nil {
		return
	}
	if err := b.publish(ctx, &paho.Publish{Topic: b.outTopic(f.UserID), Payload: payload, QoS: 1}); err != nil {
		b.logger.Debug("mqtt error frame publish failed", "user_id", f.UserID, "error", err)
	}
}
