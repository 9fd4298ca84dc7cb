package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/taskmgr818/frame-relay/internal/metrics"
	"github.com/taskmgr818/frame-relay/internal/model"
	"go.uber.org/zap"
)

// Channel names shared by every process.
const (
	ChannelInference = "frames:inference"
	ChannelTelemetry = "frames:telemetry"
	ChannelBroadcast = "frames:broadcast"
)

// Channels is the full subscription set.
var Channels = []string{ChannelInference, ChannelTelemetry, ChannelBroadcast}

// ErrMissingSession is returned when a result event has no session to route to.
var ErrMissingSession = errors.New("result event has no sessionId")

// Handler receives decoded events: *model.ResultEvent, *model.TelemetryEvent
// or *model.BroadcastEvent.
type Handler func(ev any)

// Bus is the cross-process pub/sub layer over Redis.
type Bus struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func New(rdb *redis.Client, logger *zap.Logger) *Bus {
	return &Bus{rdb: rdb, logger: logger}
}

// ─────────────────────────────────────────────
// Publishing
// ─────────────────────────────────────────────

// Publish JSON-encodes v onto channel and returns the number of processes
// that received it.
func (b *Bus) Publish(ctx context.Context, channel string, v any) (int64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("marshal %s event: %w", channel, err)
	}
	n, err := b.rdb.Publish(ctx, channel, data).Result()
	if err != nil {
		return 0, fmt.Errorf("publish %s: %w", channel, err)
	}
	return n, nil
}

// PublishResult announces a finished inference to the owning session.
func (b *Bus) PublishResult(ctx context.Context, ev *model.ResultEvent) (int64, error) {
	if ev.SessionID == "" {
		return 0, ErrMissingSession
	}
	return b.Publish(ctx, ChannelInference, ev)
}

// PublishTelemetry sends a sensor update. An empty SessionID reaches every connection.
func (b *Bus) PublishTelemetry(ctx context.Context, ev *model.TelemetryEvent) (int64, error) {
	return b.Publish(ctx, ChannelTelemetry, ev)
}

// PublishBroadcast sends a notice to every connection of every process.
func (b *Bus) PublishBroadcast(ctx context.Context, ev *model.BroadcastEvent) (int64, error) {
	return b.Publish(ctx, ChannelBroadcast, ev)
}

// ─────────────────────────────────────────────
// Subscribing
// ─────────────────────────────────────────────

// Subscribe confirms the subscription to every channel, then delivers events
// to handler from a background goroutine until ctx is cancelled. A returned
// error means the process cannot receive fan-out and should not start.
func (b *Bus) Subscribe(ctx context.Context, handler Handler) error {
	ps := b.rdb.Subscribe(ctx, Channels...)

	for range Channels {
		msg, err := ps.Receive(ctx)
		if err != nil {
			ps.Close()
			return fmt.Errorf("subscribe: %w", err)
		}
		if _, ok := msg.(*redis.Subscription); !ok {
			ps.Close()
			return fmt.Errorf("subscribe: unexpected reply %T", msg)
		}
	}
	b.logger.Info("result bus subscribed", zap.Strings("channels", Channels))

	go func() {
		defer ps.Close()
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				b.logger.Info("result bus unsubscribed")
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				b.dispatch(msg.Channel, []byte(msg.Payload), handler)
			}
		}
	}()
	return nil
}

func (b *Bus) dispatch(channel string, payload []byte, handler Handler) {
	ev, err := Decode(channel, payload)
	if err != nil {
		metrics.BusMessages.WithLabelValues(channel, "malformed").Inc()
		b.logger.Warn("dropping malformed bus message", zap.String("channel", channel), zap.Error(err))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			metrics.BusMessages.WithLabelValues(channel, "panic").Inc()
			b.logger.Error("bus handler panicked", zap.String("channel", channel), zap.Any("panic", r))
		}
	}()
	handler(ev)
	metrics.BusMessages.WithLabelValues(channel, "ok").Inc()
}

// Decode parses a raw bus payload according to its channel.
func Decode(channel string, payload []byte) (any, error) {
	switch channel {
	case ChannelInference:
		var ev model.ResultEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, err
		}
		if ev.SessionID == "" || ev.FrameID == "" {
			return nil, errors.New("result event requires sessionId and frameId")
		}
		return &ev, nil
	case ChannelTelemetry:
		var ev model.TelemetryEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, err
		}
		return &ev, nil
	case ChannelBroadcast:
		var ev model.BroadcastEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, err
		}
		return &ev, nil
	default:
		return nil, fmt.Errorf("unknown channel %q", channel)
	}
}
