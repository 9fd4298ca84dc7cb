package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/taskmgr818/frame-relay/internal/model"
	"go.uber.org/zap"
)

func newTestBus(t *testing.T) (*Bus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, zap.NewNop()), mr
}

func receive(t *testing.T, ch <-chan any) any {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bus event")
		return nil
	}
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	b, _ := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan any, 4)
	if err := b.Subscribe(ctx, func(ev any) { got <- ev }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	n, err := b.PublishResult(ctx, &model.ResultEvent{SessionID: "s1", FrameID: "f1", Labels: model.SentinelLabels()})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("receivers = %d, want 1", n)
	}

	ev, ok := receive(t, got).(*model.ResultEvent)
	if !ok || ev.SessionID != "s1" || ev.FrameID != "f1" {
		t.Fatalf("got %#v", ev)
	}

	if _, err := b.PublishBroadcast(ctx, &model.BroadcastEvent{Message: "maintenance"}); err != nil {
		t.Fatal(err)
	}
	if bc, ok := receive(t, got).(*model.BroadcastEvent); !ok || bc.Message != "maintenance" {
		t.Fatalf("got %#v", bc)
	}
}

func TestMalformedAndPanickingMessagesAreDropped(t *testing.T) {
	b, mr := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan any, 4)
	err := b.Subscribe(ctx, func(ev any) {
		if tel, ok := ev.(*model.TelemetryEvent); ok && tel.Sensor == "boom" {
			panic("handler failure")
		}
		got <- ev
	})
	if err != nil {
		t.Fatal(err)
	}

	mr.Publish(ChannelInference, "{not json")
	mr.Publish(ChannelInference, `{"frameId":"f1"}`)
	if _, err := b.PublishTelemetry(ctx, &model.TelemetryEvent{Sensor: "boom"}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.PublishTelemetry(ctx, &model.TelemetryEvent{Sensor: "heart_rate", Values: map[string]float64{"bpm": 61}}); err != nil {
		t.Fatal(err)
	}

	tel, ok := receive(t, got).(*model.TelemetryEvent)
	if !ok || tel.Sensor != "heart_rate" {
		t.Fatalf("first delivered event = %#v, want heart_rate telemetry", tel)
	}
}

func TestPublishResultRequiresSession(t *testing.T) {
	b, _ := newTestBus(t)
	if _, err := b.PublishResult(context.Background(), &model.ResultEvent{FrameID: "f1"}); !errors.Is(err, ErrMissingSession) {
		t.Errorf("err = %v, want ErrMissingSession", err)
	}
}

func TestSubscribeFailsWithoutBroker(t *testing.T) {
	b, mr := newTestBus(t)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Subscribe(ctx, func(any) {}); err == nil {
		t.Error("Subscribe succeeded against a stopped broker")
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		channel string
		payload string
		wantErr bool
	}{
		{"result", ChannelInference, `{"sessionId":"s","frameId":"f","labels":[]}`, false},
		{"result without session", ChannelInference, `{"frameId":"f"}`, true},
		{"telemetry", ChannelTelemetry, `{"sensor":"imu","values":{"x":1}}`, false},
		{"broadcast", ChannelBroadcast, `{"message":"hi"}`, false},
		{"garbage", ChannelBroadcast, `[`, true},
		{"unknown channel", "frames:other", `{}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.channel, []byte(tt.payload))
			if (err != nil) != tt.wantErr {
				t.Errorf("Decode err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
