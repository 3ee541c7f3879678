package mqttclient

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ORAI-Solutions/Meeting-Notes/internal/jobs"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// doneToken is an already completed publish.
type doneToken struct{}

var closed = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{}          { return closed }
func (doneToken) Error() error                   { return nil }

type published struct {
	topic    string
	retained bool
	payload  []byte
}

type fakePublisher struct {
	mu  sync.Mutex
	got []published
}

func (f *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, published{topic, retained, payload.([]byte)})
	return doneToken{}
}

func (f *fakePublisher) snapshot() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.got...)
}

func TestTopicFor(t *testing.T) {
	tests := []struct {
		e    jobs.Event
		want string
	}{
		{jobs.Event{Type: jobs.EventJob, Kind: "transcribe", Key: "7"}, "mn/job/transcribe/7"},
		{jobs.Event{Type: jobs.EventCapture, Key: "3"}, "mn/capture/3"},
		{jobs.Event{Type: jobs.EventResource, Kind: "asr", Key: jobs.GlobalKey}, "mn/resource/asr/global"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, TopicFor("mn", tt.e))
		})
	}
}

func TestForward(t *testing.T) {
	bus := jobs.NewEventBus(16)
	pub := &fakePublisher{}
	c := &Client{pub: pub, prefix: "mn", log: zerolog.Nop()}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Forward(ctx, bus)
		close(done)
	}()
	require.Eventually(t, func() bool { return bus.SubscriberCount() == 1 }, time.Second, time.Millisecond)

	bus.Publish(jobs.EventData{Type: jobs.EventJob, Kind: "summarize", Key: "2", Payload: map[string]string{"status": "running"}})
	bus.Publish(jobs.EventData{Type: jobs.EventResource, Kind: "llm", Key: jobs.GlobalKey, Payload: map[string]bool{"available": true}})

	require.Eventually(t, func() bool { return len(pub.snapshot()) == 2 }, time.Second, time.Millisecond)
	got := pub.snapshot()
	assert.Equal(t, "mn/job/summarize/2", got[0].topic)
	assert.True(t, got[0].retained)
	assert.False(t, got[1].retained, "resource events are not retained")

	var e jobs.Event
	require.NoError(t, json.Unmarshal(got[0].payload, &e))
	assert.JSONEq(t, `{"status":"running"}`, string(e.Data))

	cancel()
	<-done
	assert.Zero(t, bus.SubscriberCount())
}
