package ingest

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTopicDevice(t *testing.T) {
	tests := []struct {
		topic  string
		device string
		ok     bool
	}{
		{"v3/availo@ttn/devices/strathmore-sensor1/up", "strathmore-sensor1", true},
		{"v3/availo@ttn/devices/strathmore-sensor1/join", "strathmore-sensor1", true},
		{"v3/availo@ttn/devices//up", "", false},
		{"v2/availo/devices/strathmore-sensor1/up", "", false},
		{"v3/availo@ttn/gateways/gw1/up", "", false},
		{"v3/availo@ttn/devices", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			device, ok := TopicDevice(tt.topic)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.device, device)
		})
	}
}

func newTestSubscriber(t *testing.T) (*Subscriber, *pipeline) {
	p := newPipeline(t, pipelineOptions{})
	s := NewSubscriber(SubscriberConfig{
		Broker:  "tcp://localhost:1883",
		Topics:  []string{"v3/+/devices/+/up"},
		Timeout: time.Second,
	}, p.proc, zap.NewNop())
	return s, p
}

func TestSubscriber_HandleMessage(t *testing.T) {
	s, p := newTestSubscriber(t)
	ctx := context.Background()

	res := s.HandleMessage(ctx, "v3/availo@ttn/devices/strathmore-sensor1/up",
		[]byte(uplinkBody(knownDevice, "2025-07-31T10:00:00Z", `{"occupancy": 9}`)))

	assert.Equal(t, http.StatusNoContent, res.Status)
	assert.Equal(t, OutcomeStored, res.Outcome)

	st, err := p.store.GetStatus(ctx, knownDevice)
	require.NoError(t, err)
	assert.Equal(t, 9, st.CurrentOccupancy)
}

func TestSubscriber_RejectsMismatchedTopic(t *testing.T) {
	s, p := newTestSubscriber(t)
	ctx := context.Background()

	res := s.HandleMessage(ctx, "v3/availo@ttn/devices/other-sensor/up",
		[]byte(uplinkBody(knownDevice, "2025-07-31T10:00:00Z", `{"occupancy": 9}`)))

	assert.Equal(t, http.StatusBadRequest, res.Status)
	assert.Equal(t, OutcomeRejected, res.Outcome)

	stats, err := p.store.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.StatusRecords)
}

func TestSubscriber_RejectsInvalidJSON(t *testing.T) {
	s, _ := newTestSubscriber(t)

	res := s.HandleMessage(context.Background(), "v3/availo@ttn/devices/strathmore-sensor1/up", []byte("not json"))
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Error(t, res.Err)
}

func TestSubscriber_StartWithoutTopics(t *testing.T) {
	s := NewSubscriber(SubscriberConfig{Broker: "tcp://localhost:1883"}, nil, nil)
	assert.Error(t, s.Start(context.Background()))
}
