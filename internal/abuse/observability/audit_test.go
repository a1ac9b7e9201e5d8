package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bulwark/internal/platform/kafka/producer"
	"bulwark/pkg/requestcontext"
	"bulwark/pkg/testutil"
)

type fakeProducer struct {
	msgs []*producer.Message
	err  error
}

func (f *fakeProducer) ProduceAsync(msg *producer.Message) error {
	f.msgs = append(f.msgs, msg)
	return f.err
}

func TestNewEventCarriesRequestScope(t *testing.T) {
	ctx := requestcontext.WithRequestID(testutil.At(context.Background(), 0), "req-1")
	ev := NewEvent(ctx, EventIPBlocked)

	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, "req-1", ev.RequestID)
	assert.Equal(t, testutil.Epoch, ev.Timestamp)
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewJSONHandler(&buf, nil)))

	ev := NewEvent(context.Background(), EventRateLimited)
	ev.IP = testutil.IPAttacker
	ev.Scope = "auth"
	sink.Publish(context.Background(), ev)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "audit", line["log_type"])
	assert.Equal(t, "rate_limited", line["event"])
	assert.Equal(t, testutil.IPAttacker, line["ip"])
	assert.Equal(t, "auth", line["scope"])
}

func TestKafkaSink(t *testing.T) {
	t.Run("produces keyed json", func(t *testing.T) {
		p := &fakeProducer{}
		sink := NewKafkaSink(p, "bulwark.violations", testutil.DiscardLogger())

		ev := NewEvent(context.Background(), EventIPBlocked)
		ev.IP = testutil.IPAttacker
		sink.Publish(context.Background(), ev)

		require.Len(t, p.msgs, 1)
		assert.Equal(t, "bulwark.violations", p.msgs[0].Topic)
		assert.Equal(t, []byte(testutil.IPAttacker), p.msgs[0].Key)
		assert.Equal(t, "ip_blocked", p.msgs[0].Headers["event_type"])

		var decoded Event
		require.NoError(t, json.Unmarshal(p.msgs[0].Value, &decoded))
		assert.Equal(t, ev.ID, decoded.ID)
	})

	t.Run("producer errors do not panic", func(t *testing.T) {
		p := &fakeProducer{err: errors.New("buffer full")}
		sink := NewKafkaSink(p, "t", testutil.DiscardLogger())
		assert.NotPanics(t, func() { sink.Publish(context.Background(), Event{Type: EventRateLimited}) })
	})
}

func TestMulti(t *testing.T) {
	a, b := &fakeProducer{}, &fakeProducer{}
	m := Multi{NewKafkaSink(a, "t", nil), nil, NewKafkaSink(b, "t", nil), Discard{}}
	m.Publish(context.Background(), Event{Type: EventEmergencyActivated})
	assert.Len(t, a.msgs, 1)
	assert.Len(t, b.msgs, 1)
}
