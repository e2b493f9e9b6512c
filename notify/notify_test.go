package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/care-attendance/attendance"
)

var sample = attendance.Notification{
	EventID:         "ev-1",
	BeneficiaryID:   "B1",
	BeneficiaryName: "Mme Martin",
	CaregiverName:   "Alice",
	Action:          attendance.ActionCheckOut,
	At:              time.Date(2025, time.June, 10, 11, 0, 0, 0, time.UTC),
	Recipients:      []string{"son@example.com"},
}

type fakeConn struct {
	subject string
	data    []byte
	err     error
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	f.subject, f.data = subject, data
	return f.err
}

func TestNATSNotifier_PublishesOnActionSubject(t *testing.T) {
	// GIVEN: a notifier over a fake connection
	conn := &fakeConn{}
	n := &NATSNotifier{conn: conn}

	// WHEN: notifying a check-out
	require.NoError(t, n.Notify(context.Background(), sample))

	// THEN: the subject and payload follow the wire format
	assert.Equal(t, "attendance.check_out", conn.subject)
	var msg Message
	require.NoError(t, json.Unmarshal(conn.data, &msg))
	assert.Equal(t, "attendance.check_out", msg.Type)
	assert.Equal(t, "Alice", msg.CaregiverName)
	assert.Equal(t, []string{"son@example.com"}, msg.Recipients)
}

func TestNATSNotifier_CancelledContext(t *testing.T) {
	conn := &fakeConn{}
	n := &NATSNotifier{conn: conn}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, n.Notify(ctx, sample), context.Canceled)
	assert.Empty(t, conn.subject)
}

type fakeWriter struct {
	msgs []kafka.Message
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaNotifier_KeysByBeneficiary(t *testing.T) {
	w := &fakeWriter{}
	k := &KafkaNotifier{writer: w, topic: DefaultTopic}

	require.NoError(t, k.Notify(context.Background(), sample))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, DefaultTopic, w.msgs[0].Topic)
	assert.Equal(t, "B1", string(w.msgs[0].Key))
	assert.Equal(t, "attendance.check_out", string(w.msgs[0].Headers[0].Value))
	assert.True(t, sample.At.Equal(w.msgs[0].Time), "message time is the event's acceptance time")
}

func TestNewKafkaNotifier_RequiresBrokers(t *testing.T) {
	_, err := NewKafkaNotifier(nil, "")
	assert.Error(t, err)
}

func TestMulti_JoinsErrorsAndKeepsGoing(t *testing.T) {
	var buf bytes.Buffer
	boom := errors.New("boom")
	called := 0
	m := Multi{
		attendance.NotifierFunc(func(context.Context, attendance.Notification) error { return boom }),
		nil,
		LogNotifier{Logger: slog.New(slog.NewJSONHandler(&buf, nil))},
		attendance.NotifierFunc(func(context.Context, attendance.Notification) error { called++; return nil }),
	}

	err := m.Notify(context.Background(), sample)

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, called)
	assert.Contains(t, buf.String(), "attendance notification")
}

func TestWithTimeout_SetsDeadline(t *testing.T) {
	var hasDeadline bool
	n := WithTimeout(attendance.NotifierFunc(func(ctx context.Context, _ attendance.Notification) error {
		_, hasDeadline = ctx.Deadline()
		return nil
	}), time.Second)

	require.NoError(t, n.Notify(context.Background(), sample))
	assert.True(t, hasDeadline)
}
