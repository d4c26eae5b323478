package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/ruteri/device-relay-backend/interfaces"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockWriter struct {
	mock.Mock
}

func (m *MockWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	args := m.Called(ctx, msgs)
	return args.Error(0)
}

func (m *MockWriter) Close() error {
	return m.Called().Error(0)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, event interfaces.Event) error {
	return m.Called(ctx, event).Error(0)
}

var testEvent = interfaces.Event{
	Type:      interfaces.EventCommandCompleted,
	DeviceID:  "calc-1",
	CommandID: "cmd-1",
	Status:    interfaces.CommandCompleted,
	At:        time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
}

func TestKafkaPublisher(t *testing.T) {
	writer := &MockWriter{}
	writer.On("WriteMessages", mock.Anything, mock.MatchedBy(func(msgs []kafka.Message) bool {
		if len(msgs) != 1 {
			return false
		}
		msg := msgs[0]
		var decoded interfaces.Event
		if err := json.Unmarshal(msg.Value, &decoded); err != nil {
			return false
		}
		return msg.Topic == "relay-events" &&
			string(msg.Key) == "calc-1" &&
			decoded.CommandID == "cmd-1" &&
			string(msg.Headers[0].Value) == interfaces.EventCommandCompleted
	})).Return(nil)
	writer.On("Close").Return(nil)

	p := NewKafkaPublisherWithWriter(writer, "relay-events")
	require.NoError(t, p.Publish(context.Background(), testEvent))
	require.NoError(t, p.Close())
	writer.AssertExpectations(t)
}

func TestNewKafkaPublisher_Validation(t *testing.T) {
	_, err := NewKafkaPublisher(nil, "relay-events")
	assert.Error(t, err)

	_, err = NewKafkaPublisher([]string{"localhost:9092"}, "")
	assert.Error(t, err)

	p, err := NewKafkaPublisher([]string{"localhost:9092"}, "relay-events")
	require.NoError(t, err)
	assert.NoError(t, p.Close())
}

func TestMulti(t *testing.T) {
	failing := &MockPublisher{}
	failing.On("Publish", mock.Anything, testEvent).Return(errors.New("broker down"))
	ok := &MockPublisher{}
	ok.On("Publish", mock.Anything, testEvent).Return(nil)

	err := Multi{failing, ok}.Publish(context.Background(), testEvent)
	assert.ErrorContains(t, err, "broker down")
	failing.AssertExpectations(t)
	ok.AssertExpectations(t)

	assert.NoError(t, Multi{ok, Noop{}}.Publish(context.Background(), testEvent))
}

func TestLogPublisher(t *testing.T) {
	var buf bytes.Buffer
	p := NewLogPublisher(slog.New(slog.NewTextHandler(&buf, nil)))

	require.NoError(t, p.Publish(context.Background(), testEvent))
	assert.Contains(t, buf.String(), "type=command.completed")
	assert.Contains(t, buf.String(), "commandId=cmd-1")
}
