package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *captureWriter) Close() error { return nil }

func TestKafkaNotifierKeysByEscrow(t *testing.T) {
	w := &captureWriter{}
	n := &KafkaNotifier{writer: w}

	msg := Message{
		Kind:       KindEscrowTransition,
		TenantID:   "t1",
		Key:        "esc-1",
		Body:       "escrow esc-1 FUNDED",
		Attributes: map[string]string{"status": "FUNDED"},
	}
	require.NoError(t, n.Send(context.Background(), msg))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "esc-1", string(w.msgs[0].Key))

	var decoded Message
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, msg, decoded)
}

func TestLoggerNotifierWritesStructuredLine(t *testing.T) {
	var buf bytes.Buffer
	n := NewLoggerNotifier(slog.New(slog.NewJSONHandler(&buf, nil)))
	require.NoError(t, n.Send(context.Background(), Message{Kind: KindEscrowTransition, Key: "esc-2"}))
	assert.Contains(t, buf.String(), `"key":"esc-2"`)

	var nilNotifier *LoggerNotifier
	assert.NoError(t, nilNotifier.Send(context.Background(), Message{}))
}

func TestMultiDeliversToAllAndJoinsErrors(t *testing.T) {
	boom := errors.New("broker down")
	failing := &KafkaNotifier{writer: &captureWriter{err: boom}}
	ok := &captureWriter{}

	err := Multi{failing, &KafkaNotifier{writer: ok}}.Send(context.Background(), Message{Key: "k"})
	require.ErrorIs(t, err, boom)
	assert.Len(t, ok.msgs, 1)
}
