package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func TestPublishKeysByPayment(t *testing.T) {
	w := &recordingWriter{}
	p := NewPublisherWithWriter(w)

	err := p.Publish(context.Background(), "1234567890", map[string]string{"status": "SUCCESS"})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	require.Equal(t, "1234567890", string(w.msgs[0].Key))

	var got map[string]string
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	require.Equal(t, "SUCCESS", got["status"])
}

func TestPublishWrapsWriterError(t *testing.T) {
	boom := errors.New("broker down")
	p := NewPublisherWithWriter(&recordingWriter{err: boom})

	err := p.Publish(context.Background(), "k", struct{}{})
	require.ErrorIs(t, err, boom)
}
