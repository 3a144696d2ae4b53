package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/bnema/datavault/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind domain.SignalKind
		want string
	}{
		{kind: domain.SignalNewDir, want: "lab:new_dir"},
		{kind: domain.SignalDataAvailable, want: "lab:data_available"},
		{kind: domain.SignalTagsUpdated, want: "lab:tags_updated"},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Channel("lab", tt.kind))
		})
	}
}

func TestEncodeDecode(t *testing.T) {
	t.Parallel()

	signal := domain.Signal{
		Kind:     domain.SignalTagsUpdated,
		Path:     domain.ParsePath("/run1"),
		Datasets: []domain.EntryTags{{Name: "00001 - scan", Tags: nil}, {Name: "00002 - scan", Tags: []string{"star"}}},
	}

	payload, err := Encode(signal)
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"tags":[]`)

	msg, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, Message{
		Signal: "tags updated",
		Path:   "/run1",
		Datasets: []EntryTags{
			{Name: "00001 - scan", Tags: []string{}},
			{Name: "00002 - scan", Tags: []string{"star"}},
		},
	}, msg)

	_, err = Decode([]byte("{"))
	require.Error(t, err)
}

func TestNewPublisherRejectsBadURL(t *testing.T) {
	t.Parallel()

	_, err := NewPublisher(context.Background(), "", "", zerolog.Nop())
	require.Error(t, err)

	_, err = NewPublisher(context.Background(), "http://not-redis", "", zerolog.Nop())
	require.ErrorContains(t, err, "parse redis url")
}

func TestPublisherRoundTrip(t *testing.T) {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		t.Skip("REDIS_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	publisher, err := NewPublisher(ctx, redisURL, "datavault-test", zerolog.Nop())
	require.NoError(t, err)
	defer publisher.Close()

	sub := publisher.Subscribe(ctx)
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	signal := domain.Signal{Kind: domain.SignalNewDataset, Path: domain.ParsePath("/run"), Name: "00001 - scan"}
	require.NoError(t, publisher.Publish(ctx, signal))

	received, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "datavault-test:new_dataset", received.Channel)

	msg, err := Decode([]byte(received.Payload))
	require.NoError(t, err)
	assert.Equal(t, "00001 - scan", msg.Name)
	assert.Equal(t, "/run", msg.Path)
}
