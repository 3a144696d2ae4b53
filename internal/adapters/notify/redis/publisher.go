// Package redis mirrors vault signals onto Redis pub/sub channels so
// processes without an RPC connection can follow activity.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bnema/datavault/internal/domain"
	"github.com/bnema/datavault/internal/logger"
	"github.com/bnema/datavault/internal/ports"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultChannel prefixes every published channel.
const DefaultChannel = "datavault"

type Publisher struct {
	client  *redis.Client
	channel string
	log     zerolog.Logger
}

var _ ports.SignalPublisher = (*Publisher)(nil)

// Message is the JSON payload published for one signal.
type Message struct {
	Signal   string      `json:"signal"`
	Path     string      `json:"path"`
	Name     string      `json:"name,omitempty"`
	Dirs     []EntryTags `json:"dirs,omitempty"`
	Datasets []EntryTags `json:"datasets,omitempty"`
}

type EntryTags struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

func NewPublisher(ctx context.Context, redisURL, channel string, log zerolog.Logger) (*Publisher, error) {
	if redisURL == "" {
		return nil, errors.New("redis url is empty")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	if channel == "" {
		channel = DefaultChannel
	}

	return &Publisher{
		client:  client,
		channel: channel,
		log:     logger.Component(log, "redis"),
	}, nil
}

func (p *Publisher) Publish(ctx context.Context, signal domain.Signal) error {
	payload, err := Encode(signal)
	if err != nil {
		return err
	}

	channel := Channel(p.channel, signal.Kind)
	if err := p.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	p.log.Trace().Str("channel", channel).Msg("signal mirrored")
	return nil
}

// Subscribe returns a pub/sub handle on every signal channel under prefix.
func (p *Publisher) Subscribe(ctx context.Context) *redis.PubSub {
	return p.client.PSubscribe(ctx, p.channel+":*")
}

func (p *Publisher) Close() error {
	return p.client.Close()
}

// Channel names the channel for kind, with spaces turned into
// underscores: "datavault:data_available".
func Channel(prefix string, kind domain.SignalKind) string {
	return prefix + ":" + strings.ReplaceAll(string(kind), " ", "_")
}

func Encode(signal domain.Signal) ([]byte, error) {
	msg := Message{
		Signal:   string(signal.Kind),
		Path:     signal.Path.String(),
		Name:     signal.Name,
		Dirs:     toEntryTags(signal.Dirs),
		Datasets: toEntryTags(signal.Datasets),
	}

	payload, err := sonic.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s signal: %w", signal.Kind, err)
	}
	return payload, nil
}

func Decode(payload []byte) (Message, error) {
	var msg Message
	if err := sonic.Unmarshal(payload, &msg); err != nil {
		return Message{}, fmt.Errorf("decode signal: %w", err)
	}
	return msg, nil
}

func toEntryTags(entries []domain.EntryTags) []EntryTags {
	if len(entries) == 0 {
		return nil
	}
	out := make([]EntryTags, 0, len(entries))
	for _, entry := range entries {
		tags := entry.Tags
		if tags == nil {
			tags = []string{}
		}
		out = append(out, EntryTags{Name: entry.Name, Tags: tags})
	}
	return out
}
