package bus

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/resultrelay/internal/core"
)

// Envelope carries a result to the instance that owns its recipients.
type Envelope struct {
	ConnectionIDs []string `json:"connectionIds"`
	RoomID        string   `json:"roomId"`
	Mode          int      `json:"mode"`
	UserID        string   `json:"userId"`
	Name          string   `json:"name"`
	ResultToken   string   `json:"resultToken"`
	Operation     string   `json:"operation"`
	Result        string   `json:"result"`
}

func envelopeFor(ids []string, msg *core.ResultMessage) Envelope {
	return Envelope{
		ConnectionIDs: ids,
		RoomID:        msg.RoomID,
		Mode:          int(msg.Mode),
		UserID:        msg.UserID,
		Name:          msg.Name,
		ResultToken:   msg.ResultToken,
		Operation:     msg.Operation,
		Result:        msg.Result,
	}
}

// Message rebuilds the carried result.
func (e Envelope) Message() core.ResultMessage {
	return core.ResultMessage{
		RoomID:      e.RoomID,
		Mode:        core.Mode(e.Mode),
		UserID:      e.UserID,
		Name:        e.Name,
		ResultToken: e.ResultToken,
		Operation:   e.Operation,
		Result:      e.Result,
	}
}

// RedisBus links server instances sharing a redis store.
// Every instance listens on its own channel; it implements core.Cluster.
type RedisBus struct {
	rdb    *goredis.Client
	prefix string
	log    *zerolog.Logger
}

// NewRedisBus builds a bus on an existing client. prefix namespaces the channels.
func NewRedisBus(rdb *goredis.Client, prefix string, logger *zerolog.Logger) *RedisBus {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &RedisBus{rdb: rdb, prefix: prefix, log: logger}
}

func (b *RedisBus) channel(instanceID string) string {
	return b.prefix + "relay:" + instanceID
}

// Forward publishes msg on owner's channel. No listener means owner is not
// running, reported as core.ErrDisconnected.
func (b *RedisBus) Forward(ctx context.Context, owner string, connectionIDs []string, msg *core.ResultMessage) error {
	raw, err := json.Marshal(envelopeFor(connectionIDs, msg))
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	receivers, err := b.rdb.Publish(ctx, b.channel(owner), raw).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", owner, err)
	}
	if receivers == 0 {
		return fmt.Errorf("instance %s: %w", owner, core.ErrDisconnected)
	}
	return nil
}

// Alive reports whether owner is listening on its channel.
func (b *RedisBus) Alive(ctx context.Context, owner string) (bool, error) {
	ch := b.channel(owner)
	counts, err := b.rdb.PubSubNumSub(ctx, ch).Result()
	if err != nil {
		return false, fmt.Errorf("numsub %s: %w", owner, err)
	}
	return counts[ch] > 0, nil
}

// Subscribe listens on instanceID's channel and invokes fn for each envelope.
// It returns once the subscription is active; the returned channel closes
// after ctx is done and the listener has stopped.
func (b *RedisBus) Subscribe(ctx context.Context, instanceID string, fn func(context.Context, Envelope)) (<-chan struct{}, error) {
	pubsub := b.rdb.Subscribe(ctx, b.channel(instanceID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", instanceID, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					b.log.Warn().Err(err).Msg("dropping malformed envelope")
					continue
				}
				fn(ctx, env)
			}
		}
	}()
	return done, nil
}
