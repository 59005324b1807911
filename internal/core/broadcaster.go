package core

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
	"github.com/vovakirdan/resultrelay/internal/metrics"
	"github.com/vovakirdan/resultrelay/internal/store"
)

// DefaultMaxParallel bounds concurrent sends within one broadcast.
const DefaultMaxParallel = 8

// Sender delivers a result to one connection.
// It returns an error wrapping ErrDisconnected when the peer is gone for good;
// any other error is treated as transient.
type Sender interface {
	Send(ctx context.Context, connectionID string, msg *ResultMessage) error
}

// Delivery summarizes a broadcast. Attempted counts every member found;
// the remaining fields split those attempts by outcome.
type Delivery struct {
	Attempted int
	Delivered int
	// Forwarded counts members handed to the instance that owns them.
	Forwarded int
	Reaped    int
	Failed    int
}

func (d Delivery) add(o Delivery) Delivery {
	return Delivery{
		Attempted: d.Attempted + o.Attempted,
		Delivered: d.Delivered + o.Delivered,
		Forwarded: d.Forwarded + o.Forwarded,
		Reaped:    d.Reaped + o.Reaped,
		Failed:    d.Failed + o.Failed,
	}
}

// Broadcaster fans a result out to every member of a (room, mode) pair.
type Broadcaster struct {
	store       store.ConnectionStore
	registry    *Registry
	sender      Sender
	maxParallel int
	log         *zerolog.Logger
}

// NewBroadcaster creates a broadcaster. maxParallel <= 0 selects DefaultMaxParallel.
func NewBroadcaster(st store.ConnectionStore, registry *Registry, sender Sender, maxParallel int, logger *zerolog.Logger) *Broadcaster {
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Broadcaster{
		store:       st,
		registry:    registry,
		sender:      sender,
		maxParallel: maxParallel,
		log:         logger,
	}
}

// Broadcast delivers msg to the current members of its (room, mode) pair.
//
// Members held by this instance are sent to directly; members owned by
// another instance are forwarded to it through the cluster. A member whose
// send reports ErrDisconnected is unregistered; other send errors are only
// logged. Neither stops delivery to the remaining members,
// and once sending has started the broadcast runs to completion even if ctx
// is canceled.
func (b *Broadcaster) Broadcast(ctx context.Context, msg ResultMessage) (Delivery, error) {
	if err := msg.Validate(); err != nil {
		metrics.RecordBroadcast(metrics.BroadcastInvalid)
		return Delivery{}, err
	}
	msg = msg.WithDefaults()

	members, err := b.store.QueryByRoomMode(ctx, msg.RoomID, int(msg.Mode))
	if err != nil {
		metrics.RecordBroadcast(metrics.BroadcastStoreFailed)
		return Delivery{}, storeError("query", err)
	}
	if len(members) == 0 {
		metrics.RecordBroadcast(metrics.BroadcastNoRecipients)
		b.log.Error().Str("room_id", msg.RoomID).Int("mode", int(msg.Mode)).Msg("no recipients for result")
		return Delivery{}, ErrNoRecipients
	}

	sendCtx := context.WithoutCancel(ctx)

	var local []string
	remote := make(map[string][]string)
	for _, member := range members {
		if b.registry.owns(member) {
			local = append(local, member.ConnectionID)
			continue
		}
		remote[member.Owner] = append(remote[member.Owner], member.ConnectionID)
	}

	delivery := b.DeliverLocal(sendCtx, local, msg)
	for owner, ids := range remote {
		delivery = delivery.add(b.forward(sendCtx, owner, ids, &msg))
	}

	metrics.RecordBroadcast(metrics.BroadcastAttempted)
	return delivery, nil
}

// DeliverLocal sends msg to connections held by this instance, reaping the
// ones reported disconnected. It runs to completion even if ctx is canceled.
func (b *Broadcaster) DeliverLocal(ctx context.Context, connectionIDs []string, msg ResultMessage) Delivery {
	sendCtx := context.WithoutCancel(ctx)
	var delivered, reaped, failed atomic.Int64

	p := pool.New().WithMaxGoroutines(b.maxParallel)
	for _, id := range connectionIDs {
		id := id // per-iteration copy; module targets go 1.21
		p.Go(func() {
			err := b.sender.Send(sendCtx, id, &msg)
			switch {
			case err == nil:
				delivered.Add(1)
				metrics.RecordDelivery(metrics.DeliveryOK)
				b.log.Debug().Str("connection_id", id).Msg("result delivered")
			case errors.Is(err, ErrDisconnected):
				reaped.Add(1)
				metrics.RecordDelivery(metrics.DeliveryDisconnected)
				b.log.Info().Str("connection_id", id).Msg("disconnected peer detected, removing")
				b.reap(sendCtx, id)
			default:
				failed.Add(1)
				metrics.RecordDelivery(metrics.DeliveryFailed)
				b.log.Error().Err(err).Str("connection_id", id).Msg("send result failed")
			}
		})
	}
	p.Wait()

	return Delivery{
		Attempted: len(connectionIDs),
		Delivered: int(delivered.Load()),
		Reaped:    int(reaped.Load()),
		Failed:    int(failed.Load()),
	}
}

// forward hands connections owned by another instance to that instance.
// Only a stopped owner makes its connections reapable from here.
func (b *Broadcaster) forward(ctx context.Context, owner string, ids []string, msg *ResultMessage) Delivery {
	d := Delivery{Attempted: len(ids)}
	log := b.log.With().Str("owner", owner).Int("connections", len(ids)).Logger()

	cluster := b.registry.cluster
	if cluster == nil {
		d.Failed = len(ids)
		metrics.RecordDeliveries(metrics.DeliveryFailed, len(ids))
		log.Error().Msg("connections owned by another instance but no cluster is configured")
		return d
	}

	err := cluster.Forward(ctx, owner, ids, msg)
	switch {
	case err == nil:
		d.Forwarded = len(ids)
		metrics.RecordDeliveries(metrics.DeliveryForwarded, len(ids))
		log.Debug().Msg("result forwarded")
	case errors.Is(err, ErrDisconnected):
		d.Reaped = len(ids)
		metrics.RecordDeliveries(metrics.DeliveryDisconnected, len(ids))
		log.Info().Msg("owning instance stopped, removing its connections")
		for _, id := range ids {
			b.reap(ctx, id)
		}
	default:
		d.Failed = len(ids)
		metrics.RecordDeliveries(metrics.DeliveryFailed, len(ids))
		log.Error().Err(err).Msg("forward result failed")
	}
	return d
}

func (b *Broadcaster) reap(ctx context.Context, connectionID string) {
	if err := b.registry.Unregister(ctx, connectionID); err != nil {
		b.log.Error().Err(err).Str("connection_id", connectionID).Msg("failed to remove stale connection")
		return
	}
	metrics.RecordReaped()
}
