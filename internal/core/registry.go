package core

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/vovakirdan/resultrelay/internal/metrics"
	"github.com/vovakirdan/resultrelay/internal/store"
)

// Cluster connects server instances that share one store.
type Cluster interface {
	// Forward hands msg to the instance owner for delivery to connectionIDs.
	// It returns an error wrapping ErrDisconnected when owner is not running.
	Forward(ctx context.Context, owner string, connectionIDs []string, msg *ResultMessage) error
	// Alive reports whether owner is running.
	Alive(ctx context.Context, owner string) (bool, error)
}

// Registry admits and removes connections.
type Registry struct {
	store      store.ConnectionStore
	policy     AdmissionPolicy
	instanceID string
	cluster    Cluster
	log        *zerolog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithCluster stamps admitted connections with instanceID and lets the
// registry and broadcaster reach connections owned by other instances.
func WithCluster(instanceID string, cluster Cluster) RegistryOption {
	return func(r *Registry) {
		r.instanceID = instanceID
		r.cluster = cluster
	}
}

// NewRegistry creates a registry backed by st.
func NewRegistry(st store.ConnectionStore, policy AdmissionPolicy, logger *zerolog.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	r := &Registry{store: st, policy: policy, log: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// InstanceID returns the owner id stamped on connections admitted here.
func (r *Registry) InstanceID() string {
	return r.instanceID
}

// owns reports whether conn is held by this instance.
func (r *Registry) owns(conn *store.Connection) bool {
	return conn.Owner == "" || conn.Owner == r.instanceID
}

// Register admits connectionID into (roomID, mode) and records it.
//
// Malformed input is rejected before the store is touched. The counts read
// here only classify the rejection; the insert itself is a conditional write,
// so two concurrent admissions cannot both take the last slot. A conditional
// write that finds the bucket full is reported as a capacity rejection.
func (r *Registry) Register(ctx context.Context, connectionID, roomID string, mode Mode) (*store.Connection, error) {
	if !mode.Valid() {
		metrics.RecordAdmission(metrics.AdmissionInvalid)
		return nil, ErrInvalidMode
	}
	if err := ValidateRoomID(roomID); err != nil {
		metrics.RecordAdmission(metrics.AdmissionInvalid)
		return nil, err
	}

	log := r.log.With().Str("connection_id", connectionID).Str("room_id", roomID).Int("mode", int(mode)).Logger()

	globalCount, err := r.store.Count(ctx)
	if err != nil {
		metrics.RecordAdmission(metrics.AdmissionStoreFailed)
		return nil, storeError("count", err)
	}

	members, err := r.store.QueryByRoomMode(ctx, roomID, int(mode))
	if err != nil {
		metrics.RecordAdmission(metrics.AdmissionStoreFailed)
		return nil, storeError("query", err)
	}

	decision := r.policy.Evaluate(globalCount, len(members), mode)
	if decision == RejectRoomCapacity {
		if pruned := r.pruneDead(ctx, members); pruned > 0 {
			log.Info().Int("pruned", pruned).Msg("removed connections of stopped instances")
			decision = r.policy.Evaluate(globalCount-pruned, len(members)-pruned, mode)
		}
	}
	if decision != Admit {
		r.recordRejection(decision)
		log.Error().Int("global_count", globalCount).Int("current", len(members)).Str("decision", decision.String()).Msg("admission rejected")
		return nil, decision.Err()
	}

	conn := &store.Connection{ConnectionID: connectionID, RoomID: roomID, Mode: int(mode), Owner: r.instanceID}
	ok, err := r.store.PutIfAdmissible(ctx, conn, r.policy.Limits(mode))
	if err != nil {
		metrics.RecordAdmission(metrics.AdmissionStoreFailed)
		return nil, storeError("put", err)
	}
	if !ok {
		// Lost a race for the last slot. Re-read the global count to say which cap was hit.
		decision = RejectRoomCapacity
		if count, countErr := r.store.Count(ctx); countErr == nil && count >= r.policy.MaxConnections {
			decision = RejectGlobalCapacity
		}
		r.recordRejection(decision)
		log.Error().Str("decision", decision.String()).Msg("admission rejected by conditional write")
		return nil, decision.Err()
	}

	metrics.RecordAdmission(metrics.AdmissionAdmitted)
	log.Info().Msg("connection registered")
	return conn, nil
}

// Unregister removes connectionID. Removing an absent connection succeeds.
func (r *Registry) Unregister(ctx context.Context, connectionID string) error {
	if err := r.store.Delete(ctx, connectionID); err != nil {
		return storeError("delete", err)
	}
	r.log.Info().Str("connection_id", connectionID).Msg("connection unregistered")
	return nil
}

// pruneDead deletes members whose owning instance is no longer running.
// An owner whose liveness cannot be determined is left alone.
func (r *Registry) pruneDead(ctx context.Context, members []*store.Connection) int {
	if r.cluster == nil {
		return 0
	}

	alive := make(map[string]bool)
	pruned := 0
	for _, m := range members {
		if r.owns(m) {
			continue
		}
		up, checked := alive[m.Owner]
		if !checked {
			ok, err := r.cluster.Alive(ctx, m.Owner)
			if err != nil {
				r.log.Warn().Err(err).Str("owner", m.Owner).Msg("instance liveness check failed")
				ok = true
			}
			alive[m.Owner] = ok
			up = ok
		}
		if up {
			continue
		}
		if err := r.store.Delete(ctx, m.ConnectionID); err != nil {
			r.log.Error().Err(err).Str("connection_id", m.ConnectionID).Msg("failed to remove connection of stopped instance")
			continue
		}
		metrics.RecordReaped()
		pruned++
	}
	return pruned
}

func (r *Registry) recordRejection(decision Decision) {
	if decision == RejectGlobalCapacity {
		metrics.RecordAdmission(metrics.AdmissionServerFull)
		return
	}
	metrics.RecordAdmission(metrics.AdmissionRoomFull)
}
