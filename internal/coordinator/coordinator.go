// ============================================================================
// taskd Coordinator - Shared Store Client Contract
// ============================================================================
//
// Package: internal/coordinator
// File: coordinator.go
// Purpose: Defines the narrow interface the task engine uses to talk to the
// shared in-memory data store (hashes, sets, lists, pub/sub) that lets an
// independent pool of worker processes cooperate on the same task set.
//
// The engine never imports go-redis directly; it depends on this interface
// so that tests can run the real wire protocol against an in-process
// miniredis server instead of a hand-rolled fake.
// ============================================================================

package coordinator

import "context"

// Message is a single pub/sub delivery.
type Message struct {
	Channel string
	Payload string
}

// Subscription is a live pub/sub subscription. Receive drains pending
// messages without blocking; an empty slice means nothing is pending.
type Subscription interface {
	// Subscribe adds channel to this subscription's channel set.
	Subscribe(ctx context.Context, channel string) error
	// Unsubscribe removes channel from this subscription's channel set.
	Unsubscribe(ctx context.Context, channel string) error
	// Receive drains all messages currently buffered, without blocking.
	Receive(ctx context.Context) ([]Message, error)
	// Close releases the underlying connection.
	Close() error
}

// Coordinator is the contract the task engine requires of the shared store.
// It is implemented concretely by RedisCoordinator (§11 of the spec).
type Coordinator interface {
	// Hash operations, keyed by the task's coordinator hash key.
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	HDel(ctx context.Context, key string) error

	// Set operations on the active-task set.
	SAdd(ctx context.Context, key, member string) error
	SRem(ctx context.Context, key, member string) error
	SCard(ctx context.Context, key string) (int64, error)
	SMembers(ctx context.Context, key string) ([]string, error)

	// List operations on the new/end queues.
	LPush(ctx context.Context, key, value string) error
	RPush(ctx context.Context, key, value string) error
	// BRPop blocks until an element is available, or ctx is cancelled.
	BRPop(ctx context.Context, key string) (string, error)

	// Publish broadcasts payload on channel.
	Publish(ctx context.Context, channel, payload string) error
	// Subscribe opens a new live subscription seeded with the given channels.
	Subscribe(ctx context.Context, channels ...string) Subscription

	// Ping probes reachability; a non-nil error means the coordinator is down.
	Ping(ctx context.Context) error

	// Close releases any pooled connections.
	Close() error
}
