// Package sessionstore keeps ephemeral per-device session state in Redis.
//
// Each device session has three logical slots: the conversation context
// frame, the interaction mode, and the active speaker. Every write refreshes
// one uniform TTL across all three slots, so a session expires as a unit
// after the configured idle period. The package also carries the pub/sub
// channel the entity mirror fans state changes out on, and the short-TTL
// distributed lock the executor serialises per-entity commands with.
package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Mode is the interaction mode of a device session.
type Mode string

const (
	ModeCommand      Mode = "command"
	ModeConversation Mode = "conversation"
	ModeNotes        Mode = "notes"
	ModeJournal      Mode = "journal"
	ModeAmbient      Mode = "ambient"
)

// valid reports whether m is a known mode.
func (m Mode) valid() bool {
	switch m {
	case ModeCommand, ModeConversation, ModeNotes, ModeJournal, ModeAmbient:
		return true
	}
	return false
}

// entityChannel is the pub/sub channel mirrored state changes fan out on.
const entityChannel = "barnabee:entity_events"

// Store is the Redis-backed session store. Safe for concurrent use.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// Option is a functional option for New.
type Option func(*Store)

// WithTTL overrides the uniform session TTL. Default 30 minutes.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// New creates a Store talking to the Redis instance at addr.
func New(addr, password string, db int, opts ...Option) *Store {
	s := &Store{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		ttl: 30 * time.Minute,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Close releases the Redis connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Ping verifies Redis answers. Used by the health checker.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("sessionstore: ping: %w", err)
	}
	return nil
}

func contextKey(deviceID string) string { return "session:" + deviceID + ":context" }
func modeKey(deviceID string) string    { return "session:" + deviceID + ":mode" }
func speakerKey(deviceID string) string { return "session:" + deviceID + ":speaker" }

// touch refreshes the uniform TTL on every slot of the device's session.
func (s *Store) touch(ctx context.Context, deviceID string) error {
	pipe := s.rdb.Pipeline()
	pipe.Expire(ctx, contextKey(deviceID), s.ttl)
	pipe.Expire(ctx, modeKey(deviceID), s.ttl)
	pipe.Expire(ctx, speakerKey(deviceID), s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// SetContext stores the conversation context frame and refreshes the session
// TTL. frame may be any JSON-marshalable value.
func (s *Store) SetContext(ctx context.Context, deviceID string, frame any) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("sessionstore: encode context: %w", err)
	}
	if err := s.rdb.Set(ctx, contextKey(deviceID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("sessionstore: set context: %w", err)
	}
	if err := s.touch(ctx, deviceID); err != nil {
		return fmt.Errorf("sessionstore: refresh ttl: %w", err)
	}
	return nil
}

// GetContext decodes the stored context frame into out. A missing slot leaves
// out untouched and returns false.
func (s *Store) GetContext(ctx context.Context, deviceID string, out any) (bool, error) {
	raw, err := s.rdb.Get(ctx, contextKey(deviceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sessionstore: get context: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("sessionstore: decode context: %w", err)
	}
	return true, nil
}

// SetMode stores the interaction mode and refreshes the session TTL.
func (s *Store) SetMode(ctx context.Context, deviceID string, mode Mode) error {
	if !mode.valid() {
		return fmt.Errorf("sessionstore: unknown mode %q", mode)
	}
	if err := s.rdb.Set(ctx, modeKey(deviceID), string(mode), s.ttl).Err(); err != nil {
		return fmt.Errorf("sessionstore: set mode: %w", err)
	}
	if err := s.touch(ctx, deviceID); err != nil {
		return fmt.Errorf("sessionstore: refresh ttl: %w", err)
	}
	return nil
}

// GetMode returns the stored mode; an expired or never-set session is in
// [ModeCommand].
func (s *Store) GetMode(ctx context.Context, deviceID string) (Mode, error) {
	raw, err := s.rdb.Get(ctx, modeKey(deviceID)).Result()
	if errors.Is(err, redis.Nil) {
		return ModeCommand, nil
	}
	if err != nil {
		return ModeCommand, fmt.Errorf("sessionstore: get mode: %w", err)
	}
	mode := Mode(raw)
	if !mode.valid() {
		return ModeCommand, nil
	}
	return mode, nil
}

// SetSpeaker stores the active speaker and refreshes the session TTL. An
// empty speaker clears the slot.
func (s *Store) SetSpeaker(ctx context.Context, deviceID, speaker string) error {
	var err error
	if speaker == "" {
		err = s.rdb.Del(ctx, speakerKey(deviceID)).Err()
	} else {
		err = s.rdb.Set(ctx, speakerKey(deviceID), speaker, s.ttl).Err()
	}
	if err != nil {
		return fmt.Errorf("sessionstore: set speaker: %w", err)
	}
	if err := s.touch(ctx, deviceID); err != nil {
		return fmt.Errorf("sessionstore: refresh ttl: %w", err)
	}
	return nil
}

// GetSpeaker returns the active speaker, empty when unknown.
func (s *Store) GetSpeaker(ctx context.Context, deviceID string) (string, error) {
	raw, err := s.rdb.Get(ctx, speakerKey(deviceID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("sessionstore: get speaker: %w", err)
	}
	return raw, nil
}

// PublishEntityEvent fans one mirrored state change out to every worker.
func (s *Store) PublishEntityEvent(ctx context.Context, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sessionstore: encode entity event: %w", err)
	}
	if err := s.rdb.Publish(ctx, entityChannel, raw).Err(); err != nil {
		return fmt.Errorf("sessionstore: publish entity event: %w", err)
	}
	return nil
}

// SubscribeEntityEvents subscribes to the mirror fan-out channel. The
// returned channel closes when ctx is cancelled.
func (s *Store) SubscribeEntityEvents(ctx context.Context) <-chan []byte {
	sub := s.rdb.Subscribe(ctx, entityChannel)
	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
