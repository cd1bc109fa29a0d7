package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const maxCodeAttempts = 8

// RedisStore keeps rooms in Redis so several relay instances can share one
// directory. Layout:
//
//	room:<id>        JSON Room
//	code:<code>      room id
//	room:<id>:peers  set of connected peer ids
//
// All three keys share the room TTL.
type RedisStore struct {
	client          *redis.Client
	defaultCapacity int
	ttl             time.Duration
	now             func() time.Time
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, opts *redis.Options, defaultCapacity int, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", opts.Addr, err)
	}
	return &RedisStore{
		client:          client,
		defaultCapacity: defaultCapacity,
		ttl:             ttl,
		now:             time.Now,
	}, nil
}

func roomKey(id string) string   { return "room:" + id }
func codeKey(code string) string { return "code:" + code }
func peersKey(id string) string  { return "room:" + id + ":peers" }

func (s *RedisStore) Create(ctx context.Context, r Room) (Room, error) {
	r, err := prepare(r, s.defaultCapacity, s.now())
	if err != nil {
		return Room{}, err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	// Claim a code first; SETNX makes collisions across instances safe.
	for attempt := 0; ; attempt++ {
		if attempt == maxCodeAttempts {
			return Room{}, errors.New("create room: could not allocate a unique code")
		}
		code, err := generateCode()
		if err != nil {
			return Room{}, err
		}
		ok, err := s.client.SetNX(ctx, codeKey(code), r.ID, s.ttl).Result()
		if err != nil {
			return Room{}, fmt.Errorf("create room: claim code: %w", err)
		}
		if ok {
			r.Code = code
			break
		}
	}

	data, err := json.Marshal(r)
	if err != nil {
		return Room{}, fmt.Errorf("create room: %w", err)
	}
	ok, err := s.client.SetNX(ctx, roomKey(r.ID), data, s.ttl).Result()
	if err != nil || !ok {
		s.client.Del(ctx, codeKey(r.Code))
		if err != nil {
			return Room{}, fmt.Errorf("create room: %w", err)
		}
		return Room{}, ErrExists
	}
	return r, nil
}

func (s *RedisStore) Get(ctx context.Context, idOrCode string) (Room, error) {
	r, err := s.get(ctx, s.client, idOrCode)
	if !errors.Is(err, ErrNotFound) || !looksLikeCode(idOrCode) {
		return r, err
	}
	id, err := s.client.Get(ctx, codeKey(strings.ToUpper(idOrCode))).Result()
	if errors.Is(err, redis.Nil) {
		return Room{}, ErrNotFound
	}
	if err != nil {
		return Room{}, fmt.Errorf("get room code: %w", err)
	}
	return s.get(ctx, s.client, id)
}

func (s *RedisStore) get(ctx context.Context, c redis.Cmdable, id string) (Room, error) {
	data, err := c.Get(ctx, roomKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Room{}, ErrNotFound
	}
	if err != nil {
		return Room{}, fmt.Errorf("get room: %w", err)
	}
	var r Room
	if err := json.Unmarshal(data, &r); err != nil {
		return Room{}, fmt.Errorf("decode room %s: %w", id, err)
	}
	return r, nil
}

// SetStatus uses an optimistic WATCH transaction so concurrent updates from
// different instances cannot skip a transition.
func (s *RedisStore) SetStatus(ctx context.Context, id string, status Status) (Room, error) {
	var out Room
	txf := func(tx *redis.Tx) error {
		r, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		r, err = applyStatus(r, status)
		if err != nil {
			return err
		}
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, roomKey(id), data, redis.KeepTTL)
			return nil
		})
		if err == nil {
			out = r
		}
		return err
	}

	for attempt := 0; attempt < 3; attempt++ {
		err := s.client.Watch(ctx, txf, roomKey(id))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return Room{}, err
		}
		return out, nil
	}
	return Room{}, fmt.Errorf("set room status: too much contention on %s", id)
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	r, err := s.get(ctx, s.client, id)
	if err != nil {
		return err
	}
	if err := s.client.Del(ctx, roomKey(id), codeKey(r.Code), peersKey(id)).Err(); err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	return nil
}

func (s *RedisStore) AddPeer(ctx context.Context, roomID, peerID string) (int, error) {
	n, err := s.client.Exists(ctx, roomKey(roomID)).Result()
	if err != nil {
		return 0, fmt.Errorf("add peer: %w", err)
	}
	if n == 0 {
		return 0, ErrNotFound
	}

	var card *redis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, peersKey(roomID), peerID)
		pipe.Expire(ctx, peersKey(roomID), s.ttl)
		card = pipe.SCard(ctx, peersKey(roomID))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("add peer: %w", err)
	}
	return int(card.Val()), nil
}

func (s *RedisStore) RemovePeer(ctx context.Context, roomID, peerID string) (int, error) {
	var card *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, peersKey(roomID), peerID)
		card = pipe.SCard(ctx, peersKey(roomID))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("remove peer: %w", err)
	}
	return int(card.Val()), nil
}

func (s *RedisStore) PeerCount(ctx context.Context, roomID string) (int, error) {
	n, err := s.client.Exists(ctx, roomKey(roomID)).Result()
	if err != nil {
		return 0, fmt.Errorf("peer count: %w", err)
	}
	if n == 0 {
		return 0, ErrNotFound
	}
	count, err := s.client.SCard(ctx, peersKey(roomID)).Result()
	if err != nil {
		return 0, fmt.Errorf("peer count: %w", err)
	}
	return int(count), nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping backs the relay's readiness probe.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
