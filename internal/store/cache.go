package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// CacheStats counts history cache outcomes.
type CacheStats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Errors uint64 `json:"errors"`
}

// CachedMessages is a cache-aside decorator that keeps recent room history
// in Redis. Every cached page is keyed by the room's generation; writes go to
// the wrapped store and then bump the generation, so a page filled from a
// snapshot older than the write is never read again. Redis failures are
// logged and fall through to the wrapped store.
type CachedMessages struct {
	next   MessageStore
	client *redis.Client
	prefix string
	ttl    time.Duration
	group  singleflight.Group

	hits     atomic.Uint64
	misses   atomic.Uint64
	failures atomic.Uint64
}

// NewCachedMessages wraps next with a Redis history cache.
func NewCachedMessages(next MessageStore, client *redis.Client, prefix string, ttl time.Duration) *CachedMessages {
	if prefix == "" {
		prefix = "roomchat:history:"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedMessages{next: next, client: client, prefix: prefix, ttl: ttl}
}

// roomKey encodes the room id so arbitrary ids cannot collide with each
// other or with the key separators.
func (c *CachedMessages) roomKey(room string) string {
	return c.prefix + base64.RawURLEncoding.EncodeToString([]byte(room))
}

func (c *CachedMessages) generationKey(room string) string {
	return c.roomKey(room) + ":gen"
}

func (c *CachedMessages) key(q FindQuery, generation int64) string {
	order := "asc"
	if q.NewestFirst {
		order = "desc"
	}
	return c.roomKey(q.Room) + ":" + strconv.FormatInt(generation, 10) + ":" + order + ":" + strconv.Itoa(q.Limit)
}

func (c *CachedMessages) generation(ctx context.Context, room string) (int64, error) {
	gen, err := c.client.Get(ctx, c.generationKey(room)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// Create implements MessageStore.
func (c *CachedMessages) Create(ctx context.Context, room string, sender chat.Identity, content string) (chat.Message, error) {
	msg, err := c.next.Create(ctx, room, sender, content)
	if err != nil {
		return chat.Message{}, err
	}
	c.invalidate(ctx, room)
	return msg, nil
}

// Find implements MessageStore.
func (c *CachedMessages) Find(ctx context.Context, q FindQuery) ([]chat.Message, error) {
	if q.Limit <= 0 {
		q.Limit = DefaultFindLimit
	}

	// The generation is read before the wrapped store so that a write landing
	// during the load moves readers past whatever this load caches.
	gen, err := c.generation(ctx, q.Room)
	if err != nil {
		c.failures.Add(1)
		logrus.WithError(err).WithField("room_id", q.Room).Warn("History cache generation read failed")
		return c.next.Find(ctx, q)
	}
	key := c.key(q, gen)

	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var cached []chat.Message
		if jsonErr := json.Unmarshal(data, &cached); jsonErr == nil {
			c.hits.Add(1)
			return cached, nil
		}
		c.failures.Add(1)
	case errors.Is(err, redis.Nil):
		c.misses.Add(1)
	default:
		c.failures.Add(1)
		logrus.WithError(err).WithField("room_id", q.Room).Warn("History cache read failed")
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		messages, err := c.next.Find(ctx, q)
		if err != nil {
			return nil, err
		}
		c.store(ctx, key, messages)
		return messages, nil
	})
	if err != nil {
		return nil, err
	}
	return cloneMessages(v.([]chat.Message)), nil
}

// Get implements MessageStore.
func (c *CachedMessages) Get(ctx context.Context, id string) (chat.Message, error) {
	return c.next.Get(ctx, id)
}

// AddReader implements MessageStore.
func (c *CachedMessages) AddReader(ctx context.Context, messageID, userID string) (bool, error) {
	added, err := c.next.AddReader(ctx, messageID, userID)
	if err != nil || !added {
		return added, err
	}
	if msg, err := c.next.Get(ctx, messageID); err == nil {
		c.invalidate(ctx, msg.Room)
	}
	return true, nil
}

// Stats returns a snapshot of the cache counters.
func (c *CachedMessages) Stats() CacheStats {
	return CacheStats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Errors: c.failures.Load(),
	}
}

func (c *CachedMessages) store(ctx context.Context, key string, messages []chat.Message) {
	data, err := json.Marshal(messages)
	if err != nil {
		c.failures.Add(1)
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.failures.Add(1)
		logrus.WithError(err).WithField("key", key).Warn("History cache write failed")
	}
}

// invalidate bumps the room generation. Pages cached under older
// generations are left to expire.
func (c *CachedMessages) invalidate(ctx context.Context, room string) {
	if err := c.client.Incr(ctx, c.generationKey(room)).Err(); err != nil {
		c.failures.Add(1)
		logrus.WithError(err).WithField("room_id", room).Warn("History cache invalidation failed")
	}
}

func cloneMessages(in []chat.Message) []chat.Message {
	out := make([]chat.Message, len(in))
	for i, msg := range in {
		out[i] = msg.Clone()
	}
	return out
}
