package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/support-chat/internal/domain"
)

// RedisConfig configures the client used by NewRedisClient.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// NewRedisClient connects and pings so a bad address fails at startup.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// Redis is a Tracker backed by one hash per room: field = user id, value =
// JSON {name, at}. The key itself expires a few timeouts after the last
// write so abandoned rooms disappear without a sweep.
type Redis struct {
	Client  redis.UniversalClient
	Timeout time.Duration

	// Prefix namespaces keys; empty means "typing".
	Prefix string
	Now    func() time.Time
}

type redisEntry struct {
	Name string `json:"name"`
	At   int64  `json:"at"` // unix nanoseconds
}

// NewRedis wraps client with the given timeout.
func NewRedis(client redis.UniversalClient, timeout time.Duration) *Redis {
	return &Redis{Client: client, Timeout: timeout}
}

func (r *Redis) timeout() time.Duration {
	if r.Timeout <= 0 {
		return DefaultTimeout
	}
	return r.Timeout
}

func (r *Redis) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Redis) key(roomID string) string {
	p := r.Prefix
	if p == "" {
		p = "typing"
	}
	return fmt.Sprintf("%s:room:%s", p, roomID)
}

// Start implements Tracker.
func (r *Redis) Start(ctx context.Context, roomID, userID, userName string) (domain.TypingIndicator, error) {
	now := r.now()
	data, err := json.Marshal(redisEntry{Name: userName, At: now.UnixNano()})
	if err != nil {
		return domain.TypingIndicator{}, err
	}

	key := r.key(roomID)
	_, err = r.Client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, userID, data)
		p.PExpire(ctx, key, 4*r.timeout())
		return nil
	})
	if err != nil {
		return domain.TypingIndicator{}, fmt.Errorf("presence start: %w", err)
	}
	return domain.TypingIndicator{RoomID: roomID, UserID: userID, UserName: userName, IsTyping: true, At: now}, nil
}

// Stop implements Tracker.
func (r *Redis) Stop(ctx context.Context, roomID, userID string) (bool, error) {
	key := r.key(roomID)

	var get *redis.StringCmd
	_, err := r.Client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		get = p.HGet(ctx, key, userID)
		p.HDel(ctx, key, userID)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("presence stop: %w", err)
	}

	raw, gerr := get.Result()
	if errors.Is(gerr, redis.Nil) {
		return false, nil
	}
	if gerr != nil {
		return false, fmt.Errorf("presence stop: %w", gerr)
	}
	var e redisEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return false, nil
	}
	return live(time.Unix(0, e.At), r.now(), r.timeout()), nil
}

// List implements Tracker. Fields already expired by the tracker's own
// clock are deleted while reading.
func (r *Redis) List(ctx context.Context, roomID string, now time.Time) ([]domain.TypingIndicator, error) {
	key := r.key(roomID)
	all, err := r.Client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("presence list: %w", err)
	}

	timeout := r.timeout()
	wall := r.now()
	out := make([]domain.TypingIndicator, 0, len(all))
	var stale []string
	for userID, raw := range all {
		var e redisEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			stale = append(stale, userID)
			continue
		}
		at := time.Unix(0, e.At)
		// Prune by the tracker's clock, filter by the caller's now.
		if !live(at, wall, timeout) {
			stale = append(stale, userID)
		}
		if !live(at, now, timeout) {
			continue
		}
		out = append(out, domain.TypingIndicator{RoomID: roomID, UserID: userID, UserName: e.Name, IsTyping: true, At: at})
	}

	if len(stale) > 0 {
		if err := r.Client.HDel(ctx, key, stale...).Err(); err != nil {
			log.Warn().Err(err).Str("room_id", roomID).Msg("presence prune failed")
		}
	}
	sortIndicators(out)
	return out, nil
}
