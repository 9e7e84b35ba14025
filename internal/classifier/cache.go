package classifier

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ppiankov/novagate/internal/model"
)

const cacheKeyPrefix = "nova:inbound:"

// CachedInbound memoizes inbound verdicts in Redis. Cache failures are
// logged and fall through to the wrapped classifier; errors are never cached.
type CachedInbound struct {
	next   InboundClassifier
	client redis.Cmdable
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedInbound wraps next. A zero ttl defaults to one hour.
func NewCachedInbound(next InboundClassifier, client redis.Cmdable, ttl time.Duration, logger *slog.Logger) *CachedInbound {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedInbound{next: next, client: client, ttl: ttl, logger: logger}
}

// CacheKey derives the Redis key for a prompt under a rule set. Every part
// is length-prefixed so no prompt can spell out another rule list.
func CacheKey(prompt string, rules []string) string {
	h := sha256.New()
	var n [8]byte
	write := func(part string) {
		binary.BigEndian.PutUint64(n[:], uint64(len(part)))
		h.Write(n[:])
		h.Write([]byte(part))
	}
	binary.BigEndian.PutUint64(n[:], uint64(len(rules)))
	h.Write(n[:])
	write(prompt)
	for _, r := range rules {
		write(r)
	}
	return cacheKeyPrefix + hex.EncodeToString(h.Sum(nil))
}

func (c *CachedInbound) ClassifyInbound(ctx context.Context, prompt string, rules []string) (model.InboundCheck, error) {
	key := CacheKey(prompt, rules)

	raw, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		var check model.InboundCheck
		if jerr := json.Unmarshal([]byte(raw), &check); jerr == nil && check.Validate() == nil {
			return check, nil
		}
		c.logger.Warn("discarding corrupt inbound cache entry", "key", key)
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("inbound cache read failed", "error", err)
	}

	check, err := c.next.ClassifyInbound(ctx, prompt, rules)
	if err != nil {
		return model.InboundCheck{}, err
	}
	if data, jerr := json.Marshal(check); jerr == nil {
		if serr := c.client.Set(ctx, key, data, c.ttl).Err(); serr != nil {
			c.logger.Warn("inbound cache write failed", "error", serr)
		}
	}
	return check, nil
}
