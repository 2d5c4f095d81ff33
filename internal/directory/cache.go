package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const defaultCacheTTL = 5 * time.Minute

type cachedDirectory struct {
	inner  Directory
	redis  *redis.Client
	prefix string
	ttl    time.Duration
	logger zerolog.Logger
}

// NewCachedDirectory caches participant lookups in Redis. Roster queries are
// passed through because room creation needs a fresh snapshot.
func NewCachedDirectory(inner Directory, client *redis.Client, prefix string, ttl time.Duration, logger zerolog.Logger) Directory {
	if client == nil {
		return inner
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if prefix == "" {
		prefix = "chat:directory"
	}
	return &cachedDirectory{
		inner:  inner,
		redis:  client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.With().Str("component", "directory_cache").Logger(),
	}
}

func (d *cachedDirectory) Resolve(ctx context.Context, participantID uint) (Participant, error) {
	key := fmt.Sprintf("%s:participant:%d", d.prefix, participantID)

	if raw, err := d.redis.Get(ctx, key).Bytes(); err == nil {
		var cached Participant
		if err := json.Unmarshal(raw, &cached); err == nil {
			return cached, nil
		}
		d.logger.Warn().Str("key", key).Msg("discarding malformed cached participant")
	}

	participant, err := d.inner.Resolve(ctx, participantID)
	if err != nil {
		return Participant{}, err
	}

	payload, err := json.Marshal(participant)
	if err == nil {
		if err := d.redis.Set(ctx, key, payload, d.ttl).Err(); err != nil {
			d.logger.Warn().Err(err).Msg("failed to cache participant")
		}
	}

	return participant, nil
}

func (d *cachedDirectory) CompanyMembers(ctx context.Context, companyID uint, department string) ([]Participant, error) {
	return d.inner.CompanyMembers(ctx, companyID, department)
}

func (d *cachedDirectory) ProjectMembers(ctx context.Context, projectID uint) ([]Participant, error) {
	return d.inner.ProjectMembers(ctx, projectID)
}
