package stormguard

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRecordStore shares propagation records across handler instances.
type RedisRecordStore struct {
	client *redis.Client
	prefix string
}

func NewRedisRecordStore(client *redis.Client) *RedisRecordStore {
	return &RedisRecordStore{client: client, prefix: "crm:guard:records"}
}

func (s *RedisRecordStore) key(key string) string {
	return fmt.Sprintf("%s:%s", s.prefix, key)
}

func (s *RedisRecordStore) LastHash(ctx context.Context, key string) (uint64, bool, error) {
	val, err := s.client.Get(ctx, s.key(key)).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, false, nil
		}
		return 0, false, err
	}
	hash, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("stormguard: corrupt record for %q: %w", key, err)
	}
	return hash, true, nil
}

func (s *RedisRecordStore) Touch(ctx context.Context, key string, hash uint64, ttl time.Duration) error {
	return s.client.Set(ctx, s.key(key), strconv.FormatUint(hash, 10), ttl).Err()
}

func (s *RedisRecordStore) Forget(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

// RedisSettingsSource reads policy overrides from a redis hash so thresholds
// can be tightened during an incident without a deploy.
type RedisSettingsSource struct {
	client   *redis.Client
	key      string
	defaults Settings
}

func NewRedisSettingsSource(client *redis.Client, defaults Settings) *RedisSettingsSource {
	return &RedisSettingsSource{
		client:   client,
		key:      "crm:guard:settings",
		defaults: defaults.withDefaults(),
	}
}

func (s *RedisSettingsSource) Load(ctx context.Context) (Settings, error) {
	fields, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return s.defaults, err
	}
	return settingsFromFields(s.defaults, fields), nil
}

func settingsFromFields(defaults Settings, fields map[string]string) Settings {
	out := defaults
	for field, raw := range fields {
		switch field {
		case "min_interval":
			if d, err := time.ParseDuration(raw); err == nil && d > 0 {
				out.MinInterval = d
			}
		case "record_ttl":
			if d, err := time.ParseDuration(raw); err == nil && d > 0 {
				out.RecordTTL = d
			}
		case "sample_rate":
			if f, err := strconv.ParseFloat(raw, 64); err == nil && f > 0 && f <= 1 {
				out.SampleRate = f
			}
		case "urgency_floor":
			if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
				out.UrgencyFloor = n
			}
		case "degraded_mode":
			if b, err := strconv.ParseBool(raw); err == nil {
				out.DegradedMode = b
			}
		case "emergency_mode":
			if b, err := strconv.ParseBool(raw); err == nil {
				out.EmergencyMode = b
			}
		case "emergency_multiplier":
			if f, err := strconv.ParseFloat(raw, 64); err == nil && f >= 1 {
				out.EmergencyMultiplier = f
			}
		case "denied_actors":
			out.DeniedActors = splitList(raw)
		case "sampled_topics":
			out.SampledTopics = splitList(raw)
		}
	}
	return out
}

// splitList parses a comma-separated field; an empty value clears the list.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
