package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	authz "github.com/oarkflow/clinicauthz"
)

// RedisConsentStore stores each patient's consent record as a JSON string
// (key: consent:{patientID}).
type RedisConsentStore struct {
	client redis.Cmdable
	keyFmt string // format string, e.g. "consent:%s"
}

func NewRedisConsentStore(client redis.Cmdable) *RedisConsentStore {
	return &RedisConsentStore{client: client, keyFmt: "consent:%s"}
}

// WithKeyPrefix namespaces the keys, e.g. per environment.
func (r *RedisConsentStore) WithKeyPrefix(prefix string) *RedisConsentStore {
	r.keyFmt = prefix + "consent:%s"
	return r
}

func (r *RedisConsentStore) key(patientID string) string {
	return fmt.Sprintf(r.keyFmt, patientID)
}

func (r *RedisConsentStore) PutConsent(ctx context.Context, c *authz.ConsentRecord) error {
	cp := *c
	cp.UpdatedAt = time.Now().UTC()
	b, err := json.Marshal(&cp)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(c.PatientID), b, 0).Err()
}

func (r *RedisConsentStore) GetConsent(ctx context.Context, patientID string) (*authz.ConsentRecord, error) {
	b, err := r.client.Get(ctx, r.key(patientID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("consent for %s: %w", patientID, authz.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	c := &authz.ConsentRecord{}
	if err := json.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("decode consent for %s: %w", patientID, err)
	}
	return c, nil
}

func (r *RedisConsentStore) DeleteConsent(ctx context.Context, patientID string) error {
	n, err := r.client.Del(ctx, r.key(patientID)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("consent for %s: %w", patientID, authz.ErrNotFound)
	}
	return nil
}
