package stores

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"

	authz "github.com/oarkflow/clinicauthz"
)

func TestRedisConsentStoreKeys(t *testing.T) {
	s := NewRedisConsentStore(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}))
	if got := s.key("p1"); got != "consent:p1" {
		t.Fatalf("key = %q", got)
	}
	s.WithKeyPrefix("staging:")
	if got := s.key("p1"); got != "staging:consent:p1" {
		t.Fatalf("prefixed key = %q", got)
	}
}

// Runs against a live server only when AUTHZ_TEST_REDIS_ADDR is set.
func TestRedisConsentStoreRoundtrip(t *testing.T) {
	addr := os.Getenv("AUTHZ_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("AUTHZ_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	ctx := context.Background()
	store := NewRedisConsentStore(client).WithKeyPrefix("authz-test:")

	c := authz.NewConsentBuilder("p-redis").Actors("dr-1").Exclude("Encounter").Build()
	if err := store.PutConsent(ctx, c); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := store.GetConsent(ctx, "p-redis")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ConsentedActors[0] != "dr-1" || got.ExcludedResourceTypes[0] != "Encounter" || !got.Active {
		t.Fatalf("unexpected consent: %+v", got)
	}
	if err := store.DeleteConsent(ctx, "p-redis"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetConsent(ctx, "p-redis"); !errors.Is(err, authz.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
