package cache

import (
	"context"
	"encoding/json"
	"time"
)

// GetJSON decodes the value at key into dest. Returns ErrNotFound when the
// key is absent.
func GetJSON(ctx context.Context, svc Service, key string, dest interface{}) error {
	raw, err := svc.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}

// SetJSON marshals value and stores it at key with ttl.
func SetJSON(ctx context.Context, svc Service, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return svc.SetWithTTL(ctx, key, raw, ttl)
}
