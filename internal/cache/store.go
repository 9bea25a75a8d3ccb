// Package cache persists computed report results so later runs can skip them.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Store is a key/value namespace of JSON documents.
type Store interface {
	// Get reports false when key is absent.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	// Keys lists the stored keys in ascending order.
	Keys(ctx context.Context) ([]string, error)
}

// Factory opens the store of a namespace such as "concurrent_tasks_2019-08".
type Factory func(namespace string) (Store, error)

func GetJSON(ctx context.Context, s Store, key string, v any) (bool, error) {
	data, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}

	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to decode cached %q: %w", key, err)
	}

	return true, nil
}

func PutJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %q: %w", key, err)
	}

	return s.Put(ctx, key, data)
}

// LoadAll decodes every entry of the store into a map keyed like the store.
func LoadAll[T any](ctx context.Context, s Store) (map[string]T, error) {
	keys, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string]T, len(keys))
	for _, key := range keys {
		var v T
		ok, err := GetJSON(ctx, s, key, &v)
		if err != nil {
			return nil, err
		}
		if ok {
			out[key] = v
		}
	}

	return out, nil
}

func validNamespace(namespace string) error {
	if namespace == "" || strings.ContainsAny(namespace, `/\`) || strings.Contains(namespace, "..") {
		return fmt.Errorf("invalid cache namespace %q", namespace)
	}

	return nil
}
