package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dshills/warden/internal/kv"
	"github.com/dshills/warden/internal/permission"
)

// DefaultMaxValueBytes caps a single stored value.
const DefaultMaxValueBytes = 64 << 10

// Storage is a per-plugin key/value namespace. Keys are stored as
// "plugin:<id>:<key>" so plugins never see each other's data.
//
//	get(key) set(key, value, ttl?) delete(key)  storage, scoped by key prefix
//	keys(prefix)                                storage, scoped by prefix
type Storage struct {
	store         kv.Store
	maxValueBytes int
}

// NewStorage creates the storage service over store.
func NewStorage(store kv.Store) *Storage {
	return &Storage{store: store, maxValueBytes: DefaultMaxValueBytes}
}

// Name implements Service.
func (s *Storage) Name() string { return "storage" }

func namespaced(pluginID, key string) string {
	return "plugin:" + pluginID + ":" + key
}

func keyTarget(args Args) ([]string, error) {
	key, err := stringArg(args, "key")
	if err != nil {
		return nil, err
	}
	if key == "" {
		return nil, fmt.Errorf("%w: empty key", ErrInvalidArgs)
	}
	return []string{key}, nil
}

// Methods implements Service.
func (s *Storage) Methods() map[string]Method {
	return map[string]Method{
		"get": {
			Params:  []string{"key"},
			Kind:    permission.Storage,
			Targets: keyTarget,
			Call: func(ctx context.Context, c Caller, args Args) (any, error) {
				key, _ := stringArg(args, "key")
				data, ok, err := s.store.Get(ctx, namespaced(c.PluginID, key))
				if err != nil || !ok {
					return nil, err
				}
				var v any
				if err := json.Unmarshal(data, &v); err != nil {
					return nil, fmt.Errorf("decoding stored value %q: %w", key, err)
				}
				return v, nil
			},
		},
		"set": {
			Params:  []string{"key", "value", "ttl"},
			Kind:    permission.Storage,
			Targets: keyTarget,
			Call: func(ctx context.Context, c Caller, args Args) (any, error) {
				key, _ := stringArg(args, "key")
				data, err := json.Marshal(args["value"])
				if err != nil {
					return nil, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
				}
				if len(data) > s.maxValueBytes {
					return nil, fmt.Errorf("%w: value exceeds %d bytes", ErrInvalidArgs, s.maxValueBytes)
				}
				ttl, err := numberArg(args, "ttl", 0)
				if err != nil {
					return nil, err
				}
				return nil, s.store.Set(ctx, namespaced(c.PluginID, key), data, time.Duration(ttl*float64(time.Second)))
			},
		},
		"delete": {
			Params:  []string{"key"},
			Kind:    permission.Storage,
			Targets: keyTarget,
			Call: func(ctx context.Context, c Caller, args Args) (any, error) {
				key, _ := stringArg(args, "key")
				return nil, s.store.Delete(ctx, namespaced(c.PluginID, key))
			},
		},
		"keys": {
			Params: []string{"prefix"},
			Kind:   permission.Storage,
			Targets: func(args Args) ([]string, error) {
				prefix, err := optionalString(args, "prefix", "")
				if err != nil {
					return nil, err
				}
				if prefix == "" {
					return []string{permission.Wildcard}, nil
				}
				return []string{prefix}, nil
			},
			Call: func(ctx context.Context, c Caller, args Args) (any, error) {
				prefix, _ := optionalString(args, "prefix", "")
				ns := namespaced(c.PluginID, "")
				keys, err := s.store.Keys(ctx, ns+prefix)
				if err != nil {
					return nil, err
				}
				out := make([]any, len(keys))
				for i, k := range keys {
					out[i] = strings.TrimPrefix(k, ns)
				}
				return out, nil
			},
		},
	}
}
