package auditor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/c360/streamkit/errors"
	"github.com/c360/streamkit/natsclient"
)

// KVStore persists one auditor's trees in a NATS JetStream key-value bucket, so another
// process can take over the auditor's address and resume them.
//
// Keys are "<address>.<root>" with both parts base64url encoded, which keeps them within
// the key alphabet NATS allows.
type KVStore struct {
	kv     *natsclient.KVStore
	prefix string
}

// NewKVStore creates a KVStore for the auditor at address.
func NewKVStore(kv *natsclient.KVStore, address string) *KVStore {
	return &KVStore{
		kv:     kv,
		prefix: base64.RawURLEncoding.EncodeToString([]byte(address)) + ".",
	}
}

func (s *KVStore) key(root string) string {
	return s.prefix + base64.RawURLEncoding.EncodeToString([]byte(root))
}

// Save implements Store.
func (s *KVStore) Save(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.WrapInvalid(err, "KVStore", "Save", "marshal record")
	}
	if _, err := s.kv.Put(ctx, s.key(rec.Root), data); err != nil {
		return errors.WrapTransient(err, "KVStore", "Save", "put record")
	}
	return nil
}

// Delete implements Store.
func (s *KVStore) Delete(ctx context.Context, root string) error {
	if err := s.kv.Delete(ctx, s.key(root)); err != nil {
		return errors.WrapTransient(err, "KVStore", "Delete", "delete record")
	}
	return nil
}

// Load implements Store.
func (s *KVStore) Load(ctx context.Context) ([]Record, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "KVStore", "Load", "list keys")
	}

	var out []Record
	for _, key := range keys {
		if !strings.HasPrefix(key, s.prefix) {
			continue
		}
		data, err := s.kv.Get(ctx, key)
		if err != nil {
			if natsclient.IsKVNotFoundError(err) {
				continue
			}
			return nil, errors.WrapTransient(err, "KVStore", "Load", "get record")
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, errors.WrapInvalid(err, "KVStore", "Load", "unmarshal record")
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close implements Store.
func (s *KVStore) Close() error {
	return nil
}
