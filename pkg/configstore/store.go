// Package configstore is a small optional runtime-configuration store keyed
// by service identifier, backed by a NATS JetStream key-value bucket. The
// bridge reads a stored subscription-set override once at startup; changes
// staged afterwards take effect on the next restart, since the live
// subscription set is immutable.
package configstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Override is the runtime-adjustable slice of the bridge configuration.
type Override struct {
	Streams []string `json:"streams,omitempty"`
	Subject string   `json:"subject,omitempty"`
}

// Store reads and writes per-service overrides.
type Store struct {
	kv     nats.KeyValue
	logger *zap.Logger
}

// New opens (or creates) the bucket on an established NATS connection.
func New(nc *nats.Conn, bucket string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucket,
			Description: "bridge runtime configuration overrides",
			History:     5,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("open bucket %q: %w", bucket, err)
	}
	return &Store{kv: kv, logger: logger}, nil
}

// Load fetches the override for a service id. A missing key is not an
// error; it returns a nil override.
func (s *Store) Load(serviceID string) (*Override, error) {
	entry, err := s.kv.Get(serviceID)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get override %q: %w", serviceID, err)
	}

	var o Override
	if err := json.Unmarshal(entry.Value(), &o); err != nil {
		return nil, fmt.Errorf("decode override %q: %w", serviceID, err)
	}
	return &o, nil
}

// Save writes the override for a service id.
func (s *Store) Save(serviceID string, o *Override) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode override %q: %w", serviceID, err)
	}
	if _, err := s.kv.Put(serviceID, data); err != nil {
		return fmt.Errorf("put override %q: %w", serviceID, err)
	}
	return nil
}

// Watch logs staged override changes for a service id until ctx is done.
// The overrides are applied on restart only.
func (s *Store) Watch(ctx context.Context, serviceID string) error {
	watcher, err := s.kv.Watch(serviceID, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("watch override %q: %w", serviceID, err)
	}
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry, ok := <-watcher.Updates():
			if !ok {
				return nil
			}
			if entry == nil || entry.Operation() != nats.KeyValuePut {
				continue
			}
			s.logger.Info("Runtime configuration staged, restart to apply",
				zap.String("service_id", serviceID),
				zap.Uint64("revision", entry.Revision()))
		}
	}
}
