package twin

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/nerrad567/twinline-core/internal/infrastructure/natsjs"
)

// KVStore keeps twin documents in a JetStream key-value bucket.
//
// Each device is one key holding {"desired":{...},"reported":{...}}; the
// entry revision is the etag and updates use the bucket's compare-and-set.
// Watches see changes made by any process sharing the bucket.
type KVStore struct {
	kv jetstream.KeyValue
}

// NewKVStore creates a store on an existing bucket.
func NewKVStore(kv jetstream.KeyValue) *KVStore {
	return &KVStore{kv: kv}
}

type kvDoc struct {
	Desired  Properties `json:"desired"`
	Reported Properties `json:"reported"`
}

// kvKey encodes a device id into the bucket's key alphabet.
func kvKey(deviceID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(deviceID))
}

func decodeKVDoc(data []byte) (*kvDoc, error) {
	doc := &kvDoc{}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("twin: decoding document: %w", err)
	}
	if doc.Desired == nil {
		doc.Desired = Properties{}
	}
	if doc.Reported == nil {
		doc.Reported = Properties{}
	}
	return doc, nil
}

// load returns the document and its revision, creating it if needed.
func (s *KVStore) load(ctx context.Context, deviceID string) (*kvDoc, uint64, error) {
	key := kvKey(deviceID)
	for range 2 {
		entry, err := s.kv.Get(ctx, key)
		if err == nil {
			doc, err := decodeKVDoc(entry.Value())
			if err != nil {
				return nil, 0, err
			}
			return doc, entry.Revision(), nil
		}
		if !natsjs.IsNotFound(err) {
			return nil, 0, fmt.Errorf("twin: loading %s: %w", deviceID, err)
		}

		empty := &kvDoc{Desired: Properties{}, Reported: Properties{}}
		data, _ := json.Marshal(empty) //nolint:errcheck // Cannot fail for empty maps
		rev, err := s.kv.Create(ctx, key, data)
		if err == nil {
			return empty, rev, nil
		}
		if !natsjs.IsConflict(err) {
			return nil, 0, fmt.Errorf("twin: creating %s: %w", deviceID, err)
		}
		// Another writer created it first; read theirs.
	}
	return nil, 0, fmt.Errorf("twin: loading %s: %w", deviceID, ErrConflict)
}

// Get implements Store.
func (s *KVStore) Get(ctx context.Context, deviceID string) (*Document, error) {
	if err := checkID(deviceID); err != nil {
		return nil, err
	}
	doc, rev, err := s.load(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	return &Document{
		DeviceID: deviceID,
		Desired:  doc.Desired,
		Reported: doc.Reported,
		ETag:     strconv.FormatUint(rev, 10),
	}, nil
}

// UpdateReported implements Store.
func (s *KVStore) UpdateReported(ctx context.Context, deviceID string, patch Properties, etag string) (string, error) {
	return s.update(ctx, deviceID, patch, etag, false)
}

// UpdateDesired implements Store.
func (s *KVStore) UpdateDesired(ctx context.Context, deviceID string, patch Properties, etag string) (string, error) {
	return s.update(ctx, deviceID, patch, etag, true)
}

func (s *KVStore) update(ctx context.Context, deviceID string, patch Properties, etag string, desired bool) (string, error) {
	if err := checkID(deviceID); err != nil {
		return "", err
	}
	doc, rev, err := s.load(ctx, deviceID)
	if err != nil {
		return "", err
	}
	if etag != AnyETag && etag != strconv.FormatUint(rev, 10) {
		return "", ErrConflict
	}

	if desired {
		doc.Desired, err = applyPatch(doc.Desired, patch)
	} else {
		doc.Reported, err = applyPatch(doc.Reported, patch)
	}
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidPatch, err)
	}
	next, err := s.kv.Update(ctx, kvKey(deviceID), data, rev)
	if err != nil {
		if natsjs.IsConflict(err) {
			return "", ErrConflict
		}
		return "", fmt.Errorf("twin: updating %s: %w", deviceID, err)
	}
	return strconv.FormatUint(next, 10), nil
}

// WatchDesired implements Store. Reported-only updates are filtered out by
// comparing the encoded desired set with the previous entry.
func (s *KVStore) WatchDesired(ctx context.Context, deviceID string, fn func(Properties)) (func(), error) {
	if err := checkID(deviceID); err != nil {
		return nil, err
	}
	w, err := s.kv.Watch(ctx, kvKey(deviceID))
	if err != nil {
		return nil, fmt.Errorf("twin: watching %s: %w", deviceID, err)
	}

	go func() {
		last := []byte("{}")
		initialised := false
		for entry := range w.Updates() {
			if entry == nil {
				initialised = true
				continue
			}
			if entry.Operation() != jetstream.KeyValuePut {
				continue
			}
			doc, err := decodeKVDoc(entry.Value())
			if err != nil {
				continue
			}
			current, err := json.Marshal(doc.Desired)
			if err != nil {
				continue
			}
			changed := !bytes.Equal(current, last)
			last = current
			if initialised && changed {
				fn(doc.Desired)
			}
		}
	}()

	return func() { _ = w.Stop() }, nil //nolint:errcheck // Stop only fails when already stopped
}
