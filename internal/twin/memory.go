package twin

import (
	"context"
	"strconv"
	"sync"
)

// MemoryStore keeps twin documents in process memory.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string]*memDoc
	hub  watchHub
}

type memDoc struct {
	desired  Properties
	reported Properties
	version  uint64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*memDoc)}
}

// lookup returns the document, creating it if needed. Caller holds s.mu.
func (s *MemoryStore) lookup(deviceID string) *memDoc {
	d, ok := s.docs[deviceID]
	if !ok {
		d = &memDoc{desired: Properties{}, reported: Properties{}, version: 1}
		s.docs[deviceID] = d
	}
	return d
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, deviceID string) (*Document, error) {
	if err := checkID(deviceID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.lookup(deviceID)
	return &Document{
		DeviceID: deviceID,
		Desired:  d.desired.Clone(),
		Reported: d.reported.Clone(),
		ETag:     strconv.FormatUint(d.version, 10),
	}, nil
}

// UpdateReported implements Store.
func (s *MemoryStore) UpdateReported(_ context.Context, deviceID string, patch Properties, etag string) (string, error) {
	tag, _, err := s.update(deviceID, patch, etag, false)
	return tag, err
}

// UpdateDesired implements Store.
func (s *MemoryStore) UpdateDesired(_ context.Context, deviceID string, patch Properties, etag string) (string, error) {
	tag, desired, err := s.update(deviceID, patch, etag, true)
	if err != nil {
		return "", err
	}
	s.hub.publish(deviceID, desired)
	return tag, nil
}

func (s *MemoryStore) update(deviceID string, patch Properties, etag string, desired bool) (string, Properties, error) {
	if err := checkID(deviceID); err != nil {
		return "", nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.lookup(deviceID)
	if etag != AnyETag && etag != strconv.FormatUint(d.version, 10) {
		return "", nil, ErrConflict
	}

	target := d.reported
	if desired {
		target = d.desired
	}
	next, err := applyPatch(target, patch)
	if err != nil {
		return "", nil, err
	}
	if desired {
		d.desired = next
	} else {
		d.reported = next
	}
	d.version++
	return strconv.FormatUint(d.version, 10), d.desired.Clone(), nil
}

// WatchDesired implements Store.
func (s *MemoryStore) WatchDesired(ctx context.Context, deviceID string, fn func(Properties)) (func(), error) {
	if err := checkID(deviceID); err != nil {
		return nil, err
	}
	return s.hub.add(ctx, deviceID, fn), nil
}
