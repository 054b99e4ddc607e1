package spool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/fleetedge/mqttmanager/pkg/kv"
)

// store is a Spool backed by a kv.Store. It keeps the FIFO order and a
// running size total in memory for fast PopID/AddMessage decisions, but
// persists every entry through the store so a kv.Badger-backed spool
// survives a process restart. The next-id counter is not stored; recover
// sets it from the highest entry id it finds.
//
// Key layout, relative to a fixed prefix:
//
//	{prefix}:e:{id}     → JSON-encoded Entry
//
// Entry ids are zero-padded to a fixed width so that kv.Store.List's
// lexicographic order matches numeric order, which is what lets recover
// rebuild the FIFO in the order entries were originally added.
type store struct {
	kv  kv.Store
	cfg Config

	mu        sync.Mutex
	ready     []uint64
	inflight  map[uint64]struct{} // popped, not yet removed or re-added
	sizeBytes int64
	nextID    uint64
	waitCh    chan struct{}
}

const idWidth = 20 // fits any uint64 in decimal

func idKey(id uint64) string {
	return fmt.Sprintf("%0*d", idWidth, id)
}

// NewMemory creates a Spool backed by an in-memory kv.Store. Entries do not
// survive a restart.
func NewMemory(cfg Config) (Spool, error) {
	cfg.StorageType = Memory
	return newStore(kv.NewMemory(nil), cfg)
}

// BadgerOptions configures the on-disk spool backing store.
type BadgerOptions struct {
	// Dir is the directory BadgerDB uses for its data files. Required
	// unless InMemory is set.
	Dir string
	// InMemory runs BadgerDB without touching disk, for tests that want a
	// real badger engine without a temp directory.
	InMemory bool
}

// NewBadger creates a Spool backed by a BadgerDB kv.Store. Entries survive
// a restart: on open, any entries left over from a previous run are
// recovered into the FIFO in their original order.
func NewBadger(cfg Config, opts BadgerOptions) (Spool, error) {
	cfg.StorageType = Disk
	db, err := kv.NewBadger(kv.BadgerOptions{Dir: opts.Dir, InMemory: opts.InMemory})
	if err != nil {
		return nil, fmt.Errorf("spool: open badger store: %w", err)
	}
	return newStore(db, cfg)
}

func newStore(backing kv.Store, cfg Config) (*store, error) {
	s := &store{
		kv:       backing,
		cfg:      cfg,
		inflight: make(map[uint64]struct{}),
		waitCh:   make(chan struct{}),
	}
	if err := s.recover(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *store) entryKey(id uint64) kv.Key {
	return kv.Key{"spool", "e", idKey(id)}
}

func (s *store) entryPrefix() kv.Key {
	return kv.Key{"spool", "e"}
}

// recover rebuilds the in-memory FIFO and size total from whatever the
// backing store already holds, so a Badger-backed spool resumes exactly
// where it left off across a restart.
func (s *store) recover() error {
	ctx := context.Background()
	var maxID uint64
	for entry, err := range s.kv.List(ctx, s.entryPrefix()) {
		if err != nil {
			return fmt.Errorf("spool: recover: %w", err)
		}
		var e Entry
		if err := json.Unmarshal(entry.Value, &e); err != nil {
			return fmt.Errorf("spool: recover: decode entry: %w", err)
		}
		s.ready = append(s.ready, e.ID)
		s.sizeBytes += int64(len(e.Request.Payload))
		if e.ID > maxID {
			maxID = e.ID
		}
	}
	s.nextID = maxID
	return nil
}

func (s *store) wake() {
	close(s.waitCh)
	s.waitCh = make(chan struct{})
}

func (s *store) AddMessage(ctx context.Context, req PublishRequest) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	s.mu.Lock()
	if s.cfg.SpoolSizeInBytes > 0 && s.sizeBytes+int64(len(req.Payload)) > s.cfg.SpoolSizeInBytes {
		s.mu.Unlock()
		return Entry{}, ErrFull
	}
	s.nextID++
	entry := Entry{ID: s.nextID, Request: req}
	s.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, err
	}
	if err := s.kv.Set(ctx, s.entryKey(entry.ID), data); err != nil {
		return Entry{}, err
	}

	s.mu.Lock()
	s.ready = append(s.ready, entry.ID)
	s.sizeBytes += int64(len(req.Payload))
	s.wake()
	s.mu.Unlock()
	return entry, nil
}

func (s *store) PopID(ctx context.Context) (uint64, error) {
	for {
		s.mu.Lock()
		if len(s.ready) > 0 {
			id := s.ready[0]
			s.ready = s.ready[1:]
			s.inflight[id] = struct{}{}
			s.mu.Unlock()
			return id, nil
		}
		waitCh := s.waitCh
		s.mu.Unlock()

		select {
		case <-waitCh:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

func (s *store) AddID(id uint64) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.ready = append([]uint64{id}, s.ready...)
	s.wake()
	s.mu.Unlock()
}

func (s *store) GetMessageByID(id uint64) (Entry, error) {
	data, err := s.kv.Get(context.Background(), s.entryKey(id))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func (s *store) RemoveMessageByID(id uint64) error {
	entry, err := s.GetMessageByID(id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if err := s.kv.Delete(context.Background(), s.entryKey(id)); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.inflight, id)
	s.sizeBytes -= int64(len(entry.Request.Payload))
	if s.sizeBytes < 0 {
		s.sizeBytes = 0
	}
	s.mu.Unlock()
	return nil
}

func (s *store) IncrementRetry(id uint64) (Entry, error) {
	entry, err := s.GetMessageByID(id)
	if err != nil {
		return Entry{}, err
	}
	entry.Retried++

	data, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, err
	}
	if err := s.kv.Set(context.Background(), s.entryKey(id), data); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

func (s *store) PopAllQoS0() int {
	ctx := context.Background()

	s.mu.Lock()
	candidates := make([]uint64, 0, len(s.ready)+len(s.inflight))
	candidates = append(candidates, s.ready...)
	for id := range s.inflight {
		candidates = append(candidates, id)
	}
	s.mu.Unlock()

	var purged []uint64
	var purgedBytes int64
	for _, id := range candidates {
		entry, err := s.GetMessageByID(id)
		if err != nil {
			continue
		}
		if entry.Request.QoS != 0 {
			continue
		}
		if err := s.kv.Delete(ctx, s.entryKey(id)); err != nil {
			continue
		}
		purged = append(purged, id)
		purgedBytes += int64(len(entry.Request.Payload))
	}
	if len(purged) == 0 {
		return 0
	}

	purgedSet := make(map[uint64]struct{}, len(purged))
	for _, id := range purged {
		purgedSet[id] = struct{}{}
	}

	s.mu.Lock()
	kept := s.ready[:0:0]
	for _, id := range s.ready {
		if _, gone := purgedSet[id]; !gone {
			kept = append(kept, id)
		}
	}
	s.ready = kept
	for id := range purgedSet {
		delete(s.inflight, id)
	}
	s.sizeBytes -= purgedBytes
	if s.sizeBytes < 0 {
		s.sizeBytes = 0
	}
	s.mu.Unlock()

	return len(purged)
}

func (s *store) Config() Config {
	return s.cfg
}

func (s *store) Close() error {
	return s.kv.Close()
}
