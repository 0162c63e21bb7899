package lki

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// OffsetStore receives the offset snapshot of a Consumer each time a poll loop
// exits.
type OffsetStore interface {
	Store(ctx context.Context, identity ConsumerIdentity, offsets []OffsetEntry) error
}

// MemoryOffsetStore keeps the latest snapshot in memory.
type MemoryOffsetStore struct {
	mu     sync.Mutex
	latest []OffsetEntry
	stores int
}

func NewMemoryOffsetStore() *MemoryOffsetStore {
	return &MemoryOffsetStore{}
}

func (m *MemoryOffsetStore) Store(ctx context.Context, identity ConsumerIdentity, offsets []OffsetEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latest = append([]OffsetEntry{}, offsets...)
	m.stores++
	return nil
}

// Latest returns the most recent snapshot and how many snapshots have been stored.
func (m *MemoryOffsetStore) Latest() ([]OffsetEntry, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OffsetEntry{}, m.latest...), m.stores
}

// FileOffsetStore writes each snapshot as a JSON document, replacing the file
// atomically.
type FileOffsetStore struct {
	path string
	mu   sync.Mutex
}

func NewFileOffsetStore(path string) *FileOffsetStore {
	return &FileOffsetStore{path: path}
}

func (f *FileOffsetStore) Store(ctx context.Context, identity ConsumerIdentity, offsets []OffsetEntry) error {
	doc, err := encodeSnapshot(identity, offsets, time.Now().UTC())
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err = ctx.Err(); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("could not create temp offset file, err: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err = tmp.Write(doc); err != nil {
		tmp.Close()
		return fmt.Errorf("could not write offset snapshot, err: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}

// Load reads back the last stored snapshot. A missing file gives an empty snapshot.
func (f *FileOffsetStore) Load() (ConsumerIdentity, []OffsetEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ConsumerIdentity{}, nil, nil
		}
		return ConsumerIdentity{}, nil, err
	}
	return decodeSnapshot(doc)
}

func encodeSnapshot(identity ConsumerIdentity, offsets []OffsetEntry, ts time.Time) ([]byte, error) {
	var err error
	doc := []byte(`{}`)

	set := func(path string, value any) {
		if err == nil {
			doc, err = sjson.SetBytes(doc, path, value)
		}
	}

	set("consumer", identity.ID)
	set("group", identity.GroupID)
	set("storedAt", ts.Format(time.RFC3339Nano))
	set("offsets", []any{})
	for _, e := range offsets {
		set("offsets.-1", map[string]any{
			"topic":     e.Key.Topic,
			"partition": e.Key.Partition,
			"offset":    e.NextOffset,
			"metadata":  e.Metadata,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("could not encode offset snapshot, err: %w", err)
	}
	return doc, nil
}

func decodeSnapshot(doc []byte) (ConsumerIdentity, []OffsetEntry, error) {
	if !gjson.ValidBytes(doc) {
		return ConsumerIdentity{}, nil, fmt.Errorf("invalid offset snapshot document")
	}

	identity := ConsumerIdentity{
		ID:      gjson.GetBytes(doc, "consumer").String(),
		GroupID: gjson.GetBytes(doc, "group").String(),
	}

	var offsets []OffsetEntry
	gjson.GetBytes(doc, "offsets").ForEach(func(_, v gjson.Result) bool {
		offsets = append(offsets, OffsetEntry{
			Key: PartitionKey{
				Topic:     v.Get("topic").String(),
				Partition: int32(v.Get("partition").Int()),
			},
			NextOffset: v.Get("offset").Uint(),
			Metadata:   v.Get("metadata").String(),
		})
		return true
	})
	return identity, offsets, nil
}
