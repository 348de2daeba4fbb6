package cache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	s                 -> last cache sequence number
//	n:<name>          -> sequence number of the named cache
//	e:<seq>:<key>     -> entry bytes
const (
	seqKey       = "s"
	namePrefix   = "n:"
	entryPrefix  = "e:"
	seqByteWidth = 8
)

// LevelDBStorage stores caches in a LevelDB database on disk.
type LevelDBStorage struct {
	db *leveldb.DB
	// guards the sequence counter and name records
	mu sync.Mutex
}

type leveldbCache struct {
	s    *LevelDBStorage
	name string
	seq  uint64
}

func NewLevelDBStorage(path string) (*LevelDBStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %q: %w", path, err)
	}
	return &LevelDBStorage{db: db}, nil
}

func encodeSeq(seq uint64) []byte {
	b := make([]byte, seqByteWidth)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

func decodeSeq(b []byte) (uint64, error) {
	if len(b) != seqByteWidth {
		return 0, fmt.Errorf("malformed sequence value (%d bytes)", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

func entriesPrefix(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x:", entryPrefix, seq))
}

// lookup returns the sequence number of the named cache, or false if it does not exist.
func (s *LevelDBStorage) lookup(name string) (uint64, bool, error) {
	b, err := s.db.Get([]byte(namePrefix+name), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, false, nil
	} else if err != nil {
		return 0, false, err
	}
	seq, err := decodeSeq(b)
	return seq, err == nil, err
}

func (s *LevelDBStorage) Open(_ context.Context, name string) (Cache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq, ok, err := s.lookup(name); err != nil {
		return nil, err
	} else if ok {
		return &leveldbCache{s: s, name: name, seq: seq}, nil
	}
	var last uint64
	if b, err := s.db.Get([]byte(seqKey), nil); err == nil {
		if last, err = decodeSeq(b); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, leveldb.ErrNotFound) {
		return nil, err
	}
	seq := last + 1
	batch := new(leveldb.Batch)
	batch.Put([]byte(seqKey), encodeSeq(seq))
	batch.Put([]byte(namePrefix+name), encodeSeq(seq))
	if err := s.db.Write(batch, nil); err != nil {
		return nil, err
	}
	return &leveldbCache{s: s, name: name, seq: seq}, nil
}

func (s *LevelDBStorage) Has(_ context.Context, name string) (bool, error) {
	_, ok, err := s.lookup(name)
	return ok, err
}

func (s *LevelDBStorage) Names(_ context.Context) ([]string, error) {
	type named struct {
		name string
		seq  uint64
	}
	it := s.db.NewIterator(util.BytesPrefix([]byte(namePrefix)), nil)
	defer it.Release()
	items := make([]named, 0)
	for it.Next() {
		seq, err := decodeSeq(it.Value())
		if err != nil {
			continue
		}
		items = append(items, named{string(it.Key()[len(namePrefix):]), seq})
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool { return items[i].seq < items[j].seq })
	names := make([]string, len(items))
	for i, item := range items {
		names[i] = item.name
	}
	return names, nil
}

func (s *LevelDBStorage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, ok, err := s.lookup(name)
	if err != nil || !ok {
		return false, err
	}
	batch := new(leveldb.Batch)
	batch.Delete([]byte(namePrefix + name))
	it := s.db.NewIterator(util.BytesPrefix(entriesPrefix(seq)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	return true, s.db.Write(batch, nil)
}

func (s *LevelDBStorage) Close() error {
	return s.db.Close()
}

func (c *leveldbCache) Name() string {
	return c.name
}

func (c *leveldbCache) entryKey(key string) []byte {
	return append(entriesPrefix(c.seq), key...)
}

func (c *leveldbCache) Match(_ context.Context, key string) ([]byte, bool, error) {
	b, err := c.s.db.Get(c.entryKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (c *leveldbCache) Put(ctx context.Context, key string, bytes []byte) error {
	return c.PutAll(ctx, []Entry{{Key: key, Bytes: bytes}})
}

func (c *leveldbCache) PutAll(_ context.Context, entries []Entry) error {
	// hold the name lock so the cache cannot be deleted between check and write
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if seq, ok, err := c.s.lookup(c.name); err != nil {
		return err
	} else if !ok || seq != c.seq {
		return fmt.Errorf("%s: %w", c.name, ErrCacheNotFound)
	}
	batch := new(leveldb.Batch)
	for _, e := range entries {
		batch.Put(c.entryKey(e.Key), e.Bytes)
	}
	return c.s.db.Write(batch, nil)
}

func (c *leveldbCache) Delete(_ context.Context, key string) (bool, error) {
	k := c.entryKey(key)
	ok, err := c.s.db.Has(k, nil)
	if err != nil || !ok {
		return false, err
	}
	return true, c.s.db.Delete(k, nil)
}

func (c *leveldbCache) Keys(_ context.Context, cb func(string)) error {
	prefix := entriesPrefix(c.seq)
	it := c.s.db.NewIterator(util.BytesPrefix(prefix), nil)
	keys := make([]string, 0)
	for it.Next() {
		keys = append(keys, string(it.Key()[len(prefix):]))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}
	for _, key := range keys {
		cb(key)
	}
	return nil
}
