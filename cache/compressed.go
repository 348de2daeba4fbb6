package cache

import (
	"context"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// CompressedStorage wraps another CacheStorage and zstd-compresses every stored value.
// Stored responses are mostly text, so this usually shrinks the db considerably.
type CompressedStorage struct {
	CacheStorage
	enc *zstd.Encoder
	dec *zstd.Decoder
}

type compressedCache struct {
	Cache
	s *CompressedStorage
}

func NewCompressedStorage(inner CacheStorage) (*CompressedStorage, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &CompressedStorage{CacheStorage: inner, enc: enc, dec: dec}, nil
}

func (s *CompressedStorage) Open(ctx context.Context, name string) (Cache, error) {
	c, err := s.CacheStorage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &compressedCache{Cache: c, s: s}, nil
}

func (s *CompressedStorage) Close() error {
	s.dec.Close()
	if err := s.enc.Close(); err != nil {
		return err
	}
	return s.CacheStorage.Close()
}

func (c *compressedCache) Match(ctx context.Context, key string) ([]byte, bool, error) {
	b, ok, err := c.Cache.Match(ctx, key)
	if err != nil || !ok {
		return b, ok, err
	}
	out, err := c.s.dec.DecodeAll(b, nil)
	if err != nil {
		return nil, false, fmt.Errorf("decompress %q: %w", key, err)
	}
	return out, true, nil
}

func (c *compressedCache) Put(ctx context.Context, key string, bytes []byte) error {
	return c.Cache.Put(ctx, key, c.s.enc.EncodeAll(bytes, nil))
}

func (c *compressedCache) PutAll(ctx context.Context, entries []Entry) error {
	compressed := make([]Entry, len(entries))
	for i, e := range entries {
		compressed[i] = Entry{Key: e.Key, StoredAt: e.StoredAt, Bytes: c.s.enc.EncodeAll(e.Bytes, nil)}
	}
	return c.Cache.PutAll(ctx, compressed)
}
