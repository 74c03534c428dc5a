package viewer

import (
	"encoding/binary"

	"github.com/dgraph-io/badger/v4"
)

// TileCache persists fetched basemap tiles on disk so restarts and
// offline runs do not hammer the tile server.
type TileCache struct {
	db *badger.DB
}

func OpenTileCache(path string) (*TileCache, error) {
	opts := badger.DefaultOptions(path)
	// Decrease logging verbosity
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &TileCache{db: db}, nil
}

func (c *TileCache) Close() error {
	return c.db.Close()
}

// Key: zoom (1 byte) + X (4 bytes) + Y (4 bytes)
func tileCacheKey(z, x, y int) []byte {
	key := make([]byte, 9)
	key[0] = byte(z)
	binary.BigEndian.PutUint32(key[1:5], uint32(x))
	binary.BigEndian.PutUint32(key[5:9], uint32(y))
	return key
}

func (c *TileCache) Put(z, x, y int, data []byte) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(tileCacheKey(z, x, y), data)
	})
}

// Get returns the cached tile bytes, or nil without error on a miss.
func (c *TileCache) Get(z, x, y int) ([]byte, error) {
	var val []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(tileCacheKey(z, x, y))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	return val, err
}

// BatchPut stores many tiles in one write batch, for prefetch runs.
func (c *TileCache) BatchPut(tiles map[[3]int][]byte) error {
	wb := c.db.NewWriteBatch()
	defer wb.Cancel()

	for k, v := range tiles {
		if err := wb.Set(tileCacheKey(k[0], k[1], k[2]), v); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// Len counts the cached tiles by walking the keyspace.
func (c *TileCache) Len() (int, error) {
	n := 0
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}
