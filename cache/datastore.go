package cache

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	badgerds "github.com/ipfs/go-ds-badger2"
	levelds "github.com/ipfs/go-ds-leveldb"
	"github.com/multiformats/go-base32"
	ldbopts "github.com/syndtr/goleveldb/leveldb/opt"

	"github.com/pkdns-network/pkdns/keys"
	"github.com/pkdns-network/pkdns/packet"
)

// storedAtLen prefixes each persisted value with the store time in
// big-endian microseconds since the Unix epoch.
const storedAtLen = 8

// DatastoreCache is a Cache persisted in an on-disk datastore so cached
// packets survive restarts. Values are re-verified against their public key
// on read, so a corrupted store degrades to a cache miss rather than serving
// bad data.
type DatastoreCache struct {
	mu    sync.Mutex
	ds    ds.Datastore
	clock clock.Clock
}

var _ Cache = (*DatastoreCache)(nil)

func NewDatastoreCache(dstore ds.Datastore) *DatastoreCache {
	return NewDatastoreCacheWithClock(dstore, clock.New())
}

func NewDatastoreCacheWithClock(dstore ds.Datastore, clk clock.Clock) *DatastoreCache {
	return &DatastoreCache{ds: dstore, clock: clk}
}

func dsKey(publicKey keys.PublicKey) ds.Key {
	return ds.NewKey(base32.RawStdEncoding.EncodeToString(publicKey.Bytes()))
}

func (c *DatastoreCache) Get(publicKey keys.PublicKey) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(context.Background(), publicKey)
}

func (c *DatastoreCache) getLocked(ctx context.Context, publicKey keys.PublicKey) *Entry {
	buf, err := c.ds.Get(ctx, dsKey(publicKey))
	if err == ds.ErrNotFound {
		return nil
	}
	if err != nil {
		Logger.Errorf("DatastoreCache->Get: datastore read {key: %s}: %v", publicKey, err)
		return nil
	}
	if len(buf) < storedAtLen {
		Logger.Errorf("DatastoreCache->Get: truncated entry {key: %s, len: %d}", publicKey, len(buf))
		return nil
	}
	storedAt := time.UnixMicro(int64(binary.BigEndian.Uint64(buf[:storedAtLen])))
	p, err := packet.FromRelayPayload(publicKey, buf[storedAtLen:])
	if err != nil {
		Logger.Errorf("DatastoreCache->Get: invalid entry {key: %s}: %v", publicKey, err)
		return nil
	}
	return &Entry{Packet: p, StoredAt: storedAt}
}

func (c *DatastoreCache) Put(p *packet.SignedPacket) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx := context.Background()

	if existing := c.getLocked(ctx, p.PublicKey()); existing != nil && !p.MoreRecentThan(existing.Packet) {
		Logger.Debugf("DatastoreCache->Put: dropping stale write {key: %s, seq: %d, have: %d}",
			p.PublicKey(), p.Sequence(), existing.Packet.Sequence())
		return false
	}

	wire := p.ToRelayPayload()
	buf := make([]byte, storedAtLen, storedAtLen+len(wire))
	binary.BigEndian.PutUint64(buf, uint64(c.clock.Now().UnixMicro()))
	buf = append(buf, wire...)

	if err := c.ds.Put(ctx, dsKey(p.PublicKey()), buf); err != nil {
		Logger.Errorf("DatastoreCache->Put: datastore write {key: %s}: %v", p.PublicKey(), err)
		return false
	}
	return true
}

func (c *DatastoreCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	results, err := c.ds.Query(context.Background(), query.Query{KeysOnly: true})
	if err != nil {
		Logger.Errorf("DatastoreCache->Len: query: %v", err)
		return 0
	}
	defer results.Close()

	count := 0
	for range results.Next() {
		count++
	}
	return count
}

func (c *DatastoreCache) Close() error {
	return c.ds.Close()
}

// NewBadgerDatastore opens (creating if needed) a badger-backed datastore
// rooted at dbRootDir.
func NewBadgerDatastore(dbRootDir string) (*badgerds.Datastore, error) {
	fullPath, err := absolutePath(dbRootDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(fullPath, 0755); err != nil {
		return nil, err
	}
	defopts := badgerds.DefaultOptions
	defopts.SyncWrites = false
	defopts.Truncate = true
	return badgerds.NewDatastore(fullPath, &defopts)
}

// NewLevelDatastore opens a leveldb-backed datastore rooted at dbRootDir.
func NewLevelDatastore(dbRootDir string) (*levelds.Datastore, error) {
	fullPath, err := absolutePath(dbRootDir)
	if err != nil {
		return nil, err
	}
	return levelds.NewDatastore(fullPath, &levelds.Options{
		Compression: ldbopts.NoCompression,
	})
}

func absolutePath(dbRootDir string) (string, error) {
	if filepath.IsAbs(dbRootDir) {
		return dbRootDir, nil
	}
	rootPath, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(rootPath, dbRootDir), nil
}
