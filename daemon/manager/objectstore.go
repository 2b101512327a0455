package manager

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
	"github.com/zeebo/blake3"

	"github.com/ndnstream/backend/internal/chunker"
	"github.com/ndnstream/backend/internal/ndn"
)

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrObjectCorrupt  = errors.New("object digest mismatch")
)

var (
	bucketObjects = []byte("objects")
	bucketNames   = []byte("names")
)

const recordHeader = 8 + 8 + 32

// ObjectRecord describes one stored name.
type ObjectRecord struct {
	Name     string
	Size     int64
	Digest   string
	Root     []byte
	StoredAt time.Time
}

// ObjectStore keeps fetched objects in bolt. Content is stored once per
// blake3 digest and names point at digests, so identical objects fetched
// under different names share storage.
type ObjectStore struct {
	db        *bolt.DB
	chunkSize uint32
	now       func() time.Time
}

// ObjectStoreOptions tune an ObjectStore.
type ObjectStoreOptions struct {
	// ChunkSize is the leaf size of the recorded merkle root.
	ChunkSize uint32
	// Now stamps records; time.Now when nil.
	Now func() time.Time
}

func OpenObjectStore(path string, opts ObjectStoreOptions) (*ObjectStore, error) {
	db, err := bolt.Open(filepath.Clean(path), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open object store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketObjects, bucketNames} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	if opts.ChunkSize == 0 {
		opts.ChunkSize = 8192
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &ObjectStore{db: db, chunkSize: opts.ChunkSize, now: opts.Now}, nil
}

func (s *ObjectStore) Close() error { return s.db.Close() }

// Ping opens a read transaction.
func (s *ObjectStore) Ping(context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketObjects) == nil {
			return errors.New("object bucket missing")
		}
		return nil
	})
}

// Write stores content under name. It satisfies transport.Sink.
func (s *ObjectStore) Write(name ndn.Name, content []byte) error {
	sum := blake3.Sum256(content)
	_, root, err := chunker.ObjectDigests(bytes.NewReader(content), s.chunkSize)
	if err != nil {
		return fmt.Errorf("failed to digest %s: %w", name, err)
	}

	rec := make([]byte, recordHeader, recordHeader+len(root))
	binary.BigEndian.PutUint64(rec[0:8], uint64(s.now().UnixNano()))
	binary.BigEndian.PutUint64(rec[8:16], uint64(len(content)))
	copy(rec[16:48], sum[:])
	rec = append(rec, root...)

	return s.db.Update(func(tx *bolt.Tx) error {
		objects := tx.Bucket(bucketObjects)
		if objects.Get(sum[:]) == nil {
			if err := objects.Put(sum[:], content); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketNames).Put([]byte(name.String()), rec)
	})
}

func decodeRecord(name string, v []byte) (ObjectRecord, error) {
	if len(v) < recordHeader {
		return ObjectRecord{}, fmt.Errorf("%w: short record for %s", ErrObjectCorrupt, name)
	}
	return ObjectRecord{
		Name:     name,
		StoredAt: time.Unix(0, int64(binary.BigEndian.Uint64(v[0:8]))),
		Size:     int64(binary.BigEndian.Uint64(v[8:16])),
		Digest:   hex.EncodeToString(v[16:48]),
		Root:     append([]byte(nil), v[48:]...),
	}, nil
}

// Stat returns the record of name.
func (s *ObjectStore) Stat(name ndn.Name) (ObjectRecord, error) {
	var rec ObjectRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketNames).Get([]byte(name.String()))
		if v == nil {
			return fmt.Errorf("%w: %s", ErrObjectNotFound, name)
		}
		var err error
		rec, err = decodeRecord(name.String(), v)
		return err
	})
	return rec, err
}

func (s *ObjectStore) Has(name ndn.Name) bool {
	_, err := s.Stat(name)
	return err == nil
}

// Get returns the content stored under name, verifying its digest.
func (s *ObjectStore) Get(name ndn.Name) ([]byte, error) {
	var content []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketNames).Get([]byte(name.String()))
		if v == nil {
			return fmt.Errorf("%w: %s", ErrObjectNotFound, name)
		}
		if len(v) < recordHeader {
			return fmt.Errorf("%w: short record for %s", ErrObjectCorrupt, name)
		}
		key := v[16:48]
		data := tx.Bucket(bucketObjects).Get(key)
		if data == nil {
			return fmt.Errorf("%w: content of %s", ErrObjectNotFound, name)
		}
		if sum := blake3.Sum256(data); !bytes.Equal(sum[:], key) {
			return fmt.Errorf("%w: %s", ErrObjectCorrupt, name)
		}
		// bolt memory is only valid inside the transaction
		content = append([]byte(nil), data...)
		return nil
	})
	return content, err
}

// List returns every stored record in name order.
func (s *ObjectStore) List() ([]ObjectRecord, error) {
	var out []ObjectRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNames).ForEach(func(k, v []byte) error {
			rec, err := decodeRecord(string(k), v)
			if err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// GC removes names stored longer than maxAge ago, then content no name
// refers to. It returns the number of names removed.
func (s *ObjectStore) GC(maxAge time.Duration) (int, error) {
	cutoff := s.now().Add(-maxAge).UnixNano()
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		names := tx.Bucket(bucketNames)
		objects := tx.Bucket(bucketObjects)

		// collect first: deleting under a cursor can skip its successor
		live := make(map[string]bool)
		var expired [][]byte
		err := names.ForEach(func(k, v []byte) error {
			if len(v) < recordHeader {
				return nil
			}
			if int64(binary.BigEndian.Uint64(v[0:8])) < cutoff {
				expired = append(expired, append([]byte(nil), k...))
			} else {
				live[string(v[16:48])] = true
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := names.Delete(k); err != nil {
				return err
			}
			removed++
		}

		var orphans [][]byte
		err = objects.ForEach(func(k, _ []byte) error {
			if !live[string(k)] {
				orphans = append(orphans, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range orphans {
			if err := objects.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return removed, err
}
