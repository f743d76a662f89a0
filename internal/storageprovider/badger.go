package storageprovider

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/getsentry/callstack/internal/storageutil"
)

type (
	// Badger implements storageutil.ObjectHandler on a local key-value
	// store. Objects expire after TTL when it is positive.
	Badger struct {
		DB  *badger.DB
		TTL time.Duration
	}

	// badgerWriter buffers an object until it is closed.
	badgerWriter struct {
		db   *badger.DB
		ttl  time.Duration
		key  []byte
		buf  bytes.Buffer
		done bool
	}

	badgerReader struct {
		*bytes.Reader
	}
)

// OpenBadger opens a database in dir, or in memory when dir is empty.
func OpenBadger(dir string) (*Badger, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Badger{DB: db}, nil
}

func (b *Badger) Close() error {
	return b.DB.Close()
}

// Put writes a file to the storage provider with name being the path. The
// object is visible once the writer is closed.
func (b *Badger) Put(_ context.Context, name string) (io.WriteCloser, error) {
	return &badgerWriter{db: b.DB, ttl: b.TTL, key: []byte(name)}, nil
}

// Get reads a file from the storage provider with name being the path.
// If a key was not found, it will return ErrObjectNotFound.
func (b *Badger) Get(_ context.Context, name string) (storageutil.ReadSizeCloser, error) {
	var value []byte
	err := b.DB.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(name))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, storageutil.ErrObjectNotFound
		}
		return nil, err
	}
	return badgerReader{Reader: bytes.NewReader(value)}, nil
}

func (w *badgerWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, io.ErrClosedPipe
	}
	return w.buf.Write(p)
}

func (w *badgerWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	return w.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(w.key, w.buf.Bytes())
		if w.ttl > 0 {
			e = e.WithTTL(w.ttl)
		}
		return txn.SetEntry(e)
	})
}

func (r badgerReader) Close() error {
	return nil
}
