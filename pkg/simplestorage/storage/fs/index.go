package fs

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

const indexKeyPrefix = "blob/"

// record is what the index keeps per stored file.
type record struct {
	ContentType string            `json:"content_type"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Size        uint64            `json:"size"`
	CreatedAt   time.Time         `json:"created_at"`
}

// index persists content types and metadata next to the stored files.
type index struct {
	db *badger.DB
}

func openIndex(dir string, logger *slog.Logger) (*index, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(badgerLogger{logger}).
		WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}
	return &index{db: db}, nil
}

// get returns the record for path, or nil if none exists.
func (i *index) get(path string) (*record, error) {
	var rec *record
	err := i.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(indexKey(path))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			rec = &record{}
			return json.Unmarshal(val, rec)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read index entry: %w", err)
	}
	return rec, nil
}

func (i *index) put(path string, rec record) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode index entry: %w", err)
	}
	return i.db.Update(func(txn *badger.Txn) error {
		return txn.Set(indexKey(path), val)
	})
}

func (i *index) delete(path string) error {
	return i.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(indexKey(path))
	})
}

// restore puts prev back, or removes the entry when there was none.
func (i *index) restore(path string, prev *record) error {
	if prev == nil {
		return i.delete(path)
	}
	return i.put(path, *prev)
}

func (i *index) close() error {
	return i.db.Close()
}

func indexKey(path string) []byte {
	return []byte(indexKeyPrefix + path)
}

// badgerLogger routes badger's printf-style logging into slog.
type badgerLogger struct {
	l *slog.Logger
}

func (b badgerLogger) Errorf(format string, args ...any) {
	b.l.Error(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "index")
}

func (b badgerLogger) Warningf(format string, args ...any) {
	b.l.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "index")
}

func (b badgerLogger) Infof(format string, args ...any) {
	b.l.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "index")
}

func (b badgerLogger) Debugf(format string, args ...any) {
	b.l.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "index")
}
