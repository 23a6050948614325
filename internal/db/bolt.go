package db

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	bolt "go.etcd.io/bbolt"

	"github.com/Guizzs26/go-siem-sync/internal/models"
)

const (
	// DefaultBoltFileMode is the default file mode for the BoltDB file
	DefaultBoltFileMode = 0600

	// DefaultBoltTimeout bounds the wait for the file lock held by another process
	DefaultBoltTimeout = 1 * time.Second
)

var (
	cursorBucket = []byte("cursor")
	eventsBucket = []byte("events")
	runsBucket   = []byte("runs")
)

// BoltOptions configures the BoltDB store
type BoltOptions struct {
	Path     string
	FileMode os.FileMode
	Timeout  time.Duration
}

// BoltRepository is the single-node store: cursor, events and run records in one bbolt file
type BoltRepository struct {
	db          *bolt.DB
	integration []byte
	logger      *slog.Logger
}

// NewBoltRepository opens (creating if needed) the database file and its buckets
func NewBoltRepository(opts BoltOptions, logger *slog.Logger) (*BoltRepository, error) {
	if opts.FileMode == 0 {
		opts.FileMode = DefaultBoltFileMode
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultBoltTimeout
	}

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for database: %w", err)
	}

	db, err := bolt.Open(opts.Path, opts.FileMode, &bolt.Options{Timeout: opts.Timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open BoltDB: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{cursorBucket, eventsBucket, runsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	logger.Info("BoltDB database opened successfully", "path", opts.Path)

	return &BoltRepository{db: db, integration: []byte(DefaultIntegration), logger: logger}, nil
}

func (r *BoltRepository) GetCursor(ctx context.Context) (models.Cursor, bool, error) {
	var (
		token string
		found bool
	)
	err := r.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(cursorBucket).Get(r.integration)
		if v == nil {
			return nil
		}
		token, found = string(v), true
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to read cursor: %w", err)
	}
	return models.Cursor(token), found, nil
}

// SetCursor overwrites the value under the integration key, so the bucket never holds a second cursor
func (r *BoltRepository) SetCursor(ctx context.Context, c models.Cursor) error {
	err := r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(cursorBucket).Put(r.integration, []byte(c))
	})
	if err != nil {
		return fmt.Errorf("failed to write cursor: %w", err)
	}
	return nil
}

func (r *BoltRepository) AppendEvent(ctx context.Context, e *models.Event) error {
	return r.appendJSON(eventsBucket, e)
}

func (r *BoltRepository) RecordRun(ctx context.Context, rec models.RunRecord) error {
	return r.appendJSON(runsBucket, rec)
}

func (r *BoltRepository) appendJSON(bucket []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s record: %w", bucket, err)
	}

	err = r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(itob(seq), data)
	})
	if err != nil {
		return fmt.Errorf("failed to append %s record: %w", bucket, err)
	}
	return nil
}

func (r *BoltRepository) Close() error {
	if r.db == nil {
		return nil
	}
	r.logger.Info("Closing BoltDB database")
	return r.db.Close()
}

// itob keys records by insertion order
func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
