package content

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"certchain/certificate"
)

var bucketObjects = []byte("objects")

// Local keeps objects in an embedded bbolt file keyed by their CIDv1.
type Local struct {
	db      *bbolt.DB
	gateway string
}

// OpenLocal opens (or creates) the object database at path.
func OpenLocal(path, gatewayBase string) (*Local, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("content: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketObjects)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Local{db: db, gateway: gatewayBase}, nil
}

// Close releases the database handle.
func (l *Local) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Upload stores data under its CIDv1. Uploading identical bytes twice yields
// the same hash and a single stored copy.
func (l *Local) Upload(ctx context.Context, data []byte, _ string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("content: empty upload")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	hash := certificate.ComputeCID(data)
	err := l.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketObjects)
		if bucket.Get([]byte(hash)) != nil {
			return nil
		}
		return bucket.Put([]byte(hash), data)
	})
	if err != nil {
		return "", fmt.Errorf("content: store object: %w", err)
	}
	return hash, nil
}

// Get returns a copy of the object stored under hash.
func (l *Local) Get(_ context.Context, hash string) ([]byte, error) {
	var out []byte
	err := l.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketObjects).Get([]byte(strings.TrimSpace(hash)))
		if val == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), val...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// URL resolves hash against the configured gateway.
func (l *Local) URL(hash string) string {
	return certificate.GatewayURL(l.gateway, hash)
}
