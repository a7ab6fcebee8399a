package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/ethpandaops/gatekeeper/pkg/config"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidKey is returned for keys that fail normalization.
	ErrInvalidKey = errors.New("invalid storage key")
)

// ListOptions pages through ListFind results. A zero Limit means no limit.
type ListOptions struct {
	Offset int
	Limit  int
}

// Storage is a key-value store of opaque records addressed by normalized
// path keys. Implementations serialize writes to the same key.
type Storage interface {
	Start(ctx context.Context) error
	Stop() error

	// Get returns the value stored at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put creates or replaces the value at key.
	Put(ctx context.Context, key string, value []byte) error

	// Update replaces the value at an existing key. It returns ErrNotFound
	// and writes nothing when the key is absent.
	Update(ctx context.Context, key string, value []byte) error

	// Delete removes key, or returns ErrNotFound.
	Delete(ctx context.Context, key string) error

	// ListFind returns the keys directly or transitively under prefix,
	// sorted ascending and paged by opts.
	ListFind(ctx context.Context, prefix string, opts ListOptions) ([]string, error)
}

// NewStorage creates the engine selected by cfg.Driver.
func NewStorage(
	log logrus.FieldLogger,
	cfg *config.StorageConfig,
) (Storage, error) {
	switch cfg.Driver {
	case "sqlite", "postgres":
		return newDatabaseStorage(log, cfg), nil
	case "s3":
		return newS3Storage(log, &cfg.S3), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

var segmentPattern = regexp.MustCompile(`^[a-z0-9_\-.@]+$`)

// NormalizeKey maps a caller-supplied key to its canonical form, so the
// same logical record is reachable by exactly one key regardless of case,
// surrounding whitespace or redundant slashes.
func NormalizeKey(key string) (string, error) {
	key = strings.ToLower(strings.TrimSpace(key))

	parts := strings.Split(key, "/")
	segments := make([]string, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if part == "." || part == ".." || !segmentPattern.MatchString(part) {
			return "", fmt.Errorf("%w: bad segment %q", ErrInvalidKey, part)
		}

		segments = append(segments, part)
	}

	if len(segments) == 0 {
		return "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	}

	return strings.Join(segments, "/"), nil
}

// normalizePrefix is NormalizeKey for list prefixes; the result always
// ends in a slash so "users" does not match "users_archive/x".
func normalizePrefix(prefix string) (string, error) {
	key, err := NormalizeKey(prefix)
	if err != nil {
		return "", err
	}

	return key + "/", nil
}

// page applies offset/limit to an already sorted key list.
func page(keys []string, opts ListOptions) []string {
	if opts.Offset > 0 {
		if opts.Offset >= len(keys) {
			return []string{}
		}

		keys = keys[opts.Offset:]
	}

	if opts.Limit > 0 && opts.Limit < len(keys) {
		keys = keys[:opts.Limit]
	}

	return keys
}
