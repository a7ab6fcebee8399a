package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethpandaops/gatekeeper/pkg/config"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// record is one key-value row.
type record struct {
	Path      string `gorm:"primaryKey;size:512"`
	Value     []byte `gorm:"not null"`
	UpdatedAt time.Time
}

// TableName pins the table name independent of the struct name.
func (record) TableName() string {
	return "kv_records"
}

// Compile-time interface check.
var _ Storage = (*databaseStorage)(nil)

type databaseStorage struct {
	log logrus.FieldLogger
	cfg *config.StorageConfig
	db  *gorm.DB
}

func newDatabaseStorage(
	log logrus.FieldLogger,
	cfg *config.StorageConfig,
) *databaseStorage {
	return &databaseStorage{
		log: log.WithField("component", "storage"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *databaseStorage) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	s.db = db

	if s.cfg.Driver == "sqlite" {
		// One connection: sqlite serializes writers anyway, and an
		// in-memory database only exists on the connection that made it.
		sqlDB, err := s.db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(&record{}); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Storage connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *databaseStorage) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

func (s *databaseStorage) Get(ctx context.Context, key string) ([]byte, error) {
	key, err := NormalizeKey(key)
	if err != nil {
		return nil, err
	}

	var rec record
	if err := s.db.WithContext(ctx).
		Where("path = ?", key).
		First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}

		return nil, fmt.Errorf("getting %q: %w", key, err)
	}

	return rec.Value, nil
}

func (s *databaseStorage) Put(ctx context.Context, key string, value []byte) error {
	key, err := NormalizeKey(key)
	if err != nil {
		return err
	}

	rec := record{
		Path:      key,
		Value:     value,
		UpdatedAt: time.Now().UTC(),
	}

	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "path"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&rec).Error; err != nil {
		return fmt.Errorf("putting %q: %w", key, err)
	}

	return nil
}

func (s *databaseStorage) Update(ctx context.Context, key string, value []byte) error {
	key, err := NormalizeKey(key)
	if err != nil {
		return err
	}

	result := s.db.WithContext(ctx).
		Model(&record{}).
		Where("path = ?", key).
		Updates(map[string]any{
			"value":      value,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("updating %q: %w", key, result.Error)
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	return nil
}

func (s *databaseStorage) Delete(ctx context.Context, key string) error {
	key, err := NormalizeKey(key)
	if err != nil {
		return err
	}

	result := s.db.WithContext(ctx).
		Where("path = ?", key).
		Delete(&record{})
	if result.Error != nil {
		return fmt.Errorf("deleting %q: %w", key, result.Error)
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	return nil
}

func (s *databaseStorage) ListFind(
	ctx context.Context, prefix string, opts ListOptions,
) ([]string, error) {
	prefix, err := normalizePrefix(prefix)
	if err != nil {
		return nil, err
	}

	query := s.db.WithContext(ctx).
		Model(&record{}).
		Where(`path LIKE ? ESCAPE '\'`, escapeLike(prefix)+"%").
		Order("path ASC")

	if opts.Offset > 0 {
		query = query.Offset(opts.Offset)
	}

	if opts.Limit > 0 {
		query = query.Limit(opts.Limit)
	}

	keys := make([]string, 0, 16)
	if err := query.Pluck("path", &keys).Error; err != nil {
		return nil, fmt.Errorf("listing %q: %w", prefix, err)
	}

	return keys, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike escapes LIKE wildcards; keys routinely contain underscores.
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
