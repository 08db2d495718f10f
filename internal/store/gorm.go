package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type GormRepository struct {
	db *gorm.DB
}

// OpenPostgres connects through the pgx-backed postgres driver and migrates
// the live_sessions table.
func OpenPostgres(dsn string) (*GormRepository, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	return NewGormRepository(db)
}

func NewGormRepository(db *gorm.DB) (*GormRepository, error) {
	if err := db.AutoMigrate(&SessionRecord{}); err != nil {
		return nil, errors.Wrap(err, "migrate live_sessions")
	}
	return &GormRepository{db: db}, nil
}

func (g *GormRepository) Create(ctx context.Context, rec SessionRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	err := g.db.WithContext(ctx).Create(&rec).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return errors.Wrapf(ErrAlreadyExists, "session %s", rec.ID)
	}
	return errors.Wrapf(err, "create session %s", rec.ID)
}

func (g *GormRepository) Get(ctx context.Context, id string) (SessionRecord, error) {
	var rec SessionRecord
	err := g.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SessionRecord{}, errors.Wrapf(ErrNotFound, "session %s", id)
	}
	if err != nil {
		return SessionRecord{}, errors.Wrapf(err, "get session %s", id)
	}
	return rec, nil
}

func (g *GormRepository) ListActive(ctx context.Context) ([]SessionRecord, error) {
	var recs []SessionRecord
	err := g.db.WithContext(ctx).
		Where("ended_at IS NULL").
		Order("created_at, id").
		Find(&recs).Error
	if err != nil {
		return nil, errors.Wrap(err, "list active sessions")
	}
	return recs, nil
}

func (g *GormRepository) MarkEnded(ctx context.Context, id string, at time.Time) error {
	res := g.db.WithContext(ctx).
		Model(&SessionRecord{}).
		Where("id = ? AND ended_at IS NULL", id).
		Update("ended_at", at.UTC())
	if res.Error != nil {
		return errors.Wrapf(res.Error, "end session %s", id)
	}
	if res.RowsAffected == 0 {
		if _, err := g.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (g *GormRepository) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
