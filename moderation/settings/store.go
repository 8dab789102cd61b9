package settings

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

var (
	ErrNotFound        = errors.New("setting not found")
	ErrVersionConflict = errors.New("setting version conflict")
	ErrUnknownKey      = errors.New("unknown setting key")
	ErrInvalidValue    = errors.New("invalid setting value")
)

// Setting is a stored override. Version starts at 1 and is incremented on every write.
type Setting struct {
	Name      string `gorm:"column:name;primarykey"`
	Value     string `gorm:"column:value;not null"`
	Version   int64  `gorm:"column:version;not null"`
	UpdatedAt time.Time
}

func (Setting) TableName() string {
	return "setting"
}

type Store interface {
	Get(ctx context.Context, key string) (*Setting, error)

	// Writes a value. expectVersion must be the currently stored version, or zero if the key has never been written.
	Put(ctx context.Context, key, value string, expectVersion int64) (*Setting, error)

	List(ctx context.Context) ([]Setting, error)
}

// GormStore is a database-backed Store
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Migrate() error {
	return s.db.AutoMigrate(Setting{})
}

func (s *GormStore) Get(ctx context.Context, key string) (*Setting, error) {
	var row Setting
	if err := s.db.WithContext(ctx).Where("name = ?", key).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &row, nil
}

func (s *GormStore) Put(ctx context.Context, key, value string, expectVersion int64) (*Setting, error) {
	if expectVersion == 0 {
		row := Setting{Name: key, Value: value, Version: 1}
		if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return nil, ErrVersionConflict
			}
			return nil, err
		}
		return &row, nil
	}

	res := s.db.WithContext(ctx).Model(&Setting{}).
		Where("name = ? AND version = ?", key, expectVersion).
		Updates(map[string]any{
			"value":      value,
			"version":    expectVersion + 1,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrVersionConflict
	}
	return s.Get(ctx, key)
}

func (s *GormStore) List(ctx context.Context) ([]Setting, error) {
	rows := []Setting{}
	if err := s.db.WithContext(ctx).Order("name").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
