package fsm

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Record is the row layout of GormStorage.
type Record struct {
	AccountID int64          `gorm:"primaryKey;autoIncrement:false"`
	State     State          `gorm:"not null"`
	Data      datatypes.JSON `gorm:"not null"`
	UpdatedAt time.Time
}

func (Record) TableName() string {
	return "conversation_states"
}

// GormStorage keeps conversation state in the application database.
type GormStorage struct {
	db *gorm.DB
}

func NewGormStorage(db *gorm.DB) *GormStorage {
	return &GormStorage{db: db}
}

func (s *GormStorage) Load(ctx context.Context, accountID int64) (State, Data, error) {
	var rec Record
	err := s.db.WithContext(ctx).First(&rec, "account_id = ?", accountID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return None, Data{}, nil
	}
	if err != nil {
		return None, nil, err
	}
	data, err := decode(rec.Data)
	if err != nil {
		return None, nil, err
	}
	return rec.State, data, nil
}

func (s *GormStorage) Save(ctx context.Context, accountID int64, state State, data Data) error {
	b, err := encode(data)
	if err != nil {
		return err
	}
	rec := Record{AccountID: accountID, State: state, Data: datatypes.JSON(b)}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"state", "data", "updated_at"}),
	}).Create(&rec).Error
}

func (s *GormStorage) Delete(ctx context.Context, accountID int64) error {
	return s.db.WithContext(ctx).Delete(&Record{}, "account_id = ?", accountID).Error
}
