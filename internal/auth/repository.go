// internal/auth/repository.go
package auth

import (
	"context"
	"errors"

	"survey-bot/internal/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrAccountNotFound = errors.New("account not found")

type Repository struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewRepository(db *gorm.DB, log *zap.Logger) *Repository {
	return &Repository{db: db, log: log}
}

func (r *Repository) GetAccountByExternalID(ctx context.Context, externalID int64) (*models.Account, error) {
	var account models.Account
	result := r.db.WithContext(ctx).Where("external_id = ?", externalID).First(&account)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if result.Error != nil {
		r.log.Error("find account failed", zap.Int64("external_id", externalID), zap.Error(result.Error))
		return nil, result.Error
	}
	return &account, nil
}

func (r *Repository) SetAPIKeyHash(ctx context.Context, accountID uint, hash string) error {
	result := r.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", accountID).Update("api_key_hash", hash)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}
