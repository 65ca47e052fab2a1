package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/morphclip/morphclip/internal/users"
)

// UserStore implements users.Store.
type UserStore struct {
	db *gorm.DB
}

// NewUserStore returns a UserStore backed by gorm.DB.
func NewUserStore(db *gorm.DB) *UserStore {
	return &UserStore{db: db}
}

func (store *UserStore) GetUserByID(ctx context.Context, userID string) (users.User, bool, error) {
	var row UserRow
	err := store.db.WithContext(ctx).Where("user_id = ?", userID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return users.User{}, false, nil
	}
	if err != nil {
		return users.User{}, false, err
	}
	return mapUser(row), true, nil
}

func (store *UserStore) GetUserByEmail(ctx context.Context, email string) (users.User, bool, error) {
	var row UserRow
	err := store.db.WithContext(ctx).Where("email = ?", email).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return users.User{}, false, nil
	}
	if err != nil {
		return users.User{}, false, err
	}
	return mapUser(row), true, nil
}

func (store *UserStore) UpsertUser(ctx context.Context, user users.User) (users.User, error) {
	row := UserRow{
		UserID:    user.ID,
		Email:     user.Email,
		Name:      user.Name,
		ImageURL:  user.ImageURL,
		CreatedAt: time.Unix(user.CreatedUnixUTC, 0).UTC(),
		UpdatedAt: time.Unix(user.UpdatedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"email", "name", "image_url", "updated_at",
			}),
		}).
		Create(&row).Error
	if err != nil {
		return users.User{}, err
	}
	return mapUser(row), nil
}

func mapUser(row UserRow) users.User {
	return users.User{
		ID:             row.UserID,
		Email:          row.Email,
		Name:           row.Name,
		ImageURL:       row.ImageURL,
		CreatedUnixUTC: row.CreatedAt.Unix(),
		UpdatedUnixUTC: row.UpdatedAt.Unix(),
	}
}
