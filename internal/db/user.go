package db

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// User is an administrator allowed to manage experiments. The bootstrap
// admin user (from env) is created as a row in this table on startup.
type User struct {
	ID uint `gorm:"primaryKey" json:"id"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Username     string `gorm:"uniqueIndex;size:64;not null" json:"username"`
	PasswordHash string `gorm:"size:255;not null" json:"-"`

	IsAdmin bool `gorm:"not null" json:"isAdmin"`
}

// Authenticate returns the admin user matching username and password, or nil
// when the user is unknown, not an admin or the password does not match.
func (s *Store) Authenticate(ctx context.Context, username, password string) (*User, error) {
	var u User
	if err := s.with(ctx).Where("username = ?", username).Limit(1).Find(&u).Error; err != nil {
		return nil, err
	}
	if u.ID == 0 || !u.IsAdmin {
		return nil, nil
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, nil
	}
	return &u, nil
}

// CreateUser hashes password and stores a new user.
func (s *Store) CreateUser(ctx context.Context, username, password string, isAdmin bool) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	u := &User{Username: username, PasswordHash: string(hash), IsAdmin: isAdmin}
	if err := s.with(ctx).Create(u).Error; err != nil {
		return nil, fmt.Errorf("failed to create user %q: %w", username, err)
	}
	return u, nil
}

// ListUsers returns every user ordered by username.
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	var out []User
	err := s.with(ctx).Order("username ASC").Find(&out).Error
	return out, err
}

// UserByID loads one user. Missing rows return gorm.ErrRecordNotFound.
func (s *Store) UserByID(ctx context.Context, id uint) (*User, error) {
	var u User
	if err := s.with(ctx).First(&u, id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// SetPassword replaces the password hash of a user.
func (s *Store) SetPassword(ctx context.Context, id uint, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	res := s.with(ctx).Model(&User{}).Where("id = ?", id).Update("password_hash", string(hash))
	if res.Error != nil {
		return fmt.Errorf("failed to update password: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// DeleteUser removes a user.
func (s *Store) DeleteUser(ctx context.Context, id uint) error {
	res := s.with(ctx).Delete(&User{}, id)
	if res.Error != nil {
		return fmt.Errorf("failed to delete user: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
