package db

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ScopeIntegration is the scope of keys used by the rendering pipeline and
// the content repository.
const ScopeIntegration = "integration"

// APIKey is a bearer token for server-to-server callers.
type APIKey struct {
	ID uint `gorm:"primaryKey" json:"id"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// Name is a user-friendly identifier for this key (e.g. "cms-render").
	Name string `gorm:"size:128;not null" json:"name"`

	Scope string `gorm:"size:32;not null" json:"scope"`

	// Key is the actual bearer token value (stored as-is, should be unique).
	// It is only ever returned once, when the key is created.
	Key string `gorm:"uniqueIndex;size:255;not null" json:"-"`

	Active bool `gorm:"not null" json:"active"`
}

// ActiveAPIKey returns the active key with the given token, or nil if there is none.
func (s *Store) ActiveAPIKey(ctx context.Context, token string) (*APIKey, error) {
	var k APIKey
	if err := s.with(ctx).Where("key = ? AND active = ?", token, true).Limit(1).Find(&k).Error; err != nil {
		return nil, err
	}
	if k.ID == 0 {
		return nil, nil
	}
	return &k, nil
}

// CreateAPIKey stores a new key.
func (s *Store) CreateAPIKey(ctx context.Context, k *APIKey) error {
	if err := s.with(ctx).Create(k).Error; err != nil {
		return fmt.Errorf("failed to create API key: %w", err)
	}
	return nil
}

// ListAPIKeys returns every key, oldest first.
func (s *Store) ListAPIKeys(ctx context.Context) ([]APIKey, error) {
	var out []APIKey
	err := s.with(ctx).Order("id ASC").Find(&out).Error
	return out, err
}

// APIKeyByID loads one key. Missing rows return gorm.ErrRecordNotFound.
func (s *Store) APIKeyByID(ctx context.Context, id uint) (*APIKey, error) {
	var k APIKey
	if err := s.with(ctx).First(&k, id).Error; err != nil {
		return nil, err
	}
	return &k, nil
}

// SetAPIKeyActive enables or disables a key.
func (s *Store) SetAPIKeyActive(ctx context.Context, id uint, active bool) error {
	res := s.with(ctx).Model(&APIKey{}).Where("id = ?", id).Update("active", active)
	if res.Error != nil {
		return fmt.Errorf("failed to update API key %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// DeleteAPIKey removes a key.
func (s *Store) DeleteAPIKey(ctx context.Context, id uint) error {
	res := s.with(ctx).Delete(&APIKey{}, id)
	if res.Error != nil {
		return fmt.Errorf("failed to delete API key %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
