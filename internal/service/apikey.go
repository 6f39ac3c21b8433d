package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/models"
	"github.com/aman-churiwal/admission-gateway/internal/repository"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const apiKeyCacheTTL = 5 * time.Minute

// Shared lookup cache for validated keys, backed by redis in production.
type KeyCache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

type APIKeyService struct {
	repository *repository.APIKeyRepository
	tenants    *repository.TenantRepository
	cache      KeyCache
	logger     zerolog.Logger
}

// cache may be nil, in which case every validation reads the database.
func NewAPIKeyService(repo *repository.APIKeyRepository, tenants *repository.TenantRepository, cache KeyCache, logger zerolog.Logger) *APIKeyService {
	return &APIKeyService{
		repository: repo,
		tenants:    tenants,
		cache:      cache,
		logger:     logger,
	}
}

func hashKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

func cacheKey(keyHash string) string {
	return "apikey:cache:" + keyHash
}

// Issues a key for a tenant. The plain key is returned only here.
func (s *APIKeyService) Create(ctx context.Context, name, createdBy, tenantID string) (string, *models.APIKey, error) {
	if strings.TrimSpace(name) == "" {
		return "", nil, fmt.Errorf("%w: name is required", ErrValidation)
	}

	tenant, err := s.tenants.FindByID(ctx, tenantID)
	if err != nil {
		return "", nil, err
	}
	if tenant == nil {
		return "", nil, fmt.Errorf("%w: tenant %q does not exist", ErrValidation, tenantID)
	}

	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", nil, fmt.Errorf("failed to generate random key: %w", err)
	}

	key := "gw_" + base64.RawURLEncoding.EncodeToString(keyBytes)

	apiKey := &models.APIKey{
		KeyHash:   hashKey(key),
		Name:      name,
		TenantID:  tenantID,
		CreatedBy: createdBy,
		IsActive:  true,
	}
	if err := s.repository.Create(ctx, apiKey); err != nil {
		return "", nil, fmt.Errorf("failed to create API key: %w", err)
	}

	return key, apiKey, nil
}

// Returns the active key matching the presented secret, or nil.
func (s *APIKeyService) Validate(ctx context.Context, key string) (*models.APIKey, error) {
	keyHash := hashKey(key)

	if s.cache != nil {
		cached, err := s.cache.Get(ctx, cacheKey(keyHash))
		if err != nil {
			s.logger.Warn().Err(err).Msg("api key cache read failed")
		} else if cached != "" {
			var apiKey models.APIKey
			if err := json.Unmarshal([]byte(cached), &apiKey); err == nil {
				return &apiKey, nil
			}
		}
	}

	apiKey, err := s.repository.FindByHash(ctx, keyHash)
	if err != nil {
		return nil, err
	}
	if apiKey == nil {
		return nil, nil
	}

	if s.cache != nil {
		data, _ := json.Marshal(apiKey)
		if err := s.cache.Set(ctx, cacheKey(keyHash), data, apiKeyCacheTTL); err != nil {
			s.logger.Warn().Err(err).Msg("api key cache write failed")
		}
	}

	return apiKey, nil
}

func (s *APIKeyService) Get(ctx context.Context, id string) (*models.APIKey, error) {
	if _, err := parseID(id); err != nil {
		return nil, err
	}

	apiKey, err := s.repository.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if apiKey == nil {
		return nil, fmt.Errorf("api key %s: %w", id, ErrNotFound)
	}
	return apiKey, nil
}

func (s *APIKeyService) List(ctx context.Context, tenantID string) ([]models.APIKey, error) {
	return s.repository.ListByTenant(ctx, tenantID)
}

// Enables or revokes a key; revocation takes effect immediately.
func (s *APIKeyService) SetActive(ctx context.Context, id string, active bool) error {
	apiKey, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := s.repository.SetActive(ctx, id, active); err != nil {
		return fmt.Errorf("failed to update API key: %w", err)
	}

	s.invalidateCache(ctx, apiKey)
	return nil
}

func (s *APIKeyService) UpdateLastUsed(ctx context.Context, id uuid.UUID) {
	if err := s.repository.UpdateLastUsed(ctx, id); err != nil {
		s.logger.Debug().Err(err).Str("api_key_id", id.String()).Msg("failed to update last_used_at")
	}
}

func (s *APIKeyService) invalidateCache(ctx context.Context, apiKey *models.APIKey) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, cacheKey(apiKey.KeyHash)); err != nil {
		s.logger.Warn().Err(err).Str("api_key_id", apiKey.ID.String()).Msg("api key cache invalidation failed")
	}
}
