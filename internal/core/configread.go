// services/controlplane/internal/core/configread.go
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"example.com/backstage/services/controlplane/internal/infrastructure"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Served configuration is always re-read from the store; the cache holds a
// last-known-good copy for degraded reads only, so it may live long.
const configCacheTTL = 24 * time.Hour

// FlagState is the merged value of a feature flag at a location.
type FlagState struct {
	Enabled bool   `json:"enabled"`
	Value   string `json:"value,omitempty"`
}

// LocationConfig is the merged, override-aware configuration served to
// downstream display services.
type LocationConfig struct {
	Location       *Location            `json:"location"`
	ActiveMenuID   *uint                `json:"activeMenu"`
	FallbackMenuID *uint                `json:"fallbackMenuId"`
	FeatureFlags   map[string]FlagState `json:"featureFlags"`
	FetchedAt      time.Time            `json:"fetchedAt"`
}

// ScreenConfig lists the screen assignments of a location.
type ScreenConfig struct {
	LocationID uint                `json:"locationId"`
	Screens    []*ScreenAssignment `json:"screens"`
	FetchedAt  time.Time           `json:"fetchedAt"`
}

// FeatureConfig is the merged flag map of a location.
type FeatureConfig struct {
	LocationID uint                 `json:"locationId"`
	Flags      map[string]FlagState `json:"flags"`
	FetchedAt  time.Time            `json:"fetchedAt"`
}

// ConfigService serves read-only configuration to downstream services. Reads
// are side-effect-free; responses carry fetchedAt so consumers can judge the
// staleness of their own caches. Responses are cached in Redis, and a store
// failure degrades to the cached last-known-good copy instead of failing.
type ConfigService struct {
	store  Repository
	cache  *infrastructure.Cache
	logger *logrus.Logger
}

func NewConfigService(store Repository, cache *infrastructure.Cache, logger *logrus.Logger) *ConfigService {
	return &ConfigService{store: store, cache: cache, logger: logger}
}

// GetLocationConfig returns the merged configuration for one location.
func (s *ConfigService) GetLocationConfig(ctx context.Context, locationID uint) (*LocationConfig, error) {
	cacheKey := fmt.Sprintf("config:location:%d", locationID)

	location, err := s.store.GetLocation(ctx, locationID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLocationNotFound
		}
		var cached LocationConfig
		if s.fromCache(ctx, cacheKey, &cached) {
			return &cached, nil
		}
		return nil, fmt.Errorf("failed to load location config: %w", err)
	}

	flags, err := s.mergedFlags(ctx, location)
	if err != nil {
		var cached LocationConfig
		if s.fromCache(ctx, cacheKey, &cached) {
			return &cached, nil
		}
		return nil, err
	}

	cfg := &LocationConfig{
		Location:       location,
		ActiveMenuID:   location.ActiveMenuID,
		FallbackMenuID: location.FallbackMenuID,
		FeatureFlags:   flags,
		FetchedAt:      time.Now(),
	}

	s.toCache(ctx, cacheKey, cfg)
	return cfg, nil
}

// GetScreens returns the screen assignments for a location.
func (s *ConfigService) GetScreens(ctx context.Context, locationID uint) (*ScreenConfig, error) {
	cacheKey := fmt.Sprintf("config:screens:%d", locationID)

	screens, err := s.store.ListScreenAssignments(ctx, locationID)
	if err != nil {
		var cached ScreenConfig
		if s.fromCache(ctx, cacheKey, &cached) {
			return &cached, nil
		}
		return nil, fmt.Errorf("failed to load screens: %w", err)
	}

	cfg := &ScreenConfig{
		LocationID: locationID,
		Screens:    screens,
		FetchedAt:  time.Now(),
	}
	s.toCache(ctx, cacheKey, cfg)
	return cfg, nil
}

// GetFeatureFlags returns the merged feature flags for a location.
func (s *ConfigService) GetFeatureFlags(ctx context.Context, locationID uint) (*FeatureConfig, error) {
	cacheKey := fmt.Sprintf("config:features:%d", locationID)

	location, err := s.store.GetLocation(ctx, locationID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLocationNotFound
		}
		var cached FeatureConfig
		if s.fromCache(ctx, cacheKey, &cached) {
			return &cached, nil
		}
		return nil, fmt.Errorf("failed to load location: %w", err)
	}

	flags, err := s.mergedFlags(ctx, location)
	if err != nil {
		var cached FeatureConfig
		if s.fromCache(ctx, cacheKey, &cached) {
			return &cached, nil
		}
		return nil, err
	}

	cfg := &FeatureConfig{
		LocationID: locationID,
		Flags:      flags,
		FetchedAt:  time.Now(),
	}
	s.toCache(ctx, cacheKey, cfg)
	return cfg, nil
}

// mergedFlags overlays location-level flag rows on account-level defaults.
func (s *ConfigService) mergedFlags(ctx context.Context, location *Location) (map[string]FlagState, error) {
	rows, err := s.store.ListFeatureFlags(ctx, location.AccountID, location.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load feature flags: %w", err)
	}

	merged := make(map[string]FlagState, len(rows))
	// Account defaults first, then location overrides win.
	for _, row := range rows {
		if row.LocationID == nil {
			merged[row.Key] = FlagState{Enabled: row.Enabled, Value: row.Value}
		}
	}
	for _, row := range rows {
		if row.LocationID != nil {
			merged[row.Key] = FlagState{Enabled: row.Enabled, Value: row.Value}
		}
	}
	return merged, nil
}

func (s *ConfigService) fromCache(ctx context.Context, key string, out interface{}) bool {
	if s.cache == nil {
		return false
	}
	data, err := s.cache.Get(ctx, key)
	if err != nil {
		return false
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		return false
	}
	s.logger.WithField("key", key).Warn("Serving last-known-good configuration from cache")
	return true
}

func (s *ConfigService) toCache(ctx context.Context, key string, value interface{}) {
	if s.cache == nil {
		return
	}
	BestEffort(s.logger, "cache configuration", func() error {
		data, err := json.Marshal(value)
		if err != nil {
			return err
		}
		return s.cache.Set(ctx, key, string(data), configCacheTTL)
	})
}
