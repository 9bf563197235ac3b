package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	detectionPrefix = "detection:"
	analyticsPrefix = "analytics:"
)

// Cache is the in-process stand-in for the redis cache when redis is
// disabled. Values are stored as JSON so callers see the same copy
// semantics as with redis.
type Cache struct {
	c *gocache.Cache
}

func New(defaultTTL, cleanupInterval time.Duration) *Cache {
	return &Cache{c: gocache.New(defaultTTL, cleanupInterval)}
}

func (m *Cache) SetDetection(_ context.Context, imageHash string, v any, ttl time.Duration) error {
	return m.set(detectionPrefix+imageHash, v, ttl)
}

func (m *Cache) GetDetection(_ context.Context, imageHash string, dst any) (bool, error) {
	return m.get(detectionPrefix+imageHash, dst)
}

func (m *Cache) SetAnalytics(_ context.Context, patientID string, v any, ttl time.Duration) error {
	return m.set(analyticsPrefix+patientID, v, ttl)
}

func (m *Cache) GetAnalytics(_ context.Context, patientID string, dst any) (bool, error) {
	return m.get(analyticsPrefix+patientID, dst)
}

func (m *Cache) InvalidateAnalytics(_ context.Context, patientID string) error {
	m.c.Delete(analyticsPrefix + patientID)
	return nil
}

func (m *Cache) InvalidateAllAnalytics(_ context.Context) error {
	for key := range m.c.Items() {
		if strings.HasPrefix(key, analyticsPrefix) {
			m.c.Delete(key)
		}
	}
	return nil
}

func (m *Cache) set(key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	m.c.Set(key, data, ttl)
	return nil
}

func (m *Cache) get(key string, dst any) (bool, error) {
	raw, ok := m.c.Get(key)
	if !ok {
		return false, nil
	}
	data, ok := raw.([]byte)
	if !ok {
		return false, fmt.Errorf("unexpected cache value type %T", raw)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("failed to unmarshal value: %w", err)
	}
	return true, nil
}
