package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pavit-health/backend/pkg/logger"
)

const (
	detectionPrefix = "detection:"
	analyticsPrefix = "analytics:"
)

type Client struct {
	client *redis.Client
}

func NewClient(ctx context.Context, host string, port int, password string, db int) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return &Client{client: client}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Client) SetDetection(ctx context.Context, imageHash string, v any, ttl time.Duration) error {
	if err := c.setJSON(ctx, detectionPrefix+imageHash, v, ttl); err != nil {
		return fmt.Errorf("failed to set detection cache: %w", err)
	}
	logger.Debug("Detection cached", zap.String("image_hash", imageHash), zap.Duration("ttl", ttl))
	return nil
}

func (c *Client) GetDetection(ctx context.Context, imageHash string, dst any) (bool, error) {
	found, err := c.getJSON(ctx, detectionPrefix+imageHash, dst)
	if err != nil {
		return false, fmt.Errorf("failed to get detection cache: %w", err)
	}
	if found {
		logger.Debug("Detection cache hit", zap.String("image_hash", imageHash))
	}
	return found, nil
}

func (c *Client) SetAnalytics(ctx context.Context, patientID string, v any, ttl time.Duration) error {
	if err := c.setJSON(ctx, analyticsPrefix+patientID, v, ttl); err != nil {
		return fmt.Errorf("failed to set analytics cache: %w", err)
	}
	return nil
}

func (c *Client) GetAnalytics(ctx context.Context, patientID string, dst any) (bool, error) {
	found, err := c.getJSON(ctx, analyticsPrefix+patientID, dst)
	if err != nil {
		return false, fmt.Errorf("failed to get analytics cache: %w", err)
	}
	return found, nil
}

func (c *Client) InvalidateAnalytics(ctx context.Context, patientID string) error {
	if err := c.client.Del(ctx, analyticsPrefix+patientID).Err(); err != nil {
		return fmt.Errorf("failed to invalidate analytics cache: %w", err)
	}
	logger.Debug("Analytics cache invalidated", zap.String("patient_id", patientID))
	return nil
}

// InvalidateAllAnalytics drops every cached summary. Detections are kept.
func (c *Client) InvalidateAllAnalytics(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, analyticsPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			logger.Warn("Failed to delete cache key", zap.String("key", iter.Val()), zap.Error(err))
		}
	}

	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to iterate cache keys: %w", err)
	}

	logger.Info("Analytics cache invalidated")
	return nil
}

func (c *Client) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return c.client.Set(ctx, key, data, ttl).Err()
}

func (c *Client) getJSON(ctx context.Context, key string, dst any) (bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("failed to unmarshal value: %w", err)
	}
	return true, nil
}
