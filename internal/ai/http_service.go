package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pavit-health/backend/internal/metrics"
	"github.com/pavit-health/backend/pkg/circuitbreaker"
	"github.com/pavit-health/backend/pkg/logger"
	"github.com/pavit-health/backend/pkg/retry"
)

var ErrServiceResponse = errors.New("ai service returned an error")

type HTTPConfig struct {
	BaseURL      string
	ValidatePath string
	DetectPath   string
	Timeout      time.Duration
}

// HTTPService talks to the companion model service, which exposes
// POST /validate (caption) and POST /detect (label + confidence).
type HTTPService struct {
	cfg         HTTPConfig
	client      *http.Client
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

type validateResponse struct {
	Valid   bool   `json:"valid"`
	Caption string `json:"caption"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

type detectResponse struct {
	Success    bool     `json:"success"`
	Disease    string   `json:"disease"`
	Confidence *float64 `json:"confidence"`
	Message    string   `json:"message"`
}

func NewHTTPService(cfg HTTPConfig) *HTTPService {
	if cfg.ValidatePath == "" {
		cfg.ValidatePath = "/validate"
	}
	if cfg.DetectPath == "" {
		cfg.DetectPath = "/detect"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	cb := circuitbreaker.New("ai_service", circuitbreaker.Config{
		MaxRequests:      2,
		OpenTimeout:      30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
		OnStateChange: func(name string, _, to circuitbreaker.State) {
			metrics.CircuitState.WithLabelValues(name).Set(float64(to))
		},
	})

	retryConfig := retry.Config{
		MaxAttempts:    2,
		InitialDelay:   250 * time.Millisecond,
		MaxDelay:       2 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	logger.Info("AI service client initialized", zap.String("base_url", cfg.BaseURL))

	return &HTTPService{
		cfg:         cfg,
		client:      &http.Client{Timeout: cfg.Timeout},
		cb:          cb,
		retryConfig: retryConfig,
	}
}

func (s *HTTPService) Caption(ctx context.Context, image []byte) (string, error) {
	var resp validateResponse
	if err := s.post(ctx, s.cfg.ValidatePath, image, &resp); err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Caption) == "" {
		reason := resp.Reason
		if reason == "" {
			reason = resp.Message
		}
		if reason == "" {
			reason = "empty caption"
		}
		return "", fmt.Errorf("%w: %s", ErrServiceResponse, reason)
	}

	logger.Debug("Caption received", zap.String("caption", resp.Caption))
	return resp.Caption, nil
}

func (s *HTTPService) Classify(ctx context.Context, image []byte) (string, float64, error) {
	var resp detectResponse
	if err := s.post(ctx, s.cfg.DetectPath, image, &resp); err != nil {
		return "", 0, err
	}
	if !resp.Success {
		return "", 0, fmt.Errorf("%w: %s", ErrServiceResponse, resp.Message)
	}
	if resp.Confidence == nil {
		return "", 0, fmt.Errorf("%w: missing confidence", ErrServiceResponse)
	}
	return resp.Disease, *resp.Confidence, nil
}

// Health checks GET /health on the service. It shares the breaker with
// caption and detect calls, so an open circuit answers without a round-trip.
func (s *HTTPService) Health(ctx context.Context) error {
	return s.cb.Execute(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.BaseURL+"/health", nil)
		if err != nil {
			return fmt.Errorf("failed to build request: %w", err)
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return fmt.Errorf("ai service unreachable: %w", err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%w: health status %d", ErrServiceResponse, resp.StatusCode)
		}
		return nil
	})
}

func (s *HTTPService) post(ctx context.Context, path string, image []byte, out any) error {
	body, contentType, err := multipartImage(image)
	if err != nil {
		return err
	}

	return s.cb.Execute(ctx, func(ctx context.Context) error {
		return retry.Do(ctx, s.retryConfig, func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+path, bytes.NewReader(body))
			if err != nil {
				return retry.Permanent(fmt.Errorf("failed to build request: %w", err))
			}
			req.Header.Set("Content-Type", contentType)

			resp, err := s.client.Do(req)
			if err != nil {
				return fmt.Errorf("ai service request failed: %w", err)
			}
			defer resp.Body.Close()

			data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if err != nil {
				return fmt.Errorf("failed to read ai service response: %w", err)
			}

			if resp.StatusCode >= 500 {
				return fmt.Errorf("%w: status %d", ErrServiceResponse, resp.StatusCode)
			}
			if resp.StatusCode >= 400 {
				return retry.Permanent(fmt.Errorf("%w: status %d: %s", ErrServiceResponse, resp.StatusCode, strings.TrimSpace(string(data))))
			}

			if err := json.Unmarshal(data, out); err != nil {
				return retry.Permanent(fmt.Errorf("failed to decode ai service response: %w", err))
			}
			return nil
		})
	})
}

func multipartImage(image []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("image", "upload")
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, "", fmt.Errorf("failed to write image: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart body: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
