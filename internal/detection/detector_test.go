package detection

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

type classifierFunc func(ctx context.Context, image []byte) (string, float64, error)

func (f classifierFunc) Classify(ctx context.Context, image []byte) (string, float64, error) {
	return f(ctx, image)
}

type memoryCache struct {
	data map[string][]byte
	sets int
}

func newMemoryCache() *memoryCache { return &memoryCache{data: map[string][]byte{}} }

func (m *memoryCache) GetDetection(_ context.Context, key string, dst any) (bool, error) {
	raw, ok := m.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dst)
}

func (m *memoryCache) SetDetection(_ context.Context, key string, v any, _ time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.sets++
	m.data[key] = raw
	return nil
}

func TestDetectModelResult(t *testing.T) {
	d := NewDetector(classifierFunc(func(context.Context, []byte) (string, float64, error) {
		return " eczema ", 0.77, nil
	}), Config{})

	det := d.Detect(context.Background(), []byte("img"))
	if det.Source != SourceModel || det.Label != "eczema" || det.Confidence != 0.77 {
		t.Fatalf("unexpected detection: %+v", det)
	}
	if det.IsFallback() || det.FallbackReason != "" {
		t.Fatalf("model result marked as fallback: %+v", det)
	}
}

func TestDetectFallbackIsExplicit(t *testing.T) {
	tests := []struct {
		name       string
		classifier Classifier
		timeout    time.Duration
		wantReason string
	}{
		{
			name:       "no classifier",
			classifier: nil,
			wantReason: ErrNoClassifier.Error(),
		},
		{
			name: "classifier error",
			classifier: classifierFunc(func(context.Context, []byte) (string, float64, error) {
				return "", 0, errors.New("connection refused")
			}),
			wantReason: "connection refused",
		},
		{
			name: "timeout",
			classifier: classifierFunc(func(ctx context.Context, _ []byte) (string, float64, error) {
				<-ctx.Done()
				return "", 0, ctx.Err()
			}),
			timeout:    10 * time.Millisecond,
			wantReason: context.DeadlineExceeded.Error(),
		},
		{
			name: "confidence out of range",
			classifier: classifierFunc(func(context.Context, []byte) (string, float64, error) {
				return "acne", 1.7, nil
			}),
			wantReason: "outside [0,1]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDetector(tt.classifier, Config{
				Timeout:  tt.timeout,
				Fallback: FixedFallback{Label: "dermatitis", Confidence: 0.85},
			})
			det := d.Detect(context.Background(), []byte("img"))
			if !det.IsFallback() {
				t.Fatalf("expected fallback, got %+v", det)
			}
			if det.Label != "dermatitis" || det.Confidence != 0.85 {
				t.Fatalf("unexpected fallback values: %+v", det)
			}
			if !strings.Contains(det.FallbackReason, tt.wantReason) {
				t.Fatalf("reason %q does not mention %q", det.FallbackReason, tt.wantReason)
			}
		})
	}
}

func TestRandomFallbackRange(t *testing.T) {
	r := NewRandomFallback(nil, 42)
	allowed := map[string]bool{}
	for _, l := range DefaultLabels {
		allowed[l] = true
	}

	for i := 0; i < 500; i++ {
		label, conf := r.Pick()
		if !allowed[label] {
			t.Fatalf("label %q outside label set", label)
		}
		if conf < 0.65 || conf > 0.90 {
			t.Fatalf("confidence %v outside [0.65, 0.90]", conf)
		}
		if scaled := conf * 100; math.Abs(scaled-math.Round(scaled)) > 1e-9 {
			t.Fatalf("confidence %v not rounded to two places", conf)
		}
	}
}

func TestDetectCachesOnlyModelResults(t *testing.T) {
	cache := newMemoryCache()
	calls := 0
	d := NewDetector(classifierFunc(func(context.Context, []byte) (string, float64, error) {
		calls++
		return "psoriasis", 0.6, nil
	}), Config{Cache: cache})

	first := d.Detect(context.Background(), []byte("same"))
	second := d.Detect(context.Background(), []byte("same"))
	if calls != 1 {
		t.Fatalf("expected one classifier call, got %d", calls)
	}
	if first.Cached || !second.Cached || second.Label != "psoriasis" {
		t.Fatalf("unexpected cache behaviour: %+v / %+v", first, second)
	}

	failing := NewDetector(classifierFunc(func(context.Context, []byte) (string, float64, error) {
		return "", 0, errors.New("down")
	}), Config{Cache: cache})
	failing.Detect(context.Background(), []byte("other"))
	if cache.sets != 1 {
		t.Fatalf("fallback result must not be cached, sets=%d", cache.sets)
	}
}

func TestDetectEmptyLabelIsPassedThrough(t *testing.T) {
	d := NewDetector(classifierFunc(func(context.Context, []byte) (string, float64, error) {
		return "", 0.9, nil
	}), Config{})

	det := d.Detect(context.Background(), []byte("img"))
	if det.Label != "" || det.IsFallback() {
		t.Fatalf("empty model label should not be masked: %+v", det)
	}
}
