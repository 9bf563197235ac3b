package ai

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/pavit-health/backend/pkg/logger"
)

type Captioner interface {
	Caption(ctx context.Context, image []byte) (string, error)
}

type Classifier interface {
	Classify(ctx context.Context, image []byte) (string, float64, error)
}

// Lazy builds a value on first use and reuses it afterwards. A failed build
// is retried on the next call. Callers waiting on another caller's build
// give up when their own context ends.
type Lazy[T any] struct {
	name  string
	build func(ctx context.Context) (T, error)

	sem   chan struct{}
	value T
	ready atomic.Bool
}

func NewLazy[T any](name string, build func(ctx context.Context) (T, error)) *Lazy[T] {
	return &Lazy[T]{name: name, build: build, sem: make(chan struct{}, 1)}
}

func (l *Lazy[T]) Get(ctx context.Context) (T, error) {
	if l.ready.Load() {
		return l.value, nil
	}

	var zero T
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return zero, fmt.Errorf("waiting for %s: %w", l.name, ctx.Err())
	}
	defer func() { <-l.sem }()

	if l.ready.Load() {
		return l.value, nil
	}

	v, err := l.build(ctx)
	if err != nil {
		logger.Warn("Lazy initialization failed", zap.String("name", l.name), zap.Error(err))
		return zero, fmt.Errorf("failed to initialize %s: %w", l.name, err)
	}

	l.value = v
	l.ready.Store(true)
	logger.Info("Lazy initialization complete", zap.String("name", l.name))
	return v, nil
}

func (l *Lazy[T]) Ready() bool {
	return l.ready.Load()
}

type LazyCaptioner struct {
	*Lazy[Captioner]
}

func NewLazyCaptioner(name string, build func(ctx context.Context) (Captioner, error)) *LazyCaptioner {
	return &LazyCaptioner{NewLazy(name, build)}
}

func (l *LazyCaptioner) Caption(ctx context.Context, image []byte) (string, error) {
	c, err := l.Get(ctx)
	if err != nil {
		return "", err
	}
	return c.Caption(ctx, image)
}

type LazyClassifier struct {
	*Lazy[Classifier]
}

func NewLazyClassifier(name string, build func(ctx context.Context) (Classifier, error)) *LazyClassifier {
	return &LazyClassifier{NewLazy(name, build)}
}

func (l *LazyClassifier) Classify(ctx context.Context, image []byte) (string, float64, error) {
	c, err := l.Get(ctx)
	if err != nil {
		return "", 0, err
	}
	return c.Classify(ctx, image)
}
