package cache

import (
	"context"
	"fmt"
	"time"
)

// BytesCache — best-effort кэш: ошибки чтения трактуются как промах.
type BytesCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Limiter считает попытки в фиксированном окне.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
	Reset(ctx context.Context, key string) error
}

func CurrentStatusKey(parcelID string) string {
	return fmt.Sprintf("parcel:%s:current", parcelID)
}

func PickupAttemptsKey(parcelID string) string {
	return fmt.Sprintf("rl:pickup:%s", parcelID)
}

func RelayPublishKey(minute time.Time) string {
	return fmt.Sprintf("rl:relay:publish:%s", minute.UTC().Format("200601021504"))
}
