// Package relay publishes accepted parcel events to Kafka. Events are written
// by the transition path into the outbox columns of the event log; the relay
// claims them in batches, publishes, and marks them published or schedules a
// retry.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/HandoffBox/internal/broker/messages"
	"github.com/BearBump/HandoffBox/internal/cache"
	"github.com/BearBump/HandoffBox/internal/models"
	"github.com/pkg/errors"
)

type Repository interface {
	ClaimUnpublishedEvents(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.OutboxEvent, error)
	MarkEventPublished(ctx context.Context, eventID uint64, at time.Time) error
	MarkEventFailed(ctx context.Context, eventID uint64, lastErr string, nextAttemptAt time.Time) error
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

var errRateLimited = errors.New("relay publish rate limit")

type Relay struct {
	repo     Repository
	producer Producer
	rl       RateLimiter

	topic string

	backoff *Backoff

	pollInterval       time.Duration
	batchSize          int
	concurrency        int
	lease              time.Duration
	rateLimitPerMinute int64
	publishAttempts    int
	publishRetryDelay  time.Duration

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalClaimed        atomic.Int64
	totalPublished      atomic.Int64
	totalErrors         atomic.Int64
	inFlight            atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(repo Repository, producer Producer, rl RateLimiter, topic string) *Relay {
	if topic == "" {
		topic = messages.TopicParcelStatusChanged
	}
	return &Relay{
		repo: repo, producer: producer, rl: rl, topic: topic,
		backoff:            NewBackoff(DefaultBackoffConfig(), nil),
		pollInterval:       2 * time.Second,
		batchSize:          100,
		concurrency:        10,
		lease:              30 * time.Second,
		rateLimitPerMinute: 600,
		publishAttempts:    3,
		publishRetryDelay:  150 * time.Millisecond,
		triggerCh:          make(chan struct{}, 1),
		startedAtUnixNano:  time.Now().UTC().UnixNano(),
	}
}

func (r *Relay) WithSettings(pollInterval time.Duration, batchSize, concurrency int, lease time.Duration, rlPerMin int64) *Relay {
	if pollInterval > 0 {
		r.pollInterval = pollInterval
	}
	if batchSize > 0 {
		r.batchSize = batchSize
	}
	if concurrency > 0 {
		r.concurrency = concurrency
	}
	if lease > 0 {
		r.lease = lease
	}
	if rlPerMin > 0 {
		r.rateLimitPerMinute = rlPerMin
	}
	return r
}

func (r *Relay) WithBackoff(cfg BackoffConfig) *Relay {
	r.backoff = NewBackoff(cfg, nil)
	return r
}

func (r *Relay) WithPublishRetry(attempts int, delay time.Duration) *Relay {
	if attempts > 0 {
		r.publishAttempts = attempts
	}
	if delay >= 0 {
		r.publishRetryDelay = delay
	}
	return r
}

// Trigger forces an immediate relay cycle (best-effort, non-blocking).
func (r *Relay) Trigger() {
	r.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case r.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt      time.Time  `json:"startedAt"`
	LastCycleAt    *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt  *time.Time `json:"lastTriggerAt,omitempty"`
	TotalClaimed   int64      `json:"totalClaimed"`
	TotalPublished int64      `json:"totalPublished"`
	TotalErrors    int64      `json:"totalErrors"`
	InFlight       int64      `json:"inFlight"`
	LastError      string     `json:"lastError,omitempty"`
}

func (r *Relay) Stats() Stats {
	st := Stats{
		StartedAt:      time.Unix(0, r.startedAtUnixNano).UTC(),
		TotalClaimed:   r.totalClaimed.Load(),
		TotalPublished: r.totalPublished.Load(),
		TotalErrors:    r.totalErrors.Load(),
		InFlight:       r.inFlight.Load(),
	}
	if n := r.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := r.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	r.lastErrorMu.Lock()
	st.LastError = r.lastError
	r.lastErrorMu.Unlock()
	return st
}

func (r *Relay) setLastError(err error) {
	r.lastErrorMu.Lock()
	r.lastError = err.Error()
	r.lastErrorMu.Unlock()
}

func (r *Relay) Run(ctx context.Context) error {
	t := time.NewTicker(r.pollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			r.runOnce(ctx)
		case <-r.triggerCh:
			r.runOnce(ctx)
		}
	}
}

// runOnce publishes one claimed batch. Events of one parcel are published
// sequentially in claim order; different parcels go in parallel.
func (r *Relay) runOnce(ctx context.Context) {
	now := time.Now().UTC()
	r.lastCycleUnixNano.Store(now.UnixNano())

	items, err := r.repo.ClaimUnpublishedEvents(ctx, now, r.batchSize, r.lease)
	if err != nil {
		slog.Error("claim unpublished events", "error", err.Error())
		r.setLastError(err)
		return
	}
	r.totalClaimed.Add(int64(len(items)))

	var (
		order    []string
		byParcel = make(map[string][]*models.OutboxEvent)
	)
	for _, it := range items {
		id := it.Event.ParcelID
		if _, ok := byParcel[id]; !ok {
			order = append(order, id)
		}
		byParcel[id] = append(byParcel[id], it)
	}

	sem := make(chan struct{}, r.concurrency)
	var wg sync.WaitGroup
	for _, id := range order {
		chain := byParcel[id]
		sem <- struct{}{}
		wg.Add(1)
		r.inFlight.Add(int64(len(chain)))
		go func() {
			defer func() {
				<-sem
				wg.Done()
			}()
			r.processChain(ctx, chain)
		}()
	}
	wg.Wait()
}

func (r *Relay) processChain(ctx context.Context, chain []*models.OutboxEvent) {
	for i, ev := range chain {
		err := r.processOne(ctx, ev)
		r.inFlight.Add(-1)
		if err == nil {
			continue
		}
		if errors.Is(err, errRateLimited) {
			// остаток цепочки вернётся после истечения lease
			r.inFlight.Add(-int64(len(chain) - i - 1))
			return
		}

		r.totalErrors.Add(1)
		r.setLastError(err)
		slog.Error("publish parcel event", "event_id", ev.Event.ID, "parcel_id", ev.Event.ParcelID, "error", err.Error())

		next := time.Now().UTC().Add(r.backoff.Delay(ev.Attempts + 1))
		if mErr := r.repo.MarkEventFailed(ctx, ev.Event.ID, err.Error(), next); mErr != nil {
			slog.Error("mark event failed", "event_id", ev.Event.ID, "error", mErr.Error())
		}
		// более поздние события посылки ждут это, иначе порядок нарушится
		for _, rest := range chain[i+1:] {
			r.inFlight.Add(-1)
			blocked := fmt.Sprintf("blocked by event %d", ev.Event.ID)
			if mErr := r.repo.MarkEventFailed(ctx, rest.Event.ID, blocked, next); mErr != nil {
				slog.Error("mark event failed", "event_id", rest.Event.ID, "error", mErr.Error())
			}
		}
		return
	}
}

func (r *Relay) processOne(ctx context.Context, ev *models.OutboxEvent) error {
	now := time.Now().UTC()

	if r.rl != nil && r.rateLimitPerMinute > 0 {
		allowed, n, err := r.rl.Allow(ctx, cache.RelayPublishKey(now), r.rateLimitPerMinute, 70*time.Second)
		if err != nil {
			return err
		}
		if !allowed {
			slog.Warn("relay rate limit exceeded", "count", n)
			return errRateLimited
		}
	}

	msg := messages.ParcelStatusChanged{
		EventID:      ev.Event.ID,
		ParcelID:     ev.Event.ParcelID,
		TrackingCode: ev.TrackingCode,
		FromStatus:   string(ev.Event.FromStatus),
		ToStatus:     string(ev.Event.ToStatus),
		ActorRef:     ev.Event.ActorRef,
		ActorRole:    string(ev.Event.ActorRole),
		Notes:        ev.Event.Notes,
		OccurredAt:   ev.Event.OccurredAt,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal kafka msg")
	}

	// Ключ — посылка: её события попадают в одну партицию по порядку.
	key := []byte(ev.Event.ParcelID)
	var pubErr error
	for i := 0; i < r.publishAttempts; i++ {
		if pubErr = r.producer.Publish(ctx, r.topic, key, b); pubErr == nil {
			break
		}
		if i+1 < r.publishAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(i+1) * r.publishRetryDelay):
			}
		}
	}
	if pubErr != nil {
		return pubErr
	}

	if err := r.repo.MarkEventPublished(ctx, ev.Event.ID, time.Now().UTC()); err != nil {
		// Kafka уже получила событие; повтор даст дубль, потребители
		// дедуплицируют по event_id.
		return errors.Wrap(err, "mark event published")
	}
	r.totalPublished.Add(1)
	return nil
}
