// Package memparcels is an in-process parcel registry and event log with the
// same contract as pgparcels. It backs the "memory" storage mode and tests.
package memparcels

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BearBump/HandoffBox/internal/apperrors"
	"github.com/BearBump/HandoffBox/internal/models"
	"github.com/google/uuid"
)

type outboxState struct {
	publishedAt   *time.Time
	attempts      int32
	nextPublishAt time.Time
	lastError     *string
}

type Storage struct {
	mu sync.Mutex

	now func() time.Time

	parcels  map[string]*models.Parcel
	byCode   map[string]string
	events   []*models.ParcelEvent
	outbox   map[uint64]*outboxState
	nextEvID uint64
}

func New() *Storage {
	return &Storage{
		now:     func() time.Time { return time.Now().UTC() },
		parcels: make(map[string]*models.Parcel),
		byCode:  make(map[string]string),
		outbox:  make(map[uint64]*outboxState),
	}
}

// WithClock replaces the time source. Used by tests to force clock skew.
func (s *Storage) WithClock(now func() time.Time) *Storage {
	s.now = now
	return s
}

func (s *Storage) Ping(ctx context.Context) error { return nil }

func (s *Storage) Close() {}

func clone(p *models.Parcel) *models.Parcel {
	cp := *p
	return &cp
}

func (s *Storage) CreateParcels(ctx context.Context, items []models.ParcelCreateInput) ([]*models.Parcel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make([]*models.Parcel, 0, len(items))
	for _, it := range items {
		if id, ok := s.byCode[it.TrackingCode]; ok {
			out = append(out, clone(s.parcels[id]))
			continue
		}
		p := &models.Parcel{
			ID:                 uuid.NewString(),
			TrackingCode:       it.TrackingCode,
			Status:             models.StatusCreated,
			SenderRef:          it.SenderRef,
			RecipientName:      it.RecipientName,
			RecipientPhone:     it.RecipientPhone,
			CustodyPartnerRef:  it.CustodyPartnerRef,
			CustodyPartnerRef2: it.CustodyPartnerRef2,
			PickupCode:         it.PickupCode,
			PaymentStatus:      it.PaymentStatus,
			TotalAmount:        it.TotalAmount,
			StatusChangedAt:    now,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		s.parcels[p.ID] = p
		s.byCode[p.TrackingCode] = p.ID
		out = append(out, clone(p))
	}
	return out, nil
}

func (s *Storage) GetParcelsByIDs(ctx context.Context, ids []string) ([]*models.Parcel, error) {
	for _, id := range ids {
		if _, err := uuid.Parse(id); err != nil {
			return nil, apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("parcel id %q is not a uuid", id))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.Parcel, 0, len(ids))
	for _, id := range ids {
		if p, ok := s.parcels[id]; ok {
			out = append(out, clone(p))
		}
	}
	return out, nil
}

func (s *Storage) GetParcel(ctx context.Context, id string) (*models.Parcel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.parcels[id]
	if !ok {
		return nil, apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("parcel %s not found", id))
	}
	return clone(p), nil
}

func (s *Storage) GetParcelByTrackingCode(ctx context.Context, code string) (*models.Parcel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byCode[code]
	if !ok {
		return nil, apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("tracking code %s not found", code))
	}
	return clone(s.parcels[id]), nil
}

func (s *Storage) ConsumePickupCode(ctx context.Context, parcelID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.parcels[parcelID]
	if !ok || p.PickupCodeUsedAt != nil {
		return apperrors.New(apperrors.CodeConflict, "pickup code already used")
	}
	t := at.UTC()
	p.PickupCodeUsedAt = &t
	p.UpdatedAt = s.now()
	return nil
}

func (s *Storage) ApplyTransition(ctx context.Context, w models.TransitionWrite) (*models.ParcelEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.parcels[w.ParcelID]
	if !ok {
		return nil, apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("parcel %s not found", w.ParcelID))
	}
	if p.Version != w.ExpectedVersion || p.Status != w.FromStatus {
		return nil, apperrors.New(apperrors.CodeConflict, fmt.Sprintf("parcel %s changed concurrently", w.ParcelID))
	}

	at := s.now()
	if at.Before(p.StatusChangedAt) {
		at = p.StatusChangedAt
	}

	s.nextEvID++
	ev := &models.ParcelEvent{
		ID:         s.nextEvID,
		ParcelID:   w.ParcelID,
		FromStatus: w.FromStatus,
		ToStatus:   w.ToStatus,
		ActorRef:   w.ActorRef,
		ActorRole:  w.ActorRole,
		Notes:      w.Notes,
		OccurredAt: at,
	}
	s.events = append(s.events, ev)
	s.outbox[ev.ID] = &outboxState{nextPublishAt: at}

	p.Status = w.ToStatus
	p.Version++
	p.StatusChangedAt = at
	p.UpdatedAt = at
	if w.AssignedDriverRef != nil {
		d := *w.AssignedDriverRef
		p.AssignedDriverRef = &d
	}

	cp := *ev
	return &cp, nil
}

func (s *Storage) ListParcelEvents(ctx context.Context, parcelID string, limit, offset int) ([]*models.ParcelEvent, error) {
	switch {
	case limit <= 0:
		limit = 100
	case limit > 500:
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*models.ParcelEvent
	for _, e := range s.events {
		if e.ParcelID == parcelID {
			cp := *e
			all = append(all, &cp)
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].OccurredAt.Equal(all[j].OccurredAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].OccurredAt.Before(all[j].OccurredAt)
	})
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *Storage) ClaimUnpublishedEvents(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var picked []*models.OutboxEvent
	blocked := make(map[string]bool)
	for _, e := range s.events {
		if len(picked) >= limit {
			break
		}
		st := s.outbox[e.ID]
		if st.publishedAt != nil {
			continue
		}
		if blocked[e.ParcelID] || st.nextPublishAt.After(now) {
			// более поздние события посылки ждут это
			blocked[e.ParcelID] = true
			continue
		}
		st.nextPublishAt = now.Add(lease)
		picked = append(picked, &models.OutboxEvent{
			Event:        *e,
			TrackingCode: s.parcels[e.ParcelID].TrackingCode,
			Attempts:     st.attempts,
		})
	}
	return picked, nil
}

func (s *Storage) MarkEventPublished(ctx context.Context, eventID uint64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.outbox[eventID]; ok {
		t := at
		st.publishedAt = &t
		st.attempts++
		st.lastError = nil
	}
	return nil
}

func (s *Storage) MarkEventFailed(ctx context.Context, eventID uint64, lastErr string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.outbox[eventID]; ok {
		st.attempts++
		st.lastError = &lastErr
		st.nextPublishAt = nextAttemptAt
	}
	return nil
}
