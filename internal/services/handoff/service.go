// Package handoff is the single write path for parcel status. Every accepted
// transition appends exactly one event and moves the status projection in
// the same unit of work; nothing else in the service writes status.
package handoff

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BearBump/HandoffBox/internal/apperrors"
	"github.com/BearBump/HandoffBox/internal/cache"
	"github.com/BearBump/HandoffBox/internal/codec"
	"github.com/BearBump/HandoffBox/internal/lifecycle"
	"github.com/BearBump/HandoffBox/internal/models"
)

type Repository interface {
	CreateParcels(ctx context.Context, items []models.ParcelCreateInput) ([]*models.Parcel, error)
	GetParcelsByIDs(ctx context.Context, ids []string) ([]*models.Parcel, error)
	GetParcel(ctx context.Context, id string) (*models.Parcel, error)
	GetParcelByTrackingCode(ctx context.Context, code string) (*models.Parcel, error)
	ApplyTransition(ctx context.Context, w models.TransitionWrite) (*models.ParcelEvent, error)
	ListParcelEvents(ctx context.Context, parcelID string, limit, offset int) ([]*models.ParcelEvent, error)
	ConsumePickupCode(ctx context.Context, parcelID string, at time.Time) error
}

type Service struct {
	repo       Repository
	cache      cache.BytesCache
	currentTTL time.Duration

	limiter cache.Limiter
	pickup  PickupSettings

	now func() time.Time
}

func New(repo Repository, c cache.BytesCache, currentTTL time.Duration) *Service {
	return &Service{
		repo:       repo,
		cache:      c,
		currentTTL: currentTTL,
		pickup:     DefaultPickupSettings(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) cacheEnabled() bool {
	return s.cache != nil && s.currentTTL > 0
}

// ApplyInput — запрос на смену статуса одной посылки.
type ApplyInput struct {
	ParcelID     string
	TargetStatus models.ParcelStatus
	ActorRole    models.ActorRole
	ActorRef     string
	Notes        *string

	// ExpectedStatus — статус, который видел клиент. Если задан и не
	// совпадает с текущим, это Conflict.
	ExpectedStatus models.ParcelStatus

	AssignedDriverRef *string
}

type Result struct {
	Parcel *models.Parcel
	// Event is nil for a no-op.
	Event *models.ParcelEvent
	NoOp  bool
}

// Apply moves one parcel to in.TargetStatus on behalf of the actor.
//
// Checks, in order: parcel exists (NotFound), client's expected status
// (Conflict), then lifecycle.Decide: already at target (no-op), terminal or
// undeclared edge (InvalidTransition), role on the edge (Forbidden). The
// write is guarded by the parcel version read here, so a concurrent writer
// turns this call into a Conflict instead of an overwrite.
func (s *Service) Apply(ctx context.Context, in ApplyInput) (Result, error) {
	if in.ParcelID == "" {
		return Result{}, apperrors.New(apperrors.CodeNotFound, "parcel id is required")
	}

	p, err := s.repo.GetParcel(ctx, in.ParcelID)
	if err != nil {
		return Result{}, err
	}
	return s.applyTo(ctx, p, in)
}

func (s *Service) applyTo(ctx context.Context, p *models.Parcel, in ApplyInput) (Result, error) {
	if in.ExpectedStatus != "" && in.ExpectedStatus != p.Status {
		return Result{}, apperrors.New(apperrors.CodeConflict,
			fmt.Sprintf("parcel %s is %s, expected %s", p.ID, p.Status, in.ExpectedStatus))
	}

	dec, err := lifecycle.Decide(p.Status, in.TargetStatus, in.ActorRole)
	if err != nil {
		return Result{}, err
	}
	if dec.NoOp {
		return Result{Parcel: p, NoOp: true}, nil
	}

	driver := in.AssignedDriverRef
	if driver == nil && in.ActorRole == models.RoleDriver && in.ActorRef != "" {
		driver = &in.ActorRef
	}

	ev, err := s.repo.ApplyTransition(ctx, models.TransitionWrite{
		ParcelID:          p.ID,
		ExpectedVersion:   p.Version,
		FromStatus:        dec.From,
		ToStatus:          dec.To,
		ActorRef:          in.ActorRef,
		ActorRole:         in.ActorRole,
		Notes:             in.Notes,
		AssignedDriverRef: driver,
	})
	if err != nil {
		return Result{}, err
	}

	next := *p
	next.Status = ev.ToStatus
	next.Version++
	next.StatusChangedAt = ev.OccurredAt
	next.UpdatedAt = ev.OccurredAt
	if driver != nil {
		d := *driver
		next.AssignedDriverRef = &d
	}

	s.invalidateCurrent(ctx, p.ID)

	slog.Info("parcel transition applied",
		"parcel_id", p.ID,
		"tracking_code", p.TrackingCode,
		"from", ev.FromStatus,
		"to", ev.ToStatus,
		"actor_role", in.ActorRole,
		"actor_ref", in.ActorRef,
		"event_id", ev.ID,
	)
	return Result{Parcel: &next, Event: ev}, nil
}

// ApplyByTrackingCode resolves the parcel by its tracking code first. The
// code goes through the codec, so a raw scan payload is accepted as is.
func (s *Service) ApplyByTrackingCode(ctx context.Context, trackingCode string, in ApplyInput) (Result, error) {
	code, err := codec.ParseTrackingCode(trackingCode)
	if err != nil {
		return Result{}, err
	}
	p, err := s.repo.GetParcelByTrackingCode(ctx, code)
	if err != nil {
		return Result{}, err
	}
	in.ParcelID = p.ID
	return s.applyTo(ctx, p, in)
}

func (s *Service) GetParcel(ctx context.Context, id string) (*models.Parcel, error) {
	ps, err := s.GetParcels(ctx, []string{id})
	if err != nil {
		if apperrors.IsCode(err, apperrors.CodeInvalidArgument) {
			return nil, apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("parcel %s not found", id))
		}
		return nil, err
	}
	if len(ps) == 0 {
		return nil, apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("parcel %s not found", id))
	}
	return ps[0], nil
}

func (s *Service) GetParcelByTrackingCode(ctx context.Context, code string) (*models.Parcel, error) {
	return s.repo.GetParcelByTrackingCode(ctx, code)
}

// GetParcels читает текущее состояние через кэш. Кэш best-effort:
// ошибки и битые значения считаются промахом.
func (s *Service) GetParcels(ctx context.Context, ids []string) ([]*models.Parcel, error) {
	if len(ids) == 0 {
		return []*models.Parcel{}, nil
	}
	if len(ids) > 1000 {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "too many ids (max 1000)")
	}

	miss := make([]string, 0, len(ids))
	got := make(map[string]*models.Parcel, len(ids))

	if s.cacheEnabled() {
		for _, id := range ids {
			b, ok, err := s.cache.Get(ctx, cache.CurrentStatusKey(id))
			if err != nil || !ok {
				miss = append(miss, id)
				continue
			}
			var p models.Parcel
			if json.Unmarshal(b, &p) != nil {
				miss = append(miss, id)
				continue
			}
			got[id] = &p
		}
	} else {
		miss = ids
	}

	if len(miss) > 0 {
		fromDB, err := s.repo.GetParcelsByIDs(ctx, miss)
		if err != nil {
			return nil, err
		}
		for _, p := range fromDB {
			got[p.ID] = p
			if s.cacheEnabled() {
				b, _ := json.Marshal(p)
				_ = s.cache.Set(ctx, cache.CurrentStatusKey(p.ID), b, s.currentTTL)
			}
		}
	}

	// Ответ в том же порядке, что ids.
	out := make([]*models.Parcel, 0, len(ids))
	for _, id := range ids {
		if p, ok := got[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Service) ListParcelEvents(ctx context.Context, parcelID string, limit, offset int) ([]*models.ParcelEvent, error) {
	return s.repo.ListParcelEvents(ctx, parcelID, limit, offset)
}

func (s *Service) invalidateCurrent(ctx context.Context, parcelID string) {
	if !s.cacheEnabled() {
		return
	}
	if err := s.cache.Delete(ctx, cache.CurrentStatusKey(parcelID)); err != nil {
		slog.Warn("current status cache invalidation failed", "parcel_id", parcelID, "error", err.Error())
	}
}
