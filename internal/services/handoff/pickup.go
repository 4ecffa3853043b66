package handoff

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"time"

	"github.com/BearBump/HandoffBox/internal/apperrors"
	"github.com/BearBump/HandoffBox/internal/cache"
	"github.com/BearBump/HandoffBox/internal/codec"
	"github.com/BearBump/HandoffBox/internal/models"
	"github.com/pkg/errors"
)

type PickupCodePolicy string

const (
	// PickupCodeReusable — код действует, пока посылка в выдаваемом статусе.
	PickupCodeReusable PickupCodePolicy = "reusable"
	// PickupCodeSingleUse — код гасится первой успешной проверкой.
	PickupCodeSingleUse PickupCodePolicy = "single_use"
)

func (p PickupCodePolicy) Valid() bool {
	return p == PickupCodeReusable || p == PickupCodeSingleUse
}

type PickupSettings struct {
	Policy        PickupCodePolicy
	MaxAttempts   int64
	AttemptWindow time.Duration
}

func DefaultPickupSettings() PickupSettings {
	return PickupSettings{
		Policy:        PickupCodeReusable,
		MaxAttempts:   5,
		AttemptWindow: 15 * time.Minute,
	}
}

// WithPickupCodes configures pickup code verification. A nil limiter
// disables attempt limiting.
func (s *Service) WithPickupCodes(l cache.Limiter, st PickupSettings) *Service {
	s.limiter = l
	if st.Policy.Valid() {
		s.pickup.Policy = st.Policy
	}
	if st.MaxAttempts > 0 {
		s.pickup.MaxAttempts = st.MaxAttempts
	}
	if st.AttemptWindow > 0 {
		s.pickup.AttemptWindow = st.AttemptWindow
	}
	return s
}

func pickupEligible(st models.ParcelStatus) bool {
	switch st {
	case models.StatusPickupReady, models.StatusAssignedToDriver, models.StatusOutForDelivery:
		return true
	}
	return false
}

// VerifyPickupCode proves right-of-collection for the parcel with the given
// tracking code. It never changes the parcel status.
func (s *Service) VerifyPickupCode(ctx context.Context, trackingCode, code string) (*models.Parcel, error) {
	tc, err := codec.ParseTrackingCode(trackingCode)
	if err != nil {
		return nil, err
	}
	ref, err := codec.Parse(code)
	if err != nil {
		return nil, err
	}
	if ref.Class != codec.ClassPickupCode {
		return nil, apperrors.New(apperrors.CodeUnsupported, fmt.Sprintf("payload is %s, not a pickup code", ref.Class))
	}

	p, err := s.repo.GetParcelByTrackingCode(ctx, tc)
	if err != nil {
		return nil, err
	}
	if !pickupEligible(p.Status) {
		return nil, apperrors.New(apperrors.CodeInvalidTransition, fmt.Sprintf("parcel is %s, not ready for pickup", p.Status))
	}
	if s.pickup.Policy == PickupCodeSingleUse && p.PickupCodeUsedAt != nil {
		return nil, apperrors.New(apperrors.CodeForbidden, "pickup code already used")
	}

	key := cache.PickupAttemptsKey(p.ID)
	if s.limiter != nil {
		ok, n, err := s.limiter.Allow(ctx, key, s.pickup.MaxAttempts, s.pickup.AttemptWindow)
		if err != nil {
			return nil, errors.Wrap(err, "pickup attempts")
		}
		if !ok {
			slog.Warn("pickup code attempts exceeded", "parcel_id", p.ID, "attempts", n)
			return nil, apperrors.New(apperrors.CodeRateLimited, "too many pickup code attempts, try later")
		}
	}

	if subtle.ConstantTimeCompare([]byte(ref.Value), []byte(p.PickupCode)) != 1 {
		return nil, apperrors.New(apperrors.CodeForbidden, "pickup code does not match")
	}

	if s.limiter != nil {
		_ = s.limiter.Reset(ctx, key)
	}

	if s.pickup.Policy == PickupCodeSingleUse {
		at := s.now()
		if err := s.repo.ConsumePickupCode(ctx, p.ID, at); err != nil {
			if apperrors.IsCode(err, apperrors.CodeConflict) {
				return nil, apperrors.New(apperrors.CodeForbidden, "pickup code already used")
			}
			return nil, err
		}
		p.PickupCodeUsedAt = &at
		s.invalidateCurrent(ctx, p.ID)
	}
	return p, nil
}
