package handoff

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BearBump/HandoffBox/internal/apperrors"
	"github.com/BearBump/HandoffBox/internal/broker/messages"
	"github.com/BearBump/HandoffBox/internal/codec"
	"github.com/BearBump/HandoffBox/internal/models"
	"github.com/pkg/errors"
)

const maxCreateBatch = 10_000

// CreateParcels registers new parcels at CREATED. Tracking codes are
// normalized and must classify as parcel codes; duplicates inside the batch
// collapse to one, and codes already registered return the existing parcel.
func (s *Service) CreateParcels(ctx context.Context, items []models.ParcelCreateInput) ([]*models.Parcel, error) {
	if len(items) == 0 {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "items is empty")
	}
	if len(items) > maxCreateBatch {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("too many items (max %d)", maxCreateBatch))
	}

	clean := make([]models.ParcelCreateInput, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for i, it := range items {
		c, err := normalizeCreateInput(it)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeOf(err), fmt.Sprintf("item %d", i), err)
		}
		if _, ok := seen[c.TrackingCode]; ok {
			continue
		}
		seen[c.TrackingCode] = struct{}{}
		clean = append(clean, c)
	}

	return s.repo.CreateParcels(ctx, clean)
}

func normalizeCreateInput(it models.ParcelCreateInput) (models.ParcelCreateInput, error) {
	code, err := codec.ParseTrackingCode(it.TrackingCode)
	if err != nil {
		return it, err
	}
	it.TrackingCode = code

	if it.SenderRef == "" {
		return it, apperrors.New(apperrors.CodeInvalidArgument, "senderRef is required")
	}

	if it.CustodyPartnerRef, err = normalizePartnerRef(it.CustodyPartnerRef); err != nil {
		return it, err
	}
	if it.CustodyPartnerRef2, err = normalizePartnerRef(it.CustodyPartnerRef2); err != nil {
		return it, err
	}

	if it.PickupCode == "" {
		pc, err := codec.NewPickupCode()
		if err != nil {
			return it, errors.Wrap(err, "generate pickup code")
		}
		it.PickupCode = pc
	} else {
		it.PickupCode = codec.Normalize(it.PickupCode)
		if !codec.IsPickupCode(it.PickupCode) {
			return it, apperrors.New(apperrors.CodeMalformed, "pickupCode must be 6 digits")
		}
	}

	switch it.PaymentStatus {
	case "":
		it.PaymentStatus = models.PaymentStatusUnpaid
	case models.PaymentStatusUnpaid, models.PaymentStatusPaid, models.PaymentStatusRefunded:
	default:
		return it, apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("unknown paymentStatus %q", it.PaymentStatus))
	}
	if it.TotalAmount.IsNegative() {
		return it, apperrors.New(apperrors.CodeInvalidArgument, "totalAmount must not be negative")
	}
	return it, nil
}

func normalizePartnerRef(ref *string) (*string, error) {
	if ref == nil {
		return nil, nil
	}
	v := codec.Normalize(*ref)
	if !codec.IsPartnerID(v) {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("partner ref %q is not a partner identifier", *ref))
	}
	return &v, nil
}

// ApplyParcelCreated handles one parcel.created message.
func (s *Service) ApplyParcelCreated(ctx context.Context, msg messages.ParcelCreated) error {
	if msg.TrackingCode == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "tracking_code is required")
	}
	ps, err := s.CreateParcels(ctx, []models.ParcelCreateInput{{
		TrackingCode:       msg.TrackingCode,
		SenderRef:          msg.SenderRef,
		RecipientName:      msg.RecipientName,
		RecipientPhone:     msg.RecipientPhone,
		CustodyPartnerRef:  msg.DropoffPartnerRef,
		CustodyPartnerRef2: msg.PickupPartnerRef,
		PickupCode:         msg.PickupCode,
		PaymentStatus:      models.PaymentStatus(msg.PaymentStatus),
		TotalAmount:        msg.TotalAmount,
	}})
	if err != nil {
		return err
	}
	if len(ps) == 1 {
		slog.Info("parcel registered", "parcel_id", ps[0].ID, "tracking_code", ps[0].TrackingCode, "status", ps[0].Status)
	}
	return nil
}
