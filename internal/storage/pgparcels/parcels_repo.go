package pgparcels

import (
	"context"
	"fmt"
	"time"

	"github.com/BearBump/HandoffBox/internal/apperrors"
	"github.com/BearBump/HandoffBox/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const parcelColumns = `
  id::text, tracking_code, status, version,
  sender_ref, recipient_name, recipient_phone,
  custody_partner_ref, custody_partner_ref2, assigned_driver_ref,
  pickup_code, pickup_code_used_at,
  payment_status, total_amount::text,
  status_changed_at, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanParcel(row scanner) (*models.Parcel, error) {
	var p models.Parcel
	var amount string
	if err := row.Scan(
		&p.ID, &p.TrackingCode, &p.Status, &p.Version,
		&p.SenderRef, &p.RecipientName, &p.RecipientPhone,
		&p.CustodyPartnerRef, &p.CustodyPartnerRef2, &p.AssignedDriverRef,
		&p.PickupCode, &p.PickupCodeUsedAt,
		&p.PaymentStatus, &amount,
		&p.StatusChangedAt, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, errors.Wrap(err, "parse total_amount")
	}
	p.TotalAmount = d
	return &p, nil
}

// CreateParcels inserts parcels at CREATED. A tracking code that already
// exists returns the stored parcel unchanged.
func (s *Storage) CreateParcels(ctx context.Context, items []models.ParcelCreateInput) ([]*models.Parcel, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ids := make([]string, 0, len(items))
	for _, it := range items {
		var id string
		err := tx.QueryRow(ctx, `
INSERT INTO parcels (
  id, tracking_code, status, version,
  sender_ref, recipient_name, recipient_phone,
  custody_partner_ref, custody_partner_ref2,
  pickup_code, payment_status, total_amount,
  status_changed_at, created_at, updated_at
)
VALUES ($1::uuid,$2,$3,0,$4,$5,$6,$7,$8,$9,$10,$11::numeric,$12,$12,$12)
ON CONFLICT (tracking_code)
DO UPDATE SET updated_at = parcels.updated_at
RETURNING id::text
`, uuid.NewString(), it.TrackingCode, models.StatusCreated,
			it.SenderRef, it.RecipientName, it.RecipientPhone,
			it.CustodyPartnerRef, it.CustodyPartnerRef2,
			it.PickupCode, it.PaymentStatus, it.TotalAmount.String(), now).Scan(&id)
		if err != nil {
			return nil, errors.Wrap(err, "insert parcel")
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}

	return s.GetParcelsByIDs(ctx, ids)
}

func (s *Storage) GetParcelsByIDs(ctx context.Context, ids []string) ([]*models.Parcel, error) {
	if len(ids) == 0 {
		return []*models.Parcel{}, nil
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		u, err := uuid.Parse(id)
		if err != nil {
			return nil, apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("parcel id %q is not a uuid", id))
		}
		keys = append(keys, u.String())
	}

	rows, err := s.db.Query(ctx, `SELECT `+parcelColumns+`
FROM parcels
WHERE id = ANY($1::text[]::uuid[])
`, ids)
	if err != nil {
		return nil, errors.Wrap(err, "select parcels")
	}
	defer rows.Close()

	byID := make(map[string]*models.Parcel, len(ids))
	for rows.Next() {
		p, err := scanParcel(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan parcel")
		}
		byID[p.ID] = p
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}

	// порядок запроса, а не порядок строк в таблице; отсутствующие пропускаем
	out := make([]*models.Parcel, 0, len(keys))
	for _, k := range keys {
		if p, ok := byID[k]; ok {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Storage) GetParcel(ctx context.Context, id string) (*models.Parcel, error) {
	ps, err := s.GetParcelsByIDs(ctx, []string{id})
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

func (s *Storage) GetParcelByTrackingCode(ctx context.Context, code string) (*models.Parcel, error) {
	p, err := scanParcel(s.db.QueryRow(ctx, `SELECT `+parcelColumns+`
FROM parcels
WHERE tracking_code = $1
`, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("tracking code %s not found", code))
	}
	if err != nil {
		return nil, errors.Wrap(err, "select parcel by tracking code")
	}
	return p, nil
}

// ConsumePickupCode marks the pickup code used. A second consumer loses.
func (s *Storage) ConsumePickupCode(ctx context.Context, parcelID string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
UPDATE parcels
SET pickup_code_used_at = $2, updated_at = now()
WHERE id = $1::uuid AND pickup_code_used_at IS NULL
`, parcelID, at.UTC())
	if err != nil {
		return errors.Wrap(err, "consume pickup code")
	}
	if tag.RowsAffected() == 0 {
		return apperrors.New(apperrors.CodeConflict, "pickup code already used")
	}
	return nil
}
