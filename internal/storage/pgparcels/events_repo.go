package pgparcels

import (
	"context"
	"fmt"
	"time"

	"github.com/BearBump/HandoffBox/internal/apperrors"
	"github.com/BearBump/HandoffBox/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// ApplyTransition appends the event and moves the status projection in one
// transaction. The projection update is conditional on the version and
// status the caller decided against; if another writer got there first the
// update matches no row and the whole unit is rolled back as a conflict.
func (s *Storage) ApplyTransition(ctx context.Context, w models.TransitionWrite) (*models.ParcelEvent, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var occurredAt time.Time
	err = tx.QueryRow(ctx, `
UPDATE parcels
SET
  status = $4,
  version = version + 1,
  assigned_driver_ref = COALESCE($5, assigned_driver_ref),
  status_changed_at = GREATEST(clock_timestamp(), status_changed_at),
  updated_at = now()
WHERE id = $1::uuid AND version = $2 AND status = $3
RETURNING status_changed_at
`, w.ParcelID, w.ExpectedVersion, w.FromStatus, w.ToStatus, w.AssignedDriverRef).Scan(&occurredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM parcels WHERE id = $1::uuid)`, w.ParcelID).Scan(&exists); err != nil {
			return nil, errors.Wrap(err, "check parcel exists")
		}
		if !exists {
			return nil, apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("parcel %s not found", w.ParcelID))
		}
		return nil, apperrors.New(apperrors.CodeConflict, fmt.Sprintf("parcel %s changed concurrently", w.ParcelID))
	}
	if err != nil {
		return nil, errors.Wrap(err, "update parcel status")
	}

	ev := &models.ParcelEvent{
		ParcelID:   w.ParcelID,
		FromStatus: w.FromStatus,
		ToStatus:   w.ToStatus,
		ActorRef:   w.ActorRef,
		ActorRole:  w.ActorRole,
		Notes:      w.Notes,
		OccurredAt: occurredAt,
	}
	err = tx.QueryRow(ctx, `
INSERT INTO parcel_events (
  parcel_id, from_status, to_status, actor_ref, actor_role, notes, occurred_at, next_publish_at, created_at
)
VALUES ($1::uuid,$2,$3,$4,$5,$6,$7,$7, now())
RETURNING id
`, w.ParcelID, w.FromStatus, w.ToStatus, w.ActorRef, w.ActorRole, w.Notes, occurredAt).Scan(&ev.ID)
	if err != nil {
		return nil, errors.Wrap(err, "insert parcel event")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return ev, nil
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

	rows, err := s.db.Query(ctx, `
SELECT
  id, parcel_id::text, from_status, to_status,
  actor_ref, actor_role, notes, occurred_at
FROM parcel_events
WHERE parcel_id = $1::uuid
ORDER BY occurred_at ASC, id ASC
LIMIT $2 OFFSET $3
`, parcelID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select events")
	}
	defer rows.Close()

	var out []*models.ParcelEvent
	for rows.Next() {
		var e models.ParcelEvent
		if err := rows.Scan(
			&e.ID, &e.ParcelID, &e.FromStatus, &e.ToStatus,
			&e.ActorRef, &e.ActorRole, &e.Notes, &e.OccurredAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		out = append(out, &e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
