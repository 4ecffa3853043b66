package pgparcels

import (
	"context"
	"time"

	"github.com/BearBump/HandoffBox/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// ClaimUnpublishedEvents выбирает пачку событий, ещё не отправленных в Kafka,
// и "бронирует" их на время lease, чтобы параллельный relay их не взял.
// Использует SELECT ... FOR UPDATE SKIP LOCKED.
// Событие не выдаётся, пока более раннее событие той же посылки ждёт
// повтора или под lease: порядок по посылке сохраняется.
func (s *Storage) ClaimUnpublishedEvents(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.OutboxEvent, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
SELECT
  e.id, e.parcel_id::text, e.from_status, e.to_status,
  e.actor_ref, e.actor_role, e.notes, e.occurred_at,
  e.publish_attempts, p.tracking_code
FROM parcel_events e
JOIN parcels p ON p.id = e.parcel_id
WHERE e.published_at IS NULL
  AND e.next_publish_at <= $1
  AND NOT EXISTS (
    SELECT 1 FROM parcel_events x
    WHERE x.parcel_id = e.parcel_id
      AND x.published_at IS NULL
      AND x.id < e.id
      AND x.next_publish_at > $1
  )
ORDER BY e.occurred_at ASC, e.id ASC
LIMIT $2
FOR UPDATE OF e SKIP LOCKED
`, now.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "select unpublished events")
	}
	defer rows.Close()

	var picked []*models.OutboxEvent
	for rows.Next() {
		var o models.OutboxEvent
		e := &o.Event
		if err := rows.Scan(
			&e.ID, &e.ParcelID, &e.FromStatus, &e.ToStatus,
			&e.ActorRef, &e.ActorRole, &e.Notes, &e.OccurredAt,
			&o.Attempts, &o.TrackingCode,
		); err != nil {
			return nil, errors.Wrap(err, "scan unpublished event")
		}
		picked = append(picked, &o)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}

	leaseUntil := now.UTC().Add(lease)
	for _, o := range picked {
		_, err := tx.Exec(ctx, `UPDATE parcel_events SET next_publish_at = $2 WHERE id = $1`, o.Event.ID, leaseUntil)
		if err != nil {
			return nil, errors.Wrap(err, "lease event")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return picked, nil
}

func (s *Storage) MarkEventPublished(ctx context.Context, eventID uint64, at time.Time) error {
	_, err := s.db.Exec(ctx, `
UPDATE parcel_events
SET published_at = $2, publish_attempts = publish_attempts + 1, last_publish_error = NULL
WHERE id = $1
`, eventID, at.UTC())
	return errors.Wrap(err, "mark event published")
}

func (s *Storage) MarkEventFailed(ctx context.Context, eventID uint64, lastErr string, nextAttemptAt time.Time) error {
	_, err := s.db.Exec(ctx, `
UPDATE parcel_events
SET publish_attempts = publish_attempts + 1, last_publish_error = $2, next_publish_at = $3
WHERE id = $1
`, eventID, lastErr, nextAttemptAt.UTC())
	return errors.Wrap(err, "mark event failed")
}
