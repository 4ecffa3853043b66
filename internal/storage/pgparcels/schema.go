package pgparcels

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS parcels (
  id UUID PRIMARY KEY,
  tracking_code TEXT NOT NULL UNIQUE,
  status TEXT NOT NULL,
  version BIGINT NOT NULL DEFAULT 0,
  sender_ref TEXT NOT NULL,
  recipient_name TEXT NOT NULL,
  recipient_phone TEXT NOT NULL,
  custody_partner_ref TEXT NULL,
  custody_partner_ref2 TEXT NULL,
  assigned_driver_ref TEXT NULL,
  pickup_code TEXT NOT NULL,
  pickup_code_used_at TIMESTAMPTZ NULL,
  payment_status TEXT NOT NULL,
  total_amount NUMERIC(14,2) NOT NULL DEFAULT 0,
  status_changed_at TIMESTAMPTZ NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_parcels_status ON parcels(status)`,
		// Журнал только дописывается: ни UPDATE статусов, ни DELETE.
		`
CREATE TABLE IF NOT EXISTS parcel_events (
  id BIGSERIAL PRIMARY KEY,
  parcel_id UUID NOT NULL REFERENCES parcels(id) ON DELETE RESTRICT,
  from_status TEXT NOT NULL,
  to_status TEXT NOT NULL,
  actor_ref TEXT NOT NULL,
  actor_role TEXT NOT NULL,
  notes TEXT NULL,
  occurred_at TIMESTAMPTZ NOT NULL,
  published_at TIMESTAMPTZ NULL,
  publish_attempts INT NOT NULL DEFAULT 0,
  next_publish_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  last_publish_error TEXT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  CHECK (from_status <> to_status)
)`,
		`CREATE INDEX IF NOT EXISTS idx_parcel_events_parcel_id_occurred_at ON parcel_events(parcel_id, occurred_at, id)`,
		`CREATE INDEX IF NOT EXISTS idx_parcel_events_unpublished ON parcel_events(next_publish_at) WHERE published_at IS NULL`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
