package handoff

import (
	"context"
	"fmt"

	"github.com/BearBump/HandoffBox/internal/lifecycle"
	"github.com/BearBump/HandoffBox/internal/models"
)

const auditPage = 500

type AuditReport struct {
	ParcelID   string              `json:"parcelId"`
	Status     models.ParcelStatus `json:"status"`
	EventCount int                 `json:"eventCount"`
	Consistent bool                `json:"consistent"`
	Violations []string            `json:"violations"`
}

// AuditParcel replays the event log of one parcel and checks it against the
// declared edges and the status projection.
func (s *Service) AuditParcel(ctx context.Context, parcelID string) (*AuditReport, error) {
	p, err := s.repo.GetParcel(ctx, parcelID)
	if err != nil {
		return nil, err
	}

	var events []*models.ParcelEvent
	for offset := 0; ; offset += auditPage {
		page, err := s.repo.ListParcelEvents(ctx, parcelID, auditPage, offset)
		if err != nil {
			return nil, err
		}
		events = append(events, page...)
		if len(page) < auditPage {
			break
		}
	}

	rep := &AuditReport{
		ParcelID:   p.ID,
		Status:     p.Status,
		EventCount: len(events),
		Violations: CheckEventWalk(p.Status, events),
	}
	rep.Consistent = len(rep.Violations) == 0
	return rep, nil
}

// CheckEventWalk returns every way events fail to be a walk over the declared
// edges starting at CREATED and ending at status.
func CheckEventWalk(status models.ParcelStatus, events []*models.ParcelEvent) []string {
	violations := []string{}
	prev := models.StatusCreated
	for i, e := range events {
		if e.FromStatus != prev {
			violations = append(violations, fmt.Sprintf("event %d: from %s, previous status was %s", e.ID, e.FromStatus, prev))
		}
		edge, ok := lifecycle.Lookup(e.FromStatus, e.ToStatus)
		switch {
		case !ok:
			violations = append(violations, fmt.Sprintf("event %d: %s -> %s is not a declared transition", e.ID, e.FromStatus, e.ToStatus))
		case !edge.Allows(e.ActorRole):
			violations = append(violations, fmt.Sprintf("event %d: role %s is not allowed on %s -> %s", e.ID, e.ActorRole, e.FromStatus, e.ToStatus))
		}
		if i > 0 && e.OccurredAt.Before(events[i-1].OccurredAt) {
			violations = append(violations, fmt.Sprintf("event %d: occurred before the previous event", e.ID))
		}
		prev = e.ToStatus
	}
	if prev != status {
		violations = append(violations, fmt.Sprintf("status is %s, event log ends at %s", status, prev))
	}
	return violations
}
