package scansession

import (
	"context"
	"log/slog"
	"sync"

	"github.com/BearBump/HandoffBox/internal/apperrors"
	"github.com/BearBump/HandoffBox/internal/lifecycle"
	"github.com/BearBump/HandoffBox/internal/models"
	"github.com/BearBump/HandoffBox/internal/services/handoff"
)

// Applier is the single-parcel write path.
type Applier interface {
	GetParcelByTrackingCode(ctx context.Context, code string) (*models.Parcel, error)
	Apply(ctx context.Context, in handoff.ApplyInput) (handoff.Result, error)
}

type ParcelOutcome struct {
	TrackingCode string              `json:"trackingCode"`
	ParcelID     string              `json:"parcelId,omitempty"`
	FromStatus   models.ParcelStatus `json:"fromStatus,omitempty"`
	ToStatus     models.ParcelStatus `json:"toStatus,omitempty"`
	EventID      uint64              `json:"eventId,omitempty"`
	OK           bool                `json:"ok"`
	Code         apperrors.Code      `json:"code,omitempty"`
	Message      string              `json:"message,omitempty"`
}

type CommitResult struct {
	Outcomes  []ParcelOutcome `json:"outcomes"`
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`
	// Skipped lists codes not attempted because the commit was cancelled.
	Skipped []string `json:"skipped"`
}

type Committer struct {
	applier     Applier
	concurrency int
}

func NewCommitter(a Applier) *Committer {
	return &Committer{applier: a, concurrency: 8}
}

func (c *Committer) WithConcurrency(n int) *Committer {
	if n > 0 {
		c.concurrency = n
	}
	return c
}

// Commit applies the next transition for every scanned parcel. Each parcel is
// independent: a failure is recorded in its outcome and the rest continue.
// The next status is resolved per parcel from its current status, so one
// batch may mix parcels at different stages.
//
// If ctx is cancelled, parcels not yet started are reported as skipped and
// ctx.Err() is returned; transitions already committed stay committed.
func (c *Committer) Commit(ctx context.Context, s *Session, role models.ActorRole, actorRef string) (CommitResult, error) {
	codes := s.Scanned()
	res := CommitResult{
		Outcomes: make([]ParcelOutcome, len(codes)),
		Skipped:  []string{},
	}
	started := make([]bool, len(codes))

	var (
		wg        sync.WaitGroup
		sem       = make(chan struct{}, c.concurrency)
		cancelled bool
	)
	for i, code := range codes {
		select {
		case <-ctx.Done():
			cancelled = true
		case sem <- struct{}{}:
			// select выбирает случайно, если готовы оба канала
			if ctx.Err() != nil {
				<-sem
				cancelled = true
			}
		}
		if cancelled {
			break
		}
		started[i] = true
		wg.Add(1)
		go func(i int, code string) {
			defer func() {
				<-sem
				wg.Done()
			}()
			res.Outcomes[i] = c.commitOne(ctx, s.Kind, code, role, actorRef)
		}(i, code)
	}
	wg.Wait()

	out := res.Outcomes[:0]
	for i, o := range res.Outcomes {
		if !started[i] {
			res.Skipped = append(res.Skipped, codes[i])
			continue
		}
		if o.OK {
			res.Succeeded++
		} else {
			res.Failed++
		}
		out = append(out, o)
	}
	res.Outcomes = out

	slog.Info("scan session committed",
		"session_id", s.ID,
		"kind", s.Kind,
		"actor_ref", actorRef,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"skipped", len(res.Skipped),
	)
	if cancelled {
		return res, ctx.Err()
	}
	return res, nil
}

func (c *Committer) commitOne(ctx context.Context, kind models.OperationKind, code string, role models.ActorRole, actorRef string) ParcelOutcome {
	o := ParcelOutcome{TrackingCode: code}
	fail := func(err error) ParcelOutcome {
		o.Code = apperrors.CodeOf(err)
		o.Message = err.Error()
		return o
	}

	p, err := c.applier.GetParcelByTrackingCode(ctx, code)
	if err != nil {
		return fail(err)
	}
	o.ParcelID = p.ID
	o.FromStatus = p.Status

	next, err := lifecycle.Next(p.Status, kind, role)
	if err != nil {
		return fail(err)
	}

	r, err := c.applier.Apply(ctx, handoff.ApplyInput{
		ParcelID:       p.ID,
		TargetStatus:   next,
		ActorRole:      role,
		ActorRef:       actorRef,
		ExpectedStatus: p.Status,
	})
	if err != nil {
		return fail(err)
	}
	o.OK = true
	o.ToStatus = r.Parcel.Status
	if r.Event != nil {
		o.EventID = r.Event.ID
	}
	return o
}
