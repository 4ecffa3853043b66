package scansession

import (
	"context"
	"log/slog"
	"time"

	"github.com/BearBump/HandoffBox/internal/apperrors"
	"github.com/BearBump/HandoffBox/internal/integrations/manifest"
	"github.com/BearBump/HandoffBox/internal/models"
	"github.com/pkg/errors"
)

type StartInput struct {
	Kind      models.OperationKind
	ActorRef  string
	ActorRole models.ActorRole

	// Expected wins over ManifestLocation when both are set.
	Expected         []string
	ManifestLocation string
}

// Engine serves sessions for many actors: it owns the registry, resolves
// manifests and commits through the Committer.
type Engine struct {
	reg       *Registry
	committer *Committer
	manifests manifest.Source
}

func NewEngine(reg *Registry, committer *Committer, manifests manifest.Source) *Engine {
	return &Engine{reg: reg, committer: committer, manifests: manifests}
}

func (e *Engine) Start(ctx context.Context, in StartInput) (*Session, error) {
	if in.ActorRef == "" {
		return nil, apperrors.New(apperrors.CodeForbidden, "actor ref is required")
	}
	if !in.ActorRole.Valid() {
		return nil, apperrors.New(apperrors.CodeForbidden, "unknown actor role")
	}

	expected := in.Expected
	if len(expected) == 0 && in.ManifestLocation != "" {
		if e.manifests == nil {
			return nil, apperrors.New(apperrors.CodeUnsupported, "manifest source is not configured")
		}
		codes, err := e.manifests.Expected(ctx, in.ManifestLocation, in.ActorRef)
		if err != nil {
			return nil, errors.Wrap(err, "load manifest")
		}
		expected = codes
	}

	s, err := Start(in.Kind, expected)
	if err != nil {
		return nil, err
	}
	s.ActorRef = in.ActorRef
	s.ActorRole = in.ActorRole
	e.reg.Put(s)

	slog.Info("scan session started",
		"session_id", s.ID,
		"kind", s.Kind,
		"actor_ref", s.ActorRef,
		"expected", s.ExpectedCount(),
		"manifest_location", in.ManifestLocation,
	)
	return s, nil
}

func (e *Engine) Scan(id, actorRef, raw string) (ScanResult, error) {
	s, err := e.reg.Get(id, actorRef)
	if err != nil {
		return ScanResult{}, err
	}
	return s.Scan(raw)
}

func (e *Engine) Reconcile(id, actorRef string) (Report, error) {
	s, err := e.reg.Get(id, actorRef)
	if err != nil {
		return Report{}, err
	}
	return s.Reconcile(), nil
}

// Commit discards the session and commits its scans with the role the
// session was started with.
func (e *Engine) Commit(ctx context.Context, id, actorRef string) (CommitResult, error) {
	s, err := e.reg.Take(id, actorRef)
	if err != nil {
		return CommitResult{}, err
	}
	return e.committer.Commit(ctx, s, s.ActorRole, s.ActorRef)
}

func (e *Engine) Discard(id, actorRef string) error {
	s, err := e.reg.Take(id, actorRef)
	if err != nil {
		return err
	}
	slog.Info("scan session discarded", "session_id", s.ID, "scanned", len(s.Scanned()))
	return nil
}

// RunSweeper drops expired sessions until ctx is done.
func (e *Engine) RunSweeper(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := e.reg.Sweep(); n > 0 {
				slog.Info("expired scan sessions dropped", "count", n)
			}
		}
	}
}
