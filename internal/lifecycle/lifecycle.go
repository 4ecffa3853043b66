// Package lifecycle holds the parcel custody state machine: the declared
// edges, the roles allowed on each edge and the operation kind a batch scan
// uses to pick the next edge. It has no storage and no side effects.
package lifecycle

import (
	"fmt"

	"github.com/BearBump/HandoffBox/internal/apperrors"
	"github.com/BearBump/HandoffBox/internal/models"
)

type Edge struct {
	From  models.ParcelStatus
	To    models.ParcelStatus
	Roles []models.ActorRole
	// Kind is empty for edges a batch commit never takes (cancellation).
	Kind models.OperationKind
}

func (e Edge) Allows(role models.ActorRole) bool {
	for _, r := range e.Roles {
		if r == role {
			return true
		}
	}
	return false
}

var forward = []Edge{
	{models.StatusCreated, models.StatusFacilityReceived, []models.ActorRole{models.RolePartner, models.RoleAdmin}, models.OperationDropoff},
	{models.StatusFacilityReceived, models.StatusInTransitToFacilityHub, []models.ActorRole{models.RolePartner, models.RoleAdmin}, models.OperationPickup},
	{models.StatusInTransitToFacilityHub, models.StatusPickupReady, []models.ActorRole{models.RolePartner, models.RoleAdmin}, models.OperationDropoff},
	{models.StatusPickupReady, models.StatusAssignedToDriver, []models.ActorRole{models.RoleAdmin, models.RoleSystem}, models.OperationPickup},
	{models.StatusAssignedToDriver, models.StatusInTransitToPickupPoint, []models.ActorRole{models.RoleDriver}, models.OperationPickup},
	{models.StatusInTransitToPickupPoint, models.StatusOutForDelivery, []models.ActorRole{models.RoleDriver}, models.OperationPickup},
	{models.StatusOutForDelivery, models.StatusDelivered, []models.ActorRole{models.RoleDriver, models.RolePartner}, models.OperationDropoff},
}

var cancelRoles = []models.ActorRole{models.RoleAdmin}

var edges = buildEdges()

func buildEdges() map[models.ParcelStatus]map[models.ParcelStatus]Edge {
	m := make(map[models.ParcelStatus]map[models.ParcelStatus]Edge, len(models.AllStatuses))
	add := func(e Edge) {
		if m[e.From] == nil {
			m[e.From] = make(map[models.ParcelStatus]Edge)
		}
		m[e.From][e.To] = e
	}
	for _, e := range forward {
		add(e)
	}
	for _, s := range models.AllStatuses {
		if !s.Terminal() {
			add(Edge{From: s, To: models.StatusCancelled, Roles: cancelRoles})
		}
	}
	return m
}

// Lookup returns the declared edge between two statuses.
func Lookup(from, to models.ParcelStatus) (Edge, bool) {
	e, ok := edges[from][to]
	return e, ok
}

// Edges returns every declared edge, forward edges first.
func Edges() []Edge {
	out := make([]Edge, 0, len(forward)+len(models.AllStatuses))
	out = append(out, forward...)
	for _, s := range models.AllStatuses {
		if e, ok := Lookup(s, models.StatusCancelled); ok {
			out = append(out, e)
		}
	}
	return out
}

// Decision is the outcome of a legal request.
type Decision struct {
	From models.ParcelStatus
	To   models.ParcelStatus
	// NoOp is set when the parcel already sits at the target; nothing is written.
	NoOp bool
}

// Decide validates moving a parcel from current to target on behalf of role.
// Checks run in order: same status (no-op), terminal source, declared edge,
// role on the edge.
func Decide(current, target models.ParcelStatus, role models.ActorRole) (Decision, error) {
	if !target.Valid() {
		return Decision{}, apperrors.New(apperrors.CodeInvalidTransition, fmt.Sprintf("unknown status %q", target))
	}
	if !role.Valid() {
		return Decision{}, apperrors.New(apperrors.CodeForbidden, fmt.Sprintf("unknown role %q", role))
	}

	// повторный скан уже обработанной посылки: успех без записи, для любой роли
	if current == target {
		return Decision{From: current, To: target, NoOp: true}, nil
	}
	if current.Terminal() {
		return Decision{}, apperrors.New(apperrors.CodeInvalidTransition, fmt.Sprintf("parcel is %s, no further transitions", current))
	}
	e, ok := Lookup(current, target)
	if !ok {
		return Decision{}, apperrors.New(apperrors.CodeInvalidTransition, fmt.Sprintf("no transition %s -> %s", current, target))
	}
	if !e.Allows(role) {
		return Decision{}, apperrors.New(apperrors.CodeForbidden, fmt.Sprintf("role %s may not move %s -> %s", role, current, target))
	}
	return Decision{From: current, To: target}, nil
}

// Next resolves the status a batch operation of the given kind moves a parcel
// to from current. Parcels in one batch can sit at different stages, so this
// is evaluated per parcel.
func Next(current models.ParcelStatus, kind models.OperationKind, role models.ActorRole) (models.ParcelStatus, error) {
	if !kind.Valid() {
		return "", apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("unknown operation kind %q", kind))
	}
	if current.Terminal() {
		return "", apperrors.New(apperrors.CodeInvalidTransition, fmt.Sprintf("parcel is %s, no further transitions", current))
	}
	for _, e := range forward {
		if e.From != current || e.Kind != kind {
			continue
		}
		if !e.Allows(role) {
			return "", apperrors.New(apperrors.CodeForbidden, fmt.Sprintf("role %s may not %s parcels at %s", role, kind, current))
		}
		return e.To, nil
	}
	return "", apperrors.New(apperrors.CodeInvalidTransition, fmt.Sprintf("no %s step from %s", kind, current))
}
