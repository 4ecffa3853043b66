package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type ParcelStatus string

// Статусы жизненного цикла посылки.
const (
	StatusCreated                ParcelStatus = "CREATED"
	StatusFacilityReceived       ParcelStatus = "FACILITY_RECEIVED"
	StatusInTransitToFacilityHub ParcelStatus = "IN_TRANSIT_TO_FACILITY_HUB"
	StatusPickupReady            ParcelStatus = "PICKUP_READY"
	StatusAssignedToDriver       ParcelStatus = "ASSIGNED_TO_DRIVER"
	StatusInTransitToPickupPoint ParcelStatus = "IN_TRANSIT_TO_PICKUP_POINT"
	StatusOutForDelivery         ParcelStatus = "OUT_FOR_DELIVERY"
	StatusDelivered              ParcelStatus = "DELIVERED"
	StatusCancelled              ParcelStatus = "CANCELLED"
)

var AllStatuses = []ParcelStatus{
	StatusCreated,
	StatusFacilityReceived,
	StatusInTransitToFacilityHub,
	StatusPickupReady,
	StatusAssignedToDriver,
	StatusInTransitToPickupPoint,
	StatusOutForDelivery,
	StatusDelivered,
	StatusCancelled,
}

func (s ParcelStatus) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

func (s ParcelStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

type ActorRole string

const (
	RolePartner ActorRole = "PARTNER"
	RoleAdmin   ActorRole = "ADMIN"
	RoleSystem  ActorRole = "SYSTEM"
	RoleDriver  ActorRole = "DRIVER"
)

func (r ActorRole) Valid() bool {
	switch r {
	case RolePartner, RoleAdmin, RoleSystem, RoleDriver:
		return true
	}
	return false
}

type PaymentStatus string

const (
	PaymentStatusUnpaid   PaymentStatus = "UNPAID"
	PaymentStatusPaid     PaymentStatus = "PAID"
	PaymentStatusRefunded PaymentStatus = "REFUNDED"
)

// Parcel is the registry record. Status is a projection of the last accepted
// ParcelEvent and is never written on its own.
type Parcel struct {
	ID           string
	TrackingCode string
	Status       ParcelStatus
	Version      int64

	SenderRef      string
	RecipientName  string
	RecipientPhone string

	CustodyPartnerRef  *string // dropoff hub
	CustodyPartnerRef2 *string // pickup hub
	AssignedDriverRef  *string

	PickupCode       string
	PickupCodeUsedAt *time.Time

	PaymentStatus PaymentStatus
	TotalAmount   decimal.Decimal

	StatusChangedAt time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type ParcelEvent struct {
	ID         uint64
	ParcelID   string
	FromStatus ParcelStatus
	ToStatus   ParcelStatus
	ActorRef   string
	ActorRole  ActorRole
	Notes      *string
	OccurredAt time.Time
}

type ParcelCreateInput struct {
	TrackingCode       string
	SenderRef          string
	RecipientName      string
	RecipientPhone     string
	CustodyPartnerRef  *string
	CustodyPartnerRef2 *string
	PickupCode         string
	PaymentStatus      PaymentStatus
	TotalAmount        decimal.Decimal
}

// TransitionWrite is one accepted transition: the event to append and the
// projection change, guarded by the version the decision was made against.
type TransitionWrite struct {
	ParcelID        string
	ExpectedVersion int64
	FromStatus      ParcelStatus
	ToStatus        ParcelStatus
	ActorRef        string
	ActorRole       ActorRole
	Notes           *string

	// Optional custody changes carried with the transition.
	AssignedDriverRef *string
}

type OperationKind string

const (
	OperationPickup  OperationKind = "pickup"
	OperationDropoff OperationKind = "dropoff"
)

func (k OperationKind) Valid() bool {
	return k == OperationPickup || k == OperationDropoff
}

// OutboxEvent is a ParcelEvent waiting to be published to consumers.
type OutboxEvent struct {
	Event        ParcelEvent
	TrackingCode string
	Attempts     int32
}
