package handoff_api

import (
	"time"

	"github.com/BearBump/HandoffBox/internal/models"
	"github.com/BearBump/HandoffBox/internal/services/handoff"
	"github.com/shopspring/decimal"
)

type parcelDTO struct {
	ID                string     `json:"id"`
	TrackingCode      string     `json:"trackingCode"`
	Status            string     `json:"status"`
	Version           int64      `json:"version"`
	SenderRef         string     `json:"senderRef"`
	RecipientName     string     `json:"recipientName,omitempty"`
	RecipientPhone    string     `json:"recipientPhone,omitempty"`
	DropoffPartnerRef *string    `json:"dropoffPartnerRef,omitempty"`
	PickupPartnerRef  *string    `json:"pickupPartnerRef,omitempty"`
	AssignedDriverRef *string    `json:"assignedDriverRef,omitempty"`
	PickupCodeUsedAt  *time.Time `json:"pickupCodeUsedAt,omitempty"`
	PaymentStatus     string     `json:"paymentStatus"`
	TotalAmount       string     `json:"totalAmount"`
	StatusChangedAt   time.Time  `json:"statusChangedAt"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// Код выдачи наружу не отдаём: его знает только получатель.
func toParcelDTO(p *models.Parcel) parcelDTO {
	return parcelDTO{
		ID:                p.ID,
		TrackingCode:      p.TrackingCode,
		Status:            string(p.Status),
		Version:           p.Version,
		SenderRef:         p.SenderRef,
		RecipientName:     p.RecipientName,
		RecipientPhone:    p.RecipientPhone,
		DropoffPartnerRef: p.CustodyPartnerRef,
		PickupPartnerRef:  p.CustodyPartnerRef2,
		AssignedDriverRef: p.AssignedDriverRef,
		PickupCodeUsedAt:  p.PickupCodeUsedAt,
		PaymentStatus:     string(p.PaymentStatus),
		TotalAmount:       p.TotalAmount.StringFixed(2),
		StatusChangedAt:   p.StatusChangedAt,
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
	}
}

func toParcelDTOs(ps []*models.Parcel) []parcelDTO {
	out := make([]parcelDTO, 0, len(ps))
	for _, p := range ps {
		out = append(out, toParcelDTO(p))
	}
	return out
}

type eventDTO struct {
	ID         uint64    `json:"id"`
	ParcelID   string    `json:"parcelId"`
	FromStatus string    `json:"fromStatus"`
	ToStatus   string    `json:"toStatus"`
	ActorRef   string    `json:"actorRef"`
	ActorRole  string    `json:"actorRole"`
	Notes      *string   `json:"notes,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

func toEventDTO(e *models.ParcelEvent) *eventDTO {
	if e == nil {
		return nil
	}
	return &eventDTO{
		ID:         e.ID,
		ParcelID:   e.ParcelID,
		FromStatus: string(e.FromStatus),
		ToStatus:   string(e.ToStatus),
		ActorRef:   e.ActorRef,
		ActorRole:  string(e.ActorRole),
		Notes:      e.Notes,
		OccurredAt: e.OccurredAt,
	}
}

type createParcelItem struct {
	TrackingCode      string          `json:"trackingCode"`
	SenderRef         string          `json:"senderRef"`
	RecipientName     string          `json:"recipientName"`
	RecipientPhone    string          `json:"recipientPhone"`
	DropoffPartnerRef *string         `json:"dropoffPartnerRef"`
	PickupPartnerRef  *string         `json:"pickupPartnerRef"`
	PickupCode        string          `json:"pickupCode"`
	PaymentStatus     string          `json:"paymentStatus"`
	TotalAmount       decimal.Decimal `json:"totalAmount"`
}

func (it createParcelItem) toInput() models.ParcelCreateInput {
	return models.ParcelCreateInput{
		TrackingCode:       it.TrackingCode,
		SenderRef:          it.SenderRef,
		RecipientName:      it.RecipientName,
		RecipientPhone:     it.RecipientPhone,
		CustodyPartnerRef:  it.DropoffPartnerRef,
		CustodyPartnerRef2: it.PickupPartnerRef,
		PickupCode:         it.PickupCode,
		PaymentStatus:      models.PaymentStatus(it.PaymentStatus),
		TotalAmount:        it.TotalAmount,
	}
}

type createParcelsRequest struct {
	Items []createParcelItem `json:"items"`
}

type transitionRequest struct {
	TargetStatus      string  `json:"targetStatus"`
	ExpectedStatus    string  `json:"expectedStatus"`
	Notes             *string `json:"notes"`
	AssignedDriverRef *string `json:"assignedDriverRef"`
}

type transitionResponse struct {
	Parcel parcelDTO `json:"parcel"`
	Event  *eventDTO `json:"event,omitempty"`
	NoOp   bool      `json:"noOp"`
}

func toTransitionResponse(res handoff.Result) transitionResponse {
	return transitionResponse{
		Parcel: toParcelDTO(res.Parcel),
		Event:  toEventDTO(res.Event),
		NoOp:   res.NoOp,
	}
}

type verifyPickupRequest struct {
	TrackingCode string `json:"trackingCode"`
	Code         string `json:"code"`
}

type payloadRequest struct {
	Payload string `json:"payload"`
}

type startSessionRequest struct {
	Kind             string   `json:"kind"`
	Expected         []string `json:"expected"`
	ManifestLocation string   `json:"manifestLocation"`
}

type sessionDTO struct {
	ID            string    `json:"id"`
	Kind          string    `json:"kind"`
	ActorRef      string    `json:"actorRef"`
	ActorRole     string    `json:"actorRole"`
	ExpectedCount int       `json:"expectedCount"`
	CreatedAt     time.Time `json:"createdAt"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
