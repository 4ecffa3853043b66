package messages

import (
	"github.com/shopspring/decimal"
)

const TopicParcelCreated = "parcel.created"

// ParcelCreated приходит от сервиса оформления заказов.
type ParcelCreated struct {
	TrackingCode   string `json:"tracking_code"`
	SenderRef      string `json:"sender_ref"`
	RecipientName  string `json:"recipient_name"`
	RecipientPhone string `json:"recipient_phone"`

	DropoffPartnerRef *string `json:"dropoff_partner_ref,omitempty"`
	PickupPartnerRef  *string `json:"pickup_partner_ref,omitempty"`

	// Пусто -> сгенерируем.
	PickupCode string `json:"pickup_code,omitempty"`

	PaymentStatus string          `json:"payment_status,omitempty"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
}
