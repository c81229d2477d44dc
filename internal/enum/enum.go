package enum

import "fmt"

// OrderStatus is the delivery lifecycle of an order. The set is closed;
// ParseOrderStatus rejects anything outside it.
type OrderStatus string

// ── Order lifecycle (in display order) ──

const (
	OrderStatusPending        OrderStatus = "PENDING"
	OrderStatusConfirmed      OrderStatus = "CONFIRMED"
	OrderStatusProcessing     OrderStatus = "PROCESSING"
	OrderStatusOutForDelivery OrderStatus = "OUT_FOR_DELIVERY"
	OrderStatusDelivered      OrderStatus = "DELIVERED"
)

// OrderStatuses lists every status in lifecycle order.
var OrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusConfirmed,
	OrderStatusProcessing,
	OrderStatusOutForDelivery,
	OrderStatusDelivered,
}

// Valid reports whether s is one of the known statuses.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusProcessing,
		OrderStatusOutForDelivery, OrderStatusDelivered:
		return true
	}
	return false
}

// RequiresEvidence reports whether moving to s needs proof of delivery.
func (s OrderStatus) RequiresEvidence() bool {
	return s == OrderStatusDelivered
}

func (s OrderStatus) String() string { return string(s) }

// ParseOrderStatus converts raw input into an OrderStatus.
func ParseOrderStatus(raw string) (OrderStatus, error) {
	s := OrderStatus(raw)
	if !s.Valid() {
		return "", fmt.Errorf("invalid order status %q", raw)
	}
	return s, nil
}

// ── WebSocket event types ──

const (
	EventOrderUpdated = "order.updated"
)

// ── Multipart field names understood by the orders API ──

const (
	FieldStatus      = "status"
	FieldOTP         = "otp"
	FieldReceiptImgs = "receiptImgs"
)
