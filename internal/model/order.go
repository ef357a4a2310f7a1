package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// OrderStatus is the lifecycle state of an input transaction.
type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderConfirmed  OrderStatus = "confirmed"
	OrderApproved   OrderStatus = "approved"
	OrderProcessing OrderStatus = "processing"
	OrderShipped    OrderStatus = "shipped"
	OrderDelivered  OrderStatus = "delivered"
	OrderCompleted  OrderStatus = "completed"
	OrderPaid       OrderStatus = "paid"
	OrderCancelled  OrderStatus = "cancelled"
)

// ValidOrderStatus reports whether s is a known order status.
func ValidOrderStatus(s OrderStatus) bool {
	switch s {
	case OrderPending, OrderConfirmed, OrderApproved, OrderProcessing, OrderShipped,
		OrderDelivered, OrderCompleted, OrderPaid, OrderCancelled:
		return true
	}
	return false
}

// PaymentStatus is the settlement state of an order.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

// ValidPaymentStatus reports whether s is a known payment status.
func ValidPaymentStatus(s PaymentStatus) bool {
	switch s {
	case PaymentPending, PaymentCompleted, PaymentFailed, PaymentRefunded:
		return true
	}
	return false
}

// DefaultPaymentMethod is used when an order does not name one.
const DefaultPaymentMethod = "card_auto_debit"

// PickupLocation is where farmer_pickup orders are collected.
const PickupLocation = "CARD MRI Center, Laguna"

// OrderItem is a priced line of an order, stored as JSON on the transaction.
type OrderItem struct {
	InputID        uuid.UUID `json:"input_id"`
	Name           string    `json:"name"`
	Category       string    `json:"category"`
	Quantity       int       `json:"quantity"`
	UnitPrice      float64   `json:"unit_price"`
	ItemTotal      float64   `json:"item_total"`
	WholesaleTotal float64   `json:"wholesale_total"`
	MarginTotal    float64   `json:"margin_total"`
	MarketPrice    float64   `json:"market_price"`
	MarketTotal    float64   `json:"market_total"`
	FarmerSavings  float64   `json:"farmer_savings"`
}

// InputTransaction is a farmer's input order.
type InputTransaction struct {
	ID                 uuid.UUID      `json:"id"`
	OrganizationID     uuid.UUID      `json:"organization_id"`
	TransactionCode    string         `json:"transaction_code"`
	FarmerID           uuid.UUID      `json:"farmer_id"`
	FarmerName         string         `json:"farmer_name,omitempty"`
	Items              []OrderItem    `json:"items"`
	SubtotalWholesale  float64        `json:"subtotal_wholesale"`
	SubtotalRetail     float64        `json:"subtotal_retail"`
	DeliveryFee        float64        `json:"delivery_fee"`
	CardMemberDiscount float64        `json:"card_member_discount"`
	PickupDiscount     float64        `json:"pickup_discount"`
	TotalAmount        float64        `json:"total_amount"`
	PlatformMargin     float64        `json:"platform_margin"`
	PlatformRevenue    float64        `json:"platform_revenue"`
	DeliveryOption     DeliveryOption `json:"delivery_option"`
	LogisticsOptionID  *uuid.UUID     `json:"logistics_option_id,omitempty"`
	DeliveryAddress    string         `json:"delivery_address,omitempty"`
	PaymentMethod      string         `json:"payment_method"`
	PaymentStatus      PaymentStatus  `json:"payment_status"`
	PaymentReference   string         `json:"payment_reference,omitempty"`
	PaymentDate        *time.Time     `json:"payment_date,omitempty"`
	CardMember         bool           `json:"card_member"`
	Status             OrderStatus    `json:"status"`
	Notes              string         `json:"notes,omitempty"`
	CreatedBy          *uuid.UUID     `json:"created_by,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// DeliveryStatus is the progress of a delivery order.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryPickedUp  DeliveryStatus = "picked_up"
	DeliveryInTransit DeliveryStatus = "in_transit"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryCancelled DeliveryStatus = "cancelled"
)

// ValidDeliveryStatus reports whether s is a known delivery status.
func ValidDeliveryStatus(s DeliveryStatus) bool {
	switch s {
	case DeliveryPending, DeliveryPickedUp, DeliveryInTransit, DeliveryDelivered, DeliveryCancelled:
		return true
	}
	return false
}

// DeliveryOrder is the shipment created for a delivered order.
type DeliveryOrder struct {
	ID                    uuid.UUID      `json:"id"`
	TransactionID         uuid.UUID      `json:"transaction_id"`
	LogisticsOptionID     *uuid.UUID     `json:"logistics_option_id,omitempty"`
	DeliveryCode          string         `json:"delivery_code"`
	PickupAddress         string         `json:"pickup_address"`
	DeliveryAddress       string         `json:"delivery_address"`
	ScheduledDeliveryDate time.Time      `json:"scheduled_delivery_date"`
	ActualDeliveryDate    *time.Time     `json:"actual_delivery_date,omitempty"`
	CurrentStatus         DeliveryStatus `json:"current_status"`
	CurrentLocation       string         `json:"current_location,omitempty"`
	EstimatedArrival      *time.Time     `json:"estimated_arrival,omitempty"`
	DriverName            string         `json:"driver_name,omitempty"`
	DriverPhone           string         `json:"driver_phone,omitempty"`
	VehicleInfo           string         `json:"vehicle_info,omitempty"`
	DeliveredToName       string         `json:"delivered_to_name,omitempty"`
	DeliveryNotes         string         `json:"delivery_notes,omitempty"`
	ProviderName          string         `json:"provider_name,omitempty"`
	TransactionCode       string         `json:"transaction_code,omitempty"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
}

// DeliveryTracking is one event in a delivery's history.
type DeliveryTracking struct {
	ID              uuid.UUID      `json:"id"`
	DeliveryOrderID uuid.UUID      `json:"delivery_order_id"`
	Status          DeliveryStatus `json:"status"`
	Location        string         `json:"location,omitempty"`
	Latitude        *float64       `json:"latitude,omitempty"`
	Longitude       *float64       `json:"longitude,omitempty"`
	Description     string         `json:"description,omitempty"`
	UpdatedBy       string         `json:"updated_by,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// TransactionCode formats a transaction code as TXN-YYYYMMDD-XXXXXXXX.
func TransactionCode(now time.Time, id uuid.UUID) string {
	return "TXN-" + now.UTC().Format("20060102") + "-" + shortID(id)
}

// DeliveryCode formats a delivery code as DEL-YYYYMMDD-XXXXXXXX.
func DeliveryCode(now time.Time, id uuid.UUID) string {
	return "DEL-" + now.UTC().Format("20060102") + "-" + shortID(id)
}

func shortID(id uuid.UUID) string {
	return strings.ToUpper(id.String()[:8])
}
