// Package pricing computes marketplace prices, order quotes and delivery costs.
// Everything here is pure: callers load inputs and logistics options and pass
// them in, so the quote shown to a farmer and the amount charged at order
// time come from the same function.
package pricing

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/magsasa-card/magsasa/internal/model"
)

const (
	earthRadiusKm = 6371.0

	// DefaultDistanceKm is used for platform logistics when a request gives no distance.
	DefaultDistanceKm = 15.0

	// SupplierDeliveryFee is the flat fee for supplier_delivery orders.
	SupplierDeliveryFee = 75.0
	// SupplierDeliveryDays is the delivery lead time for supplier_delivery orders.
	SupplierDeliveryDays = 2

	providerShare   = 0.8
	logisticsMargin = 0.2
	pickupDiscount  = 0.02
	cardDiscount    = 0.03
)

// Quote errors.
var (
	ErrNoItems         = errors.New("pricing: items are required")
	ErrInvalidQuantity = errors.New("pricing: quantity must be positive")

	ErrInvalidDeliveryOption = errors.New("pricing: delivery_option must be one of platform_logistics, supplier_delivery, farmer_pickup")
)

// InputNotFoundError reports an item whose input is unknown or inactive.
type InputNotFoundError struct {
	InputID uuid.UUID
}

func (e *InputNotFoundError) Error() string {
	return fmt.Sprintf("Input %s not found", e.InputID)
}

// Round2 rounds to two decimal places, half away from zero.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// MonthlyPayment is the level payment that amortizes principal over months
// at an annual rate given in percent. A zero rate divides evenly.
func MonthlyPayment(principal, annualRatePct float64, months int) float64 {
	if months <= 0 {
		return 0
	}
	r := annualRatePct / 100 / 12
	if r == 0 {
		return Round2(principal / float64(months))
	}
	f := math.Pow(1+r, float64(months))
	return Round2(principal * r * f / (f - 1))
}

// BulkPrice returns the unit price for qty units. The highest tier whose
// quantity threshold is met wins; otherwise the retail price applies.
func BulkPrice(in model.AgriculturalInput, qty int) float64 {
	for _, tier := range []model.BulkTier{in.BulkTier3, in.BulkTier2, in.BulkTier1} {
		if tier.Set() && qty >= *tier.Quantity {
			return *tier.Price
		}
	}
	return in.RetailPrice
}

// Haversine returns the great-circle distance in kilometres.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// Summary is the price comparison shown for a single input.
type Summary struct {
	WholesalePrice    float64 `json:"wholesale_price"`
	RetailPrice       float64 `json:"retail_price"`
	MarketRetailPrice float64 `json:"market_retail_price"`
	PlatformMargin    float64 `json:"platform_margin"`
	MarginPercentage  float64 `json:"margin_percentage"`
	FarmerSavings     float64 `json:"farmer_savings"`
	SavingsPercentage float64 `json:"savings_percentage"`
}

// InputPricing compares our retail price with the market price.
func InputPricing(in model.AgriculturalInput) Summary {
	market := in.MarketPrice()
	savings := market - in.RetailPrice
	var pct float64
	if market > 0 {
		pct = Round2(savings / market * 100)
	}
	return Summary{
		WholesalePrice:    in.WholesalePrice,
		RetailPrice:       in.RetailPrice,
		MarketRetailPrice: market,
		PlatformMargin:    in.PlatformMargin,
		MarginPercentage:  in.MarginPercentage,
		FarmerSavings:     Round2(savings),
		SavingsPercentage: pct,
	}
}

// LogisticsCost is the base fee plus the per-km rate over distance.
func LogisticsCost(opt model.LogisticsOption, distanceKm float64) float64 {
	return opt.BaseDeliveryFee + opt.PerKmRate*distanceKm
}

// Estimate is one option's cost for a given distance.
type Estimate struct {
	OptionID      uuid.UUID            `json:"option_id"`
	ProviderName  string               `json:"provider_name"`
	ProviderType  model.DeliveryOption `json:"provider_type"`
	TotalCost     float64              `json:"total_cost"`
	DeliveryDays  int                  `json:"delivery_days"`
	MinimumOrder  float64              `json:"minimum_order_value"`
	FreeThreshold float64              `json:"free_delivery_threshold"`
}

// EstimateAll prices every active option for distanceKm, cheapest first.
func EstimateAll(opts []model.LogisticsOption, distanceKm float64) []Estimate {
	out := make([]Estimate, 0, len(opts))
	for _, o := range opts {
		if !o.IsActive {
			continue
		}
		out = append(out, Estimate{
			OptionID:      o.ID,
			ProviderName:  o.ProviderName,
			ProviderType:  o.ProviderType,
			TotalCost:     Round2(LogisticsCost(o, distanceKm)),
			DeliveryDays:  o.StandardDeliveryDays,
			MinimumOrder:  o.MinimumOrderValue,
			FreeThreshold: o.FreeDeliveryThreshold,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TotalCost < out[j].TotalCost })
	return out
}
