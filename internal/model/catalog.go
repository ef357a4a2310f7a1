package model

import (
	"time"

	"github.com/google/uuid"
)

// InputType groups agricultural inputs for filtering.
type InputType string

const (
	InputFertilizer InputType = "fertilizer"
	InputPesticide  InputType = "pesticide"
	InputHerbicide  InputType = "herbicide"
	InputSeed       InputType = "seed"
	InputEquipment  InputType = "equipment"
	InputFuel       InputType = "fuel"
	InputLabor      InputType = "labor"
)

// ValidInputType reports whether t is a known input type.
func ValidInputType(t InputType) bool {
	switch t {
	case InputFertilizer, InputPesticide, InputHerbicide, InputSeed, InputEquipment, InputFuel, InputLabor:
		return true
	}
	return false
}

// BulkTier is a quantity break. Both fields are nil when the tier is unset.
type BulkTier struct {
	Quantity *int     `json:"quantity"`
	Price    *float64 `json:"price"`
}

// Set reports whether the tier has both a quantity and a price.
func (t BulkTier) Set() bool {
	return t.Quantity != nil && t.Price != nil
}

// AgriculturalInput is a catalog item sold through the marketplace. The
// catalog is shared by every tenant; suppliers are linked through
// SupplierOrganizationID.
type AgriculturalInput struct {
	ID               uuid.UUID `json:"id"`
	Name             string    `json:"name"`
	Category         string    `json:"category"`
	InputType        InputType `json:"input_type"`
	Brand            string    `json:"brand,omitempty"`
	Description      string    `json:"description,omitempty"`
	ActiveIngredient string    `json:"active_ingredient,omitempty"`
	Concentration    string    `json:"concentration,omitempty"`
	PackageSize      string    `json:"package_size,omitempty"`
	UnitOfMeasure    string    `json:"unit_of_measure,omitempty"`

	WholesalePrice           float64  `json:"wholesale_price"`
	WholesaleMinimumQuantity int      `json:"wholesale_minimum_quantity"`
	RetailPrice              float64  `json:"retail_price"`
	MarketRetailPrice        *float64 `json:"market_retail_price,omitempty"`
	PlatformMargin           float64  `json:"platform_margin"`
	MarginPercentage         float64  `json:"margin_percentage"`

	BulkTier1 BulkTier `json:"bulk_tier_1"`
	BulkTier2 BulkTier `json:"bulk_tier_2"`
	BulkTier3 BulkTier `json:"bulk_tier_3"`

	SupplierDeliveryAvailable bool     `json:"supplier_delivery_available"`
	SupplierDeliveryFee       *float64 `json:"supplier_delivery_fee,omitempty"`
	SupplierDeliveryRadiusKm  *float64 `json:"supplier_delivery_radius_km,omitempty"`
	SupplierMinimumOrder      *float64 `json:"supplier_minimum_order,omitempty"`
	SupplierDeliveryDays      *int     `json:"supplier_delivery_days,omitempty"`

	PlatformLogisticsAvailable    bool     `json:"platform_logistics_available"`
	PlatformLogisticsBaseFee      *float64 `json:"platform_logistics_base_fee,omitempty"`
	PlatformLogisticsPerKmRate    *float64 `json:"platform_logistics_per_km_rate,omitempty"`
	PlatformLogisticsMinimumOrder *float64 `json:"platform_logistics_minimum_order,omitempty"`
	PlatformLogisticsDeliveryDays *int     `json:"platform_logistics_delivery_days,omitempty"`

	FarmerPickupAvailable    bool     `json:"farmer_pickup_available"`
	PickupLocationAddress    string   `json:"pickup_location_address,omitempty"`
	PickupDiscountPercentage *float64 `json:"pickup_discount_percentage,omitempty"`

	SupplierName           string     `json:"supplier_name,omitempty"`
	SupplierOrganizationID *uuid.UUID `json:"supplier_organization_id,omitempty"`
	ApplicationRate        string     `json:"application_rate,omitempty"`
	ApplicationMethod      string     `json:"application_method,omitempty"`
	CropSuitability        []string   `json:"crop_suitability"`

	CurrentStock         int        `json:"current_stock"`
	ReorderLevel         int        `json:"reorder_level"`
	MaxStockLevel        int        `json:"max_stock_level"`
	ExpiryDate           *time.Time `json:"expiry_date,omitempty"`
	BatchNumber          string     `json:"batch_number,omitempty"`
	QualityCertification string     `json:"quality_certification,omitempty"`
	IsActive             bool       `json:"is_active"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// MarketPrice returns the market retail price, falling back to our retail
// price when no market reference is recorded.
func (in AgriculturalInput) MarketPrice() float64 {
	if in.MarketRetailPrice != nil && *in.MarketRetailPrice > 0 {
		return *in.MarketRetailPrice
	}
	return in.RetailPrice
}

// PricingHistory is one effective-dated price record for an input.
type PricingHistory struct {
	ID               uuid.UUID  `json:"id"`
	InputID          uuid.UUID  `json:"input_id"`
	EffectiveFrom    time.Time  `json:"effective_from"`
	EffectiveTo      *time.Time `json:"effective_to"`
	WholesalePrice   float64    `json:"wholesale_price"`
	RetailPrice      float64    `json:"retail_price"`
	PlatformMargin   float64    `json:"platform_margin"`
	MarginPercentage float64    `json:"margin_percentage"`
	ChangeReason     string     `json:"change_reason"`
	ChangedBy        *uuid.UUID `json:"changed_by,omitempty"`
}

// PriceChange is the request body for PUT /api/pricing/inputs/{id}/price.
type PriceChange struct {
	WholesalePrice float64 `json:"wholesale_price"`
	RetailPrice    float64 `json:"retail_price"`
	ChangeReason   string  `json:"change_reason"`
}

// DeliveryOption is how an order reaches the farmer.
type DeliveryOption string

const (
	DeliveryPlatformLogistics DeliveryOption = "platform_logistics"
	DeliverySupplier          DeliveryOption = "supplier_delivery"
	DeliveryFarmerPickup      DeliveryOption = "farmer_pickup"
)

// ValidDeliveryOption reports whether d is a known delivery option.
func ValidDeliveryOption(d DeliveryOption) bool {
	switch d {
	case DeliveryPlatformLogistics, DeliverySupplier, DeliveryFarmerPickup:
		return true
	}
	return false
}

// LogisticsOption is a delivery provider and its tariff.
type LogisticsOption struct {
	ID                       uuid.UUID      `json:"id"`
	ProviderName             string         `json:"provider_name"`
	ProviderType             DeliveryOption `json:"provider_type"`
	ProviderOrganizationID   *uuid.UUID     `json:"provider_organization_id,omitempty"`
	ServiceRegions           []string       `json:"service_regions"`
	ServiceRadiusKm          float64        `json:"service_radius_km"`
	BaseDeliveryFee          float64        `json:"base_delivery_fee"`
	PerKmRate                float64        `json:"per_km_rate"`
	PerKgRate                float64        `json:"per_kg_rate"`
	MinimumOrderValue        float64        `json:"minimum_order_value"`
	FreeDeliveryThreshold    float64        `json:"free_delivery_threshold"`
	StandardDeliveryDays     int            `json:"standard_delivery_days"`
	ExpressDeliveryDays      int            `json:"express_delivery_days"`
	ExpressDeliverySurcharge float64        `json:"express_delivery_surcharge"`
	MaxWeightKg              float64        `json:"max_weight_kg"`
	SpecialHandling          string         `json:"special_handling,omitempty"`
	OperatingDays            []string       `json:"operating_days"`
	OperatingHours           string         `json:"operating_hours,omitempty"`
	IsActive                 bool           `json:"is_active"`
	CreatedAt                time.Time      `json:"created_at"`
}

// ServesRegion reports whether the option lists region among its service regions.
func (o LogisticsOption) ServesRegion(region string) bool {
	for _, r := range o.ServiceRegions {
		if r == region {
			return true
		}
	}
	return false
}

// PricingAnalytics is a period rollup of sales for one input.
type PricingAnalytics struct {
	ID                     uuid.UUID `json:"id"`
	Date                   time.Time `json:"date"`
	PeriodType             string    `json:"period_type"`
	InputID                uuid.UUID `json:"input_id"`
	InputName              string    `json:"input_name"`
	Category               string    `json:"category"`
	AvgWholesalePrice      float64   `json:"avg_wholesale_price"`
	AvgRetailPrice         float64   `json:"avg_retail_price"`
	AvgPlatformMargin      float64   `json:"avg_platform_margin"`
	TotalQuantitySold      int       `json:"total_quantity_sold"`
	TotalTransactions      int       `json:"total_transactions"`
	TotalRevenue           float64   `json:"total_revenue"`
	TotalPlatformRevenue   float64   `json:"total_platform_revenue"`
	MarketPriceComparison  float64   `json:"market_price_comparison"`
	AvgDeliveryFee         float64   `json:"avg_delivery_fee"`
	PlatformLogisticsUsage int       `json:"platform_logistics_usage"`
	SupplierDeliveryUsage  int       `json:"supplier_delivery_usage"`
	FarmerPickupUsage      int       `json:"farmer_pickup_usage"`
}

// Analytics period types.
const (
	PeriodDaily   = "daily"
	PeriodWeekly  = "weekly"
	PeriodMonthly = "monthly"
)

// ValidPeriod reports whether p is a known analytics period.
func ValidPeriod(p string) bool {
	return p == PeriodDaily || p == PeriodWeekly || p == PeriodMonthly
}
