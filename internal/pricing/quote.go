package pricing

import (
	"github.com/google/uuid"

	"github.com/magsasa-card/magsasa/internal/model"
)

// DeliveryExpress selects the express tariff of a logistics option.
const DeliveryExpress = "express"

// QuoteItem is a requested line.
type QuoteItem struct {
	InputID  uuid.UUID `json:"input_id"`
	Quantity int       `json:"quantity"`
}

// QuoteRequest describes an order to price.
type QuoteRequest struct {
	Items               []QuoteItem          `json:"items"`
	DeliveryOption      model.DeliveryOption `json:"delivery_option"`
	LogisticsProviderID *uuid.UUID           `json:"logistics_provider_id,omitempty"`
	DeliveryMode        string               `json:"delivery_mode,omitempty"`
	DistanceKm          *float64             `json:"distance_km,omitempty"`
	IsCardMember        bool                 `json:"is_card_member"`
}

// OrderSummary holds the order money totals.
type OrderSummary struct {
	TotalItems           int     `json:"total_items"`
	TotalQuantity        int     `json:"total_quantity"`
	SubtotalWholesale    float64 `json:"subtotal_wholesale"`
	SubtotalRetail       float64 `json:"subtotal_retail"`
	PlatformMarginTotal  float64 `json:"platform_margin_total"`
	DeliveryFee          float64 `json:"delivery_fee"`
	PickupDiscount       float64 `json:"pickup_discount"`
	CardMemberDiscount   float64 `json:"card_member_discount"`
	TotalAmount          float64 `json:"total_amount"`
	TotalPlatformRevenue float64 `json:"total_platform_revenue"`
}

// DeliveryInfo describes how the order travels and what it costs.
type DeliveryInfo struct {
	Option                model.DeliveryOption `json:"delivery_option"`
	Provider              string               `json:"provider"`
	LogisticsOptionID     *uuid.UUID           `json:"logistics_option_id,omitempty"`
	BaseFee               float64              `json:"base_fee,omitempty"`
	DistanceKm            float64              `json:"distance_km,omitempty"`
	DistanceFee           float64              `json:"distance_fee,omitempty"`
	ExpressSurcharge      float64              `json:"express_surcharge,omitempty"`
	FreeDeliveryThreshold float64              `json:"free_delivery_threshold,omitempty"`
	DeliveryFee           float64              `json:"delivery_fee"`
	ProviderFee           float64              `json:"provider_fee"`
	PlatformMargin        float64              `json:"platform_margin"`
	DeliveryDays          int                  `json:"delivery_days,omitempty"`
	PickupLocation        string               `json:"pickup_location,omitempty"`
	PickupDiscount        float64              `json:"pickup_discount,omitempty"`
}

// FarmerBenefits compares the order against market prices.
type FarmerBenefits struct {
	TotalMarketPrice   float64 `json:"total_market_price"`
	TotalFarmerSavings float64 `json:"total_farmer_savings"`
	SavingsPercentage  float64 `json:"savings_percentage"`
}

// QuoteResult is a fully priced order.
type QuoteResult struct {
	OrderSummary   OrderSummary      `json:"order_summary"`
	Items          []model.OrderItem `json:"items"`
	Delivery       DeliveryInfo      `json:"delivery"`
	FarmerBenefits FarmerBenefits    `json:"farmer_benefits"`
	DeliveryOption string            `json:"delivery_option"`
	DeliveryMode   string            `json:"delivery_mode,omitempty"`
	CardMember     bool              `json:"card_member"`
}

// Quote prices req. inputs must hold every requested input keyed by id;
// missing or inactive entries yield *InputNotFoundError. logistics is the
// provider named by the request, or nil.
func Quote(req QuoteRequest, inputs map[uuid.UUID]model.AgriculturalInput, logistics *model.LogisticsOption) (QuoteResult, error) {
	if len(req.Items) == 0 {
		return QuoteResult{}, ErrNoItems
	}
	if req.DeliveryOption != "" && !model.ValidDeliveryOption(req.DeliveryOption) {
		return QuoteResult{}, ErrInvalidDeliveryOption
	}

	var (
		res                                  QuoteResult
		subWholesale, subRetail, marginTotal float64
		mkt, itemSavings                     float64
		totalQty                             int
	)
	for _, it := range req.Items {
		if it.Quantity <= 0 {
			return QuoteResult{}, ErrInvalidQuantity
		}
		in, ok := inputs[it.InputID]
		if !ok || !in.IsActive {
			return QuoteResult{}, &InputNotFoundError{InputID: it.InputID}
		}
		unit := BulkPrice(in, it.Quantity)
		qty := float64(it.Quantity)
		line := model.OrderItem{
			InputID:        in.ID,
			Name:           in.Name,
			Category:       in.Category,
			Quantity:       it.Quantity,
			UnitPrice:      unit,
			ItemTotal:      Round2(unit * qty),
			WholesaleTotal: Round2(in.WholesalePrice * qty),
			MarketPrice:    in.MarketPrice(),
			MarketTotal:    Round2(in.MarketPrice() * qty),
		}
		line.MarginTotal = Round2(line.ItemTotal - line.WholesaleTotal)
		line.FarmerSavings = Round2(line.MarketTotal - line.ItemTotal)

		subRetail += unit * qty
		subWholesale += in.WholesalePrice * qty
		marginTotal += unit*qty - in.WholesalePrice*qty
		mkt += in.MarketPrice() * qty
		itemSavings += in.MarketPrice()*qty - unit*qty
		totalQty += it.Quantity
		res.Items = append(res.Items, line)
	}

	opt := req.DeliveryOption
	if opt == "" {
		opt = model.DeliveryFarmerPickup
	}
	d := DeliveryInfo{Option: opt}
	var fee, logisticsPlatform, pickup float64

	switch opt {
	case model.DeliveryPlatformLogistics:
		if logistics != nil && logistics.IsActive {
			distance := DefaultDistanceKm
			if req.DistanceKm != nil && *req.DistanceKm > 0 {
				distance = *req.DistanceKm
			}
			express := req.DeliveryMode == DeliveryExpress
			var surcharge float64
			if express {
				surcharge = logistics.ExpressDeliverySurcharge
			}
			if logistics.FreeDeliveryThreshold <= 0 || subRetail < logistics.FreeDeliveryThreshold {
				fee = LogisticsCost(*logistics, distance) + surcharge
			}
			logisticsPlatform = fee * logisticsMargin
			id := logistics.ID
			d.Provider = logistics.ProviderName
			d.LogisticsOptionID = &id
			d.BaseFee = logistics.BaseDeliveryFee
			d.DistanceKm = distance
			d.DistanceFee = Round2(logistics.PerKmRate * distance)
			d.ExpressSurcharge = surcharge
			d.FreeDeliveryThreshold = logistics.FreeDeliveryThreshold
			d.ProviderFee = Round2(fee * providerShare)
			d.DeliveryDays = logistics.StandardDeliveryDays
			if express {
				d.DeliveryDays = logistics.ExpressDeliveryDays
			}
		}
	case model.DeliverySupplier:
		fee = SupplierDeliveryFee
		d.Provider = "Supplier Direct"
		d.ProviderFee = fee
		d.DeliveryDays = SupplierDeliveryDays
	case model.DeliveryFarmerPickup:
		pickup = subRetail * pickupDiscount
		subRetail -= pickup
		d.Provider = "Farmer Pickup"
		d.PickupLocation = model.PickupLocation
		d.PickupDiscount = Round2(pickup)
	}
	d.DeliveryFee = Round2(fee)
	d.PlatformMargin = Round2(logisticsPlatform)

	var card float64
	if req.IsCardMember {
		card = subRetail * cardDiscount
	}
	total := subRetail + fee - card

	res.OrderSummary = OrderSummary{
		TotalItems:           len(req.Items),
		TotalQuantity:        totalQty,
		SubtotalWholesale:    Round2(subWholesale),
		SubtotalRetail:       Round2(subRetail),
		PlatformMarginTotal:  Round2(marginTotal),
		DeliveryFee:          Round2(fee),
		PickupDiscount:       Round2(pickup),
		CardMemberDiscount:   Round2(card),
		TotalAmount:          Round2(total),
		TotalPlatformRevenue: Round2(marginTotal + logisticsPlatform),
	}
	savings := itemSavings + card
	var pct float64
	if mkt > 0 {
		pct = Round2(savings / mkt * 100)
	}
	res.FarmerBenefits = FarmerBenefits{
		TotalMarketPrice:   Round2(mkt),
		TotalFarmerSavings: Round2(savings),
		SavingsPercentage:  pct,
	}
	res.Delivery = d
	res.DeliveryOption = string(opt)
	res.DeliveryMode = req.DeliveryMode
	res.CardMember = req.IsCardMember
	return res, nil
}
