package pricing

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magsasa-card/magsasa/internal/model"
)

func ptr[T any](v T) *T { return &v }

func fertilizer() model.AgriculturalInput {
	return model.AgriculturalInput{
		ID:             uuid.New(),
		Name:           "Urea 46-0-0",
		Category:       "fertilizer",
		WholesalePrice: 80,
		RetailPrice:    100,
		IsActive:       true,
		CurrentStock:   500,
	}
}

func TestBulkPrice(t *testing.T) {
	in := fertilizer()
	in.BulkTier1 = model.BulkTier{Quantity: ptr(10), Price: ptr(95.0)}
	in.BulkTier2 = model.BulkTier{Quantity: ptr(50), Price: ptr(90.0)}
	in.BulkTier3 = model.BulkTier{Quantity: ptr(100), Price: ptr(85.0)}

	tests := []struct {
		qty  int
		want float64
	}{
		{1, 100},
		{9, 100},
		{10, 95},
		{49, 95},
		{50, 90},
		{100, 85},
		{1000, 85},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BulkPrice(in, tt.qty), "qty=%d", tt.qty)
	}

	in.BulkTier2.Price = nil
	assert.Equal(t, 95.0, BulkPrice(in, 60), "half-set tier must be skipped")
}

func TestHaversine(t *testing.T) {
	assert.InDelta(t, 111.19, Haversine(0, 0, 0, 1), 0.01)
	assert.InDelta(t, 0, Haversine(14.1694, 121.2441, 14.1694, 121.2441), 1e-9)
}

func TestInputPricing(t *testing.T) {
	in := fertilizer()
	in.RetailPrice = 1200
	in.MarketRetailPrice = ptr(1500.0)
	s := InputPricing(in)
	assert.Equal(t, 1500.0, s.MarketRetailPrice)
	assert.Equal(t, 300.0, s.FarmerSavings)
	assert.Equal(t, 20.0, s.SavingsPercentage)

	in.MarketRetailPrice = nil
	assert.Equal(t, 0.0, InputPricing(in).SavingsPercentage)
}

func TestQuoteFarmerPickupCardMember(t *testing.T) {
	in := fertilizer()
	inputs := map[uuid.UUID]model.AgriculturalInput{in.ID: in}

	q, err := Quote(QuoteRequest{
		Items:        []QuoteItem{{InputID: in.ID, Quantity: 10}},
		IsCardMember: true,
	}, inputs, nil)
	require.NoError(t, err)

	assert.Equal(t, "farmer_pickup", q.DeliveryOption)
	assert.Equal(t, 20.0, q.OrderSummary.PickupDiscount)
	assert.Equal(t, 980.0, q.OrderSummary.SubtotalRetail)
	assert.Equal(t, 29.4, q.OrderSummary.CardMemberDiscount)
	assert.Equal(t, 950.6, q.OrderSummary.TotalAmount)
	assert.Equal(t, 200.0, q.OrderSummary.PlatformMarginTotal)
	assert.Equal(t, 200.0, q.OrderSummary.TotalPlatformRevenue)
	assert.Equal(t, model.PickupLocation, q.Delivery.PickupLocation)

	assert.Equal(t, 1000.0, q.FarmerBenefits.TotalMarketPrice)
	assert.Equal(t, 29.4, q.FarmerBenefits.TotalFarmerSavings)
	assert.Equal(t, 2.94, q.FarmerBenefits.SavingsPercentage)
}

func TestQuotePlatformLogistics(t *testing.T) {
	in := fertilizer()
	inputs := map[uuid.UUID]model.AgriculturalInput{in.ID: in}
	opt := &model.LogisticsOption{
		ID:                       uuid.New(),
		ProviderName:             "AgriLogistics PH",
		ProviderType:             model.DeliveryPlatformLogistics,
		BaseDeliveryFee:          100,
		PerKmRate:                5,
		FreeDeliveryThreshold:    5000,
		StandardDeliveryDays:     3,
		ExpressDeliveryDays:      1,
		ExpressDeliverySurcharge: 50,
		IsActive:                 true,
	}
	req := QuoteRequest{
		Items:               []QuoteItem{{InputID: in.ID, Quantity: 10}},
		DeliveryOption:      model.DeliveryPlatformLogistics,
		LogisticsProviderID: &opt.ID,
	}

	t.Run("standard default distance", func(t *testing.T) {
		q, err := Quote(req, inputs, opt)
		require.NoError(t, err)
		assert.Equal(t, 175.0, q.OrderSummary.DeliveryFee)
		assert.Equal(t, 1175.0, q.OrderSummary.TotalAmount)
		assert.Equal(t, 15.0, q.Delivery.DistanceKm)
		assert.Equal(t, 140.0, q.Delivery.ProviderFee)
		assert.Equal(t, 35.0, q.Delivery.PlatformMargin)
		assert.Equal(t, 235.0, q.OrderSummary.TotalPlatformRevenue)
		assert.Equal(t, 3, q.Delivery.DeliveryDays)
	})

	t.Run("express", func(t *testing.T) {
		r := req
		r.DeliveryMode = DeliveryExpress
		q, err := Quote(r, inputs, opt)
		require.NoError(t, err)
		assert.Equal(t, 225.0, q.OrderSummary.DeliveryFee)
		assert.Equal(t, 1225.0, q.OrderSummary.TotalAmount)
		assert.Equal(t, 1, q.Delivery.DeliveryDays)
	})

	t.Run("explicit distance", func(t *testing.T) {
		r := req
		r.DistanceKm = ptr(4.0)
		q, err := Quote(r, inputs, opt)
		require.NoError(t, err)
		assert.Equal(t, 120.0, q.OrderSummary.DeliveryFee)
	})

	t.Run("free above threshold", func(t *testing.T) {
		cheap := *opt
		cheap.FreeDeliveryThreshold = 500
		q, err := Quote(req, inputs, &cheap)
		require.NoError(t, err)
		assert.Equal(t, 0.0, q.OrderSummary.DeliveryFee)
		assert.Equal(t, 1000.0, q.OrderSummary.TotalAmount)
	})

	t.Run("inactive option charges nothing", func(t *testing.T) {
		off := *opt
		off.IsActive = false
		q, err := Quote(req, inputs, &off)
		require.NoError(t, err)
		assert.Equal(t, 0.0, q.OrderSummary.DeliveryFee)
		assert.Empty(t, q.Delivery.Provider)
	})
}

func TestQuoteSupplierDelivery(t *testing.T) {
	in := fertilizer()
	q, err := Quote(QuoteRequest{
		Items:          []QuoteItem{{InputID: in.ID, Quantity: 10}},
		DeliveryOption: model.DeliverySupplier,
	}, map[uuid.UUID]model.AgriculturalInput{in.ID: in}, nil)
	require.NoError(t, err)
	assert.Equal(t, 75.0, q.OrderSummary.DeliveryFee)
	assert.Equal(t, 75.0, q.Delivery.ProviderFee)
	assert.Equal(t, 0.0, q.Delivery.PlatformMargin)
	assert.Equal(t, 1075.0, q.OrderSummary.TotalAmount)
	assert.Equal(t, SupplierDeliveryDays, q.Delivery.DeliveryDays)
}

func TestQuoteErrors(t *testing.T) {
	in := fertilizer()
	inputs := map[uuid.UUID]model.AgriculturalInput{in.ID: in}

	_, err := Quote(QuoteRequest{}, inputs, nil)
	assert.ErrorIs(t, err, ErrNoItems)

	_, err = Quote(QuoteRequest{Items: []QuoteItem{{InputID: in.ID, Quantity: 0}}}, inputs, nil)
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = Quote(QuoteRequest{Items: []QuoteItem{{InputID: in.ID, Quantity: 10}}, DeliveryOption: "drone"}, inputs, nil)
	assert.ErrorIs(t, err, ErrInvalidDeliveryOption)

	missing := uuid.New()
	_, err = Quote(QuoteRequest{Items: []QuoteItem{{InputID: missing, Quantity: 1}}}, inputs, nil)
	var nf *InputNotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, missing, nf.InputID)

	in.IsActive = false
	inputs[in.ID] = in
	_, err = Quote(QuoteRequest{Items: []QuoteItem{{InputID: in.ID, Quantity: 1}}}, inputs, nil)
	assert.True(t, errors.As(err, &nf))
}

func TestEstimateAll(t *testing.T) {
	opts := []model.LogisticsOption{
		{ID: uuid.New(), ProviderName: "slow", BaseDeliveryFee: 200, PerKmRate: 1, IsActive: true, StandardDeliveryDays: 5},
		{ID: uuid.New(), ProviderName: "off", BaseDeliveryFee: 1, IsActive: false},
		{ID: uuid.New(), ProviderName: "fast", BaseDeliveryFee: 50, PerKmRate: 10, IsActive: true, StandardDeliveryDays: 2},
	}
	got := EstimateAll(opts, 10)
	require.Len(t, got, 2)
	assert.Equal(t, "fast", got[0].ProviderName)
	assert.Equal(t, 150.0, got[0].TotalCost)
	assert.Equal(t, 210.0, got[1].TotalCost)
	assert.Equal(t, 5, got[1].DeliveryDays)
}

func TestRound2(t *testing.T) {
	assert.Equal(t, 1.24, Round2(1.236))
	assert.Equal(t, 0.0, Round2(0.004))
	assert.Equal(t, -2.5, Round2(-2.5))
}

func TestMonthlyPayment(t *testing.T) {
	// 100,000 at 12% over 12 months.
	assert.InDelta(t, 8884.88, MonthlyPayment(100000, 12, 12), 0.01)
	assert.Equal(t, 1000.0, MonthlyPayment(12000, 0, 12))
	assert.Zero(t, MonthlyPayment(1000, 12, 0))
}
