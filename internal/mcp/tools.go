package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/magsasa-card/magsasa/internal/authz"
	"github.com/magsasa-card/magsasa/internal/ctxutil"
	"github.com/magsasa-card/magsasa/internal/model"
	"github.com/magsasa-card/magsasa/internal/pricing"
	"github.com/magsasa-card/magsasa/internal/storage"
)

const (
	defaultCatalogLimit = 20
	maxCatalogLimit     = 100
)

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("magsasa_price_quote",
			mcplib.WithDescription(`Price an order of agricultural inputs without placing it.

WHEN TO USE: A farmer asks what a basket of inputs would cost, or wants to
compare pickup against delivery. The result is the same quote the order
endpoint charges.

WHAT YOU GET BACK:
- order_summary: subtotals, delivery fee, discounts and total_amount
- items: per-line unit price (bulk tiers applied) and savings
- delivery: the chosen delivery option and its fees
- farmer_benefits: savings against market prices

EXAMPLE: items='[{"input_id":"<uuid>","quantity":10}]', delivery_option="farmer_pickup", is_card_member=true`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("items",
				mcplib.Description(`JSON array of {"input_id": "<uuid>", "quantity": <int>} lines`),
				mcplib.Required(),
			),
			mcplib.WithString("delivery_option",
				mcplib.Description("How the order reaches the farmer"),
				mcplib.Enum(string(model.DeliveryFarmerPickup), string(model.DeliveryPlatformLogistics), string(model.DeliverySupplier)),
				mcplib.DefaultString(string(model.DeliveryFarmerPickup)),
			),
			mcplib.WithString("logistics_provider_id",
				mcplib.Description("Logistics option id, used with platform_logistics"),
			),
			mcplib.WithString("delivery_mode",
				mcplib.Description("standard or express, used with platform_logistics"),
			),
			mcplib.WithNumber("distance_km",
				mcplib.Description("Delivery distance in kilometres. Defaults to 15."),
				mcplib.Min(0),
			),
			mcplib.WithBoolean("is_card_member",
				mcplib.Description("Apply the CARD member discount"),
			),
		),
		s.handlePriceQuote,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("magsasa_input_catalog",
			mcplib.WithDescription(`Browse the active agricultural input catalog with price comparisons.

WHEN TO USE: To find products (fertilizer, seed, pesticide, equipment) and
their input_id before quoting, or to answer "how much is urea?".`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("category",
				mcplib.Description("Filter by category, e.g. fertilizer"),
			),
			mcplib.WithString("search",
				mcplib.Description("Case-insensitive match on name, brand or description"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum results to return"),
				mcplib.Min(1),
				mcplib.Max(maxCatalogLimit),
				mcplib.DefaultNumber(defaultCatalogLimit),
			),
		),
		s.handleInputCatalog,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("magsasa_logistics_options",
			mcplib.WithDescription(`List active delivery providers with their fees and lead times.

WHEN TO USE: Before quoting platform_logistics delivery, to pick a
logistics_provider_id that serves the farmer's area.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("location",
				mcplib.Description("Only providers serving this region, e.g. Laguna"),
			),
			mcplib.WithNumber("min_order",
				mcplib.Description("Order value in PHP; drops providers whose minimum order is higher"),
				mcplib.Min(0),
			),
		),
		s.handleLogisticsOptions,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("magsasa_agscore_latest",
			mcplib.WithDescription(`Fetch a farmer's most recent AgScore credit assessment.

WHEN TO USE: When a loan officer asks about a farmer's risk tier, score
breakdown or recommended loan amount.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("farmer_id",
				mcplib.Description("Farmer UUID"),
				mcplib.Required(),
			),
		),
		s.handleAgScoreLatest,
	)
}

// scope returns the caller's organization, or a tool error when the caller
// is unauthenticated or lacks perm.
func scope(ctx context.Context, perm authz.Permission) (uuid.UUID, *mcplib.CallToolResult) {
	if ctxutil.ClaimsFromContext(ctx) == nil {
		return uuid.Nil, errorResult("authentication required")
	}
	orgID := ctxutil.OrgIDFromContext(ctx)
	if orgID == uuid.Nil {
		return uuid.Nil, errorResult("no active organization")
	}
	if !authz.HasPermission(ctxutil.RoleFromContext(ctx), perm) {
		return uuid.Nil, errorResult("insufficient permissions")
	}
	return orgID, nil
}

// quoteItems accepts items either as a JSON string or as an already
// decoded array.
func quoteItems(raw any) ([]pricing.QuoteItem, error) {
	var data []byte
	switch v := raw.(type) {
	case nil:
		return nil, pricing.ErrNoItems
	case string:
		data = []byte(v)
	default:
		var err error
		if data, err = json.Marshal(v); err != nil {
			return nil, err
		}
	}
	var items []pricing.QuoteItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("items must be a JSON array of {input_id, quantity}: %w", err)
	}
	return items, nil
}

func (s *Server) handlePriceQuote(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if _, denied := scope(ctx, authz.PricingRead); denied != nil {
		return denied, nil
	}

	items, err := quoteItems(request.GetArguments()["items"])
	if err != nil {
		return errorResult(err.Error()), nil
	}
	req := pricing.QuoteRequest{
		Items:          items,
		DeliveryOption: model.DeliveryOption(request.GetString("delivery_option", string(model.DeliveryFarmerPickup))),
		DeliveryMode:   request.GetString("delivery_mode", ""),
		IsCardMember:   request.GetBool("is_card_member", false),
	}
	if d := request.GetFloat("distance_km", 0); d > 0 {
		req.DistanceKm = &d
	}

	var logistics *model.LogisticsOption
	if idStr := request.GetString("logistics_provider_id", ""); idStr != "" {
		id, err := uuid.Parse(idStr)
		if err != nil {
			return errorResult("logistics_provider_id must be a UUID"), nil
		}
		req.LogisticsProviderID = &id
		opt, err := s.store.GetLogisticsOption(ctx, id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			return errorResult(fmt.Sprintf("logistics lookup failed: %v", err)), nil
		default:
			logistics = &opt
		}
	}

	ids := make([]uuid.UUID, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.InputID)
	}
	inputs, err := s.store.GetActiveInputs(ctx, ids)
	if err != nil {
		return errorResult(fmt.Sprintf("input lookup failed: %v", err)), nil
	}

	quote, err := pricing.Quote(req, inputs, logistics)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(quote)
}

type catalogEntry struct {
	model.AgriculturalInput
	Pricing pricing.Summary `json:"pricing"`
}

func (s *Server) handleInputCatalog(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if _, denied := scope(ctx, authz.InputRead); denied != nil {
		return denied, nil
	}

	limit := request.GetInt("limit", defaultCatalogLimit)
	if limit < 1 || limit > maxCatalogLimit {
		limit = defaultCatalogLimit
	}
	inputs, total, err := s.store.ListInputs(ctx, storage.InputFilter{
		Category: request.GetString("category", ""),
		Search:   request.GetString("search", ""),
		Limit:    limit,
	})
	if err != nil {
		return errorResult(fmt.Sprintf("catalog query failed: %v", err)), nil
	}

	entries := make([]catalogEntry, 0, len(inputs))
	for _, in := range inputs {
		entries = append(entries, catalogEntry{AgriculturalInput: in, Pricing: pricing.InputPricing(in)})
	}
	return jsonResult(map[string]any{
		"inputs": entries,
		"total":  total,
	})
}

func (s *Server) handleLogisticsOptions(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if _, denied := scope(ctx, authz.LogisticsRead); denied != nil {
		return denied, nil
	}

	f := storage.LogisticsFilter{Location: request.GetString("location", "")}
	if v := request.GetFloat("min_order", 0); v > 0 {
		f.MinOrder = &v
	}
	opts, err := s.store.ListLogisticsOptions(ctx, f)
	if err != nil {
		return errorResult(fmt.Sprintf("logistics query failed: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"logistics_options": opts,
		"estimates":         pricing.EstimateAll(opts, pricing.DefaultDistanceKm),
		"total":             len(opts),
	})
}

func (s *Server) handleAgScoreLatest(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	orgID, denied := scope(ctx, authz.AgScoreRead)
	if denied != nil {
		return denied, nil
	}

	farmerID, err := uuid.Parse(request.GetString("farmer_id", ""))
	if err != nil {
		return errorResult("farmer_id must be a UUID"), nil
	}
	a, err := s.store.GetLatestAssessment(ctx, orgID, farmerID)
	if errors.Is(err, storage.ErrNotFound) {
		return errorResult("no AgScore assessment found for this farmer"), nil
	}
	if err != nil {
		return errorResult(fmt.Sprintf("assessment lookup failed: %v", err)), nil
	}
	return jsonResult(a)
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
