package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/magsasa-card/magsasa/internal/model"
)

const inputColumns = `id, name, category, input_type, brand, description, active_ingredient, concentration,
	package_size, unit_of_measure, wholesale_price, wholesale_minimum_quantity, retail_price, market_retail_price,
	platform_margin, margin_percentage, bulk_tier_1_quantity, bulk_tier_1_price, bulk_tier_2_quantity,
	bulk_tier_2_price, bulk_tier_3_quantity, bulk_tier_3_price, supplier_delivery_available, supplier_delivery_fee,
	supplier_delivery_radius_km, supplier_minimum_order, supplier_delivery_days, platform_logistics_available,
	platform_logistics_base_fee, platform_logistics_per_km_rate, platform_logistics_minimum_order,
	platform_logistics_delivery_days, farmer_pickup_available, pickup_location_address, pickup_discount_percentage,
	supplier_name, supplier_organization_id, application_rate, application_method, crop_suitability,
	current_stock, reorder_level, max_stock_level, expiry_date, batch_number, quality_certification, is_active,
	created_at, updated_at`

func inputFields(in *model.AgriculturalInput) []any {
	return []any{
		&in.ID, &in.Name, &in.Category, &in.InputType, &in.Brand, &in.Description, &in.ActiveIngredient,
		&in.Concentration, &in.PackageSize, &in.UnitOfMeasure, &in.WholesalePrice, &in.WholesaleMinimumQuantity,
		&in.RetailPrice, &in.MarketRetailPrice, &in.PlatformMargin, &in.MarginPercentage,
		&in.BulkTier1.Quantity, &in.BulkTier1.Price, &in.BulkTier2.Quantity, &in.BulkTier2.Price,
		&in.BulkTier3.Quantity, &in.BulkTier3.Price, &in.SupplierDeliveryAvailable, &in.SupplierDeliveryFee,
		&in.SupplierDeliveryRadiusKm, &in.SupplierMinimumOrder, &in.SupplierDeliveryDays,
		&in.PlatformLogisticsAvailable, &in.PlatformLogisticsBaseFee, &in.PlatformLogisticsPerKmRate,
		&in.PlatformLogisticsMinimumOrder, &in.PlatformLogisticsDeliveryDays, &in.FarmerPickupAvailable,
		&in.PickupLocationAddress, &in.PickupDiscountPercentage, &in.SupplierName, &in.SupplierOrganizationID,
		&in.ApplicationRate, &in.ApplicationMethod, &in.CropSuitability, &in.CurrentStock, &in.ReorderLevel,
		&in.MaxStockLevel, &in.ExpiryDate, &in.BatchNumber, &in.QualityCertification, &in.IsActive,
		&in.CreatedAt, &in.UpdatedAt,
	}
}

func scanInput(row pgx.Row) (model.AgriculturalInput, error) {
	var in model.AgriculturalInput
	err := row.Scan(inputFields(&in)...)
	return in, err
}

func collectInputs(rows pgx.Rows) ([]model.AgriculturalInput, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.AgriculturalInput, error) {
		return scanInput(row)
	})
}

// CreateInput inserts a catalog item together with its initial pricing
// history row. The platform margin is derived from the two prices.
func (db *DB) CreateInput(ctx context.Context, in model.AgriculturalInput, changedBy *uuid.UUID) (model.AgriculturalInput, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if in.WholesaleMinimumQuantity == 0 {
		in.WholesaleMinimumQuantity = 1
	}
	if in.CropSuitability == nil {
		in.CropSuitability = []string{}
	}
	in.PlatformMargin, in.MarginPercentage = marginOf(in.WholesalePrice, in.RetailPrice)

	var created model.AgriculturalInput
	err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		var err error
		created, err = scanInput(tx.QueryRow(ctx,
			`INSERT INTO agricultural_inputs (id, name, category, input_type, brand, description, active_ingredient,
			     concentration, package_size, unit_of_measure, wholesale_price, wholesale_minimum_quantity,
			     retail_price, market_retail_price, platform_margin, margin_percentage, bulk_tier_1_quantity,
			     bulk_tier_1_price, bulk_tier_2_quantity, bulk_tier_2_price, bulk_tier_3_quantity, bulk_tier_3_price,
			     supplier_delivery_available, supplier_delivery_fee, supplier_delivery_radius_km,
			     supplier_minimum_order, supplier_delivery_days, platform_logistics_available,
			     platform_logistics_base_fee, platform_logistics_per_km_rate, platform_logistics_minimum_order,
			     platform_logistics_delivery_days, farmer_pickup_available, pickup_location_address,
			     pickup_discount_percentage, supplier_name, supplier_organization_id, application_rate,
			     application_method, crop_suitability, current_stock, reorder_level, max_stock_level, expiry_date,
			     batch_number, quality_certification, is_active)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
			         $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31, $32, $33, $34, $35, $36, $37, $38, $39,
			         $40, $41, $42, $43, $44, $45, $46, true)
			 RETURNING `+inputColumns,
			in.ID, in.Name, in.Category, in.InputType, in.Brand, in.Description, in.ActiveIngredient,
			in.Concentration, in.PackageSize, in.UnitOfMeasure, in.WholesalePrice, in.WholesaleMinimumQuantity,
			in.RetailPrice, in.MarketRetailPrice, in.PlatformMargin, in.MarginPercentage,
			in.BulkTier1.Quantity, in.BulkTier1.Price, in.BulkTier2.Quantity, in.BulkTier2.Price,
			in.BulkTier3.Quantity, in.BulkTier3.Price, in.SupplierDeliveryAvailable, in.SupplierDeliveryFee,
			in.SupplierDeliveryRadiusKm, in.SupplierMinimumOrder, in.SupplierDeliveryDays,
			in.PlatformLogisticsAvailable, in.PlatformLogisticsBaseFee, in.PlatformLogisticsPerKmRate,
			in.PlatformLogisticsMinimumOrder, in.PlatformLogisticsDeliveryDays, in.FarmerPickupAvailable,
			in.PickupLocationAddress, in.PickupDiscountPercentage, in.SupplierName, in.SupplierOrganizationID,
			in.ApplicationRate, in.ApplicationMethod, in.CropSuitability, in.CurrentStock, in.ReorderLevel,
			in.MaxStockLevel, in.ExpiryDate, in.BatchNumber, in.QualityCertification,
		))
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO pricing_history (input_id, wholesale_price, retail_price, platform_margin, margin_percentage,
			     change_reason, changed_by)
			 VALUES ($1, $2, $3, $4, $5, 'initial', $6)`,
			created.ID, created.WholesalePrice, created.RetailPrice, created.PlatformMargin,
			created.MarginPercentage, changedBy)
		return err
	})
	if err != nil {
		return model.AgriculturalInput{}, fmt.Errorf("storage: create input: %w", err)
	}
	return created, nil
}

func marginOf(wholesale, retail float64) (margin, pct float64) {
	margin = retail - wholesale
	if retail > 0 {
		pct = margin / retail * 100
	}
	return margin, pct
}

// GetInput returns a catalog item by id, active or not.
func (db *DB) GetInput(ctx context.Context, id uuid.UUID) (model.AgriculturalInput, error) {
	in, err := scanInput(db.pool.QueryRow(ctx, `SELECT `+inputColumns+` FROM agricultural_inputs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.AgriculturalInput{}, fmt.Errorf("storage: input %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.AgriculturalInput{}, fmt.Errorf("storage: get input: %w", err)
	}
	return in, nil
}

// GetActiveInputs returns the active inputs among ids keyed by id. Missing or
// inactive ids are absent from the map.
func (db *DB) GetActiveInputs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]model.AgriculturalInput, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+inputColumns+` FROM agricultural_inputs WHERE id = ANY($1) AND is_active`, ids)
	if err != nil {
		return nil, fmt.Errorf("storage: get inputs: %w", err)
	}
	list, err := collectInputs(rows)
	if err != nil {
		return nil, fmt.Errorf("storage: scan inputs: %w", err)
	}
	out := make(map[uuid.UUID]model.AgriculturalInput, len(list))
	for _, in := range list {
		out[in.ID] = in
	}
	return out, nil
}

// InputFilter narrows ListInputs to active inputs matching every set field.
type InputFilter struct {
	Category               string
	InputType              model.InputType
	Search                 string
	SupplierOrganizationID *uuid.UUID
	Limit                  int
	Offset                 int
}

// ListInputs returns active catalog items ordered by category and name.
func (db *DB) ListInputs(ctx context.Context, f InputFilter) ([]model.AgriculturalInput, int, error) {
	flt := &filter{}
	flt.raw("is_active")
	flt.addIf(f.Category != "", "category ILIKE ?", f.Category)
	flt.addIf(f.InputType != "", "input_type = ?", f.InputType)
	flt.addIf(f.Search != "", "(name ILIKE ? OR brand ILIKE ? OR description ILIKE ?)", "%"+f.Search+"%")
	if f.SupplierOrganizationID != nil {
		flt.add("supplier_organization_id = ?", *f.SupplierOrganizationID)
	}

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT count(*) FROM agricultural_inputs`+flt.where(), flt.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count inputs: %w", err)
	}
	pageSQL, args := flt.page(f.Limit, f.Offset)
	rows, err := db.pool.Query(ctx,
		`SELECT `+inputColumns+` FROM agricultural_inputs`+flt.where()+` ORDER BY category, name`+pageSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list inputs: %w", err)
	}
	out, err := collectInputs(rows)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: scan inputs: %w", err)
	}
	return out, total, nil
}

// UpdateInputPrice changes an input's prices. In one transaction it closes the
// open pricing history row and opens a new one carrying reason. It returns the
// input before and after the change.
func (db *DB) UpdateInputPrice(ctx context.Context, id uuid.UUID, c model.PriceChange, changedBy *uuid.UUID) (before, after model.AgriculturalInput, err error) {
	margin, pct := marginOf(c.WholesalePrice, c.RetailPrice)
	err = pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		var err error
		before, err = scanInput(tx.QueryRow(ctx,
			`SELECT `+inputColumns+` FROM agricultural_inputs WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		after, err = scanInput(tx.QueryRow(ctx,
			`UPDATE agricultural_inputs SET wholesale_price = $2, retail_price = $3, platform_margin = $4,
			     margin_percentage = $5, updated_at = now()
			 WHERE id = $1
			 RETURNING `+inputColumns,
			id, c.WholesalePrice, c.RetailPrice, margin, pct))
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE pricing_history SET effective_to = now() WHERE input_id = $1 AND effective_to IS NULL`, id,
		); err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO pricing_history (input_id, wholesale_price, retail_price, platform_margin, margin_percentage,
			     change_reason, changed_by)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			id, c.WholesalePrice, c.RetailPrice, margin, pct, c.ChangeReason, changedBy)
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return before, after, fmt.Errorf("storage: input %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return before, after, fmt.Errorf("storage: update input price: %w", err)
	}
	return before, after, nil
}

// ListPricingHistory returns an input's price records, newest first.
func (db *DB) ListPricingHistory(ctx context.Context, inputID uuid.UUID) ([]model.PricingHistory, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, input_id, effective_from, effective_to, wholesale_price, retail_price, platform_margin,
		        margin_percentage, change_reason, changed_by
		 FROM pricing_history WHERE input_id = $1 ORDER BY effective_from DESC`, inputID)
	if err != nil {
		return nil, fmt.Errorf("storage: list pricing history: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.PricingHistory, error) {
		var h model.PricingHistory
		err := row.Scan(&h.ID, &h.InputID, &h.EffectiveFrom, &h.EffectiveTo, &h.WholesalePrice, &h.RetailPrice,
			&h.PlatformMargin, &h.MarginPercentage, &h.ChangeReason, &h.ChangedBy)
		return h, err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan pricing history: %w", err)
	}
	return out, nil
}

// ListActiveInputs returns every active input ordered by category and name.
func (db *DB) ListActiveInputs(ctx context.Context) ([]model.AgriculturalInput, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+inputColumns+` FROM agricultural_inputs WHERE is_active ORDER BY category, name`)
	if err != nil {
		return nil, fmt.Errorf("storage: list active inputs: %w", err)
	}
	out, err := collectInputs(rows)
	if err != nil {
		return nil, fmt.Errorf("storage: scan active inputs: %w", err)
	}
	return out, nil
}

// CountActiveInputs returns the number of active catalog items.
func (db *DB) CountActiveInputs(ctx context.Context) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx, `SELECT count(*) FROM agricultural_inputs WHERE is_active`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count active inputs: %w", err)
	}
	return n, nil
}
