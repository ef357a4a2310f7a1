package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/magsasa-card/magsasa/internal/model"
)

// periodWindow returns the [start, end) window a rollup row dated day covers.
func periodWindow(period string, day time.Time) (time.Time, time.Time) {
	end := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	switch period {
	case model.PeriodWeekly:
		return end.AddDate(0, 0, -7), end
	case model.PeriodMonthly:
		return end.AddDate(0, -1, 0), end
	default:
		return end.AddDate(0, 0, -1), end
	}
}

// RollupPricingAnalytics recomputes the period's pricing_analytics rows dated
// day from the non-cancelled orders in the period window. It returns the
// number of inputs written.
func (db *DB) RollupPricingAnalytics(ctx context.Context, period string, day time.Time) (int64, error) {
	if !model.ValidPeriod(period) {
		return 0, fmt.Errorf("storage: rollup: unknown period %q", period)
	}
	start, end := periodWindow(period, day)
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO pricing_analytics (date, period_type, input_id, avg_wholesale_price, avg_retail_price,
		     avg_platform_margin, total_quantity_sold, total_transactions, total_revenue, total_platform_revenue,
		     market_price_comparison, avg_delivery_fee, platform_logistics_usage, supplier_delivery_usage,
		     farmer_pickup_usage)
		 SELECT $1::date, $2, ai.id,
		        avg(ai.wholesale_price), avg((item->>'unit_price')::float8),
		        avg((item->>'margin_total')::float8 / NULLIF((item->>'quantity')::float8, 0)),
		        sum((item->>'quantity')::int), count(DISTINCT t.id),
		        sum((item->>'item_total')::float8), sum((item->>'margin_total')::float8),
		        avg(CASE WHEN (item->>'market_price')::float8 > 0
		                 THEN ((item->>'market_price')::float8 - (item->>'unit_price')::float8)
		                      / (item->>'market_price')::float8 * 100 ELSE 0 END),
		        avg(t.delivery_fee),
		        count(DISTINCT t.id) FILTER (WHERE t.delivery_option = 'platform_logistics'),
		        count(DISTINCT t.id) FILTER (WHERE t.delivery_option = 'supplier_delivery'),
		        count(DISTINCT t.id) FILTER (WHERE t.delivery_option = 'farmer_pickup')
		 FROM input_transactions t
		 CROSS JOIN LATERAL jsonb_array_elements(t.items) AS item
		 JOIN agricultural_inputs ai ON ai.id = (item->>'input_id')::uuid
		 WHERE t.created_at >= $3 AND t.created_at < $4 AND t.status <> 'cancelled'
		 GROUP BY ai.id
		 ON CONFLICT (date, period_type, input_id) DO UPDATE SET
		     avg_wholesale_price = EXCLUDED.avg_wholesale_price,
		     avg_retail_price = EXCLUDED.avg_retail_price,
		     avg_platform_margin = EXCLUDED.avg_platform_margin,
		     total_quantity_sold = EXCLUDED.total_quantity_sold,
		     total_transactions = EXCLUDED.total_transactions,
		     total_revenue = EXCLUDED.total_revenue,
		     total_platform_revenue = EXCLUDED.total_platform_revenue,
		     market_price_comparison = EXCLUDED.market_price_comparison,
		     avg_delivery_fee = EXCLUDED.avg_delivery_fee,
		     platform_logistics_usage = EXCLUDED.platform_logistics_usage,
		     supplier_delivery_usage = EXCLUDED.supplier_delivery_usage,
		     farmer_pickup_usage = EXCLUDED.farmer_pickup_usage`,
		end.AddDate(0, 0, -1), period, start, end,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: rollup pricing analytics: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListPricingAnalytics returns rollup rows for period, newest first, joined
// to their input. An empty category lists every category.
func (db *DB) ListPricingAnalytics(ctx context.Context, period, category string, limit int) ([]model.PricingAnalytics, error) {
	flt := newFilter("pa.period_type = ?", period)
	flt.addIf(category != "", "ai.category ILIKE ?", category)
	args := append(flt.args, limit)
	rows, err := db.pool.Query(ctx,
		`SELECT pa.id, pa.date, pa.period_type, pa.input_id, ai.name, ai.category, pa.avg_wholesale_price,
		        pa.avg_retail_price, pa.avg_platform_margin, pa.total_quantity_sold, pa.total_transactions,
		        pa.total_revenue, pa.total_platform_revenue, pa.market_price_comparison, pa.avg_delivery_fee,
		        pa.platform_logistics_usage, pa.supplier_delivery_usage, pa.farmer_pickup_usage
		 FROM pricing_analytics pa JOIN agricultural_inputs ai ON ai.id = pa.input_id`+flt.where()+
			fmt.Sprintf(` ORDER BY pa.date DESC, ai.name LIMIT $%d`, len(args)),
		args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list pricing analytics: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.PricingAnalytics, error) {
		var a model.PricingAnalytics
		err := row.Scan(&a.ID, &a.Date, &a.PeriodType, &a.InputID, &a.InputName, &a.Category,
			&a.AvgWholesalePrice, &a.AvgRetailPrice, &a.AvgPlatformMargin, &a.TotalQuantitySold,
			&a.TotalTransactions, &a.TotalRevenue, &a.TotalPlatformRevenue, &a.MarketPriceComparison,
			&a.AvgDeliveryFee, &a.PlatformLogisticsUsage, &a.SupplierDeliveryUsage, &a.FarmerPickupUsage)
		return a, err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan pricing analytics: %w", err)
	}
	return out, nil
}
