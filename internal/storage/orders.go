package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/magsasa-card/magsasa/internal/model"
	"github.com/magsasa-card/magsasa/internal/pricing"
)

// defaultDeliveryDays applies when the quote carries no provider schedule.
const defaultDeliveryDays = 2

// NewOrder is a request to place an order for a farmer.
type NewOrder struct {
	OrgID           uuid.UUID
	FarmerID        uuid.UUID
	Quote           pricing.QuoteRequest
	DeliveryAddress string
	PaymentMethod   string
	Notes           string
	CreatedBy       *uuid.UUID
	// Audit, when set, is written in the order's transaction with ResourceID
	// and AfterData filled in from the created order.
	Audit *MutationAuditEntry
}

// PlacedOrder is the outcome of CreateOrder.
type PlacedOrder struct {
	Transaction model.InputTransaction
	Quote       pricing.QuoteResult
	Delivery    *model.DeliveryOrder
}

// CreateOrder prices and records an order in one serializable transaction,
// retried on serialization failures. The requested inputs are locked, stock
// is checked and decremented, and a delivery order with a pending tracking
// event is created for delivered options. The card-member discount follows
// the farmer record, not the request. A shortfall yields *StockError; an
// unknown or inactive input yields *pricing.InputNotFoundError.
func (db *DB) CreateOrder(ctx context.Context, o NewOrder) (PlacedOrder, error) {
	var placed PlacedOrder
	err := WithRetry(ctx, DefaultMaxRetries, DefaultRetryDelay, func() error {
		var err error
		placed, err = db.createOrderTx(ctx, o)
		return err
	})
	if err != nil {
		return PlacedOrder{}, fmt.Errorf("storage: create order: %w", err)
	}
	return placed, nil
}

func (db *DB) createOrderTx(ctx context.Context, o NewOrder) (PlacedOrder, error) {
	var placed PlacedOrder
	err := pgx.BeginTxFunc(ctx, db.pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(tx pgx.Tx) error {
		var isCardMember bool
		err := tx.QueryRow(ctx,
			`SELECT is_card_member FROM farmers WHERE id = $1 AND organization_id = $2`, o.FarmerID, o.OrgID,
		).Scan(&isCardMember)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("farmer %s: %w", o.FarmerID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load farmer: %w", err)
		}

		wanted := map[uuid.UUID]int{}
		ids := make([]uuid.UUID, 0, len(o.Quote.Items))
		for _, it := range o.Quote.Items {
			if _, seen := wanted[it.InputID]; !seen {
				ids = append(ids, it.InputID)
			}
			wanted[it.InputID] += it.Quantity
		}
		rows, err := tx.Query(ctx,
			`SELECT `+inputColumns+` FROM agricultural_inputs WHERE id = ANY($1) AND is_active
			 ORDER BY id FOR UPDATE`, ids)
		if err != nil {
			return fmt.Errorf("lock inputs: %w", err)
		}
		locked, err := collectInputs(rows)
		if err != nil {
			return fmt.Errorf("scan inputs: %w", err)
		}
		inputs := make(map[uuid.UUID]model.AgriculturalInput, len(locked))
		for _, in := range locked {
			inputs[in.ID] = in
		}
		for _, id := range ids {
			in, ok := inputs[id]
			if !ok {
				return &pricing.InputNotFoundError{InputID: id}
			}
			if in.CurrentStock < wanted[id] {
				return &StockError{InputName: in.Name, Available: in.CurrentStock, Requested: wanted[id]}
			}
		}

		var logistics *model.LogisticsOption
		if o.Quote.LogisticsProviderID != nil {
			opt, err := scanLogisticsOption(tx.QueryRow(ctx,
				`SELECT `+logisticsColumns+` FROM logistics_options WHERE id = $1`, *o.Quote.LogisticsProviderID))
			switch {
			case err == nil:
				logistics = &opt
			case !errors.Is(err, pgx.ErrNoRows):
				return fmt.Errorf("load logistics option: %w", err)
			}
		}

		req := o.Quote
		req.IsCardMember = isCardMember
		quote, err := pricing.Quote(req, inputs, logistics)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		txn := model.InputTransaction{
			ID:                 uuid.New(),
			OrganizationID:     o.OrgID,
			FarmerID:           o.FarmerID,
			Items:              quote.Items,
			SubtotalWholesale:  quote.OrderSummary.SubtotalWholesale,
			SubtotalRetail:     quote.OrderSummary.SubtotalRetail,
			DeliveryFee:        quote.OrderSummary.DeliveryFee,
			CardMemberDiscount: quote.OrderSummary.CardMemberDiscount,
			PickupDiscount:     quote.OrderSummary.PickupDiscount,
			TotalAmount:        quote.OrderSummary.TotalAmount,
			PlatformMargin:     quote.OrderSummary.PlatformMarginTotal,
			PlatformRevenue:    quote.OrderSummary.TotalPlatformRevenue,
			DeliveryOption:     quote.Delivery.Option,
			LogisticsOptionID:  quote.Delivery.LogisticsOptionID,
			DeliveryAddress:    o.DeliveryAddress,
			PaymentMethod:      o.PaymentMethod,
			PaymentStatus:      model.PaymentPending,
			CardMember:         isCardMember,
			Status:             model.OrderPending,
			Notes:              o.Notes,
			CreatedBy:          o.CreatedBy,
		}
		if txn.PaymentMethod == "" {
			txn.PaymentMethod = model.DefaultPaymentMethod
		}
		txn.TransactionCode = model.TransactionCode(now, txn.ID)
		itemsJSON, err := json.Marshal(txn.Items)
		if err != nil {
			return fmt.Errorf("marshal items: %w", err)
		}
		if err := tx.QueryRow(ctx,
			`INSERT INTO input_transactions (id, organization_id, transaction_code, farmer_id, items,
			     subtotal_wholesale, subtotal_retail, delivery_fee, card_member_discount, pickup_discount,
			     total_amount, platform_margin, platform_revenue, delivery_option, logistics_option_id,
			     delivery_address, payment_method, payment_status, card_member, status, notes, created_by)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
			 RETURNING created_at, updated_at`,
			txn.ID, txn.OrganizationID, txn.TransactionCode, txn.FarmerID, itemsJSON, txn.SubtotalWholesale,
			txn.SubtotalRetail, txn.DeliveryFee, txn.CardMemberDiscount, txn.PickupDiscount, txn.TotalAmount,
			txn.PlatformMargin, txn.PlatformRevenue, txn.DeliveryOption, txn.LogisticsOptionID,
			txn.DeliveryAddress, txn.PaymentMethod, txn.PaymentStatus, txn.CardMember, txn.Status, txn.Notes,
			txn.CreatedBy,
		).Scan(&txn.CreatedAt, &txn.UpdatedAt); err != nil {
			return fmt.Errorf("insert transaction: %w", uniqueViolation(err))
		}

		for _, id := range ids {
			if _, err := tx.Exec(ctx,
				`UPDATE agricultural_inputs SET current_stock = current_stock - $2, updated_at = now() WHERE id = $1`,
				id, wanted[id],
			); err != nil {
				return fmt.Errorf("decrement stock: %w", err)
			}
		}

		var delivery *model.DeliveryOrder
		if txn.DeliveryOption == model.DeliveryPlatformLogistics || txn.DeliveryOption == model.DeliverySupplier {
			days := quote.Delivery.DeliveryDays
			if days <= 0 {
				days = defaultDeliveryDays
			}
			d := model.DeliveryOrder{
				ID:                    uuid.New(),
				TransactionID:         txn.ID,
				LogisticsOptionID:     txn.LogisticsOptionID,
				PickupAddress:         model.PickupLocation,
				DeliveryAddress:       o.DeliveryAddress,
				ScheduledDeliveryDate: now.AddDate(0, 0, days),
				CurrentStatus:         model.DeliveryPending,
				ProviderName:          quote.Delivery.Provider,
				TransactionCode:       txn.TransactionCode,
			}
			d.DeliveryCode = model.DeliveryCode(now, d.ID)
			if err := tx.QueryRow(ctx,
				`INSERT INTO delivery_orders (id, transaction_id, logistics_option_id, delivery_code, pickup_address,
				     delivery_address, scheduled_delivery_date, current_status)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				 RETURNING created_at, updated_at`,
				d.ID, d.TransactionID, d.LogisticsOptionID, d.DeliveryCode, d.PickupAddress, d.DeliveryAddress,
				d.ScheduledDeliveryDate, d.CurrentStatus,
			).Scan(&d.CreatedAt, &d.UpdatedAt); err != nil {
				return fmt.Errorf("insert delivery: %w", err)
			}
			if err := insertTracking(ctx, tx, model.DeliveryTracking{
				DeliveryOrderID: d.ID, Status: model.DeliveryPending, Description: "Order placed", UpdatedBy: "system",
			}); err != nil {
				return fmt.Errorf("insert tracking: %w", err)
			}
			delivery = &d
		}

		if o.Audit != nil {
			entry := *o.Audit
			entry.ResourceID = txn.ID.String()
			entry.AfterData = txn
			if err := InsertMutationAuditTx(ctx, tx, entry); err != nil {
				return err
			}
		}

		placed = PlacedOrder{Transaction: txn, Quote: quote, Delivery: delivery}
		return nil
	})
	return placed, err
}

const transactionColumns = `t.id, t.organization_id, t.transaction_code, t.farmer_id,
	COALESCE(f.first_name || ' ' || f.last_name, ''), t.items, t.subtotal_wholesale, t.subtotal_retail,
	t.delivery_fee, t.card_member_discount, t.pickup_discount, t.total_amount, t.platform_margin,
	t.platform_revenue, t.delivery_option, t.logistics_option_id, t.delivery_address, t.payment_method,
	t.payment_status, t.payment_reference, t.payment_date, t.card_member, t.status, t.notes, t.created_by,
	t.created_at, t.updated_at`

const transactionFrom = ` FROM input_transactions t LEFT JOIN farmers f ON f.id = t.farmer_id`

func scanTransaction(row pgx.Row) (model.InputTransaction, error) {
	var (
		t     model.InputTransaction
		items []byte
	)
	err := row.Scan(&t.ID, &t.OrganizationID, &t.TransactionCode, &t.FarmerID, &t.FarmerName, &items,
		&t.SubtotalWholesale, &t.SubtotalRetail, &t.DeliveryFee, &t.CardMemberDiscount, &t.PickupDiscount,
		&t.TotalAmount, &t.PlatformMargin, &t.PlatformRevenue, &t.DeliveryOption, &t.LogisticsOptionID,
		&t.DeliveryAddress, &t.PaymentMethod, &t.PaymentStatus, &t.PaymentReference, &t.PaymentDate,
		&t.CardMember, &t.Status, &t.Notes, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return t, err
	}
	if err := json.Unmarshal(items, &t.Items); err != nil {
		return t, fmt.Errorf("decode items: %w", err)
	}
	return t, nil
}

// GetOrder returns an order of orgID by id.
func (db *DB) GetOrder(ctx context.Context, orgID, id uuid.UUID) (model.InputTransaction, error) {
	t, err := scanTransaction(db.pool.QueryRow(ctx,
		`SELECT `+transactionColumns+transactionFrom+` WHERE t.id = $1 AND t.organization_id = $2`, id, orgID))
	if errors.Is(err, pgx.ErrNoRows) {
		return t, fmt.Errorf("storage: order %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return t, fmt.Errorf("storage: get order: %w", err)
	}
	return t, nil
}

// OrderStatusChange is a status update for an order. Nil fields are left unchanged.
type OrderStatusChange struct {
	Status        model.OrderStatus
	PaymentStatus *model.PaymentStatus
	Notes         *string
}

// UpdateOrderStatus applies c to an order. A completed payment stamps
// payment_date. Cancelling a pending order returns its quantities to stock
// and cancels its delivery.
func (db *DB) UpdateOrderStatus(ctx context.Context, orgID, id uuid.UUID, c OrderStatusChange) (before, after model.InputTransaction, err error) {
	err = pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		var err error
		before, err = scanTransaction(tx.QueryRow(ctx,
			`SELECT `+transactionColumns+transactionFrom+`
			 WHERE t.id = $1 AND t.organization_id = $2 FOR UPDATE OF t`, id, orgID))
		if err != nil {
			return err
		}
		var paymentDate *time.Time
		if c.PaymentStatus != nil && *c.PaymentStatus == model.PaymentCompleted {
			now := time.Now().UTC()
			paymentDate = &now
		}
		if _, err := tx.Exec(ctx,
			`UPDATE input_transactions SET status = $2,
			     payment_status = COALESCE($3, payment_status),
			     payment_date = COALESCE($4, payment_date),
			     notes = COALESCE($5, notes),
			     updated_at = now()
			 WHERE id = $1`,
			id, c.Status, c.PaymentStatus, paymentDate, c.Notes,
		); err != nil {
			return err
		}
		if c.Status == model.OrderCancelled && before.Status == model.OrderPending {
			for _, it := range before.Items {
				if _, err := tx.Exec(ctx,
					`UPDATE agricultural_inputs SET current_stock = current_stock + $2, updated_at = now() WHERE id = $1`,
					it.InputID, it.Quantity,
				); err != nil {
					return err
				}
			}
			if _, err := tx.Exec(ctx,
				`UPDATE delivery_orders SET current_status = 'cancelled', updated_at = now() WHERE transaction_id = $1`,
				id,
			); err != nil {
				return err
			}
		}
		after, err = scanTransaction(tx.QueryRow(ctx,
			`SELECT `+transactionColumns+transactionFrom+` WHERE t.id = $1`, id))
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return before, after, fmt.Errorf("storage: order %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return before, after, fmt.Errorf("storage: update order status: %w", err)
	}
	return before, after, nil
}

// ListFarmerOrders returns a farmer's orders, newest first. An empty status
// lists every status.
func (db *DB) ListFarmerOrders(ctx context.Context, orgID, farmerID uuid.UUID, status model.OrderStatus, limit, offset int) ([]model.InputTransaction, int, error) {
	flt := newFilter("t.organization_id = ?", orgID)
	flt.add("t.farmer_id = ?", farmerID)
	flt.addIf(status != "", "t.status = ?", status)

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT count(*) FROM input_transactions t`+flt.where(), flt.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count farmer orders: %w", err)
	}
	pageSQL, args := flt.page(limit, offset)
	rows, err := db.pool.Query(ctx,
		`SELECT `+transactionColumns+transactionFrom+flt.where()+` ORDER BY t.created_at DESC`+pageSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list farmer orders: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.InputTransaction, error) {
		return scanTransaction(row)
	})
	if err != nil {
		return nil, 0, fmt.Errorf("storage: scan farmer orders: %w", err)
	}
	return out, total, nil
}

// TopInput is an input ranked by quantity ordered.
type TopInput struct {
	InputID   string  `json:"input_id"`
	Name      string  `json:"name"`
	Quantity  int     `json:"total_quantity"`
	Revenue   float64 `json:"total_revenue"`
	OrderRows int     `json:"order_count"`
}

// OrderStats summarizes an organization's orders over a period.
type OrderStats struct {
	StartDate            time.Time      `json:"start_date"`
	EndDate              time.Time      `json:"end_date"`
	TotalOrders          int            `json:"total_orders"`
	TotalRevenue         float64        `json:"total_revenue"`
	AvgOrderValue        float64        `json:"avg_order_value"`
	TotalPlatformRevenue float64        `json:"total_platform_revenue"`
	CompletedOrders      int            `json:"completed_orders"`
	PendingOrders        int            `json:"pending_orders"`
	CancelledOrders      int            `json:"cancelled_orders"`
	CompletionRate       float64        `json:"completion_rate"`
	DeliveryBreakdown    map[string]int `json:"delivery_breakdown"`
	TopInputs            []TopInput     `json:"top_inputs"`
}

// GetOrderStats computes OrderStats for orders created in [start, end).
func (db *DB) GetOrderStats(ctx context.Context, orgID uuid.UUID, start, end time.Time) (OrderStats, error) {
	s := OrderStats{StartDate: start, EndDate: end}
	err := db.pool.QueryRow(ctx,
		`SELECT count(*), COALESCE(sum(total_amount), 0), COALESCE(avg(total_amount), 0),
		        COALESCE(sum(platform_revenue), 0),
		        count(*) FILTER (WHERE status IN ('completed', 'delivered', 'paid')),
		        count(*) FILTER (WHERE status = 'pending'),
		        count(*) FILTER (WHERE status = 'cancelled')
		 FROM input_transactions
		 WHERE organization_id = $1 AND created_at >= $2 AND created_at < $3`,
		orgID, start, end,
	).Scan(&s.TotalOrders, &s.TotalRevenue, &s.AvgOrderValue, &s.TotalPlatformRevenue,
		&s.CompletedOrders, &s.PendingOrders, &s.CancelledOrders)
	if err != nil {
		return s, fmt.Errorf("storage: order stats: %w", err)
	}
	s.TotalRevenue = pricing.Round2(s.TotalRevenue)
	s.AvgOrderValue = pricing.Round2(s.AvgOrderValue)
	s.TotalPlatformRevenue = pricing.Round2(s.TotalPlatformRevenue)
	if s.TotalOrders > 0 {
		s.CompletionRate = pricing.Round2(float64(s.CompletedOrders) / float64(s.TotalOrders) * 100)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT delivery_option, count(*) FROM input_transactions
		 WHERE organization_id = $1 AND created_at >= $2 AND created_at < $3
		 GROUP BY delivery_option`, orgID, start, end)
	if err != nil {
		return s, fmt.Errorf("storage: delivery breakdown: %w", err)
	}
	if s.DeliveryBreakdown, err = collectCounts(rows); err != nil {
		return s, fmt.Errorf("storage: scan delivery breakdown: %w", err)
	}

	rows, err = db.pool.Query(ctx,
		`SELECT item->>'input_id', max(item->>'name'),
		        sum((item->>'quantity')::int), sum((item->>'item_total')::float8), count(*)
		 FROM input_transactions t, jsonb_array_elements(t.items) AS item
		 WHERE t.organization_id = $1 AND t.created_at >= $2 AND t.created_at < $3 AND t.status <> 'cancelled'
		 GROUP BY item->>'input_id'
		 ORDER BY 3 DESC
		 LIMIT 10`, orgID, start, end)
	if err != nil {
		return s, fmt.Errorf("storage: top inputs: %w", err)
	}
	s.TopInputs, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (TopInput, error) {
		var ti TopInput
		err := row.Scan(&ti.InputID, &ti.Name, &ti.Quantity, &ti.Revenue, &ti.OrderRows)
		ti.Revenue = pricing.Round2(ti.Revenue)
		return ti, err
	})
	if err != nil {
		return s, fmt.Errorf("storage: scan top inputs: %w", err)
	}
	return s, nil
}

// ListOrdersBetween returns the organization's orders created in [start, end),
// oldest first, for reporting.
func (db *DB) ListOrdersBetween(ctx context.Context, orgID uuid.UUID, start, end time.Time) ([]model.InputTransaction, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+transactionColumns+transactionFrom+`
		 WHERE t.organization_id = $1 AND t.created_at >= $2 AND t.created_at < $3
		 ORDER BY t.created_at`, orgID, start, end)
	if err != nil {
		return nil, fmt.Errorf("storage: list orders: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.InputTransaction, error) {
		return scanTransaction(row)
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan orders: %w", err)
	}
	return out, nil
}

// CountOrders returns the number of orders across all organizations.
func (db *DB) CountOrders(ctx context.Context) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx, `SELECT count(*) FROM input_transactions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count orders: %w", err)
	}
	return n, nil
}
