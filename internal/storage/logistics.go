package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/magsasa-card/magsasa/internal/model"
)

const logisticsColumns = `id, provider_name, provider_type, provider_organization_id, service_regions,
	service_radius_km, base_delivery_fee, per_km_rate, per_kg_rate, minimum_order_value, free_delivery_threshold,
	standard_delivery_days, express_delivery_days, express_delivery_surcharge, max_weight_kg, special_handling,
	operating_days, operating_hours, is_active, created_at`

func scanLogisticsOption(row pgx.Row) (model.LogisticsOption, error) {
	var o model.LogisticsOption
	err := row.Scan(&o.ID, &o.ProviderName, &o.ProviderType, &o.ProviderOrganizationID, &o.ServiceRegions,
		&o.ServiceRadiusKm, &o.BaseDeliveryFee, &o.PerKmRate, &o.PerKgRate, &o.MinimumOrderValue,
		&o.FreeDeliveryThreshold, &o.StandardDeliveryDays, &o.ExpressDeliveryDays, &o.ExpressDeliverySurcharge,
		&o.MaxWeightKg, &o.SpecialHandling, &o.OperatingDays, &o.OperatingHours, &o.IsActive, &o.CreatedAt)
	return o, err
}

func collectLogisticsOptions(rows pgx.Rows) ([]model.LogisticsOption, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.LogisticsOption, error) {
		return scanLogisticsOption(row)
	})
}

// CreateLogisticsOption inserts a provider tariff. Zero delivery-day values
// take the standard 3 and express 1 defaults.
func (db *DB) CreateLogisticsOption(ctx context.Context, o model.LogisticsOption) (model.LogisticsOption, error) {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.StandardDeliveryDays == 0 {
		o.StandardDeliveryDays = 3
	}
	if o.ExpressDeliveryDays == 0 {
		o.ExpressDeliveryDays = 1
	}
	if o.ServiceRegions == nil {
		o.ServiceRegions = []string{}
	}
	if o.OperatingDays == nil {
		o.OperatingDays = []string{}
	}
	created, err := scanLogisticsOption(db.pool.QueryRow(ctx,
		`INSERT INTO logistics_options (id, provider_name, provider_type, provider_organization_id, service_regions,
		     service_radius_km, base_delivery_fee, per_km_rate, per_kg_rate, minimum_order_value,
		     free_delivery_threshold, standard_delivery_days, express_delivery_days, express_delivery_surcharge,
		     max_weight_kg, special_handling, operating_days, operating_hours, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, true)
		 RETURNING `+logisticsColumns,
		o.ID, o.ProviderName, o.ProviderType, o.ProviderOrganizationID, o.ServiceRegions, o.ServiceRadiusKm,
		o.BaseDeliveryFee, o.PerKmRate, o.PerKgRate, o.MinimumOrderValue, o.FreeDeliveryThreshold,
		o.StandardDeliveryDays, o.ExpressDeliveryDays, o.ExpressDeliverySurcharge, o.MaxWeightKg,
		o.SpecialHandling, o.OperatingDays, o.OperatingHours,
	))
	if err != nil {
		return model.LogisticsOption{}, fmt.Errorf("storage: create logistics option: %w", err)
	}
	return created, nil
}

// GetLogisticsOption returns a logistics option by id, active or not.
func (db *DB) GetLogisticsOption(ctx context.Context, id uuid.UUID) (model.LogisticsOption, error) {
	o, err := scanLogisticsOption(db.pool.QueryRow(ctx,
		`SELECT `+logisticsColumns+` FROM logistics_options WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.LogisticsOption{}, fmt.Errorf("storage: logistics option %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.LogisticsOption{}, fmt.Errorf("storage: get logistics option: %w", err)
	}
	return o, nil
}

// LogisticsFilter narrows ListLogisticsOptions. A nil MinOrder or an empty
// Location disables that condition.
type LogisticsFilter struct {
	MinOrder *float64
	Location string
}

// ListLogisticsOptions returns active options ordered by base fee.
func (db *DB) ListLogisticsOptions(ctx context.Context, f LogisticsFilter) ([]model.LogisticsOption, error) {
	flt := &filter{}
	flt.raw("is_active")
	if f.MinOrder != nil {
		flt.add("minimum_order_value <= ?", *f.MinOrder)
	}
	flt.addIf(f.Location != "", "? = ANY(service_regions)", f.Location)
	rows, err := db.pool.Query(ctx,
		`SELECT `+logisticsColumns+` FROM logistics_options`+flt.where()+` ORDER BY base_delivery_fee, provider_name`,
		flt.args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list logistics options: %w", err)
	}
	out, err := collectLogisticsOptions(rows)
	if err != nil {
		return nil, fmt.Errorf("storage: scan logistics options: %w", err)
	}
	return out, nil
}

// CountActiveLogisticsOptions returns the number of active options.
func (db *DB) CountActiveLogisticsOptions(ctx context.Context) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx, `SELECT count(*) FROM logistics_options WHERE is_active`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count logistics options: %w", err)
	}
	return n, nil
}

const deliveryColumns = `d.id, d.transaction_id, d.logistics_option_id, d.delivery_code, d.pickup_address,
	d.delivery_address, d.scheduled_delivery_date, d.actual_delivery_date, d.current_status, d.current_location,
	d.estimated_arrival, d.driver_name, d.driver_phone, d.vehicle_info, d.delivered_to_name, d.delivery_notes,
	COALESCE(lo.provider_name, ''), t.transaction_code, d.created_at, d.updated_at`

const deliveryFrom = ` FROM delivery_orders d
	JOIN input_transactions t ON t.id = d.transaction_id
	LEFT JOIN logistics_options lo ON lo.id = d.logistics_option_id`

func scanDelivery(row pgx.Row) (model.DeliveryOrder, error) {
	var d model.DeliveryOrder
	err := row.Scan(&d.ID, &d.TransactionID, &d.LogisticsOptionID, &d.DeliveryCode, &d.PickupAddress,
		&d.DeliveryAddress, &d.ScheduledDeliveryDate, &d.ActualDeliveryDate, &d.CurrentStatus, &d.CurrentLocation,
		&d.EstimatedArrival, &d.DriverName, &d.DriverPhone, &d.VehicleInfo, &d.DeliveredToName, &d.DeliveryNotes,
		&d.ProviderName, &d.TransactionCode, &d.CreatedAt, &d.UpdatedAt)
	return d, err
}

func collectDeliveries(rows pgx.Rows) ([]model.DeliveryOrder, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.DeliveryOrder, error) { return scanDelivery(row) })
}

// GetDeliveryForTransaction returns the delivery order of a transaction. The
// boolean is false for pickup orders, which have none.
func (db *DB) GetDeliveryForTransaction(ctx context.Context, transactionID uuid.UUID) (model.DeliveryOrder, bool, error) {
	d, err := scanDelivery(db.pool.QueryRow(ctx,
		`SELECT `+deliveryColumns+deliveryFrom+` WHERE d.transaction_id = $1`, transactionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.DeliveryOrder{}, false, nil
	}
	if err != nil {
		return model.DeliveryOrder{}, false, fmt.Errorf("storage: get delivery: %w", err)
	}
	return d, true, nil
}

// GetDeliveryTracking returns the delivery order with the given code in orgID
// and its tracking events, oldest first.
func (db *DB) GetDeliveryTracking(ctx context.Context, orgID uuid.UUID, code string) (model.DeliveryOrder, []model.DeliveryTracking, error) {
	d, err := scanDelivery(db.pool.QueryRow(ctx,
		`SELECT `+deliveryColumns+deliveryFrom+` WHERE d.delivery_code = $1 AND t.organization_id = $2`, code, orgID))
	if errors.Is(err, pgx.ErrNoRows) {
		return d, nil, fmt.Errorf("storage: delivery %s: %w", code, ErrNotFound)
	}
	if err != nil {
		return d, nil, fmt.Errorf("storage: get delivery: %w", err)
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, delivery_order_id, status, location, latitude, longitude, description, updated_by, created_at
		 FROM delivery_tracking WHERE delivery_order_id = $1 ORDER BY created_at, id`, d.ID)
	if err != nil {
		return d, nil, fmt.Errorf("storage: list tracking: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.DeliveryTracking, error) {
		var e model.DeliveryTracking
		err := row.Scan(&e.ID, &e.DeliveryOrderID, &e.Status, &e.Location, &e.Latitude, &e.Longitude,
			&e.Description, &e.UpdatedBy, &e.CreatedAt)
		return e, err
	})
	if err != nil {
		return d, nil, fmt.Errorf("storage: scan tracking: %w", err)
	}
	return d, events, nil
}

func insertTracking(ctx context.Context, x execer, e model.DeliveryTracking) error {
	_, err := x.Exec(ctx,
		`INSERT INTO delivery_tracking (delivery_order_id, status, location, latitude, longitude, description, updated_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.DeliveryOrderID, e.Status, e.Location, e.Latitude, e.Longitude, e.Description, e.UpdatedBy)
	return err
}

// ShipmentFilter narrows ListPartnerShipments.
type ShipmentFilter struct {
	Status model.DeliveryStatus
	Limit  int
	Offset int
}

// ListPartnerShipments returns delivery orders whose logistics option is
// operated by the partner organization, newest first.
func (db *DB) ListPartnerShipments(ctx context.Context, partnerOrgID uuid.UUID, f ShipmentFilter) ([]model.DeliveryOrder, int, error) {
	flt := newFilter("lo.provider_organization_id = ?", partnerOrgID)
	flt.addIf(f.Status != "", "d.current_status = ?", f.Status)

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT count(*)`+deliveryFrom+flt.where(), flt.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count shipments: %w", err)
	}
	pageSQL, args := flt.page(f.Limit, f.Offset)
	rows, err := db.pool.Query(ctx,
		`SELECT `+deliveryColumns+deliveryFrom+flt.where()+` ORDER BY d.created_at DESC`+pageSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list shipments: %w", err)
	}
	out, err := collectDeliveries(rows)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: scan shipments: %w", err)
	}
	return out, total, nil
}

// ShipmentUpdate is a partner's status report for one delivery.
type ShipmentUpdate struct {
	Status    model.DeliveryStatus
	Location  string
	Notes     string
	Latitude  *float64
	Longitude *float64
	UpdatedBy string
}

// UpdatePartnerShipment moves a delivery owned by the partner organization to
// a new status and appends a tracking event. Delivered shipments stamp the
// actual delivery date and mark the order delivered. A delivery the partner
// does not operate yields ErrNotFound.
func (db *DB) UpdatePartnerShipment(ctx context.Context, partnerOrgID, deliveryID uuid.UUID, u ShipmentUpdate) (before, after model.DeliveryOrder, err error) {
	err = pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		var err error
		before, err = scanDelivery(tx.QueryRow(ctx,
			`SELECT `+deliveryColumns+deliveryFrom+`
			 WHERE d.id = $1 AND lo.provider_organization_id = $2
			 FOR UPDATE OF d`, deliveryID, partnerOrgID))
		if err != nil {
			return err
		}
		var delivered *time.Time
		if u.Status == model.DeliveryDelivered {
			now := time.Now().UTC()
			delivered = &now
		}
		if _, err := tx.Exec(ctx,
			`UPDATE delivery_orders SET current_status = $2,
			     current_location = CASE WHEN $3 = '' THEN current_location ELSE $3 END,
			     delivery_notes = CASE WHEN $4 = '' THEN delivery_notes ELSE $4 END,
			     actual_delivery_date = COALESCE($5, actual_delivery_date),
			     updated_at = now()
			 WHERE id = $1`,
			deliveryID, u.Status, u.Location, u.Notes, delivered,
		); err != nil {
			return err
		}
		if err := insertTracking(ctx, tx, model.DeliveryTracking{
			DeliveryOrderID: deliveryID, Status: u.Status, Location: u.Location, Latitude: u.Latitude,
			Longitude: u.Longitude, Description: u.Notes, UpdatedBy: u.UpdatedBy,
		}); err != nil {
			return err
		}
		if u.Status == model.DeliveryDelivered {
			if _, err := tx.Exec(ctx,
				`UPDATE input_transactions SET status = 'delivered', updated_at = now() WHERE id = $1`,
				before.TransactionID,
			); err != nil {
				return err
			}
		}
		after, err = scanDelivery(tx.QueryRow(ctx,
			`SELECT `+deliveryColumns+deliveryFrom+` WHERE d.id = $1`, deliveryID))
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return before, after, fmt.Errorf("storage: shipment %s: %w", deliveryID, ErrNotFound)
	}
	if err != nil {
		return before, after, fmt.Errorf("storage: update shipment: %w", err)
	}
	return before, after, nil
}
