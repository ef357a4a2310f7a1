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
)

const farmColumns = `id, organization_id, farmer_id, farm_name, address, barangay, municipality, province, region,
	latitude, longitude, total_area_hectares, cultivated_area_hectares, farm_type, soil_type, water_source,
	irrigation_type, ownership_type, status, created_at, updated_at`

func scanFarm(row pgx.Row) (model.Farm, error) {
	var f model.Farm
	err := row.Scan(
		&f.ID, &f.OrganizationID, &f.FarmerID, &f.FarmName, &f.Address, &f.Barangay, &f.Municipality,
		&f.Province, &f.Region, &f.Latitude, &f.Longitude, &f.TotalAreaHectares, &f.CultivatedAreaHectares,
		&f.FarmType, &f.SoilType, &f.WaterSource, &f.IrrigationType, &f.OwnershipType, &f.Status,
		&f.CreatedAt, &f.UpdatedAt,
	)
	return f, err
}

// CreateFarm inserts a farm.
func (db *DB) CreateFarm(ctx context.Context, f model.Farm) (model.Farm, error) {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.Status == "" {
		f.Status = "active"
	}
	created, err := scanFarm(db.pool.QueryRow(ctx,
		`INSERT INTO farms (id, organization_id, farmer_id, farm_name, address, barangay, municipality, province,
		     region, latitude, longitude, total_area_hectares, cultivated_area_hectares, farm_type, soil_type,
		     water_source, irrigation_type, ownership_type, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		 RETURNING `+farmColumns,
		f.ID, f.OrganizationID, f.FarmerID, f.FarmName, f.Address, f.Barangay, f.Municipality, f.Province,
		f.Region, f.Latitude, f.Longitude, f.TotalAreaHectares, f.CultivatedAreaHectares, f.FarmType,
		f.SoilType, f.WaterSource, f.IrrigationType, f.OwnershipType, f.Status,
	))
	if err != nil {
		return model.Farm{}, fmt.Errorf("storage: create farm: %w", err)
	}
	return created, nil
}

// GetFarm returns a farm of orgID by id.
func (db *DB) GetFarm(ctx context.Context, orgID, id uuid.UUID) (model.Farm, error) {
	f, err := scanFarm(db.pool.QueryRow(ctx,
		`SELECT `+farmColumns+` FROM farms WHERE id = $1 AND organization_id = $2`, id, orgID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Farm{}, fmt.Errorf("storage: farm %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Farm{}, fmt.Errorf("storage: get farm: %w", err)
	}
	return f, nil
}

// FarmFilter narrows ListFarms.
type FarmFilter struct {
	FarmType     model.FarmType
	Municipality string
	FarmerID     uuid.UUID
	Limit        int
	Offset       int
}

// ListFarms returns the organization's farms, newest first.
func (db *DB) ListFarms(ctx context.Context, orgID uuid.UUID, f FarmFilter) ([]model.Farm, int, error) {
	flt := newFilter("organization_id = ?", orgID)
	flt.addIf(f.FarmType != "", "farm_type = ?", f.FarmType)
	flt.addIf(f.Municipality != "", "municipality ILIKE ?", f.Municipality)
	flt.addIf(f.FarmerID != uuid.Nil, "farmer_id = ?", f.FarmerID)

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT count(*) FROM farms`+flt.where(), flt.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count farms: %w", err)
	}
	pageSQL, args := flt.page(f.Limit, f.Offset)
	rows, err := db.pool.Query(ctx,
		`SELECT `+farmColumns+` FROM farms`+flt.where()+` ORDER BY created_at DESC`+pageSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list farms: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Farm, error) { return scanFarm(row) })
	if err != nil {
		return nil, 0, fmt.Errorf("storage: scan farms: %w", err)
	}
	return out, total, nil
}

// ListFarmerFarms returns every farm of a farmer.
func (db *DB) ListFarmerFarms(ctx context.Context, orgID, farmerID uuid.UUID) ([]model.Farm, error) {
	farms, _, err := db.ListFarms(ctx, orgID, FarmFilter{FarmerID: farmerID, Limit: 1000})
	return farms, err
}

const cropColumns = `id, farm_id, crop_name, variety, planting_date, expected_harvest_date, area_hectares,
	stage, expected_yield_kg, created_at`

func scanCrop(row pgx.Row) (model.Crop, error) {
	var c model.Crop
	err := row.Scan(&c.ID, &c.FarmID, &c.CropName, &c.Variety, &c.PlantingDate, &c.ExpectedHarvestDate,
		&c.AreaHectares, &c.Stage, &c.ExpectedYieldKg, &c.CreatedAt)
	return c, err
}

// CreateCrop inserts a crop planting on a farm.
func (db *DB) CreateCrop(ctx context.Context, c model.Crop) (model.Crop, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Stage == "" {
		c.Stage = model.StagePlanning
	}
	created, err := scanCrop(db.pool.QueryRow(ctx,
		`INSERT INTO crops (id, farm_id, crop_name, variety, planting_date, expected_harvest_date, area_hectares,
		     stage, expected_yield_kg)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING `+cropColumns,
		c.ID, c.FarmID, c.CropName, c.Variety, c.PlantingDate, c.ExpectedHarvestDate, c.AreaHectares,
		c.Stage, c.ExpectedYieldKg,
	))
	if err != nil {
		return model.Crop{}, fmt.Errorf("storage: create crop: %w", err)
	}
	return created, nil
}

// ListCrops returns a farm's crops, newest first.
func (db *DB) ListCrops(ctx context.Context, farmID uuid.UUID) ([]model.Crop, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+cropColumns+` FROM crops WHERE farm_id = $1 ORDER BY created_at DESC`, farmID)
	if err != nil {
		return nil, fmt.Errorf("storage: list crops: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Crop, error) { return scanCrop(row) })
	if err != nil {
		return nil, fmt.Errorf("storage: scan crops: %w", err)
	}
	return out, nil
}

const activityColumns = `id, organization_id, farm_id, farmer_id, activity_type, activity_name, activity_date,
	description, cost, labor_hours, inputs_used, recorded_by, created_at`

func scanActivity(row pgx.Row) (model.FarmActivity, error) {
	var (
		a      model.FarmActivity
		inputs []byte
	)
	err := row.Scan(&a.ID, &a.OrganizationID, &a.FarmID, &a.FarmerID, &a.ActivityType, &a.ActivityName,
		&a.ActivityDate, &a.Description, &a.Cost, &a.LaborHours, &inputs, &a.RecordedBy, &a.CreatedAt)
	if err != nil {
		return a, err
	}
	if len(inputs) > 0 {
		if err := json.Unmarshal(inputs, &a.InputsUsed); err != nil {
			return a, fmt.Errorf("decode inputs_used: %w", err)
		}
	}
	return a, nil
}

// CreateActivity inserts a farm activity.
func (db *DB) CreateActivity(ctx context.Context, a model.FarmActivity) (model.FarmActivity, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	inputs, err := json.Marshal(orEmptyMap(a.InputsUsed))
	if err != nil {
		return model.FarmActivity{}, fmt.Errorf("storage: marshal inputs_used: %w", err)
	}
	created, err := scanActivity(db.pool.QueryRow(ctx,
		`INSERT INTO farm_activities (id, organization_id, farm_id, farmer_id, activity_type, activity_name,
		     activity_date, description, cost, labor_hours, inputs_used, recorded_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING `+activityColumns,
		a.ID, a.OrganizationID, a.FarmID, a.FarmerID, a.ActivityType, a.ActivityName, a.ActivityDate,
		a.Description, a.Cost, a.LaborHours, inputs, a.RecordedBy,
	))
	if err != nil {
		return model.FarmActivity{}, fmt.Errorf("storage: create activity: %w", err)
	}
	return created, nil
}

// ActivityFilter narrows ListActivities. Zero times are unbounded.
type ActivityFilter struct {
	FarmID       uuid.UUID
	ActivityType model.ActivityType
	From         time.Time
	To           time.Time
	Limit        int
	Offset       int
}

// ListActivities returns the organization's activities, most recent date first.
func (db *DB) ListActivities(ctx context.Context, orgID uuid.UUID, f ActivityFilter) ([]model.FarmActivity, int, error) {
	flt := newFilter("organization_id = ?", orgID)
	flt.addIf(f.FarmID != uuid.Nil, "farm_id = ?", f.FarmID)
	flt.addIf(f.ActivityType != "", "activity_type = ?", f.ActivityType)
	flt.addIf(!f.From.IsZero(), "activity_date >= ?", f.From)
	flt.addIf(!f.To.IsZero(), "activity_date <= ?", f.To)

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT count(*) FROM farm_activities`+flt.where(), flt.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count activities: %w", err)
	}
	pageSQL, args := flt.page(f.Limit, f.Offset)
	rows, err := db.pool.Query(ctx,
		`SELECT `+activityColumns+` FROM farm_activities`+flt.where()+
			` ORDER BY activity_date DESC, created_at DESC`+pageSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list activities: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.FarmActivity, error) { return scanActivity(row) })
	if err != nil {
		return nil, 0, fmt.Errorf("storage: scan activities: %w", err)
	}
	return out, total, nil
}

const harvestColumns = `id, organization_id, farm_id, farmer_id, crop_type, quantity_kg, quality_grade,
	price_per_kg, harvest_date, available_from, region, status, created_at`

func scanHarvest(row pgx.Row) (model.Harvest, error) {
	var h model.Harvest
	err := row.Scan(&h.ID, &h.OrganizationID, &h.FarmID, &h.FarmerID, &h.CropType, &h.QuantityKg,
		&h.QualityGrade, &h.PricePerKg, &h.HarvestDate, &h.AvailableFrom, &h.Region, &h.Status, &h.CreatedAt)
	return h, err
}

// CreateHarvest lists produce. An unset AvailableFrom defaults to the harvest date.
func (db *DB) CreateHarvest(ctx context.Context, h model.Harvest) (model.Harvest, error) {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	if h.Status == "" {
		h.Status = model.HarvestAvailable
	}
	var availableFrom *time.Time
	if !h.AvailableFrom.IsZero() {
		availableFrom = &h.AvailableFrom
	}
	created, err := scanHarvest(db.pool.QueryRow(ctx,
		`INSERT INTO harvests (id, organization_id, farm_id, farmer_id, crop_type, quantity_kg, quality_grade,
		     price_per_kg, harvest_date, available_from, region, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE($10, $9), $11, $12)
		 RETURNING `+harvestColumns,
		h.ID, h.OrganizationID, h.FarmID, h.FarmerID, h.CropType, h.QuantityKg, h.QualityGrade,
		h.PricePerKg, h.HarvestDate, availableFrom, h.Region, h.Status,
	))
	if err != nil {
		return model.Harvest{}, fmt.Errorf("storage: create harvest: %w", err)
	}
	return created, nil
}

// HarvestFilter narrows ListHarvests. A nil OrgID lists across organizations,
// which the partner produce listing relies on.
type HarvestFilter struct {
	OrgID    *uuid.UUID
	FarmID   uuid.UUID
	CropType string
	Region   string
	Status   model.HarvestStatus
	MinKg    *float64
	Limit    int
	Offset   int
}

// ListHarvests returns harvest listings, newest harvest first.
func (db *DB) ListHarvests(ctx context.Context, f HarvestFilter) ([]model.Harvest, int, error) {
	flt := &filter{}
	if f.OrgID != nil {
		flt.add("organization_id = ?", *f.OrgID)
	}
	flt.addIf(f.FarmID != uuid.Nil, "farm_id = ?", f.FarmID)
	flt.addIf(f.CropType != "", "crop_type ILIKE ?", f.CropType)
	flt.addIf(f.Region != "", "region ILIKE ?", f.Region)
	flt.addIf(f.Status != "", "status = ?", f.Status)
	if f.MinKg != nil {
		flt.add("quantity_kg >= ?", *f.MinKg)
	}

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT count(*) FROM harvests`+flt.where(), flt.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count harvests: %w", err)
	}
	pageSQL, args := flt.page(f.Limit, f.Offset)
	rows, err := db.pool.Query(ctx,
		`SELECT `+harvestColumns+` FROM harvests`+flt.where()+` ORDER BY harvest_date DESC, created_at DESC`+pageSQL,
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list harvests: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Harvest, error) { return scanHarvest(row) })
	if err != nil {
		return nil, 0, fmt.Errorf("storage: scan harvests: %w", err)
	}
	return out, total, nil
}

// DashboardStats summarizes an organization's agricultural records.
type DashboardStats struct {
	TotalFarmers      int            `json:"total_farmers"`
	CardMembers       int            `json:"card_members"`
	TotalFarms        int            `json:"total_farms"`
	TotalHectares     float64        `json:"total_hectares"`
	RecentActivities  int            `json:"recent_activities"`
	FarmsByType       map[string]int `json:"farms_by_type"`
	OrdersThisMonth   int            `json:"orders_this_month"`
	RevenueThisMonth  float64        `json:"revenue_this_month"`
	PendingDeliveries int            `json:"pending_deliveries"`
}

// GetDashboardStats computes DashboardStats for orgID as of now.
func (db *DB) GetDashboardStats(ctx context.Context, orgID uuid.UUID, now time.Time) (DashboardStats, error) {
	var s DashboardStats
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	err := db.pool.QueryRow(ctx,
		`SELECT
		     (SELECT count(*) FROM farmers WHERE organization_id = $1),
		     (SELECT count(*) FROM farmers WHERE organization_id = $1 AND is_card_member),
		     (SELECT count(*) FROM farms WHERE organization_id = $1),
		     (SELECT COALESCE(sum(total_area_hectares), 0) FROM farms WHERE organization_id = $1),
		     (SELECT count(*) FROM farm_activities WHERE organization_id = $1 AND activity_date >= $2),
		     (SELECT count(*) FROM input_transactions WHERE organization_id = $1 AND created_at >= $3),
		     (SELECT COALESCE(sum(total_amount), 0) FROM input_transactions
		       WHERE organization_id = $1 AND created_at >= $3 AND status <> 'cancelled'),
		     (SELECT count(*) FROM delivery_orders d JOIN input_transactions t ON t.id = d.transaction_id
		       WHERE t.organization_id = $1 AND d.current_status NOT IN ('delivered', 'cancelled'))`,
		orgID, now.AddDate(0, 0, -30), monthStart,
	).Scan(&s.TotalFarmers, &s.CardMembers, &s.TotalFarms, &s.TotalHectares, &s.RecentActivities,
		&s.OrdersThisMonth, &s.RevenueThisMonth, &s.PendingDeliveries)
	if err != nil {
		return s, fmt.Errorf("storage: dashboard stats: %w", err)
	}
	rows, err := db.pool.Query(ctx,
		`SELECT farm_type, count(*) FROM farms WHERE organization_id = $1 GROUP BY farm_type`, orgID)
	if err != nil {
		return s, fmt.Errorf("storage: farms by type: %w", err)
	}
	if s.FarmsByType, err = collectCounts(rows); err != nil {
		return s, fmt.Errorf("storage: scan farms by type: %w", err)
	}
	return s, nil
}
