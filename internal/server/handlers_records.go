package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/magsasa-card/magsasa/internal/ctxutil"
	"github.com/magsasa-card/magsasa/internal/model"
	"github.com/magsasa-card/magsasa/internal/storage"
)

// parseDate accepts YYYY-MM-DD or RFC3339. Blank yields nil.
func parseDate(field, s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: expected YYYY-MM-DD", field)
	}
	return &t, nil
}

// farmerRequest overrides the farmer's date fields so clients may send plain dates.
type farmerRequest struct {
	model.Farmer
	BirthDate      string `json:"birth_date"`
	MembershipDate string `json:"membership_date"`
}

func (req *farmerRequest) applyDates(f *model.Farmer) error {
	if d, err := parseDate("birth_date", req.BirthDate); err != nil {
		return err
	} else if d != nil {
		f.BirthDate = d
	}
	if d, err := parseDate("membership_date", req.MembershipDate); err != nil {
		return err
	} else if d != nil {
		f.MembershipDate = d
	}
	return nil
}

// HandleListFarmers handles GET /api/farmers.
func (h *Handlers) HandleListFarmers(w http.ResponseWriter, r *http.Request) {
	limit, offset := queryLimit(r, 50), queryOffset(r)
	q := r.URL.Query()
	farmers, total, err := h.db.ListFarmers(r.Context(), ctxutil.OrgIDFromContext(r.Context()), storage.FarmerFilter{
		Municipality: q.Get("municipality"),
		Province:     q.Get("province"),
		IsCardMember: queryBool(r, "is_card_member"),
		Search:       strings.TrimSpace(q.Get("search")),
		Limit:        limit,
		Offset:       offset,
	})
	if err != nil {
		h.writeInternalError(w, r, "failed to list farmers", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"farmers":    farmers,
		"pagination": model.NewListPage(total, limit, offset),
	})
}

// HandleCreateFarmer handles POST /api/farmers.
func (h *Handlers) HandleCreateFarmer(w http.ResponseWriter, r *http.Request) {
	var req farmerRequest
	if !h.decode(w, r, &req) {
		return
	}
	f := req.Farmer
	if missing := missingFields("first_name", f.FirstName, "last_name", f.LastName, "farmer_code", f.FarmerCode); len(missing) > 0 {
		writeMissingFields(w, r, missing)
		return
	}
	if err := req.applyDates(&f); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	f.ID = uuid.Nil
	f.OrganizationID = ctxutil.OrgIDFromContext(r.Context())
	f.FarmerCode = strings.TrimSpace(f.FarmerCode)
	f.Farms = nil

	created, err := h.db.CreateFarmer(r.Context(), f)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "Farmer code already exists")
			return
		}
		h.writeInternalError(w, r, "failed to create farmer", err)
		return
	}
	h.audit(r, "create", "farmer", created.ID.String(), nil, created, nil)
	writeJSON(w, r, http.StatusCreated, created)
}

// HandleGetFarmer handles GET /api/farmers/{id}.
func (h *Handlers) HandleGetFarmer(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	orgID := ctxutil.OrgIDFromContext(r.Context())
	f, err := h.db.GetFarmer(r.Context(), orgID, id)
	if err != nil {
		h.writeStorageError(w, r, err, "Farmer not found", "failed to load farmer")
		return
	}
	if f.Farms, err = h.db.ListFarmerFarms(r.Context(), orgID, id); err != nil {
		h.writeInternalError(w, r, "failed to load farms", err)
		return
	}
	writeJSON(w, r, http.StatusOK, f)
}

// HandleUpdateFarmer handles PUT /api/farmers/{id}. Fields omitted from the
// body keep their stored values.
func (h *Handlers) HandleUpdateFarmer(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	orgID := ctxutil.OrgIDFromContext(r.Context())
	before, err := h.db.GetFarmer(r.Context(), orgID, id)
	if err != nil {
		h.writeStorageError(w, r, err, "Farmer not found", "failed to load farmer")
		return
	}

	req := farmerRequest{Farmer: before}
	if !h.decode(w, r, &req) {
		return
	}
	f := req.Farmer
	if err := req.applyDates(&f); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	f.ID, f.OrganizationID, f.FarmerCode = before.ID, before.OrganizationID, before.FarmerCode
	if strings.TrimSpace(f.FirstName) == "" || strings.TrimSpace(f.LastName) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "first_name and last_name cannot be empty")
		return
	}

	after, err := h.db.UpdateFarmer(r.Context(), f)
	if err != nil {
		h.writeStorageError(w, r, err, "Farmer not found", "failed to update farmer")
		return
	}
	h.audit(r, "update", "farmer", id.String(), before, after, nil)
	writeJSON(w, r, http.StatusOK, after)
}

// HandleListFarms handles GET /api/farms.
func (h *Handlers) HandleListFarms(w http.ResponseWriter, r *http.Request) {
	farmerID, err := queryUUID(r, "farmer_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	farmType := model.FarmType(r.URL.Query().Get("farm_type"))
	if farmType != "" && !model.ValidFarmType(farmType) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid farm_type")
		return
	}
	limit, offset := queryLimit(r, 50), queryOffset(r)
	farms, total, err := h.db.ListFarms(r.Context(), ctxutil.OrgIDFromContext(r.Context()), storage.FarmFilter{
		FarmType:     farmType,
		Municipality: r.URL.Query().Get("municipality"),
		FarmerID:     farmerID,
		Limit:        limit,
		Offset:       offset,
	})
	if err != nil {
		h.writeInternalError(w, r, "failed to list farms", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"farms":      farms,
		"pagination": model.NewListPage(total, limit, offset),
	})
}

// orgFarmer loads a farmer of the active organization, telling a farmer
// that exists elsewhere apart from a missing one.
func (h *Handlers) orgFarmer(w http.ResponseWriter, r *http.Request, id uuid.UUID) (model.Farmer, bool) {
	f, err := h.db.GetFarmer(r.Context(), ctxutil.OrgIDFromContext(r.Context()), id)
	if err == nil {
		return f, true
	}
	if !errors.Is(err, storage.ErrNotFound) {
		h.writeInternalError(w, r, "failed to load farmer", err)
		return model.Farmer{}, false
	}
	if _, err := h.db.GetFarmerAnyOrg(r.Context(), id); err == nil {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "Farmer not in your organization")
		return model.Farmer{}, false
	}
	writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "Farmer not found")
	return model.Farmer{}, false
}

// HandleCreateFarm handles POST /api/farms.
func (h *Handlers) HandleCreateFarm(w http.ResponseWriter, r *http.Request) {
	var f model.Farm
	if !h.decode(w, r, &f) {
		return
	}
	if f.FarmerID == uuid.Nil || strings.TrimSpace(f.FarmName) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "farmer_id and farm_name are required")
		return
	}
	if f.TotalAreaHectares <= 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "total_area_hectares must be greater than 0")
		return
	}
	if f.FarmType == "" || !model.ValidFarmType(f.FarmType) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"farm_type must be one of rice, corn, vegetable, fruit, livestock, mixed, organic")
		return
	}
	if f.CultivatedAreaHectares > f.TotalAreaHectares {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "cultivated_area_hectares cannot exceed total_area_hectares")
		return
	}
	if _, ok := h.orgFarmer(w, r, f.FarmerID); !ok {
		return
	}

	f.ID = uuid.Nil
	f.OrganizationID = ctxutil.OrgIDFromContext(r.Context())
	f.Crops, f.RecentActivities = nil, nil
	created, err := h.db.CreateFarm(r.Context(), f)
	if err != nil {
		h.writeInternalError(w, r, "failed to create farm", err)
		return
	}
	h.audit(r, "create", "farm", created.ID.String(), nil, created, nil)
	writeJSON(w, r, http.StatusCreated, created)
}

// HandleGetFarm handles GET /api/farms/{id}.
func (h *Handlers) HandleGetFarm(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	orgID := ctxutil.OrgIDFromContext(r.Context())
	farm, err := h.db.GetFarm(r.Context(), orgID, id)
	if err != nil {
		h.writeStorageError(w, r, err, "Farm not found", "failed to load farm")
		return
	}
	if farm.Crops, err = h.db.ListCrops(r.Context(), id); err != nil {
		h.writeInternalError(w, r, "failed to load crops", err)
		return
	}
	if farm.RecentActivities, _, err = h.db.ListActivities(r.Context(), orgID, storage.ActivityFilter{FarmID: id, Limit: 10}); err != nil {
		h.writeInternalError(w, r, "failed to load activities", err)
		return
	}
	writeJSON(w, r, http.StatusOK, farm)
}

type cropRequest struct {
	CropName            string          `json:"crop_name"`
	Variety             string          `json:"variety"`
	PlantingDate        string          `json:"planting_date"`
	ExpectedHarvestDate string          `json:"expected_harvest_date"`
	AreaHectares        float64         `json:"area_hectares"`
	Stage               model.CropStage `json:"stage"`
	ExpectedYieldKg     float64         `json:"expected_yield_kg"`
}

// HandleCreateCrop handles POST /api/farms/{id}/crops.
func (h *Handlers) HandleCreateCrop(w http.ResponseWriter, r *http.Request) {
	farmID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	farm, err := h.db.GetFarm(r.Context(), ctxutil.OrgIDFromContext(r.Context()), farmID)
	if err != nil {
		h.writeStorageError(w, r, err, "Farm not found", "failed to load farm")
		return
	}
	var req cropRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.CropName) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "crop_name is required")
		return
	}
	if req.Stage == "" {
		req.Stage = model.StagePlanning
	}
	if !model.ValidCropStage(req.Stage) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"stage must be one of planning, planted, growing, flowering, harvesting, harvested, fallow")
		return
	}
	if req.AreaHectares < 0 || req.AreaHectares > farm.TotalAreaHectares {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "area_hectares must be between 0 and the farm's total area")
		return
	}
	planted, err := parseDate("planting_date", req.PlantingDate)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	harvest, err := parseDate("expected_harvest_date", req.ExpectedHarvestDate)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	crop, err := h.db.CreateCrop(r.Context(), model.Crop{
		FarmID:              farmID,
		CropName:            strings.TrimSpace(req.CropName),
		Variety:             req.Variety,
		PlantingDate:        planted,
		ExpectedHarvestDate: harvest,
		AreaHectares:        req.AreaHectares,
		Stage:               req.Stage,
		ExpectedYieldKg:     req.ExpectedYieldKg,
	})
	if err != nil {
		h.writeInternalError(w, r, "failed to create crop", err)
		return
	}
	h.audit(r, "create", "crop", crop.ID.String(), nil, crop, map[string]any{"farm_id": farmID.String()})
	writeJSON(w, r, http.StatusCreated, crop)
}

type activityRequest struct {
	FarmerID     uuid.UUID          `json:"farmer_id"`
	FarmID       uuid.UUID          `json:"farm_id"`
	ActivityType model.ActivityType `json:"activity_type"`
	ActivityName string             `json:"activity_name"`
	ActivityDate string             `json:"activity_date"`
	Description  string             `json:"description"`
	Cost         float64            `json:"cost"`
	LaborHours   float64            `json:"labor_hours"`
	InputsUsed   map[string]any     `json:"inputs_used"`
}

// HandleCreateActivity handles POST /api/activities.
func (h *Handlers) HandleCreateActivity(w http.ResponseWriter, r *http.Request) {
	var req activityRequest
	if !h.decode(w, r, &req) {
		return
	}
	farmerID, farmID := "", ""
	if req.FarmerID != uuid.Nil {
		farmerID = req.FarmerID.String()
	}
	if req.FarmID != uuid.Nil {
		farmID = req.FarmID.String()
	}
	if missing := missingFields(
		"farmer_id", farmerID, "farm_id", farmID, "activity_type", string(req.ActivityType),
		"activity_name", req.ActivityName, "activity_date", req.ActivityDate,
	); len(missing) > 0 {
		writeMissingFields(w, r, missing)
		return
	}
	if !model.ValidActivityType(req.ActivityType) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid activity_type")
		return
	}
	date, err := parseDate("activity_date", req.ActivityDate)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if req.Cost < 0 || req.LaborHours < 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "cost and labor_hours cannot be negative")
		return
	}

	ctx := r.Context()
	orgID := ctxutil.OrgIDFromContext(ctx)
	userID := ctxutil.UserIDFromContext(ctx)
	_, farmerErr := h.db.GetFarmer(ctx, orgID, req.FarmerID)
	farm, farmErr := h.db.GetFarm(ctx, orgID, req.FarmID)
	for _, err := range []error{farmerErr, farmErr} {
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			h.writeInternalError(w, r, "failed to load farmer or farm", err)
			return
		}
	}
	if farmerErr != nil || farmErr != nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "Farmer or farm not found")
		return
	}
	if farm.FarmerID != req.FarmerID {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "Farm does not belong to farmer")
		return
	}

	if ctxutil.RoleFromContext(ctx) == model.RoleFarmer {
		own, ok, err := h.db.GetFarmerByUser(ctx, orgID, userID)
		if err != nil {
			h.writeInternalError(w, r, "failed to load farmer account", err)
			return
		}
		if !ok || own.ID != req.FarmerID {
			writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "Farmers may only record their own activities")
			return
		}
	}

	a, err := h.db.CreateActivity(ctx, model.FarmActivity{
		OrganizationID: orgID,
		FarmID:         req.FarmID,
		FarmerID:       req.FarmerID,
		ActivityType:   req.ActivityType,
		ActivityName:   strings.TrimSpace(req.ActivityName),
		ActivityDate:   *date,
		Description:    req.Description,
		Cost:           req.Cost,
		LaborHours:     req.LaborHours,
		InputsUsed:     req.InputsUsed,
		RecordedBy:     &userID,
	})
	if err != nil {
		h.writeInternalError(w, r, "failed to record activity", err)
		return
	}
	h.audit(r, "create", "activity", a.ID.String(), nil, a, nil)
	writeJSON(w, r, http.StatusCreated, a)
}

// HandleListActivities handles GET /api/activities.
func (h *Handlers) HandleListActivities(w http.ResponseWriter, r *http.Request) {
	farmID, err := queryUUID(r, "farm_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	f := storage.ActivityFilter{
		FarmID:       farmID,
		ActivityType: model.ActivityType(r.URL.Query().Get("activity_type")),
		Limit:        queryLimit(r, 50),
		Offset:       queryOffset(r),
	}
	if from, err := queryDate(r, "from"); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	} else if from != nil {
		f.From = *from
	}
	if to, err := queryDate(r, "to"); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	} else if to != nil {
		f.To = *to
	}

	activities, total, err := h.db.ListActivities(r.Context(), ctxutil.OrgIDFromContext(r.Context()), f)
	if err != nil {
		h.writeInternalError(w, r, "failed to list activities", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"activities": activities,
		"pagination": model.NewListPage(total, f.Limit, f.Offset),
	})
}

type harvestRequest struct {
	FarmID        uuid.UUID `json:"farm_id"`
	CropType      string    `json:"crop_type"`
	QuantityKg    float64   `json:"quantity_kg"`
	QualityGrade  string    `json:"quality_grade"`
	PricePerKg    float64   `json:"price_per_kg"`
	HarvestDate   string    `json:"harvest_date"`
	AvailableFrom string    `json:"available_from"`
	Region        string    `json:"region"`
}

// HandleCreateHarvest handles POST /api/harvests.
func (h *Handlers) HandleCreateHarvest(w http.ResponseWriter, r *http.Request) {
	var req harvestRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.FarmID == uuid.Nil || strings.TrimSpace(req.CropType) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "farm_id and crop_type are required")
		return
	}
	if req.QuantityKg <= 0 || req.PricePerKg < 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "quantity_kg must be positive and price_per_kg non-negative")
		return
	}
	harvested, err := parseDate("harvest_date", req.HarvestDate)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if harvested == nil {
		today := h.now().UTC().Truncate(24 * time.Hour)
		harvested = &today
	}
	available, err := parseDate("available_from", req.AvailableFrom)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	orgID := ctxutil.OrgIDFromContext(r.Context())
	farm, err := h.db.GetFarm(r.Context(), orgID, req.FarmID)
	if err != nil {
		h.writeStorageError(w, r, err, "Farm not found", "failed to load farm")
		return
	}
	hv := model.Harvest{
		OrganizationID: orgID,
		FarmID:         farm.ID,
		FarmerID:       farm.FarmerID,
		CropType:       strings.TrimSpace(req.CropType),
		QuantityKg:     req.QuantityKg,
		QualityGrade:   req.QualityGrade,
		PricePerKg:     req.PricePerKg,
		HarvestDate:    *harvested,
		Region:         req.Region,
	}
	if available != nil {
		hv.AvailableFrom = *available
	}
	if hv.Region == "" {
		hv.Region = farm.Region
	}
	created, err := h.db.CreateHarvest(r.Context(), hv)
	if err != nil {
		h.writeInternalError(w, r, "failed to record harvest", err)
		return
	}
	h.audit(r, "create", "harvest", created.ID.String(), nil, created, nil)
	writeJSON(w, r, http.StatusCreated, created)
}

// HandleListHarvests handles GET /api/harvests.
func (h *Handlers) HandleListHarvests(w http.ResponseWriter, r *http.Request) {
	farmID, err := queryUUID(r, "farm_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	orgID := ctxutil.OrgIDFromContext(r.Context())
	limit, offset := queryLimit(r, 50), queryOffset(r)
	harvests, total, err := h.db.ListHarvests(r.Context(), storage.HarvestFilter{
		OrgID:    &orgID,
		FarmID:   farmID,
		CropType: r.URL.Query().Get("crop_type"),
		Status:   model.HarvestStatus(r.URL.Query().Get("status")),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		h.writeInternalError(w, r, "failed to list harvests", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"harvests":   harvests,
		"pagination": model.NewListPage(total, limit, offset),
	})
}

// HandleDashboardStats handles GET /api/dashboard/stats.
func (h *Handlers) HandleDashboardStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.db.GetDashboardStats(r.Context(), ctxutil.OrgIDFromContext(r.Context()), h.now())
	if err != nil {
		h.writeInternalError(w, r, "failed to load dashboard stats", err)
		return
	}
	writeJSON(w, r, http.StatusOK, stats)
}
