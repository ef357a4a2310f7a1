package model

import (
	"time"

	"github.com/google/uuid"
)

// FarmType enumerates what a farm primarily produces.
type FarmType string

const (
	FarmRice      FarmType = "rice"
	FarmCorn      FarmType = "corn"
	FarmVegetable FarmType = "vegetable"
	FarmFruit     FarmType = "fruit"
	FarmLivestock FarmType = "livestock"
	FarmMixed     FarmType = "mixed"
	FarmOrganic   FarmType = "organic"
)

// ValidFarmType reports whether t is a known farm type.
func ValidFarmType(t FarmType) bool {
	switch t {
	case FarmRice, FarmCorn, FarmVegetable, FarmFruit, FarmLivestock, FarmMixed, FarmOrganic:
		return true
	}
	return false
}

// ActivityType enumerates recordable farm activities.
type ActivityType string

const (
	ActivityPlanting        ActivityType = "planting"
	ActivityFertilizing     ActivityType = "fertilizing"
	ActivityPesticide       ActivityType = "pesticide"
	ActivityIrrigation      ActivityType = "irrigation"
	ActivityWeeding         ActivityType = "weeding"
	ActivityHarvesting      ActivityType = "harvesting"
	ActivitySoilPreparation ActivityType = "soil_preparation"
	ActivityMaintenance     ActivityType = "maintenance"
)

// ValidActivityType reports whether t is a known activity type.
func ValidActivityType(t ActivityType) bool {
	switch t {
	case ActivityPlanting, ActivityFertilizing, ActivityPesticide, ActivityIrrigation,
		ActivityWeeding, ActivityHarvesting, ActivitySoilPreparation, ActivityMaintenance:
		return true
	}
	return false
}

// CropStage enumerates the growth stages of a planted crop.
type CropStage string

const (
	StagePlanning   CropStage = "planning"
	StagePlanted    CropStage = "planted"
	StageGrowing    CropStage = "growing"
	StageFlowering  CropStage = "flowering"
	StageHarvesting CropStage = "harvesting"
	StageHarvested  CropStage = "harvested"
	StageFallow     CropStage = "fallow"
)

// ValidCropStage reports whether s is a known crop stage.
func ValidCropStage(s CropStage) bool {
	switch s {
	case StagePlanning, StagePlanted, StageGrowing, StageFlowering, StageHarvesting, StageHarvested, StageFallow:
		return true
	}
	return false
}

// Farmer is a registered grower within an organization.
type Farmer struct {
	ID             uuid.UUID  `json:"id"`
	OrganizationID uuid.UUID  `json:"organization_id"`
	UserID         *uuid.UUID `json:"user_id,omitempty"`
	FarmerCode     string     `json:"farmer_code"`
	FirstName      string     `json:"first_name"`
	LastName       string     `json:"last_name"`
	MiddleName     string     `json:"middle_name,omitempty"`
	BirthDate      *time.Time `json:"birth_date,omitempty"`
	Gender         string     `json:"gender,omitempty"`
	CivilStatus    string     `json:"civil_status,omitempty"`
	Phone          string     `json:"phone,omitempty"`
	Email          string     `json:"email,omitempty"`
	Address        string     `json:"address,omitempty"`
	Barangay       string     `json:"barangay,omitempty"`
	Municipality   string     `json:"municipality,omitempty"`
	Province       string     `json:"province,omitempty"`
	Region         string     `json:"region,omitempty"`
	CardMemberID   string     `json:"card_member_id,omitempty"`
	IsCardMember   bool       `json:"is_card_member"`
	MembershipDate *time.Time `json:"membership_date,omitempty"`
	YearsFarming   int        `json:"years_farming"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	Farms          []Farm     `json:"farms,omitempty"`
}

// FullName joins first and last name.
func (f Farmer) FullName() string {
	return f.FirstName + " " + f.LastName
}

// Farm is a parcel worked by a farmer.
type Farm struct {
	ID                     uuid.UUID      `json:"id"`
	OrganizationID         uuid.UUID      `json:"organization_id"`
	FarmerID               uuid.UUID      `json:"farmer_id"`
	FarmName               string         `json:"farm_name"`
	Address                string         `json:"address,omitempty"`
	Barangay               string         `json:"barangay,omitempty"`
	Municipality           string         `json:"municipality,omitempty"`
	Province               string         `json:"province,omitempty"`
	Region                 string         `json:"region,omitempty"`
	Latitude               *float64       `json:"latitude,omitempty"`
	Longitude              *float64       `json:"longitude,omitempty"`
	TotalAreaHectares      float64        `json:"total_area_hectares"`
	CultivatedAreaHectares float64        `json:"cultivated_area_hectares"`
	FarmType               FarmType       `json:"farm_type"`
	SoilType               string         `json:"soil_type,omitempty"`
	WaterSource            string         `json:"water_source,omitempty"`
	IrrigationType         string         `json:"irrigation_type,omitempty"`
	OwnershipType          string         `json:"ownership_type,omitempty"`
	Status                 string         `json:"status"`
	CreatedAt              time.Time      `json:"created_at"`
	UpdatedAt              time.Time      `json:"updated_at"`
	Crops                  []Crop         `json:"crops,omitempty"`
	RecentActivities       []FarmActivity `json:"recent_activities,omitempty"`
}

// Crop is a planting on a farm.
type Crop struct {
	ID                  uuid.UUID  `json:"id"`
	FarmID              uuid.UUID  `json:"farm_id"`
	CropName            string     `json:"crop_name"`
	Variety             string     `json:"variety,omitempty"`
	PlantingDate        *time.Time `json:"planting_date,omitempty"`
	ExpectedHarvestDate *time.Time `json:"expected_harvest_date,omitempty"`
	AreaHectares        float64    `json:"area_hectares"`
	Stage               CropStage  `json:"stage"`
	ExpectedYieldKg     float64    `json:"expected_yield_kg"`
	CreatedAt           time.Time  `json:"created_at"`
}

// FarmActivity is a dated piece of work on a farm.
type FarmActivity struct {
	ID             uuid.UUID      `json:"id"`
	OrganizationID uuid.UUID      `json:"organization_id"`
	FarmID         uuid.UUID      `json:"farm_id"`
	FarmerID       uuid.UUID      `json:"farmer_id"`
	ActivityType   ActivityType   `json:"activity_type"`
	ActivityName   string         `json:"activity_name"`
	ActivityDate   time.Time      `json:"activity_date"`
	Description    string         `json:"description,omitempty"`
	Cost           float64        `json:"cost"`
	LaborHours     float64        `json:"labor_hours"`
	InputsUsed     map[string]any `json:"inputs_used,omitempty"`
	RecordedBy     *uuid.UUID     `json:"recorded_by,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// HarvestStatus tracks whether produce can still be bought.
type HarvestStatus string

const (
	HarvestAvailable HarvestStatus = "available"
	HarvestReserved  HarvestStatus = "reserved"
	HarvestSold      HarvestStatus = "sold"
)

// Harvest is produce a farmer has available for buyers.
type Harvest struct {
	ID             uuid.UUID     `json:"id"`
	OrganizationID uuid.UUID     `json:"organization_id"`
	FarmID         uuid.UUID     `json:"farm_id"`
	FarmerID       uuid.UUID     `json:"farmer_id"`
	CropType       string        `json:"crop_type"`
	QuantityKg     float64       `json:"quantity_kg"`
	QualityGrade   string        `json:"quality_grade,omitempty"`
	PricePerKg     float64       `json:"price_per_kg"`
	HarvestDate    time.Time     `json:"harvest_date"`
	AvailableFrom  time.Time     `json:"available_from"`
	Region         string        `json:"region,omitempty"`
	Status         HarvestStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
}
