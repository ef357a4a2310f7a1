package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/magsasa-card/magsasa/internal/model"
)

const farmerColumns = `id, organization_id, user_id, farmer_code, first_name, last_name, middle_name,
	birth_date, gender, civil_status, phone, email, address, barangay, municipality, province, region,
	card_member_id, is_card_member, membership_date, years_farming, status, created_at, updated_at`

func scanFarmer(row pgx.Row) (model.Farmer, error) {
	var f model.Farmer
	err := row.Scan(
		&f.ID, &f.OrganizationID, &f.UserID, &f.FarmerCode, &f.FirstName, &f.LastName, &f.MiddleName,
		&f.BirthDate, &f.Gender, &f.CivilStatus, &f.Phone, &f.Email, &f.Address, &f.Barangay,
		&f.Municipality, &f.Province, &f.Region, &f.CardMemberID, &f.IsCardMember, &f.MembershipDate,
		&f.YearsFarming, &f.Status, &f.CreatedAt, &f.UpdatedAt,
	)
	return f, err
}

// CreateFarmer inserts a farmer. A farmer_code already used in the
// organization yields ErrConflict.
func (db *DB) CreateFarmer(ctx context.Context, f model.Farmer) (model.Farmer, error) {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.Status == "" {
		f.Status = "active"
	}
	created, err := scanFarmer(db.pool.QueryRow(ctx,
		`INSERT INTO farmers (id, organization_id, user_id, farmer_code, first_name, last_name, middle_name,
		     birth_date, gender, civil_status, phone, email, address, barangay, municipality, province, region,
		     card_member_id, is_card_member, membership_date, years_farming, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		 RETURNING `+farmerColumns,
		f.ID, f.OrganizationID, f.UserID, f.FarmerCode, f.FirstName, f.LastName, f.MiddleName,
		f.BirthDate, f.Gender, f.CivilStatus, f.Phone, f.Email, f.Address, f.Barangay, f.Municipality,
		f.Province, f.Region, f.CardMemberID, f.IsCardMember, f.MembershipDate, f.YearsFarming, f.Status,
	))
	if err != nil {
		return model.Farmer{}, fmt.Errorf("storage: create farmer: %w", uniqueViolation(err))
	}
	return created, nil
}

// GetFarmer returns a farmer of orgID by id.
func (db *DB) GetFarmer(ctx context.Context, orgID, id uuid.UUID) (model.Farmer, error) {
	f, err := scanFarmer(db.pool.QueryRow(ctx,
		`SELECT `+farmerColumns+` FROM farmers WHERE id = $1 AND organization_id = $2`, id, orgID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Farmer{}, fmt.Errorf("storage: farmer %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Farmer{}, fmt.Errorf("storage: get farmer: %w", err)
	}
	return f, nil
}

// GetFarmerAnyOrg returns a farmer regardless of organization. Callers use it
// to tell "missing" apart from "belongs to another organization".
func (db *DB) GetFarmerAnyOrg(ctx context.Context, id uuid.UUID) (model.Farmer, error) {
	f, err := scanFarmer(db.pool.QueryRow(ctx, `SELECT `+farmerColumns+` FROM farmers WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Farmer{}, fmt.Errorf("storage: farmer %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Farmer{}, fmt.Errorf("storage: get farmer: %w", err)
	}
	return f, nil
}

// FarmerFilter narrows ListFarmers.
type FarmerFilter struct {
	Municipality string
	Province     string
	IsCardMember *bool
	Search       string
	Limit        int
	Offset       int
}

// ListFarmers returns the organization's farmers, newest first.
func (db *DB) ListFarmers(ctx context.Context, orgID uuid.UUID, f FarmerFilter) ([]model.Farmer, int, error) {
	flt := newFilter("organization_id = ?", orgID)
	flt.addIf(f.Municipality != "", "municipality ILIKE ?", f.Municipality)
	flt.addIf(f.Province != "", "province ILIKE ?", f.Province)
	if f.IsCardMember != nil {
		flt.add("is_card_member = ?", *f.IsCardMember)
	}
	flt.addIf(f.Search != "",
		"(first_name ILIKE ? OR last_name ILIKE ? OR farmer_code ILIKE ?)", "%"+f.Search+"%")

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT count(*) FROM farmers`+flt.where(), flt.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count farmers: %w", err)
	}
	pageSQL, args := flt.page(f.Limit, f.Offset)
	rows, err := db.pool.Query(ctx,
		`SELECT `+farmerColumns+` FROM farmers`+flt.where()+` ORDER BY created_at DESC`+pageSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list farmers: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Farmer, error) { return scanFarmer(row) })
	if err != nil {
		return nil, 0, fmt.Errorf("storage: scan farmers: %w", err)
	}
	return out, total, nil
}

// UpdateFarmer overwrites the mutable columns of f and returns the stored row.
func (db *DB) UpdateFarmer(ctx context.Context, f model.Farmer) (model.Farmer, error) {
	updated, err := scanFarmer(db.pool.QueryRow(ctx,
		`UPDATE farmers SET
		     user_id = $3, first_name = $4, last_name = $5, middle_name = $6, birth_date = $7, gender = $8,
		     civil_status = $9, phone = $10, email = $11, address = $12, barangay = $13, municipality = $14,
		     province = $15, region = $16, card_member_id = $17, is_card_member = $18, membership_date = $19,
		     years_farming = $20, status = $21, updated_at = now()
		 WHERE id = $1 AND organization_id = $2
		 RETURNING `+farmerColumns,
		f.ID, f.OrganizationID, f.UserID, f.FirstName, f.LastName, f.MiddleName, f.BirthDate, f.Gender,
		f.CivilStatus, f.Phone, f.Email, f.Address, f.Barangay, f.Municipality, f.Province, f.Region,
		f.CardMemberID, f.IsCardMember, f.MembershipDate, f.YearsFarming, f.Status,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Farmer{}, fmt.Errorf("storage: farmer %s: %w", f.ID, ErrNotFound)
	}
	if err != nil {
		return model.Farmer{}, fmt.Errorf("storage: update farmer: %w", err)
	}
	return updated, nil
}

// GetFarmerByUser returns the farmer record linked to a login, if any.
func (db *DB) GetFarmerByUser(ctx context.Context, orgID, userID uuid.UUID) (model.Farmer, bool, error) {
	f, err := scanFarmer(db.pool.QueryRow(ctx,
		`SELECT `+farmerColumns+` FROM farmers WHERE organization_id = $1 AND user_id = $2`, orgID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Farmer{}, false, nil
	}
	if err != nil {
		return model.Farmer{}, false, fmt.Errorf("storage: get farmer by user: %w", err)
	}
	return f, true, nil
}
