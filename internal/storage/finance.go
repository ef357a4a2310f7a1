package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/magsasa-card/magsasa/internal/model"
)

// ErrListingUnavailable is returned when a purchase order targets a harvest
// that is no longer available.
var ErrListingUnavailable = errors.New("storage: listing not available")

// QuantityError reports a purchase order larger than the listing.
type QuantityError struct {
	Requested float64
	Available float64
}

func (e *QuantityError) Error() string {
	return fmt.Sprintf("storage: requested %.2f kg exceeds available %.2f kg", e.Requested, e.Available)
}

const loanColumns = `id, loan_id, organization_id, partner_key_id, farmer_id, amount, purpose, interest_rate,
	term_months, monthly_payment, status, assessment_id, maturity_date, created_at`

func scanLoan(row pgx.Row) (model.LoanApplication, error) {
	var l model.LoanApplication
	err := row.Scan(&l.ID, &l.LoanID, &l.OrganizationID, &l.PartnerKeyID, &l.FarmerID, &l.Amount, &l.Purpose,
		&l.InterestRate, &l.TermMonths, &l.MonthlyPayment, &l.Status, &l.AssessmentID, &l.MaturityDate,
		&l.CreatedAt)
	return l, err
}

// CreateLoanApplication persists a loan booked by a financial partner.
func (db *DB) CreateLoanApplication(ctx context.Context, l model.LoanApplication) (model.LoanApplication, error) {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.Status == "" {
		l.Status = "approved"
	}
	out, err := scanLoan(db.pool.QueryRow(ctx,
		`INSERT INTO loan_applications (id, loan_id, organization_id, partner_key_id, farmer_id, amount, purpose,
		     interest_rate, term_months, monthly_payment, status, assessment_id, maturity_date)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 RETURNING `+loanColumns,
		l.ID, l.LoanID, l.OrganizationID, l.PartnerKeyID, l.FarmerID, l.Amount, l.Purpose, l.InterestRate,
		l.TermMonths, l.MonthlyPayment, l.Status, l.AssessmentID, l.MaturityDate,
	))
	if err != nil {
		return model.LoanApplication{}, fmt.Errorf("storage: create loan application: %w", uniqueViolation(err))
	}
	return out, nil
}

const purchaseOrderColumns = `id, po_number, partner_key_id, buyer_organization_id, listing_id, quantity_kg,
	offered_price, total_amount, delivery_terms, payment_terms, status, expires_at, created_at`

func scanPurchaseOrder(row pgx.Row) (model.PurchaseOrder, error) {
	var p model.PurchaseOrder
	err := row.Scan(&p.ID, &p.PONumber, &p.PartnerKeyID, &p.BuyerOrgID, &p.ListingID, &p.QuantityKg,
		&p.OfferedPrice, &p.TotalAmount, &p.DeliveryTerms, &p.PaymentTerms, &p.Status, &p.ExpiresAt, &p.CreatedAt)
	return p, err
}

// CreatePurchaseOrder reserves the listing and records the buyer's offer in
// one transaction. It returns ErrNotFound for an unknown listing,
// ErrListingUnavailable when it is already reserved or sold, and a
// *QuantityError when the offer exceeds the listing.
func (db *DB) CreatePurchaseOrder(ctx context.Context, p model.PurchaseOrder, audit *MutationAuditEntry) (model.PurchaseOrder, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = "pending"
	}

	var out model.PurchaseOrder
	err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		var (
			available float64
			status    model.HarvestStatus
		)
		err := tx.QueryRow(ctx,
			`SELECT quantity_kg, status FROM harvests WHERE id = $1 FOR UPDATE`, p.ListingID,
		).Scan(&available, &status)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("storage: listing %s: %w", p.ListingID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("storage: lock listing: %w", err)
		}
		if status != model.HarvestAvailable {
			return ErrListingUnavailable
		}
		if p.QuantityKg > available {
			return &QuantityError{Requested: p.QuantityKg, Available: available}
		}

		out, err = scanPurchaseOrder(tx.QueryRow(ctx,
			`INSERT INTO purchase_orders (id, po_number, partner_key_id, buyer_organization_id, listing_id,
			     quantity_kg, offered_price, total_amount, delivery_terms, payment_terms, status, expires_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			 RETURNING `+purchaseOrderColumns,
			p.ID, p.PONumber, p.PartnerKeyID, p.BuyerOrgID, p.ListingID, p.QuantityKg, p.OfferedPrice,
			p.TotalAmount, p.DeliveryTerms, p.PaymentTerms, p.Status, p.ExpiresAt,
		))
		if err != nil {
			return fmt.Errorf("storage: create purchase order: %w", uniqueViolation(err))
		}

		if _, err := tx.Exec(ctx, `UPDATE harvests SET status = 'reserved' WHERE id = $1`, p.ListingID); err != nil {
			return fmt.Errorf("storage: reserve listing: %w", err)
		}

		if audit != nil {
			audit.ResourceID = out.ID.String()
			audit.AfterData = out
			if err := InsertMutationAuditTx(ctx, tx, *audit); err != nil {
				return fmt.Errorf("storage: audit in purchase order tx: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return model.PurchaseOrder{}, err
	}
	return out, nil
}
