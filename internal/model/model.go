// Package model defines the core domain types shared across the position engine.
// All monetary values use shopspring/decimal; never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Entity is a legal entity that can act as borrower, lender or trade counterparty.
type Entity struct {
	ID        string       `json:"id" db:"id"`
	LegalName string       `json:"legal_name" db:"legal_name"`
	Status    EntityStatus `json:"status" db:"status"`
}

// Lender is the lending role of an Entity. Positions are keyed by lender.
type Lender struct {
	ID       string       `json:"id" db:"id"`
	EntityID string       `json:"entity_id" db:"entity_id"`
	Status   EntityStatus `json:"status" db:"status"`
}

// Borrower is the borrowing role of an Entity.
type Borrower struct {
	ID       string       `json:"id" db:"id"`
	EntityID string       `json:"entity_id" db:"entity_id"`
	Status   EntityStatus `json:"status" db:"status"`
}

// CreditAgreement is the parent contract owning one or more facilities.
type CreditAgreement struct {
	ID           string                `json:"id" db:"id"`
	Name         string                `json:"name" db:"name"`
	BorrowerID   string                `json:"borrower_id" db:"borrower_id"`
	LenderID     string                `json:"lender_id" db:"lender_id"` // administrative agent
	Amount       decimal.Decimal       `json:"amount" db:"amount"`
	Currency     string                `json:"currency" db:"currency"`
	StartDate    time.Time             `json:"start_date" db:"start_date"`
	MaturityDate time.Time             `json:"maturity_date" db:"maturity_date"`
	InterestRate decimal.Decimal       `json:"interest_rate" db:"interest_rate"`
	Status       CreditAgreementStatus `json:"status" db:"status"`
	CreatedAt    time.Time             `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time             `json:"updated_at" db:"updated_at"`
}

// Facility is a tranche of credit within a credit agreement.
type Facility struct {
	ID                string          `json:"id" db:"id"`
	CreditAgreementID string          `json:"credit_agreement_id" db:"credit_agreement_id"`
	Name              string          `json:"name" db:"name"`
	FacilityType      string          `json:"facility_type" db:"facility_type"` // e.g. TERM_LOAN, REVOLVER
	CommitmentAmount  decimal.Decimal `json:"commitment_amount" db:"commitment_amount"`
	AvailableAmount   decimal.Decimal `json:"available_amount" db:"available_amount"`
	OutstandingAmount decimal.Decimal `json:"outstanding_amount" db:"outstanding_amount"`
	Currency          string          `json:"currency" db:"currency"`
	StartDate         time.Time       `json:"start_date" db:"start_date"`
	MaturityDate      time.Time       `json:"maturity_date" db:"maturity_date"`
	InterestType      string          `json:"interest_type" db:"interest_type"` // FIXED or FLOATING
	Margin            decimal.Decimal `json:"margin" db:"margin"`
	Status            string          `json:"status" db:"status"`
}

// FacilityPosition is one lender's share of a facility commitment.
// Invariant: DrawnAmount + UndrawnAmount == CommitmentAmount.
type FacilityPosition struct {
	ID               string          `json:"id" db:"id"`
	FacilityID       string          `json:"facility_id" db:"facility_id"`
	LenderID         string          `json:"lender_id" db:"lender_id"`
	CommitmentAmount decimal.Decimal `json:"commitment_amount" db:"commitment_amount"`
	DrawnAmount      decimal.Decimal `json:"drawn_amount" db:"drawn_amount"`
	UndrawnAmount    decimal.Decimal `json:"undrawn_amount" db:"undrawn_amount"`
	Share            decimal.Decimal `json:"share" db:"share"` // percent of facility commitment
	Status           PositionStatus  `json:"status" db:"status"`
}

// Loan is a drawn instrument under a facility.
type Loan struct {
	ID                 string          `json:"id" db:"id"`
	FacilityID         string          `json:"facility_id" db:"facility_id"`
	Amount             decimal.Decimal `json:"amount" db:"amount"`
	OutstandingBalance decimal.Decimal `json:"outstanding_balance" db:"outstanding_balance"`
	Currency           string          `json:"currency" db:"currency"`
	Status             string          `json:"status" db:"status"`
	StartDate          time.Time       `json:"start_date" db:"start_date"`
	MaturityDate       time.Time       `json:"maturity_date" db:"maturity_date"`
}

// LoanPosition is one lender's share of a loan's outstanding balance.
type LoanPosition struct {
	ID       string          `json:"id" db:"id"`
	LoanID   string          `json:"loan_id" db:"loan_id"`
	LenderID string          `json:"lender_id" db:"lender_id"`
	Amount   decimal.Decimal `json:"amount" db:"amount"`
	Share    decimal.Decimal `json:"share" db:"share"`
	Status   PositionStatus  `json:"status" db:"status"`
}

// Trade transfers ParAmount of commitment from seller to buyer.
type Trade struct {
	ID                          string          `json:"id" db:"id"`
	FacilityID                  string          `json:"facility_id" db:"facility_id"`
	SellerEntityID              string          `json:"seller_entity_id" db:"seller_entity_id"`
	BuyerEntityID               string          `json:"buyer_entity_id" db:"buyer_entity_id"`
	ParAmount                   decimal.Decimal `json:"par_amount" db:"par_amount"`
	Price                       decimal.Decimal `json:"price" db:"price"` // percent of par
	TradeDate                   time.Time       `json:"trade_date" db:"trade_date"`
	SettlementDate              time.Time       `json:"settlement_date" db:"settlement_date"`
	Status                      TradeStatus     `json:"status" db:"status"`
	FacilityOutstandingSnapshot decimal.Decimal `json:"facility_outstanding_snapshot" db:"facility_outstanding_snapshot"`
	ClosedAt                    *time.Time      `json:"closed_at,omitempty" db:"closed_at"`
	ClosedBy                    string          `json:"closed_by,omitempty" db:"closed_by"`
	CreatedAt                   time.Time       `json:"created_at" db:"created_at"`
}

// ServicingActivity is a scheduled or ad hoc cash event on a facility.
type ServicingActivity struct {
	ID           string          `json:"id" db:"id"`
	FacilityID   string          `json:"facility_id" db:"facility_id"`
	LoanID       string          `json:"loan_id,omitempty" db:"loan_id"` // empty: applies to all facility loans
	ActivityType ActivityType    `json:"activity_type" db:"activity_type"`
	DueDate      time.Time       `json:"due_date" db:"due_date"`
	Amount       decimal.Decimal `json:"amount" db:"amount"`
	Status       ServicingStatus `json:"status" db:"status"`
	Description  string          `json:"description,omitempty" db:"description"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	CompletedBy  string          `json:"completed_by,omitempty" db:"completed_by"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// FacilityPositionHistory is an immutable before/after record of one
// facility position mutation. Once created it is never modified or deleted.
type FacilityPositionHistory struct {
	ID                 string          `json:"id" db:"id"`
	FacilityID         string          `json:"facility_id" db:"facility_id"`
	FacilityPositionID string          `json:"facility_position_id" db:"facility_position_id"`
	LenderID           string          `json:"lender_id" db:"lender_id"`
	PreviousCommitment decimal.Decimal `json:"previous_commitment" db:"previous_commitment"`
	NewCommitment      decimal.Decimal `json:"new_commitment" db:"new_commitment"`
	PreviousDrawn      decimal.Decimal `json:"previous_drawn" db:"previous_drawn"`
	NewDrawn           decimal.Decimal `json:"new_drawn" db:"new_drawn"`
	PreviousUndrawn    decimal.Decimal `json:"previous_undrawn" db:"previous_undrawn"`
	NewUndrawn         decimal.Decimal `json:"new_undrawn" db:"new_undrawn"`
	PreviousShare      decimal.Decimal `json:"previous_share" db:"previous_share"`
	NewShare           decimal.Decimal `json:"new_share" db:"new_share"`
	ChangeAmount       decimal.Decimal `json:"change_amount" db:"change_amount"` // signed
	ChangeType         ChangeType      `json:"change_type" db:"change_type"`
	UserID             string          `json:"user_id" db:"user_id"`
	Origin             Origin          `json:"origin"`
	ChangeDateTime     time.Time       `json:"change_date_time" db:"change_date_time"`
}

// TransactionHistory is an immutable record of a cash or commitment movement
// at facility level.
type TransactionHistory struct {
	ID                string          `json:"id" db:"id"`
	CreditAgreementID string          `json:"credit_agreement_id" db:"credit_agreement_id"`
	FacilityID        string          `json:"facility_id" db:"facility_id"`
	LoanID            string          `json:"loan_id,omitempty" db:"loan_id"`
	TransactionType   ChangeType      `json:"transaction_type" db:"transaction_type"`
	Amount            decimal.Decimal `json:"amount" db:"amount"`
	Currency          string          `json:"currency" db:"currency"`
	Description       string          `json:"description" db:"description"`
	UserID            string          `json:"user_id" db:"user_id"`
	Origin            Origin          `json:"origin"`
	TransactionDate   time.Time       `json:"transaction_date" db:"transaction_date"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
}

// FacilityWithPositions is a facility with its positions fully loaded.
type FacilityWithPositions struct {
	Facility
	Positions []FacilityPosition `json:"positions"`
}

// CreditAgreementWithRelations is an agreement with its facilities and positions.
type CreditAgreementWithRelations struct {
	CreditAgreement
	Facilities []FacilityWithPositions `json:"facilities"`
}

// LoanWithPositions is a loan with its lender positions loaded.
type LoanWithPositions struct {
	Loan
	Positions []LoanPosition `json:"positions"`
}
