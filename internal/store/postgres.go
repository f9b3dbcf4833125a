package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/loanbook/position-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// Inside WithTx, reads of trades, servicing activities and facilities take
// row locks (SELECT ... FOR UPDATE), so two commands touching the same
// facility serialise their read-modify-write cycles.
type PostgresStore struct {
	pgTx
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pgTx: pgTx{q: pool}, pool: pool}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(&pgTx{q: tx, locking: true}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgTx struct {
	q       querier
	locking bool
}

func (t *pgTx) forUpdate() string {
	if t.locking {
		return " FOR UPDATE"
	}
	return ""
}

// PostgreSQL error codes
const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

// mapErr translates driver errors into store errors.
func mapErr(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return fmt.Errorf("%w: %s", ErrDuplicateKey, what)
		case pgErrForeignKeyViolation:
			return fmt.Errorf("%w: %s references a missing row (%s)", ErrNotFound, what, pgErr.ConstraintName)
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}

func mustAffect(tag pgconn.CommandTag, err error, what string) error {
	if err != nil {
		return mapErr(err, what)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return nil
}

// numeric parses a NUMERIC rendered as text. Values come from NUMERIC
// columns, so parse failures cannot occur for well-formed rows.
func numeric(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// originColumns splits an Origin into (kind, trade_id, servicing_activity_id).
func originColumns(o model.Origin) (string, any, any) {
	kind := o.Kind
	if kind == "" {
		kind = model.OriginManual
	}
	return string(kind), nullable(o.TradeID()), nullable(o.ServicingActivityID())
}

func originFrom(kind, tradeID, activityID string) model.Origin {
	switch model.OriginKind(kind) {
	case model.OriginTrade:
		return model.TradeOrigin(tradeID)
	case model.OriginServicing:
		return model.ServicingOrigin(activityID)
	default:
		return model.ManualOrigin()
	}
}

// --- Parties ---

func (t *pgTx) CreateEntity(ctx context.Context, e *model.Entity) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO entities (id, legal_name, status) VALUES ($1, $2, $3)`,
		e.ID, e.LegalName, e.Status)
	return mapErr(err, "create entity "+e.ID)
}

func (t *pgTx) GetEntity(ctx context.Context, id string) (*model.Entity, error) {
	var e model.Entity
	err := t.q.QueryRow(ctx,
		`SELECT id, legal_name, status FROM entities WHERE id = $1`, id).
		Scan(&e.ID, &e.LegalName, &e.Status)
	if err != nil {
		return nil, mapErr(err, "get entity "+id)
	}
	return &e, nil
}

func (t *pgTx) CreateBorrower(ctx context.Context, b *model.Borrower) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO borrowers (id, entity_id, status) VALUES ($1, $2, $3)`,
		b.ID, b.EntityID, b.Status)
	return mapErr(err, "create borrower "+b.ID)
}

func (t *pgTx) GetBorrower(ctx context.Context, id string) (*model.Borrower, error) {
	var b model.Borrower
	err := t.q.QueryRow(ctx,
		`SELECT id, entity_id, status FROM borrowers WHERE id = $1`, id).
		Scan(&b.ID, &b.EntityID, &b.Status)
	if err != nil {
		return nil, mapErr(err, "get borrower "+id)
	}
	return &b, nil
}

func (t *pgTx) CreateLender(ctx context.Context, l *model.Lender) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO lenders (id, entity_id, status) VALUES ($1, $2, $3)`,
		l.ID, l.EntityID, l.Status)
	return mapErr(err, "create lender "+l.ID)
}

func (t *pgTx) GetLender(ctx context.Context, id string) (*model.Lender, error) {
	var l model.Lender
	err := t.q.QueryRow(ctx,
		`SELECT id, entity_id, status FROM lenders WHERE id = $1`, id).
		Scan(&l.ID, &l.EntityID, &l.Status)
	if err != nil {
		return nil, mapErr(err, "get lender "+id)
	}
	return &l, nil
}

func (t *pgTx) UpsertLenderByEntity(ctx context.Context, entityID string) (*model.Lender, error) {
	var l model.Lender
	err := t.q.QueryRow(ctx,
		`INSERT INTO lenders (id, entity_id, status) VALUES ($1, $2, $3)
		 ON CONFLICT (entity_id) DO UPDATE SET entity_id = EXCLUDED.entity_id
		 RETURNING id, entity_id, status`,
		newID(), entityID, model.EntityActive).
		Scan(&l.ID, &l.EntityID, &l.Status)
	if err != nil {
		return nil, mapErr(err, "upsert lender for entity "+entityID)
	}
	return &l, nil
}

// --- Agreements and facilities ---

const agreementColumns = `id, name, borrower_id, lender_id, amount::TEXT, currency,
	start_date, maturity_date, interest_rate::TEXT, status, created_at, updated_at`

func (t *pgTx) CreateCreditAgreement(ctx context.Context, ca *model.CreditAgreement) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO credit_agreements (id, name, borrower_id, lender_id, amount, currency,
		        start_date, maturity_date, interest_rate, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8, $9::NUMERIC, $10, $11, $12)`,
		ca.ID, ca.Name, ca.BorrowerID, ca.LenderID, ca.Amount.String(), ca.Currency,
		ca.StartDate, ca.MaturityDate, ca.InterestRate.String(), ca.Status,
		ca.CreatedAt, ca.UpdatedAt,
	)
	return mapErr(err, "create credit agreement "+ca.ID)
}

func (t *pgTx) GetCreditAgreement(ctx context.Context, id string) (*model.CreditAgreement, error) {
	var ca model.CreditAgreement
	var amount, rate string
	err := t.q.QueryRow(ctx,
		`SELECT `+agreementColumns+` FROM credit_agreements WHERE id = $1`+t.forUpdate(), id).
		Scan(&ca.ID, &ca.Name, &ca.BorrowerID, &ca.LenderID, &amount, &ca.Currency,
			&ca.StartDate, &ca.MaturityDate, &rate, &ca.Status, &ca.CreatedAt, &ca.UpdatedAt)
	if err != nil {
		return nil, mapErr(err, "get credit agreement "+id)
	}
	ca.Amount = numeric(amount)
	ca.InterestRate = numeric(rate)
	return &ca, nil
}

func (t *pgTx) UpdateCreditAgreement(ctx context.Context, ca *model.CreditAgreement) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE credit_agreements
		 SET name = $2, borrower_id = $3, lender_id = $4, amount = $5::NUMERIC, currency = $6,
		     start_date = $7, maturity_date = $8, interest_rate = $9::NUMERIC, status = $10,
		     updated_at = $11
		 WHERE id = $1`,
		ca.ID, ca.Name, ca.BorrowerID, ca.LenderID, ca.Amount.String(), ca.Currency,
		ca.StartDate, ca.MaturityDate, ca.InterestRate.String(), ca.Status, ca.UpdatedAt,
	)
	return mustAffect(tag, err, "update credit agreement "+ca.ID)
}

const facilityColumns = `id, credit_agreement_id, name, facility_type,
	commitment_amount::TEXT, available_amount::TEXT, outstanding_amount::TEXT,
	currency, start_date, maturity_date, interest_type, margin::TEXT, status`

func scanFacility(row pgx.Row) (*model.Facility, error) {
	var f model.Facility
	var commitment, available, outstanding, margin string
	if err := row.Scan(&f.ID, &f.CreditAgreementID, &f.Name, &f.FacilityType,
		&commitment, &available, &outstanding,
		&f.Currency, &f.StartDate, &f.MaturityDate, &f.InterestType, &margin, &f.Status); err != nil {
		return nil, err
	}
	f.CommitmentAmount = numeric(commitment)
	f.AvailableAmount = numeric(available)
	f.OutstandingAmount = numeric(outstanding)
	f.Margin = numeric(margin)
	return &f, nil
}

func (t *pgTx) CreateFacility(ctx context.Context, f *model.Facility) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO facilities (id, credit_agreement_id, name, facility_type,
		        commitment_amount, available_amount, outstanding_amount,
		        currency, start_date, maturity_date, interest_type, margin, status)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9, $10, $11, $12::NUMERIC, $13)`,
		f.ID, f.CreditAgreementID, f.Name, f.FacilityType,
		f.CommitmentAmount.String(), f.AvailableAmount.String(), f.OutstandingAmount.String(),
		f.Currency, f.StartDate, f.MaturityDate, f.InterestType, f.Margin.String(), f.Status,
	)
	return mapErr(err, "create facility "+f.ID)
}

func (t *pgTx) GetFacility(ctx context.Context, id string) (*model.Facility, error) {
	f, err := scanFacility(t.q.QueryRow(ctx,
		`SELECT `+facilityColumns+` FROM facilities WHERE id = $1`+t.forUpdate(), id))
	if err != nil {
		return nil, mapErr(err, "get facility "+id)
	}
	return f, nil
}

func (t *pgTx) UpdateFacility(ctx context.Context, f *model.Facility) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE facilities
		 SET name = $2, facility_type = $3, commitment_amount = $4::NUMERIC,
		     available_amount = $5::NUMERIC, outstanding_amount = $6::NUMERIC,
		     currency = $7, start_date = $8, maturity_date = $9, interest_type = $10,
		     margin = $11::NUMERIC, status = $12
		 WHERE id = $1`,
		f.ID, f.Name, f.FacilityType, f.CommitmentAmount.String(),
		f.AvailableAmount.String(), f.OutstandingAmount.String(),
		f.Currency, f.StartDate, f.MaturityDate, f.InterestType, f.Margin.String(), f.Status,
	)
	return mustAffect(tag, err, "update facility "+f.ID)
}

func (t *pgTx) ListFacilitiesByAgreement(ctx context.Context, agreementID string) ([]model.Facility, error) {
	rows, err := t.q.Query(ctx,
		`SELECT `+facilityColumns+` FROM facilities WHERE credit_agreement_id = $1 ORDER BY start_date, id`,
		agreementID)
	if err != nil {
		return nil, mapErr(err, "list facilities")
	}
	defer rows.Close()

	var result []model.Facility
	for rows.Next() {
		f, err := scanFacility(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *f)
	}
	return result, rows.Err()
}

func (t *pgTx) LockFacility(ctx context.Context, id string) error {
	var locked string
	err := t.q.QueryRow(ctx, `SELECT id FROM facilities WHERE id = $1`+t.forUpdate(), id).Scan(&locked)
	return mapErr(err, "lock facility "+id)
}

// --- Positions ---

const facilityPositionColumns = `id, facility_id, lender_id, commitment_amount::TEXT,
	drawn_amount::TEXT, undrawn_amount::TEXT, share::TEXT, status`

func scanFacilityPosition(row pgx.Row) (*model.FacilityPosition, error) {
	var p model.FacilityPosition
	var commitment, drawn, undrawn, share string
	if err := row.Scan(&p.ID, &p.FacilityID, &p.LenderID, &commitment,
		&drawn, &undrawn, &share, &p.Status); err != nil {
		return nil, err
	}
	p.CommitmentAmount = numeric(commitment)
	p.DrawnAmount = numeric(drawn)
	p.UndrawnAmount = numeric(undrawn)
	p.Share = numeric(share)
	return &p, nil
}

func (t *pgTx) CreateFacilityPosition(ctx context.Context, p *model.FacilityPosition) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO facility_positions (id, facility_id, lender_id, commitment_amount,
		        drawn_amount, undrawn_amount, share, status)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8)`,
		p.ID, p.FacilityID, p.LenderID, p.CommitmentAmount.String(),
		p.DrawnAmount.String(), p.UndrawnAmount.String(), p.Share.String(), p.Status,
	)
	return mapErr(err, "create facility position "+p.ID)
}

func (t *pgTx) UpdateFacilityPosition(ctx context.Context, p *model.FacilityPosition) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE facility_positions
		 SET commitment_amount = $2::NUMERIC, drawn_amount = $3::NUMERIC,
		     undrawn_amount = $4::NUMERIC, share = $5::NUMERIC, status = $6
		 WHERE id = $1`,
		p.ID, p.CommitmentAmount.String(), p.DrawnAmount.String(),
		p.UndrawnAmount.String(), p.Share.String(), p.Status,
	)
	return mustAffect(tag, err, "update facility position "+p.ID)
}

func (t *pgTx) ListFacilityPositions(ctx context.Context, facilityID string) ([]model.FacilityPosition, error) {
	rows, err := t.q.Query(ctx,
		`SELECT `+facilityPositionColumns+` FROM facility_positions WHERE facility_id = $1 ORDER BY id`,
		facilityID)
	if err != nil {
		return nil, mapErr(err, "list facility positions")
	}
	defer rows.Close()

	var result []model.FacilityPosition
	for rows.Next() {
		p, err := scanFacilityPosition(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

func (t *pgTx) GetFacilityPositionByLender(ctx context.Context, facilityID, lenderID string) (*model.FacilityPosition, error) {
	p, err := scanFacilityPosition(t.q.QueryRow(ctx,
		`SELECT `+facilityPositionColumns+` FROM facility_positions
		 WHERE facility_id = $1 AND lender_id = $2`+t.forUpdate(),
		facilityID, lenderID))
	if err != nil {
		return nil, mapErr(err, fmt.Sprintf("get position for lender %s on facility %s", lenderID, facilityID))
	}
	return p, nil
}

// --- Loans ---

const loanColumns = `id, facility_id, amount::TEXT, outstanding_balance::TEXT,
	currency, status, start_date, maturity_date`

func scanLoan(row pgx.Row) (*model.Loan, error) {
	var l model.Loan
	var amount, outstanding string
	if err := row.Scan(&l.ID, &l.FacilityID, &amount, &outstanding,
		&l.Currency, &l.Status, &l.StartDate, &l.MaturityDate); err != nil {
		return nil, err
	}
	l.Amount = numeric(amount)
	l.OutstandingBalance = numeric(outstanding)
	return &l, nil
}

func (t *pgTx) CreateLoan(ctx context.Context, l *model.Loan) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO loans (id, facility_id, amount, outstanding_balance, currency, status, start_date, maturity_date)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6, $7, $8)`,
		l.ID, l.FacilityID, l.Amount.String(), l.OutstandingBalance.String(),
		l.Currency, l.Status, l.StartDate, l.MaturityDate,
	)
	return mapErr(err, "create loan "+l.ID)
}

func (t *pgTx) GetLoan(ctx context.Context, id string) (*model.Loan, error) {
	l, err := scanLoan(t.q.QueryRow(ctx,
		`SELECT `+loanColumns+` FROM loans WHERE id = $1`+t.forUpdate(), id))
	if err != nil {
		return nil, mapErr(err, "get loan "+id)
	}
	return l, nil
}

func (t *pgTx) UpdateLoan(ctx context.Context, l *model.Loan) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE loans SET amount = $2::NUMERIC, outstanding_balance = $3::NUMERIC, status = $4
		 WHERE id = $1`,
		l.ID, l.Amount.String(), l.OutstandingBalance.String(), l.Status,
	)
	return mustAffect(tag, err, "update loan "+l.ID)
}

func (t *pgTx) ListLoansByFacility(ctx context.Context, facilityID string) ([]model.Loan, error) {
	rows, err := t.q.Query(ctx,
		`SELECT `+loanColumns+` FROM loans WHERE facility_id = $1 ORDER BY start_date, id`, facilityID)
	if err != nil {
		return nil, mapErr(err, "list loans")
	}
	defer rows.Close()

	var result []model.Loan
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *l)
	}
	return result, rows.Err()
}

func (t *pgTx) CreateLoanPosition(ctx context.Context, p *model.LoanPosition) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO loan_positions (id, loan_id, lender_id, amount, share, status)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6)`,
		p.ID, p.LoanID, p.LenderID, p.Amount.String(), p.Share.String(), p.Status,
	)
	return mapErr(err, "create loan position "+p.ID)
}

func (t *pgTx) UpdateLoanPosition(ctx context.Context, p *model.LoanPosition) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE loan_positions SET amount = $2::NUMERIC, share = $3::NUMERIC, status = $4 WHERE id = $1`,
		p.ID, p.Amount.String(), p.Share.String(), p.Status,
	)
	return mustAffect(tag, err, "update loan position "+p.ID)
}

func (t *pgTx) ListLoanPositions(ctx context.Context, loanID string) ([]model.LoanPosition, error) {
	rows, err := t.q.Query(ctx,
		`SELECT id, loan_id, lender_id, amount::TEXT, share::TEXT, status
		 FROM loan_positions WHERE loan_id = $1 ORDER BY id`+t.forUpdate(), loanID)
	if err != nil {
		return nil, mapErr(err, "list loan positions")
	}
	defer rows.Close()

	var result []model.LoanPosition
	for rows.Next() {
		var p model.LoanPosition
		var amount, share string
		if err := rows.Scan(&p.ID, &p.LoanID, &p.LenderID, &amount, &share, &p.Status); err != nil {
			return nil, err
		}
		p.Amount = numeric(amount)
		p.Share = numeric(share)
		result = append(result, p)
	}
	return result, rows.Err()
}

// --- Trades and servicing ---

func (t *pgTx) CreateTrade(ctx context.Context, tr *model.Trade) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO trades (id, facility_id, seller_entity_id, buyer_entity_id, par_amount, price,
		        trade_date, settlement_date, status, facility_outstanding_snapshot,
		        closed_at, closed_by, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8, $9, $10::NUMERIC, $11, $12, $13)`,
		tr.ID, tr.FacilityID, tr.SellerEntityID, tr.BuyerEntityID,
		tr.ParAmount.String(), tr.Price.String(), tr.TradeDate, tr.SettlementDate,
		tr.Status, tr.FacilityOutstandingSnapshot.String(), tr.ClosedAt, tr.ClosedBy, tr.CreatedAt,
	)
	return mapErr(err, "create trade "+tr.ID)
}

func (t *pgTx) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	var tr model.Trade
	var par, price, snapshot string
	err := t.q.QueryRow(ctx,
		`SELECT id, facility_id, seller_entity_id, buyer_entity_id, par_amount::TEXT, price::TEXT,
		        trade_date, settlement_date, status, facility_outstanding_snapshot::TEXT,
		        closed_at, closed_by, created_at
		 FROM trades WHERE id = $1`+t.forUpdate(), id).
		Scan(&tr.ID, &tr.FacilityID, &tr.SellerEntityID, &tr.BuyerEntityID, &par, &price,
			&tr.TradeDate, &tr.SettlementDate, &tr.Status, &snapshot,
			&tr.ClosedAt, &tr.ClosedBy, &tr.CreatedAt)
	if err != nil {
		return nil, mapErr(err, "get trade "+id)
	}
	tr.ParAmount = numeric(par)
	tr.Price = numeric(price)
	tr.FacilityOutstandingSnapshot = numeric(snapshot)
	return &tr, nil
}

func (t *pgTx) UpdateTrade(ctx context.Context, tr *model.Trade) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE trades
		 SET status = $2, facility_outstanding_snapshot = $3::NUMERIC, closed_at = $4, closed_by = $5
		 WHERE id = $1`,
		tr.ID, tr.Status, tr.FacilityOutstandingSnapshot.String(), tr.ClosedAt, tr.ClosedBy,
	)
	return mustAffect(tag, err, "update trade "+tr.ID)
}

func (t *pgTx) CreateServicingActivity(ctx context.Context, a *model.ServicingActivity) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO servicing_activities (id, facility_id, loan_id, activity_type, due_date, amount,
		        status, description, completed_at, completed_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9, $10, $11)`,
		a.ID, a.FacilityID, nullable(a.LoanID), a.ActivityType, a.DueDate, a.Amount.String(),
		a.Status, a.Description, a.CompletedAt, a.CompletedBy, a.CreatedAt,
	)
	return mapErr(err, "create servicing activity "+a.ID)
}

func (t *pgTx) GetServicingActivity(ctx context.Context, id string) (*model.ServicingActivity, error) {
	var a model.ServicingActivity
	var amount string
	err := t.q.QueryRow(ctx,
		`SELECT id, facility_id, COALESCE(loan_id, ''), activity_type, due_date, amount::TEXT,
		        status, description, completed_at, completed_by, created_at
		 FROM servicing_activities WHERE id = $1`+t.forUpdate(), id).
		Scan(&a.ID, &a.FacilityID, &a.LoanID, &a.ActivityType, &a.DueDate, &amount,
			&a.Status, &a.Description, &a.CompletedAt, &a.CompletedBy, &a.CreatedAt)
	if err != nil {
		return nil, mapErr(err, "get servicing activity "+id)
	}
	a.Amount = numeric(amount)
	return &a, nil
}

func (t *pgTx) UpdateServicingActivity(ctx context.Context, a *model.ServicingActivity) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE servicing_activities
		 SET loan_id = $2, activity_type = $3, due_date = $4, amount = $5::NUMERIC, status = $6,
		     description = $7, completed_at = $8, completed_by = $9
		 WHERE id = $1`,
		a.ID, nullable(a.LoanID), a.ActivityType, a.DueDate, a.Amount.String(), a.Status,
		a.Description, a.CompletedAt, a.CompletedBy,
	)
	return mustAffect(tag, err, "update servicing activity "+a.ID)
}

// --- Immutable history ---

func (t *pgTx) InsertPositionHistory(ctx context.Context, h *model.FacilityPositionHistory) error {
	kind, tradeID, activityID := originColumns(h.Origin)
	_, err := t.q.Exec(ctx,
		`INSERT INTO facility_position_history (id, facility_id, facility_position_id, lender_id,
		        previous_commitment, new_commitment, previous_drawn, new_drawn,
		        previous_undrawn, new_undrawn, previous_share, new_share,
		        change_amount, change_type, user_id, origin_kind, trade_id, servicing_activity_id,
		        change_date_time)
		 VALUES ($1, $2, $3, $4,
		         $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
		         $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC,
		         $13::NUMERIC, $14, $15, $16, $17, $18, $19)`,
		h.ID, h.FacilityID, h.FacilityPositionID, h.LenderID,
		h.PreviousCommitment.String(), h.NewCommitment.String(),
		h.PreviousDrawn.String(), h.NewDrawn.String(),
		h.PreviousUndrawn.String(), h.NewUndrawn.String(),
		h.PreviousShare.String(), h.NewShare.String(),
		h.ChangeAmount.String(), h.ChangeType, h.UserID, kind, tradeID, activityID,
		h.ChangeDateTime,
	)
	if err != nil && isDuplicate(err) {
		return fmt.Errorf("%w: %s", ErrImmutable, h.ID)
	}
	return mapErr(err, "insert position history "+h.ID)
}

func (t *pgTx) QueryPositionHistory(ctx context.Context, f HistoryFilter) ([]model.FacilityPositionHistory, error) {
	where := []string{"facility_id = $1"}
	args := []any{f.FacilityID}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.LenderID != "" {
		where = append(where, "lender_id = "+arg(f.LenderID))
	}
	if f.Origin != nil {
		switch f.Origin.Kind {
		case model.OriginTrade:
			where = append(where, "trade_id = "+arg(f.Origin.ID))
		case model.OriginServicing:
			where = append(where, "servicing_activity_id = "+arg(f.Origin.ID))
		default:
			where = append(where, "origin_kind = "+arg(string(model.OriginManual)))
		}
	} else {
		if f.Start != nil {
			where = append(where, "change_date_time >= "+arg(*f.Start))
		}
		if f.End != nil {
			where = append(where, "change_date_time <= "+arg(*f.End))
		}
	}

	rows, err := t.q.Query(ctx,
		`SELECT id, facility_id, facility_position_id, lender_id,
		        previous_commitment::TEXT, new_commitment::TEXT, previous_drawn::TEXT, new_drawn::TEXT,
		        previous_undrawn::TEXT, new_undrawn::TEXT, previous_share::TEXT, new_share::TEXT,
		        change_amount::TEXT, change_type, user_id, origin_kind,
		        COALESCE(trade_id, ''), COALESCE(servicing_activity_id, ''), change_date_time
		 FROM facility_position_history
		 WHERE `+strings.Join(where, " AND ")+`
		 ORDER BY change_date_time DESC, id DESC`, args...)
	if err != nil {
		return nil, mapErr(err, "query position history")
	}
	defer rows.Close()

	var result []model.FacilityPositionHistory
	for rows.Next() {
		var h model.FacilityPositionHistory
		var pc, nc, pd, nd, pu, nu, ps, ns, change, kind, tradeID, activityID string
		if err := rows.Scan(&h.ID, &h.FacilityID, &h.FacilityPositionID, &h.LenderID,
			&pc, &nc, &pd, &nd, &pu, &nu, &ps, &ns,
			&change, &h.ChangeType, &h.UserID, &kind, &tradeID, &activityID, &h.ChangeDateTime); err != nil {
			return nil, err
		}
		h.PreviousCommitment, h.NewCommitment = numeric(pc), numeric(nc)
		h.PreviousDrawn, h.NewDrawn = numeric(pd), numeric(nd)
		h.PreviousUndrawn, h.NewUndrawn = numeric(pu), numeric(nu)
		h.PreviousShare, h.NewShare = numeric(ps), numeric(ns)
		h.ChangeAmount = numeric(change)
		h.Origin = originFrom(kind, tradeID, activityID)
		result = append(result, h)
	}
	return result, rows.Err()
}

func (t *pgTx) InsertTransactionHistory(ctx context.Context, h *model.TransactionHistory) error {
	kind, tradeID, activityID := originColumns(h.Origin)
	_, err := t.q.Exec(ctx,
		`INSERT INTO transaction_history (id, credit_agreement_id, facility_id, loan_id,
		        transaction_type, amount, currency, description, user_id,
		        origin_kind, trade_id, servicing_activity_id, transaction_date, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9, $10, $11, $12, $13, $14)`,
		h.ID, h.CreditAgreementID, h.FacilityID, nullable(h.LoanID),
		h.TransactionType, h.Amount.String(), h.Currency, h.Description, h.UserID,
		kind, tradeID, activityID, h.TransactionDate, h.CreatedAt,
	)
	if err != nil && isDuplicate(err) {
		return fmt.Errorf("%w: %s", ErrImmutable, h.ID)
	}
	return mapErr(err, "insert transaction history "+h.ID)
}

func (t *pgTx) QueryTransactionHistory(ctx context.Context, f TransactionFilter) ([]model.TransactionHistory, error) {
	where := []string{"TRUE"}
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.FacilityID != "" {
		where = append(where, "facility_id = "+arg(f.FacilityID))
	}
	if f.LoanID != "" {
		where = append(where, "loan_id = "+arg(f.LoanID))
	}
	if f.Type != "" {
		where = append(where, "transaction_type = "+arg(string(f.Type)))
	}
	if f.Origin != nil {
		switch f.Origin.Kind {
		case model.OriginTrade:
			where = append(where, "trade_id = "+arg(f.Origin.ID))
		case model.OriginServicing:
			where = append(where, "servicing_activity_id = "+arg(f.Origin.ID))
		default:
			where = append(where, "origin_kind = "+arg(string(model.OriginManual)))
		}
	}

	rows, err := t.q.Query(ctx,
		`SELECT id, credit_agreement_id, facility_id, COALESCE(loan_id, ''), transaction_type,
		        amount::TEXT, currency, description, user_id, origin_kind,
		        COALESCE(trade_id, ''), COALESCE(servicing_activity_id, ''),
		        transaction_date, created_at
		 FROM transaction_history
		 WHERE `+strings.Join(where, " AND ")+`
		 ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, mapErr(err, "query transaction history")
	}
	defer rows.Close()

	var result []model.TransactionHistory
	for rows.Next() {
		var h model.TransactionHistory
		var amount, kind, tradeID, activityID string
		if err := rows.Scan(&h.ID, &h.CreditAgreementID, &h.FacilityID, &h.LoanID, &h.TransactionType,
			&amount, &h.Currency, &h.Description, &h.UserID, &kind,
			&tradeID, &activityID, &h.TransactionDate, &h.CreatedAt); err != nil {
			return nil, err
		}
		h.Amount = numeric(amount)
		h.Origin = originFrom(kind, tradeID, activityID)
		result = append(result, h)
	}
	return result, rows.Err()
}

func isDuplicate(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgErrUniqueViolation
}
