// Package ledger implements the pure position arithmetic of the engine:
// commitment transfers on trade settlement and prorated principal paydowns.
//
// Functions here perform no I/O. They take positions by value, return new
// positions, and never mutate their inputs. All monetary values use
// shopspring/decimal; never float64.
package ledger

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/loanbook/position-engine/internal/apperr"
	"github.com/loanbook/position-engine/internal/model"
)

var (
	hundred = decimal.NewFromInt(100)

	// ShareScale is the number of decimal places kept on a position share.
	ShareScale int32 = 10

	// AmountScale is the number of decimal places for prorated cash amounts.
	AmountScale int32 = 2

	// ShareEpsilon is the tolerance on Σ share == 100.
	ShareEpsilon = decimal.New(1, -6)
)

// Share returns commitment as a percentage of the facility commitment.
func Share(commitment, facilityCommitment decimal.Decimal) decimal.Decimal {
	if facilityCommitment.IsZero() {
		return decimal.Zero
	}
	return commitment.Div(facilityCommitment).Mul(hundred).Round(ShareScale)
}

// TradeResult is the outcome of a commitment transfer.
type TradeResult struct {
	Seller model.FacilityPosition
	Buyer  model.FacilityPosition

	// BuyerCreated is true when the buyer held no position before the trade.
	// The caller assigns the new position's ID and LenderID.
	BuyerCreated bool
}

// RecomputeOnTradeSettlement moves par of commitment from seller to buyer.
// buyer may be nil, in which case a new ACTIVE position is opened.
//
// The seller's drawn amount moves with the commitment; undrawn amounts are
// left unchanged on both sides.
func RecomputeOnTradeSettlement(
	seller model.FacilityPosition,
	buyer *model.FacilityPosition,
	facility model.Facility,
	par decimal.Decimal,
) (*TradeResult, error) {
	if !par.IsPositive() {
		return nil, apperr.Validation("Par amount must be positive")
	}
	if !facility.CommitmentAmount.IsPositive() {
		return nil, &apperr.ConsistencyError{
			FacilityID: facility.ID,
			Msg:        "facility commitment must be positive",
		}
	}
	if par.GreaterThan(seller.CommitmentAmount) {
		return nil, &apperr.InsufficientPositionError{
			LenderID:  seller.LenderID,
			Requested: par,
			Available: seller.CommitmentAmount,
		}
	}

	newSeller := seller
	newSeller.CommitmentAmount = seller.CommitmentAmount.Sub(par)
	newSeller.DrawnAmount = seller.DrawnAmount.Sub(par)
	newSeller.Share = Share(newSeller.CommitmentAmount, facility.CommitmentAmount)
	if newSeller.CommitmentAmount.IsZero() {
		newSeller.Status = model.PositionClosed
	}

	res := &TradeResult{Seller: newSeller}

	if buyer != nil {
		nb := *buyer
		nb.CommitmentAmount = buyer.CommitmentAmount.Add(par)
		nb.DrawnAmount = buyer.DrawnAmount.Add(par)
		nb.Status = model.PositionActive
		res.Buyer = nb
	} else {
		res.Buyer = model.FacilityPosition{
			FacilityID:       facility.ID,
			CommitmentAmount: par,
			DrawnAmount:      par,
			UndrawnAmount:    decimal.Zero,
			Status:           model.PositionActive,
		}
		res.BuyerCreated = true
	}
	res.Buyer.Share = Share(res.Buyer.CommitmentAmount, facility.CommitmentAmount)

	return res, nil
}

// PaydownResult is the outcome of a prorated paydown.
// LoanPositions and FacilityPositions keep the order of the inputs.
type PaydownResult struct {
	LoanPositions     []model.LoanPosition
	FacilityPositions []model.FacilityPosition

	// Reductions maps lender ID to the principal repaid to that lender.
	Reductions map[string]decimal.Decimal

	// Outstanding is Σ loan position amounts before the paydown.
	Outstanding decimal.Decimal
}

// Outstanding returns Σ amount across loan positions.
func Outstanding(positions []model.LoanPosition) decimal.Decimal {
	total := decimal.Zero
	for _, p := range positions {
		total = total.Add(p.Amount)
	}
	return total
}

// RecomputeOnPaydown prorates total across loanPositions by each position's
// weight in the outstanding balance, and mirrors each lender's reduction onto
// its facility position (drawn decreases, undrawn increases).
//
// Reductions are split with ProRata, so each is between zero and the
// position amount and Σ reductions == total exactly.
func RecomputeOnPaydown(
	loanPositions []model.LoanPosition,
	facilityPositions []model.FacilityPosition,
	total decimal.Decimal,
) (*PaydownResult, error) {
	if !total.IsPositive() {
		return nil, apperr.Validation("Paydown amount must be positive")
	}

	outstanding := Outstanding(loanPositions)
	if total.GreaterThan(outstanding) {
		return nil, &apperr.ExceedsOutstandingError{Requested: total, Outstanding: outstanding}
	}

	cuts := prorate(loanPositions, total)

	res := &PaydownResult{
		LoanPositions:     make([]model.LoanPosition, len(loanPositions)),
		FacilityPositions: make([]model.FacilityPosition, len(facilityPositions)),
		Reductions:        make(map[string]decimal.Decimal),
		Outstanding:       outstanding,
	}

	for i, lp := range loanPositions {
		np := lp
		np.Amount = lp.Amount.Sub(cuts[i])
		if np.Amount.IsZero() {
			np.Status = model.PositionClosed
		}
		res.LoanPositions[i] = np
		if !cuts[i].IsZero() {
			res.Reductions[lp.LenderID] = res.Reductions[lp.LenderID].Add(cuts[i])
		}
	}

	matched := make(map[string]bool, len(res.Reductions))
	for i, fp := range facilityPositions {
		np := fp
		if r, ok := res.Reductions[fp.LenderID]; ok {
			if r.GreaterThan(fp.DrawnAmount) {
				return nil, &apperr.ConsistencyError{
					FacilityID: fp.FacilityID,
					Msg: fmt.Sprintf("paydown of %s exceeds drawn amount %s for lender %s",
						r, fp.DrawnAmount, fp.LenderID),
				}
			}
			np.DrawnAmount = fp.DrawnAmount.Sub(r)
			np.UndrawnAmount = fp.UndrawnAmount.Add(r)
			matched[fp.LenderID] = true
		}
		res.FacilityPositions[i] = np
	}

	for lenderID := range res.Reductions {
		if !matched[lenderID] {
			return nil, &apperr.ConsistencyError{
				Msg: fmt.Sprintf("lender %s holds a loan position but no facility position", lenderID),
			}
		}
	}

	return res, nil
}

// prorate splits total across positions by their share of the outstanding.
func prorate(positions []model.LoanPosition, total decimal.Decimal) []decimal.Decimal {
	weights := make([]decimal.Decimal, len(positions))
	for i, p := range positions {
		weights[i] = p.Amount
	}
	return ProRata(weights, total)
}

// ProRata splits total across weights in proportion, in units of
// AmountScale, using largest-remainder allocation: every part starts at its
// exact share rounded down, then the leftover units go one at a time to the
// parts with the largest dropped remainder (ties to the larger weight, then
// the earlier index). No part is negative and no part exceeds its weight, and
// the parts sum to total exactly. A total equal to Σ weights returns the
// weights unchanged.
func ProRata(weights []decimal.Decimal, total decimal.Decimal) []decimal.Decimal {
	parts := make([]decimal.Decimal, len(weights))
	sum := decimal.Zero
	for _, w := range weights {
		sum = sum.Add(w)
	}
	if len(weights) == 0 || sum.IsZero() {
		return parts
	}

	if total.Equal(sum) {
		copy(parts, weights)
		return parts
	}

	remainders := make([]decimal.Decimal, len(weights))
	allocated := decimal.Zero
	for i, w := range weights {
		exact := w.Mul(total).Div(sum)
		parts[i] = decimal.Min(exact.RoundFloor(AmountScale), w)
		remainders[i] = exact.Sub(parts[i])
		allocated = allocated.Add(parts[i])
	}

	order := make([]int, len(weights))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		i, j := order[a], order[b]
		if c := remainders[i].Cmp(remainders[j]); c != 0 {
			return c > 0
		}
		return weights[i].GreaterThan(weights[j])
	})

	unit := decimal.New(1, -AmountScale)
	residual := total.Sub(allocated)
	for residual.GreaterThanOrEqual(unit) {
		progressed := false
		for _, i := range order {
			if residual.LessThan(unit) {
				break
			}
			if parts[i].Add(unit).GreaterThan(weights[i]) {
				continue
			}
			parts[i] = parts[i].Add(unit)
			residual = residual.Sub(unit)
			progressed = true
		}
		if !progressed {
			break
		}
	}

	// A total finer than AmountScale leaves a sub-unit residual; it goes to
	// the first part with room so the sum stays exact.
	if residual.IsPositive() {
		for _, i := range order {
			if !parts[i].Add(residual).GreaterThan(weights[i]) {
				parts[i] = parts[i].Add(residual)
				break
			}
		}
	}
	return parts
}

// CheckFacilityInvariants verifies the bookkeeping invariants of a facility:
// Σ commitment == facility commitment, Σ share == 100 (within ShareEpsilon),
// drawn + undrawn == commitment on every position, and no negative drawn or
// undrawn amount.
func CheckFacilityInvariants(facility model.Facility, positions []model.FacilityPosition) error {
	sumCommitment := decimal.Zero
	sumShare := decimal.Zero
	for _, p := range positions {
		if p.DrawnAmount.IsNegative() || p.UndrawnAmount.IsNegative() {
			return &apperr.ConsistencyError{
				FacilityID: facility.ID,
				Msg: fmt.Sprintf("position %s: negative balance (drawn %s, undrawn %s)",
					p.ID, p.DrawnAmount, p.UndrawnAmount),
			}
		}
		if !p.DrawnAmount.Add(p.UndrawnAmount).Equal(p.CommitmentAmount) {
			return &apperr.ConsistencyError{
				FacilityID: facility.ID,
				Msg: fmt.Sprintf("position %s: drawn %s + undrawn %s != commitment %s",
					p.ID, p.DrawnAmount, p.UndrawnAmount, p.CommitmentAmount),
			}
		}
		sumCommitment = sumCommitment.Add(p.CommitmentAmount)
		sumShare = sumShare.Add(p.Share)
	}

	if !sumCommitment.Equal(facility.CommitmentAmount) {
		return &apperr.ConsistencyError{
			FacilityID: facility.ID,
			Msg: fmt.Sprintf("sum of position commitments %s != facility commitment %s",
				sumCommitment, facility.CommitmentAmount),
		}
	}

	if sumShare.Sub(hundred).Abs().GreaterThan(ShareEpsilon) {
		return &apperr.ConsistencyError{
			FacilityID: facility.ID,
			Msg:        fmt.Sprintf("sum of position shares %s != 100", sumShare),
		}
	}

	return nil
}

// DrawnTotal returns Σ drawn across facility positions.
func DrawnTotal(positions []model.FacilityPosition) decimal.Decimal {
	total := decimal.Zero
	for _, p := range positions {
		total = total.Add(p.DrawnAmount)
	}
	return total
}

// Allocate builds undrawn facility positions for an initial syndicate
// allocation. amounts[i] is committed by lenderIDs[i]; Σ amounts must equal
// the facility commitment.
func Allocate(facility model.Facility, lenderIDs []string, amounts []decimal.Decimal) ([]model.FacilityPosition, error) {
	if len(lenderIDs) != len(amounts) {
		return nil, fmt.Errorf("ledger: %d lenders but %d amounts", len(lenderIDs), len(amounts))
	}

	sum := decimal.Zero
	positions := make([]model.FacilityPosition, 0, len(amounts))
	for i, amt := range amounts {
		if !amt.IsPositive() {
			return nil, apperr.Validation("Allocation amounts must be positive")
		}
		sum = sum.Add(amt)
		positions = append(positions, model.FacilityPosition{
			FacilityID:       facility.ID,
			LenderID:         lenderIDs[i],
			CommitmentAmount: amt,
			DrawnAmount:      decimal.Zero,
			UndrawnAmount:    amt,
			Share:            Share(amt, facility.CommitmentAmount),
			Status:           model.PositionActive,
		})
	}

	if !sum.Equal(facility.CommitmentAmount) {
		return nil, apperr.Validation("Facility allocations must sum to the commitment amount")
	}
	return positions, nil
}
