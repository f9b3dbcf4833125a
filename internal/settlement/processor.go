// Package settlement drives the trade lifecycle and applies closed trades
// to facility positions.
//
// A trade moves PENDING → CONFIRMED → SETTLED → CLOSED, one step at a time.
// Closing a trade transfers its par amount of commitment from the seller's
// facility position to the buyer's, appends the audit rows, and snapshots
// the facility outstanding amount, all inside a single transaction.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/loanbook/position-engine/internal/apperr"
	"github.com/loanbook/position-engine/internal/feed"
	"github.com/loanbook/position-engine/internal/history"
	"github.com/loanbook/position-engine/internal/ledger"
	"github.com/loanbook/position-engine/internal/metrics"
	"github.com/loanbook/position-engine/internal/model"
	"github.com/loanbook/position-engine/internal/store"
)

// Processor executes trade commands against a Store.
type Processor struct {
	store    store.Store
	recorder *history.Recorder
	pub      feed.Publisher
	log      zerolog.Logger
	now      func() time.Time
}

// NewProcessor creates a trade settlement processor. pub may be nil.
func NewProcessor(s store.Store, rec *history.Recorder, pub feed.Publisher, log zerolog.Logger) *Processor {
	if pub == nil {
		pub = feed.Nop{}
	}
	return &Processor{
		store:    s,
		recorder: rec,
		pub:      pub,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ClosedTrade is the outcome of a successful close.
type ClosedTrade struct {
	Trade         model.Trade                     `json:"trade"`
	Seller        model.FacilityPosition          `json:"seller_position"`
	Buyer         model.FacilityPosition          `json:"buyer_position"`
	History       []model.FacilityPositionHistory `json:"history"`
	TransactionID string                          `json:"transaction_id"`
}

// CloseTrade settles tradeID into facility positions and marks it CLOSED.
// Only a SETTLED trade can be closed; closing a CLOSED trade fails with
// "Trade is already closed" and writes nothing.
func (p *Processor) CloseTrade(ctx context.Context, tradeID, userID string) (*ClosedTrade, error) {
	start := time.Now()
	var out *ClosedTrade

	err := p.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = p.closeInTx(ctx, tx, tradeID, userID)
		return err
	})
	metrics.ObserveCommand("close_trade", start, err)
	if err != nil {
		p.log.Warn().Err(err).Str("trade_id", tradeID).Msg("trade close rejected")
		return nil, err
	}

	metrics.SettlementsTotal.Inc()
	metrics.SettledPar.Add(out.Trade.ParAmount.InexactFloat64())
	p.log.Info().
		Str("trade_id", out.Trade.ID).
		Str("facility_id", out.Trade.FacilityID).
		Str("par", out.Trade.ParAmount.String()).
		Str("seller_commitment", out.Seller.CommitmentAmount.String()).
		Str("buyer_commitment", out.Buyer.CommitmentAmount.String()).
		Str("outstanding_snapshot", out.Trade.FacilityOutstandingSnapshot.String()).
		Msg("trade settled")

	evt := feed.NewEvent(feed.TradeSettled)
	evt.FacilityID = out.Trade.FacilityID
	evt.TradeID = out.Trade.ID
	evt.TransactionID = out.TransactionID
	evt.Status = string(out.Trade.Status)
	evt.Amount = &out.Trade.ParAmount
	evt.Positions = []model.FacilityPosition{out.Seller, out.Buyer}
	p.publish(ctx, evt)

	return out, nil
}

func (p *Processor) closeInTx(ctx context.Context, tx store.Tx, tradeID, userID string) (*ClosedTrade, error) {
	// The trade row lock covers the status guard.
	trade, err := tx.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, store.NotFoundAs(err, "Trade", tradeID)
	}
	if trade.Status == model.TradeClosed {
		return nil, &apperr.StateTransitionError{
			From: string(trade.Status),
			To:   string(model.TradeClosed),
			Msg:  "Trade is already closed",
		}
	}
	if !trade.Status.CanTransitionTo(model.TradeClosed) {
		return nil, apperr.InvalidTransition(trade.Status, model.TradeClosed)
	}

	sellerLender, err := tx.UpsertLenderByEntity(ctx, trade.SellerEntityID)
	if err != nil {
		return nil, store.NotFoundAs(err, "Entity", trade.SellerEntityID)
	}
	buyerLender, err := tx.UpsertLenderByEntity(ctx, trade.BuyerEntityID)
	if err != nil {
		return nil, store.NotFoundAs(err, "Entity", trade.BuyerEntityID)
	}
	if sellerLender.ID == buyerLender.ID {
		return nil, apperr.Validation("Seller and buyer must be different entities")
	}

	// Locks the facility row: every position read-modify-write on this
	// facility is serialised behind it.
	facility, err := tx.GetFacility(ctx, trade.FacilityID)
	if err != nil {
		return nil, store.NotFoundAs(err, "Facility", trade.FacilityID)
	}

	seller, err := tx.GetFacilityPositionByLender(ctx, facility.ID, sellerLender.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFoundMsg("FacilityPosition", sellerLender.ID, "Seller position not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load seller position: %w", err)
	}
	buyer, err := tx.GetFacilityPositionByLender(ctx, facility.ID, buyerLender.ID)
	if errors.Is(err, store.ErrNotFound) {
		buyer = nil
	} else if err != nil {
		return nil, fmt.Errorf("load buyer position: %w", err)
	}

	res, err := ledger.RecomputeOnTradeSettlement(*seller, buyer, *facility, trade.ParAmount)
	if err != nil {
		return nil, err
	}

	if err := tx.UpdateFacilityPosition(ctx, &res.Seller); err != nil {
		return nil, fmt.Errorf("update seller position: %w", err)
	}
	buyerBefore := model.FacilityPosition{}
	if res.BuyerCreated {
		res.Buyer.ID = uuid.NewString()
		res.Buyer.LenderID = buyerLender.ID
		if err := tx.CreateFacilityPosition(ctx, &res.Buyer); err != nil {
			return nil, fmt.Errorf("create buyer position: %w", err)
		}
	} else {
		buyerBefore = *buyer
		if err := tx.UpdateFacilityPosition(ctx, &res.Buyer); err != nil {
			return nil, fmt.Errorf("update buyer position: %w", err)
		}
	}

	origin := model.TradeOrigin(trade.ID)
	sellerRow, err := p.recorder.RecordPositionChange(ctx, tx, history.PositionChange{
		Before: *seller,
		After:  res.Seller,
		Amount: trade.ParAmount.Neg(),
		Type:   model.ChangeTrade,
		UserID: userID,
		Origin: origin,
	})
	if err != nil {
		return nil, err
	}
	buyerRow, err := p.recorder.RecordPositionChange(ctx, tx, history.PositionChange{
		Before: buyerBefore,
		After:  res.Buyer,
		Amount: trade.ParAmount,
		Type:   model.ChangeTrade,
		UserID: userID,
		Origin: origin,
	})
	if err != nil {
		return nil, err
	}

	txn, err := p.recorder.RecordTransaction(ctx, tx, model.TransactionHistory{
		CreditAgreementID: facility.CreditAgreementID,
		FacilityID:        facility.ID,
		TransactionType:   model.ChangeTrade,
		Amount:            trade.ParAmount,
		Currency:          facility.Currency,
		Description: fmt.Sprintf("Trade %s: transfer of %s %s commitment from %s to %s at %s",
			trade.ID, trade.ParAmount, facility.Currency, trade.SellerEntityID, trade.BuyerEntityID, trade.Price),
		UserID:          userID,
		Origin:          origin,
		TransactionDate: trade.SettlementDate,
	})
	if err != nil {
		return nil, err
	}

	positions, err := tx.ListFacilityPositions(ctx, facility.ID)
	if err != nil {
		return nil, fmt.Errorf("reload positions: %w", err)
	}
	if err := ledger.CheckFacilityInvariants(*facility, positions); err != nil {
		return nil, err
	}

	snapshot := ledger.DrawnTotal(positions)
	facility.OutstandingAmount = snapshot
	facility.AvailableAmount = facility.CommitmentAmount.Sub(snapshot)
	if err := tx.UpdateFacility(ctx, facility); err != nil {
		return nil, fmt.Errorf("update facility: %w", err)
	}

	closedAt := p.now()
	trade.Status = model.TradeClosed
	trade.ClosedAt = &closedAt
	trade.ClosedBy = userID
	trade.FacilityOutstandingSnapshot = snapshot
	if err := tx.UpdateTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("update trade: %w", err)
	}

	return &ClosedTrade{
		Trade:         *trade,
		Seller:        res.Seller,
		Buyer:         res.Buyer,
		History:       []model.FacilityPositionHistory{*sellerRow, *buyerRow},
		TransactionID: txn.ID,
	}, nil
}

// UpdateTradeStatusInput is a requested trade status change.
type UpdateTradeStatusInput struct {
	ID     string            `json:"id"`
	Status model.TradeStatus `json:"status"`
	UserID string            `json:"user_id,omitempty"`
}

// UpdateTradeStatus advances a trade to the next status. Moving to CLOSED
// runs the full settlement via CloseTrade.
func (p *Processor) UpdateTradeStatus(ctx context.Context, in UpdateTradeStatusInput) error {
	if !in.Status.Valid() {
		return apperr.Validation(fmt.Sprintf("Invalid trade status %q", in.Status))
	}
	if in.Status == model.TradeClosed {
		_, err := p.CloseTrade(ctx, in.ID, in.UserID)
		return err
	}

	start := time.Now()
	var trade *model.Trade
	err := p.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		trade, err = tx.GetTrade(ctx, in.ID)
		if err != nil {
			return store.NotFoundAs(err, "Trade", in.ID)
		}
		if !trade.Status.CanTransitionTo(in.Status) {
			return apperr.InvalidTransition(trade.Status, in.Status)
		}
		trade.Status = in.Status
		return tx.UpdateTrade(ctx, trade)
	})
	metrics.ObserveCommand("update_trade_status", start, err)
	if err != nil {
		p.log.Warn().Err(err).Str("trade_id", in.ID).Str("to", string(in.Status)).Msg("trade status change rejected")
		return err
	}

	p.log.Info().Str("trade_id", trade.ID).Str("status", string(trade.Status)).Msg("trade status changed")
	evt := feed.NewEvent(feed.TradeStatusChange)
	evt.FacilityID = trade.FacilityID
	evt.TradeID = trade.ID
	evt.Status = string(trade.Status)
	p.publish(ctx, evt)
	return nil
}

// CreateTradeInput records a new secondary trade.
type CreateTradeInput struct {
	FacilityID     string          `json:"facility_id"`
	SellerEntityID string          `json:"seller_entity_id"`
	BuyerEntityID  string          `json:"buyer_entity_id"`
	ParAmount      decimal.Decimal `json:"par_amount"`
	Price          decimal.Decimal `json:"price"`
	TradeDate      time.Time       `json:"trade_date"`
	SettlementDate time.Time       `json:"settlement_date"`
	UserID         string          `json:"user_id,omitempty"`
}

// CreateTrade validates and stores a PENDING trade.
func (p *Processor) CreateTrade(ctx context.Context, in CreateTradeInput) (*model.Trade, error) {
	switch {
	case in.FacilityID == "":
		return nil, apperr.Validation("Facility id is required")
	case in.SellerEntityID == "" || in.BuyerEntityID == "":
		return nil, apperr.Validation("Seller and buyer are required")
	case in.SellerEntityID == in.BuyerEntityID:
		return nil, apperr.Validation("Seller and buyer must be different entities")
	case !in.ParAmount.IsPositive():
		return nil, apperr.Validation("Par amount must be positive")
	case !in.Price.IsPositive():
		return nil, apperr.Validation("Price must be positive")
	case in.TradeDate.IsZero() || in.SettlementDate.IsZero():
		return nil, apperr.Validation("Trade date and settlement date are required")
	case in.SettlementDate.Before(in.TradeDate):
		return nil, apperr.Validation("Settlement date cannot be before trade date")
	}

	trade := &model.Trade{
		ID:             uuid.NewString(),
		FacilityID:     in.FacilityID,
		SellerEntityID: in.SellerEntityID,
		BuyerEntityID:  in.BuyerEntityID,
		ParAmount:      in.ParAmount,
		Price:          in.Price,
		TradeDate:      in.TradeDate,
		SettlementDate: in.SettlementDate,
		Status:         model.TradePending,
		CreatedAt:      p.now(),
	}

	err := p.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetFacility(ctx, in.FacilityID); err != nil {
			return store.NotFoundAs(err, "Facility", in.FacilityID)
		}
		for _, id := range []string{in.SellerEntityID, in.BuyerEntityID} {
			if _, err := tx.GetEntity(ctx, id); err != nil {
				return store.NotFoundAs(err, "Entity", id)
			}
		}
		return tx.CreateTrade(ctx, trade)
	})
	if err != nil {
		return nil, err
	}

	p.log.Info().Str("trade_id", trade.ID).Str("facility_id", trade.FacilityID).
		Str("par", trade.ParAmount.String()).Msg("trade created")
	return trade, nil
}

func (p *Processor) publish(ctx context.Context, evt feed.Event) {
	if err := p.pub.Publish(ctx, evt); err != nil {
		p.log.Warn().Err(err).Str("event", evt.Type).Str("event_id", evt.ID).Msg("publish failed")
	}
}
