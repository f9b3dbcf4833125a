package model

// EntityStatus is the lifecycle of an entity, lender or borrower.
type EntityStatus string

const (
	EntityActive   EntityStatus = "ACTIVE"
	EntityInactive EntityStatus = "INACTIVE"
)

// CreditAgreementStatus is the lifecycle of a credit agreement.
type CreditAgreementStatus string

const (
	AgreementDraft      CreditAgreementStatus = "DRAFT"
	AgreementActive     CreditAgreementStatus = "ACTIVE"
	AgreementAmended    CreditAgreementStatus = "AMENDED"
	AgreementMatured    CreditAgreementStatus = "MATURED"
	AgreementTerminated CreditAgreementStatus = "TERMINATED"
	AgreementDefault    CreditAgreementStatus = "DEFAULT"
)

var validAgreementStatuses = map[CreditAgreementStatus]bool{
	AgreementDraft:      true,
	AgreementActive:     true,
	AgreementAmended:    true,
	AgreementMatured:    true,
	AgreementTerminated: true,
	AgreementDefault:    true,
}

// Valid reports whether s is a known agreement status.
func (s CreditAgreementStatus) Valid() bool { return validAgreementStatuses[s] }

// PositionStatus is the lifecycle of a facility or loan position.
type PositionStatus string

const (
	PositionActive PositionStatus = "ACTIVE"
	PositionClosed PositionStatus = "CLOSED"
)

// TradeStatus is the lifecycle of a secondary trade.
type TradeStatus string

const (
	TradePending   TradeStatus = "PENDING"
	TradeConfirmed TradeStatus = "CONFIRMED"
	TradeSettled   TradeStatus = "SETTLED"
	TradeClosed    TradeStatus = "CLOSED"
)

// tradeTransitions maps each status to its only legal successor.
// CLOSED is terminal.
var tradeTransitions = map[TradeStatus]TradeStatus{
	TradePending:   TradeConfirmed,
	TradeConfirmed: TradeSettled,
	TradeSettled:   TradeClosed,
}

// Valid reports whether s is a known trade status.
func (s TradeStatus) Valid() bool {
	switch s {
	case TradePending, TradeConfirmed, TradeSettled, TradeClosed:
		return true
	}
	return false
}

// CanTransitionTo reports whether to is the next adjacent status after s.
func (s TradeStatus) CanTransitionTo(to TradeStatus) bool {
	next, ok := tradeTransitions[s]
	return ok && next == to
}

// ActivityType classifies a servicing activity.
type ActivityType string

const (
	ActivityPrincipalPayment   ActivityType = "PRINCIPAL_PAYMENT"
	ActivityInterestPayment    ActivityType = "INTEREST_PAYMENT"
	ActivityUnscheduledPayment ActivityType = "UNSCHEDULED_PAYMENT"
	ActivityFeePayment         ActivityType = "FEE_PAYMENT"
	ActivityRateReset          ActivityType = "RATE_RESET"
)

// Valid reports whether t is a known activity type.
func (t ActivityType) Valid() bool {
	switch t {
	case ActivityPrincipalPayment, ActivityInterestPayment, ActivityUnscheduledPayment,
		ActivityFeePayment, ActivityRateReset:
		return true
	}
	return false
}

// IsPayment reports whether completing an activity of this type pays down loans.
func (t ActivityType) IsPayment() bool {
	switch t {
	case ActivityPrincipalPayment, ActivityInterestPayment, ActivityUnscheduledPayment:
		return true
	}
	return false
}

// ServicingStatus is the lifecycle of a servicing activity.
type ServicingStatus string

const (
	ServicingPending    ServicingStatus = "PENDING"
	ServicingInProgress ServicingStatus = "IN_PROGRESS"
	ServicingCompleted  ServicingStatus = "COMPLETED"
)

var servicingTransitions = map[ServicingStatus]map[ServicingStatus]bool{
	ServicingPending: {
		ServicingPending:    true,
		ServicingInProgress: true,
		ServicingCompleted:  true,
	},
	ServicingInProgress: {
		ServicingPending:    true,
		ServicingInProgress: true,
		ServicingCompleted:  true,
	},
	// Leaving COMPLETED is the explicit reopen transition.
	ServicingCompleted: {
		ServicingPending:    true,
		ServicingInProgress: true,
		ServicingCompleted:  true,
	},
}

// Valid reports whether s is a known servicing status.
func (s ServicingStatus) Valid() bool {
	_, ok := servicingTransitions[s]
	return ok
}

// CanTransitionTo reports whether moving from s to to is allowed.
func (s ServicingStatus) CanTransitionTo(to ServicingStatus) bool {
	return servicingTransitions[s][to]
}

// ChangeType classifies a position or transaction history row.
type ChangeType string

const (
	ChangeTrade      ChangeType = "TRADE"
	ChangeAccrual    ChangeType = "ACCRUAL"
	ChangePaydown    ChangeType = "PAYDOWN"
	ChangeDrawdown   ChangeType = "DRAWDOWN"
	ChangeAdjustment ChangeType = "ADJUSTMENT"
)

// OriginKind tags which record caused a history row.
type OriginKind string

const (
	OriginTrade     OriginKind = "TRADE"
	OriginServicing OriginKind = "SERVICING"
	OriginManual    OriginKind = "MANUAL"
)

// Origin links a history row to the trade or servicing activity that
// produced it. Manual rows carry no id.
type Origin struct {
	Kind OriginKind `json:"kind"`
	ID   string     `json:"id,omitempty"`
}

func TradeOrigin(tradeID string) Origin { return Origin{Kind: OriginTrade, ID: tradeID} }

func ServicingOrigin(activityID string) Origin {
	return Origin{Kind: OriginServicing, ID: activityID}
}

func ManualOrigin() Origin { return Origin{Kind: OriginManual} }

// TradeID returns the linked trade id, or "" when the origin is not a trade.
func (o Origin) TradeID() string {
	if o.Kind == OriginTrade {
		return o.ID
	}
	return ""
}

// ServicingActivityID returns the linked activity id, or "" when the origin
// is not a servicing activity.
func (o Origin) ServicingActivityID() string {
	if o.Kind == OriginServicing {
		return o.ID
	}
	return ""
}
