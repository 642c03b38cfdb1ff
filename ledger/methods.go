package ledger

// Call methods.
const (
	MethodEscrowCreate            = "escrow_create"
	MethodEscrowRelease           = "escrow_release"
	MethodEscrowRefund            = "escrow_refund"
	MethodEscrowAddCoordinator    = "escrow_addCoordinator"
	MethodEscrowRemoveCoordinator = "escrow_removeCoordinator"

	MethodArbitrationOpen             = "arbitration_open"
	MethodArbitrationSettle           = "arbitration_settle"
	MethodArbitrationDispute          = "arbitration_dispute"
	MethodArbitrationCancel           = "arbitration_cancel"
	MethodArbitrationMarkTriggered    = "arbitration_markTriggered"
	MethodArbitrationUpdateCache      = "arbitration_updateCache"
	MethodArbitrationAddArbitrator    = "arbitration_addArbitrator"
	MethodArbitrationRemoveArbitrator = "arbitration_removeArbitrator"
)

// View methods.
const (
	ViewEscrowGet           = "escrow_get"
	ViewEscrowStatus        = "escrow_status"
	ViewEscrowCount         = "escrow_count"
	ViewEscrowTimeRemaining = "escrow_timeRemaining"
	ViewEscrowList          = "escrow_list"
	ViewEscrowCanRelease    = "escrow_canReleaseWithArbitration"
	ViewEscrowIsCoordinator = "escrow_isCoordinator"

	ViewArbitrationGet             = "arbitration_get"
	ViewArbitrationIsSettled       = "arbitration_isSettled"
	ViewArbitrationIsSettledCached = "arbitration_isSettledCached"
	ViewArbitrationIsArbitrator    = "arbitration_isAuthorizedArbitrator"
	ViewArbitrationArbitrators     = "arbitration_arbitrators"

	ViewBankBalance = "bank_balance"
	ViewLedgerInfo  = "ledger_info"
)

// CreateEscrowParams carries createEscrow arguments. Amount is an integer
// string of micro-units. Payer defaults to the caller and must match it.
type CreateEscrowParams struct {
	Payer        string `json:"payer,omitempty"`
	Payee        string `json:"payee"`
	Amount       string `json:"amount"`
	LockDuration int64  `json:"lockDuration"`
	Description  string `json:"description"`
}

// EscrowIDParams addresses one escrow.
type EscrowIDParams struct {
	EscrowID uint64 `json:"escrowId"`
}

// DecisionParams carries an arbitration decision.
type DecisionParams struct {
	EscrowID uint64 `json:"escrowId"`
	Reason   string `json:"reason,omitempty"`
}

// AddressParams addresses one account.
type AddressParams struct {
	Address string `json:"address"`
}

// ListParams filters escrows by party.
type ListParams struct {
	Party string `json:"party"`
	Side  string `json:"side,omitempty"`
}

// BoolResult wraps boolean view answers.
type BoolResult struct {
	Value bool `json:"value"`
}

// CountResult wraps getEscrowCount.
type CountResult struct {
	Count uint64 `json:"count"`
}

// TimeRemainingResult wraps getTimeRemaining.
type TimeRemainingResult struct {
	EscrowID uint64 `json:"escrowId"`
	Seconds  int64  `json:"seconds"`
}

// StatusResult wraps getEscrowStatus.
type StatusResult struct {
	EscrowID uint64 `json:"escrowId"`
	Status   string `json:"status"`
}

// BalanceResult wraps a balance read. Amount is in micro-units.
type BalanceResult struct {
	Address   string `json:"address"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
	Formatted string `json:"formatted"`
}

// AddressListResult wraps a list of bech32 addresses.
type AddressListResult struct {
	Addresses []string `json:"addresses"`
}
