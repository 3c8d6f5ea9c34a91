package models

import "time"

// FailReason classifies an unsuccessful LoginEvent.
type FailReason string

const (
	FailWrongPassword FailReason = "WRONG_PASSWORD"
	FailAccountLocked FailReason = "ACCOUNT_LOCKED"
	FailFraudBlock    FailReason = "FRAUD_BLOCK"
)

// LoginEvent is an immutable fact appended for every login attempt outcome.
// AccountRef is empty when the email did not resolve to an account.
type LoginEvent struct {
	ID         string
	AccountRef string
	Email      string
	IP         string
	UserAgent  string
	Success    bool
	FailReason FailReason
	RiskScore  float64
	Timestamp  time.Time
}

// TransactionStatus is the screening outcome stored with a TransactionEvent.
type TransactionStatus string

const (
	TransactionCompleted TransactionStatus = "COMPLETED"
	TransactionBlocked   TransactionStatus = "BLOCKED"
)

// TransactionEvent is an immutable record of a screened transaction.
type TransactionEvent struct {
	ID         string            `json:"id"`
	AccountRef string            `json:"accountRef"`
	Amount     float64           `json:"amount"`
	Recipient  string            `json:"recipient"`
	Status     TransactionStatus `json:"status"`
	RiskScore  float64           `json:"riskScore"`
	Flags      []string          `json:"flags"`
	IP         string            `json:"ip"`
	Timestamp  time.Time         `json:"timestamp"`
}
