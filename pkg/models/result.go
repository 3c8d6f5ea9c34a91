package models

import "time"

// Action is the categorical decision derived from a risk score.
type Action string

const (
	ActionAllow   Action = "ALLOW"
	ActionMonitor Action = "MONITOR"
	ActionFlag    Action = "FLAG"
	ActionBlock   Action = "BLOCK"
)

// TriggeredRule is what a single rule reports when its condition holds.
// Rules never touch the score themselves; the engine sums the weights.
type TriggeredRule struct {
	ID          string  `json:"id"`
	Weight      float64 `json:"weight"`
	Description string  `json:"description"`
}

// RiskAssessment is the output of one risk evaluation.
//
// RiskScore is the plain sum of the weights of every triggered rule. It is not
// capped at 1.0, so several simultaneous signals can push it above the BLOCK
// threshold by a wide margin.
type RiskAssessment struct {
	RiskScore float64 `json:"riskScore"`
	Action    Action  `json:"action"`
	// TriggeredRules lists rule IDs in rule-definition order.
	TriggeredRules []string        `json:"triggeredRules"`
	Details        []TriggeredRule `json:"details,omitempty"`
	EvaluatedAt    time.Time       `json:"evaluatedAt"`
}

// Blocked is a shorthand for Action == ActionBlock.
func (r *RiskAssessment) Blocked() bool {
	return r != nil && r.Action == ActionBlock
}

// Severity of an Alert.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// AlertStatus tracks the external review lifecycle. Only PENDING is produced here.
type AlertStatus string

const AlertPending AlertStatus = "PENDING"

// Alert is persisted for every assessment whose action is not ALLOW.
type Alert struct {
	ID             string
	AccountRef     string
	AlertType      string
	Severity       Severity
	TriggeredRules []string
	RiskScore      float64
	IP             string
	Details        RiskAssessment
	Status         AlertStatus
	Timestamp      time.Time
}
