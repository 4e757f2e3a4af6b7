// internal/eligibility/eligibility.go
package eligibility

import (
	"fmt"

	"libracirc/internal/membership"
	"libracirc/internal/money"
)

// Rule identifies which check rejected a member.
type Rule string

const (
	RuleNone        Rule = ""
	RuleInactive    Rule = "inactive"
	RuleOverdue     Rule = "overdue"
	RuleUnpaidFines Rule = "unpaid_fines"
	RuleLoanLimit   Rule = "loan_limit"
)

// Input is everything the gate needs to know about a member.
type Input struct {
	Status           membership.Status
	OpenLoans        int
	HasOverdueLoans  bool
	OutstandingFines money.Money
	MaxActiveLoans   int
}

// Decision is the outcome of CanBorrow. Reason is empty when Allowed.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Rule    Rule   `json:"rule,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// CanBorrow evaluates the borrowing rules in priority order and reports the
// first one violated.
func CanBorrow(in Input) Decision {
	if in.Status != membership.StatusActive {
		return reject(RuleInactive, "member is not active")
	}
	if in.HasOverdueLoans {
		return reject(RuleOverdue, "member has overdue items")
	}
	if in.OutstandingFines.IsPositive() {
		return reject(RuleUnpaidFines, fmt.Sprintf("member has unpaid fines totaling %s", in.OutstandingFines))
	}
	if in.OpenLoans >= in.MaxActiveLoans {
		return reject(RuleLoanLimit, fmt.Sprintf("member has reached the active-loan limit of %d", in.MaxActiveLoans))
	}
	return Decision{Allowed: true}
}

func reject(rule Rule, reason string) Decision {
	return Decision{Rule: rule, Reason: reason}
}
