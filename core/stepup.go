package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// OperationClass ranks how sensitive an operation is.
type OperationClass int

const (
	ClassLow OperationClass = iota + 1
	ClassMedium
	ClassHigh
)

func (c OperationClass) String() string {
	switch c {
	case ClassLow:
		return "low"
	case ClassMedium:
		return "medium"
	case ClassHigh:
		return "high"
	}
	return "unknown"
}

// ParseOperationClass is the inverse of OperationClass.String.
func ParseOperationClass(s string) (OperationClass, bool) {
	switch s {
	case "low":
		return ClassLow, true
	case "medium":
		return ClassMedium, true
	case "high":
		return ClassHigh, true
	}
	return 0, false
}

// Operation describes a sensitive action the caller wants to perform.
type Operation struct {
	Name           string
	Amount         decimal.NullDecimal
	Administrative bool
}

// StepUpStatus is the per-session step-up state.
type StepUpStatus string

const (
	StepUpNone      StepUpStatus = "NONE"
	StepUpPending   StepUpStatus = "PENDING"
	StepUpSatisfied StepUpStatus = "SATISFIED"
)

// StepUpState tracks NONE -> PENDING -> SATISFIED (until grace expiry) -> NONE.
type StepUpState struct {
	SessionID    string
	Status       StepUpStatus
	Class        OperationClass
	Operation    string
	ChallengeID  string
	RequestedAt  time.Time
	SatisfiedAt  time.Time
	SatisfiedTil time.Time
}

// Effective returns the state as observed at now, collapsing an elapsed grace
// period back to NONE.
func (s *StepUpState) Effective(now time.Time) StepUpStatus {
	if s == nil {
		return StepUpNone
	}
	if s.Status == StepUpSatisfied && !now.Before(s.SatisfiedTil) {
		return StepUpNone
	}
	return s.Status
}

// StepUpResult is returned by the step-up controller.
type StepUpResult struct {
	Satisfied bool
	Class     OperationClass
	Challenge *Challenge // Set when Satisfied is false
}
