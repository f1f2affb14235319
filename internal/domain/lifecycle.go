package domain

import "strings"

// TxStatus is the lifecycle state of a transaction record.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxSubmitted TxStatus = "submitted"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// legacyLabels maps historical status labels to canonical states.
var legacyLabels = map[string]TxStatus{
	"completed": TxConfirmed,
	"cancelled": TxFailed,
}

var transitions = map[TxStatus]map[TxStatus]bool{
	TxPending:   {TxSubmitted: true},
	TxSubmitted: {TxConfirmed: true, TxFailed: true},
}

// Normalize maps a stored label to its canonical state. Unknown labels are
// returned unchanged so AssertValid can reject them.
func Normalize(label string) TxStatus {
	if s, ok := legacyLabels[strings.ToLower(strings.TrimSpace(label))]; ok {
		return s
	}
	return TxStatus(label)
}

// Valid reports whether s is one of the canonical states.
func (s TxStatus) Valid() bool {
	switch s {
	case TxPending, TxSubmitted, TxConfirmed, TxFailed:
		return true
	}
	return false
}

// Terminal reports whether no transition out of s is legal.
func (s TxStatus) Terminal() bool {
	return s == TxConfirmed || s == TxFailed
}

func AssertValid(s TxStatus) error {
	if !s.Valid() {
		return &InvalidStateError{State: s}
	}
	return nil
}

func CanTransition(from, to TxStatus) bool {
	return transitions[from][to]
}

// AssertTransition is the single gate for every status mutation.
func AssertTransition(from, to TxStatus) error {
	if err := AssertValid(from); err != nil {
		return err
	}
	if err := AssertValid(to); err != nil {
		return err
	}
	if !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}
