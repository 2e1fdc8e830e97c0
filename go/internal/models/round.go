package models

import (
	"fmt"
	"strings"
)

// RoundPhase is the lifecycle stage of the current round as reported by the
// push channel.
type RoundPhase string

const (
	PhaseWaiting       RoundPhase = "WAITING"
	PhaseBettingOpen   RoundPhase = "BETTING_OPEN"
	PhaseBettingClosed RoundPhase = "BETTING_CLOSED"
	PhaseSettled       RoundPhase = "SETTLED"
)

// ParseRoundPhase maps the spellings the server uses onto a RoundPhase.
func ParseRoundPhase(raw string) (RoundPhase, error) {
	switch normalizeToken(raw) {
	case "WAITING", "IDLE", "PENDING":
		return PhaseWaiting, nil
	case "BETTING_OPEN", "BETTING", "OPEN":
		return PhaseBettingOpen, nil
	case "BETTING_CLOSED", "CLOSED", "FIGHTING", "FIGHT":
		return PhaseBettingClosed, nil
	case "SETTLED", "RESULT", "FINISHED":
		return PhaseSettled, nil
	default:
		return "", fmt.Errorf("unknown round phase %q", raw)
	}
}

// Outcome is the winning side of a settled round.
type Outcome string

const (
	OutcomeSideA Outcome = "SIDE_A"
	OutcomeSideB Outcome = "SIDE_B"
	OutcomeDraw  Outcome = "DRAW"
)

// ParseOutcome accepts the single-letter codes (M, W, D) and the full words,
// ignoring case and surrounding whitespace.
func ParseOutcome(raw string) (Outcome, bool) {
	switch normalizeToken(raw) {
	case "M", "MERON":
		return OutcomeSideA, true
	case "W", "WALA":
		return OutcomeSideB, true
	case "D", "DRAW":
		return OutcomeDraw, true
	default:
		return "", false
	}
}

// SettlementStatus is the viewer's result for a settled round.
type SettlementStatus string

const (
	StatusWin  SettlementStatus = "WIN"
	StatusLose SettlementStatus = "LOSE"
	StatusDraw SettlementStatus = "DRAW"
)

func normalizeToken(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	return strings.NewReplacer("-", "_", " ", "_").Replace(s)
}
