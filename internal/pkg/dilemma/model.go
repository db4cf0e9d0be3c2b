package dilemma

import (
	"time"

	"github.com/vreid/prisoners/internal/pkg/apperr"
)

type (
	ID       int64
	PlayerID int64
)

type Player struct {
	ID            PlayerID `json:"id"`
	RemoteAddress string   `json:"remoteAddress"`
}

type Choice string

const (
	ChoiceSplit Choice = "Split"
	ChoiceSteal Choice = "Steal"
)

func ParseChoice(value string) (Choice, error) {
	switch choice := Choice(value); choice {
	case ChoiceSplit, ChoiceSteal:
		return choice, nil
	}

	return "", apperr.ErrInvalidChoice
}

type Outcome string

const (
	OutcomePending Outcome = "Pending"
	OutcomeSplit   Outcome = "Split"
	OutcomeSteal   Outcome = "Steal"
	// OutcomeLose also covers a window that closed with no choices at all.
	OutcomeLose    Outcome = "Lose"
)

// ResolvedOutcomes lists every outcome except Pending.
var ResolvedOutcomes = []Outcome{OutcomeSplit, OutcomeSteal, OutcomeLose}

type State int

const (
	StateEmpty State = iota
	StateWaitingForOpponent
	StateCountingDown
	StateOpen
	StateResolved
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateWaitingForOpponent:
		return "waiting"
	case StateCountingDown:
		return "counting-down"
	case StateOpen:
		return "open"
	case StateResolved:
		return "resolved"
	}

	return "unknown"
}

type Config struct {
	// IdleTime is the countdown between pairing and the choice window.
	IdleTime time.Duration
	// MaxAge is the length of the choice window.
	MaxAge time.Duration
}

// Summary is what a single player is allowed to see of a dilemma.
// Timestamps are unix milliseconds.
type Summary struct {
	Players        int     `json:"players"`
	Outcome        Outcome `json:"outcome"`
	HasChosen      bool    `json:"hasChosen"`
	HasWon         bool    `json:"hasWon"`
	ReadyTimestamp *int64  `json:"readyTimestamp"`
	EndTimestamp   *int64  `json:"endTimestamp"`
}
