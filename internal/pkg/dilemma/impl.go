// Package dilemma implements a single two-player Prisoner's Dilemma session.
//
// A Dilemma is not safe for concurrent use; the matchmaker owns every live
// instance and serialises access to it. Expiry is evaluated lazily against
// the injected clock whenever the dilemma is inspected.
package dilemma

import (
	"maps"
	"slices"
	"time"

	"github.com/vreid/prisoners/internal/pkg/apperr"
	"github.com/vreid/prisoners/internal/pkg/common"
)

const MaxPlayers = 2

type Dilemma struct {
	ID             ID                  `json:"id"`
	Players        []Player            `json:"players"`
	Choices        map[PlayerID]Choice `json:"choices"`
	ReadyTimestamp time.Time           `json:"readyTimestamp"`
	EndTimestamp   time.Time           `json:"endTimestamp"`

	// Round is the matchmaking pass that last seated a player.
	Round int64 `json:"round"`

	config   Config
	clock    common.Clock
	recorded bool
}

func New(id ID, config Config, clock common.Clock) *Dilemma {
	return &Dilemma{
		ID:      id,
		Players: []Player{},
		Choices: map[PlayerID]Choice{},
		config:  config,
		clock:   clock,
	}
}

func (d *Dilemma) AddPlayer(player Player) error {
	if len(d.Players) >= MaxPlayers {
		return apperr.ErrCouldNotAddPlayer
	}

	d.Players = append(d.Players, player)

	if len(d.Players) == MaxPlayers {
		// every pairing starts a fresh game
		clear(d.Choices)

		d.ReadyTimestamp = d.clock.Now().Add(d.config.IdleTime)
		d.EndTimestamp = d.ReadyTimestamp.Add(d.config.MaxAge)
	}

	return nil
}

// RemovePlayer drops the player. An unresolved dilemma goes back to
// waiting and forgets every choice made in the abandoned game; a resolved
// one keeps its choices so the outcome survives both players leaving.
func (d *Dilemma) RemovePlayer(id PlayerID) {
	d.Players = slices.DeleteFunc(d.Players, func(p Player) bool {
		return p.ID == id
	})

	if !d.IsComplete() {
		d.ReadyTimestamp = time.Time{}
		d.EndTimestamp = time.Time{}
		clear(d.Choices)
	}
}

func (d *Dilemma) HasPlayer(id PlayerID) bool {
	return slices.ContainsFunc(d.Players, func(p Player) bool {
		return p.ID == id
	})
}

func (d *Dilemma) SetChoice(id PlayerID, choice Choice) error {
	if choice != ChoiceSplit && choice != ChoiceSteal {
		return apperr.ErrInvalidChoice
	}

	if !d.HasPlayer(id) {
		return apperr.ErrInvalidPlayerID
	}

	if d.IsComplete() {
		return apperr.ErrTooLateToChangeChoice
	}

	if d.ReadyTimestamp.IsZero() || d.clock.Now().Before(d.ReadyTimestamp) {
		return apperr.ErrTooEarlyToChoose
	}

	d.Choices[id] = choice

	return nil
}

func (d *Dilemma) IsComplete() bool {
	if len(d.Choices) == MaxPlayers {
		return true
	}

	return !d.EndTimestamp.IsZero() && !d.clock.Now().Before(d.EndTimestamp)
}

func (d *Dilemma) State() State {
	switch {
	case d.IsComplete():
		return StateResolved
	case len(d.Players) == 0:
		return StateEmpty
	case len(d.Players) < MaxPlayers:
		return StateWaitingForOpponent
	case d.clock.Now().Before(d.ReadyTimestamp):
		return StateCountingDown
	}

	return StateOpen
}

// IsWaiting reports whether the dilemma can still seat another player.
func (d *Dilemma) IsWaiting() bool {
	return len(d.Players) < MaxPlayers && !d.IsComplete()
}

func (d *Dilemma) Outcome() Outcome {
	if !d.IsComplete() {
		return OutcomePending
	}

	// nobody chose before the window closed
	if len(d.Choices) == 0 {
		return OutcomeLose
	}

	steals := 0

	for _, choice := range d.Choices {
		if choice == ChoiceSteal {
			steals++
		}
	}

	switch steals {
	case 0:
		return OutcomeSplit
	case 1:
		return OutcomeSteal
	}

	return OutcomeLose
}

// HasWon never credits a player without a recorded choice.
func (d *Dilemma) HasWon(id PlayerID) bool {
	choice, chosen := d.Choices[id]
	if !chosen {
		return false
	}

	switch d.Outcome() {
	case OutcomeSplit:
		return true
	case OutcomeSteal:
		return choice == ChoiceSteal
	case OutcomePending, OutcomeLose:
	}

	return false
}

// Winners returns the seated players who won.
func (d *Dilemma) Winners() []Player {
	result := []Player{}

	for _, player := range d.Players {
		if d.HasWon(player.ID) {
			result = append(result, player)
		}
	}

	return result
}

// MarkRecorded returns true exactly once, the first time it is called on a
// resolved dilemma.
func (d *Dilemma) MarkRecorded() bool {
	if d.recorded || !d.IsComplete() {
		return false
	}

	d.recorded = true

	return true
}

func (d *Dilemma) Summary(id PlayerID) Summary {
	_, hasChosen := d.Choices[id]

	return Summary{
		Players:        len(d.Players),
		Outcome:        d.Outcome(),
		HasChosen:      hasChosen,
		HasWon:         d.HasWon(id),
		ReadyTimestamp: unixMilli(d.ReadyTimestamp),
		EndTimestamp:   unixMilli(d.EndTimestamp),
	}
}

// Snapshot returns a deep copy that can leave the owner's lock.
func (d *Dilemma) Snapshot() *Dilemma {
	result := *d
	result.Players = slices.Clone(d.Players)
	result.Choices = maps.Clone(d.Choices)

	return &result
}

func unixMilli(t time.Time) *int64 {
	if t.IsZero() {
		return nil
	}

	ms := t.UnixMilli()

	return &ms
}
