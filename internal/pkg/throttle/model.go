package throttle

import "time"

// Reason names the trigger that put pairing under the diversity check.
type Reason string

const (
	ReasonRecentWin      Reason = "Recent win"
	ReasonActivePlayers  Reason = "Active players"
	ReasonPreviousWinner Reason = "Previous winner"
)

const DefaultMaxWinWindow = 3 * time.Hour

type Config struct {
	// InitialMinUniqueAddresses is the diversity bar at scale 1.
	InitialMinUniqueAddresses int
	// MaxMinUniqueAddresses caps the scaled bar. Zero means no cap.
	MaxMinUniqueAddresses int
	// MaxAddressProportion is the largest share, in percent, of waiting
	// players allowed to come from one address.
	MaxAddressProportion float64
	// WinWindow is the recent-win window at scale 1.
	WinWindow time.Duration
	// MaxWinWindow caps the scaled window.
	MaxWinWindow time.Duration
}

// WinMetadata is the persisted throttle state.
type WinMetadata struct {
	LastWinTimestamp int64    `json:"lastWinTimestamp"`
	MinAddressScale  float64  `json:"minAddressScale"`
	WinningAddresses []string `json:"winningAddresses"`
}

// Pool describes the players considered by one pairing pass.
type Pool struct {
	// WaitingAddresses holds one entry per waiting player.
	WaitingAddresses []string
	// InProgress counts players seated in unresolved full dilemmas.
	InProgress int
}
