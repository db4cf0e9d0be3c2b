package matchmaker

import (
	"github.com/shopspring/decimal"
	"github.com/vreid/prisoners/internal/pkg/dilemma"
)

type Config struct {
	Dilemma dilemma.Config

	// MinUniqueAddresses below 2 allows players from the same address to
	// be paired.
	MinUniqueAddresses int

	// Reward is paid to every winner of a dilemma.
	Reward decimal.Decimal
}

// Shuffler randomises the waiting pool before pairing. It has the
// signature of rand.Shuffle.
type Shuffler func(n int, swap func(i, j int))

type PlayerCount struct {
	Players int `json:"players"`
	Active  int `json:"active"`
}
