package stats

import (
	"maps"

	"github.com/vreid/prisoners/internal/pkg/dilemma"
)

// Stats counts resolved dilemmas by outcome.
type Stats map[dilemma.Outcome]int64

func Zero() Stats {
	result := Stats{}
	for _, outcome := range dilemma.ResolvedOutcomes {
		result[outcome] = 0
	}

	return result
}

func (s Stats) Clone() Stats {
	return maps.Clone(s)
}
