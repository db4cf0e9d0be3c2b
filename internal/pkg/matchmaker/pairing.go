package matchmaker

import (
	"github.com/vreid/prisoners/internal/pkg/dilemma"
	"github.com/vreid/prisoners/internal/pkg/throttle"
	"go.uber.org/zap"
)

// pair runs one matchmaking round over the active players and returns the
// dilemmas it changed. A failed diversity check aborts the round before
// any pairing happens.
func (s *MatchmakerService) pair() ([]*dilemma.Dilemma, error) {
	return s.runPass(false)
}

// repair is the pass that follows a deactivation, a removal or a resolved
// dilemma. It only reports throttling when two or more players could
// actually have been paired.
func (s *MatchmakerService) repair() ([]*dilemma.Dilemma, error) {
	return s.runPass(true)
}

func (s *MatchmakerService) runPass(followUp bool) ([]*dilemma.Dilemma, error) {
	s.round++

	for _, d := range s.dilemmas {
		s.finalize(d)
	}

	waiting := []dilemma.Player{}
	pool := throttle.Pool{WaitingAddresses: []string{}}

	for _, id := range s.active {
		player := s.players[id]

		d := s.dilemmaOf(id)
		if d == nil || d.IsWaiting() {
			waiting = append(waiting, player)
			pool.WaitingAddresses = append(pool.WaitingAddresses, player.RemoteAddress)

			continue
		}

		if !d.IsComplete() {
			pool.InProgress++
		}
	}

	if followUp && len(waiting) < 2 {
		return []*dilemma.Dilemma{}, nil
	}

	err := s.Throttle.Evaluate(pool)
	if err != nil {
		s.Logger.Info("pairing throttled",
			zap.Int64("round", s.round),
			zap.Int("waiting", len(waiting)),
			zap.Error(err))

		return nil, err
	}

	if s.Shuffle != nil {
		s.Shuffle(len(waiting), func(i, j int) {
			waiting[i], waiting[j] = waiting[j], waiting[i]
		})
	}

	tracker := changeTracker{}

	for len(waiting) > 1 {
		first := waiting[0]
		waiting = waiting[1:]

		idx := s.opponentIndex(first, waiting)
		if idx < 0 {
			break
		}

		opponent := waiting[idx]
		waiting = append(waiting[:idx], waiting[idx+1:]...)

		d, err := s.seat(first, opponent, &tracker)
		if err != nil {
			return tracker.snapshots(), err
		}

		s.Logger.Debug("paired players",
			zap.Int64("round", s.round),
			zap.Int64("dilemma_id", int64(d.ID)),
			zap.Int64("player_id", int64(first.ID)),
			zap.Int64("opponent_id", int64(opponent.ID)))
	}

	return tracker.snapshots(), nil
}

func (s *MatchmakerService) opponentIndex(first dilemma.Player, candidates []dilemma.Player) int {
	for i, candidate := range candidates {
		if s.Config.MinUniqueAddresses < 2 || candidate.RemoteAddress != first.RemoteAddress {
			return i
		}
	}

	return -1
}

// seat puts both players into the first player's open dilemma, or a new one.
func (s *MatchmakerService) seat(first dilemma.Player, opponent dilemma.Player, tracker *changeTracker) (*dilemma.Dilemma, error) {
	d := s.dilemmaOf(first.ID)
	if d == nil {
		d = s.newDilemma()

		err := d.AddPlayer(first)
		if err != nil {
			//nolint:wrapcheck
			return nil, err
		}
	}

	if previous := s.dilemmaOf(opponent.ID); previous != nil && previous != d {
		s.leave(previous, opponent.ID)
		tracker.add(previous)
	}

	err := d.AddPlayer(opponent)
	if err != nil {
		//nolint:wrapcheck
		return nil, err
	}

	d.Round = s.round
	tracker.add(d)

	return d, nil
}

// changeTracker keeps changed dilemmas in first-change order.
type changeTracker struct {
	dilemmas []*dilemma.Dilemma
}

func (t *changeTracker) add(d *dilemma.Dilemma) {
	for _, existing := range t.dilemmas {
		if existing == d {
			return
		}
	}

	t.dilemmas = append(t.dilemmas, d)
}

func (t *changeTracker) snapshots() []*dilemma.Dilemma {
	result := make([]*dilemma.Dilemma, 0, len(t.dilemmas))
	for _, d := range t.dilemmas {
		result = append(result, d.Snapshot())
	}

	return result
}

// mergeChanges joins changed dilemma lists in first-change order, keeping
// the latest snapshot of each dilemma.
func mergeChanges(lists ...[]*dilemma.Dilemma) []*dilemma.Dilemma {
	result := []*dilemma.Dilemma{}
	index := map[dilemma.ID]int{}

	for _, list := range lists {
		for _, d := range list {
			if i, ok := index[d.ID]; ok {
				result[i] = d

				continue
			}

			index[d.ID] = len(result)
			result = append(result, d)
		}
	}

	return result
}
