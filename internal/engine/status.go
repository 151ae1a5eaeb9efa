package engine

import "github.com/g960059/dbsyncd/internal/model"

// ResolveStatus picks the one status that should win when multiple
// observations about the same slave are available in the same tick
// (e.g. a scheduler pass racing an admin-triggered sync): the
// highest-precedence status wins, ties broken by the order given.
func ResolveStatus(observed ...model.SlaveStatus) model.SlaveStatus {
	if len(observed) == 0 {
		return model.SlaveInactive
	}
	best := observed[0]
	for _, s := range observed[1:] {
		if model.StatusPrecedence[s] < model.StatusPrecedence[best] {
			best = s
		}
	}
	return best
}
