package adaptation

import (
	"fmt"
	"sort"

	"github.com/ndnstream/backend/internal/media"
	"github.com/ndnstream/backend/internal/observability"
)

// BuildLadder orders representations into dependency layers: layer 0 has no
// dependencies and every later layer depends only on layers below it. It
// repeatedly classifies the remaining representation with the fewest
// dependencies (ties by bandwidth, then id) and fails if one of its
// dependencies has not been classified yet.
func BuildLadder(reps []*media.Representation) ([]*media.Representation, error) {
	remaining := append([]*media.Representation(nil), reps...)
	sort.SliceStable(remaining, func(i, j int) bool {
		di, dj := len(remaining[i].Dependencies()), len(remaining[j].Dependencies())
		if di != dj {
			return di < dj
		}
		return lessByBandwidth(remaining[i], remaining[j])
	})

	classified := make(map[string]bool, len(reps))
	ladder := make([]*media.Representation, 0, len(reps))
	for _, r := range remaining {
		for _, dep := range r.Dependencies() {
			if !classified[dep] {
				return nil, fmt.Errorf("%w: %s needs %s", ErrDependencyOrder, r.ID, dep)
			}
		}
		classified[r.ID] = true
		ladder = append(ladder, r)
	}
	return ladder, nil
}

// ladderOrDegraded builds the ladder and, when the dependencies cannot be
// ordered, logs the failure and treats all representations as independent.
func ladderOrDegraded(reps []*media.Representation, log *observability.Logger) ([]*media.Representation, bool) {
	ladder, err := BuildLadder(reps)
	if err == nil {
		return ladder, true
	}
	log.Error(err, "failed to order representations by dependencies, treating them as independent")
	degraded := append([]*media.Representation(nil), reps...)
	sort.SliceStable(degraded, func(i, j int) bool { return lessByBandwidth(degraded[i], degraded[j]) })
	return degraded, false
}

// layerOf returns the ladder index of rep, or -1.
func layerOf(ladder []*media.Representation, id string) int {
	for i, r := range ladder {
		if r.ID == id {
			return i
		}
	}
	return -1
}
