package consumer

import (
	"math"
	"math/rand"
	"sort"
)

// Priority selects how queueOrder arranges the queue list passed to FETCH.
type Priority string

const (
	PriorityStrict   Priority = "strict"
	PriorityUniform  Priority = "uniform"
	PriorityWeighted Priority = "weighted"
)

func (p Priority) valid() bool {
	return p == PriorityStrict || p == PriorityUniform || p == PriorityWeighted
}

// queueOrder returns the queue names in the order FETCH should try them.
//
//   - strict returns queues unchanged every call.
//   - uniform returns a uniform random permutation (Fisher-Yates).
//   - weighted draws, for each queue i, u_i ~ U(0,1) and ranks by the
//     Efraimidis-Spirakis key u_i^(1/w_i) descending — NOT u_i^w_i, which
//     would bias small weights toward the front instead of the back.
//
// weights is ignored unless priority is PriorityWeighted, and must then be
// the same length as queues (the caller validates this once at
// construction, not on every call).
func queueOrder(queues []string, weights []float64, priority Priority) []string {
	switch priority {
	case PriorityUniform:
		shuffled := append([]string(nil), queues...)
		rand.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		return shuffled
	case PriorityWeighted:
		type keyed struct {
			queue string
			key   float64
		}
		ranked := make([]keyed, len(queues))
		for i, q := range queues {
			u := rand.Float64()
			ranked[i] = keyed{queue: q, key: math.Pow(u, 1/weights[i])}
		}
		sort.Slice(ranked, func(i, j int) bool { return ranked[i].key > ranked[j].key })
		out := make([]string, len(ranked))
		for i, k := range ranked {
			out[i] = k.queue
		}
		return out
	default: // PriorityStrict
		return append([]string(nil), queues...)
	}
}
