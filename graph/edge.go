package graph

import "slices"

// Edge connects two executors. Messages sent by From are delivered to To in
// the next superstep.
//
// Kinds restricts the edge to the listed message kinds. An empty Kinds list
// carries every kind the source sends.
//
// Example:
//
//	// Route only guesses from the port to the judge.
//	edge := Edge{From: "GuessNumber", To: "Judge", Kinds: []string{"guess"}}
type Edge struct {
	From  string
	To    string
	Kinds []string
}

// Carries reports whether a message of the given kind travels along the edge.
func (e Edge) Carries(kind string) bool {
	if len(e.Kinds) == 0 {
		return true
	}
	return slices.Contains(e.Kinds, kind)
}
