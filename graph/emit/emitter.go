// Package emit provides sinks for workflow observability events.
package emit

// Emitter receives workflow events.
//
// Emit is called from the run loop, so implementations should return quickly
// and must be safe for concurrent use: several runs may share one emitter.
type Emitter interface {
	Emit(event Event)
}

// Multi fans each event out to every emitter in order. Nil emitters are skipped.
func Multi(emitters ...Emitter) Emitter {
	out := make(multiEmitter, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

type multiEmitter []Emitter

func (m multiEmitter) Emit(event Event) {
	for _, e := range m {
		e.Emit(event)
	}
}
