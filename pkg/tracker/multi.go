package tracker

// Sink is anything that accepts allocation events.
type Sink interface {
	RecordAlloc(ptr uintptr, size, align int, loc Location)
	RecordDealloc(ptr uintptr)
}

type multi []Sink

// Multi fans every event out to all sinks, in order. Nil sinks are skipped.
func Multi(sinks ...Sink) Sink {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multi) RecordAlloc(ptr uintptr, size, align int, loc Location) {
	for _, s := range m {
		s.RecordAlloc(ptr, size, align, loc)
	}
}

func (m multi) RecordDealloc(ptr uintptr) {
	for _, s := range m {
		s.RecordDealloc(ptr)
	}
}
