package models

// FragmentKind classifies one unit of streamed output
type FragmentKind string

const (
	FragmentDelta FragmentKind = "delta"
	FragmentDone  FragmentKind = "done"
	FragmentError FragmentKind = "error"
)

// Fragment is one normalized unit of streamed output. Sequence numbers are
// strictly increasing within a request; a Done or Error fragment is terminal.
type Fragment struct {
	Seq     uint64       `json:"seq"`
	Kind    FragmentKind `json:"kind"`
	Delta   string       `json:"delta,omitempty"`
	ErrKind string       `json:"errKind,omitempty"`
	Message string       `json:"message,omitempty"`
}

// Terminal reports whether no further fragments follow this one
func (f Fragment) Terminal() bool {
	return f.Kind == FragmentDone || f.Kind == FragmentError
}
