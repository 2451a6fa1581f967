package stream

import (
	"iter"
	"strings"
)

// Snapshot is the full text received so far in one response.
type Snapshot struct {
	Text  string
	Final bool
}

// Reduce accumulates record fragments into running snapshots. One snapshot is
// yielded per text-bearing record, then a final snapshot when the records end,
// even if no text arrived. An upstream error is passed through and ends the
// sequence without a final snapshot.
func Reduce(records iter.Seq2[Record, error]) iter.Seq2[Snapshot, error] {
	return func(yield func(Snapshot, error) bool) {
		var acc strings.Builder
		for rec, err := range records {
			if err != nil {
				yield(Snapshot{Text: acc.String()}, err)
				return
			}
			if !rec.HasText {
				continue
			}
			acc.WriteString(rec.Text)
			if !yield(Snapshot{Text: acc.String()}, nil) {
				return
			}
		}
		yield(Snapshot{Text: acc.String(), Final: true}, nil)
	}
}
