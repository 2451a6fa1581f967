package stream

import (
	"errors"
	"iter"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordSeq(recs []Record, tail error) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		for _, r := range recs {
			if !yield(r, nil) {
				return
			}
		}
		if tail != nil {
			yield(Record{}, tail)
		}
	}
}

func textRecord(s string) Record {
	return Record{Text: s, HasText: true}
}

func collect(t *testing.T, seq iter.Seq2[Snapshot, error]) ([]Snapshot, error) {
	t.Helper()
	var out []Snapshot
	for s, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, s)
	}
	return out, nil
}

func TestReduceAccumulatesInOrder(t *testing.T) {
	recs := []Record{textRecord("Hi"), {Done: false}, textRecord(" there")}
	snaps, err := collect(t, Reduce(recordSeq(recs, nil)))
	require.NoError(t, err)

	assert.Equal(t, []Snapshot{
		{Text: "Hi"},
		{Text: "Hi there"},
		{Text: "Hi there", Final: true},
	}, snaps)
}

func TestReduceFinalEqualsConcatenation(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 50; trial++ {
		var recs []Record
		var want strings.Builder
		for i := rng.Intn(30); i > 0; i-- {
			frag := strings.Repeat(string(rune('a'+rng.Intn(26))), rng.Intn(4))
			recs = append(recs, textRecord(frag))
			want.WriteString(frag)
		}

		snaps, err := collect(t, Reduce(recordSeq(recs, nil)))
		require.NoError(t, err)
		require.Len(t, snaps, len(recs)+1)

		last := snaps[len(snaps)-1]
		assert.True(t, last.Final)
		assert.Equal(t, want.String(), last.Text)
		for i := 1; i < len(snaps); i++ {
			assert.True(t, strings.HasPrefix(snaps[i].Text, snaps[i-1].Text), "accumulator only grows")
		}
	}
}

func TestReduceZeroTokens(t *testing.T) {
	snaps, err := collect(t, Reduce(recordSeq([]Record{{Done: true}}, nil)))
	require.NoError(t, err)
	assert.Equal(t, []Snapshot{{Text: "", Final: true}}, snaps)
}

func TestReduceUpstreamErrorHasNoFinal(t *testing.T) {
	boom := errors.New("boom")
	snaps, err := collect(t, Reduce(recordSeq([]Record{textRecord("par")}, boom)))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []Snapshot{{Text: "par"}}, snaps)
}

func TestReduceStopsPulling(t *testing.T) {
	pulled := 0
	src := func(yield func(Record, error) bool) {
		for {
			pulled++
			if !yield(textRecord("x"), nil) {
				return
			}
		}
	}
	for s := range Reduce(src) {
		if s.Text == "xx" {
			break
		}
	}
	assert.Equal(t, 2, pulled)
}
