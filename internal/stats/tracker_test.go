package stats

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-batch/pkg/types"
)

func rec(d time.Duration, err error, ids ...types.WorkID) types.CompletionRecord {
	return types.CompletionRecord{IDs: ids, Duration: d, Err: err}
}

func TestTracker_Counters(t *testing.T) {
	tr := NewTracker(0, 0)

	tr.Record(rec(time.Millisecond, nil, "a"))
	tr.Record(rec(time.Millisecond, nil, "b", "c"))
	tr.Record(rec(time.Millisecond, errors.New("boom"), "d", "e"))

	assert.Equal(t, int64(3), tr.TaskCount())
	assert.Equal(t, int64(1), tr.FailedCount())
	assert.Equal(t, int64(5), tr.CompletedIDs())
	assert.Equal(t, []string{"d", "e"}, tr.FailedIDs())
}

func TestTracker_SlowTopK(t *testing.T) {
	tr := NewTracker(3, 10)

	durations := []int{5, 1, 9, 3, 7, 2, 8}
	for i, d := range durations {
		tr.Record(rec(time.Duration(d)*time.Millisecond, nil, types.WorkID(fmt.Sprintf("u%d", i))))
	}

	slow := tr.SlowUnits()
	require.Len(t, slow, 3)
	assert.Equal(t, 9*time.Millisecond, slow[0].Duration)
	assert.Equal(t, "u2", slow[0].IDs)
	assert.Equal(t, 8*time.Millisecond, slow[1].Duration)
	assert.Equal(t, 7*time.Millisecond, slow[2].Duration)
}

func TestTracker_SlowUnitJoinsBatch(t *testing.T) {
	tr := NewTracker(1, 1)
	tr.Record(rec(time.Second, nil, "/a", "/b"))
	assert.Equal(t, "/a;/b", tr.SlowUnits()[0].IDs)
}

func TestTracker_FailedIDsBounded(t *testing.T) {
	tr := NewTracker(5, 3)
	fail := errors.New("x")

	tr.Record(rec(0, fail, "1", "2"))
	tr.Record(rec(0, fail, "3", "4"))
	tr.Record(rec(0, fail, "5"))

	assert.Equal(t, []string{"1", "2", "3"}, tr.FailedIDs())
	assert.Equal(t, int64(3), tr.FailedCount())
}

func TestTracker_FillAndReset(t *testing.T) {
	tr := NewTracker(2, 2)
	tr.Record(rec(time.Millisecond, errors.New("x"), "a"))

	var s types.JobStats
	tr.Fill(&s)
	assert.Equal(t, int64(1), s.TaskCount)
	assert.Equal(t, int64(1), s.FailedCount)
	assert.Len(t, s.SlowUnits, 1)
	assert.Equal(t, []string{"a"}, s.FailedIDs)

	tr.Reset()
	assert.Zero(t, tr.TaskCount())
	assert.Empty(t, tr.SlowUnits())
	assert.Empty(t, tr.FailedIDs())
}

func TestTracker_Concurrent(t *testing.T) {
	tr := NewTracker(5, 100)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				var err error
				if i%10 == 0 {
					err = errors.New("fail")
				}
				tr.Record(rec(time.Duration(i), err, types.WorkID(fmt.Sprintf("%d-%d", g, i))))
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, int64(800), tr.TaskCount())
	assert.Equal(t, int64(80), tr.FailedCount())
	assert.Len(t, tr.FailedIDs(), 80)
	assert.Len(t, tr.SlowUnits(), 5)
}
