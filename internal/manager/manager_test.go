package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-batch/internal/config"
	"github.com/ChuLiYu/beaver-batch/internal/connpool"
	"github.com/ChuLiYu/beaver-batch/internal/loader"
	"github.com/ChuLiYu/beaver-batch/internal/logging"
	"github.com/ChuLiYu/beaver-batch/internal/metrics"
	"github.com/ChuLiYu/beaver-batch/internal/snapshot"
	"github.com/ChuLiYu/beaver-batch/internal/task"
	"github.com/ChuLiYu/beaver-batch/internal/upstream"
	"github.com/ChuLiYu/beaver-batch/pkg/types"
)

// ============================================================================
// Helpers
// ============================================================================

const recordTask = "record"

// recorder is a process unit that remembers every batch it ran
type recorder struct {
	mu    sync.Mutex
	units [][]types.WorkID
	run   func(ctx context.Context, ids []types.WorkID, conn connpool.Conn) error
}

func (r *recorder) Run(ctx context.Context, ids []types.WorkID, props task.Properties, conn connpool.Conn) ([]types.WorkID, error) {
	r.mu.Lock()
	r.units = append(r.units, append([]types.WorkID(nil), ids...))
	r.mu.Unlock()

	if r.run != nil {
		if err := r.run(ctx, ids, conn); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func (r *recorder) batches() [][]types.WorkID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]types.WorkID(nil), r.units...)
}

func (r *recorder) seen(id types.WorkID) bool {
	for _, u := range r.batches() {
		for _, got := range u {
			if got == id {
				return true
			}
		}
	}
	return false
}

func testConfig(ids ...string) *config.Config {
	cfg := config.Default()
	cfg.Upstream.URIs = []string{"sim://test"}
	cfg.Upstream.RetryInterval = time.Minute
	cfg.Loader.Type = loader.TypeStatic
	cfg.Loader.IDs = ids
	cfg.Task.Process = recordTask
	cfg.Monitor.PollInterval = 5 * time.Millisecond
	return cfg
}

func newTestManager(cfg *config.Config, rec *recorder, conns ...connpool.Conn) *Manager {
	tasks := task.DefaultRegistry()
	tasks.Register(recordTask, func(task.Spec) (task.Task, error) { return rec, nil })
	if conns == nil {
		conns = []connpool.Conn{upstream.NewSimConn("sim://test", upstream.SimConfig{})}
	}
	return New(cfg, Options{
		Conns:  conns,
		Tasks:  tasks,
		Logger: logging.Discard(),
	})
}

func runWithTimeout(t *testing.T, m *Manager) (types.Outcome, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return m.Run(ctx)
}

// ============================================================================
// End-to-end
// ============================================================================

func TestRun_ProbeThenBatches(t *testing.T) {
	cfg := testConfig("a", "b", "c")
	cfg.Job.BatchSize = 2
	rec := &recorder{}
	m := newTestManager(cfg, rec)

	outcome, err := runWithTimeout(t, m)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeSuccess, outcome)

	assert.Equal(t, [][]types.WorkID{{"a"}, {"b", "c"}}, rec.batches())

	s := m.Stats()
	assert.Equal(t, types.StateDone, s.State)
	assert.NotEmpty(t, s.JobID)
	assert.EqualValues(t, 3, s.ExpectedCount)
	assert.EqualValues(t, 3, s.CompletedCount)
	assert.EqualValues(t, 2, s.TaskCount)
	assert.Zero(t, s.FailedCount)
}

func TestRun_NoWork(t *testing.T) {
	rec := &recorder{}
	m := newTestManager(testConfig(), rec)

	outcome, err := runWithTimeout(t, m)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeNoWork, outcome)
	assert.Empty(t, rec.batches())
	assert.Nil(t, m.pool, "worker pool must not be started")
	assert.Nil(t, m.mon, "monitor must not be started")
	assert.Equal(t, types.StateDone, m.State())
	assert.ErrorIs(t, m.Pause(), ErrNotRunning)
}

func TestRun_ConnectivityFailuresRetriedOnOtherConnections(t *testing.T) {
	cfg := testConfig("a")
	cfg.Task.Process = task.NameInvoke
	cfg.Task.ProcessModule = "/process.xqy"
	cfg.Upstream.RetryLimit = 3

	down1 := upstream.NewSimConn("sim://one", upstream.SimConfig{FailFirst: 1})
	down2 := upstream.NewSimConn("sim://two", upstream.SimConfig{FailFirst: 1})
	up := upstream.NewSimConn("sim://three", upstream.SimConfig{})
	m := newTestManager(cfg, &recorder{}, down1, down2, up)

	outcome, err := runWithTimeout(t, m)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeSuccess, outcome)

	assert.Equal(t, 1, down1.Calls())
	assert.Equal(t, 1, down2.Calls())
	assert.Equal(t, 1, up.Calls())

	s := m.Stats()
	assert.EqualValues(t, 1, s.CompletedCount)
	assert.Zero(t, s.FailedCount)
}

func TestRun_FailFast(t *testing.T) {
	cfg := testConfig("a", "b", "c", "d", "e", "f")
	cfg.Job.FailOnError = true
	cfg.Job.QueueCapacity = 1

	rec := &recorder{run: func(ctx context.Context, ids []types.WorkID, conn connpool.Conn) error {
		if ids[0] == "c" {
			return task.ErrApplication
		}
		if ids[0] > "c" {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
			}
		}
		return nil
	}}
	m := newTestManager(cfg, rec)

	outcome, err := runWithTimeout(t, m)
	assert.Equal(t, types.OutcomeFailed, outcome)
	assert.ErrorIs(t, err, task.ErrApplication)
	assert.Equal(t, types.StateFailed, m.State())

	assert.False(t, rec.seen("e"), "no unit may start after the fatal one is observed")
	assert.False(t, rec.seen("f"))
	assert.GreaterOrEqual(t, m.Stats().FailedCount, int64(1))
}

func TestRun_FailFastWithFastUnits(t *testing.T) {
	ids := make([]string, 200)
	for i := range ids {
		ids[i] = fmt.Sprintf("id%03d", i)
	}
	cfg := testConfig(ids...)
	cfg.Job.FailOnError = true
	cfg.Job.QueueCapacity = 50

	rec := &recorder{run: func(ctx context.Context, ids []types.WorkID, conn connpool.Conn) error {
		if ids[0] == "id001" {
			return task.ErrApplication
		}
		return nil
	}}
	m := newTestManager(cfg, rec)

	outcome, err := runWithTimeout(t, m)
	assert.Equal(t, types.OutcomeFailed, outcome)
	assert.ErrorIs(t, err, task.ErrApplication)

	// one worker runs units in submission order: probe, then the fatal unit, then nothing
	assert.Equal(t, [][]types.WorkID{{"id000"}, {"id001"}}, rec.batches())
}

func TestRun_UnitFailureWithoutFailFast(t *testing.T) {
	cfg := testConfig("a", "b", "c")
	rec := &recorder{run: func(ctx context.Context, ids []types.WorkID, conn connpool.Conn) error {
		if ids[0] == "b" {
			return task.ErrApplication
		}
		return nil
	}}
	m := newTestManager(cfg, rec)

	outcome, err := runWithTimeout(t, m)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeSuccess, outcome)

	s := m.Stats()
	assert.EqualValues(t, 3, s.CompletedCount)
	assert.EqualValues(t, 1, s.FailedCount)
	assert.Equal(t, []string{"b"}, s.FailedIDs)
}

func TestRun_CountMismatchIsLenient(t *testing.T) {
	tests := []struct {
		name     string
		declared int
	}{
		{"declared more", 5},
		{"declared fewer", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Job.BatchSize = 2
			rec := &recorder{}
			m := newTestManager(cfg, rec)
			m.opts.Loaders.Register(loader.TypeStatic, func(loader.Spec) (loader.Loader, error) {
				return loader.NewStatic([]string{"a", "b", "c"}, "").WithExpected(tt.declared), nil
			})

			outcome, err := runWithTimeout(t, m)
			require.NoError(t, err)
			assert.Equal(t, types.OutcomeSuccess, outcome)

			s := m.Stats()
			assert.EqualValues(t, 3, s.ExpectedCount)
			assert.EqualValues(t, 3, s.CompletedCount)
			assert.Len(t, rec.batches(), 2)
		})
	}
}

func TestRun_NoConnectionsIsFatal(t *testing.T) {
	m := newTestManager(testConfig("a", "b"), &recorder{})
	m.opts.Conns = []connpool.Conn{}

	outcome, err := runWithTimeout(t, m)
	assert.Equal(t, types.OutcomeFailed, outcome)
	assert.ErrorIs(t, err, connpool.ErrNoConnections)
}

func TestRun_LoaderFailureIsFatal(t *testing.T) {
	cfg := testConfig()
	cfg.Loader.Type = loader.TypeFile
	cfg.Loader.File = filepath.Join(t.TempDir(), "missing.txt")
	rec := &recorder{}
	m := newTestManager(cfg, rec)

	outcome, err := runWithTimeout(t, m)
	assert.Equal(t, types.OutcomeFailed, outcome)
	assert.Error(t, err)
	assert.Empty(t, rec.batches())
}

func TestRun_UnknownTask(t *testing.T) {
	cfg := testConfig("a")
	cfg.Task.Process = "no-such-task"
	m := newTestManager(cfg, &recorder{})

	outcome, err := runWithTimeout(t, m)
	assert.Equal(t, types.OutcomeFailed, outcome)
	var unknown *task.UnknownTaskError
	assert.ErrorAs(t, err, &unknown)
}

func TestRun_SpillQueue(t *testing.T) {
	ids := make([]string, 50)
	for i := range ids {
		ids[i] = filepath.Join("/docs", string(rune('a'+i%26)), string(rune('A'+i/26)))
	}
	cfg := testConfig(ids...)
	cfg.Job.ThreadCount = 4
	cfg.Job.BatchSize = 3
	cfg.Queue.MaxInMemory = 5
	cfg.Queue.TempDir = t.TempDir()
	rec := &recorder{}
	m := newTestManager(cfg, rec)

	outcome, err := runWithTimeout(t, m)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeSuccess, outcome)
	assert.EqualValues(t, 50, m.Stats().CompletedCount)

	got := map[types.WorkID]int{}
	for _, b := range rec.batches() {
		for _, id := range b {
			got[id]++
		}
	}
	assert.Len(t, got, 50)
	for id, n := range got {
		assert.Equal(t, 1, n, "identifier %s processed more than once", id)
	}

	entries, err := os.ReadDir(cfg.Queue.TempDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "spill file must be removed")
}

func TestRun_UnderDeclaredCountMovesToSpillQueue(t *testing.T) {
	ids := make([]string, 20)
	for i := range ids {
		ids[i] = fmt.Sprintf("/docs/%02d.xml", i)
	}
	cfg := testConfig()
	cfg.Job.BatchSize = 4
	cfg.Queue.MaxInMemory = 5
	cfg.Queue.TempDir = t.TempDir()
	rec := &recorder{}
	reg := prometheus.NewRegistry()
	m := newTestManager(cfg, rec)
	m.opts.Metrics = metrics.NewCollector(reg)
	m.opts.Loaders.Register(loader.TypeStatic, func(loader.Spec) (loader.Loader, error) {
		return loader.NewStatic(ids, "").WithExpected(1), nil
	})

	outcome, err := runWithTimeout(t, m)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeSuccess, outcome)
	assert.EqualValues(t, 20, m.Stats().CompletedCount)
	for _, id := range ids {
		assert.True(t, rec.seen(types.WorkID(id)), "identifier %s not processed", id)
	}

	families, err := reg.Gather()
	require.NoError(t, err)
	var spilled float64
	for _, mf := range families {
		if strings.HasSuffix(mf.GetName(), "ids_spilled_total") {
			spilled = mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	assert.Positive(t, spilled, "identifiers past the memory limit must go to disk")

	entries, err := os.ReadDir(cfg.Queue.TempDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "spill file must be removed")
}

func TestRun_PreAndPostBatchExport(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig("/a", "/b", "/c")
	cfg.Job.BatchSize = 2
	cfg.Task.Process = task.NameExportBatchFile
	cfg.Task.ProcessModule = "/export.xqy"
	cfg.Task.PreBatch = task.NamePreBatchFile
	cfg.Task.PostBatch = task.NamePostBatchFile
	cfg.Task.ExportDir = dir
	cfg.Properties = map[string]string{
		task.ExportFileNameKey: "out.txt",
		task.TopContentKey:     "begin",
		task.BottomContentKey:  "end",
	}
	m := newTestManager(cfg, &recorder{})

	outcome, err := runWithTimeout(t, m)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeSuccess, outcome)

	data, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "begin\n/a\n/b\n/c\nend\n", string(data))
}

func TestRun_PostBatchSkippedOnNoWork(t *testing.T) {
	cfg := testConfig()
	cfg.Task.PostBatchModule = "/post.xqy"
	conn := upstream.NewSimConn("sim://test", upstream.SimConfig{})
	m := newTestManager(cfg, &recorder{}, conn)

	outcome, err := runWithTimeout(t, m)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeNoWork, outcome)
	assert.Zero(t, conn.Calls())
}

func TestRun_WritesStatsFile(t *testing.T) {
	cfg := testConfig("a", "b")
	cfg.Job.StatsFile = filepath.Join(t.TempDir(), "stats.yaml")
	m := newTestManager(cfg, &recorder{})

	_, err := runWithTimeout(t, m)
	require.NoError(t, err)

	doc, err := snapshot.NewManager(cfg.Job.StatsFile).Load()
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeSuccess, doc.Outcome)
	assert.Equal(t, m.jobID, doc.Stats.JobID)
	assert.EqualValues(t, 2, doc.Stats.CompletedCount)
	assert.Equal(t, types.StateDone, doc.Stats.State)
}

func TestRun_Twice(t *testing.T) {
	m := newTestManager(testConfig("a"), &recorder{})
	_, err := runWithTimeout(t, m)
	require.NoError(t, err)

	outcome, err := m.Run(context.Background())
	assert.Equal(t, types.OutcomeFailed, outcome)
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

// ============================================================================
// Control commands
// ============================================================================

// blockingRecorder holds every unit until release is closed
func blockingRecorder() (*recorder, chan struct{}, chan struct{}) {
	started := make(chan struct{}, 100)
	release := make(chan struct{})
	rec := &recorder{run: func(ctx context.Context, ids []types.WorkID, conn connpool.Conn) error {
		started <- struct{}{}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}}
	return rec, started, release
}

func TestStop(t *testing.T) {
	rec, started, _ := blockingRecorder()
	m := newTestManager(testConfig("a", "b", "c"), rec)

	type result struct {
		outcome types.Outcome
		err     error
	}
	done := make(chan result, 1)
	go func() {
		o, err := runWithTimeout(t, m)
		done <- result{o, err}
	}()

	<-started
	m.Stop()

	select {
	case r := <-done:
		assert.NoError(t, r.err)
		assert.Equal(t, types.OutcomeStopped, r.outcome)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	assert.Equal(t, types.StateFailed, m.State())
}

func TestStopBeforeRun(t *testing.T) {
	rec := &recorder{}
	m := newTestManager(testConfig("a"), rec)
	m.Stop()

	outcome, err := runWithTimeout(t, m)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeStopped, outcome)
	assert.Empty(t, rec.batches())
}

func TestPauseResumeAndThreads(t *testing.T) {
	rec, started, release := blockingRecorder()
	cfg := testConfig("a", "b", "c", "d")
	m := newTestManager(cfg, rec)

	assert.ErrorIs(t, m.Pause(), ErrNotRunning)
	assert.ErrorIs(t, m.SetThreadCount(2), ErrNotRunning)

	done := make(chan types.Outcome, 1)
	go func() {
		o, _ := runWithTimeout(t, m)
		done <- o
	}()

	<-started
	require.NoError(t, m.Pause())
	assert.True(t, m.Stats().Paused)

	require.NoError(t, m.SetThreadCount(3))
	assert.Equal(t, 3, m.Stats().ThreadCount)
	assert.Error(t, m.SetThreadCount(0))

	require.NoError(t, m.Resume())
	assert.False(t, m.Stats().Paused)
	close(release)

	select {
	case o := <-done:
		assert.Equal(t, types.OutcomeSuccess, o)
	case <-time.After(5 * time.Second):
		t.Fatal("job did not finish")
	}
	assert.ErrorIs(t, m.Resume(), ErrNotRunning)
}

// ============================================================================
// Cleanup
// ============================================================================

func TestClosersRunInReverseAndAggregate(t *testing.T) {
	var order []string
	var c closers
	c.push("first", func() error { order = append(order, "first"); return nil })
	c.push("second", func() error { order = append(order, "second"); return errors.New("boom") })
	c.push("third", func() error { order = append(order, "third"); return errors.New("bang") })

	err := c.close()
	require.Error(t, err)
	assert.Equal(t, []string{"third", "second", "first"}, order)
	assert.Contains(t, err.Error(), "close third: bang")
	assert.Contains(t, err.Error(), "close second: boom")
}
