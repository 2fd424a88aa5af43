package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-batch/pkg/types"
)

func TestNewCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewCollector(reg)

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.unitsSubmitted)
	assert.NotNil(t, collector.unitLatency)
	assert.NotNil(t, collector.connErrors)

	// registering twice on the same registry must panic
	assert.Panics(t, func() { NewCollector(reg) })
}

func TestRecordCompletion(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.RecordSubmitted()
	c.RecordSubmitted()
	c.RecordCompletion(types.CompletionRecord{IDs: types.Batch{"a", "b"}, Duration: 10 * time.Millisecond})
	c.RecordCompletion(types.CompletionRecord{IDs: types.Batch{"c"}, Duration: time.Second, Err: errors.New("x")})

	assert.Equal(t, 2.0, testutil.ToFloat64(c.unitsSubmitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.unitsCompleted))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.unitsFailed))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.idsCompleted))
	assert.Equal(t, 1, testutil.CollectAndCount(c.unitLatency))
}

func TestConnectionObserver(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.ConnectionError("http://a")
	c.ConnectionError("http://a")
	c.ConnectionError("http://b")
	c.ConnectionRemoved("http://a")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.connErrors.WithLabelValues("http://a")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.connErrors.WithLabelValues("http://b")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.connRemoved.WithLabelValues("http://a")))
}

func TestGauges(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.SetThroughput(12.5, 20)
	c.UpdatePoolStats(4, 6)
	c.SetExpected(1000)
	c.SetThreads(8)
	c.RecordSpill()

	assert.Equal(t, 12.5, testutil.ToFloat64(c.avgTPS))
	assert.Equal(t, 20.0, testutil.ToFloat64(c.currentTPS))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.unitsActive))
	assert.Equal(t, 6.0, testutil.ToFloat64(c.unitsQueued))
	assert.Equal(t, 1000.0, testutil.ToFloat64(c.idsExpected))
	assert.Equal(t, 8.0, testutil.ToFloat64(c.threads))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.idsSpilled))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordSubmitted()
		c.RecordCompletion(types.CompletionRecord{})
		c.RecordSpill()
		c.ConnectionError("x")
		c.ConnectionRemoved("x")
		c.SetThroughput(1, 1)
		c.UpdatePoolStats(1, 1)
		c.SetExpected(1)
		c.SetThreads(1)
	})
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordSubmitted()

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "batch_units_submitted_total 1")
	assert.Contains(t, string(body), "batch_unit_latency_seconds")
}
