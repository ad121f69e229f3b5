package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeline_Counters(t *testing.T) {
	p := New("octopus_test")

	p.ObserveRun("telegram", "success", time.Second)
	p.ObserveSave("telegram", 5, 3, 2)
	p.ObserveExtraction(3, 4)

	assert.Equal(t, 1.0, testutil.ToFloat64(p.collectorRuns.WithLabelValues("telegram", "success")))
	assert.Equal(t, 3.0, testutil.ToFloat64(p.messagesSaved.WithLabelValues("telegram")))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.messagesDuplicate.WithLabelValues("telegram")))
	assert.Equal(t, 4.0, testutil.ToFloat64(p.extractedMentions))
}

func TestPipeline_NilIsNoop(t *testing.T) {
	var p *Pipeline
	assert.NotPanics(t, func() {
		p.ObserveRun("reddit", "failure", time.Millisecond)
		p.ObserveChain("completed")
		p.ObserveStage("collect", time.Millisecond)
	})
}

func TestPipeline_Handler(t *testing.T) {
	p := New("octopus_test")
	p.ObserveChain("completed")

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `octopus_test_task_chains_total{state="completed"} 1`)
}
