package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/procurement-enricher/internal/enrich"
	"github.com/JakeFAU/procurement-enricher/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms follow the operation lifecycle.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []progress.Event{
		{Type: progress.TypeSessionStart, OperationID: "a", Kind: enrich.KindCategorize, TS: now},
		{Type: progress.TypeSessionStart, OperationID: "b", Kind: enrich.KindScrape, TS: now},
		{Type: progress.TypeScraperStatus, OperationID: "b", Kind: enrich.KindScrape, TS: now},
		{
			Type:        progress.TypeSessionComplete,
			OperationID: "a",
			Kind:        enrich.KindCategorize,
			TS:          now.Add(15 * time.Second),
			Duration:    15 * time.Second,
		},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.opsStarted.WithLabelValues("categorize")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.opsFinished.WithLabelValues("categorize", "success")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.opsFinished.WithLabelValues("categorize", "error")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.opsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.narrations.WithLabelValues("scrape")))
	require.Equal(t, 1, testutil.CollectAndCount(sink.opRuntime, "enricher_operation_runtime_seconds"))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{Type: progress.TypeSessionError, OperationID: "b", Kind: enrich.KindScrape, TS: now, Error: "boom"},
		{Type: progress.TypeSessionError, OperationID: "b", Kind: enrich.KindScrape, TS: now, Error: "boom"},
	}))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.opsRunning))
}

// TestPrometheusSinkDuplicateRegistration surfaces registry conflicts.
func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
