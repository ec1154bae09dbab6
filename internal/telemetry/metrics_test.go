package telemetry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"worknode/internal/telemetry"
)

func TestConfirmationIssuedSharesOneCounter(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	ctx := context.Background()

	telemetry.ConfirmationIssued(ctx, "status_change")
	telemetry.ConfirmationIssued(ctx, "status_change")
	telemetry.ConfirmationIssued(ctx, "relation")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	var (
		instruments int
		total       int64
	)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "worknode.confirmations.issued" {
				continue
			}
			instruments++
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	assert.Equal(t, 1, instruments)
	assert.EqualValues(t, 3, total)
}
