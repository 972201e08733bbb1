package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAlertManagerFiresOnceWithinCooldown(t *testing.T) {
	var fired []TriggeredAlert
	recorder := func(ctx context.Context, a TriggeredAlert) error {
		fired = append(fired, a)
		return nil
	}
	am := NewAlertManager([]AlertThreshold{
		{Name: "error_rate", Threshold: 0.1, Severity: "warning", Cooldown: time.Hour},
	}, recorder)

	got := am.Check(context.Background(), map[string]float64{"error_rate": 0.5})
	require.Len(t, got, 1)
	require.Len(t, fired, 1)

	got = am.Check(context.Background(), map[string]float64{"error_rate": 0.9})
	require.Empty(t, got, "second breach within cooldown must not refire")
	require.Len(t, fired, 1)
}

func TestAlertManagerIgnoresBelowThreshold(t *testing.T) {
	am := NewAlertManager([]AlertThreshold{{Name: "error_rate", Threshold: 0.5, Severity: "critical"}})
	got := am.Check(context.Background(), map[string]float64{"error_rate": 0.1})
	require.Empty(t, got)
}

func TestNewMeterRecordsWithoutError(t *testing.T) {
	m, err := NewMeter(context.Background())
	require.NoError(t, err)
	m.RecordEvent(context.Background(), 12.5)
	m.RecordQueueDepth(context.Background(), 3)
	require.NoError(t, m.Shutdown(context.Background()))
}
