package query

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nicktill/availo/pkg/registry"
	"github.com/nicktill/availo/pkg/storage"
	"github.com/nicktill/availo/pkg/storage/memory"
)

func TestCollector(t *testing.T) {
	store := memory.New()
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	rec := statusAt(device, 5, now)
	rec.VenueName = `Strathmore "Study" Area`
	require.NoError(t, store.PutStatus(ctx, rec))
	online := storage.DeviceOnline
	_, err := store.MergeDevice(ctx, device, storage.DevicePatch{Status: &online, IncrementMessages: 12})
	require.NoError(t, err)

	c := NewCollector(store, registry.Default(), zap.NewNop())

	expected := `
# HELP availo_occupancy Estimated people in the venue.
# TYPE availo_occupancy gauge
availo_occupancy{device_id="strathmore-sensor1",venue_name="Strathmore \"Study\" Area"} 5
# HELP availo_occupancy_rate Occupancy divided by venue capacity.
# TYPE availo_occupancy_rate gauge
availo_occupancy_rate{device_id="strathmore-sensor1",venue_name="Strathmore \"Study\" Area"} 0.25
# HELP availo_signal_strength_dbm RSSI at the primary gateway.
# TYPE availo_signal_strength_dbm gauge
availo_signal_strength_dbm{device_id="strathmore-sensor1",venue_name="Strathmore \"Study\" Area"} -90
# HELP availo_device_messages_total Uplinks received per device.
# TYPE availo_device_messages_total counter
availo_device_messages_total{device_id="strathmore-sensor1"} 12
# HELP availo_storage_records Documents per collection.
# TYPE availo_storage_records gauge
availo_storage_records{collection="daily_analytics"} 0
availo_storage_records{collection="devices"} 1
availo_storage_records{collection="lounge_status"} 1
availo_storage_records{collection="occupancy_history"} 0
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"availo_occupancy",
		"availo_occupancy_rate",
		"availo_signal_strength_dbm",
		"availo_device_messages_total",
		"availo_storage_records",
	))
	assert.Zero(t, testutil.CollectAndCount(c, "availo_battery_level_percent"), "no battery reported")
	assert.Equal(t, 1, testutil.CollectAndCount(c, "availo_last_update_timestamp_seconds"))
}

type failingLounges struct{ storage.Storage }

func (failingLounges) ListStatus(context.Context) ([]storage.StatusRecord, error) {
	return nil, errors.New("status store unavailable")
}

func TestCollector_StoreFailureIsReported(t *testing.T) {
	store := memory.New()
	t.Cleanup(func() { store.Close() })

	c := NewCollector(failingLounges{store}, registry.Default(), zap.NewNop())
	err := testutil.CollectAndCompare(c, strings.NewReader(""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status store unavailable")
}
