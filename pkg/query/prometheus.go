package query

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/nicktill/availo/pkg/config"
	"github.com/nicktill/availo/pkg/history"
	"github.com/nicktill/availo/pkg/registry"
	"github.com/nicktill/availo/pkg/storage"
)

var loungeLabels = []string{"device_id", "venue_name"}

// Collector exports current occupancy to Prometheus. Every scrape reads the
// store, so values are never older than the latest uplink.
type Collector struct {
	store    storage.Storage
	registry *registry.Registry
	logger   *zap.Logger

	occupancy *prometheus.Desc
	rate      *prometheus.Desc
	capacity  *prometheus.Desc
	wifi      *prometheus.Desc
	ble       *prometheus.Desc
	battery   *prometheus.Desc
	signal    *prometheus.Desc
	updated   *prometheus.Desc
	messages  *prometheus.Desc
	records   *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a Collector over store for the devices in reg.
func NewCollector(store storage.Storage, reg *registry.Registry, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		store:    store,
		registry: reg,
		logger:   logger,

		occupancy: prometheus.NewDesc("availo_occupancy", "Estimated people in the venue.", loungeLabels, nil),
		rate:      prometheus.NewDesc("availo_occupancy_rate", "Occupancy divided by venue capacity.", loungeLabels, nil),
		capacity:  prometheus.NewDesc("availo_max_capacity", "Venue capacity.", loungeLabels, nil),
		wifi:      prometheus.NewDesc("availo_wifi_devices", "WiFi devices seen by the sensor.", loungeLabels, nil),
		ble:       prometheus.NewDesc("availo_ble_devices", "BLE devices seen by the sensor.", loungeLabels, nil),
		battery:   prometheus.NewDesc("availo_battery_level_percent", "Sensor battery level.", loungeLabels, nil),
		signal:    prometheus.NewDesc("availo_signal_strength_dbm", "RSSI at the primary gateway.", loungeLabels, nil),
		updated:   prometheus.NewDesc("availo_last_update_timestamp_seconds", "Time of the latest reading.", loungeLabels, nil),
		messages:  prometheus.NewDesc("availo_device_messages_total", "Uplinks received per device.", []string{"device_id"}, nil),
		records:   prometheus.NewDesc("availo_storage_records", "Documents per collection.", []string{"collection"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.occupancy, c.rate, c.capacity, c.wifi, c.ble,
		c.battery, c.signal, c.updated, c.messages, c.records,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), config.QueryTimeout)
	defer cancel()

	lounges, err := c.store.ListStatus(ctx)
	if err != nil {
		c.logger.Error("list lounges for metrics", zap.Error(err))
		ch <- prometheus.NewInvalidMetric(c.occupancy, err)
	}
	for _, rec := range lounges {
		gauge := func(d *prometheus.Desc, v float64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, rec.DeviceID, rec.VenueName)
		}
		gauge(c.occupancy, float64(rec.CurrentOccupancy))
		gauge(c.rate, history.OccupancyRate(rec.CurrentOccupancy, rec.MaxCapacity))
		gauge(c.capacity, float64(rec.MaxCapacity))
		gauge(c.wifi, float64(rec.WifiDevices))
		gauge(c.ble, float64(rec.BleDevices))
		if rec.BatteryLevel != nil {
			gauge(c.battery, float64(*rec.BatteryLevel))
		}
		if rec.SignalStrength != nil {
			gauge(c.signal, *rec.SignalStrength)
		}
		gauge(c.updated, float64(rec.LastUpdated.Unix()))
	}

	for _, id := range c.registry.IDs() {
		dev, err := c.store.GetDevice(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			c.logger.Warn("skipping device in metrics", zap.String("device_id", id), zap.Error(err))
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.messages, prometheus.CounterValue, float64(dev.TotalMessages), id)
	}

	stats, err := c.store.Stats(ctx)
	if err != nil {
		c.logger.Warn("skipping storage stats in metrics", zap.Error(err))
		return
	}
	for _, s := range []struct {
		collection string
		n          uint64
	}{
		{storage.CollectionStatus, stats.StatusRecords},
		{storage.CollectionDevices, stats.Devices},
		{storage.CollectionHistory, stats.HistoryRecords},
		{storage.CollectionDaily, stats.DailyAggregates},
	} {
		ch <- prometheus.MustNewConstMetric(c.records, prometheus.GaugeValue, float64(s.n), s.collection)
	}
}
