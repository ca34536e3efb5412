package ingest

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/availo/pkg/aggregate"
	"github.com/nicktill/availo/pkg/decoder"
	"github.com/nicktill/availo/pkg/history"
	"github.com/nicktill/availo/pkg/httpx"
	"github.com/nicktill/availo/pkg/registry"
	"github.com/nicktill/availo/pkg/status"
	"github.com/nicktill/availo/pkg/storage"
	"github.com/nicktill/availo/pkg/ttn"
)

// ErrAggregationSkipped is recorded when too little of the request deadline
// remains to update the daily aggregate.
var ErrAggregationSkipped = errors.New("aggregation skipped: deadline budget exhausted")

// Outcome describes what Process did with an event.
type Outcome string

const (
	OutcomeJoined        Outcome = "joined"
	OutcomeStored        Outcome = "stored"
	OutcomeDuplicate     Outcome = "duplicate"
	OutcomeUnknownDevice Outcome = "unknown_device"
	OutcomeIgnored       Outcome = "ignored"
	OutcomeRejected      Outcome = "rejected"
	OutcomeFailed        Outcome = "failed"
)

// Result is the outcome of processing one envelope. Status is the HTTP
// status a webhook caller should see; other transports use it to decide
// whether to retry.
type Result struct {
	Status   int
	Kind     ttn.Kind
	DeviceID string
	Outcome  Outcome
	Err      error
	// Record is the snapshot written for an uplink, nil otherwise.
	Record *storage.StatusRecord
}

// Retryable reports whether the sender should redeliver the event.
func (r Result) Retryable() bool {
	return r.Status >= http.StatusInternalServerError
}

// JobRecorder is told how each aggregate update went.
type JobRecorder interface {
	RecordSuccess()
	RecordFailure(err error)
}

type nopRecorder struct{}

func (nopRecorder) RecordSuccess()      {}
func (nopRecorder) RecordFailure(error) {}

// Processor runs the ingestion pipeline for one envelope. It is safe for
// concurrent use and shared by the webhook and MQTT transports.
type Processor struct {
	registry *registry.Registry
	decoder  *decoder.Decoder
	statuses *status.Store
	history  *history.Recorder
	engine   *aggregate.Engine

	logger  *zap.Logger
	monitor JobRecorder
	metrics *Metrics
	budget  time.Duration
	now     func() time.Time
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

// WithAggregationMonitor records aggregate update outcomes in m.
func WithAggregationMonitor(m JobRecorder) Option {
	return func(p *Processor) { p.monitor = m }
}

// WithAggregationBudget skips the aggregate update when less than d remains
// before the request deadline.
func WithAggregationBudget(d time.Duration) Option {
	return func(p *Processor) { p.budget = d }
}

// WithMetrics counts outcomes in m instead of a private, unregistered set.
func WithMetrics(m *Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithClock sets the clock used when an event carries no usable timestamp.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// NewProcessor wires the pipeline stages together.
func NewProcessor(reg *registry.Registry, dec *decoder.Decoder, statuses *status.Store, recorder *history.Recorder, engine *aggregate.Engine, opts ...Option) *Processor {
	p := &Processor{
		registry: reg,
		decoder:  dec,
		statuses: statuses,
		history:  recorder,
		engine:   engine,
		logger:   zap.NewNop(),
		monitor:  nopRecorder{},
		metrics:  NewMetrics(nil),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process validates, classifies and handles env.
func (p *Processor) Process(ctx context.Context, env *ttn.Envelope) Result {
	res := p.process(ctx, env)
	p.metrics.observe(res.Outcome)
	return res
}

// Metrics returns the instruments outcomes are counted in.
func (p *Processor) Metrics() *Metrics {
	return p.metrics
}

func (p *Processor) process(ctx context.Context, env *ttn.Envelope) Result {
	logger := p.logger
	if id := httpx.RequestIDFrom(ctx); id != "" {
		logger = logger.With(zap.String("request_id", id))
	}

	if err := ValidateEnvelope(env); err != nil {
		logger.Warn("rejected envelope", zap.Error(err))
		return Result{Status: http.StatusBadRequest, Kind: ttn.KindUnknown, Outcome: OutcomeRejected, Err: err}
	}

	event := ttn.Classify(env)
	logger = logger.With(
		zap.String("device_id", env.DeviceID()),
		zap.String("event_type", string(event.Kind())))

	switch e := event.(type) {
	case ttn.UplinkEvent:
		return p.uplink(ctx, logger, e)
	case ttn.JoinEvent:
		return p.join(ctx, logger, e)
	case ttn.NormalizedUplinkEvent:
		logger.Info("normalized uplink acknowledged")
		return p.ignored(e)
	case ttn.UnknownEvent:
		logger.Warn("unhandled event type", zap.Strings("keys", e.Keys))
		return p.ignored(e)
	default:
		return p.ignored(e)
	}
}

func (p *Processor) ignored(e ttn.Event) Result {
	return Result{
		Status:   http.StatusNoContent,
		Kind:     e.Kind(),
		DeviceID: e.Device().DeviceID,
		Outcome:  OutcomeIgnored,
	}
}

func (p *Processor) join(ctx context.Context, logger *zap.Logger, e ttn.JoinEvent) Result {
	res := Result{Kind: ttn.KindJoin, DeviceID: e.IDs.DeviceID}

	at, ok := ttn.ParseTime(e.JoinedAt, p.now())
	if !ok {
		logger.Debug("join without usable timestamp, using server time", zap.String("received_at", e.JoinedAt))
	}

	_, err := p.statuses.RecordJoin(ctx, status.Join{
		DeviceID:     e.IDs.DeviceID,
		SessionKeyID: e.SessionKeyID,
		DevAddr:      e.IDs.DevAddr,
		At:           at,
	})
	if err != nil {
		logger.Error("failed to record join", zap.Error(err))
		res.Status, res.Outcome, res.Err = http.StatusInternalServerError, OutcomeFailed, err
		return res
	}
	res.Status, res.Outcome = http.StatusNoContent, OutcomeJoined
	return res
}

func (p *Processor) uplink(ctx context.Context, logger *zap.Logger, e ttn.UplinkEvent) Result {
	id := e.IDs.DeviceID
	res := Result{Kind: ttn.KindUplink, DeviceID: id}

	venue, ok := p.registry.Lookup(id)
	if !ok {
		logger.Warn("uplink from unregistered device", zap.Strings("registered_devices", p.registry.IDs()))
		res.Status, res.Outcome = http.StatusNoContent, OutcomeUnknownDevice
		return res
	}

	at, ok := ttn.ParseTime(e.ReceivedAt, p.now())
	if !ok {
		logger.Warn("uplink without usable timestamp, using server time", zap.String("received_at", e.ReceivedAt))
	}

	reading := p.decoder.Decode(e.FrmPayload, e.Decoded, id)
	u := status.Uplink{Venue: venue, Reading: reading, At: at}
	if gw := e.Gateway; gw != nil {
		u.Signal = gw.RSSI
		u.SNR = gw.SNR
		if gw.GatewayIDs.GatewayID != "" {
			gateway := gw.GatewayIDs.GatewayID
			u.GatewayID = &gateway
		}
	}
	rec := status.Build(u)
	res.Record = &rec

	// The three writes are independent; attempt all of them so one failing
	// store does not leave the others stale.
	var errs []error
	if err := p.statuses.Upsert(ctx, rec); err != nil {
		errs = append(errs, err)
	}
	if err := p.statuses.TouchDevice(ctx, rec, venue); err != nil {
		errs = append(errs, err)
	}
	created, err := p.record(ctx, logger, rec)
	if err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		res.Err = errors.Join(errs...)
		logger.Error("uplink processing failed", zap.Error(res.Err))
		res.Status, res.Outcome = http.StatusInternalServerError, OutcomeFailed
		return res
	}

	res.Status, res.Outcome = http.StatusNoContent, OutcomeStored
	if !created {
		res.Outcome = OutcomeDuplicate
	}
	logger.Info("uplink stored",
		zap.Int("occupancy", rec.CurrentOccupancy),
		zap.Int("max_capacity", rec.MaxCapacity),
		zap.Int("wifi_devices", rec.WifiDevices),
		zap.Int("ble_devices", rec.BleDevices),
		zap.Int("f_cnt", e.FCnt),
		zap.String("outcome", string(res.Outcome)))
	return res
}

// record appends the history row for rec and, when the row is new, folds it
// into the day's aggregate. Both happen under the aggregate lock, so a
// rebuild of that day sees the row and its live update together or not at
// all. Aggregate failures are logged and recorded but never fail the
// request; reconcile repairs the aggregate later.
func (p *Processor) record(ctx context.Context, logger *zap.Logger, rec storage.StatusRecord) (bool, error) {
	if deadline, ok := ctx.Deadline(); ok && p.budget > 0 && time.Until(deadline) < p.budget {
		_, created, err := p.history.Append(ctx, rec)
		if err == nil && created {
			logger.Warn("skipping aggregate update", zap.Duration("remaining", time.Until(deadline)), zap.Duration("budget", p.budget))
			p.monitor.RecordFailure(ErrAggregationSkipped)
		}
		return created, err
	}

	date := history.CalendarOf(rec.LastUpdated, p.history.Location()).Date
	unlock, lockErr := p.engine.Lock(ctx, date, rec.DeviceID)
	if lockErr == nil {
		defer unlock()
	}

	h, created, err := p.history.Append(ctx, rec)
	if err != nil || !created {
		return created, err
	}
	if lockErr != nil {
		// The row is in the log without its live update; a rebuild counts it.
		logger.Error("aggregate update failed", zap.String("date", date), zap.Error(lockErr))
		p.monitor.RecordFailure(lockErr)
		return true, nil
	}

	if _, err := p.engine.UpdateLocked(ctx, aggregate.FromHistory(h)); err != nil {
		logger.Error("aggregate update failed", zap.String("date", h.Date), zap.Error(err))
		p.monitor.RecordFailure(err)
		return true, nil
	}
	p.monitor.RecordSuccess()
	return true, nil
}
