// Command simulator posts synthetic TTN uplinks for the registered sensors
// to an Availo webhook, for local testing without LoRaWAN hardware.
package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"

	"github.com/nicktill/availo/pkg/logger"
	"github.com/nicktill/availo/pkg/registry"
	"github.com/nicktill/availo/pkg/ttn"
)

const version = "1.0.0"

// simConfig is read from the environment.
type simConfig struct {
	Endpoint      string        `env:"AVAILO_SIM_ENDPOINT" envDefault:"http://localhost:8080/v1/ttn/webhook"`
	APIKey        string        `env:"AVAILO_SIM_API_KEY"`
	Interval      time.Duration `env:"AVAILO_SIM_INTERVAL" envDefault:"30s"`
	Mode          string        `env:"AVAILO_SIM_MODE" envDefault:"mixed"`
	Devices       []string      `env:"AVAILO_SIM_DEVICES" envSeparator:","`
	ApplicationID string        `env:"AVAILO_SIM_APPLICATION_ID" envDefault:"availo-sim"`
	Seed          int64         `env:"AVAILO_SIM_SEED"`
	DevicesFile   string        `env:"AVAILO_DEVICES_FILE"`
	LogLevel      string        `env:"AVAILO_LOG_LEVEL" envDefault:"info"`
	LogFormat     string        `env:"AVAILO_LOG_FORMAT" envDefault:"console"`
}

func (c simConfig) validate() error {
	if c.Endpoint == "" {
		return errors.New("AVAILO_SIM_ENDPOINT is required")
	}
	if c.Interval <= 0 {
		return errors.New("AVAILO_SIM_INTERVAL must be positive")
	}
	if !ValidMode(c.Mode) {
		return fmt.Errorf("unknown AVAILO_SIM_MODE %q", c.Mode)
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "simulator: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg simConfig
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat, "availo-simulator")
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer log.Sync()

	reg := registry.Default()
	if cfg.DevicesFile != "" {
		if reg, err = registry.LoadFile(cfg.DevicesFile); err != nil {
			return err
		}
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	sensors, err := buildSensors(reg, cfg, rand.New(rand.NewSource(seed)))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sim := &simulator{
		sender:   NewWebhookSender(cfg.Endpoint, cfg.APIKey),
		sensors:  sensors,
		interval: cfg.Interval,
		logger:   log,
		now:      time.Now,
	}
	log.Info("simulator started",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("mode", cfg.Mode),
		zap.Int("sensors", len(sensors)),
		zap.Duration("interval", cfg.Interval))
	sim.Run(ctx)
	log.Info("simulator stopped")
	return nil
}

// buildSensors creates a sensor per configured device, or per registered
// device when none are configured. Unregistered ids are allowed; the
// pipeline acknowledges and drops them.
func buildSensors(reg *registry.Registry, cfg simConfig, rng *rand.Rand) ([]*sensor, error) {
	ids := cfg.Devices
	if len(ids) == 0 {
		ids = reg.IDs()
	}
	if len(ids) == 0 {
		return nil, errors.New("no devices to simulate")
	}
	sensors := make([]*sensor, 0, len(ids))
	for _, id := range ids {
		sensors = append(sensors, newSensor(id, cfg.ApplicationID, reg.Capacity(id), cfg.Mode, rng))
	}
	return sensors, nil
}

// simulator drives every sensor on a shared ticker.
type simulator struct {
	sender   Sender
	sensors  []*sensor
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// Run joins every sensor, then sends one uplink per sensor each interval
// until ctx is done.
func (s *simulator) Run(ctx context.Context) {
	for _, sn := range s.sensors {
		s.deliver(ctx, sn.deviceID, "join", sn.Join(s.now()))
	}
	s.Tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick sends one uplink per sensor concurrently and waits for all of them.
func (s *simulator) Tick(ctx context.Context) {
	now := s.now()
	// Sensors share one rng, so envelopes are built before fanning out.
	msgs := make([]*ttn.Envelope, len(s.sensors))
	for i, sn := range s.sensors {
		msg, err := sn.Uplink(now)
		if err != nil {
			s.logger.Error("build uplink failed", zap.String("device_id", sn.deviceID), zap.Error(err))
			continue
		}
		msgs[i] = msg
	}

	var wg sync.WaitGroup
	for i, msg := range msgs {
		if msg == nil {
			continue
		}
		wg.Add(1)
		go func(deviceID string, msg *ttn.Envelope) {
			defer wg.Done()
			s.deliver(ctx, deviceID, "uplink", msg)
		}(s.sensors[i].deviceID, msg)
	}
	wg.Wait()
}

func (s *simulator) deliver(ctx context.Context, deviceID, kind string, msg *ttn.Envelope) {
	err := s.sender.Send(ctx, msg)
	if err == nil {
		s.logger.Debug("sent", zap.String("device_id", deviceID), zap.String("kind", kind))
		return
	}
	if ctx.Err() != nil {
		return
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) && !statusErr.Retryable() {
		// TTN does not retry 4xx; the envelope itself was refused.
		s.logger.Warn("rejected",
			zap.String("device_id", deviceID),
			zap.String("kind", kind),
			zap.Int("status", statusErr.StatusCode),
			zap.String("body", statusErr.Body))
		return
	}
	s.logger.Error("send failed",
		zap.String("device_id", deviceID),
		zap.String("kind", kind),
		zap.Error(err))
}
