package tracker

import (
	"net/url"
	"sync"
	"time"

	"geotracker/internal/config"
	"geotracker/internal/hub"
	"geotracker/internal/live"
	"geotracker/internal/metrics"
	"geotracker/internal/models"
	"geotracker/internal/parser"

	"github.com/roylee0704/gron"
	"github.com/rs/zerolog"
)

// Store is the slice of the history database the dispatcher needs.
type Store interface {
	Append(p *models.Position) error
	Prune(deviceID string, retention time.Duration, now time.Time) (int64, error)
	LatestPerDevice(window time.Duration, now time.Time) ([]models.Position, error)
}

// Service reconciles inbound reports: it decodes them, advances the live
// roster, persists history in the background, and fans updates out to
// subscribers. The accept/reject decision never waits on durable storage or
// on subscribers.
type Service struct {
	store     Store
	live      *live.Table
	hub       *hub.Hub
	metrics   metrics.Recorder
	logger    zerolog.Logger
	retention config.RetentionConfig

	cron    *gron.Cron
	sweepMu sync.Mutex
	writes  sync.WaitGroup
}

func NewService(store Store, table *live.Table, h *hub.Hub, rec metrics.Recorder, logger zerolog.Logger, retention config.RetentionConfig) *Service {
	return &Service{
		store:     store,
		live:      table,
		hub:       h,
		metrics:   rec,
		logger:    logger,
		retention: retention,
	}
}

// HandleReport processes one inbound report. On acceptance the live table is
// already updated and subscribers notified when this returns; the history
// append and prune run detached. A decode failure is the only way to get an
// error back.
func (s *Service) HandleReport(fields url.Values) (*models.Position, error) {
	now := time.Now()

	p, err := parser.Decode(fields, now)
	if err != nil {
		s.metrics.IncReports("rejected")
		s.logger.Warn().Err(err).Msg("report rejected")
		return nil, err
	}
	p.ReceivedAt = now

	s.live.Upsert(p)
	s.metrics.IncReports("accepted")
	s.metrics.SetLiveDevices(s.live.Len())

	// Append assigns the row id to the record it stores. The detached write
	// gets its own copy so the record shared with the roster and subscribers
	// is never written again after this point.
	stored := *p
	s.writes.Add(1)
	go s.persist(&stored, now)

	s.hub.Publish(models.Event{Type: models.EventUpdated, DeviceID: p.DeviceID, Position: p})
	s.metrics.IncEventsPublished()

	s.logger.Debug().
		Str("device", p.DeviceID).
		Float64("lat", p.Latitude).
		Float64("lon", p.Longitude).
		Msg("report accepted")

	return p, nil
}

// persist appends the position and prunes the device's expired history.
// Failures degrade durability, not availability: they are logged and counted,
// never surfaced to the device.
func (s *Service) persist(p *models.Position, now time.Time) {
	defer s.writes.Done()

	if err := s.store.Append(p); err != nil {
		s.metrics.IncStoreFailures()
		s.logger.Error().Err(err).Str("device", p.DeviceID).Msg("history append failed")
		return
	}

	if _, err := s.store.Prune(p.DeviceID, s.retention.Window, now); err != nil {
		s.metrics.IncStoreFailures()
		s.logger.Error().Err(err).Str("device", p.DeviceID).Msg("history prune failed")
	}
}

// Flush blocks until all in-flight background writes have finished. Called
// on shutdown and by tests.
func (s *Service) Flush() {
	s.writes.Wait()
}

// Rebuild seeds the live roster from the durable latest-per-device view.
// Run at startup so current-state reads survive a restart.
func (s *Service) Rebuild() (int, error) {
	positions, err := s.store.LatestPerDevice(s.retention.Window, time.Now())
	if err != nil {
		return 0, err
	}
	for i := range positions {
		s.live.Upsert(&positions[i])
	}
	s.metrics.SetLiveDevices(s.live.Len())
	return len(positions), nil
}

// StartSweeper schedules the periodic eviction sweep.
func (s *Service) StartSweeper() {
	s.cron = gron.New()
	s.cron.AddFunc(gron.Every(s.retention.Sweep), s.Sweep)
	s.cron.Start()
}

// StopSweeper halts the schedule; a sweep already running completes.
func (s *Service) StopSweeper() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

// Sweep evicts devices whose last report predates the removal threshold and
// emits one Removed event per eviction.
func (s *Service) Sweep() {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	now := time.Now()
	removed := s.live.SweepInactive(now.Add(-s.retention.Removal))
	for _, id := range removed {
		s.hub.Publish(models.Event{Type: models.EventRemoved, DeviceID: id})
		s.metrics.IncEventsPublished()
		s.logger.Info().Str("device", id).Msg("device removed due to inactivity")
	}
	if len(removed) > 0 {
		s.metrics.IncEvictions(len(removed))
		s.metrics.SetLiveDevices(s.live.Len())
	}
}

// ListCurrent returns every device with history inside the retention window,
// each annotated with its inactivity flag. Reads the durable store, not the
// roster, so the view is authoritative across restarts.
func (s *Service) ListCurrent(now time.Time) ([]models.LiveDevice, error) {
	positions, err := s.store.LatestPerDevice(s.retention.Window, now)
	if err != nil {
		return nil, err
	}
	devices := make([]models.LiveDevice, 0, len(positions))
	for i := range positions {
		devices = append(devices, models.Classify(&positions[i], now, s.retention.Inactivity))
	}
	return devices, nil
}

// GetDevice returns a device's current roster state, nil if unknown.
func (s *Service) GetDevice(deviceID string) *models.Position {
	return s.live.Get(deviceID)
}

// Snapshot returns the roster view used to bootstrap new subscribers.
func (s *Service) Snapshot(now time.Time) []models.LiveDevice {
	return s.live.Snapshot(now, s.retention.Inactivity)
}

// Subscribe registers a live-stream viewer.
func (s *Service) Subscribe() *hub.Subscription {
	sub := s.hub.Subscribe()
	s.metrics.SetSubscribers(s.hub.Len())
	return sub
}

// Unsubscribe drops a viewer and closes its feed.
func (s *Service) Unsubscribe(sub *hub.Subscription) {
	s.hub.Unsubscribe(sub)
	s.metrics.SetSubscribers(s.hub.Len())
}
