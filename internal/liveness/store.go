// Package liveness tracks the last reported status of every farm device and demotes
// silent devices to offline.
package liveness

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/manumohan/farm-automation/internal/metrics"
	"github.com/manumohan/farm-automation/internal/models"
	"github.com/manumohan/farm-automation/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Persister writes liveness changes back to durable storage.
type Persister interface {
	SaveStatus(ctx context.Context, deviceID string, status models.DeviceStatus, seenAt time.Time) error
	MarkOffline(ctx context.Context, deviceID string, observedLastSeen time.Time) (bool, error)
	AppendStatusHistory(ctx context.Context, deviceID string, status models.DeviceStatus, message string, at time.Time) error
}

// Loader supplies the initial device set.
type Loader interface {
	ListDevices(ctx context.Context) ([]models.DeviceLivenessRecord, error)
}

// Publisher fans status changes out to other services.
type Publisher interface {
	Publish(ctx context.Context, change models.StatusChange) error
}

// Options configures a Store. Every field is optional.
type Options struct {
	// RejectStale drops a status whose seenAt is older than the stored last-seen.
	// Off by default: out-of-order messages overwrite.
	RejectStale bool
	Persister   Persister
	Publisher   Publisher
	Metrics     *metrics.Metrics
}

// Store is the in-memory liveness table.
// The mutex guards only record mutation; persistence and publishing run after it is released.
type Store struct {
	mu      sync.RWMutex
	records map[string]*models.DeviceLivenessRecord
	// pendingOffline holds demotions whose MarkOffline failed, keyed by device id,
	// with the last-seen the demotion was based on. Retried at the next sweep.
	pendingOffline map[string]time.Time

	opts   Options
	logger *zap.Logger

	clock      func() time.Time
	newEventID func() string
}

// NewStore 创建存活表
func NewStore(opts Options, logger *zap.Logger) *Store {
	return &Store{
		records:        make(map[string]*models.DeviceLivenessRecord),
		pendingOffline: make(map[string]time.Time),
		opts:           opts,
		logger:         logger,
		clock:          time.Now,
		newEventID:     uuid.NewString,
	}
}

// Hydrate loads devices from storage. Records already created by telemetry are kept.
func (s *Store) Hydrate(ctx context.Context, loader Loader) (int, error) {
	devices, err := loader.ListDevices(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load devices: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	loaded := 0
	for i := range devices {
		d := devices[i]
		if d.DeviceID == "" {
			continue
		}
		if _, exists := s.records[d.DeviceID]; exists {
			continue
		}
		s.records[d.DeviceID] = cloneRecord(&d)
		loaded++
	}
	return loaded, nil
}

// Update records a status report. The record is created on first sight.
func (s *Store) Update(ctx context.Context, deviceID, farmID string, status models.DeviceStatus, seenAt time.Time) error {
	if deviceID == "" {
		return errors.New("device id is required")
	}

	s.mu.Lock()
	rec, ok := s.records[deviceID]
	if !ok {
		rec = &models.DeviceLivenessRecord{DeviceID: deviceID, Status: models.DeviceStatusUnknown}
		s.records[deviceID] = rec
	}
	if s.opts.RejectStale && rec.LastSeen != nil && seenAt.Before(*rec.LastSeen) {
		s.mu.Unlock()
		return ErrStaleUpdate
	}
	prev := rec.Status
	// the report supersedes any offline write still waiting for retry
	delete(s.pendingOffline, deviceID)
	if farmID != "" {
		rec.FarmID = farmID
	}
	seen := seenAt
	rec.Status = status
	rec.LastSeen = &seen
	farm := rec.FarmID
	s.mu.Unlock()

	var errs []error
	if err := s.persistStatus(ctx, deviceID, status, seenAt); err != nil {
		errs = append(errs, err)
	}
	if prev != status {
		change := s.newChange(deviceID, farm, prev, status, &seen, models.ChangeSourceTelemetry)
		if err := s.recordChange(ctx, change, "reported "+string(status)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Get returns a copy of the device's record.
func (s *Store) Get(deviceID string) (models.DeviceLivenessRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[deviceID]
	if !ok {
		return models.DeviceLivenessRecord{}, fmt.Errorf("device %s: %w", deviceID, ErrNotFound)
	}
	return *cloneRecord(rec), nil
}

// Snapshot returns copies of all records ordered by device id.
func (s *Store) Snapshot() []models.DeviceLivenessRecord {
	s.mu.RLock()
	out := make([]models.DeviceLivenessRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *cloneRecord(rec))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// StatusCounts returns the number of tracked devices per status.
func (s *Store) StatusCounts() map[models.DeviceStatus]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := map[models.DeviceStatus]int{
		models.DeviceStatusOnline:  0,
		models.DeviceStatusOffline: 0,
		models.DeviceStatusError:   0,
		models.DeviceStatusUnknown: 0,
	}
	for _, rec := range s.records {
		counts[rec.Status]++
	}
	return counts
}

type sweepCandidate struct {
	deviceID string
	lastSeen time.Time
}

type demotion struct {
	deviceID string
	farmID   string
	previous models.DeviceStatus
	lastSeen time.Time
}

// SweepOffline marks every device silent for strictly longer than threshold as offline
// and returns the ids that transitioned. Devices that never reported are left alone.
// The returned error joins persistence failures; transitions in memory stand regardless,
// and a failed MarkOffline is retried by the next sweep.
func (s *Store) SweepOffline(ctx context.Context, now time.Time, threshold time.Duration) ([]string, error) {
	errs := s.retryPendingOffline(ctx)

	s.mu.RLock()
	snapshot := make([]sweepCandidate, 0, len(s.records))
	for id, rec := range s.records {
		if rec.LastSeen == nil || rec.Status == models.DeviceStatusOffline {
			continue
		}
		snapshot = append(snapshot, sweepCandidate{deviceID: id, lastSeen: *rec.LastSeen})
	}
	s.mu.RUnlock()

	due := snapshot[:0]
	for _, c := range snapshot {
		if now.Sub(c.lastSeen) > threshold {
			due = append(due, c)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].deviceID < due[j].deviceID })

	demoted := make([]demotion, 0, len(due))
	for _, c := range due {
		s.mu.Lock()
		rec, ok := s.records[c.deviceID]
		// A report may have landed since the snapshot.
		if ok && rec.Status != models.DeviceStatusOffline && rec.LastSeen != nil && rec.LastSeen.Equal(c.lastSeen) {
			demoted = append(demoted, demotion{
				deviceID: c.deviceID,
				farmID:   rec.FarmID,
				previous: rec.Status,
				lastSeen: c.lastSeen,
			})
			rec.Status = models.DeviceStatusOffline
		}
		s.mu.Unlock()
	}

	ids := make([]string, 0, len(demoted))
	message := fmt.Sprintf("no report for more than %s", threshold)
	for _, d := range demoted {
		ids = append(ids, d.deviceID)

		if p := s.opts.Persister; p != nil {
			if _, err := p.MarkOffline(ctx, d.deviceID, d.lastSeen); err != nil {
				s.deferOffline(d.deviceID, d.lastSeen)
				errs = append(errs, s.transient("mark_offline", d.deviceID, err))
			}
		}
		seen := d.lastSeen
		change := s.newChange(d.deviceID, d.farmID, d.previous, models.DeviceStatusOffline, &seen, models.ChangeSourceSweep)
		if err := s.recordChange(ctx, change, message); err != nil {
			errs = append(errs, err)
		}
	}
	return ids, errors.Join(errs...)
}

// deferOffline queues a failed offline write, unless a report has revived the device meanwhile.
func (s *Store) deferOffline(deviceID string, lastSeen time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[deviceID]; ok && rec.Status == models.DeviceStatusOffline &&
		rec.LastSeen != nil && rec.LastSeen.Equal(lastSeen) {
		s.pendingOffline[deviceID] = lastSeen
	}
}

// retryPendingOffline replays offline writes that failed in earlier sweeps.
// History and stream events were emitted with the original transition and are not repeated.
func (s *Store) retryPendingOffline(ctx context.Context) []error {
	p := s.opts.Persister
	if p == nil {
		return nil
	}

	s.mu.Lock()
	pending := make([]sweepCandidate, 0, len(s.pendingOffline))
	for id, lastSeen := range s.pendingOffline {
		pending = append(pending, sweepCandidate{deviceID: id, lastSeen: lastSeen})
	}
	s.mu.Unlock()
	sort.Slice(pending, func(i, j int) bool { return pending[i].deviceID < pending[j].deviceID })

	var errs []error
	for _, c := range pending {
		_, err := p.MarkOffline(ctx, c.deviceID, c.lastSeen)

		s.mu.Lock()
		current, queued := s.pendingOffline[c.deviceID]
		if queued && current.Equal(c.lastSeen) && err == nil {
			delete(s.pendingOffline, c.deviceID)
		}
		s.mu.Unlock()

		if err != nil {
			errs = append(errs, s.transient("mark_offline", c.deviceID, err))
			continue
		}
		s.logger.Info("Retried offline write succeeded", zap.String("device_id", c.deviceID))
	}
	return errs
}

func (s *Store) persistStatus(ctx context.Context, deviceID string, status models.DeviceStatus, seenAt time.Time) error {
	p := s.opts.Persister
	if p == nil {
		return nil
	}
	err := p.SaveStatus(ctx, deviceID, status, seenAt)
	if err == nil {
		return nil
	}
	if errors.Is(err, repository.ErrNotFound) {
		// unregistered devices are tracked in memory only
		s.logger.Debug("Status from unregistered device",
			zap.String("device_id", deviceID),
			zap.String("status", string(status)),
		)
		return nil
	}
	return s.transient("save_status", deviceID, err)
}

// recordChange appends history and publishes the change. Publish failures are logged only.
func (s *Store) recordChange(ctx context.Context, change models.StatusChange, message string) error {
	if m := s.opts.Metrics; m != nil {
		m.StatusChanges.WithLabelValues(change.Source, string(change.Status)).Inc()
	}

	var err error
	if p := s.opts.Persister; p != nil {
		if herr := p.AppendStatusHistory(ctx, change.DeviceID, change.Status, message, change.OccurredAt); herr != nil {
			err = s.transient("append_history", change.DeviceID, herr)
		}
	}

	if pub := s.opts.Publisher; pub != nil {
		result := "ok"
		if perr := pub.Publish(ctx, change); perr != nil {
			result = "error"
			s.logger.Warn("Failed to publish status change",
				zap.String("device_id", change.DeviceID),
				zap.String("farm_id", change.FarmID),
				zap.String("status", string(change.Status)),
				zap.Error(perr),
			)
		}
		if m := s.opts.Metrics; m != nil {
			m.StreamPublishes.WithLabelValues(result).Inc()
		}
	}
	return err
}

func (s *Store) newChange(deviceID, farmID string, prev, status models.DeviceStatus, seenAt *time.Time, source string) models.StatusChange {
	return models.StatusChange{
		EventID:        s.newEventID(),
		DeviceID:       deviceID,
		FarmID:         farmID,
		PreviousStatus: prev,
		Status:         status,
		SeenAt:         seenAt,
		Source:         source,
		OccurredAt:     s.clock().UTC(),
	}
}

func (s *Store) transient(op, deviceID string, err error) error {
	if m := s.opts.Metrics; m != nil {
		m.StoreErrors.WithLabelValues(op).Inc()
	}
	return &TransientStoreError{Op: op, DeviceID: deviceID, Err: err}
}

func cloneRecord(rec *models.DeviceLivenessRecord) *models.DeviceLivenessRecord {
	out := *rec
	if rec.LastSeen != nil {
		t := *rec.LastSeen
		out.LastSeen = &t
	}
	return &out
}
