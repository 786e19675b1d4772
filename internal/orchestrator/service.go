package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"livewatch/internal/platform/metrics"
	"livewatch/internal/session"
	"livewatch/internal/sink"
)

var (
	// ErrSessionNotFound is returned for unknown session IDs.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidDescriptor is returned when a stream descriptor cannot be played.
	ErrInvalidDescriptor = errors.New("invalid stream descriptor")

	// ErrSegmentNotFound is returned for segments outside the relay window.
	ErrSegmentNotFound = errors.New("segment not found")
)

// Config holds the collaborators and policy shared by every session.
type Config struct {
	Engines     session.EngineFactory
	Sink        sink.Options
	Policy      session.RetryPolicy
	EmbedParent string
	// Clock is optional; tests inject a manual clock.
	Clock   session.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Service owns the watch sessions of this process. It creates one sink and
// one controller per session and mirrors every status transition to the
// Store.
type Service struct {
	repo  Repository
	store Store
	cfg   Config
	log   *slog.Logger

	// mirrorMu orders store writes against deletes so a closed session is
	// never written back.
	mirrorMu sync.Mutex

	dirtyMu sync.Mutex
	dirty   map[SessionID]struct{}
	notify  chan struct{}
}

// NewService returns a Service. Run must be running for asynchronous status
// transitions (retries, failures) to reach the store.
func NewService(repo Repository, store Store, cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		repo:   repo,
		store:  store,
		cfg:    cfg,
		log:    cfg.Logger,
		dirty:  make(map[SessionID]struct{}),
		notify: make(chan struct{}, 1),
	}
}

// Open starts a new watch session for desc.
func (s *Service) Open(ctx context.Context, desc session.StreamDescriptor) (StatusRecord, error) {
	if err := desc.Validate(); err != nil {
		return StatusRecord{}, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}

	id := NewSessionID()
	snk := sink.New(s.cfg.Sink)
	ctrl := session.NewController(s.cfg.Engines, snk, session.Options{
		Policy:      s.cfg.Policy,
		Clock:       s.cfg.Clock,
		Logger:      s.log.With(slog.String("session_id", string(id))),
		Observer:    &sessionObserver{svc: s, id: id},
		EmbedParent: s.cfg.EmbedParent,
	})
	ws := &WatchSession{ID: id, Controller: ctrl, Sink: snk, CreatedAt: time.Now().UTC()}
	if err := s.repo.Add(ws); err != nil {
		snk.Close()
		return StatusRecord{}, err
	}

	ctrl.Open(desc)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.IncSessionsOpened()
	}
	s.log.Info("watch session opened",
		slog.String("session_id", string(id)),
		slog.String("url", desc.URL),
		slog.String("delivery_type", desc.DeliveryType.String()))
	return s.save(ctx, ws), nil
}

// Replace switches session id to a different stream. The previous stream's
// engine, timers and sink source are torn down first.
func (s *Service) Replace(ctx context.Context, id SessionID, desc session.StreamDescriptor) (StatusRecord, error) {
	if err := desc.Validate(); err != nil {
		return StatusRecord{}, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	ws, ok := s.repo.Get(id)
	if !ok {
		return StatusRecord{}, ErrSessionNotFound
	}
	return s.replaceSession(ctx, ws, desc)
}

func (s *Service) replaceSession(ctx context.Context, ws *WatchSession, desc session.StreamDescriptor) (StatusRecord, error) {
	if !ws.replace(desc) {
		return StatusRecord{}, ErrSessionNotFound
	}
	return s.save(ctx, ws), nil
}

// Retry restarts session id from zero retries.
func (s *Service) Retry(ctx context.Context, id SessionID) (StatusRecord, error) {
	ws, ok := s.repo.Get(id)
	if !ok {
		return StatusRecord{}, ErrSessionNotFound
	}
	return s.retrySession(ctx, ws)
}

func (s *Service) retrySession(ctx context.Context, ws *WatchSession) (StatusRecord, error) {
	if !ws.retry() {
		return StatusRecord{}, ErrSessionNotFound
	}
	return s.save(ctx, ws), nil
}

// Close ends session id and removes its status record.
func (s *Service) Close(ctx context.Context, id SessionID) error {
	ws, ok := s.repo.Remove(id)
	if !ok {
		return ErrSessionNotFound
	}
	ws.close()

	s.mirrorMu.Lock()
	err := s.store.DeleteStatus(ctx, id)
	s.mirrorMu.Unlock()

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.IncSessionsClosed()
	}
	s.log.Info("watch session closed", slog.String("session_id", string(id)))
	if err != nil {
		return fmt.Errorf("delete status: %w", err)
	}
	return nil
}

// Status returns the record of session id. Sessions owned by another
// process are answered from the store.
func (s *Service) Status(ctx context.Context, id SessionID) (StatusRecord, error) {
	if ws, ok := s.repo.Get(id); ok {
		return ws.Record(), nil
	}
	rec, ok, err := s.store.GetStatus(ctx, id)
	if err != nil {
		return StatusRecord{}, err
	}
	if !ok {
		return StatusRecord{}, ErrSessionNotFound
	}
	return rec, nil
}

// Session returns the live session id.
func (s *Service) Session(id SessionID) (*WatchSession, error) {
	ws, ok := s.repo.Get(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return ws, nil
}

// List returns the records of all sessions owned by this process.
func (s *Service) List() []StatusRecord {
	sessions := s.repo.List()
	out := make([]StatusRecord, 0, len(sessions))
	for _, ws := range sessions {
		out = append(out, ws.Record())
	}
	return out
}

// Playlist returns the relay playlist of session id.
func (s *Service) Playlist(id SessionID) (string, error) {
	ws, ok := s.repo.Get(id)
	if !ok {
		return "", ErrSessionNotFound
	}
	return ws.Sink.Playlist(), nil
}

// Segment returns a relayed segment of session id.
func (s *Service) Segment(id SessionID, seq int64) ([]byte, error) {
	ws, ok := s.repo.Get(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	data, ok := ws.Sink.Segment(seq)
	if !ok {
		return nil, ErrSegmentNotFound
	}
	return data, nil
}

// ActiveSessionCount returns the number of sessions owned by this process.
func (s *Service) ActiveSessionCount() int {
	return s.repo.ActiveSessionCount()
}

// Ping checks the status store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Shutdown closes every session.
func (s *Service) Shutdown(ctx context.Context) error {
	var errs []error
	for _, ws := range s.repo.List() {
		if err := s.Close(ctx, ws.ID); err != nil && !errors.Is(err, ErrSessionNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run mirrors asynchronous status transitions to the store until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.notify:
		}
		s.flushDirty(ctx)
	}
}

func (s *Service) flushDirty(ctx context.Context) {
	s.dirtyMu.Lock()
	ids := make([]SessionID, 0, len(s.dirty))
	for id := range s.dirty {
		ids = append(ids, id)
	}
	clear(s.dirty)
	s.dirtyMu.Unlock()

	for _, id := range ids {
		if ws, ok := s.repo.Get(id); ok {
			s.save(ctx, ws)
		}
	}
}

// save writes the session's current record to the store. Store failures
// are logged; the store only mirrors state owned by the controller.
func (s *Service) save(ctx context.Context, ws *WatchSession) StatusRecord {
	rec := ws.Record()

	s.mirrorMu.Lock()
	defer s.mirrorMu.Unlock()
	if _, ok := s.repo.Get(ws.ID); !ok {
		return rec
	}
	if err := s.store.SaveStatus(ctx, rec); err != nil {
		s.log.Warn("status mirror failed",
			slog.String("session_id", string(ws.ID)),
			slog.String("error", err.Error()))
	}
	return rec
}

func (s *Service) markDirty(id SessionID) {
	s.dirtyMu.Lock()
	s.dirty[id] = struct{}{}
	s.dirtyMu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// sessionObserver runs under the controller's lock: it only records and
// signals, never calls back into the controller.
type sessionObserver struct {
	svc *Service
	id  SessionID
}

func (o *sessionObserver) StatusChanged(st session.UIStatus) {
	if m := o.svc.cfg.Metrics; m != nil {
		m.ObserveStatus(st.Status.String(), st.Message)
	}
	o.svc.markDirty(o.id)
}

func (o *sessionObserver) RetryScheduled(int, int) {
	if m := o.svc.cfg.Metrics; m != nil {
		m.IncRetries()
	}
	o.svc.markDirty(o.id)
}

func (o *sessionObserver) MediaErrorRecovered() {
	if m := o.svc.cfg.Metrics; m != nil {
		m.IncMediaRecoveries()
	}
}
