package app

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"crewspace/api/internal/cache"
	"crewspace/api/internal/feed"
	"crewspace/api/internal/reconcile"
	"crewspace/api/internal/store"
)

type Mode string

const (
	ModeConnecting Mode = "connecting"
	ModeLive       Mode = "live"
	ModeDegraded   Mode = "degraded"
	ModeClosed     Mode = "closed"
)

// Status describes how fresh a session's cache is. Stale is set whenever the
// cache is not following the live feed.
type Status struct {
	Mode         Mode
	Loaded       bool
	Stale        bool
	LastSnapshot time.Time
	Err          error
}

// Session is one user's live view of one workspace. It owns the cache, the
// reconciler and the feed subscription, and is torn down with Close.
type Session struct {
	svc         *Service
	actor       store.User
	workspaceID string
	recon       *reconcile.Reconciler
	view        cache.View

	ctx       context.Context
	cancel    context.CancelFunc
	sub       *feed.Subscription
	done      chan struct{}
	loaded    chan struct{}
	loadOnce  sync.Once
	closeOnce sync.Once

	mu       sync.Mutex
	status   Status
	snapshot bool
	// topics tracks subscribed projects; only the run loop touches it.
	topics map[string]bool
}

// Open starts a session for actor in workspaceID. The returned session loads
// in the background; see Loaded.
func (s *Service) Open(ctx context.Context, actor store.User, workspaceID string) (*Session, error) {
	if _, err := s.workspaceRole(ctx, workspaceID, actor.ID); err != nil {
		return nil, err
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	recon := reconcile.New(cache.New(), s.backend())
	sess := &Session{
		svc:         s,
		actor:       actor,
		workspaceID: workspaceID,
		recon:       recon,
		view:        recon.View(),
		ctx:         sessCtx,
		cancel:      cancel,
		done:        make(chan struct{}),
		loaded:      make(chan struct{}),
		status:      Status{Mode: ModeConnecting, Stale: true},
		topics:      make(map[string]bool),
	}
	if s.feed != nil {
		sess.sub = s.feed.Subscribe(sessCtx, feed.WorkspaceTopics(workspaceID, nil)...)
	} else {
		sess.status.Mode = ModeDegraded
	}
	go sess.run()
	return sess, nil
}

func (s *Session) WorkspaceID() string { return s.workspaceID }

func (s *Session) Actor() store.User { return s.actor }

// View is the read-only cache. Reads are copies.
func (s *Session) View() cache.View { return s.view }

// Watch streams cache changes. Close the watcher when done.
func (s *Session) Watch(buffer int) *cache.Watcher { return s.view.Watch(buffer) }

// Loaded is closed once the first snapshot is in and the feed confirmed, or
// once the load timeout passed with whatever data was available.
func (s *Session) Loaded() <-chan struct{} { return s.loaded }

func (s *Session) WaitLoaded(ctx context.Context) error {
	select {
	case <-s.loaded:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Health is nil while the feed is live and FEED_UNAVAILABLE otherwise.
// Mutations are accepted either way.
func (s *Session) Health() error {
	status := s.Status()
	switch status.Mode {
	case ModeLive:
		return nil
	case ModeClosed:
		return reconcile.ErrClosed
	default:
		return feedUnavailable(status.Err)
	}
}

// Close unsubscribes, stops the loop and drops suppression state. Mutations
// already sent still complete.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.sub != nil {
			err = s.sub.Close()
		}
		s.cancel()
		<-s.done
		s.recon.Close()
		s.setMode(ModeClosed, nil)
	})
	return err
}

func (s *Session) run() {
	defer close(s.done)

	loadTimeout := s.svc.cfg.LoadTimeout
	if loadTimeout <= 0 {
		loadTimeout = 10 * time.Second
	}
	interval := s.svc.cfg.SnapshotInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	loadTimer := time.NewTimer(loadTimeout)
	defer loadTimer.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var events <-chan feed.Event
	var statuses <-chan feed.Status
	if s.sub != nil {
		events = s.sub.Events()
		statuses = s.sub.Status()
	}

	s.refresh()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-loadTimer.C:
			s.markLoaded()
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.applyEvent(event)
		case status, ok := <-statuses:
			if !ok {
				statuses = nil
				continue
			}
			s.onFeedStatus(status)
		case <-ticker.C:
			if s.Status().Mode != ModeLive {
				s.refresh()
			}
		}
	}
}

func (s *Session) onFeedStatus(status feed.Status) {
	switch status.State {
	case feed.StateSubscribed:
		s.setMode(ModeLive, nil)
		s.loadedIfReady()
	case feed.StateResubscribed:
		log.Printf("app: session %s resubscribed, reconciling", s.workspaceID)
		s.setMode(ModeLive, nil)
		s.refresh()
	case feed.StateError, feed.StateTimeout:
		log.Printf("app: session %s feed %s: %v", s.workspaceID, status.State, status.Err)
		s.setMode(ModeDegraded, status.Err)
	}
}

// refresh replaces the cache with an authoritative snapshot. Projects that
// disappeared since the last one have their content dropped.
func (s *Session) refresh() {
	before := s.view.Projects(s.workspaceID)
	snap, projectIDs, err := s.svc.snapshot(s.ctx, s.workspaceID)
	if err != nil {
		if s.ctx.Err() == nil {
			log.Printf("app: session %s snapshot: %v", s.workspaceID, err)
			s.setErr(err)
		}
		return
	}
	current := make(map[string]bool, len(projectIDs))
	for _, id := range projectIDs {
		current[id] = true
	}
	for _, project := range before {
		if !current[project.ID] {
			snap = append(snap, emptyProjectScopes(project.ID)...)
		}
	}
	if err := s.recon.Resync(snap); err != nil {
		if !errors.Is(err, reconcile.ErrClosed) {
			log.Printf("app: session %s resync: %v", s.workspaceID, err)
		}
		return
	}
	s.syncProjectTopics(current)

	s.mu.Lock()
	s.snapshot = true
	s.status.LastSnapshot = s.svc.now()
	s.mu.Unlock()
	s.loadedIfReady()
}

func (s *Session) applyEvent(event feed.Event) {
	if err := s.recon.ApplyRemoteEvent(event); err != nil {
		if !errors.Is(err, reconcile.ErrClosed) {
			log.Printf("app: session %s apply %s %s: %v", s.workspaceID, event.Op, event.Table, err)
		}
		return
	}
	if event.Table != store.TableProjects {
		return
	}
	switch event.Op {
	case feed.OpInsert:
		s.subscribeProject(event.ID())
	case feed.OpDelete:
		s.dropProject(event.ID())
	}
}

// dropProject clears a deleted project's content from the cache and stops
// listening for it.
func (s *Session) dropProject(projectID string) {
	if err := s.recon.Resync(emptyProjectScopes(projectID)); err != nil && !errors.Is(err, reconcile.ErrClosed) {
		log.Printf("app: session %s drop project %s: %v", s.workspaceID, projectID, err)
	}
	if s.sub == nil || !s.topics[projectID] {
		return
	}
	delete(s.topics, projectID)
	if err := s.sub.Remove(s.ctx, feed.ProjectTopics(projectID)...); err != nil && s.ctx.Err() == nil {
		log.Printf("app: session %s unsubscribe project %s: %v", s.workspaceID, projectID, err)
	}
}

func (s *Session) subscribeProject(projectID string) {
	if s.sub == nil || s.topics[projectID] {
		return
	}
	if err := s.sub.Add(s.ctx, feed.ProjectTopics(projectID)...); err != nil {
		if s.ctx.Err() == nil {
			log.Printf("app: session %s subscribe project %s: %v", s.workspaceID, projectID, err)
		}
		return
	}
	s.topics[projectID] = true
}

func (s *Session) syncProjectTopics(current map[string]bool) {
	for id := range current {
		s.subscribeProject(id)
	}
	for id := range s.topics {
		if !current[id] {
			s.dropProject(id)
		}
	}
}

func emptyProjectScopes(projectID string) reconcile.Snapshot {
	var snap reconcile.Snapshot
	for _, table := range store.Tables {
		if !table.WorkspaceScoped() {
			snap = append(snap, reconcile.ScopeRows{Table: table, ParentID: projectID})
		}
	}
	return snap
}

func (s *Session) loadedIfReady() {
	s.mu.Lock()
	ready := s.snapshot && (s.sub == nil || s.status.Mode == ModeLive)
	s.mu.Unlock()
	if ready {
		s.markLoaded()
	}
}

func (s *Session) markLoaded() {
	s.loadOnce.Do(func() {
		s.mu.Lock()
		s.status.Loaded = true
		s.mu.Unlock()
		close(s.loaded)
	})
}

func (s *Session) setMode(mode Mode, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Mode = mode
	s.status.Stale = mode != ModeLive
	s.status.Err = err
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Err = err
}
