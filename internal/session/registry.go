package session

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"

	apperrors "github.com/debugrelay/host/internal/errors"
)

// slot holds a tab's session. It is reserved before the attach work starts
// so a concurrent attach for the same tab sees it.
type slot struct {
	appID   string
	session *Session
	ready   chan struct{}
	err     error
}

// ending reports whether the slot's session is attached but tearing down.
func (sl *slot) ending() bool {
	select {
	case <-sl.ready:
		return sl.err == nil && sl.session.Closed()
	default:
		return false
	}
}

func waitEnded(ctx context.Context, s *Session) error {
	select {
	case <-s.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Registry tracks live sessions by tab and enforces one session per tab.
type Registry struct {
	opts Options
	log  *zap.Logger

	mu    sync.Mutex
	slots map[int]*slot
}

// NewRegistry creates an empty registry. Every session it creates shares
// opts.
func NewRegistry(opts Options) *Registry {
	opts = opts.withDefaults()
	return &Registry{
		opts:  opts,
		log:   opts.Logger.With(zap.String("component", "registry")),
		slots: make(map[int]*slot),
	}
}

// Attach returns the session for the target's tab, creating it when there is
// none. An existing session is returned only for the same app; any other app
// gets an already-attached error and the existing session is left alone. A
// session that is already tearing down is waited out and replaced.
func (r *Registry) Attach(ctx context.Context, target Target) (*Session, error) {
	for {
		r.mu.Lock()
		sl, ok := r.slots[target.TabID]
		if !ok {
			break
		}
		r.mu.Unlock()

		if sl.ending() {
			if err := waitEnded(ctx, sl.session); err != nil {
				return nil, err
			}
			continue
		}
		if sl.appID != target.AppID {
			return nil, apperrors.AlreadyAttached(target.TabID, sl.appID)
		}
		select {
		case <-sl.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if sl.err != nil {
			return nil, sl.err
		}
		if sl.session.Closed() {
			if err := waitEnded(ctx, sl.session); err != nil {
				return nil, err
			}
			continue
		}
		return sl.session, nil
	}
	sl := &slot{appID: target.AppID, ready: make(chan struct{})}
	r.slots[target.TabID] = sl
	r.mu.Unlock()

	s, err := r.open(ctx, target)

	r.mu.Lock()
	defer r.mu.Unlock()
	defer close(sl.ready)
	if err == nil && s.Closed() {
		err = apperrors.New(apperrors.CodeSessionClosed, "session ended while attaching")
	}
	if err != nil {
		sl.err = err
		delete(r.slots, target.TabID)
		return nil, err
	}
	sl.session = s
	return s, nil
}

func (r *Registry) open(ctx context.Context, target Target) (*Session, error) {
	if err := r.opts.Debugger.Attach(ctx, target.TabID); err != nil {
		return nil, err
	}
	s := newSession(target, r.opts, r.remove)
	if err := s.start(ctx); err != nil {
		s.Teardown(context.Background())
		return nil, err
	}
	return s, nil
}

// remove drops a finished session, unless its slot has been reused.
func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sl, ok := r.slots[s.TabID()]; ok && sl.session == s {
		delete(r.slots, s.TabID())
	}
}

// Detach tears down the session for tabID.
func (r *Registry) Detach(ctx context.Context, tabID int) error {
	r.mu.Lock()
	sl, ok := r.slots[tabID]
	r.mu.Unlock()
	if !ok {
		return apperrors.SessionNotFound(tabID)
	}

	select {
	case <-sl.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	if sl.session == nil {
		return apperrors.SessionNotFound(tabID)
	}
	sl.session.Teardown(ctx)
	return nil
}

// HandleDetach tears down the tab's session after the browser detached the
// debugger on its own, e.g. the target crashed or the user cancelled.
func (r *Registry) HandleDetach(tabID int, reason string) {
	if err := r.Detach(context.Background(), tabID); err == nil {
		r.log.Info("debugger detached by browser", zap.Int("tab", tabID), zap.String("reason", reason))
	}
}

// HandleTabRemoved tears down the session of a closed tab.
func (r *Registry) HandleTabRemoved(tabID int) {
	if err := r.Detach(context.Background(), tabID); err == nil {
		r.log.Info("tab closed", zap.Int("tab", tabID))
	}
}

// FindByTab returns the live session for tabID.
func (r *Registry) FindByTab(tabID int) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sl, ok := r.slots[tabID]
	if !ok || sl.session == nil {
		return nil, false
	}
	return sl.session, true
}

// FindByAppID returns a live session for appID.
func (r *Registry) FindByAppID(appID string) (*Session, bool) {
	return lo.Find(r.Sessions(), func(s *Session) bool {
		return s.AppID() == appID
	})
}

// Sessions returns the live sessions ordered by tab id.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	sessions := lo.FilterMap(lo.Values(r.slots), func(sl *slot, _ int) (*Session, bool) {
		return sl.session, sl.session != nil
	})
	r.mu.Unlock()

	slices.SortFunc(sessions, func(a, b *Session) int {
		return cmp.Compare(a.TabID(), b.TabID())
	})
	return sessions
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	return len(r.Sessions())
}

// Close tears down every session.
func (r *Registry) Close(ctx context.Context) {
	for _, s := range r.Sessions() {
		s.Teardown(ctx)
	}
}
