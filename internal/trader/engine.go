package trader

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"strade-go/internal/auth"

	"go.uber.org/zap"
)

// Reconciler runs one reconciliation tick for an account.
type Reconciler interface {
	CheckAndUpdateLimitOrders(ctx context.Context, accountID uint) (*ReconcileReport, error)
}

// Sessions owns the background reconciliation loop of every logged-in account.
type Sessions struct {
	verifier   auth.Verifier
	reconciler Reconciler
	interval   time.Duration
	logger     *zap.Logger

	mu     sync.Mutex
	active map[uint]*Session
}

// NewSessions creates a session manager ticking every interval.
func NewSessions(verifier auth.Verifier, reconciler Reconciler, interval time.Duration, logger *zap.Logger) *Sessions {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sessions{
		verifier:   verifier,
		reconciler: reconciler,
		interval:   interval,
		logger:     logger.Named("sessions"),
		active:     make(map[uint]*Session),
	}
}

// Session is the handle of one running reconciliation loop.
type Session struct {
	AccountID uint
	StartedAt time.Time

	owner    *Sessions
	cancel   context.CancelFunc
	done     chan struct{}
	stopping atomic.Bool

	mu       sync.Mutex
	ticks    int
	lastTick time.Time
}

// SessionInfo describes a running session for status output.
type SessionInfo struct {
	AccountID uint      `json:"account_id"`
	StartedAt time.Time `json:"started_at"`
	Ticks     int       `json:"ticks"`
	LastTick  time.Time `json:"last_tick,omitempty"`
}

// Start verifies token and starts the reconciliation loop of its account. A
// second Start for an account that is already running returns the running
// session; a session that is shutting down is replaced by a new one.
func (s *Sessions) Start(token string) (*Session, error) {
	claims, err := s.verifier.Verify(token)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.active[claims.AccountID]; ok && !existing.stopping.Load() {
		return existing, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	session := &Session{
		AccountID: claims.AccountID,
		StartedAt: time.Now(),
		owner:     s,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.active[claims.AccountID] = session
	go session.run(ctx, s.reconciler, s.interval, s.logger.With(zap.Uint("account_id", claims.AccountID)))
	return session, nil
}

// Stop stops the session of accountID and reports whether one was running.
func (s *Sessions) Stop(accountID uint) bool {
	s.mu.Lock()
	session, ok := s.active[accountID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	session.Stop()
	return true
}

// StopAll stops every session and waits for the loops to exit.
func (s *Sessions) StopAll() {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.active))
	for _, session := range s.active {
		sessions = append(sessions, session)
	}
	s.mu.Unlock()

	for _, session := range sessions {
		session.Stop()
	}
}

// Active lists the running sessions ordered by account.
func (s *Sessions) Active() []SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]SessionInfo, 0, len(s.active))
	for _, session := range s.active {
		infos = append(infos, session.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].AccountID < infos[j].AccountID })
	return infos
}

func (s *Sessions) remove(session *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[session.AccountID] == session {
		delete(s.active, session.AccountID)
	}
}

// Stop ends the loop and waits for it to exit. It is safe to call repeatedly.
func (s *Session) Stop() {
	s.stopping.Store(true)
	s.cancel()
	<-s.done
}

// Done is closed once the loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Info returns a snapshot of the session.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{AccountID: s.AccountID, StartedAt: s.StartedAt, Ticks: s.ticks, LastTick: s.lastTick}
}

// run ticks immediately and then every interval until ctx is cancelled.
func (s *Session) run(ctx context.Context, reconciler Reconciler, interval time.Duration, logger *zap.Logger) {
	defer close(s.done)
	defer s.owner.remove(s)

	logger.Info("Starting reconciliation loop", zap.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := reconciler.CheckAndUpdateLimitOrders(ctx, s.AccountID); err != nil {
			logger.Error("Reconciliation tick failed", zap.Error(err))
		}
		s.mu.Lock()
		s.ticks++
		s.lastTick = time.Now()
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			logger.Info("Stopping reconciliation loop...")
			return
		case <-ticker.C:
		}
	}
}
