package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/cronpostps/cronpost/internal/account"
	"github.com/cronpostps/cronpost/internal/config"
	"github.com/cronpostps/cronpost/internal/schedule"
	"github.com/cronpostps/cronpost/internal/storage"
	logx "github.com/cronpostps/cronpost/pkg/logx"
)

// Dispatcher is the delivery collaborator. Implementations send the
// actual notifications and messages (mail, webhook, queue); the worker
// only decides what to send and when.
type Dispatcher interface {
	// DeliverPrompt tells the user their check-in window is open.
	DeliverPrompt(ctx context.Context, userID string) error
	// DeliverMessage releases one stored message to its recipients.
	DeliverMessage(ctx context.Context, userID, messageID string) error
}

// Service is the scan/dispatch loop. Every tick it advances due
// lifecycle transitions and dispatches due follow messages, one user at
// a time; a failure for one user never stalls the rest of the batch.
type Service struct {
	mu sync.Mutex

	log        logx.Logger
	store      storage.Store
	dispatcher Dispatcher
	mgr        *config.Manager
	machine    *account.Machine

	limiter *rate.Limiter
	c       *cron.Cron
	stopCh  chan struct{}

	now func() time.Time
}

func New(store storage.Store, dispatcher Dispatcher, mgr *config.Manager, log logx.Logger) *Service {
	s := &Service{
		log:        log,
		store:      store,
		dispatcher: dispatcher,
		mgr:        mgr,
		now:        time.Now,
	}
	clock := func() time.Time { return s.now() }
	s.machine = account.NewMachine(account.NewGuard(clock), s.lockPolicy, clock)
	s.limiter = rate.NewLimiter(rate.Limit(config.DefaultDispatchRate), config.DefaultDispatchRate)
	return s
}

// Machine exposes the lifecycle state machine sharing the worker's
// clock and hot-reloaded policy, for the HTTP surface.
func (s *Service) Machine() *account.Machine { return s.machine }

// Now reads the service clock. Timestamps recorded alongside machine
// transitions must come from here so they agree with the transition.
func (s *Service) Now() time.Time { return s.now() }

// SetClock overrides the service clock. Call before Start.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// lockPolicy snapshots the current lockout policy from config. Reads go
// through the manager so a hot-reload applies to the next guard call.
func (s *Service) lockPolicy() account.Policy {
	cfg := s.mgr.Get()
	if cfg == nil {
		return account.Policy{}
	}
	return account.Policy{
		LockThreshold: cfg.Policy.PinLockThreshold,
		BaseLockout:   cfg.Policy.LockDuration(),
		MaxLogEntries: cfg.Policy.MaxPinLogEntries,
	}
}

func (s *Service) pastPolicy() schedule.PastPolicy {
	cfg := s.mgr.Get()
	if cfg == nil {
		return schedule.PastSkipForward
	}
	p, err := cfg.Policy.ResolvePastPolicy()
	if err != nil {
		return schedule.PastSkipForward
	}
	return p
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return nil
	}

	cfg := s.mgr.Get()
	if cfg == nil {
		return fmt.Errorf("worker: no config loaded")
	}
	s.applyLocked(cfg)

	tick := cfg.Worker.TickInterval()
	s.c = cron.New()
	if _, err := s.c.AddFunc(fmt.Sprintf("@every %s", tick), func() { s.Tick(ctx) }); err != nil {
		return fmt.Errorf("worker: register tick: %w", err)
	}
	s.stopCh = make(chan struct{})
	s.c.Start()

	// Catch-up pass on boot so a restart does not wait a full tick.
	go s.Tick(ctx)

	s.log.Info("worker started", logx.Duration("tick", tick))
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	if s.c != nil {
		<-s.c.Stop().Done()
		s.c = nil
	}
	s.log.Info("worker stopped")
}

// Apply picks up hot-reloaded worker settings. The dispatch limiter
// adjusts in place; a tick change takes effect on restart.
func (s *Service) Apply(cfg *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(cfg)
}

func (s *Service) applyLocked(cfg *config.Config) {
	if cfg == nil {
		return
	}
	rps := cfg.Worker.DispatchRatePerSec
	if rps <= 0 {
		rps = config.DefaultDispatchRate
	}
	burst := cfg.Worker.DispatchBurst
	if burst <= 0 {
		burst = rps
	}
	s.limiter.SetLimit(rate.Limit(rps))
	s.limiter.SetBurst(burst)
}

// Tick runs one full scan pass: due prompts, expired grace windows,
// then due follow sends. Exported for tests and the boot catch-up.
func (s *Service) Tick(ctx context.Context) {
	now := s.now().UTC()
	s.processDuePrompts(ctx, now)
	s.processExpiredGraces(ctx, now)
	s.processFollowSends(ctx, now)
}

func (s *Service) processDuePrompts(ctx context.Context, now time.Time) {
	ids, err := s.store.ClaimDuePrompts(ctx, now)
	if err != nil {
		s.log.Warn("prompt scan failed", logx.Err(err))
		return
	}
	for _, id := range ids {
		err := s.store.WithAccount(ctx, id, func(tx *storage.AccountTx) error {
			return s.machine.OnCycleDue(tx.Account())
		})
		if err != nil {
			s.log.Warn("cycle transition failed", logx.String("user", id), logx.Err(err))
			if rerr := s.store.ReleaseUser(ctx, id); rerr != nil {
				s.log.Warn("release failed", logx.String("user", id), logx.Err(rerr))
			}
			continue
		}
		s.log.Info("check-in window opened", logx.String("user", id))
		if s.dispatcher != nil {
			if derr := s.dispatcher.DeliverPrompt(ctx, id); derr != nil {
				// The grace expiry path is the safety net; a lost
				// prompt notification must not abort the transition.
				s.log.Warn("prompt delivery failed", logx.String("user", id), logx.Err(derr))
			}
		}
	}
}

func (s *Service) processExpiredGraces(ctx context.Context, now time.Time) {
	ids, err := s.store.ClaimExpiredGraces(ctx, now)
	if err != nil {
		s.log.Warn("grace scan failed", logx.Err(err))
		return
	}
	for _, id := range ids {
		var loc *time.Location
		err := s.store.WithAccount(ctx, id, func(tx *storage.AccountTx) error {
			if err := s.machine.OnGraceExpired(tx.Account()); err != nil {
				return err
			}
			loc = tx.Account().Location
			return nil
		})
		if err != nil {
			s.log.Warn("freeze transition failed", logx.String("user", id), logx.Err(err))
			if rerr := s.store.ReleaseUser(ctx, id); rerr != nil {
				s.log.Warn("release failed", logx.String("user", id), logx.Err(rerr))
			}
			continue
		}
		s.log.Info("grace window expired, account frozen", logx.String("user", id))
		s.releaseInitial(ctx, id, loc, now)
	}
}

// releaseInitial sends the initial message of a freshly frozen account
// and anchors the follow schedules to the send instant.
func (s *Service) releaseInitial(ctx context.Context, userID string, loc *time.Location, now time.Time) {
	if s.dispatcher == nil {
		return
	}
	msg, err := s.store.InitialMessage(ctx, userID)
	if err != nil {
		s.log.Warn("initial message lookup failed", logx.String("user", userID), logx.Err(err))
		return
	}
	if msg.SentAt != nil {
		// A previous freeze already released it; the anchor stands.
		return
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return
	}
	if err := s.dispatcher.DeliverMessage(ctx, userID, msg.ID); err != nil {
		s.log.Warn("initial message delivery failed",
			logx.String("user", userID), logx.String("message", msg.ID), logx.Err(err))
		return
	}
	if err := s.store.MarkInitialSent(ctx, userID, now); err != nil {
		s.log.Error("initial message sent but not recorded",
			logx.String("user", userID), logx.Err(err))
		return
	}
	s.log.Info("initial message released", logx.String("user", userID), logx.String("message", msg.ID))
	s.primeFollowSchedules(ctx, userID, loc, now)
}

// primeFollowSchedules computes the first send instant for follow
// schedules that were waiting on the anchor.
func (s *Service) primeFollowSchedules(ctx context.Context, userID string, loc *time.Location, now time.Time) {
	jobs, err := s.store.FollowSchedulesForUser(ctx, userID)
	if err != nil {
		s.log.Warn("follow schedule scan failed", logx.String("user", userID), logx.Err(err))
		return
	}
	anchor := now
	for _, j := range jobs {
		if j.NextSendAt != nil || j.RepeatsRemaining <= 0 {
			continue
		}
		if j.Status != storage.DispatchPending {
			continue
		}
		next, ok, err := schedule.NextFollowSend(j.Rule, loc, &anchor, now, s.pastPolicy())
		if err != nil {
			s.log.Warn("follow schedule unresolvable",
				logx.String("user", userID), logx.Int64("schedule", j.ID), logx.Err(err))
			continue
		}
		if !ok {
			continue
		}
		if err := s.store.SetFollowNextSend(ctx, j.ID, &next); err != nil {
			s.log.Warn("follow schedule update failed",
				logx.String("user", userID), logx.Int64("schedule", j.ID), logx.Err(err))
		}
	}
}

func (s *Service) processFollowSends(ctx context.Context, now time.Time) {
	jobs, err := s.store.ClaimDueFollowSends(ctx, now)
	if err != nil {
		s.log.Warn("follow send scan failed", logx.Err(err))
		return
	}
	for _, j := range jobs {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		res := s.dispatchFollow(ctx, j, now)
		if err := s.store.FinishFollowDispatch(ctx, j.ID, res); err != nil {
			s.log.Error("follow dispatch result not recorded",
				logx.Int64("schedule", j.ID), logx.Err(err))
		}
	}
}

func (s *Service) dispatchFollow(ctx context.Context, j storage.FollowJob, now time.Time) storage.FollowResult {
	if s.dispatcher == nil {
		return storage.FollowResult{
			RepeatsRemaining: j.RepeatsRemaining,
			NextSendAt:       j.NextSendAt,
			Status:           storage.DispatchFailed,
		}
	}
	if err := s.dispatcher.DeliverMessage(ctx, j.UserID, j.MessageID); err != nil {
		s.log.Warn("follow delivery failed",
			logx.String("user", j.UserID), logx.Int64("schedule", j.ID), logx.Err(err))
		return storage.FollowResult{
			RepeatsRemaining: j.RepeatsRemaining,
			NextSendAt:       j.NextSendAt,
			Status:           storage.DispatchFailed,
		}
	}

	remaining := j.RepeatsRemaining - 1
	if j.Rule.Trigger == schedule.TriggerAbsoluteDate {
		// An absolute date names one instant; repeats make no sense there.
		remaining = 0
	}
	if remaining <= 0 {
		s.log.Info("follow schedule completed",
			logx.String("user", j.UserID), logx.Int64("schedule", j.ID))
		return storage.FollowResult{Status: storage.DispatchSent}
	}

	next, ok := s.recomputeFollow(ctx, j, now)
	res := storage.FollowResult{
		RepeatsRemaining: remaining,
		Status:           storage.DispatchPartiallySent,
	}
	if ok {
		res.NextSendAt = &next
	}
	return res
}

// recomputeFollow derives the next send instant after a successful
// delivery. ok is false when the schedule has nothing further to send
// right now; the row keeps its partially_sent status for a later pass.
func (s *Service) recomputeFollow(ctx context.Context, j storage.FollowJob, now time.Time) (time.Time, bool) {
	acct, err := s.store.GetAccount(ctx, j.UserID)
	if err != nil {
		s.log.Warn("account lookup for recompute failed",
			logx.String("user", j.UserID), logx.Err(err))
		return time.Time{}, false
	}
	anchor, err := s.store.InitialMessageSentAt(ctx, j.UserID)
	if err != nil {
		s.log.Warn("anchor lookup failed", logx.String("user", j.UserID), logx.Err(err))
		return time.Time{}, false
	}
	next, ok, err := schedule.NextFollowSend(j.Rule, acct.Location, anchor, now, s.pastPolicy())
	if err != nil {
		s.log.Warn("follow recompute failed",
			logx.String("user", j.UserID), logx.Int64("schedule", j.ID), logx.Err(err))
		return time.Time{}, false
	}
	return next, ok
}
