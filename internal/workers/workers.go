// Package workers implements the Scheduler & Lifecycle component (C9):
// bounded worker pools for off-path fan-out work plus ticker-driven
// periodic sweeps. Grounded on Danor93's workers.PoolManager (the
// pond-backed pool shape, generalized from an article-processing/general
// split to a dead-letter-retry/history-fanout split) and the teacher's
// container.StartTTLWorker (the ticker-plus-context-cancellation sweep
// loop shape, generalized from container TTL expiry to presence sweeps and
// waiting-queue drains).
package workers

import (
	"context"
	"log/slog"
	"time"

	"github.com/alitto/pond"

	"github.com/ashureev/kefu-relay/internal/assignment"
	"github.com/ashureev/kefu-relay/internal/domain"
	"github.com/ashureev/kefu-relay/internal/presence"
	"github.com/ashureev/kefu-relay/internal/protocol"
	"github.com/ashureev/kefu-relay/internal/registry"
	"github.com/ashureev/kefu-relay/internal/router"
	"github.com/ashureev/kefu-relay/internal/store"
)

const (
	presenceSweepInterval = 30 * time.Second
	waitingDrainInterval  = 5 * time.Second
	deadLetterRetryDelay  = 2 * time.Second
)

// PoolConfig sizes the Scheduler's worker pools.
type PoolConfig struct {
	DeadLetterWorkers int
	HistoryWorkers    int
}

// DefaultPoolConfig returns sane defaults for a single-process deployment.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{DeadLetterWorkers: 2, HistoryWorkers: 4}
}

// deadLetter is a durable-store write that failed every inline retry
// attempt and is queued for out-of-band retry rather than being dropped.
type deadLetter struct {
	message *domain.Message
	attempt int
}

// Scheduler owns the relay's background work: bounded pools for
// off-path fan-out (dead-letter persistence retry, HistoryRequest
// rendering) and ticker-driven sweeps (presence staleness, waiting-queue
// drain).
type Scheduler struct {
	deadLetterPool *pond.WorkerPool
	historyPool    *pond.WorkerPool

	repo       store.Repository
	presence   *presence.Tracker
	assignment *assignment.Engine
	registry   *registry.Registry
	router     *router.Router

	deadLetters chan deadLetter
	stop        chan struct{}
	stopped     chan struct{}
}

// NewScheduler constructs a Scheduler wired to the relay's domain
// components. Start must be called to begin the ticker loops.
func NewScheduler(cfg PoolConfig, repo store.Repository, presenceTracker *presence.Tracker, assignmentEngine *assignment.Engine, reg *registry.Registry, rt *router.Router) *Scheduler {
	return &Scheduler{
		deadLetterPool: pond.New(cfg.DeadLetterWorkers, cfg.DeadLetterWorkers*4, pond.MinWorkers(1), pond.IdleTimeout(30*time.Second)),
		historyPool:    pond.New(cfg.HistoryWorkers, cfg.HistoryWorkers*4, pond.MinWorkers(1), pond.IdleTimeout(30*time.Second)),
		repo:           repo,
		presence:       presenceTracker,
		assignment:     assignmentEngine,
		registry:       reg,
		router:         rt,
		deadLetters:    make(chan deadLetter, 256),
		stop:           make(chan struct{}),
		stopped:        make(chan struct{}),
	}
}

// Start launches the periodic sweep loops. Returns immediately; call
// Shutdown to stop them and drain the pools.
func (s *Scheduler) Start(ctx context.Context) {
	go s.run(ctx)
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.stopped)

	presenceTicker := time.NewTicker(presenceSweepInterval)
	defer presenceTicker.Stop()
	waitingTicker := time.NewTicker(waitingDrainInterval)
	defer waitingTicker.Stop()

	slog.Info("scheduler started", "presence_sweep", presenceSweepInterval, "waiting_drain", waitingDrainInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler shutting down", "reason", ctx.Err())
			return
		case <-s.stop:
			return
		case <-presenceTicker.C:
			s.sweepPresence(ctx)
		case <-waitingTicker.C:
			s.drainWaitingQueue(ctx)
		case dl := <-s.deadLetters:
			s.retryDeadLetter(ctx, dl)
		}
	}
}

func (s *Scheduler) sweepPresence(ctx context.Context) {
	n, err := s.presence.Sweep(ctx)
	if err != nil {
		slog.Warn("presence sweep failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("presence sweep removed stale entries", "count", n)
	}
}

// drainWaitingQueue opportunistically binds waiting customers whose
// capacity freed up without an explicit Release (e.g. a new agent came
// online), flushing any Chat frames the
// router queued for that customer once bound.
func (s *Scheduler) drainWaitingQueue(ctx context.Context) {
	for {
		customerID, err := s.assignment.DrainWaiting(ctx)
		if err != nil {
			slog.Warn("waiting queue drain failed", "error", err)
			return
		}
		if customerID == "" {
			return
		}
		if agentID, err := s.assignment.CurrentBinding(ctx, customerID); err == nil && agentID != "" {
			s.registry.SendTo(domain.Identity{Kind: domain.KindCustomer, ID: domain.UserID(customerID)},
				protocol.NewSystem(protocol.LevelInfo, "AgentAssigned", "an agent has been assigned to your conversation"))
		}
		if err := s.router.FlushPending(ctx, customerID); err != nil {
			slog.Warn("failed to flush pending messages after drain", "customer_id", customerID, "error", err)
		}
	}
}

// SubmitDeadLetter queues a message that failed its inline persistence
// retries for out-of-band retry, rather than being silently dropped.
func (s *Scheduler) SubmitDeadLetter(m *domain.Message) {
	select {
	case s.deadLetters <- deadLetter{message: m}:
	default:
		slog.Error("dead letter queue full, dropping message", "message_id", m.MessageID)
	}
}

func (s *Scheduler) retryDeadLetter(ctx context.Context, dl deadLetter) {
	s.deadLetterPool.Submit(func() {
		time.Sleep(deadLetterRetryDelay)
		if err := s.repo.AppendMessage(ctx, dl.message); err != nil {
			dl.attempt++
			if dl.attempt < 5 {
				select {
				case s.deadLetters <- dl:
				default:
					slog.Error("dead letter queue full, dropping message after retry", "message_id", dl.message.MessageID)
				}
				return
			}
			slog.Error("dead letter exhausted retries, dropping message", "message_id", dl.message.MessageID, "error", err)
			return
		}
		slog.Info("dead letter message persisted", "message_id", dl.message.MessageID)
	})
}

// SubmitHistoryFanout submits a History-rendering task to the dedicated
// pool so a slow per-conversation query never blocks the read loop that
// requested it.
func (s *Scheduler) SubmitHistoryFanout(task func()) {
	s.historyPool.Submit(task)
}

// Shutdown stops the ticker loop and drains both worker pools, waiting
// for in-flight tasks to finish.
func (s *Scheduler) Shutdown() {
	close(s.stop)
	<-s.stopped
	s.deadLetterPool.StopAndWait()
	s.historyPool.StopAndWait()
	slog.Info("scheduler stopped")
}
