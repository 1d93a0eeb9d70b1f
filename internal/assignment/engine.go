// Package assignment implements the Assignment Engine (C5): the scored
// selection algorithm, the waiting queue, and the assign/release/transfer
// operations that bind customers to agents. The multi-step assign/release
// sequence is serialized by an in-process mutex, grounded on the teacher's
// agentSessionMu pattern in internal/store/sqlite.go (a single mutex
// guarding a multi-statement update sequence to avoid interleaving), since
// the Connection Registry and Assignment Engine live in one process.
package assignment

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/kefu-relay/internal/apperr"
	"github.com/ashureev/kefu-relay/internal/cache"
	"github.com/ashureev/kefu-relay/internal/domain"
	"github.com/ashureev/kefu-relay/internal/presence"
	"github.com/ashureev/kefu-relay/internal/store"
)

const (
	// TBinding is the TTL applied to a customer->agent binding record.
	TBinding = 3600 * time.Second

	weightLoad = 2.0
	weightResp = 1.5
	weightSat  = 1.0

	maxCASAttempts = 3

	bindingPrefix       = "kefu:binding:"
	workloadPrefix      = "kefu:workload:"
	agentCustomersPref  = "kefu:agent_customers:"
	waitingQueueKeyName = "kefu:waiting_queue"
)

// Engine binds customers to agents using the spec's scoring algorithm.
type Engine struct {
	cache    cache.Service
	presence *presence.Tracker
	repo     store.Repository

	mu sync.Mutex
}

// NewEngine constructs an assignment Engine.
func NewEngine(c cache.Service, presenceTracker *presence.Tracker, repo store.Repository) *Engine {
	return &Engine{cache: c, presence: presenceTracker, repo: repo}
}

type WaitingEntry struct {
	CustomerID string    `json:"customer_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func (e *Engine) loadWorkload(ctx context.Context, agentID string) (domain.WorkloadEntry, error) {
	var w domain.WorkloadEntry
	err := cache.GetJSON(ctx, e.cache, workloadPrefix+agentID, &w)
	if err == cache.ErrNotFound {
		return domain.WorkloadEntry{AgentID: agentID, MaxCustomers: domain.DefaultMaxConcurrentCustomers}, nil
	}
	if err != nil {
		return domain.WorkloadEntry{}, apperr.Wrap(err, apperr.CodeCacheUnavailable)
	}
	return w, nil
}

func (e *Engine) saveWorkload(ctx context.Context, w domain.WorkloadEntry) error {
	if err := cache.SetJSON(ctx, e.cache, workloadPrefix+w.AgentID, w, 0); err != nil {
		return apperr.Wrap(err, apperr.CodeCacheUnavailable)
	}
	return nil
}

// CurrentBinding returns the agent currently bound to customerID, or "" if
// none.
func (e *Engine) CurrentBinding(ctx context.Context, customerID string) (string, error) {
	raw, err := e.cache.Get(ctx, bindingPrefix+customerID)
	if err == cache.ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", apperr.Wrap(err, apperr.CodeCacheUnavailable)
	}
	return string(raw), nil
}

// ScoredAgent is one online agent's selection score, as computed by the
// assignment algorithm (spec.md §4.5), exposed for the REST surface's
// GET /api/kefu/available.
type ScoredAgent struct {
	AgentID  string
	Score    float64
	Workload domain.WorkloadEntry
}

// scoreCandidates scores every online agent with spare capacity, sorted
// best-first by the same (score desc, load asc, id asc) tie-break Assign
// uses.
func (e *Engine) scoreCandidates(ctx context.Context) ([]ScoredAgent, error) {
	agentIDs, err := e.presence.Online(ctx, domain.KindAgent)
	if err != nil {
		return nil, err
	}

	var candidates []ScoredAgent
	for _, id := range agentIDs {
		w, err := e.loadWorkload(ctx, id)
		if err != nil {
			return nil, err
		}
		if !w.HasCapacity() {
			continue
		}
		invResp := 1.0
		if w.AvgResponseTimeMs > 0 {
			invResp = 1.0 / (1.0 + w.AvgResponseTimeMs/1000.0)
		}
		score := weightLoad*(1-w.LoadRatio()) + weightResp*invResp + weightSat*w.SatisfactionScore
		candidates = append(candidates, ScoredAgent{AgentID: id, Score: score, Workload: w})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		if candidates[i].Workload.CurrentCustomers != candidates[j].Workload.CurrentCustomers {
			return candidates[i].Workload.CurrentCustomers < candidates[j].Workload.CurrentCustomers
		}
		return candidates[i].AgentID < candidates[j].AgentID
	})
	return candidates, nil
}

// AvailableAgents is scoreCandidates' exported form, used by the REST
// query surface to list agents with spare capacity ordered by efficiency
// score (spec.md §6, GET /api/kefu/available).
func (e *Engine) AvailableAgents(ctx context.Context) ([]ScoredAgent, error) {
	return e.scoreCandidates(ctx)
}

// selectAgent runs the scored selection among online agents with spare
// capacity. Returns "" if none qualify.
func (e *Engine) selectAgent(ctx context.Context) (string, error) {
	candidates, err := e.scoreCandidates(ctx)
	if err != nil {
		return "", err
	}
	if len(candidates) == 0 {
		return "", nil
	}
	return candidates[0].AgentID, nil
}

// Assign binds customerID to an agent, either the requested one (if
// online and with spare capacity) or the best-scoring candidate. Calling
// Assign for an already-bound customer is idempotent: it returns the
// existing binding.
func (e *Engine) Assign(ctx context.Context, customerID, requestedAgentID string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, err := e.CurrentBinding(ctx, customerID); err != nil {
		return "", err
	} else if existing != "" {
		return existing, nil
	}

	agentID := requestedAgentID
	if agentID != "" {
		online, err := e.presence.IsOnline(ctx, agentID)
		if err != nil {
			return "", err
		}
		w, err := e.loadWorkload(ctx, agentID)
		if err != nil {
			return "", err
		}
		if !online || !w.HasCapacity() {
			return "", apperr.New(apperr.CodeNoCapacity, "requested agent has no spare capacity")
		}
	} else {
		selected, err := e.selectAgent(ctx)
		if err != nil {
			return "", err
		}
		if selected == "" {
			if err := e.enqueueWaiting(ctx, customerID); err != nil {
				return "", err
			}
			return "", apperr.New(apperr.CodeNoAgentAvailable, "no agent available, customer enqueued")
		}
		agentID = selected
	}

	if err := e.bind(ctx, customerID, agentID); err != nil {
		return "", err
	}
	return agentID, nil
}

func (e *Engine) bind(ctx context.Context, customerID, agentID string) error {
	if err := e.cache.SetWithTTL(ctx, bindingPrefix+customerID, []byte(agentID), TBinding); err != nil {
		return apperr.Wrap(err, apperr.CodeCacheUnavailable)
	}
	if err := e.cache.SAdd(ctx, agentCustomersPref+agentID, customerID); err != nil {
		return apperr.Wrap(err, apperr.CodeCacheUnavailable)
	}

	w, err := e.loadWorkload(ctx, agentID)
	if err != nil {
		return err
	}
	w.CurrentCustomers++
	w.LastActivity = time.Now()
	if err := e.saveWorkload(ctx, w); err != nil {
		return err
	}

	sess, err := e.repo.GetSession(ctx, customerID, agentID)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeDurableUnavailable)
	}
	if sess == nil {
		sess = &domain.Session{CustomerID: customerID, AgentID: agentID, CreatedAt: time.Now(), Status: domain.SessionActive}
		if err := e.repo.PutSession(ctx, sess); err != nil {
			return apperr.Wrap(err, apperr.CodeDurableUnavailable)
		}
	}
	return nil
}

// unbind removes customerID's binding and decrements the agent's workload,
// without touching the session's durable status — callers decide the
// resulting status (closed on customer-initiated release, transferred on
// agent handoff). Returns the previously-bound agent, or "" if unbound.
func (e *Engine) unbind(ctx context.Context, customerID string) (string, error) {
	agentID, err := e.CurrentBinding(ctx, customerID)
	if err != nil {
		return "", err
	}
	if agentID == "" {
		return "", nil
	}

	if err := e.cache.Del(ctx, bindingPrefix+customerID); err != nil {
		return "", apperr.Wrap(err, apperr.CodeCacheUnavailable)
	}
	if err := e.cache.SRem(ctx, agentCustomersPref+agentID, customerID); err != nil {
		return "", apperr.Wrap(err, apperr.CodeCacheUnavailable)
	}

	w, err := e.loadWorkload(ctx, agentID)
	if err != nil {
		return "", err
	}
	if w.CurrentCustomers > 0 {
		w.CurrentCustomers--
	}
	w.LastActivity = time.Now()
	if err := e.saveWorkload(ctx, w); err != nil {
		return "", err
	}
	return agentID, nil
}

// Release removes customerID's binding, decrements the agent's workload,
// and marks the session closed. It then attempts to drain the waiting
// queue into the agent's freed capacity.
func (e *Engine) Release(ctx context.Context, customerID string) error {
	e.mu.Lock()
	agentID, err := e.unbind(ctx, customerID)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	if agentID == "" {
		return nil
	}

	sess, err := e.repo.GetSession(ctx, customerID, agentID)
	if err == nil && sess != nil && sess.Status == domain.SessionActive {
		sess.Status = domain.SessionClosed
		now := time.Now()
		sess.ClosedAt = &now
		_ = e.repo.PutSession(ctx, sess)
	}

	_, err = e.drainWaiting(ctx)
	return err
}

// Transfer performs unbind-then-assign from the caller's perspective as a
// single operation, so no intermediate state exposes two bindings for the
// same customer. Unlike Release, the old session is marked transferred
// rather than closed, recording the handoff in its transfer history.
func (e *Engine) Transfer(ctx context.Context, customerID, toAgentID, reason string) (string, error) {
	e.mu.Lock()
	fromAgentID, err := e.unbind(ctx, customerID)
	e.mu.Unlock()
	if err != nil {
		return "", err
	}

	now := time.Now()
	if fromAgentID != "" {
		sess, err := e.repo.GetSession(ctx, customerID, fromAgentID)
		if err == nil && sess != nil {
			if sess.Status == domain.SessionActive {
				sess.Status = domain.SessionTransferred
				sess.ClosedAt = &now
			}
			sess.TransferHistory = append(sess.TransferHistory, domain.Transfer{
				From: fromAgentID, To: toAgentID, At: now, Reason: reason,
			})
			_ = e.repo.PutSession(ctx, sess)
		}
	}

	agentID, err := e.Assign(ctx, customerID, toAgentID)
	if err != nil {
		return "", err
	}
	return agentID, nil
}

func (e *Engine) enqueueWaiting(ctx context.Context, customerID string) error {
	return e.enqueueWaitingAt(ctx, customerID, time.Now())
}

// enqueueWaitingAt inserts customerID into the waiting queue at the
// position its enqueuedAt timestamp implies, keeping the queue ordered
// oldest-first. Used both for fresh waits (enqueuedAt=now) and for
// requeues after an agent disconnects, where the caller supplies the
// customer's original enqueue time to preserve fairness.
func (e *Engine) enqueueWaitingAt(ctx context.Context, customerID string, enqueuedAt time.Time) error {
	queue, err := e.loadQueue(ctx)
	if err != nil {
		return err
	}
	for _, entry := range queue {
		if entry.CustomerID == customerID {
			return nil
		}
	}
	queue = append(queue, WaitingEntry{CustomerID: customerID, EnqueuedAt: enqueuedAt})
	sort.Slice(queue, func(i, j int) bool { return queue[i].EnqueuedAt.Before(queue[j].EnqueuedAt) })
	return e.saveQueue(ctx, queue)
}

// Requeue releases customerID's current binding (if any) and returns it to
// the waiting queue at the position its original enqueue time implies,
// then attempts an immediate drain. Used by the Connection Registry's
// agent-disconnect path (spec.md §4.6) to preserve fairness for customers
// whose agent went away.
func (e *Engine) Requeue(ctx context.Context, customerID string, originalEnqueuedAt time.Time) error {
	e.mu.Lock()
	if _, err := e.unbind(ctx, customerID); err != nil {
		e.mu.Unlock()
		return err
	}
	if err := e.enqueueWaitingAt(ctx, customerID, originalEnqueuedAt); err != nil {
		e.mu.Unlock()
		return err
	}
	e.mu.Unlock()
	_, err := e.drainWaiting(ctx)
	return err
}

func (e *Engine) loadQueue(ctx context.Context) ([]WaitingEntry, error) {
	raw, err := e.cache.Get(ctx, waitingQueueKeyName)
	if err == cache.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeCacheUnavailable)
	}
	var queue []WaitingEntry
	if err := json.Unmarshal(raw, &queue); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeCacheUnavailable)
	}
	return queue, nil
}

func (e *Engine) saveQueue(ctx context.Context, queue []WaitingEntry) error {
	raw, err := json.Marshal(queue)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeCacheUnavailable)
	}
	if err := e.cache.SetWithTTL(ctx, waitingQueueKeyName, raw, 0); err != nil {
		return apperr.Wrap(err, apperr.CodeCacheUnavailable)
	}
	return nil
}

// drainWaiting attempts to assign the oldest waiting customer whenever
// capacity has freed up, preserving original enqueue order (fairness). It
// returns the customer id that got bound, or "" if the queue is empty or
// no agent currently has capacity.
func (e *Engine) drainWaiting(ctx context.Context) (string, error) {
	e.mu.Lock()
	queue, err := e.loadQueue(ctx)
	if err != nil {
		e.mu.Unlock()
		return "", err
	}
	if len(queue) == 0 {
		e.mu.Unlock()
		return "", nil
	}

	agentID, err := e.selectAgent(ctx)
	if err != nil {
		e.mu.Unlock()
		return "", err
	}
	if agentID == "" {
		e.mu.Unlock()
		return "", nil
	}

	next := queue[0]
	remaining := queue[1:]
	if err := e.bind(ctx, next.CustomerID, agentID); err != nil {
		e.mu.Unlock()
		return "", err
	}
	err = e.saveQueue(ctx, remaining)
	e.mu.Unlock()
	if err != nil {
		return "", err
	}
	return next.CustomerID, nil
}

// DrainWaiting is drainWaiting's exported form, called by the Scheduler
// (C9) on a periodic tick to opportunistically bind waiting customers to
// agents whose capacity freed up without an explicit Release (e.g. a new
// agent came online). Returns the bound customer id, or "" if nothing was bound.
func (e *Engine) DrainWaiting(ctx context.Context) (string, error) {
	return e.drainWaiting(ctx)
}

// WaitingCount reports how many customers are currently queued.
func (e *Engine) WaitingCount(ctx context.Context) (int, error) {
	queue, err := e.loadQueue(ctx)
	if err != nil {
		return 0, err
	}
	return len(queue), nil
}

// WaitingSnapshot returns the waiting queue in FIFO order, for the REST
// query surface's GET /api/kefu/waiting.
func (e *Engine) WaitingSnapshot(ctx context.Context) ([]WaitingEntry, error) {
	return e.loadQueue(ctx)
}

// RecordResponse folds a new response-time sample into the agent's rolling
// average and satisfaction score, feeding the selection algorithm's
// inv_response and satisfaction terms.
func (e *Engine) RecordResponse(ctx context.Context, agentID string, responseMs int, satisfaction float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	w, err := e.loadWorkload(ctx, agentID)
	if err != nil {
		return err
	}
	sample := float64(responseMs)
	if w.AvgResponseTimeMs == 0 {
		w.AvgResponseTimeMs = sample
	} else {
		w.AvgResponseTimeMs = (w.AvgResponseTimeMs + sample) / 2
	}
	if satisfaction > 0 {
		if w.SatisfactionScore == 0 {
			w.SatisfactionScore = satisfaction
		} else {
			w.SatisfactionScore = (w.SatisfactionScore + satisfaction) / 2
		}
	}
	w.LastActivity = time.Now()
	return e.saveWorkload(ctx, w)
}

// Workload returns the current workload entry for agentID.
func (e *Engine) Workload(ctx context.Context, agentID string) (domain.WorkloadEntry, error) {
	return e.loadWorkload(ctx, agentID)
}

// AgentCustomers returns the customer ids currently bound to agentID.
func (e *Engine) AgentCustomers(ctx context.Context, agentID string) ([]string, error) {
	members, err := e.cache.SMembers(ctx, agentCustomersPref+agentID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeCacheUnavailable)
	}
	return members, nil
}
