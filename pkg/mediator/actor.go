// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mediator implements the Inter-Loop Mediator: the single actor
// through which every loop sends Alert, Query, and Share traffic, so that
// loops never address each other directly. All mutable state (the
// registry, the subscription map, pending queries) lives on one goroutine.
package mediator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/kadirpekel/loopctl/pkg/config"
	"github.com/kadirpekel/loopctl/pkg/domain"
	"github.com/kadirpekel/loopctl/pkg/metrics"
	"github.com/kadirpekel/loopctl/pkg/ratelimit"
	"github.com/kadirpekel/loopctl/pkg/telemetry"
)

type queryResult struct {
	payload any
	err     error
}

type pendingQuery struct {
	id       string
	from     string
	target   string
	reply    chan queryResult
	resolved bool
	timer    *time.Timer
}

// Actor is the Mediator Actor.
type Actor struct {
	cfg     config.MediatorConfig
	log     *slog.Logger
	inbox   chan func()
	done    chan struct{}
	closed  chan struct{}
	once    sync.Once

	limiter  *ratelimit.DefaultRateLimiter
	blockAll bool // RateLimit configured to exactly 0: reject every call, limiter is never consulted
	eventLog *os.File

	registry    map[string]chan Message
	subs        map[string]map[string]bool // eventType -> loopID -> true
	pending     map[string]*pendingQuery
	nextQueryID int64

	metrics Metrics
	prom    *metrics.Metrics // optional external Prometheus sink; nil is fine
	tel     *telemetry.Provider
}

// SetMetrics attaches the Prometheus sink the actor reports into alongside
// its own in-memory Metrics snapshot. Call before Run.
func (a *Actor) SetMetrics(m *metrics.Metrics) {
	a.prom = m
}

// SetTelemetry attaches the tracer provider Alert/Query/Share dispatch
// spans are started against. Call before Run.
func (a *Actor) SetTelemetry(p *telemetry.Provider) {
	a.tel = p
}

// New creates a Mediator Actor. Call Run to start its event loop.
func New(cfg config.MediatorConfig) (*Actor, error) {
	rateLimit := 20
	if cfg.RateLimit != nil {
		rateLimit = *cfg.RateLimit
	}

	// A rate limit of exactly 0 means "reject every Alert/Query/Share
	// call"; ratelimit.NewRateLimiter itself rejects a non-positive
	// Limit, so that boundary is handled here instead of being passed
	// through to it.
	blockAll := rateLimit == 0

	var limiter *ratelimit.DefaultRateLimiter
	if !blockAll {
		var err error
		limiter, err = ratelimit.NewRateLimiter(&ratelimit.Config{
			Enabled: true,
			Limits: []ratelimit.LimitRule{
				{Type: ratelimit.LimitTypeCount, Window: ratelimit.TimeWindow(cfg.RateWindow.String()), Limit: int64(rateLimit)},
			},
		}, ratelimit.NewMemoryStore())
		if err != nil {
			return nil, fmt.Errorf("mediator: building rate limiter: %w", err)
		}
	}

	var eventLog *os.File
	if cfg.EventLogPath != "" {
		f, err := os.OpenFile(cfg.EventLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("mediator: opening event log: %w", err)
		}
		eventLog = f
	}

	buf := cfg.ChannelBuffer
	if buf <= 0 {
		buf = 256
	}

	return &Actor{
		cfg:      cfg,
		log:      slog.Default().With("component", "mediator"),
		inbox:    make(chan func(), buf),
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
		limiter:  limiter,
		blockAll: blockAll,
		eventLog: eventLog,
		registry: make(map[string]chan Message),
		subs:     make(map[string]map[string]bool),
		pending:  make(map[string]*pendingQuery),
	}, nil
}

// Run executes the actor's single event loop until Shutdown is called or
// ctx is cancelled.
func (a *Actor) Run(ctx context.Context) {
	defer close(a.closed)
	defer func() {
		if a.eventLog != nil {
			a.eventLog.Close()
		}
	}()
	for {
		select {
		case fn := <-a.inbox:
			a.metrics.MessagesReceived++
			a.prom.RecordMessageReceived()
			fn()
		case <-a.done:
			a.drainOnShutdown()
			return
		case <-ctx.Done():
			return
		}
	}
}

func (a *Actor) drainOnShutdown() {
	for id, p := range a.pending {
		p.resolve(queryResult{err: ErrQueryCancelled})
		delete(a.pending, id)
	}
	for id, ch := range a.registry {
		close(ch)
		delete(a.registry, id)
	}
}

func (a *Actor) submit(fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case a.inbox <- wrapped:
	case <-a.closed:
		return ErrChannelClosed
	}
	select {
	case <-done:
		return nil
	case <-a.closed:
		return ErrChannelClosed
	}
}

func (p *pendingQuery) resolve(r queryResult) {
	if p.resolved {
		return
	}
	p.resolved = true
	if p.timer != nil {
		p.timer.Stop()
	}
	p.reply <- r
	close(p.reply)
}

func (a *Actor) persist(evt PersistedEvent) {
	if a.eventLog == nil {
		return
	}
	data, err := json.Marshal(evt)
	if err != nil {
		a.log.Warn("failed to marshal mediator event", "error", err)
		return
	}
	if _, err := a.eventLog.Write(append(data, '\n')); err != nil {
		a.log.Warn("failed to persist mediator event", "error", err)
	}
}

// Register adds a loop to the registry and returns its Handle.
func (a *Actor) Register(loopID string) (*Handle, error) {
	var h *Handle
	err := a.submit(func() {
		buf := a.cfg.LoopChannelBuffer
		if buf <= 0 {
			buf = 32
		}
		ch := make(chan Message, buf)
		a.registry[loopID] = ch
		h = &Handle{LoopID: loopID, Inbound: ch, mediator: a}
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Unregister removes a loop from the registry and purges its subscriptions.
func (a *Actor) Unregister(loopID string) error {
	return a.submit(func() {
		if ch, ok := a.registry[loopID]; ok {
			close(ch)
			delete(a.registry, loopID)
		}
		for eventType, subscribers := range a.subs {
			delete(subscribers, loopID)
			if len(subscribers) == 0 {
				delete(a.subs, eventType)
			}
		}
		a.recountSubscriptions()
	})
}

// Subscribe registers loopID as a subscriber of eventType.
func (a *Actor) Subscribe(loopID, eventType string) error {
	return a.submit(func() {
		if a.subs[eventType] == nil {
			a.subs[eventType] = make(map[string]bool)
		}
		a.subs[eventType][loopID] = true
		a.recountSubscriptions()
	})
}

// Unsubscribe removes loopID as a subscriber of eventType.
func (a *Actor) Unsubscribe(loopID, eventType string) error {
	return a.submit(func() {
		if subscribers, ok := a.subs[eventType]; ok {
			delete(subscribers, loopID)
			if len(subscribers) == 0 {
				delete(a.subs, eventType)
			}
		}
		a.recountSubscriptions()
	})
}

func (a *Actor) recountSubscriptions() {
	var total int64
	for _, subscribers := range a.subs {
		total += int64(len(subscribers))
	}
	a.metrics.TotalSubscriptions = total
	a.prom.SetSubscriptions(int(total))
}

// checkRateLimit evicts-and-checks the sliding count for loopID.
func (a *Actor) checkRateLimit(ctx context.Context, loopID string) bool {
	if a.blockAll {
		a.metrics.RateLimitViolations++
		a.prom.RecordRateLimitViolation()
		return false
	}
	result, err := a.limiter.CheckAndRecord(ctx, ratelimit.ScopeSession, loopID, 0, 1)
	if err != nil {
		a.log.Warn("rate limiter check failed, allowing request", "loop_id", loopID, "error", err)
		return true
	}
	if !result.Allowed {
		a.metrics.RateLimitViolations++
		a.prom.RecordRateLimitViolation()
	}
	return result.Allowed
}

// Alert fire-and-forgets eventType to every current subscriber.
func (a *Actor) Alert(ctx context.Context, from, eventType string, payload any) error {
	ctx, span := a.tel.StartMediatorDispatch(ctx, "alert", from)
	defer span.End()
	return a.submit(func() {
		if !a.checkRateLimit(ctx, from) {
			return
		}
		evt := PersistedEvent{ID: domain.NewID("alert"), Kind: "alert", From: from, EventType: eventType, CreatedAt: time.Now()}
		a.persist(evt)

		var sent int
		for loopID := range a.subs[eventType] {
			ch, ok := a.registry[loopID]
			if !ok {
				continue
			}
			select {
			case ch <- Message{Kind: KindNotification, From: from, EventType: eventType, Payload: payload}:
				sent++
			default:
				a.log.Warn("dropping alert, subscriber channel full", "loop_id", loopID, "event_type", eventType)
			}
		}
		a.metrics.MessagesSent += int64(sent)
		a.prom.RecordMessageSent(sent)
	})
}

// Query sends a point-to-point request to target and blocks until a reply
// arrives, the deadline elapses, or ctx is cancelled.
func (a *Actor) Query(ctx context.Context, from, target string, payload any, timeout time.Duration) (any, error) {
	ctx, span := a.tel.StartMediatorDispatch(ctx, "query", from)
	defer span.End()

	if timeout <= 0 {
		timeout = a.cfg.QueryTimeoutDefault
	}

	replyCh := make(chan queryResult, 1)
	var queryID string
	var immediateErr error

	err := a.submit(func() {
		if !a.checkRateLimit(ctx, from) {
			immediateErr = ErrRateLimited
			return
		}

		a.nextQueryID++
		queryID = fmt.Sprintf("q-%d", a.nextQueryID)

		evt := PersistedEvent{ID: queryID, Kind: "query", From: from, Target: target, CreatedAt: time.Now()}
		a.persist(evt)

		ch, ok := a.registry[target]
		if !ok {
			replyCh <- queryResult{err: ErrTargetNotFound}
			close(replyCh)
			return
		}

		p := &pendingQuery{id: queryID, from: from, target: target, reply: replyCh}
		p.timer = time.AfterFunc(timeout, func() {
			_ = a.submit(func() {
				if pending, ok := a.pending[queryID]; ok {
					pending.resolve(queryResult{err: ErrQueryTimeout})
					delete(a.pending, queryID)
					a.metrics.QueryTimeouts++
					a.prom.RecordQueryTimeout()
				}
			})
		})
		a.pending[queryID] = p

		select {
		case ch <- Message{Kind: KindQuery, From: from, QueryID: queryID, Payload: payload}:
			a.metrics.MessagesSent++
			a.prom.RecordMessageSent(1)
		default:
			a.log.Warn("dropping query, target channel full", "target", target)
			p.resolve(queryResult{err: ErrTargetNotFound})
			delete(a.pending, queryID)
		}
	})
	if err != nil {
		return nil, err
	}
	if immediateErr != nil {
		return nil, immediateErr
	}

	select {
	case r, ok := <-replyCh:
		if !ok {
			return nil, ErrQueryCancelled
		}
		return r.payload, r.err
	case <-ctx.Done():
		_ = a.submit(func() {
			if pending, ok := a.pending[queryID]; ok {
				pending.resolve(queryResult{err: ErrQueryCancelled})
				delete(a.pending, queryID)
			}
		})
		return nil, ctx.Err()
	}
}

// queryReply resolves a pending query on behalf of a Handle.
func (a *Actor) queryReply(loopID, queryID string, payload any) {
	_ = a.submit(func() {
		p, ok := a.pending[queryID]
		if !ok {
			return // late reply, dropped
		}
		p.resolve(queryResult{payload: payload})
		delete(a.pending, queryID)
	})
}

// Share best-effort delivers payload to target; no reply is expected.
func (a *Actor) Share(ctx context.Context, from, target string, payload any) error {
	ctx, span := a.tel.StartMediatorDispatch(ctx, "share", from)
	defer span.End()
	return a.submit(func() {
		if !a.checkRateLimit(ctx, from) {
			return
		}
		evt := PersistedEvent{ID: domain.NewID("share"), Kind: "share", From: from, Target: target, CreatedAt: time.Now()}
		a.persist(evt)

		ch, ok := a.registry[target]
		if !ok {
			return
		}
		select {
		case ch <- Message{Kind: KindShare, From: from, Payload: payload}:
			a.metrics.MessagesSent++
			a.prom.RecordMessageSent(1)
		default:
			a.log.Warn("dropping share, target channel full", "target", target)
		}
	})
}

// Stop best-effort delivers a wind-down request to target.
func (a *Actor) Stop(from, target, reason string) error {
	return a.submit(func() {
		ch, ok := a.registry[target]
		if !ok {
			return
		}
		select {
		case ch <- Message{Kind: KindStop, From: from, Reason: reason}:
			a.metrics.MessagesSent++
			a.prom.RecordMessageSent(1)
		default:
			a.log.Warn("dropping stop, target channel full", "target", target)
		}
	})
}

// GetMetrics returns a snapshot of the actor's counters.
func (a *Actor) GetMetrics() (Metrics, error) {
	var m Metrics
	err := a.submit(func() {
		m = a.metrics
	})
	return m, err
}

// Shutdown stops the actor's event loop, cancelling every pending query and
// closing every registered loop's channel.
func (a *Actor) Shutdown(ctx context.Context) error {
	a.once.Do(func() { close(a.done) })
	select {
	case <-a.closed:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("mediator shutdown: %w", ctx.Err())
	}
}
