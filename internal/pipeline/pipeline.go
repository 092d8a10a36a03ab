// Package pipeline is the single path every operation takes. Mutations are
// either sent directly, with one conflict-resolving resubmission, or handed to
// the offline queue and answered with a queued result.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hyperengineering/offsync/internal/basestate"
	"github.com/hyperengineering/offsync/internal/conflict"
	"github.com/hyperengineering/offsync/internal/queue"
	"github.com/hyperengineering/offsync/internal/transport"
	"github.com/hyperengineering/offsync/internal/types"
)

// Forward sends one operation to the backend.
type Forward func(ctx context.Context, op types.Operation) (types.Fields, error)

// EntityCache is the local entity view. Base capture and local conflict
// checks read the confirmed layer only; optimistic results are layered on
// top and settled once no queued operation predicted them.
type EntityCache interface {
	Confirmed(entityType, id string) (types.Fields, bool)
	Merge(entityType, id string, fields types.Fields) types.Fields
	Optimistic(entityType, id string, fields types.Fields) types.Fields
	Settle(entityType, id string)
	Delete(entityType, id string)
}

// Config wires a Pipeline.
type Config struct {
	Sender   transport.Sender
	Resolver *conflict.Resolver
	Base     *basestate.Store
	Queue    *queue.Queue
	// Cache is optional. Without it no base state is captured, so any server
	// conflict surfaces as a local conflict.
	Cache EntityCache
	// Listener receives base-state storage failures. Queue events are
	// reported by the queue's own listener.
	Listener      queue.Listener
	Middleware    []Middleware
	InitialOnline bool
	Logger        *slog.Logger
}

// Pipeline composes base-state capture, conflict resolution and the offline
// queue around a transport sender.
type Pipeline struct {
	sender   transport.Sender
	resolver *conflict.Resolver
	base     *basestate.Store
	queue    *queue.Queue
	cache    EntityCache
	listener queue.Listener
	handler  Handler
	logger   *slog.Logger

	online atomic.Bool
	locks  *entityLocks

	root   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a Pipeline. Sender, Base and Queue are required.
func New(cfg Config) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Listener == nil {
		cfg.Listener = queue.NopListener{}
	}
	if cfg.Resolver == nil {
		cfg.Resolver = conflict.New(conflict.WithLogger(cfg.Logger))
	}
	root, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		sender:   cfg.Sender,
		resolver: cfg.Resolver,
		base:     cfg.Base,
		queue:    cfg.Queue,
		cache:    cfg.Cache,
		listener: cfg.Listener,
		logger:   cfg.Logger.With("component", "pipeline"),
		locks:    newEntityLocks(),
		root:     root,
		cancel:   cancel,
	}
	p.online.Store(cfg.InitialOnline)
	p.handler = Chain(func(ctx context.Context, op types.Operation) (types.Result, error) {
		return p.Process(ctx, op, p.sender.Send)
	}, cfg.Middleware...)
	return p
}

// Submit runs op through the middleware chain and the pipeline using the
// configured sender.
func (p *Pipeline) Submit(ctx context.Context, op types.Operation) (types.Result, error) {
	return p.handler(ctx, op)
}

// SetOnline updates the cached network flag consulted for every mutation.
func (p *Pipeline) SetOnline(online bool) {
	if p.online.Swap(online) != online {
		p.logger.Info("network status changed", "action", "status", "online", online)
	}
}

// Online reports the cached network flag.
func (p *Pipeline) Online() bool {
	return p.online.Load()
}

// Queue returns the offline queue the pipeline feeds.
func (p *Pipeline) Queue() *queue.Queue {
	return p.queue
}

// Drain forwards queued entries through the pipeline while online.
func (p *Pipeline) Drain(ctx context.Context) (queue.DrainReport, error) {
	return p.queue.Drain(ctx, p)
}

// TriggerDrain starts a drain in the background. It is a no-op while offline
// and collapses into the running drain if there is one.
func (p *Pipeline) TriggerDrain() {
	if !p.Online() {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if _, err := p.Drain(p.root); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Error("background drain failed", "action", "drain", "error", err)
		}
	}()
}

// Close stops background drains and waits for them to return. Entries in
// flight when Close is called are retried after the next Restore.
func (p *Pipeline) Close() {
	p.cancel()
	p.wg.Wait()
}

// Wait blocks until background drains started so far have finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Process handles one operation with next as the transport.
//
// Non-mutations pass straight to next. Online-only mutations are always sent
// directly. Replayed operations go to the queue without a new base capture.
// Otherwise, offline mutations and mutations on an entity that already has
// queued work are queued behind it and answered with a queued result; online
// mutations are sent directly, and queued if the send fails at the network.
func (p *Pipeline) Process(ctx context.Context, op types.Operation, next Forward) (types.Result, error) {
	if !op.IsMutation() {
		data, err := next(ctx, op)
		if err != nil {
			return types.Result{}, err
		}
		return succeeded(op, data), nil
	}
	if op.ID == "" {
		op.ID = types.NewOperationID()
	}
	if op.Replay {
		return p.enqueue(ctx, op)
	}

	op.EntityID = p.queue.ResolveAlias(op.EntityID)
	key := op.EntityKey()
	unlock := p.locks.lock(key)

	if !op.OnlineOnly && (!p.Online() || p.queue.HasEntity(key)) {
		p.captureBase(ctx, op, true)
		p.applyOptimistic(op)
		res, err := p.enqueue(ctx, op)
		unlock()
		return res, err
	}
	defer unlock()

	base := p.captureBase(ctx, op, false)
	data, err := p.send(ctx, op, base, next)
	switch {
	case err == nil:
		p.confirm(ctx, op, data)
		return succeeded(op, data), nil
	case types.IsRetryable(err) && !op.OnlineOnly:
		p.logger.Info("send failed at the network, queueing",
			"action", "process",
			"operation_id", op.ID,
			"entity_key", key,
			"error", err,
		)
		if perr := p.base.Persist(ctx, key); perr != nil {
			p.storageWarning(key, perr)
		}
		p.applyOptimistic(op)
		return p.enqueue(ctx, op)
	default:
		p.releaseBase(ctx, key)
		return types.Result{}, err
	}
}

// Forward sends one drained queue entry. It implements queue.Forwarder.
func (p *Pipeline) Forward(ctx context.Context, entry types.QueueEntry) (types.Fields, error) {
	op := entry.Operation
	unlock := p.locks.lock(op.EntityKey())
	defer unlock()

	base, ok := p.base.Read(op.EntityKey())
	if !ok {
		base = entry.BaseSnapshot
	}
	data, err := p.send(ctx, op, base, p.sender.Send)
	if err != nil {
		if !types.IsRetryable(err) && ctx.Err() == nil {
			p.settleOptimistic(op)
		}
		return nil, err
	}
	p.updateCache(op, data)
	p.settleOptimistic(op)
	return data, nil
}

func (p *Pipeline) enqueue(ctx context.Context, op types.Operation) (types.Result, error) {
	entry, ticket, err := p.queue.Enqueue(ctx, op)
	if err != nil {
		return types.Result{}, err
	}
	p.TriggerDrain()
	data := op.OptimisticResult
	if data == nil {
		data = op.Payload
	}
	return types.Result{
		Status:      types.ResultQueued,
		OperationID: entry.Operation.ID,
		EntityID:    entry.Operation.EntityID,
		Data:        data.Clone(),
		Ticket:      ticket,
	}, nil
}

// captureBase records the cached entity as the operation's base, reusing an
// older snapshot when one exists. It returns the base in effect, or nil when
// the entity is unknown locally.
func (p *Pipeline) captureBase(ctx context.Context, op types.Operation, persist bool) types.Fields {
	key := op.EntityKey()
	var current types.Fields
	if p.cache != nil {
		current, _ = p.cache.Confirmed(op.EntityType, op.EntityID)
	}
	if current == nil {
		if persist {
			if err := p.base.Persist(ctx, key); err != nil {
				p.storageWarning(key, err)
			}
		}
		base, _ := p.base.Read(key)
		return base
	}
	base, err := p.base.Capture(ctx, key, current, persist)
	if err != nil {
		p.storageWarning(key, err)
	}
	return base
}

// send forwards op after a local staleness check. A conflict-shaped rejection
// is resolved against base and resubmitted once.
func (p *Pipeline) send(ctx context.Context, op types.Operation, base types.Fields, next Forward) (types.Fields, error) {
	if base != nil && p.cache != nil {
		if current, ok := p.cache.Confirmed(op.EntityType, op.EntityID); ok && p.resolver.Stale(base, current) {
			return nil, &types.LocalConflictError{Base: base, Variables: op.Payload.Clone()}
		}
	}

	data, err := next(ctx, op)
	if err == nil {
		return data, nil
	}
	info, ok := transport.ConflictInfoFrom(err)
	if !ok {
		return nil, err
	}
	if base == nil {
		return nil, &types.LocalConflictError{Variables: op.Payload.Clone()}
	}

	outcome, rerr := p.resolver.Resolve(op.Name, base, op.Payload, info.ServerState)
	if rerr != nil {
		return nil, &types.ServerConflictError{
			OperationName: op.Name,
			Base:          base,
			Client:        op.Payload.Clone(),
			Server:        info.ServerState,
			Cause:         rerr,
		}
	}

	resubmit := op.Clone()
	resubmit.Payload = op.Payload.Merge(outcome.Resolved)
	p.logger.Info("resubmitting resolved operation",
		"action", "resubmit",
		"operation_id", op.ID,
		"entity_key", op.EntityKey(),
		"conflicted", outcome.Conflicted,
	)
	data, err = next(ctx, resubmit)
	if err == nil {
		return data, nil
	}
	if again, ok := transport.ConflictInfoFrom(err); ok {
		return nil, &types.ServerConflictError{
			OperationName: op.Name,
			Base:          base,
			Client:        resubmit.Payload,
			Server:        again.ServerState,
			Cause:         err,
		}
	}
	return nil, err
}

// confirm settles a direct send: base state is released and the cache and
// queue learn any server-assigned id.
func (p *Pipeline) confirm(ctx context.Context, op types.Operation, data types.Fields) {
	p.releaseBase(ctx, op.EntityKey())
	if serverID, ok := data["id"].(string); ok && types.IsClientID(op.EntityID) && serverID != op.EntityID {
		p.queue.RewriteID(ctx, op.EntityType, op.EntityID, serverID)
	}
	p.updateCache(op, data)
}

func (p *Pipeline) updateCache(op types.Operation, data types.Fields) {
	if p.cache == nil || len(data) == 0 {
		return
	}
	id := op.EntityID
	if serverID, ok := data["id"].(string); ok && serverID != "" && serverID != id {
		if types.IsClientID(id) {
			p.cache.Delete(op.EntityType, id)
		}
		id = serverID
	}
	p.cache.Merge(op.EntityType, id, data)
}

// releaseBase deletes the base state of a directly sent operation unless
// queued entries for the entity still depend on it. Callers hold the entity
// lock, so no entry can be queued for key in between.
func (p *Pipeline) releaseBase(ctx context.Context, key string) {
	if p.queue.HasEntity(key) {
		return
	}
	if err := p.base.Delete(ctx, key); err != nil {
		p.storageWarning(key, err)
	}
}

func (p *Pipeline) applyOptimistic(op types.Operation) {
	if p.cache == nil || op.OptimisticResult == nil {
		return
	}
	p.cache.Optimistic(op.EntityType, op.EntityID, op.OptimisticResult)
}

// settleOptimistic drops predicted state once the entry being forwarded is
// the last one queued for its entity.
func (p *Pipeline) settleOptimistic(op types.Operation) {
	if p.cache == nil || p.queue.EntityEntries(op.EntityKey()) > 1 {
		return
	}
	p.cache.Settle(op.EntityType, op.EntityID)
}

func (p *Pipeline) storageWarning(key string, err error) {
	p.logger.Warn("base state persistence failed",
		"action", "basestate",
		"entity_key", key,
		"error", err,
	)
	p.listener.OnStorageFailure(err)
}

func succeeded(op types.Operation, data types.Fields) types.Result {
	id := op.EntityID
	if serverID, ok := data["id"].(string); ok && serverID != "" {
		id = serverID
	}
	return types.Result{
		Status:      types.ResultSucceeded,
		OperationID: op.ID,
		EntityID:    id,
		Data:        data,
	}
}
