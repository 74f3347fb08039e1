package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/agentdesk/agentdesk/internal/cloudsync/schema"
	cloudsync "github.com/agentdesk/agentdesk/internal/cloudsync/sync"
	"github.com/agentdesk/agentdesk/internal/cloudsync/transport"
)

// Config holds coordinator configuration.
type Config struct {
	// ReconnectDebounce is how long to wait after connectivity returns
	// before draining the queue.
	ReconnectDebounce time.Duration

	// PullInterval is the period of the incremental pull in Run.
	// Zero disables periodic pulls.
	PullInterval time.Duration

	// AutoDrain starts a drain in the background after every queued
	// mutation.
	AutoDrain bool

	// FullSyncOnSignIn runs TriggerFullSync from SignIn.
	FullSyncOnSignIn bool

	// Logger for coordinator events.
	Logger *log.Logger

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() *Config {
	return &Config{
		ReconnectDebounce: 2 * time.Second,
		PullInterval:      60 * time.Second,
		FullSyncOnSignIn:  true,
		Logger:            log.New(os.Stderr, "[coordinator] ", log.LstdFlags),
		Now:               time.Now,
	}
}

// pass is a set of sync steps waiting to run.
type pass uint8

const (
	passDrain pass = 1 << iota
	passFull
	passPull
)

// Coordinator owns the sync state of one device: who is signed in, whether
// the cloud is reachable, and when the queue is drained.
//
// Only one pass runs at a time. A trigger that arrives while a pass is
// running is remembered and runs right after it.
type Coordinator struct {
	store  cloudsync.LocalStore
	tr     transport.Transport
	config *Config
	logger *log.Logger

	mu        sync.Mutex
	state     State
	identity  transport.Identity
	epoch     uint64
	online    bool
	running   bool
	pending   pass
	failing   bool
	bootstrap bool // a full pass is owed for this sign-in
	reconnect *time.Timer
	baseCtx   context.Context

	subMu   sync.Mutex
	subs    map[int]func(State)
	nextSub int

	// notifyMu keeps notifications in the order the state changed.
	notifyMu sync.Mutex
}

// New creates a Coordinator with the default configuration.
func New(store cloudsync.LocalStore, tr transport.Transport) (*Coordinator, error) {
	return NewWithConfig(store, tr, DefaultConfig())
}

// NewWithConfig creates a Coordinator. Nobody is signed in and the cloud is
// assumed reachable until told otherwise.
func NewWithConfig(store cloudsync.LocalStore, tr transport.Transport, config *Config) (*Coordinator, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if tr == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[coordinator] ", log.LstdFlags)
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Coordinator{
		store:   store,
		tr:      tr,
		config:  config,
		logger:  config.Logger,
		state:   State{Status: StatusIdle},
		online:  true,
		subs:    make(map[int]func(State)),
		baseCtx: context.Background(),
	}, nil
}

// State returns a copy of the current sync state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// Identity returns the signed-in identity, or the zero Identity.
func (c *Coordinator) Identity() transport.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Online reports whether the cloud is believed to be reachable.
func (c *Coordinator) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// SignIn makes id the active identity. With FullSyncOnSignIn the bootstrap
// is owed until a full pass succeeds: it runs right away when online, and
// otherwise in place of the first drain after reconnecting. Results of
// passes started under a previous identity are discarded.
func (c *Coordinator) SignIn(ctx context.Context, id transport.Identity) error {
	if id.IsZero() {
		return fmt.Errorf("sign in: %w", cloudsync.ErrIdentity)
	}
	count, err := c.store.QueueCount(ctx)
	if err != nil {
		return fmt.Errorf("failed to count queue: %w", err)
	}

	c.mu.Lock()
	c.epoch++
	c.identity = id
	c.pending = 0
	c.failing = false
	c.bootstrap = c.config.FullSyncOnSignIn
	c.state = State{Status: StatusIdle, PendingCount: count}
	if !c.online {
		c.state.Status = StatusOffline
	}
	online := c.online
	c.mu.Unlock()

	c.logger.Printf("Signed in as %s", id.UserID)
	c.notify()

	if online && c.config.FullSyncOnSignIn {
		c.TriggerFullSync(ctx)
	}
	return nil
}

// SignOut clears the identity. Queued mutations are kept for the next
// sign-in but no longer counted as pending.
func (c *Coordinator) SignOut() {
	c.mu.Lock()
	if c.identity.IsZero() {
		c.mu.Unlock()
		return
	}
	user := c.identity.UserID
	c.epoch++
	c.identity = transport.Identity{}
	c.pending = 0
	c.failing = false
	c.bootstrap = false
	if c.reconnect != nil {
		c.reconnect.Stop()
	}
	c.state = State{Status: StatusIdle}
	if !c.online {
		c.state.Status = StatusOffline
	}
	c.mu.Unlock()

	c.logger.Printf("Signed out %s", user)
	c.notify()
}

// SetIdentity signs in with id, or signs out when id is zero. Setting the
// identity that is already active does nothing.
func (c *Coordinator) SetIdentity(ctx context.Context, id transport.Identity) error {
	if id.IsZero() {
		c.SignOut()
		return nil
	}
	if c.Identity() == id {
		return nil
	}
	return c.SignIn(ctx, id)
}

// SetOnline records a connectivity change. Going offline stops pending
// reconnect work; coming back schedules a drain after ReconnectDebounce.
// Repeated reconnect signals restart the debounce.
func (c *Coordinator) SetOnline(online bool) {
	c.mu.Lock()
	changed := c.online != online
	c.online = online
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	if !online {
		c.state.Status = StatusOffline
		c.mu.Unlock()
		if changed {
			c.logger.Printf("Cloud unreachable, going offline")
			c.notify()
		}
		return
	}

	if c.state.Status == StatusOffline {
		switch {
		case c.running:
			c.state.Status = StatusSyncing
		case c.failing && c.state.PendingCount > 0:
			c.state.Status = StatusError
		default:
			c.state.Status = StatusIdle
		}
	}
	ctx := c.baseCtx
	c.reconnect = time.AfterFunc(c.config.ReconnectDebounce, func() {
		c.TriggerSync(ctx)
	})
	c.mu.Unlock()

	if changed {
		c.logger.Printf("Cloud reachable, draining in %v", c.config.ReconnectDebounce)
		c.notify()
	}
}

// TriggerSync drains the queue. It returns once the queue has been drained,
// or right away if a pass is already running, nobody is signed in, or the
// cloud is offline. While the sign-in bootstrap is still owed it runs a
// full sync instead.
func (c *Coordinator) TriggerSync(ctx context.Context) {
	c.trigger(ctx, passDrain)
}

// TriggerFullSync bulk-pushes every local workspace and session the cloud
// has never seen, drains the queue, then pulls and folds the full remote
// state.
func (c *Coordinator) TriggerFullSync(ctx context.Context) {
	c.trigger(ctx, passFull)
}

// PullChanges fetches remote changes since the last successful pull and
// folds them locally. Without a previous pull it fetches the full state.
func (c *Coordinator) PullChanges(ctx context.Context) {
	c.trigger(ctx, passPull)
}

func (c *Coordinator) trigger(ctx context.Context, p pass) {
	c.mu.Lock()
	if c.identity.IsZero() || !c.online {
		c.mu.Unlock()
		return
	}
	c.pending |= p
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	c.loop(ctx)
}

func (c *Coordinator) loop(ctx context.Context) {
	for {
		c.mu.Lock()
		p := c.pending
		c.pending = 0
		if p == 0 || c.identity.IsZero() || !c.online || ctx.Err() != nil {
			c.running = false
			c.mu.Unlock()
			return
		}
		if c.bootstrap {
			p |= passFull
		}
		id, epoch := c.identity, c.epoch
		c.state.Status = StatusSyncing
		c.mu.Unlock()

		c.notify()
		c.runPass(ctx, p, id, epoch)
	}
}

func (c *Coordinator) runPass(ctx context.Context, p pass, id transport.Identity, epoch uint64) {
	store := &guardedStore{LocalStore: c.store, c: c, epoch: epoch}
	syncer := cloudsync.New(store, c.tr, c.logger)

	var (
		drained  bool
		failed   int
		pullErr  error
		pulledAt *time.Time
	)

	if p&passFull != 0 {
		var pushErr error
		n, err := syncer.PushUnmapped(ctx, id)
		switch {
		case errors.Is(err, ErrDetached):
			return
		case err != nil:
			pushErr = fmt.Errorf("failed to push local records: %w", err)
			c.logger.Printf("%v", pushErr)
		case n > 0:
			c.logger.Printf("Bootstrapped %d record(s)", n)
		}
		if errors.Is(c.drain(ctx, syncer, store, id, &failed), ErrDetached) {
			return
		}
		drained = true

		start := c.config.Now()
		snap, err := c.tr.GetFullState(ctx, id)
		if err != nil {
			pullErr = fmt.Errorf("failed to pull full state: %w", err)
			c.logger.Printf("%v", pullErr)
		} else if _, err := syncer.FoldSnapshotStrict(ctx, snap); err != nil {
			if errors.Is(err, ErrDetached) {
				return
			}
			pullErr = fmt.Errorf("failed to fold full state: %w", err)
			c.logger.Printf("%v", pullErr)
		} else if pushErr == nil {
			pulledAt = &start
		}
		if pullErr == nil {
			pullErr = pushErr
		}
		if pullErr == nil {
			c.bootstrapDone(epoch)
		}
		p &^= passDrain | passPull
	}

	if p&passDrain != 0 {
		if errors.Is(c.drain(ctx, syncer, store, id, &failed), ErrDetached) {
			return
		}
		drained = true
	}

	if p&passPull != 0 {
		c.mu.Lock()
		since := c.state.LastSyncAt
		c.mu.Unlock()

		start := c.config.Now()
		var (
			snap transport.Snapshot
			err  error
		)
		if since == nil {
			snap, err = c.tr.GetFullState(ctx, id)
		} else {
			snap, err = c.tr.GetChangesSince(ctx, id, *since)
		}
		if err != nil {
			c.logger.Printf("Failed to pull changes: %v", err)
		} else if _, err := syncer.FoldSnapshot(ctx, snap); err != nil {
			if errors.Is(err, ErrDetached) {
				return
			}
		} else {
			pulledAt = &start
		}
	}

	c.settle(ctx, epoch, drained, failed, pullErr, pulledAt)
}

// bootstrapDone clears the owed bootstrap unless the identity has changed.
func (c *Coordinator) bootstrapDone(epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch == epoch {
		c.bootstrap = false
	}
}

// drain pushes a snapshot of the queue item by item. Items that fail stay
// queued with their attempt count bumped; the rest are removed.
func (c *Coordinator) drain(ctx context.Context, syncer cloudsync.Syncer, store *guardedStore, id transport.Identity, failed *int) error {
	items, err := c.store.ListQueue(ctx)
	if err != nil {
		c.logger.Printf("Failed to list queue: %v", err)
		*failed++
		return err
	}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := syncer.Apply(ctx, id, item)
		if errors.Is(err, ErrDetached) {
			c.logger.Printf("Identity changed during drain, discarding results")
			return ErrDetached
		}
		if err == nil {
			if err := store.RemoveQueueItem(ctx, item.ID); err != nil {
				if errors.Is(err, ErrDetached) {
					return err
				}
				c.logger.Printf("Failed to remove queue item %s: %v", item.ID, err)
			}
			continue
		}

		*failed++
		if cloudsync.Classify(err) == cloudsync.KindMapping {
			c.logger.Printf("MAPPING: %v", err)
		} else {
			c.logger.Printf("Failed to sync %v", err)
		}
		if err := store.MarkAttempt(ctx, item.ID, err); err != nil {
			if errors.Is(err, ErrDetached) {
				return err
			}
			c.logger.Printf("Failed to record attempt for %s: %v", item.ID, err)
		}
	}
	return nil
}

// settle publishes the outcome of a pass unless the identity changed while
// it ran.
func (c *Coordinator) settle(ctx context.Context, epoch uint64, drained bool, failed int, pullErr error, pulledAt *time.Time) {
	count, countErr := c.store.QueueCount(ctx)

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return
	}
	if countErr != nil {
		c.logger.Printf("Failed to count queue: %v", countErr)
	} else {
		c.state.PendingCount = count
	}
	if pulledAt != nil {
		c.state.LastSyncAt = pulledAt
	}
	if drained {
		c.failing = failed > 0 && c.state.PendingCount > 0
	}

	switch {
	case !c.online:
		c.state.Status = StatusOffline
	case pullErr != nil:
		c.state.Status = StatusError
		c.state.Error = pullErr.Error()
	case c.failing && c.state.PendingCount > 0:
		c.state.Status = StatusError
		c.state.Error = failureSummary(c.state.PendingCount)
	default:
		c.state.Status = StatusIdle
		c.state.Error = ""
	}
	c.mu.Unlock()

	c.notify()
}

// QueueMutation validates and persists a mutation for the next drain.
func (c *Coordinator) QueueMutation(ctx context.Context, t schema.EntityType, entityID string, op schema.Operation, payload schema.Record) error {
	item, err := newQueueItem(t, entityID, op, payload)
	if err != nil {
		return err
	}
	if err := c.store.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("failed to enqueue %s %s: %w", op, t, err)
	}
	c.queued()
	return nil
}

func newQueueItem(t schema.EntityType, entityID string, op schema.Operation, payload schema.Record) (*schema.QueueItem, error) {
	item := &schema.QueueItem{
		ID:         schema.NewID(),
		EntityType: t,
		EntityID:   entityID,
		Operation:  op,
		Payload:    payload,
	}
	if err := item.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", cloudsync.ErrInvalidPayload, err)
	}
	return item, nil
}

// queued accounts for one new queue item and starts a drain when AutoDrain
// is set.
func (c *Coordinator) queued() {
	c.mu.Lock()
	signedIn := !c.identity.IsZero()
	if signedIn {
		c.state.PendingCount++
	}
	c.mu.Unlock()
	if signedIn {
		c.notify()
	}

	if c.config.AutoDrain {
		go c.TriggerSync(c.baseContext())
	}
}

// QueueMutationJSON is QueueMutation for a raw JSON payload, which is
// checked against the entity's JSON Schema before decoding. A delete may
// pass an empty payload.
func (c *Coordinator) QueueMutationJSON(ctx context.Context, t schema.EntityType, entityID string, op schema.Operation, data []byte) error {
	var payload schema.Record
	if len(data) > 0 || op != schema.OpDelete {
		rec, err := schema.ParsePayload(t, data)
		if err != nil {
			return fmt.Errorf("%w: %w", cloudsync.ErrInvalidPayload, err)
		}
		payload = rec
	}
	return c.QueueMutation(ctx, t, entityID, op, payload)
}

// SaveRecord writes rec to the local store and queues it for push: a create
// the first time the record is seen, an update afterwards. UpdatedAt is
// bumped to now. The row and its queue item are committed together.
func (c *Coordinator) SaveRecord(ctx context.Context, rec schema.Record) error {
	meta := rec.SyncMeta()
	if meta.LocalID == "" {
		meta.LocalID = schema.NewID()
	}
	if d, ok := rec.(interface{ SetDefaults() }); ok {
		d.SetDefaults()
	}

	op := schema.OpUpdate
	if _, err := c.store.GetRecord(ctx, rec.EntityType(), meta.LocalID); errors.Is(err, schema.ErrNotFound) {
		op = schema.OpCreate
	} else if err != nil {
		return fmt.Errorf("failed to load %s %s: %w", rec.EntityType(), meta.LocalID, err)
	}

	meta.Touch(c.config.Now())
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("%w: %w", cloudsync.ErrInvalidPayload, err)
	}
	item, err := newQueueItem(rec.EntityType(), meta.LocalID, op, rec)
	if err != nil {
		return err
	}
	if err := c.store.SaveAndEnqueue(ctx, rec, item); err != nil {
		return fmt.Errorf("failed to save %s %s: %w", rec.EntityType(), meta.LocalID, err)
	}
	c.queued()
	return nil
}

// SoftDelete tombstones a local record and queues the tombstone as an
// update, so other devices learn about the deletion.
func (c *Coordinator) SoftDelete(ctx context.Context, t schema.EntityType, localID string) error {
	rec, err := c.store.GetRecord(ctx, t, localID)
	if err != nil {
		return fmt.Errorf("failed to load %s %s: %w", t, localID, err)
	}
	rec.SyncMeta().MarkDeleted(c.config.Now())
	item, err := newQueueItem(t, localID, schema.OpUpdate, rec)
	if err != nil {
		return err
	}
	if err := c.store.SaveAndEnqueue(ctx, rec, item); err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", t, localID, err)
	}
	c.queued()
	return nil
}

// Subscribe registers fn to receive a copy of the state after every change.
// Calls are serialized. The returned function unregisters fn.
func (c *Coordinator) Subscribe(fn func(State)) (unsubscribe func()) {
	c.subMu.Lock()
	key := c.nextSub
	c.nextSub++
	c.subs[key] = fn
	c.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, key)
			c.subMu.Unlock()
		})
	}
}

// Updates returns a channel fed with state changes. Updates are dropped
// while the channel is full. The channel is closed when ctx is done.
func (c *Coordinator) Updates(ctx context.Context, buffer int) <-chan State {
	ch := make(chan State, buffer)
	var (
		mu     sync.Mutex
		closed bool
	)
	unsubscribe := c.Subscribe(func(s State) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- s:
		default:
		}
	})
	go func() {
		<-ctx.Done()
		unsubscribe()
		mu.Lock()
		closed = true
		close(ch)
		mu.Unlock()
	}()
	return ch
}

func (c *Coordinator) notify() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	state := c.State()
	c.subMu.Lock()
	subs := make([]func(State), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.subMu.Unlock()

	for _, fn := range subs {
		fn(state.clone())
	}
}

func (c *Coordinator) baseContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.baseCtx
}

// Run pulls remote changes every PullInterval until ctx is cancelled.
// Reconnect and auto-drain work started while Run is active uses ctx.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	c.baseCtx = ctx
	c.mu.Unlock()

	c.logger.Printf("Coordinator started")
	defer c.logger.Printf("Coordinator stopped")

	if c.config.PullInterval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(c.config.PullInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			if c.reconnect != nil {
				c.reconnect.Stop()
				c.reconnect = nil
			}
			c.mu.Unlock()
			return nil
		case <-ticker.C:
			c.PullChanges(ctx)
		}
	}
}
