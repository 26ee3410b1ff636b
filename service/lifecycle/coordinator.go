// Package lifecycle drives transactions of one account from intent to a
// settled nonce and keeps the account's ledger snapshot fresh.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/brojonat/ethwallet/service/db"
	"github.com/brojonat/ethwallet/service/ledger"
	"github.com/brojonat/ethwallet/service/metrics"
	natspkg "github.com/brojonat/ethwallet/service/nats"
	"github.com/brojonat/ethwallet/service/nonce"
	"github.com/brojonat/ethwallet/service/replace"
	"github.com/brojonat/ethwallet/service/wallet"
)

// RecordStore persists transaction records.
type RecordStore interface {
	SaveRecord(ctx context.Context, rec *wallet.TransactionRecord) error
	GetRecord(ctx context.Context, hash common.Hash) (*wallet.TransactionRecord, error)
	ListRecords(ctx context.Context, filter wallet.RecordFilter) ([]*wallet.TransactionRecord, error)
	ListOpenRecords(ctx context.Context) ([]*wallet.TransactionRecord, error)
}

// LedgerStore persists the latest token ledger of an account.
type LedgerStore interface {
	ReplaceTokenBalances(ctx context.Context, addr common.Address, balances []wallet.TokenBalance, at time.Time) error
}

// Publisher fans record and balance events out to other processes.
type Publisher interface {
	PublishRecord(ctx context.Context, event *natspkg.RecordEvent) error
	PublishBalance(ctx context.Context, event *natspkg.BalanceEvent) error
}

// TxBuilder builds and signs a transaction for a given nonce.
type TxBuilder interface {
	Build(ctx context.Context, account wallet.Account, intent wallet.TransactionIntent, nonce uint64) (*wallet.SignedTransaction, error)
}

// Network submits transactions and observes the chain.
type Network interface {
	Submit(ctx context.Context, signed *wallet.SignedTransaction, kind wallet.RecordKind) (*wallet.TransactionRecord, error)
	Watch(ctx context.Context, rec *wallet.TransactionRecord) <-chan wallet.StatusUpdate
	Balance(ctx context.Context, addr common.Address) (*big.Int, error)
	NetworkNonce(ctx context.Context, addr common.Address) (uint64, error)
}

// Replacer broadcasts same-nonce replacements.
type Replacer interface {
	Replace(ctx context.Context, account wallet.Account, old *wallet.TransactionRecord, mode replace.Mode, fees *wallet.FeeParams) (*wallet.TransactionRecord, error)
	Resolve(addr common.Address, nonce uint64)
}

// TransferSource lists token transfer events touching an address.
type TransferSource interface {
	ListTokenTransfers(ctx context.Context, address string) ([]wallet.TransferEvent, error)
}

// Deps wires a Coordinator. Account, Nonces, Builder, Network and Replacer
// are required.
type Deps struct {
	Account   wallet.Account
	Nonces    *nonce.Tracker
	Builder   TxBuilder
	Network   Network
	Replacer  Replacer
	Store     RecordStore    // defaults to an in-memory store
	Ledger    LedgerStore    // optional
	Publisher Publisher      // optional
	Transfers TransferSource // optional; without it snapshots carry no tokens
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	// RefreshInterval enables the periodic refresh started by Start.
	RefreshInterval time.Duration
	// PublishTimeout bounds each publish to Publisher.
	PublishTimeout time.Duration

	Now func() time.Time
}

// EventType tells subscribers what an Event carries.
type EventType string

const (
	EventRecord   EventType = "record"
	EventSnapshot EventType = "snapshot"
)

// Event is delivered to subscribers on every record transition and refresh.
type Event struct {
	Type     EventType
	Record   *wallet.TransactionRecord
	Snapshot *Snapshot
}

// Snapshot is the ledger view of the account at RefreshedAt.
type Snapshot struct {
	Address     common.Address        `json:"address"`
	BalanceWei  *big.Int              `json:"balance_wei"`
	Tokens      []wallet.TokenBalance `json:"tokens"`
	RefreshedAt time.Time             `json:"refreshed_at"`
}

func (s *Snapshot) clone() *Snapshot {
	if s == nil {
		return nil
	}
	c := *s
	if s.BalanceWei != nil {
		c.BalanceWei = new(big.Int).Set(s.BalanceWei)
	}
	c.Tokens = make([]wallet.TokenBalance, len(s.Tokens))
	copy(c.Tokens, s.Tokens)
	return &c
}

// Coordinator owns the transaction lifecycle of one account.
type Coordinator struct {
	account   wallet.Account
	nonces    *nonce.Tracker
	builder   TxBuilder
	network   Network
	replacer  Replacer
	store     RecordStore
	ledger    LedgerStore
	publisher Publisher
	transfers TransferSource
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	refreshInterval time.Duration
	publishTimeout  time.Duration

	// mu serializes every operation that allocates or reuses a nonce.
	mu sync.Mutex

	stateMu sync.Mutex
	records map[common.Hash]*wallet.TransactionRecord
	watches map[common.Hash]context.CancelFunc

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int

	refreshGroup singleflight.Group
	snapMu       sync.RWMutex
	snapshot     *Snapshot

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// New creates a Coordinator. Call Start to resume persisted work and Close to stop.
func New(d Deps) (*Coordinator, error) {
	var missing []string
	if d.Account.Address == (common.Address{}) {
		missing = append(missing, "account")
	}
	if d.Nonces == nil {
		missing = append(missing, "nonces")
	}
	if d.Builder == nil {
		missing = append(missing, "builder")
	}
	if d.Network == nil {
		missing = append(missing, "network")
	}
	if d.Replacer == nil {
		missing = append(missing, "replacer")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("lifecycle: missing dependencies: %v", missing)
	}

	if d.Store == nil {
		d.Store = db.NewMemoryStore()
	}
	if d.Logger == nil {
		d.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	if d.PublishTimeout <= 0 {
		d.PublishTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		account:         d.Account,
		nonces:          d.Nonces,
		builder:         d.Builder,
		network:         d.Network,
		replacer:        d.Replacer,
		store:           d.Store,
		ledger:          d.Ledger,
		publisher:       d.Publisher,
		transfers:       d.Transfers,
		metrics:         d.Metrics,
		logger:          d.Logger.With("component", "lifecycle", "account", d.Account.Address.Hex()),
		now:             d.Now,
		refreshInterval: d.RefreshInterval,
		publishTimeout:  d.PublishTimeout,
		records:         make(map[common.Hash]*wallet.TransactionRecord),
		watches:         make(map[common.Hash]context.CancelFunc),
		subs:            make(map[int]chan Event),
		ctx:             ctx,
		cancel:          cancel,
	}, nil
}

// Account returns the managed account.
func (c *Coordinator) Account() wallet.Account { return c.account }

// Start restores the nonce counter, reconciles it with the network, resumes
// watches of open records and starts the periodic refresh.
func (c *Coordinator) Start(ctx context.Context) error {
	var err error
	c.startOnce.Do(func() { err = c.start(ctx) })
	return err
}

func (c *Coordinator) start(ctx context.Context) error {
	addr := c.account.Address

	if err := c.nonces.Restore(ctx, addr); err != nil {
		return fmt.Errorf("restore nonce: %w", err)
	}
	networkNonce, err := c.network.NetworkNonce(ctx, addr)
	if err != nil {
		return fmt.Errorf("query network nonce: %w", err)
	}
	next := c.nonces.Reconcile(addr, networkNonce)
	c.metrics.RecordNonceReconciliation("startup")

	open, err := c.store.ListOpenRecords(ctx)
	if err != nil {
		return fmt.Errorf("list open records: %w", err)
	}
	resumed := 0
	c.stateMu.Lock()
	for _, rec := range open {
		if rec.From != addr {
			continue
		}
		c.records[rec.Hash] = rec.Clone()
		c.startWatchLocked(rec)
		resumed++
	}
	c.updateOpenGaugeLocked()
	c.stateMu.Unlock()

	c.logger.InfoContext(ctx, "coordinator started",
		"next_nonce", next,
		"resumed_watches", resumed,
		"refresh_interval", c.refreshInterval,
	)

	if c.refreshInterval > 0 {
		c.wg.Add(1)
		go c.refreshLoop()
	}
	return nil
}

// Close stops watches and the refresh loop and closes subscriber channels.
// Records stay as they are; a later Start resumes them.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.wg.Wait()

		c.subMu.Lock()
		for id, ch := range c.subs {
			close(ch)
			delete(c.subs, id)
		}
		c.subMu.Unlock()
		c.logger.Info("coordinator closed")
	})
}

// SendPayment allocates a nonce, builds, signs and broadcasts intent, and
// starts watching the result. When the submission outcome is unknown the
// pending record is returned together with ErrTimeout or ErrNetwork.
func (c *Coordinator) SendPayment(ctx context.Context, intent wallet.TransactionIntent) (*wallet.TransactionRecord, error) {
	if intent.IsZero() {
		return nil, fmt.Errorf("%w: empty intent", wallet.ErrInvalidIntent)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	addr := c.account.Address
	n := c.nonces.Allocate(addr)

	signed, err := c.builder.Build(ctx, c.account, intent, n)
	if err != nil {
		c.nonces.Release(addr, n)
		return nil, err
	}

	rec, err := c.network.Submit(ctx, signed, wallet.KindPayment)
	if rec == nil {
		c.nonces.Release(addr, n)
		if errors.Is(err, wallet.ErrNonceTooLow) {
			c.reconcile(ctx, "nonce_too_low")
		}
		return nil, err
	}

	// an unknown outcome is committed by the watch once the nonce settles
	if err == nil {
		if cerr := c.nonces.Commit(ctx, addr, n); cerr != nil {
			c.logger.WarnContext(ctx, "failed to persist nonce", "nonce", n, "error", cerr)
		}
	}
	rec = c.track(ctx, rec)

	c.logger.InfoContext(ctx, "payment submitted",
		"hash", rec.Hash.Hex(),
		"nonce", n,
		"to", rec.To.Hex(),
		"value_wei", rec.ValueWei.String(),
	)
	return rec.Clone(), err
}

// CancelPayment replaces hash with a zero-value self transfer at the same
// nonce. When the original was already mined it returns the original record
// together with ErrAlreadyConfirmed; callers should treat that as a no-op.
func (c *Coordinator) CancelPayment(ctx context.Context, hash common.Hash) (*wallet.TransactionRecord, error) {
	return c.replace(ctx, hash, replace.ModeCancel, nil)
}

// SpeedUpPayment rebroadcasts hash's payment at the same nonce with higher
// fees. fees may be nil to use the minimum bump.
func (c *Coordinator) SpeedUpPayment(ctx context.Context, hash common.Hash, fees *wallet.FeeParams) (*wallet.TransactionRecord, error) {
	return c.replace(ctx, hash, replace.ModeSpeedUp, fees)
}

func (c *Coordinator) replace(ctx context.Context, hash common.Hash, mode replace.Mode, fees *wallet.FeeParams) (*wallet.TransactionRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	old, err := c.CurrentStatus(ctx, hash)
	if err != nil {
		return nil, err
	}

	rec, err := c.replacer.Replace(ctx, c.account, old, mode, fees)
	if errors.Is(err, wallet.ErrAlreadyConfirmed) {
		c.logger.InfoContext(ctx, "replacement not needed, nonce already settled",
			"mode", mode,
			"hash", hash.Hex(),
			"nonce", old.Nonce,
		)
		return old, err
	}
	if rec == nil {
		return nil, err
	}

	return c.track(ctx, rec), err
}

// CurrentStatus returns the latest known record of hash.
func (c *Coordinator) CurrentStatus(ctx context.Context, hash common.Hash) (*wallet.TransactionRecord, error) {
	c.stateMu.Lock()
	rec, ok := c.records[hash]
	if ok {
		rec = rec.Clone()
	}
	c.stateMu.Unlock()
	if ok {
		return rec, nil
	}
	return c.store.GetRecord(ctx, hash)
}

// Records lists the account's records, newest first. limit <= 0 means all.
func (c *Coordinator) Records(ctx context.Context, limit int) ([]*wallet.TransactionRecord, error) {
	addr := c.account.Address
	return c.store.ListRecords(ctx, wallet.RecordFilter{From: &addr, Limit: limit})
}

// Subscribe returns a channel of events and a func that unsubscribes. Events
// are dropped for a subscriber whose buffer is full.
func (c *Coordinator) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			defer c.subMu.Unlock()
			if _, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(ch)
			}
		})
	}
}

func (c *Coordinator) broadcast(ev Event) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for id, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			c.logger.Warn("subscriber buffer full, dropping event", "subscriber", id, "type", ev.Type)
		}
	}
}

// track stores a freshly broadcast record, announces it and starts its watch.
// A record whose nonce settled while it was being broadcast is stored as
// superseded by the settled record and is not watched.
func (c *Coordinator) track(ctx context.Context, rec *wallet.TransactionRecord) *wallet.TransactionRecord {
	rec = rec.Clone()

	c.stateMu.Lock()
	winner, settled := c.settledLocked(rec.From, rec.Nonce)
	if settled {
		rec.Status = wallet.StatusSuperseded
		rec.SupersededBy = &winner
		rec.UpdatedAt = c.now()
	}
	c.records[rec.Hash] = rec.Clone()
	c.persistLocked(ctx, rec)
	if !settled {
		c.startWatchLocked(rec)
	}
	c.updateOpenGaugeLocked()
	c.stateMu.Unlock()

	if settled {
		c.replacer.Resolve(rec.From, rec.Nonce)
		c.logger.InfoContext(ctx, "nonce settled during broadcast",
			"hash", rec.Hash.Hex(),
			"nonce", rec.Nonce,
			"superseded_by", winner.Hex(),
		)
	}
	c.metrics.RecordTransition(string(rec.Status))
	c.publish(rec)
	return rec.Clone()
}

// settledLocked reports the mined record, if any, that holds nonce for addr.
func (c *Coordinator) settledLocked(addr common.Address, nonce uint64) (common.Hash, bool) {
	for hash, rec := range c.records {
		if rec.From == addr && rec.Nonce == nonce && rec.Status.Terminal() && rec.Status != wallet.StatusSuperseded {
			return hash, true
		}
	}
	return common.Hash{}, false
}

func (c *Coordinator) startWatchLocked(rec *wallet.TransactionRecord) {
	if _, ok := c.watches[rec.Hash]; ok {
		return
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.watches[rec.Hash] = cancel

	updates := c.network.Watch(ctx, rec.Clone())
	c.wg.Add(1)
	go func(hash common.Hash) {
		defer c.wg.Done()
		defer cancel()
		for u := range updates {
			c.apply(ctx, u)
		}
		c.stateMu.Lock()
		delete(c.watches, hash)
		c.stateMu.Unlock()
	}(rec.Hash)
}

// apply merges a watch update. The first mined receipt for a nonce settles
// it: every other open record with that nonce is superseded and its watch stops.
func (c *Coordinator) apply(ctx context.Context, u wallet.StatusUpdate) {
	if u.Err != nil {
		c.logger.DebugContext(ctx, "watch poll failed", "hash", u.Hash.Hex(), "error", u.Err)
		return
	}

	now := c.now()
	c.stateMu.Lock()
	rec, ok := c.records[u.Hash]
	if !ok || rec.Status == wallet.StatusSuperseded {
		c.stateMu.Unlock()
		return
	}
	wasOpen := rec.Status.Open()
	if !rec.Apply(u, now) {
		c.stateMu.Unlock()
		return
	}

	changed := []*wallet.TransactionRecord{rec.Clone()}
	settled := wasOpen && rec.Status.Terminal()
	if settled {
		winner := rec.Hash
		for hash, other := range c.records {
			if hash == winner || other.Nonce != rec.Nonce || other.From != rec.From || !other.Status.Open() {
				continue
			}
			other.Status = wallet.StatusSuperseded
			other.SupersededBy = &winner
			other.UpdatedAt = now
			if cancel, ok := c.watches[hash]; ok {
				cancel()
			}
			changed = append(changed, other.Clone())
		}
	}
	for _, r := range changed {
		c.persistLocked(ctx, r)
	}
	c.updateOpenGaugeLocked()
	c.stateMu.Unlock()

	if settled {
		c.replacer.Resolve(rec.From, rec.Nonce)
		if err := c.nonces.Commit(ctx, rec.From, rec.Nonce); err != nil {
			c.logger.WarnContext(ctx, "failed to persist nonce", "nonce", rec.Nonce, "error", err)
		}
		c.metrics.RecordConfirmationLatency(string(changed[0].Kind), now.Sub(changed[0].CreatedAt).Seconds())
		c.logger.InfoContext(ctx, "nonce settled",
			"nonce", changed[0].Nonce,
			"hash", changed[0].Hash.Hex(),
			"status", changed[0].Status,
			"superseded", len(changed)-1,
		)
	}

	for _, r := range changed {
		c.metrics.RecordTransition(string(r.Status))
		c.publish(r)
	}
}

// persistLocked saves rec and notifies in-process subscribers in transition order.
func (c *Coordinator) persistLocked(ctx context.Context, rec *wallet.TransactionRecord) {
	saveCtx := context.WithoutCancel(ctx)
	if err := c.store.SaveRecord(saveCtx, rec); err != nil {
		c.logger.ErrorContext(ctx, "failed to save record", "hash", rec.Hash.Hex(), "error", err)
	}
	c.broadcast(Event{Type: EventRecord, Record: rec.Clone()})
}

func (c *Coordinator) updateOpenGaugeLocked() {
	open := 0
	for _, rec := range c.records {
		if rec.Status.Open() {
			open++
		}
	}
	c.metrics.SetOpenRecords(c.account.Address.Hex(), open)
}

// publish forwards rec to the external publisher, if any.
func (c *Coordinator) publish(rec *wallet.TransactionRecord) {
	if c.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.publishTimeout)
	defer cancel()
	if err := c.publisher.PublishRecord(ctx, natspkg.FromRecord(rec)); err != nil {
		c.logger.WarnContext(ctx, "failed to publish record event", "hash", rec.Hash.Hex(), "error", err)
	}
}

func (c *Coordinator) reconcile(ctx context.Context, reason string) {
	n, err := c.network.NetworkNonce(ctx, c.account.Address)
	if err != nil {
		c.logger.WarnContext(ctx, "nonce reconciliation failed", "reason", reason, "error", err)
		return
	}
	c.nonces.Reconcile(c.account.Address, n)
	c.metrics.RecordNonceReconciliation(reason)
}

// Snapshot returns the last refreshed ledger view, if any.
func (c *Coordinator) Snapshot() (*Snapshot, bool) {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	if c.snapshot == nil {
		return nil, false
	}
	return c.snapshot.clone(), true
}

// Refresh fetches the native balance and the token ledger. Concurrent calls
// share one in-flight refresh.
func (c *Coordinator) Refresh(ctx context.Context) (*Snapshot, error) {
	v, err, _ := c.refreshGroup.Do("refresh", func() (any, error) {
		return c.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot).clone(), nil
}

func (c *Coordinator) refresh(ctx context.Context) (*Snapshot, error) {
	start := time.Now()
	addr := c.account.Address
	snap := &Snapshot{Address: addr, Tokens: []wallet.TokenBalance{}}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		balance, err := c.network.Balance(gctx, addr)
		if err != nil {
			return fmt.Errorf("balance: %w", err)
		}
		snap.BalanceWei = balance
		return nil
	})
	if c.transfers != nil {
		g.Go(func() error {
			events, err := c.transfers.ListTokenTransfers(gctx, addr.Hex())
			if err != nil {
				return fmt.Errorf("token transfers: %w", err)
			}
			if tokens := ledger.Aggregate(ledger.Dedupe(events), addr.Hex()); tokens != nil {
				snap.Tokens = tokens
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.metrics.RecordLedgerRefresh("error", time.Since(start).Seconds())
		c.logger.WarnContext(ctx, "refresh failed", "error", err)
		return nil, err
	}
	snap.RefreshedAt = c.now()

	c.snapMu.Lock()
	c.snapshot = snap
	c.snapMu.Unlock()

	c.metrics.RecordLedgerRefresh("success", time.Since(start).Seconds())
	c.metrics.SetTokensHeld(addr.Hex(), len(snap.Tokens))

	if c.ledger != nil {
		if err := c.ledger.ReplaceTokenBalances(ctx, addr, snap.Tokens, snap.RefreshedAt); err != nil {
			c.logger.WarnContext(ctx, "failed to store token balances", "error", err)
		}
	}
	c.broadcast(Event{Type: EventSnapshot, Snapshot: snap.clone()})
	if c.publisher != nil {
		pctx, cancel := context.WithTimeout(ctx, c.publishTimeout)
		err := c.publisher.PublishBalance(pctx, &natspkg.BalanceEvent{
			Address:      addr.Hex(),
			BalanceWei:   snap.BalanceWei.String(),
			BalanceEther: wallet.FormatEther(snap.BalanceWei),
			Tokens:       snap.Tokens,
			RefreshedAt:  snap.RefreshedAt,
			PublishedAt:  time.Now().UTC(),
		})
		cancel()
		if err != nil {
			c.logger.WarnContext(ctx, "failed to publish balance event", "error", err)
		}
	}

	c.logger.DebugContext(ctx, "refresh complete",
		"balance_wei", snap.BalanceWei.String(),
		"tokens", len(snap.Tokens),
	)
	return snap, nil
}

func (c *Coordinator) refreshLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.refreshInterval)
	defer ticker.Stop()

	for {
		if _, err := c.Refresh(c.ctx); err != nil && c.ctx.Err() == nil {
			c.logger.Debug("periodic refresh failed", "error", err)
		}
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
