package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/ledgersync/internal/errs"
	"github.com/and161185/ledgersync/internal/limiter"
	"github.com/and161185/ledgersync/internal/lock"
	"github.com/and161185/ledgersync/internal/model"
	"github.com/and161185/ledgersync/internal/qbo"
	"github.com/and161185/ledgersync/internal/repository"
)

// Sync engine defaults.
const (
	DefaultMaxAge       = time.Hour
	DefaultMaxAncestors = 64

	syncLockKey = "sync:" + model.EntityAccount
)

// RemoteAccounts fetches account records changed since a point in time.
type RemoteAccounts interface {
	FetchAccountsSince(ctx context.Context, since *time.Time) ([]qbo.Record, error)
}

// AccountService mirrors remote accounts into the local store and serves reads.
type AccountService interface {
	// ShouldSync reports whether the local mirror is missing or older than the max age.
	ShouldSync(ctx context.Context) (bool, error)
	// Sync runs one fetch-reconcile-checkpoint pass unconditionally.
	Sync(ctx context.Context) (model.SyncResult, error)
	// GetAccounts returns stored accounts, optionally filtered by name prefix.
	GetAccounts(ctx context.Context, namePrefix string) ([]model.Account, error)
	// GetAccountsWithSync syncs first when forced or stale, then reads.
	GetAccountsWithSync(ctx context.Context, namePrefix string, force bool) ([]model.Account, error)
	// AllowForce charges one forced sync to the client at ip.
	AllowForce(ctx context.Context, ip string) error
	// GetAccount returns one stored account by external id.
	GetAccount(ctx context.Context, qboID string) (*model.Account, error)
	// Ancestors returns the parent chain of an account, nearest first.
	Ancestors(ctx context.Context, qboID string) ([]model.Account, error)
	// Status reports checkpoint freshness.
	Status(ctx context.Context) (model.SyncStatus, error)
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	MaxAge       time.Duration
	MaxAncestors int
}

type AccountServiceImpl struct {
	accounts    repository.AccountRepository
	checkpoints repository.CheckpointRepository
	remote      RemoteAccounts
	locker      *lock.Locker
	lim         limiter.Limiter
	maxAge      time.Duration
	maxDepth    int
	log         *zap.Logger
	now         func() time.Time

	mu   sync.Mutex
	last model.SyncResult // outcome of the latest locked run, handed to joined callers
}

// NewAccountService constructs AccountService with required dependencies.
func NewAccountService(
	accounts repository.AccountRepository,
	checkpoints repository.CheckpointRepository,
	remote RemoteAccounts,
	locker *lock.Locker,
	lim limiter.Limiter,
	cfg SyncConfig,
	log *zap.Logger,
) *AccountServiceImpl {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.MaxAncestors <= 0 {
		cfg.MaxAncestors = DefaultMaxAncestors
	}
	if lim == nil {
		lim = limiter.Unlimited{}
	}
	return &AccountServiceImpl{
		accounts:    accounts,
		checkpoints: checkpoints,
		remote:      remote,
		locker:      locker,
		lim:         lim,
		maxAge:      cfg.MaxAge,
		maxDepth:    cfg.MaxAncestors,
		log:         log,
		now:         time.Now,
	}
}

// ShouldSync is true when no checkpoint exists or it is strictly older than the max age.
func (s *AccountServiceImpl) ShouldSync(ctx context.Context) (bool, error) {
	cp, err := s.checkpoints.Get(ctx, model.EntityAccount)
	if errors.Is(err, errs.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return s.now().Sub(cp.LastSyncAt) > s.maxAge, nil
}

// Sync runs a pass regardless of staleness.
func (s *AccountServiceImpl) Sync(ctx context.Context) (model.SyncResult, error) {
	return s.syncLocked(ctx, true)
}

// syncLocked runs a pass under the sync lock. Unforced callers re-check staleness
// once they hold the lock and skip when a pass just finished. Callers that join a
// run already in flight get its outcome with Joined set.
func (s *AccountServiceImpl) syncLocked(ctx context.Context, force bool) (model.SyncResult, error) {
	var (
		res model.SyncResult
		ran bool
	)
	shared, err := s.locker.Do(ctx, syncLockKey, func(ctx context.Context) error {
		ran = true
		var err error
		res, err = s.lockedRun(ctx, force)
		if err == nil {
			s.mu.Lock()
			s.last = res
			s.mu.Unlock()
		}
		return err
	})
	if err != nil {
		return model.SyncResult{}, err
	}
	if shared && !ran {
		s.mu.Lock()
		res = s.last
		s.mu.Unlock()
		res.Joined = true
		syncRunsTotal.WithLabelValues("joined").Inc()
		return res, nil
	}
	if res.Skipped {
		syncRunsTotal.WithLabelValues("skipped").Inc()
	}
	return res, nil
}

func (s *AccountServiceImpl) lockedRun(ctx context.Context, force bool) (model.SyncResult, error) {
	if !force {
		stale, err := s.ShouldSync(ctx)
		if err != nil {
			return model.SyncResult{}, err
		}
		if !stale {
			return model.SyncResult{Skipped: true}, nil
		}
	}
	return s.runPass(ctx)
}

// runPass fetches changes since the checkpoint, reconciles them and advances the
// checkpoint in one transaction. The checkpoint value is the pass start time.
func (s *AccountServiceImpl) runPass(ctx context.Context) (res model.SyncResult, err error) {
	start := s.now().UTC()
	defer func() {
		syncDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			syncRunsTotal.WithLabelValues("error").Inc()
			s.log.Error("account sync failed", zap.Error(err))
		}
	}()

	var since *time.Time
	cp, err := s.checkpoints.Get(ctx, model.EntityAccount)
	switch {
	case err == nil:
		since = &cp.LastSyncAt
	case errors.Is(err, errs.ErrNotFound):
	default:
		return res, fmt.Errorf("read checkpoint: %w", err)
	}

	recs, err := s.remote.FetchAccountsSince(ctx, since)
	if err != nil {
		return res, err
	}
	res.Fetched = len(recs)

	incoming, order, err := mapRecords(recs)
	if err != nil {
		return res, err
	}

	existing, err := s.accounts.FindByQBOIDs(ctx, order)
	if err != nil {
		return res, fmt.Errorf("load existing accounts: %w", err)
	}

	var creates, updates []model.Account
	for _, id := range order {
		in := incoming[id]
		cur, ok := existing[id]
		switch {
		case !ok:
			creates = append(creates, in)
		case cur.SameFields(in):
			res.Unchanged++
		default:
			cur.CopyFields(in)
			updates = append(updates, cur)
		}
	}

	next := model.SyncCheckpoint{EntityType: model.EntityAccount, LastSyncAt: start}
	if err := s.accounts.ApplySync(ctx, creates, updates, next); err != nil {
		return res, fmt.Errorf("apply sync: %w", err)
	}

	res.Created, res.Updated, res.SyncedAt = len(creates), len(updates), start
	syncRunsTotal.WithLabelValues("ok").Inc()
	syncRecordsTotal.WithLabelValues("created").Add(float64(res.Created))
	syncRecordsTotal.WithLabelValues("updated").Add(float64(res.Updated))
	syncRecordsTotal.WithLabelValues("unchanged").Add(float64(res.Unchanged))
	s.log.Info("account sync done",
		zap.Bool("full", since == nil),
		zap.Int("fetched", res.Fetched),
		zap.Int("created", res.Created),
		zap.Int("updated", res.Updated),
		zap.Int("unchanged", res.Unchanged))
	return res, nil
}

// mapRecords maps every record; any malformed record fails the batch.
// A repeated Id keeps its first position and the last payload.
func mapRecords(recs []qbo.Record) (map[string]model.Account, []string, error) {
	incoming := make(map[string]model.Account, len(recs))
	order := make([]string, 0, len(recs))
	for i, r := range recs {
		a, err := qbo.MapAccount(r)
		if err != nil {
			return nil, nil, fmt.Errorf("record[%d]: %w", i, err)
		}
		if _, dup := incoming[a.QBOID]; !dup {
			order = append(order, a.QBOID)
		}
		incoming[a.QBOID] = a
	}
	return incoming, order, nil
}

// GetAccounts reads from the local store only.
func (s *AccountServiceImpl) GetAccounts(ctx context.Context, namePrefix string) ([]model.Account, error) {
	return s.accounts.List(ctx, namePrefix)
}

// GetAccountsWithSync runs a pass first when forced or stale.
func (s *AccountServiceImpl) GetAccountsWithSync(ctx context.Context, namePrefix string, force bool) ([]model.Account, error) {
	run := force
	if !run {
		stale, err := s.ShouldSync(ctx)
		if err != nil {
			return nil, err
		}
		run = stale
	}
	if run {
		if _, err := s.syncLocked(ctx, force); err != nil {
			return nil, err
		}
	}
	return s.GetAccounts(ctx, namePrefix)
}

// AllowForce returns errs.ErrRateLimited when ip exhausted its forced-sync budget.
func (s *AccountServiceImpl) AllowForce(ctx context.Context, ip string) error {
	ok, retry, err := s.lim.Allow(ctx, limiter.HashIP(ip))
	if err != nil {
		return err
	}
	if !ok {
		return &errs.RateLimitError{RetryAfter: retry.Round(time.Second)}
	}
	return nil
}

// GetAccount returns one account by external id.
func (s *AccountServiceImpl) GetAccount(ctx context.Context, qboID string) (*model.Account, error) {
	if qboID == "" {
		return nil, errs.ErrNotFound
	}
	return s.accounts.GetByQBOID(ctx, qboID)
}

// Ancestors walks ParentID links. A missing parent ends the chain; a repeated
// id or a chain longer than the depth bound is reported as errs.ErrHierarchyCycle.
func (s *AccountServiceImpl) Ancestors(ctx context.Context, qboID string) ([]model.Account, error) {
	cur, err := s.GetAccount(ctx, qboID)
	if err != nil {
		return nil, err
	}
	visited := map[string]bool{cur.QBOID: true}
	var out []model.Account
	for cur.ParentID != nil && *cur.ParentID != "" {
		pid := *cur.ParentID
		if visited[pid] {
			return nil, fmt.Errorf("account %s revisits %s: %w", qboID, pid, errs.ErrHierarchyCycle)
		}
		if len(out) >= s.maxDepth {
			return nil, fmt.Errorf("account %s deeper than %d: %w", qboID, s.maxDepth, errs.ErrHierarchyCycle)
		}
		parent, err := s.accounts.GetByQBOID(ctx, pid)
		if errors.Is(err, errs.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		visited[pid] = true
		out = append(out, *parent)
		cur = parent
	}
	return out, nil
}

// Status reports the checkpoint time and whether a read would trigger a pass.
func (s *AccountServiceImpl) Status(ctx context.Context) (model.SyncStatus, error) {
	st := model.SyncStatus{EntityType: model.EntityAccount, Stale: true}
	cp, err := s.checkpoints.Get(ctx, model.EntityAccount)
	if errors.Is(err, errs.ErrNotFound) {
		return st, nil
	}
	if err != nil {
		return st, err
	}
	at := cp.LastSyncAt
	st.LastSyncAt = &at
	st.Stale = s.now().Sub(at) > s.maxAge
	return st, nil
}
