package accountpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/badri-s2001/antigravity-gateway/internal/poolconfig"
)

var poolLog = log.WithField("component", "accountpool")

// FallbackLoader supplies a single account when the persisted config file is
// absent or empty, e.g. by reading a locally configured database. It is a
// collaborator concern; the pool only calls it once during initialize().
type FallbackLoader interface {
	LoadFallbackAccount(ctx context.Context) (*Account, error)
}

// Pool owns the account slice, the sticky index, and per-model cooldown
// state. All exported methods are safe for concurrent use.
type Pool struct {
	mu       sync.Mutex
	accounts []*Account
	active   int
	// persisted is the Config.Settings blob as loaded, carried forward
	// unread and unmodified so a mutation-triggered save doesn't wipe
	// fields this core release doesn't understand.
	persisted map[string]any
	settings  poolconfig.Settings
	store     Store
	fallback  FallbackLoader

	saveCh   chan struct{}
	saveOnce sync.Once
	closeCh  chan struct{}
}

// New constructs a Pool. Call Initialize before first use.
func New(store Store, settings poolconfig.Settings, fallback FallbackLoader) *Pool {
	return &Pool{
		settings: settings,
		store:    store,
		fallback: fallback,
		saveCh:   make(chan struct{}, 1),
		closeCh:  make(chan struct{}),
	}
}

// Initialize loads the pool from disk, falling back to a single account from
// fallback if the file is absent or empty, clamps activeIndex into range,
// resets every account's invalid flag for a fresh chance, sweeps expired
// cooldowns, and starts the background save-coalescing goroutine.
func (p *Pool) Initialize(ctx context.Context) error {
	cfg, err := p.store.Load()
	if err != nil {
		return fmt.Errorf("accountpool: load: %w", err)
	}

	accounts := cfg.Accounts
	if len(accounts) == 0 && p.fallback != nil {
		acc, ferr := p.fallback.LoadFallbackAccount(ctx)
		if ferr != nil {
			poolLog.WithError(ferr).Warn("fallback account load failed")
		} else if acc != nil {
			accounts = []*Account{acc}
		}
	}

	now := time.Now()
	for _, a := range accounts {
		a.clearInvalid()
		a.clearExpiredRateLimits(now)
	}

	p.mu.Lock()
	p.accounts = accounts
	p.active = cfg.ActiveIndex
	p.persisted = cfg.Settings
	p.clampActiveLocked()
	p.mu.Unlock()

	go p.saveLoop()
	return nil
}

// Close stops the background save loop, flushing one final save.
func (p *Pool) Close() {
	close(p.closeCh)
	p.flushSave()
}

func (p *Pool) clampActiveLocked() {
	if len(p.accounts) == 0 {
		p.active = 0
		return
	}
	if p.active < 0 || p.active >= len(p.accounts) {
		p.active = 0
	}
}

// PickSticky is the central selection operation. See SPEC_FULL.md §4.1.
func (p *Pool) PickSticky(model string) (acc *Account, waitMs int64) {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	p.sweepExpiredLocked(now)

	if len(p.accounts) == 0 {
		return nil, 0
	}

	sticky := p.accounts[p.active]
	if sticky.usableFor(model, now) {
		t := now
		sticky.LastUsed = &t
		p.requestSaveLocked()
		return sticky.Clone(), 0
	}

	// sticky not usable: look for any other usable account, round-robin from
	// the current position.
	n := len(p.accounts)
	for step := 1; step < n; step++ {
		idx := (p.active + step) % n
		cand := p.accounts[idx]
		if cand.usableFor(model, now) {
			p.active = idx
			t := now
			cand.LastUsed = &t
			p.requestSaveLocked()
			return cand.Clone(), 0
		}
	}

	// nobody usable. Would the sticky account clear soon?
	if rl := sticky.rateLimitFor(model); rl != nil && rl.IsRateLimited {
		wait := rl.ResetTime.Sub(now)
		if wait > 0 && wait <= p.settings.MaxWaitBeforeError {
			return nil, wait.Milliseconds()
		}
	}

	// Otherwise advance anyway and return the next account, rate-limited or not.
	next := (p.active + 1) % n
	p.active = next
	cand := p.accounts[next]
	return cand.Clone(), 0
}

// PickNext advances the sticky index explicitly, used by the dispatcher as a
// failover step distinct from the implicit rotation inside PickSticky.
func (p *Pool) PickNext(model string) *Account {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sweepExpiredLocked(now)
	if len(p.accounts) == 0 {
		return nil
	}
	n := len(p.accounts)
	for step := 1; step <= n; step++ {
		idx := (p.active + step) % n
		cand := p.accounts[idx]
		if cand.usableFor(model, now) {
			p.active = idx
			t := now
			cand.LastUsed = &t
			p.requestSaveLocked()
			return cand.Clone()
		}
	}
	// nothing usable; still advance so the caller makes forward progress.
	p.active = (p.active + 1) % n
	p.requestSaveLocked()
	return p.accounts[p.active].Clone()
}

// MarkRateLimited sets a cooldown for (email, model). If reset is the zero
// time, the configured default cooldown is applied.
func (p *Pool) MarkRateLimited(email string, reset time.Time, model string) {
	now := time.Now()
	if reset.IsZero() {
		reset = now.Add(p.settings.DefaultCooldown)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	a := p.findLocked(email)
	if a == nil {
		return
	}
	a.setRateLimited(model, reset)
	p.requestSaveLocked()
	poolLog.WithFields(log.Fields{"email": email, "model": model, "reset": reset}).Debug("marked rate limited")
}

// MarkInvalid sets isInvalid=true with reason for the account identified by email.
func (p *Pool) MarkInvalid(email, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a := p.findLocked(email)
	if a == nil {
		return
	}
	a.markInvalid(reason, time.Now())
	p.requestSaveLocked()
	poolLog.WithFields(log.Fields{"email": email, "reason": reason}).Warn("marked account invalid")
}

func (p *Pool) findLocked(email string) *Account {
	for _, a := range p.accounts {
		if a.Email == email {
			return a
		}
	}
	return nil
}

// IsAllRateLimited reports whether every account is invalid or rate-limited
// for model. With model == "" this is always false, since the caller has not
// declared which quota bucket to check.
func (p *Pool) IsAllRateLimited(model string) bool {
	if model == "" {
		return false
	}
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.accounts) == 0 {
		return false
	}
	for _, a := range p.accounts {
		if a.usableFor(model, now) {
			return false
		}
	}
	return true
}

// GetMinWaitTimeMs returns the minimum (resetTime-now) in milliseconds across
// accounts with a future reset for model, or -1 if no account has one.
func (p *Pool) GetMinWaitTimeMs(model string) int64 {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	best := int64(-1)
	for _, a := range p.accounts {
		rl := a.rateLimitFor(model)
		if rl == nil || !rl.IsRateLimited {
			continue
		}
		wait := rl.ResetTime.Sub(now).Milliseconds()
		if wait < 0 {
			wait = 0
		}
		if best == -1 || wait < best {
			best = wait
		}
	}
	return best
}

// AccountCount returns the number of accounts currently in the pool.
func (p *Pool) AccountCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.accounts)
}

// sweepExpiredLocked clears rate-limit entries whose reset has passed for
// every account. Must be called with p.mu held.
func (p *Pool) sweepExpiredLocked(now time.Time) {
	for _, a := range p.accounts {
		a.clearExpiredRateLimits(now)
	}
}

// requestSaveLocked schedules a coalesced save. Must be called with p.mu held.
func (p *Pool) requestSaveLocked() {
	select {
	case p.saveCh <- struct{}{}:
	default:
		// a save is already pending; the in-flight request will pick up
		// this mutation too once it snapshots under the lock.
	}
}

func (p *Pool) saveLoop() {
	for {
		select {
		case <-p.closeCh:
			return
		case <-p.saveCh:
			p.doSave()
		}
	}
}

func (p *Pool) doSave() {
	p.mu.Lock()
	cfg := &Config{Accounts: p.accounts, ActiveIndex: p.active, Settings: p.persisted}
	p.mu.Unlock()
	if err := p.store.Save(cfg); err != nil {
		poolLog.WithError(err).Error("failed to persist account pool")
	}
}

// flushSave performs one final synchronous save, used on Close.
func (p *Pool) flushSave() {
	p.doSave()
}
