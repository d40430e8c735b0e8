package credential

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/procurement-enricher/internal/clock/system"
	"github.com/JakeFAU/procurement-enricher/internal/enrich"
	"github.com/JakeFAU/procurement-enricher/internal/metrics"
)

const (
	defaultLogLimit      = 200
	defaultRecordTimeout = 5 * time.Second
	// DefaultQuotaWait applies when a quota report carries no future reset time.
	DefaultQuotaWait = time.Minute
)

// UsageRecorder persists usage log entries outside the process.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, credentialID string, entry UsageEntry) error
}

// Config controls Pool behavior.
type Config struct {
	// LogLimit bounds the in-memory usage log per credential (default 200).
	LogLimit int
	Clock    enrich.Clock
	IDGen    enrich.IDGenerator
	Recorder UsageRecorder
	Logger   *zap.Logger
}

type entry struct {
	// guarded by Pool.mu
	cred Credential

	usage    atomic.Int64
	errors   atomic.Int64
	inFlight atomic.Int64

	kindMu sync.Mutex
	byKind map[enrich.Kind]int64

	logMu sync.Mutex
	log   []UsageEntry
}

// Pool is the ordered credential set. The ordered slice index is always the
// credential priority, so priorities stay a dense permutation of [0, N).
type Pool struct {
	mu      sync.Mutex
	ordered []*entry
	byID    map[string]*entry

	cfg    Config
	logger *zap.Logger
}

// NewPool constructs an empty Pool.
func NewPool(cfg Config) *Pool {
	if cfg.LogLimit <= 0 {
		cfg.LogLimit = defaultLogLimit
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		byID:   make(map[string]*entry),
		cfg:    cfg,
		logger: logger,
	}
}

// Lease is a credential handed to one unit of work. Release must be called
// once the external call returns.
type Lease struct {
	Credential Credential

	pool    *Pool
	entry   *entry
	release sync.Once
}

// Release marks the credential as no longer in use by this lease.
func (l *Lease) Release() {
	if l == nil || l.entry == nil {
		return
	}
	l.release.Do(func() {
		l.entry.inFlight.Add(-1)
	})
}

// Success reports a successful call made with the lease.
func (l *Lease) Success(kind enrich.Kind) {
	l.pool.success(l.entry, kind)
}

// QuotaExceeded reports a provider quota rejection for the lease.
func (l *Lease) QuotaExceeded(kind enrich.Kind, resetAt time.Time, message string) {
	l.pool.quotaExceeded(l.entry, kind, resetAt, message)
}

// Error reports a non-quota provider failure for the lease.
func (l *Lease) Error(kind enrich.Kind, message string) {
	l.pool.failure(l.entry, kind, message)
}

// Acquire returns the active, non-quota-exceeded credential with the lowest
// priority value. Credentials whose quota reset time has passed are cleared
// and considered at their normal priority.
func (p *Pool) Acquire(kind enrich.Kind) (*Lease, error) {
	now := p.cfg.Clock.Now()
	p.mu.Lock()
	var chosen *entry
	for _, e := range p.ordered {
		if !e.cred.Active {
			continue
		}
		if e.cred.QuotaExceeded {
			if e.cred.QuotaResetAt == nil || e.cred.QuotaResetAt.After(now) {
				continue
			}
			e.cred.QuotaExceeded = false
			e.cred.QuotaResetAt = nil
			e.cred.UpdatedAt = now
		}
		chosen = e
		break
	}
	if chosen == nil {
		size := len(p.ordered)
		p.mu.Unlock()
		metrics.ObserveCredential("", metrics.OutcomeUnavailable)
		return nil, fmt.Errorf("%w: all %d credentials in the %s pool are inactive or over quota",
			ErrNoCredentialAvailable, size, ProviderGemini)
	}
	chosen.inFlight.Add(1)
	snapshot := p.snapshotLocked(chosen)
	p.mu.Unlock()

	metrics.ObserveCredential(snapshot.Alias, metrics.OutcomeAcquired)
	p.logger.Debug("credential acquired",
		zap.String("alias", snapshot.Alias),
		zap.Int("priority", snapshot.Priority),
		zap.String("kind", string(kind)),
	)
	return &Lease{Credential: snapshot, pool: p, entry: chosen}, nil
}

// ReportSuccess increments usage_count and usage_by_kind[kind].
func (p *Pool) ReportSuccess(id string, kind enrich.Kind) error {
	e, err := p.lookup(id)
	if err != nil {
		return err
	}
	p.success(e, kind)
	return nil
}

// ReportQuotaExceeded flags the credential as over quota until resetAt. A
// zero or past resetAt is replaced by now plus DefaultQuotaWait.
func (p *Pool) ReportQuotaExceeded(id string, resetAt time.Time) error {
	e, err := p.lookup(id)
	if err != nil {
		return err
	}
	p.quotaExceeded(e, "", resetAt, "")
	return nil
}

// ReportError increments error_count. It does not deactivate the credential.
func (p *Pool) ReportError(id string, message string) error {
	e, err := p.lookup(id)
	if err != nil {
		return err
	}
	p.failure(e, "", message)
	return nil
}

func (p *Pool) success(e *entry, kind enrich.Kind) {
	e.usage.Add(1)
	e.kindMu.Lock()
	e.byKind[kind]++
	e.kindMu.Unlock()
	p.appendUsage(e, UsageEntry{At: p.cfg.Clock.Now(), Kind: kind, Outcome: OutcomeSuccess})
	metrics.ObserveCredential(p.aliasOf(e), metrics.OutcomeSuccess)
}

func (p *Pool) quotaExceeded(e *entry, kind enrich.Kind, resetAt time.Time, message string) {
	now := p.cfg.Clock.Now()
	reset := resetAt.UTC()
	if !reset.After(now) {
		reset = now.Add(DefaultQuotaWait)
	}
	p.mu.Lock()
	e.cred.QuotaExceeded = true
	e.cred.QuotaResetAt = &reset
	e.cred.UpdatedAt = now
	alias := e.cred.Alias
	p.mu.Unlock()

	if message == "" {
		message = "quota exceeded until " + reset.Format(time.RFC3339)
	}
	p.appendUsage(e, UsageEntry{At: now, Kind: kind, Outcome: OutcomeQuota, Message: message})
	metrics.ObserveCredential(alias, metrics.OutcomeQuota)
	p.logger.Warn("credential quota exceeded",
		zap.String("alias", alias),
		zap.Time("reset_at", reset),
	)
}

func (p *Pool) failure(e *entry, kind enrich.Kind, message string) {
	e.errors.Add(1)
	p.appendUsage(e, UsageEntry{At: p.cfg.Clock.Now(), Kind: kind, Outcome: OutcomeError, Message: message})
	metrics.ObserveCredential(p.aliasOf(e), metrics.OutcomeError)
}

// Reorder reassigns priorities to match the order of ids. It fails with
// ErrInvalidPermutation, leaving the pool untouched, unless ids is exactly
// the current id set.
func (p *Pool) Reorder(ids []string) ([]View, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(ids) != len(p.ordered) {
		return nil, fmt.Errorf("%w: got %d ids, pool has %d", ErrInvalidPermutation, len(ids), len(p.ordered))
	}
	next := make([]*entry, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		e, ok := p.byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: unknown id %q", ErrInvalidPermutation, id)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrInvalidPermutation, id)
		}
		seen[id] = struct{}{}
		next = append(next, e)
	}
	now := p.cfg.Clock.Now()
	for i, e := range next {
		if e.cred.Priority != i {
			e.cred.Priority = i
			e.cred.UpdatedAt = now
		}
	}
	p.ordered = next
	return p.viewsLocked(), nil
}

// Add appends a credential at the lowest priority.
func (p *Pool) Add(spec Spec) (View, error) {
	alias := strings.TrimSpace(spec.Alias)
	if alias == "" || spec.Secret == "" {
		return View{}, fmt.Errorf("%w: alias and secret are required", ErrInvalidCredential)
	}
	provider := spec.Provider
	if provider == "" {
		provider = ProviderGemini
	}
	if provider != ProviderGemini {
		return View{}, fmt.Errorf("%w: unsupported provider %q", ErrInvalidCredential, provider)
	}
	id, err := p.newID()
	if err != nil {
		return View{}, err
	}
	active := true
	if spec.Active != nil {
		active = *spec.Active
	}
	now := p.cfg.Clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.aliasTakenLocked(alias, "") {
		return View{}, fmt.Errorf("%w: alias %q already exists", ErrInvalidCredential, alias)
	}
	e := &entry{
		cred: Credential{
			ID:        id,
			Alias:     alias,
			Provider:  provider,
			Secret:    spec.Secret,
			Priority:  len(p.ordered),
			Active:    active,
			CreatedAt: now,
			UpdatedAt: now,
		},
		byKind: make(map[enrich.Kind]int64),
	}
	p.ordered = append(p.ordered, e)
	p.byID[id] = e
	return p.viewLocked(e), nil
}

// Update applies an admin edit.
func (p *Pool) Update(id string, patch Patch) (View, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byID[id]
	if !ok {
		return View{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if patch.Alias != nil {
		alias := strings.TrimSpace(*patch.Alias)
		if alias == "" {
			return View{}, fmt.Errorf("%w: alias must not be empty", ErrInvalidCredential)
		}
		if p.aliasTakenLocked(alias, id) {
			return View{}, fmt.Errorf("%w: alias %q already exists", ErrInvalidCredential, alias)
		}
		e.cred.Alias = alias
	}
	if patch.Secret != nil {
		if *patch.Secret == "" {
			return View{}, fmt.Errorf("%w: secret must not be empty", ErrInvalidCredential)
		}
		e.cred.Secret = *patch.Secret
	}
	if patch.Active != nil {
		e.cred.Active = *patch.Active
	}
	if patch.ClearQuota {
		e.cred.QuotaExceeded = false
		e.cred.QuotaResetAt = nil
	}
	e.cred.UpdatedAt = p.cfg.Clock.Now()
	return p.viewLocked(e), nil
}

// Remove deletes a credential and re-densifies the remaining priorities. It
// fails with ErrCredentialInUse while a lease is outstanding; the check is
// best-effort against calls that already left the process.
func (p *Pool) Remove(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if n := e.inFlight.Load(); n > 0 {
		return fmt.Errorf("%w: %s has %d in-flight calls", ErrCredentialInUse, e.cred.Alias, n)
	}
	next := make([]*entry, 0, len(p.ordered)-1)
	for _, other := range p.ordered {
		if other != e {
			next = append(next, other)
		}
	}
	for i, other := range next {
		other.cred.Priority = i
	}
	p.ordered = next
	delete(p.byID, id)
	return nil
}

// Get returns the view of one credential.
func (p *Pool) Get(id string) (View, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byID[id]
	if !ok {
		return View{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p.viewLocked(e), nil
}

// List returns every credential in priority order.
func (p *Pool) List() []View {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.viewsLocked()
}

// Len reports the pool size.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ordered)
}

// Stats returns the newest usage entries for a credential, newest first.
func (p *Pool) Stats(id string, limit int) ([]UsageEntry, error) {
	e, err := p.lookup(id)
	if err != nil {
		return nil, err
	}
	e.logMu.Lock()
	defer e.logMu.Unlock()
	n := len(e.log)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]UsageEntry, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, e.log[i])
	}
	return out, nil
}

func (p *Pool) lookup(id string) (*entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

func (p *Pool) aliasOf(e *entry) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return e.cred.Alias
}

func (p *Pool) aliasTakenLocked(alias, exceptID string) bool {
	for _, e := range p.ordered {
		if e.cred.ID != exceptID && strings.EqualFold(e.cred.Alias, alias) {
			return true
		}
	}
	return false
}

func (p *Pool) appendUsage(e *entry, usage UsageEntry) {
	e.logMu.Lock()
	e.log = append(e.log, usage)
	if over := len(e.log) - p.cfg.LogLimit; over > 0 {
		e.log = append(e.log[:0:0], e.log[over:]...)
	}
	e.logMu.Unlock()

	if p.cfg.Recorder == nil {
		return
	}
	id := e.cred.ID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultRecordTimeout)
		defer cancel()
		if err := p.cfg.Recorder.RecordUsage(ctx, id, usage); err != nil {
			p.logger.Warn("record credential usage failed", zap.String("credential_id", id), zap.Error(err))
		}
	}()
}

func (p *Pool) snapshotLocked(e *entry) Credential {
	c := e.cred
	if c.QuotaResetAt != nil {
		reset := *c.QuotaResetAt
		c.QuotaResetAt = &reset
	}
	c.UsageCount = e.usage.Load()
	c.ErrorCount = e.errors.Load()
	e.kindMu.Lock()
	c.UsageByKind = make(map[enrich.Kind]int64, len(e.byKind))
	for k, v := range e.byKind {
		c.UsageByKind[k] = v
	}
	e.kindMu.Unlock()
	return c
}

func (p *Pool) viewLocked(e *entry) View {
	v := p.snapshotLocked(e).View()
	v.InFlight = e.inFlight.Load()
	return v
}

func (p *Pool) viewsLocked() []View {
	out := make([]View, 0, len(p.ordered))
	for _, e := range p.ordered {
		out = append(out, p.viewLocked(e))
	}
	return out
}

func (p *Pool) newID() (string, error) {
	if p.cfg.IDGen == nil {
		return fmt.Sprintf("cred-%d", fallbackSeq.Add(1)), nil
	}
	id, err := p.cfg.IDGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate credential id: %w", err)
	}
	return id, nil
}

var fallbackSeq atomic.Int64
