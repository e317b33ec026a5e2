package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Sentinel errors surfaced to the retry engine.
var (
	ErrPoolEmpty         = errors.New("no credential available")
	ErrInvalidCredential = errors.New("invalid credential")
	ErrDuplicateID       = errors.New("duplicate credential id")
)

// Refresher performs the network side of token refresh and usage-limit
// fetches; Pool depends on the interface so tests can stub it.
type Refresher interface {
	Refresh(ctx context.Context, cred Credential) (Credential, error)
	FetchUsage(ctx context.Context, cred Credential) (Metadata, error)
}

// Context is the snapshot returned by AcquireContext for one request attempt.
type Context struct {
	ID          uint64
	Credential  Credential
	AccessToken string
}

// Pool owns the ordered set of credential entries and arbitrates selection.
// Entry access is guarded by mu, a short-critical-section, non-async mutex;
// refresh serialization uses the separate refreshMu, which is held across
// network I/O.
type Pool struct {
	mu      sync.Mutex
	entries map[uint64]*Entry
	nextID  uint64

	activeGroupID string // "" means entire pool
	currentID     uint64 // 0 means "no selection"

	refreshMu sync.Mutex

	refresher Refresher
	persist   *Store
}

// New builds an empty pool bound to refresher and a persistence store.
func New(refresher Refresher, persist *Store) *Pool {
	return &Pool{
		entries:   make(map[uint64]*Entry),
		refresher: refresher,
		persist:   persist,
	}
}

// Load replaces the pool's contents with creds, validating id uniqueness and
// marking status=="invalid" entries Suspended, per the persistence load rule.
func (p *Pool) Load(creds []Credential) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	entries := make(map[uint64]*Entry, len(creds))
	var maxID uint64
	for _, c := range creds {
		if _, dup := entries[c.ID]; dup {
			return fmt.Errorf("%w: id %d", ErrDuplicateID, c.ID)
		}
		e := &Entry{Credential: c}
		if c.Status == StatusInvalid {
			e.Disabled = true
			e.DisabledReason = DisabledSuspended
		}
		entries[c.ID] = e
		if c.ID > maxID {
			maxID = c.ID
		}
	}
	p.entries = entries
	p.nextID = maxID + 1
	p.currentID = p.selectSmallestAvailableLocked()
	return nil
}

// inActiveGroupLocked reports whether e is addressable under the current
// group filter. Callers must hold mu.
func (p *Pool) inActiveGroupLocked(e *Entry) bool {
	if p.activeGroupID == "" {
		return true
	}
	return e.Credential.GroupID == p.activeGroupID
}

// selectSmallestAvailableLocked implements the selection algorithm: among
// available && in_active_group entries, pick min by id. Callers must hold mu.
func (p *Pool) selectSmallestAvailableLocked() uint64 {
	var ids []uint64
	for id, e := range p.entries {
		if e.Available() && p.inActiveGroupLocked(e) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return 0
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids[0]
}

// selfHealLocked resets all TooManyFailures-disabled entries; it does not
// touch Manual or Suspended. Callers must hold mu. Returns whether anything
// was healed.
func (p *Pool) selfHealLocked() bool {
	healed := false
	for _, e := range p.entries {
		if e.Disabled && e.DisabledReason == DisabledTooManyFailures {
			e.Disabled = false
			e.DisabledReason = DisabledNone
			e.FailureCount = 0
			healed = true
		}
	}
	return healed
}

// AcquireContext returns a fresh, valid-token snapshot of the currently
// selected credential, performing self-heal and token refresh as needed.
// A credential whose refresh fails transiently is skipped in favor of the
// next available one, without charging a failure, per spec's preserved
// behavior; the set of ids already skipped this call bounds the search so a
// pair of mutually-failing credentials cannot loop forever.
func (p *Pool) AcquireContext(ctx context.Context) (*Context, error) {
	tried := make(map[uint64]bool)

	for {
		p.mu.Lock()
		id := p.currentID
		if id == 0 || tried[id] || !p.entries[id].Available() || !p.inActiveGroupLocked(p.entries[id]) {
			id = p.selectSmallestAvailableExcludingLocked(tried)
			if id == 0 && p.selfHealLocked() {
				id = p.selectSmallestAvailableExcludingLocked(tried)
			}
			p.currentID = id
		}
		if id == 0 {
			p.mu.Unlock()
			return nil, ErrPoolEmpty
		}
		cred := p.entries[id].Credential
		p.mu.Unlock()

		token, err := p.ensureValidToken(ctx, id, cred)
		if err == nil {
			p.mu.Lock()
			cred = p.entries[id].Credential
			p.mu.Unlock()
			return &Context{ID: id, Credential: cred, AccessToken: token}, nil
		}

		if errors.Is(err, ErrInvalidCredential) {
			p.disableSuspended(id)
			continue
		}

		slog.Warn("credential refresh failed, advancing", "id", id, "error", err)
		tried[id] = true
		p.mu.Lock()
		next := p.selectSmallestAvailableExcludingLocked(tried)
		p.currentID = next
		p.mu.Unlock()
		if next == 0 {
			return nil, ErrPoolEmpty
		}
	}
}

func (p *Pool) selectSmallestAvailableExcludingLocked(exclude map[uint64]bool) uint64 {
	var ids []uint64
	for id, e := range p.entries {
		if exclude[id] {
			continue
		}
		if e.Available() && p.inActiveGroupLocked(e) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return 0
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids[0]
}

func (p *Pool) disableSuspended(id uint64) {
	p.mu.Lock()
	if e, ok := p.entries[id]; ok {
		e.Disabled = true
		e.DisabledReason = DisabledSuspended
		e.Credential.Status = StatusInvalid
		p.currentID = p.selectSmallestAvailableLocked()
	}
	p.mu.Unlock()
	p.persistBestEffort()
}

// ReportSuccess resets the entry's failure count to zero. Idempotent under
// concurrent racing callers.
func (p *Pool) ReportSuccess(id uint64) {
	p.mu.Lock()
	if e, ok := p.entries[id]; ok {
		e.FailureCount = 0
	}
	p.mu.Unlock()
}

// ReportFailure classifies the error, possibly disabling the entry, and
// returns whether any entry remains available.
func (p *Pool) ReportFailure(id uint64, statusCode int, errText string) (available bool) {
	p.mu.Lock()

	e, ok := p.entries[id]
	if !ok {
		avail := p.anyAvailableLocked()
		p.mu.Unlock()
		return avail
	}

	if IsCredentialInvalid(statusCode, errText) {
		e.Disabled = true
		e.DisabledReason = DisabledSuspended
		e.Credential.Status = StatusInvalid
	} else {
		e.FailureCount++
		if e.FailureCount >= 3 {
			e.Disabled = true
			e.DisabledReason = DisabledTooManyFailures
		}
	}
	p.currentID = p.selectSmallestAvailableLocked()
	avail := p.anyAvailableLocked()
	p.mu.Unlock()

	p.persistBestEffort()
	return avail
}

func (p *Pool) anyAvailableLocked() bool {
	for id, e := range p.entries {
		if e.Available() && p.inActiveGroupLocked(p.entries[id]) {
			return true
		}
	}
	return false
}

// SetDisabled is the admin override; enabling resets failure_count and reason.
func (p *Pool) SetDisabled(id uint64, disabled bool) error {
	p.mu.Lock()
	e, ok := p.entries[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("credential %d not found", id)
	}
	if disabled {
		e.Disabled = true
		e.DisabledReason = DisabledManual
	} else {
		e.Disabled = false
		e.DisabledReason = DisabledNone
		e.FailureCount = 0
	}
	p.currentID = p.selectSmallestAvailableLocked()
	p.mu.Unlock()
	p.persistBestEffort()
	return nil
}

// SwitchToNext round-robins to the next available entry in the active group;
// returns false if at most one entry is available.
func (p *Pool) SwitchToNext() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	var ids []uint64
	for id, e := range p.entries {
		if e.Available() && p.inActiveGroupLocked(e) {
			ids = append(ids, id)
		}
	}
	if len(ids) <= 1 {
		return false
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	next := ids[0]
	for _, id := range ids {
		if id > p.currentID {
			next = id
			break
		}
	}
	p.currentID = next
	return true
}

// Add validates, refreshes, and inserts a new credential, assigning the
// smallest unused id >= 1.
func (p *Pool) Add(ctx context.Context, candidate Credential) (uint64, error) {
	if err := ValidateRefreshToken(candidate.RefreshToken); err != nil {
		return 0, err
	}

	p.mu.Lock()
	prefix := firstN(candidate.RefreshToken, 50)
	for _, e := range p.entries {
		if firstN(e.Credential.RefreshToken, 50) == prefix {
			p.mu.Unlock()
			return 0, fmt.Errorf("duplicate credential: matches existing entry %d", e.Credential.ID)
		}
	}
	p.mu.Unlock()

	refreshed, err := p.refresher.Refresh(ctx, candidate)
	if err != nil {
		return 0, fmt.Errorf("initial refresh: %w", err)
	}

	p.mu.Lock()
	id := p.smallestUnusedIDLocked()
	refreshed.ID = id
	if refreshed.GroupID == "" {
		refreshed.GroupID = defaultGroupID
	}
	refreshed.Status = StatusNormal
	p.entries[id] = &Entry{Credential: refreshed}
	if p.currentID == 0 {
		p.currentID = p.selectSmallestAvailableLocked()
	}
	p.mu.Unlock()

	p.persistBestEffort()

	go func() {
		meta, err := p.refresher.FetchUsage(context.Background(), refreshed)
		if err != nil {
			slog.Warn("usage fetch failed", "id", id, "error", err)
			return
		}
		p.mu.Lock()
		if e, ok := p.entries[id]; ok {
			e.Credential.Metadata = meta
		}
		p.mu.Unlock()
		p.persistBestEffort()
	}()

	return id, nil
}

func (p *Pool) smallestUnusedIDLocked() uint64 {
	var id uint64 = 1
	for {
		if _, used := p.entries[id]; !used {
			return id
		}
		id++
	}
}

// Delete removes id unconditionally, reselecting if it was current.
func (p *Pool) Delete(id uint64) {
	p.mu.Lock()
	delete(p.entries, id)
	if p.currentID == id {
		p.currentID = p.selectSmallestAvailableLocked()
	}
	p.mu.Unlock()
	p.persistBestEffort()
}

// SetGroup moves a credential to a new group.
func (p *Pool) SetGroup(id uint64, groupID string) error {
	p.mu.Lock()
	e, ok := p.entries[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("credential %d not found", id)
	}
	e.Credential.GroupID = groupID
	if !p.inActiveGroupLocked(e) && p.currentID == id {
		p.currentID = p.selectSmallestAvailableLocked()
	}
	p.mu.Unlock()
	p.persistBestEffort()
	return nil
}

// SetActiveGroup changes the group filter and reselects.
func (p *Pool) SetActiveGroup(groupID string) {
	p.mu.Lock()
	p.activeGroupID = groupID
	p.currentID = p.selectSmallestAvailableLocked()
	p.mu.Unlock()
}

// Size returns the total number of entries in the pool, used by the retry
// engine to size its retry budget (min(pool_size*3, 9)).
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Snapshot returns an immutable read-only view for admin and tests.
func (p *Pool) Snapshot() []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Entry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Credential.ID < out[j].Credential.ID })
	return out
}

func (p *Pool) persistBestEffort() {
	if p.persist == nil {
		return
	}
	if err := p.persist.Save(p.Snapshot()); err != nil {
		slog.Warn("persist credential pool failed", "error", err)
	}
}

// ValidateRefreshToken rejects tokens shorter than 100 chars or containing
// an ellipsis marker, the exact predicate the original's add-path enforces
// before issuing any HTTP call.
func ValidateRefreshToken(token string) error {
	if token == "" {
		return fmt.Errorf("%w: empty refresh token", ErrInvalidCredential)
	}
	if len(token) < 100 {
		return fmt.Errorf("%w: refresh token too short (truncated)", ErrInvalidCredential)
	}
	if strings.Contains(token, "...") {
		return fmt.Errorf("%w: refresh token contains ellipsis (truncated)", ErrInvalidCredential)
	}
	return nil
}

func firstN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
