package credential

import (
	"context"
	"fmt"
	"time"
)

// expiringWithin reports whether cred's token is absent or expires within d.
func (c *Credential) expiringWithin(d time.Duration) bool {
	t, ok := c.expiresAtTime()
	if !ok {
		return true
	}
	return !t.After(time.Now().Add(d))
}

const (
	staleWindow   = 5 * time.Minute
	soonWindow    = 10 * time.Minute
)

// ensureValidToken returns a fresh access token for id, refreshing under the
// pool's refresh mutex with double-checked locking: staleness is checked
// without the lock, the lock is acquired, the credential is re-read, and
// refresh proceeds only if the re-read snapshot is still stale. This keeps
// the common "already fresh" path lock-free while serializing concurrent
// refreshes of the same credential onto a single upstream call.
func (p *Pool) ensureValidToken(ctx context.Context, id uint64, cred Credential) (string, error) {
	if !cred.expiringWithin(staleWindow) {
		return cred.AccessToken, nil
	}

	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	p.mu.Lock()
	current, ok := p.entries[id]
	if !ok {
		p.mu.Unlock()
		return "", fmt.Errorf("credential %d disappeared", id)
	}
	recheck := current.Credential
	p.mu.Unlock()

	if !recheck.expiringWithin(staleWindow) {
		return recheck.AccessToken, nil
	}

	refreshed, err := p.refresher.Refresh(ctx, recheck)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	if e, ok := p.entries[id]; ok {
		refreshed.ID = id
		refreshed.GroupID = e.Credential.GroupID
		refreshed.Status = StatusNormal
		e.Credential = refreshed
	}
	p.mu.Unlock()

	p.persistBestEffort()

	return refreshed.AccessToken, nil
}

// expiringSoon reports the "within 10 minutes" band named in the spec; it is
// exposed for callers (e.g. a background pre-warm loop) that want to refresh
// ahead of the hard staleness deadline without blocking a request.
func (c *Credential) expiringSoon() bool {
	return c.expiringWithin(soonWindow)
}
