package credential

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeRefresher is a deterministic stand-in for the network refresher.
type fakeRefresher struct {
	mu          sync.Mutex
	refreshes   int32
	failNext    map[uint64]error
	extendHours time.Duration
}

func newFakeRefresher() *fakeRefresher {
	return &fakeRefresher{failNext: make(map[uint64]error), extendHours: time.Hour}
}

func (f *fakeRefresher) Refresh(ctx context.Context, cred Credential) (Credential, error) {
	atomic.AddInt32(&f.refreshes, 1)
	f.mu.Lock()
	err := f.failNext[cred.ID]
	delete(f.failNext, cred.ID)
	f.mu.Unlock()
	if err != nil {
		return Credential{}, err
	}
	out := cred
	out.AccessToken = "fresh-token"
	out.ExpiresAt = time.Now().Add(f.extendHours).UTC().Format(time.RFC3339)
	return out, nil
}

func (f *fakeRefresher) FetchUsage(ctx context.Context, cred Credential) (Metadata, error) {
	return Metadata{}, nil
}

func validRefreshToken(tag string) string {
	return tag + strings.Repeat("x", 120)
}

func freshCred(id uint64) Credential {
	return Credential{
		ID:           id,
		RefreshToken: validRefreshToken("tok"),
		AuthMethod:   AuthSocial,
		GroupID:      "default",
		AccessToken:  "tok",
		ExpiresAt:    time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		Status:       StatusNormal,
	}
}

func newTestPool(t *testing.T) (*Pool, *fakeRefresher) {
	t.Helper()
	store := NewStore(filepath.Join(t.TempDir(), "credentials.json"))
	fr := newFakeRefresher()
	return New(fr, store), fr
}

func TestAcquireContextEmptyPool(t *testing.T) {
	p, _ := newTestPool(t)
	if _, err := p.AcquireContext(context.Background()); err != ErrPoolEmpty {
		t.Fatalf("got %v, want ErrPoolEmpty", err)
	}
}

func TestReportSuccessResetsFailureCount(t *testing.T) {
	p, _ := newTestPool(t)
	if err := p.Load([]Credential{freshCred(1)}); err != nil {
		t.Fatal(err)
	}
	p.ReportFailure(1, 500, "boom")
	p.ReportFailure(1, 500, "boom")
	p.ReportSuccess(1)

	snap := p.Snapshot()
	if snap[0].FailureCount != 0 {
		t.Errorf("FailureCount = %d, want 0", snap[0].FailureCount)
	}
}

func TestThreeFailuresDisableEntry(t *testing.T) {
	p, _ := newTestPool(t)
	if err := p.Load([]Credential{freshCred(1)}); err != nil {
		t.Fatal(err)
	}
	var avail bool
	for i := 0; i < 3; i++ {
		avail = p.ReportFailure(1, 500, "server error")
	}
	if avail {
		t.Error("expected no entries available after 3 failures on a single-entry pool")
	}
	snap := p.Snapshot()
	if !snap[0].Disabled || snap[0].DisabledReason != DisabledTooManyFailures {
		t.Errorf("entry not disabled with TooManyFailures: %+v", snap[0])
	}
}

func TestCredentialInvalidDisablesWithoutChargingFailure(t *testing.T) {
	p, _ := newTestPool(t)
	if err := p.Load([]Credential{freshCred(1), freshCred(2)}); err != nil {
		t.Fatal(err)
	}
	p.ReportFailure(1, 403, "TEMPORARILY_SUSPENDED")

	snap := p.Snapshot()
	for _, e := range snap {
		if e.Credential.ID == 1 {
			if !e.Disabled || e.DisabledReason != DisabledSuspended {
				t.Errorf("entry 1 = %+v, want Disabled+Suspended", e)
			}
			if e.Credential.Status != StatusInvalid {
				t.Errorf("entry 1 status = %q, want invalid", e.Credential.Status)
			}
			if e.FailureCount != 0 {
				t.Errorf("entry 1 FailureCount = %d, want 0 (invalid errors aren't charged)", e.FailureCount)
			}
		}
	}
}

func TestSetDisabledRoundTrip(t *testing.T) {
	p, _ := newTestPool(t)
	if err := p.Load([]Credential{freshCred(1)}); err != nil {
		t.Fatal(err)
	}
	p.ReportFailure(1, 500, "boom")

	if err := p.SetDisabled(1, true); err != nil {
		t.Fatal(err)
	}
	if err := p.SetDisabled(1, false); err != nil {
		t.Fatal(err)
	}

	snap := p.Snapshot()
	if snap[0].Disabled || snap[0].DisabledReason != DisabledNone || snap[0].FailureCount != 0 {
		t.Errorf("after disable/enable round trip: %+v", snap[0])
	}
}

func TestAddDeleteReturnsCardinality(t *testing.T) {
	p, fr := newTestPool(t)
	_ = fr
	id, err := p.Add(context.Background(), Credential{
		RefreshToken: validRefreshToken("new"),
		AuthMethod:   AuthSocial,
	})
	if err != nil {
		t.Fatal(err)
	}
	if id != 1 {
		t.Fatalf("first added id = %d, want 1", id)
	}
	before := len(p.Snapshot())
	p.Delete(id)
	after := len(p.Snapshot())
	if before-after != 1 {
		t.Fatalf("cardinality did not shrink by one: %d -> %d", before, after)
	}

	id2, err := p.Add(context.Background(), Credential{
		RefreshToken: validRefreshToken("new2"),
		AuthMethod:   AuthSocial,
	})
	if err != nil {
		t.Fatal(err)
	}
	if id2 != 1 {
		t.Errorf("freed id not reused: got %d, want 1", id2)
	}
}

func TestAddRejectsShortToken(t *testing.T) {
	p, _ := newTestPool(t)
	_, err := p.Add(context.Background(), Credential{RefreshToken: "short", AuthMethod: AuthSocial})
	if err == nil {
		t.Fatal("expected error for short refresh token")
	}
}

func TestAddRejectsEllipsisToken(t *testing.T) {
	p, _ := newTestPool(t)
	token := strings.Repeat("a", 110) + "..."
	_, err := p.Add(context.Background(), Credential{RefreshToken: token, AuthMethod: AuthSocial})
	if err == nil {
		t.Fatal("expected error for truncated (ellipsis) refresh token")
	}
}

func TestSelfHealResetsTooManyFailuresOnly(t *testing.T) {
	p, _ := newTestPool(t)
	if err := p.Load([]Credential{freshCred(1), freshCred(2)}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		p.ReportFailure(1, 500, "boom")
	}
	if err := p.SetDisabled(2, true); err != nil {
		t.Fatal(err)
	}

	// Entry 1 is TooManyFailures-disabled, entry 2 is Manual-disabled.
	// Self-heal only resurrects entry 1; acquisition should succeed via it.
	ctx, err := p.AcquireContext(context.Background())
	if err != nil {
		t.Fatalf("expected self-heal to resurrect entry 1, got error: %v", err)
	}
	if ctx.ID != 1 {
		t.Errorf("selected id = %d, want 1 (only self-healable entry)", ctx.ID)
	}

	snap := p.Snapshot()
	for _, e := range snap {
		if e.Credential.ID == 2 && (!e.Disabled || e.DisabledReason != DisabledManual) {
			t.Errorf("Manual-disabled entry must survive self-heal, got %+v", e)
		}
	}
}

func TestSingleCredentialPoolSwitchToNext(t *testing.T) {
	p, _ := newTestPool(t)
	if err := p.Load([]Credential{freshCred(1)}); err != nil {
		t.Fatal(err)
	}
	if p.SwitchToNext() {
		t.Error("SwitchToNext should return false with only one available entry")
	}
}

func TestTokenRefreshRaceIssuesOneCall(t *testing.T) {
	p, fr := newTestPool(t)
	expired := freshCred(1)
	expired.ExpiresAt = time.Now().Add(-time.Second).UTC().Format(time.RFC3339)
	if err := p.Load([]Credential{expired}); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.AcquireContext(context.Background())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if got := atomic.LoadInt32(&fr.refreshes); got != 1 {
		t.Errorf("refresh calls = %d, want exactly 1", got)
	}
}

func TestDuplicateIDOnLoadIsFatal(t *testing.T) {
	p, _ := newTestPool(t)
	err := p.Load([]Credential{freshCred(1), freshCred(1)})
	if err == nil {
		t.Fatal("expected duplicate id error")
	}
}

func TestMinByIDSelection(t *testing.T) {
	p, _ := newTestPool(t)
	if err := p.Load([]Credential{freshCred(3), freshCred(1), freshCred(2)}); err != nil {
		t.Fatal(err)
	}
	ctx, err := p.AcquireContext(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ctx.ID != 1 {
		t.Errorf("selected id = %d, want 1 (min by id)", ctx.ID)
	}
}
