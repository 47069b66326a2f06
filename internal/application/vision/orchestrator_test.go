package vision

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/bryanwahyu/cardscan/internal/application"
	domain "github.com/bryanwahyu/cardscan/internal/domain/vision"
)

type fakeBackend struct {
	id domain.BackendID

	mu    sync.Mutex
	calls int
	fail  bool
	// block waits for ctx to end before answering.
	block bool
}

func (f *fakeBackend) ID() domain.BackendID { return f.id }

func (f *fakeBackend) Recognize(ctx context.Context, _ domain.Image) (domain.Recognition, error) {
	f.mu.Lock()
	f.calls++
	fail, block := f.fail, f.block
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return domain.Recognition{}, ctx.Err()
	}
	if fail {
		return domain.Recognition{}, domain.Fail(f.id, domain.KindUnavailable, errors.New("503"))
	}
	return domain.Recognition{Candidates: []domain.Candidate{{Name: "Lightning Bolt", Confidence: domain.ConfidenceHigh}}}, nil
}

func (f *fakeBackend) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *fakeBackend) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func quietLogger() *log.Logger { return log.New(io.Discard) }

func newChain(t *testing.T, opts Options, backends ...domain.Backend) *Orchestrator {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	o, err := New(opts, backends...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return o
}

func TestProcessUsesPrimary(t *testing.T) {
	a := &fakeBackend{id: domain.BackendOpenAI}
	b := &fakeBackend{id: domain.BackendClaude}
	o := newChain(t, Options{Primary: a.id, Fallback: b.id}, a, b)

	out, err := o.Process(context.Background(), domain.Image{Data: []byte("x")})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if out.Backend != a.id || len(out.Candidates) != 1 || len(out.Failures) != 0 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if b.Calls() != 0 {
		t.Fatalf("fallback called %d times", b.Calls())
	}
}

func TestProcessExhaustionTriesEveryBackendOnce(t *testing.T) {
	a := &fakeBackend{id: domain.BackendOpenAI, fail: true}
	b := &fakeBackend{id: domain.BackendClaude, fail: true}
	c := &fakeBackend{id: domain.BackendGoogle, fail: true}
	o := newChain(t, Options{Primary: a.id, Fallback: b.id}, a, b, c)

	_, err := o.Process(context.Background(), domain.Image{})
	if !errors.Is(err, domain.ErrAllBackendsExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	var exhausted *domain.ExhaustedError
	if !errors.As(err, &exhausted) || len(exhausted.Failures) != 3 {
		t.Fatalf("expected 3 failures, got %#v", err)
	}
	for _, f := range []*fakeBackend{a, b, c} {
		if f.Calls() != 1 {
			t.Fatalf("%s called %d times, want 1", f.id, f.Calls())
		}
	}
	if exhausted.Failures[0].Backend != a.id || exhausted.Failures[1].Backend != b.id || exhausted.Failures[2].Backend != c.id {
		t.Fatalf("unexpected attempt order %+v", exhausted.Failures)
	}
}

func TestFailoverIsSticky(t *testing.T) {
	a := &fakeBackend{id: domain.BackendOpenAI, fail: true}
	b := &fakeBackend{id: domain.BackendClaude}
	o := newChain(t, Options{Primary: a.id, Fallback: b.id}, a, b)
	ctx := context.Background()

	out, err := o.Process(ctx, domain.Image{})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if out.Backend != b.id || len(out.Failures) != 1 {
		t.Fatalf("expected fallback answer with one failure, got %+v", out)
	}
	if o.Current() != b.id {
		t.Fatalf("current = %s, want %s", o.Current(), b.id)
	}

	// primary healthy again, fallback keeps serving
	a.setFail(false)
	for i := 0; i < 3; i++ {
		if out, err = o.Process(ctx, domain.Image{}); err != nil || out.Backend != b.id {
			t.Fatalf("call %d: backend %s err %v, want %s", i, out.Backend, err, b.id)
		}
	}
	if a.Calls() != 1 {
		t.Fatalf("primary called %d times after promotion, want 1", a.Calls())
	}

	// fallback fails, chain moves back to the primary
	b.setFail(true)
	out, err = o.Process(ctx, domain.Image{})
	if err != nil || out.Backend != a.id {
		t.Fatalf("expected primary to answer, got %s err %v", out.Backend, err)
	}
	if o.Current() != a.id {
		t.Fatalf("current = %s, want %s", o.Current(), a.id)
	}
}

func TestRetryPrimaryAfter(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := application.ClockFunc(func() time.Time { return now })
	a := &fakeBackend{id: domain.BackendOpenAI, fail: true}
	b := &fakeBackend{id: domain.BackendClaude}
	o := newChain(t, Options{Primary: a.id, Fallback: b.id, RetryPrimaryAfter: 10 * time.Minute, Clock: clock}, a, b)
	ctx := context.Background()

	if _, err := o.Process(ctx, domain.Image{}); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	a.setFail(false)

	now = now.Add(5 * time.Minute)
	if out, _ := o.Process(ctx, domain.Image{}); out.Backend != b.id {
		t.Fatalf("before retry window: backend %s, want %s", out.Backend, b.id)
	}

	now = now.Add(6 * time.Minute)
	if out, _ := o.Process(ctx, domain.Image{}); out.Backend != a.id {
		t.Fatalf("after retry window: backend %s, want %s", out.Backend, a.id)
	}
}

func TestTimeoutCountsAsFailure(t *testing.T) {
	a := &fakeBackend{id: domain.BackendOpenAI, block: true}
	b := &fakeBackend{id: domain.BackendClaude}
	o := newChain(t, Options{
		Primary:  a.id,
		Fallback: b.id,
		Timeouts: map[domain.BackendID]time.Duration{a.id: 20 * time.Millisecond},
	}, a, b)

	out, err := o.Process(context.Background(), domain.Image{})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if out.Backend != b.id || len(out.Failures) != 1 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	status := o.Status()
	if status[0].FailureCount != 1 || status[0].LastError == "" {
		t.Fatalf("primary status not updated: %+v", status[0])
	}
}

func TestCallerCancellationStopsChain(t *testing.T) {
	a := &fakeBackend{id: domain.BackendOpenAI, block: true}
	b := &fakeBackend{id: domain.BackendClaude}
	o := newChain(t, Options{Primary: a.id, Fallback: b.id}, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := o.Process(ctx, domain.Image{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if errors.Is(err, domain.ErrAllBackendsExhausted) {
		t.Fatal("caller cancellation must not report exhaustion")
	}
	if b.Calls() != 0 {
		t.Fatalf("fallback called %d times after cancellation", b.Calls())
	}
}

func TestDisabledBackendsAreSkipped(t *testing.T) {
	a := &fakeBackend{id: domain.BackendOpenAI}
	b := &fakeBackend{id: domain.BackendClaude}
	o := newChain(t, Options{Primary: a.id, Fallback: b.id, Disabled: map[domain.BackendID]bool{a.id: true}}, a, b)

	if o.Current() != b.id {
		t.Fatalf("current = %s, want %s", o.Current(), b.id)
	}
	out, err := o.Process(context.Background(), domain.Image{})
	if err != nil || out.Backend != b.id || a.Calls() != 0 {
		t.Fatalf("disabled primary was used: %+v %v", out, err)
	}

	if err := o.SetEnabled(b.id, false); err == nil {
		t.Fatal("disabling the last enabled backend should fail")
	}
	if err := o.SetEnabled(a.id, true); err != nil {
		t.Fatalf("SetEnabled failed: %v", err)
	}
	if err := o.SetEnabled(b.id, false); err != nil {
		t.Fatalf("SetEnabled failed: %v", err)
	}
	if o.Current() != a.id {
		t.Fatalf("current = %s, want %s", o.Current(), a.id)
	}
	if err := o.SetEnabled(domain.BackendGoogle, true); err == nil {
		t.Fatal("expected error for unregistered backend")
	}
}

func TestNewRejectsBadChains(t *testing.T) {
	a := &fakeBackend{id: domain.BackendOpenAI}
	tests := []struct {
		name     string
		opts     Options
		backends []domain.Backend
	}{
		{"no backends", Options{}, nil},
		{"unknown primary", Options{Primary: domain.BackendGoogle}, []domain.Backend{a}},
		{"unknown fallback", Options{Primary: a.id, Fallback: domain.BackendClaude}, []domain.Backend{a}},
		{"duplicate", Options{Primary: a.id}, []domain.Backend{a, a}},
		{"all disabled", Options{Primary: a.id, Disabled: map[domain.BackendID]bool{a.id: true}}, []domain.Backend{a}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.opts.Logger = quietLogger()
			if _, err := New(tt.opts, tt.backends...); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestConcurrentProcess(t *testing.T) {
	a := &fakeBackend{id: domain.BackendOpenAI}
	b := &fakeBackend{id: domain.BackendClaude}
	o := newChain(t, Options{Primary: a.id, Fallback: b.id}, a, b)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := o.Process(context.Background(), domain.Image{}); err != nil {
				t.Errorf("Process failed: %v", err)
			}
		}()
	}
	wg.Wait()
	if a.Calls() != 16 {
		t.Fatalf("primary calls = %d, want 16", a.Calls())
	}
}
