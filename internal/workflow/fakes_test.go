package workflow

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spherical-ai/textimage/internal/imagestore"
)

// pause waits for d, or until ctx ends unless ignoreCtx is set. Backends
// that cannot be interrupted are simulated with ignoreCtx.
func pause(ctx context.Context, d time.Duration, ignoreCtx bool) error {
	if ignoreCtx {
		time.Sleep(d)
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type fakeGenerator struct {
	mu      sync.Mutex
	prompts []string
	delay   time.Duration
	// failAt makes the n-th call (1-based) return err.
	failAt int
	err    error
	// called is closed on the first call when non-nil.
	called    chan struct{}
	once      sync.Once
	ignoreCtx bool
}

func (g *fakeGenerator) Generate(ctx context.Context, prompt string) (imagestore.Ref, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	n := len(g.prompts)
	g.mu.Unlock()

	if g.called != nil {
		g.once.Do(func() { close(g.called) })
	}
	if g.delay > 0 {
		if err := pause(ctx, g.delay, g.ignoreCtx); err != nil {
			return "", err
		}
	}
	if n == g.failAt {
		return "", g.err
	}
	return imagestore.Ref(fmt.Sprintf("img-%d", n)), nil
}

func (g *fakeGenerator) Prompts() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.prompts...)
}

type fakeRecognizer struct {
	mu    sync.Mutex
	texts []string
	calls int
	// failAt makes the n-th call (1-based) return err.
	failAt int
	err    error
	delay     time.Duration
	ignoreCtx bool
	// returned counts calls that have come back.
	returned atomic.Int32
}

func (r *fakeRecognizer) Recognize(ctx context.Context, ref imagestore.Ref) (string, error) {
	r.mu.Lock()
	r.calls++
	n := r.calls
	r.mu.Unlock()

	defer r.returned.Add(1)

	if r.delay > 0 {
		if err := pause(ctx, r.delay, r.ignoreCtx); err != nil {
			return "", err
		}
	}
	if n == r.failAt {
		return "", r.err
	}
	if n > len(r.texts) {
		return r.texts[len(r.texts)-1], nil
	}
	return r.texts[n-1], nil
}

type fakeExtractor struct {
	text  string
	ok    bool
	err   error
	calls int
	// waitFor blocks Extract until it is closed.
	waitFor   chan struct{}
	delay     time.Duration
	ignoreCtx bool
	mu        sync.Mutex
}

func (x *fakeExtractor) Extract(ctx context.Context, prompt string) (string, bool, error) {
	x.mu.Lock()
	x.calls++
	x.mu.Unlock()

	if x.waitFor != nil {
		select {
		case <-x.waitFor:
		case <-ctx.Done():
			return "", false, ctx.Err()
		}
	}
	if x.delay > 0 {
		if err := pause(ctx, x.delay, x.ignoreCtx); err != nil {
			return "", false, err
		}
	}
	return x.text, x.ok, x.err
}

func (x *fakeExtractor) Calls() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.calls
}

type fakeReviser struct {
	mu        sync.Mutex
	calls     []reviseCall
	err       error
	delay     time.Duration
	ignoreCtx bool
}

type reviseCall struct {
	original, intended, recognized string
}

func (r *fakeReviser) Revise(ctx context.Context, original, intended, recognized string) (string, error) {
	r.mu.Lock()
	r.calls = append(r.calls, reviseCall{original, intended, recognized})
	n := len(r.calls)
	r.mu.Unlock()

	if r.delay > 0 {
		if err := pause(ctx, r.delay, r.ignoreCtx); err != nil {
			return "", err
		}
	}
	if r.err != nil {
		return "", r.err
	}
	return fmt.Sprintf("%s [revision %d: render %q clearly]", original, n, intended), nil
}

type countingRecorder struct {
	mu       sync.Mutex
	started  int
	finished map[string]int
	calls    map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{finished: map[string]int{}, calls: map[string]int{}}
}

func (c *countingRecorder) RunStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started++
}

func (c *countingRecorder) RunFinished(status string, _ int, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finished[status]++
}

func (c *countingRecorder) ObserveCall(collaborator string, _ time.Duration, _ error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[collaborator]++
}
