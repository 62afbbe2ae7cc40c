// Package middleware provides reusable model.Generator middlewares such as
// adaptive rate limiting and connection routing.
package middleware

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"goa.design/toolcore/features/model"
	"goa.design/toolcore/runtime/agent/tools"
)

const (
	// defaultTPM is the budget used when none is configured.
	defaultTPM = 60000
	// backoffFactor multiplies the budget on each rate limited response.
	backoffFactor = 0.5
	// floorFraction and stepFraction size the floor and the additive probe
	// relative to the initial budget.
	floorFraction = 0.1
	stepFraction  = 0.05
	// promptOverhead is added to every estimate for provider framing and the
	// reply.
	promptOverhead = 500
	// sharedUpdateAttempts bounds the optimistic updates of a shared budget.
	sharedUpdateAttempts = 3
	sharedUpdateTimeout  = 2 * time.Second
)

type (
	// AdaptiveRateLimiter paces model.generate calls with a token bucket
	// sized in estimated prompt tokens per minute. The budget follows an
	// AIMD policy: it is halved when the provider reports rate limiting and
	// grows by a fixed step after each successful call, between a floor of
	// 10% and a step of 5% of the initial budget.
	//
	// Without a shared budget the limiter is process-local. Construct one
	// limiter per provider connection and wrap its generator with Middleware.
	AdaptiveRateLimiter struct {
		mu sync.Mutex

		limiter *rate.Limiter

		currentTPM   float64
		minTPM       float64
		maxTPM       float64
		recoveryRate float64

		// publish propagates local adjustments to the shared budget.
		publish func(adjustment)
	}

	// adjustment returns the budget following cur.
	adjustment func(cur float64) float64

	limitedGenerator struct {
		next    model.Generator
		limiter *AdaptiveRateLimiter
	}

	// SharedBudget stores a tokens-per-minute budget shared by several
	// processes. RedisBudget is the production implementation.
	SharedBudget interface {
		Get(ctx context.Context, key string) (string, bool)
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		// TestAndSet sets key to value when it currently holds test and
		// returns the previous value.
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
		// Subscribe notifies changes of key until ctx is canceled.
		Subscribe(ctx context.Context, key string) <-chan struct{}
	}
)

// NewAdaptiveRateLimiter returns a limiter starting at initialTPM and never
// exceeding maxTPM. When budget and key are set the budget is shared: the
// first process seeds it, every process starts from the stored value,
// publishes its adjustments and adopts the adjustments of the others. A
// budget that cannot be seeded leaves the limiter process-local. ctx bounds
// the subscription to budget changes.
func NewAdaptiveRateLimiter(ctx context.Context, budget SharedBudget, key string, initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if key == "" || budget == nil {
		return newAdaptiveRateLimiter(initialTPM, maxTPM)
	}
	if _, ok := budget.Get(ctx, key); !ok {
		// Losing the seed race to another process is fine, the stored value
		// is read back below.
		if _, err := budget.SetIfNotExists(ctx, key, formatTPM(initialTPM)); err != nil {
			return newAdaptiveRateLimiter(initialTPM, maxTPM)
		}
	}
	start := initialTPM
	if v, ok := readTPM(ctx, budget, key); ok {
		start = v
	}

	l := newAdaptiveRateLimiter(start, maxTPM)
	l.publish = func(adj adjustment) {
		go updateShared(context.Background(), budget, key, adj)
	}
	changes := budget.Subscribe(ctx, key)
	go func() {
		for range changes {
			if v, ok := readTPM(ctx, budget, key); ok {
				l.replaceTPM(v)
			}
		}
	}()
	return l
}

// newAdaptiveRateLimiter returns a process-local limiter. maxTPM is raised
// to initialTPM when lower.
func newAdaptiveRateLimiter(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		initialTPM = defaultTPM
	}
	return &AdaptiveRateLimiter{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       max(initialTPM*floorFraction, 1),
		maxTPM:       max(maxTPM, initialTPM),
		recoveryRate: max(initialTPM*stepFraction, 1),
	}
}

// Middleware returns a middleware pacing the wrapped generator.
func (l *AdaptiveRateLimiter) Middleware() func(model.Generator) model.Generator {
	return func(next model.Generator) model.Generator {
		if next == nil {
			return nil
		}
		return &limitedGenerator{next: next, limiter: l}
	}
}

// TPM returns the current tokens-per-minute budget.
func (l *AdaptiveRateLimiter) TPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTPM
}

// Generate waits for capacity, delegates and adjusts the budget from the
// outcome. Errors other than model.ErrRateLimited leave the budget as is.
func (g *limitedGenerator) Generate(ctx context.Context, in tools.ModelGenerateInput) (tools.ModelGenerateOutput, error) {
	g.limiter.mu.Lock()
	lim := g.limiter.limiter
	g.limiter.mu.Unlock()
	if err := lim.WaitN(ctx, estimateTokens(in)); err != nil {
		return tools.ModelGenerateOutput{}, err
	}
	out, err := g.next.Generate(ctx, in)
	switch {
	case err == nil:
		g.limiter.adjust(g.limiter.increase)
	case errors.Is(err, model.ErrRateLimited):
		g.limiter.adjust(g.limiter.decrease)
	}
	return out, err
}

func (l *AdaptiveRateLimiter) decrease(cur float64) float64 {
	return max(cur*backoffFactor, l.minTPM)
}

func (l *AdaptiveRateLimiter) increase(cur float64) float64 {
	if cur >= l.maxTPM {
		return cur
	}
	return min(cur+l.recoveryRate, l.maxTPM)
}

// adjust applies adj to the local budget and publishes it when the budget
// changed.
func (l *AdaptiveRateLimiter) adjust(adj adjustment) {
	l.mu.Lock()
	next := adj(l.currentTPM)
	if next == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.setTPMLocked(next)
	publish := l.publish
	l.mu.Unlock()

	if publish != nil {
		publish(adj)
	}
}

// replaceTPM adopts an externally set budget, clamped to [minTPM, maxTPM].
func (l *AdaptiveRateLimiter) replaceTPM(tpm float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tpm = min(max(tpm, l.minTPM), l.maxTPM)
	if tpm != l.currentTPM {
		l.setTPMLocked(tpm)
	}
}

func (l *AdaptiveRateLimiter) setTPMLocked(tpm float64) {
	l.currentTPM = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60))
	l.limiter.SetBurst(int(tpm))
}

// estimateTokens approximates the token cost of a call: one token per three
// characters of prompt and system prompt plus promptOverhead.
func estimateTokens(in tools.ModelGenerateInput) int {
	chars := len(in.Prompt) + len(in.SystemPrompt)
	if chars == 0 {
		return promptOverhead
	}
	return max(chars/3, 1) + promptOverhead
}

// updateShared applies adj to the shared budget with optimistic
// concurrency, giving up after sharedUpdateAttempts lost races.
func updateShared(ctx context.Context, b SharedBudget, key string, adj adjustment) {
	ctx, cancel := context.WithTimeout(ctx, sharedUpdateTimeout)
	defer cancel()

	for range sharedUpdateAttempts {
		raw, ok := b.Get(ctx, key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(raw, 64)
		if err != nil || cur <= 0 {
			return
		}
		next := adj(cur)
		if next == cur {
			return
		}
		prev, err := b.TestAndSet(ctx, key, raw, formatTPM(next))
		if err != nil || prev == raw {
			return
		}
	}
}

func readTPM(ctx context.Context, b SharedBudget, key string) (float64, bool) {
	raw, ok := b.Get(ctx, key)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

func formatTPM(tpm float64) string {
	return strconv.Itoa(int(tpm))
}
