package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"convoagent/internal/domain"
	"convoagent/internal/infra/config"
	"convoagent/internal/infra/tracer"
)

// ErrGatewayClosed is returned by Probe after Close.
var ErrGatewayClosed = errors.New("gateway closed")

// Timer is the handle returned by a probe scheduler.
type Timer interface {
	Stop() bool
}

// GatewayOption customizes a Gateway.
type GatewayOption func(*Gateway)

// WithClock overrides the time source.
func WithClock(now func() time.Time) GatewayOption {
	return func(g *Gateway) { g.now = now }
}

// WithScheduler overrides how recovery probes are scheduled. The default is
// time.AfterFunc.
func WithScheduler(afterFunc func(time.Duration, func()) Timer) GatewayOption {
	return func(g *Gateway) { g.afterFunc = afterFunc }
}

// WithCallTimeout bounds each individual backend call.
func WithCallTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) { g.callTimeout = d }
}

// Gateway serves chat calls from a primary backend and fails over to a
// secondary one when the primary answers with a retryable status. After the
// cooldown a synthetic probe is sent to the primary in the background; the
// gateway switches back only when the probe succeeds.
type Gateway struct {
	primary   domain.LLMProvider
	secondary domain.LLMProvider

	retryable    map[int]bool
	cooldown     time.Duration
	probeTimeout time.Duration
	probePrompt  string
	callTimeout  time.Duration

	state   atomic.Pointer[BackendState]
	probing atomic.Bool

	now       func() time.Time
	afterFunc func(time.Duration, func()) Timer

	mu     sync.Mutex
	timer  Timer
	closed bool

	logger *slog.Logger
}

// NewGateway creates a Gateway starting on the primary backend.
func NewGateway(primary, secondary domain.LLMProvider, cfg config.FailoverConfig, logger *slog.Logger, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		primary:      primary,
		secondary:    secondary,
		retryable:    make(map[int]bool, len(cfg.RetryableStatuses)),
		cooldown:     cfg.Cooldown,
		probeTimeout: cfg.ProbeTimeout,
		probePrompt:  cfg.ProbePrompt,
		now:          time.Now,
		afterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
		logger: logger,
	}
	for _, code := range cfg.RetryableStatuses {
		g.retryable[code] = true
	}
	if g.probePrompt == "" {
		g.probePrompt = "ping"
	}
	if g.probeTimeout <= 0 {
		g.probeTimeout = 15 * time.Second
	}
	for _, opt := range opts {
		opt(g)
	}
	g.state.Store(&BackendState{Active: BackendPrimary})
	return g
}

// Name implements domain.LLMProvider.
func (g *Gateway) Name() string { return "gateway" }

// State returns a snapshot of the breaker state.
func (g *Gateway) State() BackendState { return *g.state.Load() }

// IsRetryable reports whether err carries a status from the failover set.
func (g *Gateway) IsRetryable(err error) bool {
	return g.retryable[domain.StatusCodeOf(err)]
}

// Chat implements domain.LLMProvider.
func (g *Gateway) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	st := g.state.Load()

	ctx, span := tracer.StartSpan(ctx, "gateway.chat",
		trace.WithAttributes(tracer.StringAttr("gateway.active", st.Active.String())),
	)
	defer span.End()

	if st.Degraded() {
		resp, err := g.call(ctx, g.secondary, req)
		if err != nil {
			err = g.secondaryFailed(err)
			tracer.RecordError(span, err)
			return nil, err
		}
		tracer.SetOK(span)
		return resp, nil
	}

	resp, err := g.call(ctx, g.primary, req)
	if err == nil {
		tracer.SetOK(span)
		return resp, nil
	}
	// A caller that gave up is not evidence against the backend.
	if ctx.Err() != nil || !g.IsRetryable(err) {
		tracer.RecordError(span, err)
		return nil, err
	}

	g.trip(st, err)
	span.SetAttributes(tracer.BoolAttr("gateway.failover", true))

	resp, err = g.call(ctx, g.secondary, req)
	if err != nil {
		err = g.secondaryFailed(err)
		tracer.RecordError(span, err)
		return nil, err
	}
	tracer.SetOK(span)
	return resp, nil
}

// secondaryFailed marks a retryable secondary failure as ErrBackendUnavailable:
// the primary is already tripped, so no backend can serve the turn.
func (g *Gateway) secondaryFailed(err error) error {
	if !g.IsRetryable(err) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrBackendUnavailable, err)
}

func (g *Gateway) call(ctx context.Context, p domain.LLMProvider, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if g.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.callTimeout)
		defer cancel()
	}
	resp, err := p.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Backend == "" {
		resp.Backend = p.Name()
	}
	return resp, nil
}

// trip moves observed (a closed state) to degraded. Losing the CAS means a
// concurrent call already tripped, so it is a no-op.
func (g *Gateway) trip(observed *BackendState, cause error) {
	next := degradedState(g.now().Add(g.cooldown))
	if !g.state.CompareAndSwap(observed, next) {
		return
	}
	g.logger.Warn("primary backend failed, switching to secondary",
		"primary", g.primary.Name(),
		"secondary", g.secondary.Name(),
		"status", domain.StatusCodeOf(cause),
		"degraded_until", next.DegradedUntil,
		"error", cause,
	)
	g.scheduleProbe()
}

func (g *Gateway) scheduleProbe() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	if g.timer != nil {
		g.timer.Stop()
	}
	g.timer = g.afterFunc(g.cooldown, g.runProbe)
}

func (g *Gateway) runProbe() {
	if !g.probing.CompareAndSwap(false, true) {
		return
	}
	defer g.probing.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), g.probeTimeout)
	defer cancel()
	if err := g.Probe(ctx); err != nil && !errors.Is(err, ErrGatewayClosed) {
		g.logger.Info("recovery probe failed, staying on secondary", "error", err)
	}
}

// Probe sends a minimal request to the primary backend. While degraded, a
// success restores the primary and a failure re-arms the cooldown.
func (g *Gateway) Probe(ctx context.Context) error {
	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed {
		return ErrGatewayClosed
	}

	observed := g.state.Load()

	ctx, span := tracer.StartSpan(ctx, "gateway.probe")
	defer span.End()

	_, err := g.primary.Chat(ctx, domain.ChatRequest{
		Messages:  []domain.Message{{Role: domain.RoleUser, Content: g.probePrompt}},
		MaxTokens: 1,
	})
	if err != nil {
		tracer.RecordError(span, err)
		if observed.Degraded() && g.state.CompareAndSwap(observed, degradedState(g.now().Add(g.cooldown))) {
			g.scheduleProbe()
		}
		return fmt.Errorf("probe %s: %w", g.primary.Name(), err)
	}

	tracer.SetOK(span)
	if observed.Degraded() && g.state.CompareAndSwap(observed, &BackendState{Active: BackendPrimary}) {
		g.logger.Info("primary backend recovered", "primary", g.primary.Name())
	}
	return nil
}

// Close cancels any pending probe.
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}

var _ domain.LLMProvider = (*Gateway)(nil)
