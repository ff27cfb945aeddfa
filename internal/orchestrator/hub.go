package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"duochat/internal/auth"
	"duochat/internal/loop"
	"duochat/internal/metrics"
	"duochat/internal/netcheck"
)

// StoreFactory returns the session store used for one user's orchestrator.
type StoreFactory func(userID string) SessionStore

type HubConfig struct {
	// BaseContext owns every loop run started through the hub.
	BaseContext  context.Context
	Gateway      Caller
	Stores       StoreFactory
	Reachability netcheck.Checker
	LoopBudget   time.Duration
	LoopPace     time.Duration
	// IdleTTL is how long an untouched agent survives EvictIdle. Zero keeps
	// agents forever.
	IdleTTL time.Duration
	Now     func() time.Time
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

type agent struct {
	orch     *Orchestrator
	loop     *loop.Driver
	lastUsed time.Time
}

// Hub keeps one orchestrator and loop driver per authenticated user.
type Hub struct {
	cfg HubConfig

	mu     sync.Mutex
	agents map[string]*agent
}

func NewHub(cfg HubConfig) *Hub {
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Hub{cfg: cfg, agents: make(map[string]*agent)}
}

func (h *Hub) agent(userID string) *agent {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.cfg.Now()
	if a, ok := h.agents[userID]; ok {
		a.lastUsed = now
		return a
	}
	orch := New(Config{
		UserID:       userID,
		Gateway:      h.cfg.Gateway,
		Store:        h.cfg.Stores(userID),
		Reachability: h.cfg.Reachability,
		Logger:       h.cfg.Logger,
		Metrics:      h.cfg.Metrics,
	})
	a := &agent{
		orch: orch,
		loop: loop.New(loop.Config{
			Gateway:      h.cfg.Gateway,
			Publisher:    orch,
			Reachability: h.cfg.Reachability,
			Budget:       h.cfg.LoopBudget,
			Pace:         h.cfg.LoopPace,
			Logger:       h.cfg.Logger.With().Str("user_id", userID).Logger(),
			Metrics:      h.cfg.Metrics,
		}),
		lastUsed: now,
	}
	h.agents[userID] = a
	return a
}

func (h *Hub) For(userID string) *Orchestrator {
	return h.agent(userID).orch
}

func (h *Hub) Loop(userID string) *loop.Driver {
	return h.agent(userID).loop
}

// StartLoop runs the user's loop under the hub's lifetime rather than the
// caller's request.
func (h *Hub) StartLoop(userID, prompt string) error {
	return h.Loop(userID).Start(auth.WithUser(h.cfg.BaseContext, userID), prompt)
}

// StopAll stops every running loop and waits for them to finish or ctx to end.
func (h *Hub) StopAll(ctx context.Context) {
	h.mu.Lock()
	drivers := make([]*loop.Driver, 0, len(h.agents))
	for _, a := range h.agents {
		drivers = append(drivers, a.loop)
	}
	h.mu.Unlock()

	for _, d := range drivers {
		d.Stop()
	}
	for _, d := range drivers {
		select {
		case <-d.Done():
		case <-ctx.Done():
			return
		}
	}
}

// Len returns the number of users with a live agent.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.agents)
}

// EvictIdle drops agents untouched for IdleTTL that have no running loop, no
// open subscription and no request in flight. Their conversation state goes
// with them; saved turns stay in the store.
func (h *Hub) EvictIdle() int {
	if h.cfg.IdleTTL <= 0 {
		return 0
	}
	cutoff := h.cfg.Now().Add(-h.cfg.IdleTTL)

	h.mu.Lock()
	defer h.mu.Unlock()
	evicted := 0
	for userID, a := range h.agents {
		if a.lastUsed.After(cutoff) || a.loop.Running() || a.orch.Subscribers() > 0 {
			continue
		}
		if a.orch.State().Phase == PhaseLoading {
			continue
		}
		delete(h.agents, userID)
		evicted++
	}
	if evicted > 0 {
		h.cfg.Logger.Debug().Int("evicted", evicted).Int("remaining", len(h.agents)).Msg("evicted idle agents")
	}
	return evicted
}

// RunJanitor calls EvictIdle every interval until ctx ends.
func (h *Hub) RunJanitor(ctx context.Context, interval time.Duration) {
	if h.cfg.IdleTTL <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.EvictIdle()
		}
	}
}
