// Package router resolves a model tier into a concrete model name and
// keeps an audit trail of the choices it made.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Tier is the quality class a caller asks for.
type Tier string

const (
	// TierExact favors accuracy: generation, tool synthesis.
	TierExact Tier = "exact"
	// TierFast favors latency: summaries, rewrites.
	TierFast Tier = "fast"
)

// ParseTier accepts "exact" or "fast"; anything else is an error.
func ParseTier(s string) (Tier, error) {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierExact:
		return TierExact, nil
	case TierFast:
		return TierFast, nil
	}
	return "", fmt.Errorf("unknown model tier %q (expected exact or fast)", s)
}

// Request describes one oracle call to route.
type Request struct {
	Tier        Tier
	NeedsTools  bool
	ContextSize int    // estimated prompt characters
	Purpose     string // e.g. "classify", "complete", "summarize"
}

// Decision records why a model was selected.
type Decision struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`

	Tier        Tier   `json:"tier"`
	Purpose     string `json:"purpose,omitempty"`
	NeedsTools  bool   `json:"needs_tools"`
	ContextSize int    `json:"context_size"`

	Scores        map[string]int `json:"scores,omitempty"`
	ModelSelected string         `json:"model_selected"`
	Reasoning     string         `json:"reasoning"`

	LatencyMs  int64 `json:"latency_ms,omitempty"`
	TokensUsed int   `json:"tokens_used,omitempty"`
	Success    *bool `json:"success,omitempty"`
}

// Model is a configured model and its capabilities.
type Model struct {
	Name          string
	Provider      string
	Tier          Tier
	SupportsTools bool
	ContextWindow int // characters; zero means unknown
	CostTier      int // 0 = local
}

// Config holds router configuration.
type Config struct {
	Models      []Model
	Exact       string // default model for TierExact
	Fast        string // default model for TierFast
	LocalFirst  bool
	MaxAuditLog int
}

// Router selects models for oracle calls. It is safe for concurrent use.
type Router struct {
	logger *slog.Logger
	config Config

	mu       sync.RWMutex
	seq      int64
	auditLog []Decision
	stats    Stats
}

// Stats tracks routing statistics.
type Stats struct {
	TotalRequests int64            `json:"total_requests"`
	ModelCounts   map[string]int64 `json:"model_counts"`
	TierCounts    map[string]int64 `json:"tier_counts"`
	Failures      map[string]int64 `json:"failures"`
	AvgLatencyMs  map[string]int64 `json:"avg_latency_ms"`
}

// NewRouter creates a router with the given configuration.
func NewRouter(logger *slog.Logger, config Config) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxAuditLog <= 0 {
		config.MaxAuditLog = 500
	}
	return &Router{
		logger:   logger,
		config:   config,
		auditLog: make([]Decision, 0, config.MaxAuditLog),
		stats: Stats{
			ModelCounts:  make(map[string]int64),
			TierCounts:   make(map[string]int64),
			Failures:     make(map[string]int64),
			AvgLatencyMs: make(map[string]int64),
		},
	}
}

// Route selects a model for the request.
func (r *Router) Route(ctx context.Context, req Request) (string, *Decision) {
	if req.Tier == "" {
		req.Tier = TierExact
	}
	decision := &Decision{
		RequestID:   r.nextID(),
		Timestamp:   time.Now(),
		Tier:        req.Tier,
		Purpose:     req.Purpose,
		NeedsTools:  req.NeedsTools,
		ContextSize: req.ContextSize,
	}

	decision.ModelSelected = r.selectModel(req, decision)
	r.recordDecision(*decision)

	r.logger.Debug("model routed",
		"request_id", decision.RequestID,
		"tier", req.Tier,
		"purpose", req.Purpose,
		"model", decision.ModelSelected,
		"reasoning", decision.Reasoning,
	)
	return decision.ModelSelected, decision
}

func (r *Router) defaultFor(t Tier) string {
	if t == TierFast && r.config.Fast != "" {
		return r.config.Fast
	}
	return r.config.Exact
}

func (r *Router) selectModel(req Request, decision *Decision) string {
	var candidates []Model
	for _, m := range r.config.Models {
		if m.Tier != req.Tier {
			continue
		}
		if req.NeedsTools && !m.SupportsTools {
			continue
		}
		if req.ContextSize > 0 && m.ContextWindow > 0 && req.ContextSize > m.ContextWindow {
			continue
		}
		candidates = append(candidates, m)
	}

	def := r.defaultFor(req.Tier)
	if len(candidates) == 0 {
		decision.Reasoning = "No eligible " + string(req.Tier) + " models, using tier default."
		return def
	}

	scores := make(map[string]int, len(candidates))
	for _, m := range candidates {
		score := 10
		if m.Name == def {
			score += 5
		}
		if r.config.LocalFirst && m.CostTier == 0 {
			score += 10
		}
		if req.NeedsTools && m.SupportsTools {
			score += 5
		}
		scores[m.Name] = score
	}
	decision.Scores = scores

	best := candidates[0]
	for _, m := range candidates[1:] {
		if scores[m.Name] > scores[best.Name] {
			best = m
		}
	}

	var reasoning strings.Builder
	reasoning.WriteString("Selected " + best.Name)
	reasoning.WriteString(" (score=" + strconv.Itoa(scores[best.Name]) + ")")
	reasoning.WriteString(" for " + string(req.Tier) + " tier.")
	if r.config.LocalFirst && best.CostTier == 0 {
		reasoning.WriteString(" Local-first preference applied.")
	}
	decision.Reasoning = reasoning.String()
	return best.Name
}

// RecordOutcome updates a decision with execution results.
func (r *Router) RecordOutcome(requestID string, latency time.Duration, tokensUsed int, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.auditLog) - 1; i >= 0; i-- {
		if r.auditLog[i].RequestID != requestID {
			continue
		}
		d := &r.auditLog[i]
		d.LatencyMs = latency.Milliseconds()
		d.TokensUsed = tokensUsed
		d.Success = &success

		if prev, ok := r.stats.AvgLatencyMs[d.ModelSelected]; ok {
			r.stats.AvgLatencyMs[d.ModelSelected] = (prev + d.LatencyMs) / 2
		} else {
			r.stats.AvgLatencyMs[d.ModelSelected] = d.LatencyMs
		}
		if !success {
			r.stats.Failures[d.ModelSelected]++
		}
		return
	}
}

func (r *Router) recordDecision(d Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.auditLog) >= r.config.MaxAuditLog {
		r.auditLog = r.auditLog[1:]
	}
	r.auditLog = append(r.auditLog, d)

	r.stats.TotalRequests++
	r.stats.ModelCounts[d.ModelSelected]++
	r.stats.TierCounts[string(d.Tier)]++
}

// Provider returns the provider serving model, or "" when the model
// is not configured.
func (r *Router) Provider(model string) string {
	for _, m := range r.config.Models {
		if m.Name == model {
			return m.Provider
		}
	}
	return ""
}

// AuditLog returns up to limit recent decisions, oldest first.
func (r *Router) AuditLog(limit int) []Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > len(r.auditLog) {
		limit = len(r.auditLog)
	}
	result := make([]Decision, limit)
	copy(result, r.auditLog[len(r.auditLog)-limit:])
	return result
}

// Stats returns a copy of the routing statistics.
func (r *Router) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := Stats{
		TotalRequests: r.stats.TotalRequests,
		ModelCounts:   make(map[string]int64, len(r.stats.ModelCounts)),
		TierCounts:    make(map[string]int64, len(r.stats.TierCounts)),
		Failures:      make(map[string]int64, len(r.stats.Failures)),
		AvgLatencyMs:  make(map[string]int64, len(r.stats.AvgLatencyMs)),
	}
	for k, v := range r.stats.ModelCounts {
		out.ModelCounts[k] = v
	}
	for k, v := range r.stats.TierCounts {
		out.TierCounts[k] = v
	}
	for k, v := range r.stats.Failures {
		out.Failures[k] = v
	}
	for k, v := range r.stats.AvgLatencyMs {
		out.AvgLatencyMs[k] = v
	}
	return out
}

func (r *Router) nextID() string {
	r.mu.Lock()
	r.seq++
	n := r.seq
	r.mu.Unlock()
	return time.Now().Format("20060102-150405") + "-" + strconv.FormatInt(n, 10)
}
