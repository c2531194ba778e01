package opshttp

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/allenxing4071/aicoin-sub002/internal/config/loader"
	"github.com/allenxing4071/aicoin-sub002/internal/scheduler"
	"github.com/allenxing4071/aicoin-sub002/internal/store"
)

const maxOutcomeLimit = 500

// StateSource reports the live per-instrument scheduler state.
type StateSource interface {
	States() []scheduler.StateView
}

// OutcomeSource serves the recent outcome history.
type OutcomeSource interface {
	RecentOutcomes(ctx context.Context, limit int) ([]store.OutcomeRecord, error)
}

// CycleTriggerer runs one unscheduled cycle for an instrument.
type CycleTriggerer interface {
	TriggerNow(ctx context.Context, instrument string) error
}

// PolicySource exposes the active policy snapshot for inspection.
type PolicySource interface {
	Snapshot() loader.PolicySnapshot
}

// Router mounts the operator endpoints.
type Router struct {
	states    StateSource
	outcomes  OutcomeSource
	triggerer CycleTriggerer
	policy    PolicySource
}

func NewRouter(states StateSource, outcomes OutcomeSource, triggerer CycleTriggerer, policy PolicySource) *Router {
	return &Router{states: states, outcomes: outcomes, triggerer: triggerer, policy: policy}
}

// Register mounts the routes under the given group.
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/state", r.handleState)
	if r.outcomes != nil {
		group.GET("/outcomes", r.handleOutcomes)
	}
	if r.triggerer != nil {
		group.POST("/cycles/:instrument/trigger", r.handleTrigger)
	}
	if r.policy != nil {
		group.GET("/policy", r.handlePolicy)
	}
}

func (r *Router) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"instruments": r.states.States()})
}

func (r *Router) handleOutcomes(c *gin.Context) {
	limit := 100
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}
	if limit > maxOutcomeLimit {
		limit = maxOutcomeLimit
	}
	outcomes, err := r.outcomes.RecentOutcomes(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcomes": outcomes})
}

func (r *Router) handleTrigger(c *gin.Context) {
	instrument := strings.TrimSpace(c.Param("instrument"))
	if instrument == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "instrument is required"})
		return
	}
	if err := r.triggerer.TriggerNow(c.Request.Context(), instrument); err != nil {
		// Busy instrument and unknown instrument are both client-visible
		// conditions, not server faults.
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "completed", "instrument": strings.ToUpper(instrument)})
}

func (r *Router) handlePolicy(c *gin.Context) {
	snap := r.policy.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"version":     snap.Version,
		"loaded_at":   snap.LoadedAt,
		"defaults":    snap.DefaultLimits,
		"overrides":   snap.Overrides,
		"experiments": snap.Experiments,
	})
}
