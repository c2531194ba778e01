package feedback

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/allenxing4071/aicoin-sub002/internal/router"
	"github.com/allenxing4071/aicoin-sub002/internal/store"
)

// aggregateTemplateStats builds per-template-version rolling metrics for A/B
// comparison. Cycles that never produced a decision are excluded.
func aggregateTemplateStats(outcomes []store.OutcomeRecord) map[string]router.Perf {
	type acc struct {
		cycles int
		wins   int
		pnl    float64
	}
	accs := make(map[string]*acc)
	for _, o := range outcomes {
		if o.TemplateVersion == "" {
			continue
		}
		a := accs[o.TemplateVersion]
		if a == nil {
			a = &acc{}
			accs[o.TemplateVersion] = a
		}
		a.cycles++
		a.pnl += o.RealizedPnL
		if o.RealizedPnL > 0 {
			a.wins++
		}
	}
	out := make(map[string]router.Perf, len(accs))
	for id, a := range accs {
		perf := router.Perf{Cycles: a.cycles, Wins: a.wins}
		if a.cycles > 0 {
			perf.AvgPnL = a.pnl / float64(a.cycles)
			perf.WinRate = float64(a.wins) / float64(a.cycles)
		}
		out[id] = perf
	}
	return out
}

// aggregateSourceReliability scores each snapshot source by the share of its
// cycles that completed without a failure reason, floored so a noisy source
// is downweighted rather than silenced.
func aggregateSourceReliability(outcomes []store.OutcomeRecord) map[string]float64 {
	total := make(map[string]int)
	clean := make(map[string]int)
	for _, o := range outcomes {
		if o.Source == "" {
			continue
		}
		total[o.Source]++
		if o.FailureReason == "" && !o.Degraded {
			clean[o.Source]++
		}
	}
	out := make(map[string]float64, len(total))
	for src, n := range total {
		w := float64(clean[src]) / float64(n)
		if w < reliabilityFloor {
			w = reliabilityFloor
		}
		out[src] = w
	}
	return out
}

// deriveLessons folds executed outcomes into pattern->outcome entries. The
// pattern key is (template, action); weight decays with age so stale lessons
// fade instead of dominating the prompt forever.
func deriveLessons(outcomes []store.OutcomeRecord, now time.Time) []router.Lesson {
	type acc struct {
		cycles  int
		pnl     float64
		last    time.Time
		pattern string
	}
	accs := make(map[string]*acc)
	for _, o := range outcomes {
		if o.FillStatus == "" || o.Action == "" || o.Action == string(router.ActionHold) {
			continue
		}
		key := o.TemplateVersion + "|" + o.Action
		a := accs[key]
		if a == nil {
			a = &acc{pattern: fmt.Sprintf("template=%s action=%s", o.TemplateVersion, o.Action)}
			accs[key] = a
		}
		a.cycles++
		a.pnl += o.RealizedPnL
		if o.CreatedAt.After(a.last) {
			a.last = o.CreatedAt
		}
	}

	lessons := make([]router.Lesson, 0, len(accs))
	for _, a := range accs {
		if a.cycles < minLessonCycles {
			continue
		}
		avg := a.pnl / float64(a.cycles)
		outcome := fmt.Sprintf("avg pnl %.4f over %d fills", avg, a.cycles)
		age := now.Sub(a.last)
		weight := math.Exp2(-age.Hours() / lessonHalfLife.Hours())
		lessons = append(lessons, router.Lesson{
			Pattern:   a.pattern,
			Outcome:   outcome,
			Weight:    weight,
			UpdatedAt: a.last,
		})
	}
	sort.Slice(lessons, func(i, j int) bool { return lessons[i].Weight > lessons[j].Weight })
	return lessons
}
