package router

import (
	"hash/fnv"
	"strings"
	"time"
)

// ExperimentVariant is one arm of an A/B test over template versions.
type ExperimentVariant struct {
	TemplateID string
	Weight     int
}

// Experiment references two or more template versions with a traffic split.
type Experiment struct {
	Name        string
	Instruments []string
	Variants    []ExperimentVariant
}

func (e Experiment) covers(instrument string) bool {
	if len(e.Instruments) == 0 {
		return true
	}
	for _, in := range e.Instruments {
		if strings.EqualFold(strings.TrimSpace(in), instrument) {
			return true
		}
	}
	return false
}

// AssignVariant picks an arm with a deterministic hash of (instrument, UTC
// day, experiment name). A given instrument keeps the same variant for the
// whole day rather than getting a fresh coin flip every cycle.
func (e Experiment) AssignVariant(instrument string, at time.Time) (ExperimentVariant, bool) {
	if len(e.Variants) == 0 {
		return ExperimentVariant{}, false
	}
	total := 0
	for _, v := range e.Variants {
		if v.Weight > 0 {
			total += v.Weight
		}
	}
	if total == 0 {
		return e.Variants[0], true
	}

	h := fnv.New64a()
	h.Write([]byte(strings.ToUpper(strings.TrimSpace(instrument))))
	h.Write([]byte{0})
	h.Write([]byte(at.UTC().Format("2006-01-02")))
	h.Write([]byte{0})
	h.Write([]byte(e.Name))
	bucket := int(h.Sum64() % uint64(total))

	for _, v := range e.Variants {
		if v.Weight <= 0 {
			continue
		}
		if bucket < v.Weight {
			return v, true
		}
		bucket -= v.Weight
	}
	return e.Variants[len(e.Variants)-1], true
}

// resolveTemplate picks the active template version for an instrument.
// Returns the version plus the variant label recorded on the Decision
// ("" when no experiment covers the instrument).
func resolveTemplate(reg *Registry, experiments []Experiment, instrument string, at time.Time) (*TemplateVersion, string) {
	for _, exp := range experiments {
		if !exp.covers(instrument) {
			continue
		}
		variant, ok := exp.AssignVariant(instrument, at)
		if !ok {
			continue
		}
		if tv, found := reg.Get(variant.TemplateID); found {
			return tv, exp.Name + "/" + variant.TemplateID
		}
	}
	return reg.Default(), ""
}
