package sim

import (
	"fmt"
	"math"
	"math/rand"
)

// CovKind is the functional form of one covariate effect.
type CovKind int

const (
	// CovAllometric: (cov/ref)^effect, power-law on a continuous covariate.
	CovAllometric CovKind = iota
	// CovExponential: exp(effect*(cov-ref)).
	CovExponential
	// CovLinear: 1 + effect*cov, used for categorical covariates.
	CovLinear
)

func (k CovKind) String() string {
	switch k {
	case CovAllometric:
		return "allometric"
	case CovExponential:
		return "exponential"
	case CovLinear:
		return "linear"
	}
	return fmt.Sprintf("covkind(%d)", int(k))
}

func parseCovKind(s string) (CovKind, error) {
	switch s {
	case "allometric", "power":
		return CovAllometric, nil
	case "exponential":
		return CovExponential, nil
	case "linear":
		return CovLinear, nil
	}
	return 0, fmt.Errorf("unknown covariate effect type %q (want allometric, exponential, or linear)", s)
}

// Covariate names recognized in effect declarations.
const (
	CovWeight = "WT"
	CovAge    = "AGE"
	CovSex    = "SEX"
	CovRace   = "RACE"
)

// CovariateEffect is one multiplicative adjustment of a structural
// parameter by a covariate. Effects on the same parameter compose by
// multiplication.
type CovariateEffect struct {
	Covariate string // WT, AGE, SEX, or RACE
	Kind      CovKind
	Effect    float64
	Reference float64 // reference value for allometric/exponential forms
}

func (ce *CovariateEffect) validate(param string) error {
	switch ce.Covariate {
	case CovWeight, CovAge, CovSex, CovRace:
	default:
		return &ValidationError{Field: "covariates",
			Msg: fmt.Sprintf("parameter %s: unknown covariate %q", param, ce.Covariate)}
	}
	if (ce.Kind == CovAllometric || ce.Kind == CovExponential) && ce.Reference <= 0 {
		return &ValidationError{Field: "covariates",
			Msg: fmt.Sprintf("parameter %s: %s effect on %s needs a positive reference value",
				param, ce.Kind, ce.Covariate)}
	}
	return nil
}

// Multiplier evaluates the effect for one patient's covariate value.
func (ce *CovariateEffect) Multiplier(cov float64) float64 {
	switch ce.Kind {
	case CovAllometric:
		return math.Pow(cov/ce.Reference, ce.Effect)
	case CovExponential:
		return math.Exp(ce.Effect * (cov - ce.Reference))
	case CovLinear:
		return 1.0 + ce.Effect*cov
	}
	return 1.0
}

// Demographics are one virtual patient's sampled covariates.
// Sex is 0 = male, 1 = female; Race is a 3-level code (0, 1, 2).
type Demographics struct {
	Weight float64
	Age    float64
	Sex    int
	Race   int
}

// Value returns the named covariate as a float for effect evaluation.
func (d *Demographics) Value(name string) float64 {
	switch name {
	case CovWeight:
		return d.Weight
	case CovAge:
		return d.Age
	case CovSex:
		return float64(d.Sex)
	case CovRace:
		return float64(d.Race)
	}
	return 0
}

// Physiologic clamp ranges for sampled continuous covariates. Clamping
// (rather than redrawing) keeps the per-patient draw count fixed, which
// the reproducibility contract depends on.
const (
	minWeightKg = 30.0
	maxWeightKg = 200.0
	minAgeYears = 18.0
	maxAgeYears = 100.0
)

// SampleDemographics draws one patient's covariates from the population
// distributions. Draw order is fixed: weight, age, sex, race.
func SampleDemographics(pop *PopulationSpec, rng *rand.Rand) Demographics {
	weight := rng.NormFloat64()*pop.WeightSD + pop.WeightMean
	age := rng.NormFloat64()*pop.AgeSD + pop.AgeMean

	sex := 0
	if rng.Float64() < pop.ProbFemale {
		sex = 1
	}
	race := rng.Intn(3)

	return Demographics{
		Weight: clamp(weight, minWeightKg, maxWeightKg),
		Age:    clamp(age, minAgeYears, maxAgeYears),
		Sex:    sex,
		Race:   race,
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

// TypicalValue evaluates a parameter's pre-variability value for one
// patient: the base theta times the product of all declared covariate
// multipliers. A non-positive result means the covariate model is
// inconsistent with the drawn demographics and is surfaced as an
// instability rather than propagated.
func TypicalValue(p *ParameterSpec, demo *Demographics) (float64, error) {
	value := p.Theta
	for i := range p.Covariates {
		ce := &p.Covariates[i]
		mult := ce.Multiplier(demo.Value(ce.Covariate))
		if mult <= 0 || math.IsNaN(mult) || math.IsInf(mult, 0) {
			return 0, &InstabilityError{
				Msg: fmt.Sprintf("covariate %s %s effect on %s yields non-positive multiplier %g",
					ce.Covariate, ce.Kind, p.Name, mult),
			}
		}
		value *= mult
	}
	return value, nil
}
