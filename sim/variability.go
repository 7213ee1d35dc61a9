package sim

import (
	"math"
	"math/rand"
)

// ApplyVariability multiplies a pre-variability parameter value by a
// log-normal random effect: eta ~ N(0, omega) drawn as a standard normal
// scaled by sqrt(omega), applied as value*exp(eta). The exponential keeps
// every individual value strictly positive regardless of the draw. An
// omega of zero still consumes one draw so that the per-patient stream
// layout does not depend on which parameters carry variability.
func ApplyVariability(value, omega float64, rng *rand.Rand) float64 {
	eta := rng.NormFloat64() * math.Sqrt(omega)
	return value * math.Exp(eta)
}

// ApplyBounds clamps an individual value into its declared bounds, if any.
func ApplyBounds(value float64, bounds *[2]float64) float64 {
	if bounds == nil {
		return value
	}
	return clamp(value, bounds[0], bounds[1])
}

// ApplyResidualError perturbs a predicted concentration into an observed
// one per the model's error kind:
//
//	proportional: y = f*(1 + eps),        eps ~ N(0, propVar)
//	additive:     y = f + eps,            eps ~ N(0, addVar)
//	combined:     y = f*(1 + ep) + ea,    independent draws, one variance each
//
// Negative observations are legitimate under additive/combined error and
// are returned as-is; downstream consumers distinguish observed from
// predicted. The draw count per call is fixed per kind (combined always
// consumes two) so the stream layout is deterministic.
func ApplyResidualError(predicted float64, spec *ErrorSpec, rng *rand.Rand) float64 {
	switch spec.Kind {
	case ErrorProportional:
		eps := rng.NormFloat64() * math.Sqrt(spec.PropVar)
		return predicted * (1.0 + eps)
	case ErrorAdditive:
		eps := rng.NormFloat64() * math.Sqrt(spec.AddVar)
		return predicted + eps
	case ErrorCombined:
		ep := rng.NormFloat64() * math.Sqrt(spec.PropVar)
		ea := rng.NormFloat64() * math.Sqrt(spec.AddVar)
		return predicted*(1.0+ep) + ea
	}
	return predicted
}
