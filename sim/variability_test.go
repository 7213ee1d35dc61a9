package sim

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplyVariability_ZeroOmegaIsIdentity(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	assert.Equal(t, 5.0, ApplyVariability(5.0, 0, rng))
}

func TestApplyVariability_ZeroOmegaConsumesDraw(t *testing.T) {
	// Zero-variance slots still consume one draw so that changing an
	// omega does not shift the draws of every downstream parameter.
	a := rand.New(rand.NewSource(1))
	b := rand.New(rand.NewSource(1))

	ApplyVariability(5.0, 0, a)
	ApplyVariability(5.0, 0.09, b)

	assert.Equal(t, a.Float64(), b.Float64(), "stream positions diverged")
}

func TestApplyVariability_LogNormal(t *testing.T) {
	// The perturbed value is value * exp(eta) with eta from the same
	// stream position, so it is strictly positive and reproducible.
	rng := rand.New(rand.NewSource(42))
	eta := rand.New(rand.NewSource(42)).NormFloat64() * math.Sqrt(0.09)

	v := ApplyVariability(5.0, 0.09, rng)
	assert.InDelta(t, 5.0*math.Exp(eta), v, 1e-12)
	assert.Greater(t, v, 0.0)
}

func TestApplyBounds(t *testing.T) {
	bounds := &[2]float64{1.0, 10.0}
	tests := []struct {
		name  string
		value float64
		want  float64
	}{
		{"below lower", 0.5, 1.0},
		{"inside", 5.0, 5.0},
		{"above upper", 20.0, 10.0},
		{"at lower", 1.0, 1.0},
		{"at upper", 10.0, 10.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ApplyBounds(tt.value, bounds))
		})
	}
	assert.Equal(t, 123.0, ApplyBounds(123.0, nil), "nil bounds are a no-op")
}

func TestApplyResidualError_ZeroVarianceRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for _, kind := range []ErrorKind{ErrorProportional, ErrorAdditive, ErrorCombined} {
		spec := &ErrorSpec{Kind: kind}
		assert.Equal(t, 8.25, ApplyResidualError(8.25, spec, rng), "kind %s", kind)
	}
}

func TestApplyResidualError_Proportional(t *testing.T) {
	eps := rand.New(rand.NewSource(5)).NormFloat64() * math.Sqrt(0.04)
	got := ApplyResidualError(10.0, &ErrorSpec{Kind: ErrorProportional, PropVar: 0.04}, rand.New(rand.NewSource(5)))
	assert.InDelta(t, 10.0*(1+eps), got, 1e-12)
}

func TestApplyResidualError_Additive(t *testing.T) {
	eps := rand.New(rand.NewSource(5)).NormFloat64() * math.Sqrt(0.25)
	got := ApplyResidualError(10.0, &ErrorSpec{Kind: ErrorAdditive, AddVar: 0.25}, rand.New(rand.NewSource(5)))
	assert.InDelta(t, 10.0+eps, got, 1e-12)
}

func TestApplyResidualError_Combined(t *testing.T) {
	ref := rand.New(rand.NewSource(5))
	ep := ref.NormFloat64() * math.Sqrt(0.04)
	ea := ref.NormFloat64() * math.Sqrt(0.25)

	spec := &ErrorSpec{Kind: ErrorCombined, PropVar: 0.04, AddVar: 0.25}
	got := ApplyResidualError(10.0, spec, rand.New(rand.NewSource(5)))
	assert.InDelta(t, 10.0*(1+ep)+ea, got, 1e-12)
}

func TestApplyResidualError_NegativesNotClamped(t *testing.T) {
	// Low predicted concentration plus additive noise legitimately yields
	// negative observations; clamping would bias summaries upward.
	rng := rand.New(rand.NewSource(11))
	spec := &ErrorSpec{Kind: ErrorAdditive, AddVar: 1.0}

	sawNegative := false
	for i := 0; i < 200; i++ {
		if ApplyResidualError(0.01, spec, rng) < 0 {
			sawNegative = true
			break
		}
	}
	assert.True(t, sawNegative, "no negative observation in 200 draws - clamping suspected")
}
