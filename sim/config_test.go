package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharmacometric/NSIMS/sim/kinetics"
)

const yamlTwoCompartmentInfusion = `
problem: Two-compartment infusion example
model:
  compartments: 2
  parameters:
    CL: {theta: 3.5, omega: 0.09}
    V1: {theta: 20.0, omega: 0.04}
    Q:  {theta: 8.0}
    V2: {theta: 50.0}
dosing:
  route: infusion
  amount: 500
  times: [0, 24]
  duration: 2.0
population:
  weight_mean: 70
  weight_sd: 12
  age_mean: 50
  age_sd: 15
  prob_female: 0.4
simulation:
  time_points: [0.5, 1, 2, 4, 8, 12, 24]
  error_model:
    type: combined
    proportional: 0.04
    additive: 0.1
  n_patients: 25
  seed: 2024
`

func TestParseStructured_TwoCompartmentInfusion(t *testing.T) {
	spec, err := ParseStructured([]byte(yamlTwoCompartmentInfusion))
	require.NoError(t, err)

	assert.Equal(t, "Two-compartment infusion example", spec.Problem)
	assert.Equal(t, 2, spec.Compartments)
	assert.Equal(t, kinetics.IVInfusion, spec.Dosing.Route)
	assert.Equal(t, 500.0, spec.Dosing.Amount)
	assert.Equal(t, 2.0, spec.Dosing.Duration)
	assert.Equal(t, 25, spec.NPatients)
	assert.Equal(t, int64(2024), spec.Seed)
	assert.Equal(t, ErrorCombined, spec.Error.Kind)
	assert.Equal(t, 0.04, spec.Error.PropVar)
	assert.Equal(t, 0.1, spec.Error.AddVar)
	assert.Equal(t, EndpointsObserved, spec.EndpointsFrom)

	// Parameters come out in declaration order regardless of map order.
	names := make([]string, len(spec.Parameters))
	for i, p := range spec.Parameters {
		names[i] = p.Name
	}
	assert.Equal(t, []string{"CL", "V1", "Q", "V2"}, names)
	assert.Equal(t, 3.5, spec.Parameters[0].Theta)
	assert.Equal(t, 0.09, spec.Parameters[0].Omega)
	assert.Equal(t, 0.0, spec.Parameters[2].Omega)
}

func TestParseStructured_ParameterAliases(t *testing.T) {
	// V is accepted for V1 in multi-compartment models and vice versa for
	// one-compartment models.
	doc := `
model:
  compartments: 1
  parameters:
    CL: {theta: 2.0}
    V1: {theta: 15.0}
dosing:
  route: bolus
  amount: 100
  times: [0]
population: {weight_mean: 70, weight_sd: 10, age_mean: 45, age_sd: 10, prob_female: 0.5}
simulation:
  time_points: [1, 2, 4]
  n_patients: 1
`
	spec, err := ParseStructured([]byte(doc))
	require.NoError(t, err)
	require.NotNil(t, spec.Parameter("V"))
	assert.Equal(t, 15.0, spec.Parameter("V").Theta)
}

func TestParseStructured_CovariateAttachment(t *testing.T) {
	doc := `
model:
  compartments: 1
  parameters:
    CL: {theta: 2.0, omega: 0.09}
    V:  {theta: 15.0}
dosing:
  route: oral
  amount: 100
  times: [0]
population:
  weight_mean: 70
  weight_sd: 10
  age_mean: 45
  age_sd: 10
  prob_female: 0.5
  covariates:
    - {parameter: CL, covariate: WT, type: allometric, effect: 0.75, reference: 70}
    - {parameter: V, covariate: WT, type: allometric, effect: 1.0, reference: 70}
simulation:
  time_points: [1, 2, 4]
  n_patients: 1
`
	// Oral route without KA must fail.
	_, err := ParseStructured([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KA")

	withKA := `
model:
  compartments: 1
  parameters:
    CL: {theta: 2.0, omega: 0.09}
    V:  {theta: 15.0}
    KA: {theta: 1.5}
dosing:
  route: oral
  amount: 100
  times: [0]
population:
  weight_mean: 70
  weight_sd: 10
  age_mean: 45
  age_sd: 10
  prob_female: 0.5
  covariates:
    - {parameter: CL, covariate: WT, type: allometric, effect: 0.75, reference: 70}
simulation:
  time_points: [1, 2, 4]
  n_patients: 1
`
	spec, err := ParseStructured([]byte(withKA))
	require.NoError(t, err)
	cl := spec.Parameter("CL")
	require.Len(t, cl.Covariates, 1)
	assert.Equal(t, CovAllometric, cl.Covariates[0].Kind)
	assert.Equal(t, 0.75, cl.Covariates[0].Effect)
	assert.Equal(t, 70.0, cl.Covariates[0].Reference)
}

func TestValidate_Failures(t *testing.T) {
	base := func() *ModelSpec {
		spec, err := ParseStructured([]byte(yamlTwoCompartmentInfusion))
		require.NoError(t, err)
		return spec
	}

	tests := []struct {
		name   string
		mutate func(*ModelSpec)
		field  string
	}{
		{"bad compartments", func(m *ModelSpec) { m.Compartments = 4 }, "model.compartments"},
		{"non-positive theta", func(m *ModelSpec) { m.Parameters[0].Theta = 0 }, "CL"},
		{"negative omega", func(m *ModelSpec) { m.Parameters[1].Omega = -0.1 }, "V1"},
		{"theta outside bounds", func(m *ModelSpec) { m.Parameters[0].Bounds = &[2]float64{10, 20} }, "CL"},
		{"inverted bounds", func(m *ModelSpec) { m.Parameters[0].Bounds = &[2]float64{5, 1} }, "CL"},
		{"non-positive amount", func(m *ModelSpec) { m.Dosing.Amount = -1 }, "dosing.amount"},
		{"no dose times", func(m *ModelSpec) { m.Dosing.Times = nil }, "dosing.times"},
		{"unsorted dose times", func(m *ModelSpec) { m.Dosing.Times = []float64{24, 0} }, "dosing.times"},
		{"infusion without duration", func(m *ModelSpec) { m.Dosing.Duration = 0 }, "dosing.duration"},
		{"unsorted observations", func(m *ModelSpec) { m.Times = []float64{4, 2} }, "time_points"},
		{"no observations", func(m *ModelSpec) { m.Times = nil }, "time_points"},
		{"negative error variance", func(m *ModelSpec) { m.Error.AddVar = -1 }, "error_model"},
		{"negative patients", func(m *ModelSpec) { m.NPatients = -5 }, "n_patients"},
		{"bad prob_female", func(m *ModelSpec) { m.Population.ProbFemale = 1.5 }, "prob_female"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := base()
			tt.mutate(spec)
			err := spec.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestParseStructured_RejectsUnknownParameter(t *testing.T) {
	doc := `
model:
  compartments: 1
  parameters:
    CL: {theta: 2.0}
    V:  {theta: 15.0}
    Q3: {theta: 1.0}
dosing: {route: bolus, amount: 100, times: [0]}
population: {weight_mean: 70, weight_sd: 10, age_mean: 45, age_sd: 10, prob_female: 0.5}
simulation: {time_points: [1, 2], n_patients: 1}
`
	_, err := ParseStructured([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Q3")
}

func TestParseStructured_RejectsNumericMethod(t *testing.T) {
	doc := `
model:
  compartments: 1
  parameters:
    CL: {theta: 2.0}
    V:  {theta: 15.0}
dosing: {route: bolus, amount: 100, times: [0]}
population: {weight_mean: 70, weight_sd: 10, age_mean: 45, age_sd: 10, prob_female: 0.5}
simulation: {time_points: [1, 2], n_patients: 1, method: ode}
`
	_, err := ParseStructured([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "analytical")
}
