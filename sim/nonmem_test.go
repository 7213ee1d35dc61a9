package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharmacometric/NSIMS/sim/kinetics"
)

const ctlOneCompartmentOral = `
$PROBLEM One-compartment oral absorption ; trailing comment
$SUBROUTINES ADVAN2 TRANS2

$PK
CL = THETA(1) * (WT/70)**0.75
V  = THETA(2) * (WT/70)**1.0
KA = THETA(3)

$THETA
(0.5, 2.0, 10.0)   ; CL
(5.0, 15.0, 50.0)  ; V
1.5                ; KA

$OMEGA
0.09
0.04
0.16

$SIGMA
MODEL = PROPORTIONAL
0.04

$DOSING
ROUTE = ORAL
AMOUNT = 100
TIMES = 0, 12, 24
BIOAVAILABILITY = 0.9
LAG_TIME = 0.25

$POPULATION
WEIGHT_MEAN = 70
WEIGHT_SD = 12
AGE_MEAN = 40
AGE_SD = 10
PROB_FEMALE = 0.5

$SIMULATION
TIME_POINTS = 0, 0.5, 1, 2, 4, 8, 12, 24
N_PATIENTS = 50
SEED = 1234
ENDPOINTS = OBSERVED
METHOD = ANALYTICAL
`

func TestParseControlStream_OneCompartmentOral(t *testing.T) {
	spec, err := ParseControlStream([]byte(ctlOneCompartmentOral))
	require.NoError(t, err)

	assert.Equal(t, "One-compartment oral absorption", spec.Problem)
	assert.Equal(t, 1, spec.Compartments)
	assert.Equal(t, kinetics.Oral, spec.Dosing.Route)
	assert.Equal(t, 100.0, spec.Dosing.Amount)
	assert.Equal(t, []float64{0, 12, 24}, spec.Dosing.Times)
	assert.Equal(t, 0.9, spec.Dosing.Bioavailability)
	assert.Equal(t, 0.25, spec.Dosing.LagTime)
	assert.Equal(t, 50, spec.NPatients)
	assert.Equal(t, int64(1234), spec.Seed)

	require.Len(t, spec.Parameters, 3)
	cl, v, ka := spec.Parameters[0], spec.Parameters[1], spec.Parameters[2]

	assert.Equal(t, "CL", cl.Name)
	assert.Equal(t, 2.0, cl.Theta)
	assert.Equal(t, 0.09, cl.Omega)
	require.NotNil(t, cl.Bounds)
	assert.Equal(t, [2]float64{0.5, 10.0}, *cl.Bounds)
	require.Len(t, cl.Covariates, 1)
	assert.Equal(t, CovAllometric, cl.Covariates[0].Kind)
	assert.Equal(t, 0.75, cl.Covariates[0].Effect)
	assert.Equal(t, 70.0, cl.Covariates[0].Reference)

	assert.Equal(t, "V", v.Name)
	require.Len(t, v.Covariates, 1)
	assert.Equal(t, 1.0, v.Covariates[0].Effect)

	assert.Equal(t, "KA", ka.Name)
	assert.Equal(t, 1.5, ka.Theta)
	assert.Nil(t, ka.Bounds)
	assert.Equal(t, 0.16, ka.Omega)

	assert.Equal(t, ErrorProportional, spec.Error.Kind)
	assert.Equal(t, 0.04, spec.Error.PropVar)
}

func TestParseControlStream_AdvanCodes(t *testing.T) {
	tests := []struct {
		advan string
		want  int
	}{
		{"ADVAN1", 1}, {"ADVAN2", 1},
		{"ADVAN3", 2}, {"ADVAN4", 2},
		{"ADVAN11", 3}, {"ADVAN12", 3},
	}
	ctl := func(advan string, nTheta int) string {
		s := "$PROBLEM advan check\n$SUBROUTINES " + advan + "\n$THETA\n"
		thetas := []string{"2.0", "15.0", "8.0", "40.0", "3.0", "90.0", "1.5"}
		for i := 0; i < nTheta; i++ {
			s += thetas[i] + "\n"
		}
		s += "$SIMULATION\nN_PATIENTS = 1\n"
		return s
	}
	counts := map[string]int{
		"ADVAN1": 2, "ADVAN2": 3,
		"ADVAN3": 4, "ADVAN4": 5,
		"ADVAN11": 6, "ADVAN12": 7,
	}

	for _, tt := range tests {
		t.Run(tt.advan, func(t *testing.T) {
			n := counts[tt.advan]
			doc := ctl(tt.advan, n)
			if n%2 == 1 { // oral variants need an oral route for KA
				doc += "$DOSING\nROUTE = ORAL\nAMOUNT = 100\nTIMES = 0\n"
			}
			spec, err := ParseControlStream([]byte(doc))
			require.NoError(t, err)
			assert.Equal(t, tt.want, spec.Compartments)
		})
	}
}

func TestParseControlStream_ThetaCountMismatch(t *testing.T) {
	ctl := `
$PROBLEM wrong count
$SUBROUTINES ADVAN3
$THETA
2.0
15.0
$SIMULATION
N_PATIENTS = 1
`
	_, err := ParseControlStream([]byte(ctl))
	require.Error(t, err)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "THETA", pe.Block)
	assert.Contains(t, pe.Msg, "expected 4")
}

func TestParseControlStream_UnknownBlock(t *testing.T) {
	_, err := ParseControlStream([]byte("$PROBLEM x\n$BOGUS\n1.0\n"))
	require.Error(t, err)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "BOGUS", pe.Block)
}

func TestParseControlStream_MissingSubroutines(t *testing.T) {
	_, err := ParseControlStream([]byte("$PROBLEM x\n$THETA\n1.0\n2.0\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SUBROUTINES")
}

func TestParseControlStream_CombinedSigma(t *testing.T) {
	ctl := `
$PROBLEM combined error
$SUBROUTINES ADVAN1
$THETA
2.0
15.0
$SIGMA
0.04
0.25
$SIMULATION
N_PATIENTS = 1
`
	spec, err := ParseControlStream([]byte(ctl))
	require.NoError(t, err)
	assert.Equal(t, ErrorCombined, spec.Error.Kind)
	assert.Equal(t, 0.04, spec.Error.PropVar)
	assert.Equal(t, 0.25, spec.Error.AddVar)
}

func TestParseControlStream_PKOutOfOrder(t *testing.T) {
	ctl := `
$PROBLEM order check
$SUBROUTINES ADVAN1
$PK
V  = THETA(2)
CL = THETA(1)
$THETA
2.0
15.0
$SIMULATION
N_PATIENTS = 1
`
	_, err := ParseControlStream([]byte(ctl))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "declaration order")
}

func TestParseControlStream_PopulationCovariates(t *testing.T) {
	ctl := `
$PROBLEM population covariates
$SUBROUTINES ADVAN1
$THETA
2.0
15.0
$POPULATION
WEIGHT_MEAN = 75
WEIGHT_SD = 14
AGE_MEAN = 52
AGE_SD = 16
PROB_FEMALE = 0.45
COV_CL_WT_EFFECT = 0.75
COV_CL_AGE_EFFECT = -0.005
COV_V_WT_EFFECT = 1.0
COV_V_WT_REF = 80
$SIMULATION
N_PATIENTS = 10
`
	spec, err := ParseControlStream([]byte(ctl))
	require.NoError(t, err)

	cl := spec.Parameter("CL")
	require.Len(t, cl.Covariates, 2)
	assert.Equal(t, CovAllometric, cl.Covariates[0].Kind)
	assert.Equal(t, 75.0, cl.Covariates[0].Reference, "weight mean is the default reference")
	assert.Equal(t, CovExponential, cl.Covariates[1].Kind)
	assert.Equal(t, 52.0, cl.Covariates[1].Reference)

	v := spec.Parameter("V")
	require.Len(t, v.Covariates, 1)
	assert.Equal(t, 80.0, v.Covariates[0].Reference, "explicit REF beats the default")
}

// The two front-ends must normalize equivalent documents to identical
// specs, so that simulated populations agree record-for-record.
func TestFrontEndEquivalence(t *testing.T) {
	ctl := `
$PROBLEM equivalence
$SUBROUTINES ADVAN2
$PK
CL = THETA(1) * (WT/70)**0.75
V  = THETA(2)
KA = THETA(3)
$THETA
2.0
15.0
1.5
$OMEGA
0.09
0.04
0.0
$SIGMA
MODEL = PROPORTIONAL
0.04
$DOSING
ROUTE = ORAL
AMOUNT = 100
TIMES = 0
$POPULATION
WEIGHT_MEAN = 70
WEIGHT_SD = 12
AGE_MEAN = 45
AGE_SD = 12
PROB_FEMALE = 0.5
$SIMULATION
TIME_POINTS = 0, 1, 2, 4, 8, 12, 24
N_PATIENTS = 20
SEED = 777
`
	yamlDoc := `
problem: equivalence
model:
  compartments: 1
  parameters:
    CL: {theta: 2.0, omega: 0.09}
    V:  {theta: 15.0, omega: 0.04}
    KA: {theta: 1.5}
dosing:
  route: oral
  amount: 100
  times: [0]
population:
  weight_mean: 70
  weight_sd: 12
  age_mean: 45
  age_sd: 12
  prob_female: 0.5
  covariates:
    - {parameter: CL, covariate: WT, type: allometric, effect: 0.75, reference: 70}
simulation:
  time_points: [0, 1, 2, 4, 8, 12, 24]
  error_model: {type: proportional, proportional: 0.04}
  n_patients: 20
  seed: 777
`
	fromCtl, err := ParseControlStream([]byte(ctl))
	require.NoError(t, err)
	fromYAML, err := ParseStructured([]byte(yamlDoc))
	require.NoError(t, err)

	assert.Equal(t, fromYAML, fromCtl)

	resCtl, err := NewSimulator(fromCtl, FailFast).Run()
	require.NoError(t, err)
	resYAML, err := NewSimulator(fromYAML, FailFast).Run()
	require.NoError(t, err)
	assert.Equal(t, resYAML.Patients, resCtl.Patients)
}
