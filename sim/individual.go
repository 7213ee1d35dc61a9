package sim

import (
	"math/rand"

	"github.com/pharmacometric/NSIMS/sim/kinetics"
)

// ConcentrationPoint is one observation time with the model-predicted
// concentration and the residual-error-perturbed observed value.
type ConcentrationPoint struct {
	Time      float64
	Predicted float64
	Observed  float64
}

// Endpoints are the derived summary measures of one concentration profile.
type Endpoints struct {
	Cmax float64
	Tmax float64
	AUC  float64 // linear trapezoid over the observation grid
}

// PatientRecord is the complete simulated output for one virtual patient:
// demographics, realized individual parameters (keyed by declaration-order
// name), the concentration profile, and derived endpoints.
type PatientRecord struct {
	ID           int
	Demographics Demographics
	Parameters   map[string]float64
	Profile      []ConcentrationPoint
	Endpoints    Endpoints
}

// SimulatePatient runs the full per-patient pipeline on one substream:
// demographics, typical values under covariates, individual parameters
// under IIV and bounds, the analytical concentration profile, residual
// error, and endpoints. Every stochastic step consumes a fixed number of
// draws so patient i's record depends only on its own substream.
func SimulatePatient(spec *ModelSpec, id int, rng *rand.Rand) (*PatientRecord, error) {
	rec := &PatientRecord{
		ID:           id,
		Demographics: SampleDemographics(&spec.Population, rng),
		Parameters:   make(map[string]float64, len(spec.Parameters)),
	}

	for i := range spec.Parameters {
		p := &spec.Parameters[i]
		tv, err := TypicalValue(p, &rec.Demographics)
		if err != nil {
			if ie, ok := err.(*InstabilityError); ok {
				ie.PatientID = id
			}
			return nil, err
		}
		v := ApplyVariability(tv, p.Omega, rng)
		rec.Parameters[p.Name] = ApplyBounds(v, p.Bounds)
	}

	disp, err := kinetics.NewDisposition(kineticsParameters(spec, rec.Parameters))
	if err != nil {
		return nil, &InstabilityError{PatientID: id, Msg: err.Error()}
	}
	predicted, err := disp.Profile(spec.Times, spec.Dosing.Events())
	if err != nil {
		return nil, &InstabilityError{PatientID: id, Msg: err.Error()}
	}

	rec.Profile = make([]ConcentrationPoint, len(spec.Times))
	for i, t := range spec.Times {
		rec.Profile[i] = ConcentrationPoint{
			Time:      t,
			Predicted: predicted[i],
			Observed:  ApplyResidualError(predicted[i], &spec.Error, rng),
		}
	}

	rec.Endpoints = computeEndpoints(rec.Profile, spec.EndpointsFrom)
	return rec, nil
}

// kineticsParameters maps the named individual parameters onto the engine's
// positional parameter struct.
func kineticsParameters(spec *ModelSpec, params map[string]float64) kinetics.Parameters {
	kp := kinetics.Parameters{Compartments: spec.Compartments, CL: params["CL"]}
	switch spec.Compartments {
	case 1:
		kp.V1 = params["V"]
	case 2:
		kp.V1 = params["V1"]
		kp.Q2 = params["Q"]
		kp.V2 = params["V2"]
	case 3:
		kp.V1 = params["V1"]
		kp.Q2 = params["Q2"]
		kp.V2 = params["V2"]
		kp.Q3 = params["Q3"]
		kp.V3 = params["V3"]
	}
	if spec.Dosing.Route == kinetics.Oral {
		kp.KA = params["KA"]
	}
	return kp
}

// computeEndpoints derives Cmax, Tmax, and AUC from the selected series.
// Ties on the maximum resolve to the earliest time. AUC uses the linear
// trapezoid over the observation grid as given; no extrapolation.
func computeEndpoints(profile []ConcentrationPoint, source EndpointSource) Endpoints {
	value := func(p ConcentrationPoint) float64 {
		if source == EndpointsPredicted {
			return p.Predicted
		}
		return p.Observed
	}

	var ep Endpoints
	if len(profile) == 0 {
		return ep
	}
	ep.Cmax = value(profile[0])
	ep.Tmax = profile[0].Time
	for _, p := range profile[1:] {
		if v := value(p); v > ep.Cmax {
			ep.Cmax = v
			ep.Tmax = p.Time
		}
	}
	for i := 1; i < len(profile); i++ {
		dt := profile[i].Time - profile[i-1].Time
		ep.AUC += dt * (value(profile[i]) + value(profile[i-1])) / 2
	}
	return ep
}
