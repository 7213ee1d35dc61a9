package sim

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pharmacometric/NSIMS/sim/kinetics"
)

// ErrorKind selects the residual (observation) error model.
type ErrorKind int

const (
	ErrorProportional ErrorKind = iota
	ErrorAdditive
	ErrorCombined
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorProportional:
		return "proportional"
	case ErrorAdditive:
		return "additive"
	case ErrorCombined:
		return "combined"
	}
	return fmt.Sprintf("errorkind(%d)", int(k))
}

// EndpointSource selects which concentration series feeds the derived
// endpoints (Cmax/Tmax/AUC).
type EndpointSource int

const (
	EndpointsObserved EndpointSource = iota
	EndpointsPredicted
)

// ParameterSpec is one structural parameter slot: its name tag, typical
// value, diagonal log-normal variance, optional bounds, and the covariate
// effects that modulate it. Slots appear in ModelSpec.Parameters in the
// fixed declaration order (CL, volumes, inter-compartmental clearances,
// then KA for oral models); the name tag is attached at parse time so no
// downstream code re-derives position-to-name mapping.
type ParameterSpec struct {
	Name       string
	Theta      float64
	Omega      float64 // variance of the log-normal random effect; 0 = no IIV
	Bounds     *[2]float64
	Covariates []CovariateEffect
}

// DosingSpec is the regimen shared by every simulated patient. All doses
// share one route, amount, and route-specific extras.
type DosingSpec struct {
	Route           kinetics.Route
	Amount          float64
	Times           []float64
	Duration        float64 // infusion
	Bioavailability float64 // oral; 1.0 = complete
	LagTime         float64 // oral
}

// Events expands the regimen into per-dose events for the kinetics engine.
func (d *DosingSpec) Events() []kinetics.DoseEvent {
	events := make([]kinetics.DoseEvent, len(d.Times))
	for i, t := range d.Times {
		events[i] = kinetics.DoseEvent{
			Time:            t,
			Amount:          d.Amount,
			Route:           d.Route,
			Duration:        d.Duration,
			LagTime:         d.LagTime,
			Bioavailability: d.Bioavailability,
		}
	}
	return events
}

// PopulationSpec parameterizes the demographic distributions.
type PopulationSpec struct {
	WeightMean float64
	WeightSD   float64
	AgeMean    float64
	AgeSD      float64
	ProbFemale float64
}

// ErrorSpec holds the residual error variances. Proportional uses PropVar,
// additive uses AddVar, combined uses both.
type ErrorSpec struct {
	Kind    ErrorKind
	PropVar float64
	AddVar  float64
}

// ModelSpec is the canonical, format-independent description of one PK
// model, its dosing regimen, population, and simulation settings. It is
// produced once by either front-end, validated, and read-only thereafter.
type ModelSpec struct {
	Problem       string
	Compartments  int
	Parameters    []ParameterSpec
	Dosing        DosingSpec
	Population    PopulationSpec
	Times         []float64
	Error         ErrorSpec
	EndpointsFrom EndpointSource
	NPatients     int
	Seed          int64
}

// Parameter returns the spec slot with the given name, or nil.
func (m *ModelSpec) Parameter(name string) *ParameterSpec {
	for i := range m.Parameters {
		if m.Parameters[i].Name == name {
			return &m.Parameters[i]
		}
	}
	return nil
}

// structuralOrder is the fixed parameter declaration order for a model:
// clearance, volume(s), inter-compartmental clearance(s), then the
// absorption rate for oral routes. THETA/OMEGA entries match this order
// positionally.
func structuralOrder(compartments int, oral bool) []string {
	var names []string
	switch compartments {
	case 1:
		names = []string{"CL", "V"}
	case 2:
		names = []string{"CL", "V1", "Q", "V2"}
	case 3:
		names = []string{"CL", "V1", "Q2", "V2", "Q3", "V3"}
	}
	if oral {
		names = append(names, "KA")
	}
	return names
}

// === Structured (YAML/JSON) front-end ===
//
// YAML 1.2 is a superset of JSON, so yaml.v3 serves both extensions.

type yamlDocument struct {
	Problem string `yaml:"problem"`
	Model   struct {
		Compartments int                      `yaml:"compartments"`
		Parameters   map[string]yamlParameter `yaml:"parameters"`
	} `yaml:"model"`
	Dosing struct {
		Route           string    `yaml:"route"`
		Amount          float64   `yaml:"amount"`
		Times           []float64 `yaml:"times"`
		Duration        float64   `yaml:"duration"`
		Bioavailability *float64  `yaml:"bioavailability"`
		LagTime         float64   `yaml:"lag_time"`
	} `yaml:"dosing"`
	Population struct {
		WeightMean float64        `yaml:"weight_mean"`
		WeightSD   float64        `yaml:"weight_sd"`
		AgeMean    float64        `yaml:"age_mean"`
		AgeSD      float64        `yaml:"age_sd"`
		ProbFemale float64        `yaml:"prob_female"`
		Covariates []yamlCovEntry `yaml:"covariates"`
	} `yaml:"population"`
	Simulation struct {
		TimePoints []float64 `yaml:"time_points"`
		ErrorModel struct {
			Type         string  `yaml:"type"`
			Proportional float64 `yaml:"proportional"`
			Additive     float64 `yaml:"additive"`
		} `yaml:"error_model"`
		EndpointsFrom string `yaml:"endpoints_from"`
		NPatients     int    `yaml:"n_patients"`
		Seed          int64  `yaml:"seed"`
		Method        string `yaml:"method"`
	} `yaml:"simulation"`
}

type yamlParameter struct {
	Theta  float64   `yaml:"theta"`
	Omega  float64   `yaml:"omega"`
	Bounds []float64 `yaml:"bounds"`
}

type yamlCovEntry struct {
	Parameter string  `yaml:"parameter"`
	Covariate string  `yaml:"covariate"`
	Type      string  `yaml:"type"`
	Effect    float64 `yaml:"effect"`
	Reference float64 `yaml:"reference"`
}

// ParseStructured deserializes a YAML (or JSON) model document and
// normalizes it into a validated ModelSpec.
func ParseStructured(data []byte) (*ModelSpec, error) {
	var doc yamlDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &ParseError{Block: "yaml", Msg: err.Error()}
	}

	route, err := parseRoute(doc.Dosing.Route)
	if err != nil {
		return nil, &ParseError{Block: "yaml", Msg: err.Error()}
	}

	spec := &ModelSpec{
		Problem:      doc.Problem,
		Compartments: doc.Model.Compartments,
		Dosing: DosingSpec{
			Route:           route,
			Amount:          doc.Dosing.Amount,
			Times:           doc.Dosing.Times,
			Duration:        doc.Dosing.Duration,
			Bioavailability: 1.0,
			LagTime:         doc.Dosing.LagTime,
		},
		Population: PopulationSpec{
			WeightMean: doc.Population.WeightMean,
			WeightSD:   doc.Population.WeightSD,
			AgeMean:    doc.Population.AgeMean,
			AgeSD:      doc.Population.AgeSD,
			ProbFemale: doc.Population.ProbFemale,
		},
		Times:     doc.Simulation.TimePoints,
		NPatients: doc.Simulation.NPatients,
		Seed:      doc.Simulation.Seed,
	}
	if doc.Dosing.Bioavailability != nil {
		spec.Dosing.Bioavailability = *doc.Dosing.Bioavailability
	}

	if doc.Simulation.Method != "" && !strings.EqualFold(doc.Simulation.Method, "analytical") {
		return nil, &ValidationError{Field: "simulation.method",
			Msg: fmt.Sprintf("only the analytical method is supported, got %q", doc.Simulation.Method)}
	}

	switch strings.ToLower(doc.Simulation.ErrorModel.Type) {
	case "", "proportional":
		spec.Error = ErrorSpec{Kind: ErrorProportional, PropVar: doc.Simulation.ErrorModel.Proportional}
	case "additive":
		spec.Error = ErrorSpec{Kind: ErrorAdditive, AddVar: doc.Simulation.ErrorModel.Additive}
	case "combined":
		spec.Error = ErrorSpec{
			Kind:    ErrorCombined,
			PropVar: doc.Simulation.ErrorModel.Proportional,
			AddVar:  doc.Simulation.ErrorModel.Additive,
		}
	default:
		return nil, &ParseError{Block: "yaml",
			Msg: fmt.Sprintf("unknown error model %q", doc.Simulation.ErrorModel.Type)}
	}

	switch strings.ToLower(doc.Simulation.EndpointsFrom) {
	case "", "observed":
		spec.EndpointsFrom = EndpointsObserved
	case "predicted":
		spec.EndpointsFrom = EndpointsPredicted
	default:
		return nil, &ParseError{Block: "yaml",
			Msg: fmt.Sprintf("endpoints_from must be predicted or observed, got %q", doc.Simulation.EndpointsFrom)}
	}

	// Reorder the parameter map into the fixed declaration order, tagging
	// each slot with its name.
	order := structuralOrder(spec.Compartments, route == kinetics.Oral)
	for _, name := range order {
		yp, ok := lookupParameter(doc.Model.Parameters, name, spec.Compartments)
		if !ok {
			return nil, &ParseError{Block: "yaml",
				Msg: fmt.Sprintf("missing required parameter %s for a %d-compartment %s model",
					name, spec.Compartments, route)}
		}
		ps := ParameterSpec{Name: name, Theta: yp.Theta, Omega: yp.Omega}
		if len(yp.Bounds) == 2 {
			ps.Bounds = &[2]float64{yp.Bounds[0], yp.Bounds[1]}
		} else if len(yp.Bounds) != 0 {
			return nil, &ParseError{Block: "yaml",
				Msg: fmt.Sprintf("parameter %s: bounds must be [lower, upper]", name)}
		}
		spec.Parameters = append(spec.Parameters, ps)
	}
	if extra := extraParameters(doc.Model.Parameters, order, spec.Compartments); len(extra) > 0 {
		return nil, &ParseError{Block: "yaml",
			Msg: fmt.Sprintf("unknown parameter(s) %s for a %d-compartment %s model",
				strings.Join(extra, ", "), spec.Compartments, route)}
	}

	for _, ce := range doc.Population.Covariates {
		kind, err := parseCovKind(ce.Type)
		if err != nil {
			return nil, &ParseError{Block: "yaml", Msg: err.Error()}
		}
		target := spec.Parameter(canonicalParamName(ce.Parameter, spec.Compartments))
		if target == nil {
			return nil, &ParseError{Block: "yaml",
				Msg: fmt.Sprintf("covariate effect references unknown parameter %q", ce.Parameter)}
		}
		target.Covariates = append(target.Covariates, CovariateEffect{
			Covariate: strings.ToUpper(ce.Covariate),
			Kind:      kind,
			Effect:    ce.Effect,
			Reference: ce.Reference,
		})
	}

	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

// lookupParameter resolves a declaration-order name against the document's
// parameter map, accepting the V/V1 and Q/Q2 aliases.
func lookupParameter(params map[string]yamlParameter, name string, compartments int) (yamlParameter, bool) {
	for doc, p := range params {
		if canonicalParamName(doc, compartments) == name {
			return p, true
		}
	}
	return yamlParameter{}, false
}

func extraParameters(params map[string]yamlParameter, order []string, compartments int) []string {
	known := make(map[string]bool, len(order))
	for _, n := range order {
		known[n] = true
	}
	var extra []string
	for doc := range params {
		if !known[canonicalParamName(doc, compartments)] {
			extra = append(extra, doc)
		}
	}
	sort.Strings(extra)
	return extra
}

// canonicalParamName maps user-facing aliases (V vs V1, Q vs Q2) onto the
// declaration-order name for the given compartment count.
func canonicalParamName(name string, compartments int) string {
	n := strings.ToUpper(name)
	switch compartments {
	case 1:
		if n == "V1" {
			return "V"
		}
	case 2:
		if n == "V" {
			return "V1"
		}
		if n == "Q2" {
			return "Q"
		}
	case 3:
		if n == "V" {
			return "V1"
		}
		if n == "Q" {
			return "Q2"
		}
	}
	return n
}

func parseRoute(s string) (kinetics.Route, error) {
	switch strings.ToLower(s) {
	case "oral":
		return kinetics.Oral, nil
	case "ivbolus", "iv_bolus", "bolus":
		return kinetics.IVBolus, nil
	case "infusion", "ivinfusion", "iv_infusion":
		return kinetics.IVInfusion, nil
	}
	return 0, fmt.Errorf("unknown route %q (want oral, ivbolus, or infusion)", s)
}

// === Validation ===

// Validate checks the semantic invariants of a parsed ModelSpec.
// Both front-ends run it before returning.
func (m *ModelSpec) Validate() error {
	if m.Compartments < 1 || m.Compartments > 3 {
		return &ValidationError{Field: "model.compartments",
			Msg: fmt.Sprintf("must be 1, 2, or 3, got %d", m.Compartments)}
	}

	order := structuralOrder(m.Compartments, m.Dosing.Route == kinetics.Oral)
	if len(m.Parameters) != len(order) {
		return &ValidationError{Field: "model.parameters",
			Msg: fmt.Sprintf("expected %d structural parameters (%s), got %d",
				len(order), strings.Join(order, ", "), len(m.Parameters))}
	}
	for i, p := range m.Parameters {
		if p.Name != order[i] {
			return &ValidationError{Field: "model.parameters",
				Msg: fmt.Sprintf("parameter %d must be %s, got %s", i+1, order[i], p.Name)}
		}
		if p.Theta <= 0 {
			return &ValidationError{Field: "model.parameters." + p.Name,
				Msg: fmt.Sprintf("typical value must be positive, got %g", p.Theta)}
		}
		if p.Omega < 0 {
			return &ValidationError{Field: "model.parameters." + p.Name,
				Msg: fmt.Sprintf("omega variance must be >= 0, got %g", p.Omega)}
		}
		if p.Bounds != nil {
			lo, hi := p.Bounds[0], p.Bounds[1]
			if lo <= 0 || hi <= lo {
				return &ValidationError{Field: "model.parameters." + p.Name,
					Msg: fmt.Sprintf("bounds must satisfy 0 < lower < upper, got (%g, %g)", lo, hi)}
			}
			if p.Theta < lo || p.Theta > hi {
				return &ValidationError{Field: "model.parameters." + p.Name,
					Msg: fmt.Sprintf("typical value %g outside bounds (%g, %g)", p.Theta, lo, hi)}
			}
		}
		for _, ce := range p.Covariates {
			if err := ce.validate(p.Name); err != nil {
				return err
			}
		}
	}

	if m.Dosing.Amount <= 0 {
		return &ValidationError{Field: "dosing.amount",
			Msg: fmt.Sprintf("must be positive, got %g", m.Dosing.Amount)}
	}
	if len(m.Dosing.Times) == 0 {
		return &ValidationError{Field: "dosing.times", Msg: "at least one dose time is required"}
	}
	if !sort.Float64sAreSorted(m.Dosing.Times) {
		return &ValidationError{Field: "dosing.times", Msg: "dose times must be sorted ascending"}
	}
	switch m.Dosing.Route {
	case kinetics.IVInfusion:
		if m.Dosing.Duration <= 0 {
			return &ValidationError{Field: "dosing.duration",
				Msg: "infusion duration must be specified and positive"}
		}
	case kinetics.Oral:
		if m.Dosing.Bioavailability <= 0 || m.Dosing.Bioavailability > 1 {
			return &ValidationError{Field: "dosing.bioavailability",
				Msg: fmt.Sprintf("must be in (0, 1], got %g", m.Dosing.Bioavailability)}
		}
		if m.Dosing.LagTime < 0 {
			return &ValidationError{Field: "dosing.lag_time",
				Msg: fmt.Sprintf("must be >= 0, got %g", m.Dosing.LagTime)}
		}
	case kinetics.IVBolus:
	default:
		return &ValidationError{Field: "dosing.route",
			Msg: fmt.Sprintf("unsupported route %v", m.Dosing.Route)}
	}

	p := m.Population
	if p.WeightMean <= 0 || p.AgeMean <= 0 {
		return &ValidationError{Field: "population", Msg: "weight and age means must be positive"}
	}
	if p.WeightSD < 0 || p.AgeSD < 0 {
		return &ValidationError{Field: "population", Msg: "weight and age SDs must be >= 0"}
	}
	if p.ProbFemale < 0 || p.ProbFemale > 1 {
		return &ValidationError{Field: "population.prob_female",
			Msg: fmt.Sprintf("must be in [0, 1], got %g", p.ProbFemale)}
	}

	if len(m.Times) == 0 {
		return &ValidationError{Field: "simulation.time_points",
			Msg: "at least one observation time is required"}
	}
	if !sort.Float64sAreSorted(m.Times) {
		return &ValidationError{Field: "simulation.time_points",
			Msg: "observation times must be sorted ascending"}
	}

	if m.Error.PropVar < 0 || m.Error.AddVar < 0 {
		return &ValidationError{Field: "simulation.error_model",
			Msg: "error variances must be >= 0"}
	}

	if m.NPatients < 0 {
		return &ValidationError{Field: "simulation.n_patients",
			Msg: fmt.Sprintf("must be >= 0, got %d", m.NPatients)}
	}
	return nil
}

// === Format detection ===

// LoadFile parses a model configuration file, detecting the format from
// the extension (.ctl/.mod/.nmtran = control stream; .yaml/.yml/.json =
// structured document) and falling back to content sniffing for the
// $PROBLEM/$SUBROUTINES markers.
func LoadFile(path string) (*ModelSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".ctl", ".mod", ".nmtran":
		return ParseControlStream(data)
	case ".yaml", ".yml", ".json":
		return ParseStructured(data)
	}
	if looksLikeControlStream(data) {
		return ParseControlStream(data)
	}
	return ParseStructured(data)
}

func looksLikeControlStream(data []byte) bool {
	s := string(data)
	return strings.Contains(s, "$PROBLEM") || strings.Contains(s, "$SUBROUTINE")
}
