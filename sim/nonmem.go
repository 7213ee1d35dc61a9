package sim

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pharmacometric/NSIMS/sim/kinetics"
)

// The control-stream front-end accepts NONMEM-style input: labeled blocks
// beginning with a $BLOCKNAME marker, ';' line comments, and positional
// THETA/OMEGA lists matched to the model's structural parameter order.
// Each recognized block maps to one tagged variant handled by a dedicated
// function; the assembled ModelSpec is identical to what the structured
// front-end produces for an equivalent document.

type blockKind int

const (
	blockProblem blockKind = iota
	blockSubroutines
	blockPK
	blockTheta
	blockOmega
	blockSigma
	blockDosing
	blockPopulation
	blockSimulation
	blockIgnored // $INPUT, $DATA, $ESTIMATION, ... accepted and skipped
)

var blockKinds = map[string]blockKind{
	"PROBLEM":     blockProblem,
	"SUBROUTINES": blockSubroutines,
	"SUBROUTINE":  blockSubroutines,
	"PK":          blockPK,
	"THETA":       blockTheta,
	"OMEGA":       blockOmega,
	"SIGMA":       blockSigma,
	"DOSING":      blockDosing,
	"POPULATION":  blockPopulation,
	"SIMULATION":  blockSimulation,
	"INPUT":       blockIgnored,
	"DATA":        blockIgnored,
	"ESTIMATION":  blockIgnored,
	"COVARIANCE":  blockIgnored,
	"TABLE":       blockIgnored,
}

// ctlLine is one non-empty, comment-stripped line with its position in the
// original input for error reporting.
type ctlLine struct {
	num  int
	text string
}

// rawBlock is one $BLOCK section: the tag, any text following the marker
// on the marker line, and the body lines up to the next marker.
type rawBlock struct {
	kind   blockKind
	name   string
	line   int
	header string // text after $NAME on the marker line
	body   []ctlLine
}

func splitBlocks(data []byte) ([]rawBlock, error) {
	var blocks []rawBlock
	var current *rawBlock

	for i, raw := range strings.Split(string(data), "\n") {
		line := raw
		if idx := strings.IndexByte(line, ';'); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		num := i + 1

		if strings.HasPrefix(line, "$") {
			if line == "$" {
				return nil, &ParseError{Line: num, Msg: "empty block marker"}
			}
			token := strings.Fields(line[1:])[0]
			name := strings.ToUpper(token)
			kind, ok := blockKinds[name]
			if !ok {
				return nil, &ParseError{Block: name, Line: num,
					Msg: "unknown block"}
			}
			blocks = append(blocks, rawBlock{
				kind:   kind,
				name:   name,
				line:   num,
				header: strings.TrimSpace(strings.TrimPrefix(line[1:], token)),
			})
			current = &blocks[len(blocks)-1]
			continue
		}

		if current == nil {
			return nil, &ParseError{Block: "", Line: num,
				Msg: fmt.Sprintf("content before the first $BLOCK marker: %q", line)}
		}
		current.body = append(current.body, ctlLine{num: num, text: line})
	}
	return blocks, nil
}

// ParseControlStream parses a NONMEM-style control stream into a validated
// ModelSpec.
func ParseControlStream(data []byte) (*ModelSpec, error) {
	blocks, err := splitBlocks(data)
	if err != nil {
		return nil, err
	}

	spec := &ModelSpec{
		Compartments: 0,
		Dosing: DosingSpec{
			Route:           kinetics.IVBolus,
			Amount:          100.0,
			Times:           []float64{0},
			Bioavailability: 1.0,
		},
		Population: PopulationSpec{
			WeightMean: 70.0, WeightSD: 15.0,
			AgeMean: 45.0, AgeSD: 12.0,
			ProbFemale: 0.5,
		},
		Times: []float64{0, 1, 2, 4, 8, 12, 24},
		Error: ErrorSpec{Kind: ErrorProportional},
	}

	// The dosing route decides whether KA is part of the parameter order,
	// so $DOSING is resolved before $THETA/$OMEGA/$PK regardless of block
	// order in the file.
	var subroutines, pk, theta, omega, population *rawBlock
	for i := range blocks {
		b := &blocks[i]
		switch b.kind {
		case blockProblem:
			spec.Problem = strings.TrimSpace(b.header + " " + joinBody(b))
		case blockSubroutines:
			subroutines = b
		case blockPK:
			pk = b
		case blockTheta:
			theta = b
		case blockOmega:
			omega = b
		case blockPopulation:
			population = b
		case blockSigma:
			if err := parseSigmaBlock(b, spec); err != nil {
				return nil, err
			}
		case blockDosing:
			if err := parseDosingBlock(b, spec); err != nil {
				return nil, err
			}
		case blockSimulation:
			if err := parseSimulationBlock(b, spec); err != nil {
				return nil, err
			}
		case blockIgnored:
		}
	}

	if subroutines == nil {
		return nil, &ParseError{Block: "SUBROUTINES", Msg: "missing $SUBROUTINES block"}
	}
	if err := parseSubroutines(subroutines, spec); err != nil {
		return nil, err
	}
	if theta == nil {
		return nil, &ParseError{Block: "THETA", Msg: "missing $THETA block"}
	}

	order := structuralOrder(spec.Compartments, spec.Dosing.Route == kinetics.Oral)
	if err := parseThetaBlock(theta, order, spec); err != nil {
		return nil, err
	}
	if omega != nil {
		if err := parseOmegaBlock(omega, order, spec); err != nil {
			return nil, err
		}
	}
	if pk != nil {
		if err := parsePKBlock(pk, order, spec); err != nil {
			return nil, err
		}
	}
	// $POPULATION is resolved last: its covariate declarations attach to
	// parameters that only exist once $THETA has been read.
	if population != nil {
		if err := parsePopulationBlock(population, spec); err != nil {
			return nil, err
		}
	}

	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

func joinBody(b *rawBlock) string {
	parts := make([]string, len(b.body))
	for i, l := range b.body {
		parts[i] = l.text
	}
	return strings.Join(parts, " ")
}

// advanCompartments maps NONMEM ADVAN model codes to compartment counts.
// The even-numbered codes are the oral (first-order absorption) variants.
var advanCompartments = map[string]int{
	"ADVAN1": 1, "ADVAN2": 1,
	"ADVAN3": 2, "ADVAN4": 2,
	"ADVAN11": 3, "ADVAN12": 3,
}

func parseSubroutines(b *rawBlock, spec *ModelSpec) error {
	for _, tok := range strings.Fields(strings.ToUpper(b.header + " " + joinBody(b))) {
		if n, ok := advanCompartments[tok]; ok {
			spec.Compartments = n
			return nil
		}
		if strings.HasPrefix(tok, "ADVAN") {
			return &ParseError{Block: b.name, Line: b.line,
				Msg: fmt.Sprintf("unsupported model code %s (want ADVAN1/2, ADVAN3/4, or ADVAN11/12)", tok)}
		}
		// TRANS codes are accepted and ignored: only the clearance
		// parameterization is supported.
	}
	return &ParseError{Block: b.name, Line: b.line, Msg: "no ADVAN model code found"}
}

func parseThetaBlock(b *rawBlock, order []string, spec *ModelSpec) error {
	if len(b.body) != len(order) {
		return &ParseError{Block: b.name, Line: b.line,
			Msg: fmt.Sprintf("expected %d THETA entries for parameters (%s), got %d",
				len(order), strings.Join(order, ", "), len(b.body))}
	}

	spec.Parameters = make([]ParameterSpec, len(order))
	for i, l := range b.body {
		lower, init, upper, err := parseThetaLine(l.text)
		if err != nil {
			return &ParseError{Block: b.name, Line: l.num, Msg: err.Error()}
		}
		ps := ParameterSpec{Name: order[i], Theta: init}
		if lower != nil && upper != nil {
			ps.Bounds = &[2]float64{*lower, *upper}
		}
		spec.Parameters[i] = ps
	}
	return nil
}

// parseThetaLine accepts "(lower, init, upper)" or a bare "init".
func parseThetaLine(text string) (lower *float64, init float64, upper *float64, err error) {
	cleaned := strings.NewReplacer("(", " ", ")", " ", ",", " ").Replace(text)
	fields := strings.Fields(cleaned)
	switch len(fields) {
	case 1:
		v, perr := strconv.ParseFloat(fields[0], 64)
		if perr != nil {
			return nil, 0, nil, fmt.Errorf("invalid theta value %q", fields[0])
		}
		return nil, v, nil, nil
	case 3:
		vals := make([]float64, 3)
		for i, f := range fields {
			v, perr := strconv.ParseFloat(f, 64)
			if perr != nil {
				return nil, 0, nil, fmt.Errorf("invalid theta triplet value %q", f)
			}
			vals[i] = v
		}
		return &vals[0], vals[1], &vals[2], nil
	}
	return nil, 0, nil, fmt.Errorf("theta entry must be (lower, init, upper) or a bare value, got %q", text)
}

func parseOmegaBlock(b *rawBlock, order []string, spec *ModelSpec) error {
	if len(b.body) != len(order) {
		return &ParseError{Block: b.name, Line: b.line,
			Msg: fmt.Sprintf("expected %d OMEGA entries matching THETA order, got %d",
				len(order), len(b.body))}
	}
	for i, l := range b.body {
		cleaned := strings.Trim(strings.TrimSpace(l.text), "()")
		v, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return &ParseError{Block: b.name, Line: l.num,
				Msg: fmt.Sprintf("invalid omega variance %q", l.text)}
		}
		spec.Parameters[i].Omega = v
	}
	return nil
}

func parseSigmaBlock(b *rawBlock, spec *ModelSpec) error {
	var variances []float64
	kind := ErrorProportional
	kindSet := false

	for _, l := range b.body {
		if key, val, ok := splitKeyValue(l.text); ok && strings.EqualFold(key, "MODEL") {
			switch strings.ToUpper(val) {
			case "PROPORTIONAL":
				kind = ErrorProportional
			case "ADDITIVE":
				kind = ErrorAdditive
			case "COMBINED":
				kind = ErrorCombined
			default:
				return &ParseError{Block: b.name, Line: l.num,
					Msg: fmt.Sprintf("unknown error model %q", val)}
			}
			kindSet = true
			continue
		}
		cleaned := strings.Trim(strings.TrimSpace(l.text), "()")
		v, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return &ParseError{Block: b.name, Line: l.num,
				Msg: fmt.Sprintf("invalid sigma variance %q", l.text)}
		}
		variances = append(variances, v)
	}

	if !kindSet && len(variances) == 2 {
		kind = ErrorCombined
	}

	switch kind {
	case ErrorProportional:
		if len(variances) != 1 {
			return &ParseError{Block: b.name, Line: b.line,
				Msg: fmt.Sprintf("proportional error needs 1 variance, got %d", len(variances))}
		}
		spec.Error = ErrorSpec{Kind: kind, PropVar: variances[0]}
	case ErrorAdditive:
		if len(variances) != 1 {
			return &ParseError{Block: b.name, Line: b.line,
				Msg: fmt.Sprintf("additive error needs 1 variance, got %d", len(variances))}
		}
		spec.Error = ErrorSpec{Kind: kind, AddVar: variances[0]}
	case ErrorCombined:
		if len(variances) != 2 {
			return &ParseError{Block: b.name, Line: b.line,
				Msg: fmt.Sprintf("combined error needs 2 variances (proportional, additive), got %d", len(variances))}
		}
		spec.Error = ErrorSpec{Kind: kind, PropVar: variances[0], AddVar: variances[1]}
	}
	return nil
}

func parseDosingBlock(b *rawBlock, spec *ModelSpec) error {
	for _, l := range b.body {
		key, val, ok := splitKeyValue(l.text)
		if !ok {
			return &ParseError{Block: b.name, Line: l.num,
				Msg: fmt.Sprintf("expected KEY = VALUE, got %q", l.text)}
		}
		var err error
		switch strings.ToUpper(key) {
		case "ROUTE":
			spec.Dosing.Route, err = parseRoute(val)
		case "AMOUNT":
			spec.Dosing.Amount, err = strconv.ParseFloat(val, 64)
		case "TIMES":
			spec.Dosing.Times, err = parseFloatList(val)
		case "DURATION":
			spec.Dosing.Duration, err = strconv.ParseFloat(val, 64)
		case "BIOAVAILABILITY":
			spec.Dosing.Bioavailability, err = strconv.ParseFloat(val, 64)
		case "LAG_TIME":
			spec.Dosing.LagTime, err = strconv.ParseFloat(val, 64)
		default:
			err = fmt.Errorf("unknown dosing key %q", key)
		}
		if err != nil {
			return &ParseError{Block: b.name, Line: l.num, Msg: err.Error()}
		}
	}
	return nil
}

// covariate declarations inside $POPULATION:
// COV_<PARAM>_<COV>_EFFECT = x, optional COV_<PARAM>_<COV>_REF = r.
var covKeyRe = regexp.MustCompile(`^COV_([A-Z0-9]+)_(WT|AGE|SEX|RACE)_(EFFECT|REF)$`)

func parsePopulationBlock(b *rawBlock, spec *ModelSpec) error {
	type covDecl struct {
		param, cov string
		effect     float64
		ref        *float64
		line       int
	}
	var decls []covDecl
	find := func(param, cov string) *covDecl {
		for i := range decls {
			if decls[i].param == param && decls[i].cov == cov {
				return &decls[i]
			}
		}
		return nil
	}

	for _, l := range b.body {
		key, val, ok := splitKeyValue(l.text)
		if !ok {
			return &ParseError{Block: b.name, Line: l.num,
				Msg: fmt.Sprintf("expected KEY = VALUE, got %q", l.text)}
		}
		key = strings.ToUpper(key)

		if m := covKeyRe.FindStringSubmatch(key); m != nil {
			v, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return &ParseError{Block: b.name, Line: l.num,
					Msg: fmt.Sprintf("invalid covariate value %q", val)}
			}
			d := find(m[1], m[2])
			if d == nil {
				decls = append(decls, covDecl{param: m[1], cov: m[2], line: l.num})
				d = &decls[len(decls)-1]
			}
			if m[3] == "EFFECT" {
				d.effect = v
			} else {
				d.ref = &v
			}
			continue
		}

		v, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return &ParseError{Block: b.name, Line: l.num,
				Msg: fmt.Sprintf("invalid numeric value for %s: %q", key, val)}
		}
		switch key {
		case "WEIGHT_MEAN":
			spec.Population.WeightMean = v
		case "WEIGHT_SD":
			spec.Population.WeightSD = v
		case "AGE_MEAN":
			spec.Population.AgeMean = v
		case "AGE_SD":
			spec.Population.AgeSD = v
		case "PROB_FEMALE":
			spec.Population.ProbFemale = v
		default:
			return &ParseError{Block: b.name, Line: l.num,
				Msg: fmt.Sprintf("unknown population key %q", key)}
		}
	}

	// Resolve declarations into effects once the demographic means are
	// known; they provide the default reference values.
	for _, d := range decls {
		ce := CovariateEffect{Covariate: d.cov, Effect: d.effect}
		switch d.cov {
		case CovWeight:
			ce.Kind = CovAllometric
			ce.Reference = spec.Population.WeightMean
		case CovAge:
			ce.Kind = CovExponential
			ce.Reference = spec.Population.AgeMean
		default:
			ce.Kind = CovLinear
		}
		if d.ref != nil {
			ce.Reference = *d.ref
		}
		param := spec.Parameter(canonicalParamName(d.param, spec.Compartments))
		if param == nil {
			return &ParseError{Block: b.name, Line: d.line,
				Msg: fmt.Sprintf("covariate effect references unknown parameter %q", d.param)}
		}
		param.Covariates = append(param.Covariates, ce)
	}
	return nil
}

func parseSimulationBlock(b *rawBlock, spec *ModelSpec) error {
	for _, l := range b.body {
		key, val, ok := splitKeyValue(l.text)
		if !ok {
			return &ParseError{Block: b.name, Line: l.num,
				Msg: fmt.Sprintf("expected KEY = VALUE, got %q", l.text)}
		}
		var err error
		switch strings.ToUpper(key) {
		case "TIME_POINTS":
			spec.Times, err = parseFloatList(val)
		case "N_PATIENTS":
			spec.NPatients, err = strconv.Atoi(val)
		case "SEED":
			spec.Seed, err = strconv.ParseInt(val, 10, 64)
		case "ENDPOINTS":
			switch strings.ToUpper(val) {
			case "OBSERVED":
				spec.EndpointsFrom = EndpointsObserved
			case "PREDICTED":
				spec.EndpointsFrom = EndpointsPredicted
			default:
				err = fmt.Errorf("ENDPOINTS must be PREDICTED or OBSERVED, got %q", val)
			}
		case "METHOD":
			if !strings.EqualFold(val, "ANALYTICAL") {
				err = fmt.Errorf("only METHOD = ANALYTICAL is supported, got %q", val)
			}
		default:
			err = fmt.Errorf("unknown simulation key %q", key)
		}
		if err != nil {
			return &ParseError{Block: b.name, Line: l.num, Msg: err.Error()}
		}
	}
	return nil
}

// === $PK statement recognizer ===
//
// $PK statements are data, not code: each line declares one structural
// parameter as its THETA slot times zero or more covariate factors. Three
// factor shapes are recognized (allometric, exponential, linear); anything
// else is a parse error.

var (
	pkThetaRe      = regexp.MustCompile(`^THETA\((\d+)\)$`)
	pkAllometricRe = regexp.MustCompile(`^\((WT|AGE|SEX|RACE)/([0-9.eE+-]+)\)\^([0-9.eE+-]+)$`)
	pkExpRe        = regexp.MustCompile(`^EXP\(([0-9.eE+-]+)\*\((WT|AGE|SEX|RACE)-([0-9.eE+-]+)\)\)$`)
	pkLinearRe     = regexp.MustCompile(`^\(1([+-][0-9.eE]+)\*(WT|AGE|SEX|RACE)\)$`)
)

func parsePKBlock(b *rawBlock, order []string, spec *ModelSpec) error {
	seen := 0
	for _, l := range b.body {
		name, rhs, ok := splitKeyValue(l.text)
		if !ok {
			return &ParseError{Block: b.name, Line: l.num,
				Msg: fmt.Sprintf("expected NAME = THETA(i) [*factors], got %q", l.text)}
		}
		name = canonicalParamName(name, spec.Compartments)
		if seen >= len(order) || name != order[seen] {
			return &ParseError{Block: b.name, Line: l.num,
				Msg: fmt.Sprintf("parameter %s out of declaration order (want %s)", name, strings.Join(order, ", "))}
		}
		param := &spec.Parameters[seen]
		seen++

		// "**" and "^" are both power operators; normalize before the
		// top-level '*' split.
		compact := strings.ReplaceAll(strings.ToUpper(strings.ReplaceAll(rhs, " ", "")), "**", "^")
		factors := splitTopLevel(compact, '*')
		if len(factors) == 0 {
			return &ParseError{Block: b.name, Line: l.num, Msg: "empty right-hand side"}
		}

		m := pkThetaRe.FindStringSubmatch(factors[0])
		if m == nil {
			return &ParseError{Block: b.name, Line: l.num,
				Msg: fmt.Sprintf("first factor must be THETA(i), got %q", factors[0])}
		}
		idx, _ := strconv.Atoi(m[1])
		if idx != seen {
			return &ParseError{Block: b.name, Line: l.num,
				Msg: fmt.Sprintf("%s is parameter %d but references THETA(%d)", name, seen, idx)}
		}

		for _, f := range factors[1:] {
			ce, err := parsePKFactor(f)
			if err != nil {
				return &ParseError{Block: b.name, Line: l.num, Msg: err.Error()}
			}
			param.Covariates = append(param.Covariates, ce)
		}
	}
	if seen != len(order) {
		return &ParseError{Block: b.name, Line: b.line,
			Msg: fmt.Sprintf("$PK declares %d parameters, model needs %d (%s)",
				seen, len(order), strings.Join(order, ", "))}
	}
	return nil
}

func parsePKFactor(f string) (CovariateEffect, error) {
	if m := pkAllometricRe.FindStringSubmatch(f); m != nil {
		ref, err1 := strconv.ParseFloat(m[2], 64)
		exp, err2 := strconv.ParseFloat(m[3], 64)
		if err1 != nil || err2 != nil {
			return CovariateEffect{}, fmt.Errorf("invalid allometric factor %q", f)
		}
		return CovariateEffect{Covariate: m[1], Kind: CovAllometric, Effect: exp, Reference: ref}, nil
	}
	if m := pkExpRe.FindStringSubmatch(f); m != nil {
		eff, err1 := strconv.ParseFloat(m[1], 64)
		ref, err2 := strconv.ParseFloat(m[3], 64)
		if err1 != nil || err2 != nil {
			return CovariateEffect{}, fmt.Errorf("invalid exponential factor %q", f)
		}
		return CovariateEffect{Covariate: m[2], Kind: CovExponential, Effect: eff, Reference: ref}, nil
	}
	if m := pkLinearRe.FindStringSubmatch(f); m != nil {
		eff, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return CovariateEffect{}, fmt.Errorf("invalid linear factor %q", f)
		}
		return CovariateEffect{Covariate: m[2], Kind: CovLinear, Effect: eff}, nil
	}
	return CovariateEffect{}, fmt.Errorf("unrecognized covariate factor %q "+
		"(want (COV/ref)**exp, EXP(eff*(COV-ref)), or (1 + eff*COV))", f)
}

// splitTopLevel splits s on sep at parenthesis depth zero.
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth, start := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
		case sep:
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}

func splitKeyValue(text string) (key, val string, ok bool) {
	idx := strings.IndexByte(text, '=')
	if idx < 0 {
		return "", "", false
	}
	return strings.TrimSpace(text[:idx]), strings.TrimSpace(text[idx+1:]), true
}

func parseFloatList(val string) ([]float64, error) {
	parts := strings.Split(val, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid numeric list entry %q", p)
		}
		out = append(out, v)
	}
	return out, nil
}
