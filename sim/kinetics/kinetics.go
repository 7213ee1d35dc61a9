// Package kinetics implements closed-form concentration-time solutions for
// linear 1-, 2- and 3-compartment mammillary models under IV bolus, IV
// infusion, and first-order oral absorption, with multi-dose superposition.
//
// The central object is Disposition: the hybrid eigenvalues and bolus
// coefficients of the disposition system, computed once per individual from
// the clearance parameterization (CL, V1, Q2, V2, Q3, V3). Every route's
// profile is then a sum of exponentials over those eigenvalues, and a
// regimen's concentration at time t is the linear superposition of each
// dose's single-dose contribution at its own elapsed time.
package kinetics

import (
	"errors"
	"fmt"
	"math"
)

// ErrDegenerate marks a disposition system whose closed-form coefficients
// are undefined: coincident eigenvalues, or an absorption rate colliding
// with an eigenvalue. Callers wrap it with patient context.
var ErrDegenerate = errors.New("degenerate disposition system")

// eigenTol is the relative gap below which two rate constants are treated
// as coincident. The coefficient formulas divide by these gaps.
const eigenTol = 1e-9

// Route identifies the administration route of a dose.
type Route int

const (
	IVBolus Route = iota
	IVInfusion
	Oral
)

func (r Route) String() string {
	switch r {
	case IVBolus:
		return "ivbolus"
	case IVInfusion:
		return "infusion"
	case Oral:
		return "oral"
	}
	return fmt.Sprintf("route(%d)", int(r))
}

// DoseEvent is one administered dose. Duration applies to infusions;
// LagTime and Bioavailability apply to oral doses (Bioavailability must be
// set, 1.0 meaning complete absorption).
type DoseEvent struct {
	Time            float64
	Amount          float64
	Route           Route
	Duration        float64
	LagTime         float64
	Bioavailability float64
}

// Parameters are one individual's structural parameter values in the
// clearance parameterization. Q2/V2 are read for >= 2 compartments, Q3/V3
// for 3; KA only for oral dosing.
type Parameters struct {
	Compartments int
	CL           float64
	V1           float64
	Q2           float64
	V2           float64
	Q3           float64
	V3           float64
	KA           float64
}

// Disposition holds the hybrid eigenvalues (decay rates, descending) and
// the matching IV-bolus coefficients of a disposition system. Coefficients
// are normalized so that a unit bolus gives C(0+) = 1/V1: sum(Coeff) == 1.
type Disposition struct {
	Lambda []float64
	Coeff  []float64
	V1     float64
	KA     float64
}

// NewDisposition converts clearance parameters into micro rate constants,
// solves the characteristic polynomial for the hybrid eigenvalues, and
// derives the bolus coefficients. Fails with ErrDegenerate when eigenvalues
// coincide within tolerance.
func NewDisposition(p Parameters) (*Disposition, error) {
	k10 := p.CL / p.V1

	switch p.Compartments {
	case 1:
		return &Disposition{
			Lambda: []float64{k10},
			Coeff:  []float64{1.0},
			V1:     p.V1,
			KA:     p.KA,
		}, nil

	case 2:
		k12 := p.Q2 / p.V1
		k21 := p.Q2 / p.V2

		sum := k10 + k12 + k21
		prod := k10 * k21
		disc := sum*sum - 4.0*prod
		if disc < 0 {
			disc = 0
		}
		root := math.Sqrt(disc)
		alpha := (sum + root) / 2.0
		beta := (sum - root) / 2.0
		if alpha-beta <= eigenTol*alpha {
			return nil, fmt.Errorf("%w: alpha=%g and beta=%g coincide", ErrDegenerate, alpha, beta)
		}

		return &Disposition{
			Lambda: []float64{alpha, beta},
			Coeff: []float64{
				(alpha - k21) / (alpha - beta),
				(k21 - beta) / (alpha - beta),
			},
			V1: p.V1,
			KA: p.KA,
		}, nil

	case 3:
		k12 := p.Q2 / p.V1
		k21 := p.Q2 / p.V2
		k13 := p.Q3 / p.V1
		k31 := p.Q3 / p.V3

		// Characteristic polynomial of the disposition matrix:
		// lambda^3 - a*lambda^2 + b*lambda - c = 0
		a := k10 + k12 + k21 + k13 + k31
		b := k10*k21 + k10*k31 + k21*k31 + k12*k31 + k13*k21
		c := k10 * k21 * k31

		lambda, err := solveCubic(a, b, c)
		if err != nil {
			return nil, err
		}
		alpha, beta, gamma := lambda[0], lambda[1], lambda[2]
		if alpha-beta <= eigenTol*alpha || beta-gamma <= eigenTol*alpha {
			return nil, fmt.Errorf("%w: eigenvalues %g, %g, %g coincide", ErrDegenerate, alpha, beta, gamma)
		}

		// Bolus coefficient for eigenvalue l_k is
		// (k21 - l_k)(k31 - l_k) / prod_{j != k} (l_j - l_k); they sum to 1.
		coeff := make([]float64, 3)
		for k := 0; k < 3; k++ {
			num := (k21 - lambda[k]) * (k31 - lambda[k])
			den := 1.0
			for j := 0; j < 3; j++ {
				if j != k {
					den *= lambda[j] - lambda[k]
				}
			}
			coeff[k] = num / den
		}

		return &Disposition{
			Lambda: []float64{alpha, beta, gamma},
			Coeff:  coeff,
			V1:     p.V1,
			KA:     p.KA,
		}, nil
	}

	return nil, fmt.Errorf("unsupported compartment count %d", p.Compartments)
}

// solveCubic returns the three real roots of
// lambda^3 - a*lambda^2 + b*lambda - c = 0 in descending order, via the
// trigonometric method on the depressed cubic. A mammillary disposition
// matrix always has three real non-negative eigenvalues; a non-negative
// depressed discriminant therefore signals a degenerate system.
func solveCubic(a, b, c float64) ([]float64, error) {
	p := b - a*a/3.0
	q := -2.0*a*a*a/27.0 + a*b/3.0 - c

	if p >= 0 {
		// p == 0 with q == 0 is a triple root; p > 0 cannot happen for a
		// real-eigenvalue system. Either way the trig form is undefined.
		return nil, fmt.Errorf("%w: characteristic polynomial has repeated roots", ErrDegenerate)
	}

	m := 2.0 * math.Sqrt(-p/3.0)
	arg := 3.0 * q / (p * m)
	// Clamp roundoff spill; |arg| > 1 by more than roundoff means complex
	// roots, which a valid rate system cannot produce.
	if arg > 1 {
		arg = 1
	} else if arg < -1 {
		arg = -1
	}
	theta := math.Acos(arg)

	roots := make([]float64, 3)
	for k := 0; k < 3; k++ {
		roots[k] = m*math.Cos((theta-2.0*math.Pi*float64(k))/3.0) + a/3.0
	}
	// Descending order; three comparisons suffice for a triple.
	if roots[1] > roots[2] {
		roots[1], roots[2] = roots[2], roots[1]
	}
	if roots[0] < roots[1] {
		roots[0], roots[1] = roots[1], roots[0]
	}
	if roots[1] < roots[2] {
		roots[1], roots[2] = roots[2], roots[1]
	}
	return roots, nil
}

// ConcentrationAt evaluates the central-compartment concentration at time t
// as the superposition of all doses with dose time <= t. Bolus inputs are
// right-continuous: evaluating exactly at a bolus time includes its jump.
func (d *Disposition) ConcentrationAt(t float64, doses []DoseEvent) (float64, error) {
	total := 0.0
	for i := range doses {
		dose := &doses[i]
		if dose.Time > t {
			continue
		}
		elapsed := t - dose.Time

		var contrib float64
		var err error
		switch dose.Route {
		case IVBolus:
			contrib = d.bolus(elapsed, dose.Amount)
		case IVInfusion:
			contrib = d.infusion(elapsed, dose.Amount, dose.Duration)
		case Oral:
			contrib, err = d.oral(elapsed, dose)
			if err != nil {
				return 0, err
			}
		default:
			return 0, fmt.Errorf("unknown route %v", dose.Route)
		}
		total += contrib
	}

	if math.IsNaN(total) || math.IsInf(total, 0) {
		return 0, fmt.Errorf("%w: non-finite concentration at t=%g", ErrDegenerate, t)
	}
	if total < 0 {
		// Roundoff in near-cancelling exponential sums.
		total = 0
	}
	return total, nil
}

// Profile evaluates ConcentrationAt over an ascending time grid.
func (d *Disposition) Profile(times []float64, doses []DoseEvent) ([]float64, error) {
	out := make([]float64, len(times))
	for i, t := range times {
		c, err := d.ConcentrationAt(t, doses)
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

func (d *Disposition) bolus(t, amount float64) float64 {
	sum := 0.0
	for i, l := range d.Lambda {
		sum += d.Coeff[i] * math.Exp(-l*t)
	}
	return amount / d.V1 * sum
}

// infusion is the zero-order input solution: each exponential term
// accumulates toward its own plateau during the infusion and washes out at
// its own rate afterwards, so the profile is continuous at t = duration.
func (d *Disposition) infusion(t, amount, duration float64) float64 {
	rate := amount / duration
	sum := 0.0
	if t <= duration {
		for i, l := range d.Lambda {
			sum += d.Coeff[i] / l * (1.0 - math.Exp(-l*t))
		}
	} else {
		for i, l := range d.Lambda {
			sum += d.Coeff[i] / l * (1.0 - math.Exp(-l*duration)) * math.Exp(-l*(t-duration))
		}
	}
	return rate / d.V1 * sum
}

// oral filters the dose through a first-order absorption compartment with
// rate KA, delayed by the lag time and scaled by bioavailability. Each
// disposition term contributes Ci*KA/(KA-li)*(exp(-li*t) - exp(-KA*t)),
// which is exactly zero at t = 0.
func (d *Disposition) oral(t float64, dose *DoseEvent) (float64, error) {
	t -= dose.LagTime
	if t < 0 {
		return 0, nil
	}

	ka := d.KA
	input := dose.Amount * dose.Bioavailability / d.V1

	if len(d.Lambda) == 1 {
		ke := d.Lambda[0]
		if math.Abs(ka-ke) <= eigenTol*ka {
			// Flip-flop limit KA -> KE of the standard Bateman form.
			return input * ke * t * math.Exp(-ke*t), nil
		}
		return input * ka / (ka - ke) * (math.Exp(-ke*t) - math.Exp(-ka*t)), nil
	}

	sum := 0.0
	for i, l := range d.Lambda {
		if math.Abs(ka-l) <= eigenTol*ka {
			return 0, fmt.Errorf("%w: KA=%g coincides with eigenvalue %g", ErrDegenerate, ka, l)
		}
		sum += d.Coeff[i] / (ka - l) * (math.Exp(-l*t) - math.Exp(-ka*t))
	}
	return input * ka * sum, nil
}
