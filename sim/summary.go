package sim

import (
	"fmt"
	"io"
	"math"

	"gonum.org/v1/gonum/stat"
)

// SummaryStat is the mean/SD/min/max of one quantity across the population.
type SummaryStat struct {
	Mean float64
	SD   float64
	Min  float64
	Max  float64
}

func summarize(values []float64) SummaryStat {
	if len(values) == 0 {
		return SummaryStat{}
	}
	mean, sd := stat.MeanStdDev(values, nil)
	if len(values) < 2 || math.IsNaN(sd) {
		sd = 0
	}
	s := SummaryStat{Mean: mean, SD: sd, Min: values[0], Max: values[0]}
	for _, v := range values[1:] {
		s.Min = math.Min(s.Min, v)
		s.Max = math.Max(s.Max, v)
	}
	return s
}

// PopulationSummary aggregates a completed trial: per-parameter statistics
// in declaration order, endpoint statistics, and demographic statistics.
type PopulationSummary struct {
	NPatients  int
	NSkipped   int
	Parameters map[string]SummaryStat
	Cmax       SummaryStat
	Tmax       SummaryStat
	AUC        SummaryStat
	Weight     SummaryStat
	Age        SummaryStat
	PctFemale  float64
}

// Summarize computes population statistics over the successfully simulated
// patients of a trial result.
func Summarize(res *Result) *PopulationSummary {
	sum := &PopulationSummary{
		NPatients:  len(res.Patients),
		NSkipped:   len(res.Skipped),
		Parameters: make(map[string]SummaryStat, len(res.Spec.Parameters)),
	}
	if len(res.Patients) == 0 {
		return sum
	}

	n := len(res.Patients)
	for _, ps := range res.Spec.Parameters {
		values := make([]float64, n)
		for i, rec := range res.Patients {
			values[i] = rec.Parameters[ps.Name]
		}
		sum.Parameters[ps.Name] = summarize(values)
	}

	cmax := make([]float64, n)
	tmax := make([]float64, n)
	auc := make([]float64, n)
	weight := make([]float64, n)
	age := make([]float64, n)
	female := 0
	for i, rec := range res.Patients {
		cmax[i] = rec.Endpoints.Cmax
		tmax[i] = rec.Endpoints.Tmax
		auc[i] = rec.Endpoints.AUC
		weight[i] = rec.Demographics.Weight
		age[i] = rec.Demographics.Age
		if rec.Demographics.Sex == 1 {
			female++
		}
	}
	sum.Cmax = summarize(cmax)
	sum.Tmax = summarize(tmax)
	sum.AUC = summarize(auc)
	sum.Weight = summarize(weight)
	sum.Age = summarize(age)
	sum.PctFemale = 100 * float64(female) / float64(n)
	return sum
}

// Print writes a human-readable summary table. Parameter rows follow the
// model's declaration order.
func (s *PopulationSummary) Print(w io.Writer, spec *ModelSpec) {
	fmt.Fprintf(w, "Population summary (%d patients", s.NPatients)
	if s.NSkipped > 0 {
		fmt.Fprintf(w, ", %d skipped", s.NSkipped)
	}
	fmt.Fprintln(w, ")")

	row := func(name string, st SummaryStat) {
		fmt.Fprintf(w, "  %-8s mean=%-10.4g sd=%-10.4g min=%-10.4g max=%-10.4g\n",
			name, st.Mean, st.SD, st.Min, st.Max)
	}

	fmt.Fprintln(w, "Parameters:")
	for _, ps := range spec.Parameters {
		row(ps.Name, s.Parameters[ps.Name])
	}
	fmt.Fprintln(w, "Endpoints:")
	row("Cmax", s.Cmax)
	row("Tmax", s.Tmax)
	row("AUC", s.AUC)
	fmt.Fprintln(w, "Demographics:")
	row("WT", s.Weight)
	row("AGE", s.Age)
	fmt.Fprintf(w, "  %-8s %.1f%% female\n", "SEX", s.PctFemale)
}
