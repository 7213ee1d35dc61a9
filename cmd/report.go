package cmd

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	sim "github.com/pharmacometric/NSIMS/sim"
)

// WriteReports writes the full report set for a completed trial into dir:
//
//	individual_data.csv    one row per patient (demographics + endpoints)
//	parameters.csv         one row per patient, realized parameter values
//	concentrations.csv     one row per patient-time observation
//	population_summary.json the PopulationSummary as JSON
//	simulation_report.md   a human-readable run report
func WriteReports(dir string, res *sim.Result, summary *sim.PopulationSummary, elapsed time.Duration) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := writeIndividualData(filepath.Join(dir, "individual_data.csv"), res); err != nil {
		return err
	}
	if err := writeParameters(filepath.Join(dir, "parameters.csv"), res); err != nil {
		return err
	}
	if err := writeConcentrations(filepath.Join(dir, "concentrations.csv"), res); err != nil {
		return err
	}
	if err := writeSummaryJSON(filepath.Join(dir, "population_summary.json"), summary); err != nil {
		return err
	}
	return writeMarkdownReport(filepath.Join(dir, "simulation_report.md"), res, summary, elapsed)
}

func writeCSV(path string, header []string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return err
	}
	if err := w.WriteAll(rows); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

func ftoa(v float64) string {
	return strconv.FormatFloat(v, 'g', 10, 64)
}

func writeIndividualData(path string, res *sim.Result) error {
	header := []string{"patient_id", "weight_kg", "age_years", "sex", "race", "cmax", "tmax", "auc"}
	rows := make([][]string, len(res.Patients))
	for i, rec := range res.Patients {
		rows[i] = []string{
			strconv.Itoa(rec.ID),
			ftoa(rec.Demographics.Weight),
			ftoa(rec.Demographics.Age),
			strconv.Itoa(rec.Demographics.Sex),
			strconv.Itoa(rec.Demographics.Race),
			ftoa(rec.Endpoints.Cmax),
			ftoa(rec.Endpoints.Tmax),
			ftoa(rec.Endpoints.AUC),
		}
	}
	return writeCSV(path, header, rows)
}

func writeParameters(path string, res *sim.Result) error {
	header := []string{"patient_id"}
	for _, ps := range res.Spec.Parameters {
		header = append(header, strings.ToLower(ps.Name))
	}
	rows := make([][]string, len(res.Patients))
	for i, rec := range res.Patients {
		row := []string{strconv.Itoa(rec.ID)}
		for _, ps := range res.Spec.Parameters {
			row = append(row, ftoa(rec.Parameters[ps.Name]))
		}
		rows[i] = row
	}
	return writeCSV(path, header, rows)
}

func writeConcentrations(path string, res *sim.Result) error {
	header := []string{"patient_id", "time", "predicted", "observed"}
	var rows [][]string
	for _, rec := range res.Patients {
		for _, p := range rec.Profile {
			rows = append(rows, []string{
				strconv.Itoa(rec.ID), ftoa(p.Time), ftoa(p.Predicted), ftoa(p.Observed),
			})
		}
	}
	return writeCSV(path, header, rows)
}

func writeSummaryJSON(path string, summary *sim.PopulationSummary) error {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func writeMarkdownReport(path string, res *sim.Result, summary *sim.PopulationSummary, elapsed time.Duration) error {
	var b strings.Builder
	spec := res.Spec

	fmt.Fprintf(&b, "# Simulation Report\n\n")
	if spec.Problem != "" {
		fmt.Fprintf(&b, "%s\n\n", spec.Problem)
	}
	fmt.Fprintf(&b, "## Model\n\n")
	fmt.Fprintf(&b, "- Compartments: %d\n", spec.Compartments)
	fmt.Fprintf(&b, "- Route: %s\n", spec.Dosing.Route)
	fmt.Fprintf(&b, "- Dose: %g at t = %s\n", spec.Dosing.Amount, joinFloats(spec.Dosing.Times))
	fmt.Fprintf(&b, "- Residual error: %s\n", spec.Error.Kind)
	fmt.Fprintf(&b, "- Seed: %d\n\n", spec.Seed)

	fmt.Fprintf(&b, "## Run\n\n")
	fmt.Fprintf(&b, "- Patients simulated: %d\n", summary.NPatients)
	if summary.NSkipped > 0 {
		fmt.Fprintf(&b, "- Patients skipped: %d (IDs %s)\n", summary.NSkipped, joinInts(res.Skipped))
	}
	fmt.Fprintf(&b, "- Wall time: %v\n\n", elapsed.Round(time.Millisecond))

	fmt.Fprintf(&b, "## Population statistics\n\n")
	fmt.Fprintf(&b, "| Quantity | Mean | SD | Min | Max |\n")
	fmt.Fprintf(&b, "|---|---|---|---|---|\n")
	row := func(name string, st sim.SummaryStat) {
		fmt.Fprintf(&b, "| %s | %.4g | %.4g | %.4g | %.4g |\n", name, st.Mean, st.SD, st.Min, st.Max)
	}
	for _, ps := range spec.Parameters {
		row(ps.Name, summary.Parameters[ps.Name])
	}
	row("Cmax", summary.Cmax)
	row("Tmax", summary.Tmax)
	row("AUC", summary.AUC)
	row("Weight (kg)", summary.Weight)
	row("Age (y)", summary.Age)
	fmt.Fprintf(&b, "\n%.1f%% of the population is female.\n", summary.PctFemale)

	return os.WriteFile(path, []byte(b.String()), 0o644)
}

func joinFloats(vals []float64) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, ", ")
}

func joinInts(vals []int) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ", ")
}
