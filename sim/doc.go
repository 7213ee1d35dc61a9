// Package sim implements a population pharmacokinetic virtual-trial
// simulator: it parses a model description, samples a virtual population,
// evaluates closed-form concentration profiles per patient, applies
// residual error, and aggregates population statistics.
//
// Reading guide:
//
//   - config.go: the canonical ModelSpec, the structured (YAML/JSON)
//     front-end, semantic validation, and file-format detection.
//   - nonmem.go: the control-stream front-end ($PROBLEM, $SUBROUTINES,
//     $PK, $THETA, $OMEGA, $SIGMA, $DOSING, $POPULATION, $SIMULATION).
//   - covariate.go: demographic sampling and covariate effect models
//     (allometric, exponential, linear).
//   - variability.go: log-normal inter-individual variability, parameter
//     bounds, and the residual error models.
//   - rng.go: deterministic per-patient random substreams derived from the
//     master seed; extending the population preserves existing patients.
//   - individual.go: the per-patient pipeline from demographics to
//     endpoints (Cmax, Tmax, AUC).
//   - simulator.go: the trial orchestrator and its failure policy.
//   - summary.go: population-level statistics over a completed trial.
//   - errors.go: the parse / validation / instability error taxonomy.
//
// The kinetics subpackage holds the route- and compartment-model
// mathematics and knows nothing about populations or randomness.
package sim
