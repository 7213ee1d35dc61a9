package sim

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// FailurePolicy decides what a numerically unstable patient does to the
// rest of the run.
type FailurePolicy int

const (
	// FailFast aborts the run on the first patient-level error.
	FailFast FailurePolicy = iota
	// SkipAndLog records the failure, logs it, and continues with the
	// remaining patients.
	SkipAndLog
)

func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(s) {
	case "fail", "failfast", "fail-fast":
		return FailFast, nil
	case "skip", "skipandlog", "skip-and-log":
		return SkipAndLog, nil
	}
	return 0, fmt.Errorf("unknown failure policy %q (want fail or skip)", s)
}

// Simulator runs a virtual trial: NPatients independent per-patient
// pipelines, each on its own derived random substream.
type Simulator struct {
	spec   *ModelSpec
	rng    *PatientRNG
	policy FailurePolicy
}

// Result is the completed trial: the records of every patient that
// simulated successfully, in patient-ID order, plus the IDs that were
// skipped under SkipAndLog.
type Result struct {
	Spec     *ModelSpec
	Patients []*PatientRecord
	Skipped  []int
}

// NewSimulator builds a Simulator over a validated ModelSpec. The master
// seed comes from the spec; each patient's substream is derived from it,
// so extending NPatients reproduces the existing patients exactly.
func NewSimulator(spec *ModelSpec, policy FailurePolicy) *Simulator {
	return &Simulator{
		spec:   spec,
		rng:    NewPatientRNG(NewSimulationKey(spec.Seed)),
		policy: policy,
	}
}

// Run simulates all patients. Patient IDs are 1-based. Under FailFast the
// first patient-level error aborts the run; under SkipAndLog failed
// patients are logged and omitted from the result.
func (s *Simulator) Run() (*Result, error) {
	logrus.WithFields(logrus.Fields{
		"patients":     s.spec.NPatients,
		"compartments": s.spec.Compartments,
		"route":        s.spec.Dosing.Route,
		"seed":         s.spec.Seed,
	}).Info("starting virtual trial")

	res := &Result{
		Spec:     s.spec,
		Patients: make([]*PatientRecord, 0, s.spec.NPatients),
	}
	for id := 1; id <= s.spec.NPatients; id++ {
		rec, err := SimulatePatient(s.spec, id, s.rng.ForPatient(id))
		if err != nil {
			var ie *InstabilityError
			if errors.As(err, &ie) && s.policy == SkipAndLog {
				logrus.WithField("patient", id).WithError(err).Warn("skipping unstable patient")
				res.Skipped = append(res.Skipped, id)
				continue
			}
			return nil, err
		}
		res.Patients = append(res.Patients, rec)
	}

	logrus.WithFields(logrus.Fields{
		"completed": len(res.Patients),
		"skipped":   len(res.Skipped),
	}).Info("virtual trial finished")
	return res, nil
}
