package sim

import (
	"fmt"
	"hash/fnv"
	"math/rand"
)

// === SimulationKey ===

// SimulationKey uniquely identifies a reproducible trial run.
// Two runs with the same SimulationKey and identical configuration
// MUST produce bit-for-bit identical PatientRecord sequences.
type SimulationKey int64

// NewSimulationKey creates a SimulationKey from a seed value.
func NewSimulationKey(seed int64) SimulationKey {
	return SimulationKey(seed)
}

// patientSubstream returns the substream name for patient N (1-based).
func patientSubstream(id int) string {
	return fmt.Sprintf("patient_%d", id)
}

// === PatientRNG ===

// PatientRNG provides deterministic, isolated RNG instances per patient.
//
// Derivation formula: masterSeed XOR fnv1a64("patient_<id>"). Because each
// patient's stream depends only on (seed, id), simulating N+k patients
// reproduces the first N patients' draws exactly, and patients may be
// simulated in any order or in parallel.
//
// Thread-safety: the PatientRNG itself is stateless and safe to share, but
// each returned *rand.Rand must be consumed from a single goroutine.
type PatientRNG struct {
	key SimulationKey
}

// NewPatientRNG creates a PatientRNG from a SimulationKey.
func NewPatientRNG(key SimulationKey) *PatientRNG {
	return &PatientRNG{key: key}
}

// ForPatient returns a freshly seeded RNG for the given 1-based patient ID.
// The same (key, id) pair always yields the same draw sequence.
func (p *PatientRNG) ForPatient(id int) *rand.Rand {
	derived := int64(p.key) ^ fnv1a64(patientSubstream(id))
	return rand.New(rand.NewSource(derived))
}

// Key returns the SimulationKey used to create this PatientRNG.
func (p *PatientRNG) Key() SimulationKey {
	return p.key
}

// fnv1a64 computes a 64-bit FNV-1a hash of the input string.
func fnv1a64(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64())
}
