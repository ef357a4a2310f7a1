package kaani

import (
	"crypto/md5" //nolint:gosec // bucketing, not security
	"math/big"
)

// Arm is one side of a provider experiment.
type Arm struct {
	Group    string
	Provider string
	Model    string
}

var arms = [2]Arm{
	{Group: "A", Provider: "openai", Model: "gpt-4.1-mini"},
	{Group: "B", Provider: "google", Model: "gemini-pro"},
}

// AssignArm buckets a farmer by the MD5 of their id read as a big-endian
// integer, mod 2. The same farmer always lands in the same arm.
func AssignArm(farmerID string) Arm {
	sum := md5.Sum([]byte(farmerID)) //nolint:gosec // bucketing, not security
	n := new(big.Int).SetBytes(sum[:])
	return arms[new(big.Int).Mod(n, big.NewInt(2)).Int64()]
}

// Parameters describes the arm for storage alongside the assignment.
func (a Arm) Parameters() map[string]any {
	return map[string]any{"model": a.Model, "provider": a.Provider}
}
