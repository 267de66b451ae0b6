// Package conformance evaluates raw payloads against the schema bindings
// their publishers agreed to.
package conformance

import (
	"encoding/json"
	"fmt"

	"github.com/illmade-knight/go-curation/pkg/types"
)

// Status classifies how a payload relates to its topic's binding.
type Status string

const (
	// StatusConformant means the payload carries every key the binding
	// expects. Extra keys are tolerated.
	StatusConformant Status = "conformant"
	// StatusNonConformant means at least one expected key is missing or the
	// payload does not parse as a JSON object.
	StatusNonConformant Status = "non_conformant"
	// StatusUnbound means no binding exists for the topic. Most topics are
	// never bound; this is the normal state, not an error.
	StatusUnbound Status = "unbound"
)

// Result is the outcome of checking one payload.
type Result struct {
	Status Status
	// Violations names each missing key, or describes the parse failure.
	// Empty for conformant and unbound results.
	Violations []string
	// BoundID identifies the binding the payload was checked against, empty
	// when unbound.
	BoundID string
}

// CheckPayload parses raw payload bytes and evaluates their top-level keys
// against binding. A nil binding yields an unbound result without touching
// the payload.
func CheckPayload(raw []byte, binding *types.Binding) Result {
	if binding == nil {
		return Result{Status: StatusUnbound}
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Result{
			Status:     StatusNonConformant,
			Violations: []string{fmt.Sprintf("payload does not parse as a JSON object: %v", err)},
			BoundID:    binding.ProposalID,
		}
	}
	return checkKeys(doc, binding)
}

// checkKeys reports a violation per expected key the payload lacks, in the
// order the binding declares them.
func checkKeys(doc map[string]json.RawMessage, binding *types.Binding) Result {
	result := Result{Status: StatusConformant, BoundID: binding.ProposalID}
	for _, key := range binding.ExpectedSchema {
		if _, present := doc[key]; !present {
			result.Violations = append(result.Violations, fmt.Sprintf("missing expected key %q", key))
		}
	}
	if len(result.Violations) > 0 {
		result.Status = StatusNonConformant
	}
	return result
}
