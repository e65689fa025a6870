package protocol

import (
	"encoding/json"
	"fmt"
)

// Schema is a small recursive subset of JSON Schema covering
// type/required/properties/items/enum/minimum/maximum/pattern — enough to
// validate the payload shapes named in spec §3/§4.2.
//
// This is one of the module's two standard-library concerns (built on
// encoding/json + regexp; semver.go is the other): no example repo in the
// retrieval pack imports a JSON-schema validation library, so there is no
// teacher/pack dependency to ground this on. Documented in DESIGN.md.
type Schema struct {
	Type       string             `json:"type,omitempty"`
	Properties map[string]*Schema `json:"properties,omitempty"`
	Required   []string           `json:"required,omitempty"`
	Items      *Schema            `json:"items,omitempty"`
	Enum       []any              `json:"enum,omitempty"`
	Minimum    *float64           `json:"minimum,omitempty"`
	Maximum    *float64           `json:"maximum,omitempty"`
	Pattern    string             `json:"pattern,omitempty"`
}

// Compiled is a validated, ready-to-use Schema, cached under the protocol's
// registry key per spec §4.2. Pattern constraints are compiled on each
// Validate call, not stored here.
type Compiled struct {
	root *Schema
}

// Compile parses and sanity-checks raw JSON-schema bytes, returning
// SchemaInvalid (via brokererr) on malformed input.
func Compile(raw json.RawMessage) (*Compiled, error) {
	var s Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, newSchemaInvalid(fmt.Sprintf("invalid schema JSON: %v", err))
	}
	if err := validateSchemaShape(&s, "$"); err != nil {
		return nil, err
	}
	return &Compiled{root: &s}, nil
}

// Validate checks payload against the compiled schema, returning a
// SchemaViolation error carrying a JSON-pointer path and the offending
// constraint on failure, per spec §4.2.
func (c *Compiled) Validate(payload json.RawMessage) error {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return newSchemaViolation("$", "payload is not valid JSON")
	}
	return validateValue(c.root, v, "$")
}
