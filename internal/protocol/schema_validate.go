package protocol

import (
	"fmt"
	"math"
	"regexp"

	"github.com/jeeves-cluster-organization/broker/internal/brokererr"
)

func newSchemaInvalid(msg string) error {
	return brokererr.New(brokererr.KindValidation, "SchemaInvalid: "+msg, nil)
}

func newSchemaViolation(pointer, constraint string) error {
	return brokererr.New(brokererr.KindValidation, "SchemaViolation: "+constraint, map[string]any{
		"pointer":    pointer,
		"constraint": constraint,
	})
}

func validateSchemaShape(s *Schema, pointer string) error {
	switch s.Type {
	case "", "object", "array", "string", "number", "integer", "boolean", "null":
	default:
		return newSchemaInvalid(fmt.Sprintf("%s: unsupported type %q", pointer, s.Type))
	}
	if s.Pattern != "" {
		if _, err := regexp.Compile(s.Pattern); err != nil {
			return newSchemaInvalid(fmt.Sprintf("%s: invalid pattern: %v", pointer, err))
		}
	}
	for name, sub := range s.Properties {
		if err := validateSchemaShape(sub, pointer+"/properties/"+name); err != nil {
			return err
		}
	}
	if s.Items != nil {
		if err := validateSchemaShape(s.Items, pointer+"/items"); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(s *Schema, v any, pointer string) error {
	if s == nil {
		return nil
	}
	if len(s.Enum) > 0 {
		ok := false
		for _, e := range s.Enum {
			if e == v {
				ok = true
				break
			}
		}
		if !ok {
			return newSchemaViolation(pointer, "value not in enum")
		}
	}

	switch s.Type {
	case "object":
		obj, ok := v.(map[string]any)
		if !ok {
			return newSchemaViolation(pointer, "expected object")
		}
		for _, req := range s.Required {
			if _, present := obj[req]; !present {
				return newSchemaViolation(pointer+"/"+req, "missing required property")
			}
		}
		for name, sub := range s.Properties {
			if val, present := obj[name]; present {
				if err := validateValue(sub, val, pointer+"/"+name); err != nil {
					return err
				}
			}
		}
	case "array":
		arr, ok := v.([]any)
		if !ok {
			return newSchemaViolation(pointer, "expected array")
		}
		if s.Items != nil {
			for i, item := range arr {
				if err := validateValue(s.Items, item, fmt.Sprintf("%s/%d", pointer, i)); err != nil {
					return err
				}
			}
		}
	case "string":
		str, ok := v.(string)
		if !ok {
			return newSchemaViolation(pointer, "expected string")
		}
		if s.Pattern != "" {
			re := regexp.MustCompile(s.Pattern)
			if !re.MatchString(str) {
				return newSchemaViolation(pointer, fmt.Sprintf("does not match pattern %q", s.Pattern))
			}
		}
	case "number", "integer":
		num, ok := v.(float64)
		if !ok {
			return newSchemaViolation(pointer, "expected number")
		}
		if s.Type == "integer" && num != math.Trunc(num) {
			return newSchemaViolation(pointer, "expected integer")
		}
		if s.Minimum != nil && num < *s.Minimum {
			return newSchemaViolation(pointer, fmt.Sprintf("below minimum %v", *s.Minimum))
		}
		if s.Maximum != nil && num > *s.Maximum {
			return newSchemaViolation(pointer, fmt.Sprintf("above maximum %v", *s.Maximum))
		}
	case "boolean":
		if _, ok := v.(bool); !ok {
			return newSchemaViolation(pointer, "expected boolean")
		}
	case "null":
		if v != nil {
			return newSchemaViolation(pointer, "expected null")
		}
	}
	return nil
}
