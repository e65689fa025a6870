package facade

import (
	"fmt"
	"reflect"
	"regexp"

	"github.com/jeeves-cluster-organization/broker/internal/brokererr"
)

// validateStruct applies a small struct-tag validator (`required`,
// `pattern`) over v's exported string/slice fields, mirroring the shape of
// the per-operation typed arg validation SPEC_FULL §3.7 describes.
func validateStruct(v any) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		rv = rv.Elem()
	}
	rt := rv.Type()

	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		val := rv.Field(i)

		if field.Tag.Get("required") == "true" {
			if isZero(val) {
				return brokererr.Validation(fmt.Sprintf("%s is required", field.Name))
			}
		}
		if pattern := field.Tag.Get("pattern"); pattern != "" && val.Kind() == reflect.String {
			if val.String() == "" {
				continue
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return brokererr.Internal("invalid validation pattern: " + err.Error())
			}
			if !re.MatchString(val.String()) {
				return brokererr.Validation(fmt.Sprintf("%s does not match required pattern", field.Name))
			}
		}
	}
	return nil
}

func isZero(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.String:
		return v.String() == ""
	case reflect.Slice, reflect.Map:
		return v.Len() == 0
	case reflect.Ptr, reflect.Interface:
		return v.IsNil()
	default:
		return v.IsZero()
	}
}
