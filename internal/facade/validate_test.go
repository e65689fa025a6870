package facade

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type validateFixture struct {
	Name string `required:"true" pattern:"^[a-z]+$"`
	Tags []string
}

func TestValidateStruct_RequiredFieldMissing(t *testing.T) {
	err := validateStruct(validateFixture{})
	assert.Error(t, err)
}

func TestValidateStruct_PatternMismatch(t *testing.T) {
	err := validateStruct(validateFixture{Name: "ABC"})
	assert.Error(t, err)
}

func TestValidateStruct_Valid(t *testing.T) {
	err := validateStruct(validateFixture{Name: "abc"})
	assert.NoError(t, err)
}

func TestValidateStruct_RequiredSliceMustBeNonEmpty(t *testing.T) {
	type args struct {
		Items []string `required:"true"`
	}
	assert.Error(t, validateStruct(args{}))
	assert.NoError(t, validateStruct(args{Items: []string{"x"}}))
}
