package domain

import (
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"shipline/internal/apperr"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Validate checks v against its `validate` tags and returns an
// *apperr.ValidationError (an apperr.ErrBadRequest) on violation.
func Validate(v any) error {
	err := validatorInstance().Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.BadRequest("%v", err)
	}
	out := &apperr.ValidationError{}
	for _, fe := range verrs {
		field := fe.Field()
		if field == "" {
			field = fe.StructField()
		}
		out.Fields = append(out.Fields, apperr.FieldError{Field: field, Rule: fe.Tag(), Param: fe.Param()})
	}
	return out
}

// ValidTeam reports whether team names a dispatchable agent team.
func ValidTeam(team string) bool {
	return team == TeamFrontend || team == TeamBackend
}

// ValidBuildType reports whether t is a known repository build type.
func ValidBuildType(t string) bool {
	return t == BuildTypeWeb || t == BuildTypeAPI
}
