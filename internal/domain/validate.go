package domain

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"worknode/internal/lifecycle"
)

// ValidationError reports a malformed request. It is always raised before any mutation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = validate.RegisterValidation("nonblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	_ = validate.RegisterValidation("status", func(fl validator.FieldLevel) bool {
		return lifecycle.Status(fl.Field().String()).Valid()
	})
}

// ValidateChange checks the shape of c and that subject is the node c is about.
func ValidateChange(subject string, c ProposedChange) error {
	if strings.TrimSpace(subject) == "" {
		return ValidationError{Field: "subject", Reason: "required"}
	}
	if c == nil {
		return ValidationError{Field: "proposed_change", Reason: "required"}
	}
	if err := validate.Struct(c); err != nil {
		return toValidationError(err)
	}
	switch v := c.(type) {
	case StatusChange:
		return nil
	case RelationChange:
		if subject != v.FromNodeID {
			return ValidationError{Field: "subject", Reason: "must be the relation's from_node_id"}
		}
	case GroupingChange:
		for _, id := range v.NodeIDs {
			if id == subject {
				return nil
			}
		}
		return ValidationError{Field: "subject", Reason: "must be one of node_ids"}
	case DecompositionChange:
		if subject != v.ParentNodeID {
			return ValidationError{Field: "subject", Reason: "must be the parent_node_id"}
		}
	default:
		return ValidationError{Field: "proposed_change.type", Reason: fmt.Sprintf("unsupported change %T", c)}
	}
	return nil
}

func toValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return ValidationError{Reason: err.Error()}
	}
	fe := verrs[0]
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	return ValidationError{Field: field, Reason: describeTag(fe)}
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "nonblank":
		return "must not be empty"
	case "status":
		return fmt.Sprintf("unknown status %q", fe.Value())
	case "min":
		return fmt.Sprintf("needs at least %s entries", fe.Param())
	case "unique":
		return "must not contain duplicates"
	case "nefield":
		return "must differ from " + fe.Param()
	default:
		return "failed " + fe.Tag()
	}
}
