package orm

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
)

// InputType is the kind of form control a field is edited with.
type InputType string

const (
	InputText       InputType = "text"
	InputNumber     InputType = "number"
	InputSelect     InputType = "select"
	InputEmail      InputType = "email"
	InputPhone      InputType = "phone"
	InputFile       InputType = "file"
	InputDate       InputType = "date"
	InputCheckbox   InputType = "checkbox"
	InputRadio      InputType = "radio"
	InputDateTime   InputType = "datetime"
	InputTime       InputType = "time"
	InputTextarea   InputType = "textarea"
	InputPercentage InputType = "percentage"
	InputArray      InputType = "array"
	InputColor      InputType = "color"
)

// Check is a named custom rule run against a set value.
type Check struct {
	Name string
	Fn   func(v any) error
}

// InputOptions configures the validation of an Input field. Validate holds
// go-playground/validator tags, e.g. "min=3" or "oneof=a b".
type InputOptions struct {
	Required bool
	Validate []string
	Checks   []Check
	Options  []string
}

// InputInfo describes an Input field.
type InputInfo struct {
	Name     string
	Type     InputType
	Required bool
	Rules    []string
	Options  []string
}

type inputCheck[T any] func(v *validator.Validate, t *T) []error

// Input declares a persisted field edited through a form control. Its rules are
// enforced by Entity.Validate.
func Input[T, V any](s *Schema[T], name string, field func(t *T) *Field[V], typ Type[V], input InputType, opts InputOptions) {
	Var(s, name, field, typ)

	rules := append([]string(nil), opts.Validate...)
	if input == InputEmail {
		rules = append([]string{"email"}, rules...)
	}
	s.model.inputs = append(s.model.inputs, InputInfo{
		Name:     name,
		Type:     input,
		Required: opts.Required,
		Rules:    rules,
		Options:  opts.Options,
	})
	if len(opts.Options) > 0 && (input == InputSelect || input == InputRadio) {
		rules = append(rules, "oneof="+strings.Join(opts.Options, " "))
	}
	tag := strings.Join(rules, ",")

	s.model.checks = append(s.model.checks, func(v *validator.Validate, t *T) []error {
		val, ok := field(t).Lookup()
		if !ok {
			if opts.Required {
				return []error{&ValidationError{Field: name, Rule: "required"}}
			}
			return nil
		}
		var errs []error
		if opts.Required {
			if err := v.Var(val, "required"); err != nil && isText(input) {
				errs = append(errs, &ValidationError{Field: name, Rule: "required"})
			}
		}
		if tag != "" {
			errs = append(errs, validationErrors(name, v.Var(val, tag))...)
		}
		for _, c := range opts.Checks {
			if err := c.Fn(val); err != nil {
				errs = append(errs, &ValidationError{Field: name, Rule: c.Name, Err: err})
			}
		}
		return errs
	})
}

// isText reports input types where an empty value counts as missing.
func isText(t InputType) bool {
	switch t {
	case InputText, InputEmail, InputPhone, InputTextarea, InputSelect, InputRadio, InputColor:
		return true
	}
	return false
}

func validationErrors(name string, err error) []error {
	if err == nil {
		return nil
	}
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) {
		return []error{&ValidationError{Field: name, Rule: "invalid", Err: err}}
	}
	out := make([]error, 0, len(ves))
	for _, fe := range ves {
		out = append(out, &ValidationError{Field: name, Rule: fe.Tag(), Err: fe})
	}
	return out
}

func (m *Model[T]) validate(store *Store, doc Document) error {
	t, ok := any(doc).(*T)
	if !ok {
		return invariantf("%T validated with model %s", doc, m.name)
	}
	v := store.validator()
	var errs []error
	for _, check := range m.checks {
		errs = append(errs, check(v, t)...)
	}
	return errors.Join(errs...)
}
