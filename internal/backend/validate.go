package backend

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("backendname", func(fl validator.FieldLevel) bool {
		return nameRe.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("backendtype", func(fl validator.FieldLevel) bool {
		t, ok := fl.Field().Interface().(Type)
		return ok && t.Valid()
	})
	return v
}

// Validate checks the configuration fields
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", fieldName(fe.Field())))
		case "backendname":
			msgs = append(msgs, fmt.Sprintf("name %q may only contain letters, digits, '.', '_' and '-'", fe.Value()))
		case "backendtype":
			msgs = append(msgs, "backend_type must be one of "+strings.Join(typeList(), ", "))
		case "url":
			msgs = append(msgs, fmt.Sprintf("endpoint %q is not a valid URL", fe.Value()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s must satisfy %s=%s", fieldName(fe.Field()), fe.Tag(), fe.Param()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

// Merge applies u to c and returns the merged config without validating it
func (c Config) Merge(u Update) (Config, error) {
	out := c.Clone()
	if u.Type != nil {
		t, err := ParseType(*u.Type)
		if err != nil {
			return Config{}, err
		}
		out.Type = t
	}
	if u.Endpoint != nil {
		out.Endpoint = *u.Endpoint
	}
	if u.Credential != nil {
		out.Credential = *u.Credential
	}
	if u.MaxStorageGB != nil {
		out.MaxStorageGB = *u.MaxStorageGB
	}
	if u.CostPerGB != nil {
		v := *u.CostPerGB
		out.CostPerGB = &v
	}
	if u.Priority != nil {
		out.Priority = *u.Priority
	}
	if u.Enabled != nil {
		out.Enabled = *u.Enabled
	}
	if u.Metadata != nil {
		if out.Metadata == nil {
			out.Metadata = make(map[string]string, len(u.Metadata))
		}
		for k, v := range u.Metadata {
			if v == "" {
				delete(out.Metadata, k)
				continue
			}
			out.Metadata[k] = v
		}
	}
	return out, nil
}

func typeList() []string {
	out := make([]string, 0, len(typeNames))
	for _, t := range Types() {
		out = append(out, t.String())
	}
	return out
}

func fieldName(f string) string {
	switch f {
	case "Name":
		return "name"
	case "Type":
		return "backend_type"
	case "MaxStorageGB":
		return "max_storage_gb"
	case "CostPerGB":
		return "cost_per_gb"
	case "Priority":
		return "priority"
	}
	return strings.ToLower(f)
}
