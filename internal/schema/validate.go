// ABOUTME: Validates tool arguments against an input schema before execution.
// ABOUTME: Schemas are compiled once per tool with santhosh-tekuri/jsonschema.

package schema

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/2389/coven-relay/internal/jsonx"
)

// ErrInvalidArguments wraps every argument validation failure.
var ErrInvalidArguments = errors.New("invalid arguments")

// Validator checks argument objects against one compiled schema.
type Validator struct {
	name   string
	schema *jsonschema.Schema
}

// Compile prepares a validator for the given input schema. A nil schema
// accepts any object.
func Compile(name string, s map[string]any) (*Validator, error) {
	if s == nil {
		return &Validator{name: name}, nil
	}
	doc, err := toInstance(s)
	if err != nil {
		return nil, fmt.Errorf("encoding schema for %s: %w", name, err)
	}

	c := jsonschema.NewCompiler()
	loc := "mem://tools/" + url.PathEscape(name) + ".json"
	if err := c.AddResource(loc, doc); err != nil {
		return nil, fmt.Errorf("loading schema for %s: %w", name, err)
	}
	compiled, err := c.Compile(loc)
	if err != nil {
		return nil, fmt.Errorf("compiling schema for %s: %w", name, err)
	}
	return &Validator{name: name, schema: compiled}, nil
}

// Validate checks args. The returned error wraps ErrInvalidArguments.
func (v *Validator) Validate(args map[string]any) error {
	if v == nil || v.schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	inst, err := toInstance(args)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if err := v.schema.Validate(inst); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return fmt.Errorf("%w for %s: %s", ErrInvalidArguments, v.name, verr.Error())
		}
		return fmt.Errorf("%w for %s: %v", ErrInvalidArguments, v.name, err)
	}
	return nil
}

// toInstance round-trips v through JSON so numbers and nested values have
// the shapes the validator expects.
func toInstance(v any) (any, error) {
	b, err := jsonx.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(b))
}
