package executor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/GoCodeAlone/stepflow/execution"
	"github.com/GoCodeAlone/stepflow/module"
	"github.com/GoCodeAlone/stepflow/resolve"
)

// ResolveParams produces the final parameter map for one invocation:
// references resolved, aliases folded into canonical names, declared defaults
// filled in, then the whole map validated against the module's schema.
func ResolveParams(meta *module.Metadata, raw map[string]any, env *resolve.Env) (map[string]any, error) {
	resolved := make(map[string]any, len(raw))
	for name, value := range raw {
		v, err := resolve.ResolveValue(value, env)
		if err != nil {
			return nil, &execution.ModuleError{
				Code:    execution.CodeValidation,
				Message: fmt.Sprintf("parameter %q did not resolve: %v", name, err),
				Field:   name,
			}
		}
		canonical := name
		if c, known := meta.CanonicalParam(name); known {
			canonical = c
		}
		if _, dup := resolved[canonical]; dup {
			return nil, &execution.ModuleError{
				Code:    execution.CodeValidation,
				Message: fmt.Sprintf("parameter %q given both directly and via an alias", canonical),
				Field:   canonical,
			}
		}
		resolved[canonical] = v
	}

	for name, spec := range meta.Params {
		if _, present := resolved[name]; present {
			continue
		}
		if spec.Default != nil {
			resolved[name] = spec.Default
			continue
		}
		if spec.Required {
			return nil, &execution.ModuleError{
				Code:    execution.CodeValidation,
				Message: fmt.Sprintf("missing required parameter %q", name),
				Field:   name,
				Hint:    paramHint(name, spec),
			}
		}
	}

	if err := validateParams(meta, resolved); err != nil {
		return nil, err
	}
	return resolved, nil
}

func paramHint(name string, spec module.ParamSpec) string {
	if spec.Description != "" {
		return spec.Description
	}
	return fmt.Sprintf("declare %q with type %s", name, spec.Type)
}

var schemaCache sync.Map // module id -> *jsonschema.Schema

// validateParams checks the resolved map against a JSON Schema compiled from
// the module's parameter declarations. Compiled schemas are cached per id.
func validateParams(meta *module.Metadata, params map[string]any) error {
	if len(meta.Params) == 0 {
		return nil
	}
	sch, err := schemaFor(meta)
	if err != nil {
		return execution.NewModuleError(execution.CodeInternal,
			"module %s has an uncompilable parameter schema: %v", meta.ID, err)
	}

	// Round-trip to plain JSON values so typed Go values (int, custom maps)
	// validate the same way a decoded document would.
	data, err := json.Marshal(params)
	if err != nil {
		return execution.NewModuleError(execution.CodeValidation,
			"parameters for %s are not serializable: %v", meta.ID, err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return execution.NewModuleError(execution.CodeInternal, "re-decode parameters: %v", err)
	}
	if err := sch.Validate(instance); err != nil {
		return &execution.ModuleError{
			Code:    execution.CodeValidation,
			Message: fmt.Sprintf("parameters for %s failed schema validation: %v", meta.ID, err),
		}
	}
	return nil
}

func schemaFor(meta *module.Metadata) (*jsonschema.Schema, error) {
	if cached, ok := schemaCache.Load(meta.ID); ok {
		return cached.(*jsonschema.Schema), nil
	}
	doc := schemaDoc(meta)
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	decoded, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	url := "stepflow:///" + meta.ID + ".schema.json"
	if err := compiler.AddResource(url, decoded); err != nil {
		return nil, err
	}
	sch, err := compiler.Compile(url)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(meta.ID, sch)
	return sch, nil
}

// schemaDoc converts parameter declarations into a draft 2020-12 object
// schema. "any" typed parameters get an unconstrained subschema.
func schemaDoc(meta *module.Metadata) map[string]any {
	props := make(map[string]any, len(meta.Params))
	var required []string
	for name, spec := range meta.Params {
		prop := map[string]any{}
		switch spec.Type {
		case "", "any":
		case "number":
			prop["type"] = []any{"number", "integer"}
		default:
			prop["type"] = spec.Type
		}
		if len(spec.Enum) > 0 {
			prop["enum"] = spec.Enum
		}
		if spec.Min != nil {
			prop["minimum"] = *spec.Min
		}
		if spec.Max != nil {
			prop["maximum"] = *spec.Max
		}
		if spec.Pattern != "" {
			prop["pattern"] = spec.Pattern
		}
		props[name] = prop
		if spec.Required && spec.Default == nil {
			required = append(required, name)
		}
	}
	doc := map[string]any{
		"$schema":    "https://json-schema.org/draft/2020-12/schema",
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return doc
}
