package capability

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// compileSchemas compiles each tool's input schema. Tools whose schema
// fails to compile are logged and left unvalidated.
func compileSchemas(tools []Capability, logger *slog.Logger) map[string]*jsonschema.Schema {
	out := make(map[string]*jsonschema.Schema, len(tools))
	for _, t := range tools {
		if len(t.InputSchema) == 0 {
			continue
		}
		s, err := compileSchema(t.Name, t.InputSchema)
		if err != nil {
			logger.Warn("tool input schema does not compile; arguments will not be validated",
				"tool", t.Name,
				"error", err,
			)
			continue
		}
		out[t.Name] = s
	}
	return out
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := "https://tether.schemas.local/tools/" + url.PathEscape(name) + ".schema.json"
	if err := c.AddResource(schemaURL, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	return c.Compile(schemaURL)
}

// normalize round-trips args through JSON so numbers and nested values
// have the shapes the validator expects.
func normalize(args map[string]any) (any, error) {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
