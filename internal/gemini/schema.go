package gemini

import (
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"google.golang.org/genai"
)

// ToGenaiSchema converts a JSON Schema tool descriptor into the schema
// dialect function declarations use. Only the subset that tool input
// schemas actually employ is mapped; anything else is an error rather
// than a silent drop.
func ToGenaiSchema(s *jsonschema.Schema) (*genai.Schema, error) {
	if s == nil {
		return nil, nil
	}

	out := &genai.Schema{Description: s.Description}

	switch s.Type {
	case "object", "":
		out.Type = genai.TypeObject
		if len(s.Properties) > 0 {
			out.Properties = make(map[string]*genai.Schema, len(s.Properties))
			for name, prop := range s.Properties {
				conv, err := ToGenaiSchema(prop)
				if err != nil {
					return nil, fmt.Errorf("property %q: %w", name, err)
				}
				out.Properties[name] = conv
			}
		}
		out.Required = s.Required
	case "string":
		out.Type = genai.TypeString
		for _, e := range s.Enum {
			v, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("non-string enum value %v", e)
			}
			out.Enum = append(out.Enum, v)
		}
	case "number":
		out.Type = genai.TypeNumber
	case "integer":
		out.Type = genai.TypeInteger
	case "boolean":
		out.Type = genai.TypeBoolean
	case "array":
		out.Type = genai.TypeArray
		items, err := ToGenaiSchema(s.Items)
		if err != nil {
			return nil, fmt.Errorf("array items: %w", err)
		}
		out.Items = items
	default:
		return nil, fmt.Errorf("unsupported schema type %q", s.Type)
	}

	return out, nil
}
