package history

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const indexSchemaURL = "https://conimgponic.local/schema/autosave-index.json"

const indexSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "entries"],
  "properties": {
    "version": {"type": "integer", "minimum": 1},
    "nextGeneration": {"type": "integer", "minimum": 0},
    "totalBytes": {"type": "integer", "minimum": 0},
    "entries": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["generation", "timestamp", "file", "bytes", "codec", "location", "retained"],
        "properties": {
          "generation": {"type": "integer", "minimum": 0},
          "timestamp": {"type": "string", "minLength": 1},
          "file": {"type": "string", "pattern": "^[^/\\\\]+$"},
          "bytes": {"type": "integer", "minimum": 0},
          "rawBytes": {"type": "integer", "minimum": 0},
          "codec": {"enum": ["none", "zstd", "lz4"]},
          "location": {"enum": ["current", "history"]},
          "retained": {"type": "boolean"}
        }
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledIndexSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(indexSchema))
		if err != nil {
			schemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(indexSchemaURL, doc); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile(indexSchemaURL)
	})
	return schema, schemaErr
}

// validateIndex checks raw index bytes against the index schema.
func validateIndex(raw []byte) error {
	sch, err := compiledIndexSchema()
	if err != nil {
		return fmt.Errorf("compile index schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return sch.Validate(inst)
}
