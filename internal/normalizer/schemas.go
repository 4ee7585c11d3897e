package normalizer

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/kaptinlin/jsonschema"

	"github.com/tears-mysthrala/Oroitz/internal/types"
)

// schemaDef couples a JSON Schema document with the tool-to-normalized
// field mapping and the canonical field order used for tabular export.
type schemaDef struct {
	// document is the JSON Schema the compiled validator is built from.
	document string

	// mapping translates external-tool column names to normalized field
	// names. Tool columns not listed here fall back to snake_case of the
	// original name.
	mapping map[string]string

	// fieldOrder fixes the column order for deterministic export. Fields
	// outside this list sort alphabetically after it.
	fieldOrder []string
}

// builtinSchemas covers every output schema the seeded workflows declare.
var builtinSchemas = map[string]schemaDef{
	"process": {
		document: `{
			"type": "object",
			"properties": {
				"pid": {"type": "integer", "minimum": 0},
				"name": {"type": "string", "minLength": 1},
				"ppid": {"type": ["integer", "null"], "minimum": 0},
				"threads": {"type": ["integer", "null"], "minimum": 0},
				"handles": {"type": ["integer", "null"], "minimum": 0},
				"session": {"type": ["integer", "null"], "minimum": 0},
				"wow64": {"type": ["boolean", "null"]},
				"create_time": {"type": ["string", "null"]},
				"exit_time": {"type": ["string", "null"]}
			},
			"required": ["pid", "name"]
		}`,
		mapping: map[string]string{
			"PID":           "pid",
			"ImageFileName": "name",
			"PPID":          "ppid",
			"Threads":       "threads",
			"Handles":       "handles",
			"SessionId":     "session",
			"Wow64":         "wow64",
			"CreateTime":    "create_time",
			"ExitTime":      "exit_time",
		},
		fieldOrder: []string{"pid", "name", "ppid", "threads", "handles", "session", "wow64", "create_time", "exit_time"},
	},
	"connection": {
		document: `{
			"type": "object",
			"properties": {
				"offset": {"type": ["string", "null"]},
				"pid": {"type": ["integer", "null"], "minimum": 0},
				"owner": {"type": ["string", "null"]},
				"created": {"type": ["string", "null"]},
				"local_addr": {"type": ["string", "null"]},
				"local_port": {"type": ["integer", "null"], "minimum": 0},
				"remote_addr": {"type": ["string", "null"]},
				"remote_port": {"type": ["integer", "null"], "minimum": 0},
				"state": {"type": ["string", "null"]}
			},
			"required": ["pid"]
		}`,
		mapping: map[string]string{
			"Offset":      "offset",
			"PID":         "pid",
			"Owner":       "owner",
			"Created":     "created",
			"LocalAddr":   "local_addr",
			"LocalPort":   "local_port",
			"ForeignAddr": "remote_addr",
			"ForeignPort": "remote_port",
			"State":       "state",
		},
		fieldOrder: []string{"offset", "pid", "owner", "created", "local_addr", "local_port", "remote_addr", "remote_port", "state"},
	},
	"malfind": {
		document: `{
			"type": "object",
			"properties": {
				"pid": {"type": ["integer", "null"], "minimum": 0},
				"process_name": {"type": ["string", "null"]},
				"start": {"type": ["string", "null"]},
				"end": {"type": ["string", "null"]},
				"tag": {"type": ["string", "null"]},
				"protection": {"type": ["string", "null"]},
				"commit_charge": {"type": ["integer", "null"], "minimum": 0},
				"private_memory": {"type": ["integer", "null"], "minimum": 0}
			},
			"required": ["pid"]
		}`,
		mapping: map[string]string{
			"PID":           "pid",
			"Process":       "process_name",
			"Start VPN":     "start",
			"End VPN":       "end",
			"Tag":           "tag",
			"Protection":    "protection",
			"CommitCharge":  "commit_charge",
			"PrivateMemory": "private_memory",
		},
		fieldOrder: []string{"pid", "process_name", "start", "end", "tag", "protection", "commit_charge", "private_memory"},
	},
	"module": {
		document: `{
			"type": "object",
			"properties": {
				"pid": {"type": ["integer", "null"], "minimum": 0},
				"process": {"type": ["string", "null"]},
				"base": {"type": ["string", "null"]},
				"size": {"type": ["integer", "null"], "minimum": 0},
				"name": {"type": ["string", "null"]},
				"path": {"type": ["string", "null"]}
			},
			"required": ["pid"]
		}`,
		mapping: map[string]string{
			"PID":     "pid",
			"Process": "process",
			"Base":    "base",
			"Size":    "size",
			"Name":    "name",
			"Path":    "path",
		},
		fieldOrder: []string{"pid", "process", "base", "size", "name", "path"},
	},
	"handle": {
		document: `{
			"type": "object",
			"properties": {
				"pid": {"type": ["integer", "null"], "minimum": 0},
				"process": {"type": ["string", "null"]},
				"offset": {"type": ["string", "null"]},
				"handle_value": {"type": ["string", "null"]},
				"type": {"type": ["string", "null"]},
				"granted_access": {"type": ["string", "null"]},
				"name": {"type": ["string", "null"]}
			},
			"required": ["pid"]
		}`,
		mapping: map[string]string{
			"PID":           "pid",
			"Process":       "process",
			"Offset":        "offset",
			"HandleValue":   "handle_value",
			"Type":          "type",
			"GrantedAccess": "granted_access",
			"Name":          "name",
		},
		fieldOrder: []string{"pid", "process", "offset", "handle_value", "type", "granted_access", "name"},
	},
	"timeline": {
		document: `{
			"type": "object",
			"properties": {
				"plugin": {"type": ["string", "null"]},
				"description": {"type": ["string", "null"]},
				"created": {"type": ["string", "null"]},
				"modified": {"type": ["string", "null"]},
				"accessed": {"type": ["string", "null"]},
				"changed": {"type": ["string", "null"]}
			}
		}`,
		mapping: map[string]string{
			"Plugin":        "plugin",
			"Description":   "description",
			"Created Date":  "created",
			"Modified Date": "modified",
			"Accessed Date": "accessed",
			"Changed Date":  "changed",
		},
		fieldOrder: []string{"plugin", "description", "created", "modified", "accessed", "changed"},
	},
	"service": {
		document: `{
			"type": "object",
			"properties": {
				"sid": {"type": ["string", "null"]},
				"service": {"type": ["string", "null"]}
			}
		}`,
		mapping: map[string]string{
			"SID":     "sid",
			"Service": "service",
		},
		fieldOrder: []string{"sid", "service"},
	},
	// generic accepts any object; field names pass through snake_cased.
	"generic": {
		document:   `{"type": "object"}`,
		mapping:    map[string]string{},
		fieldOrder: nil,
	},
}

// compiledSchema is a schemaDef with its validator built and its declared
// property types extracted for CSV import.
type compiledSchema struct {
	def        schemaDef
	validator  *jsonschema.Schema
	fieldTypes map[string]string
}

// SchemaRegistry holds compiled output schemas keyed by schema identifier.
// Populated once at construction and read-only afterwards.
type SchemaRegistry struct {
	schemas map[string]*compiledSchema
}

// NewSchemaRegistry compiles the built-in schema set.
func NewSchemaRegistry() (*SchemaRegistry, error) {
	r := &SchemaRegistry{schemas: make(map[string]*compiledSchema, len(builtinSchemas))}
	compiler := jsonschema.NewCompiler()

	for id, def := range builtinSchemas {
		validator, err := compiler.Compile([]byte(def.document))
		if err != nil {
			return nil, types.WrapError(types.NORMALIZE_SCHEMA_UNKNOWN,
				fmt.Sprintf("cannot compile schema %s", id), err)
		}
		fieldTypes, err := parseFieldTypes(def.document)
		if err != nil {
			return nil, types.WrapError(types.NORMALIZE_SCHEMA_UNKNOWN,
				fmt.Sprintf("cannot parse schema %s", id), err)
		}
		r.schemas[id] = &compiledSchema{def: def, validator: validator, fieldTypes: fieldTypes}
	}

	return r, nil
}

// lookup returns the compiled schema for id.
func (r *SchemaRegistry) lookup(id string) (*compiledSchema, error) {
	s, ok := r.schemas[id]
	if !ok {
		return nil, types.NewError(types.NORMALIZE_SCHEMA_UNKNOWN, fmt.Sprintf("no schema registered for %q", id))
	}
	return s, nil
}

// Has reports whether a schema identifier is registered.
func (r *SchemaRegistry) Has(id string) bool {
	_, ok := r.schemas[id]
	return ok
}

// FieldOrder returns the canonical export column order for a schema.
func (r *SchemaRegistry) FieldOrder(id string) []string {
	if s, ok := r.schemas[id]; ok {
		return s.def.fieldOrder
	}
	return nil
}

// fieldType returns the declared JSON type of a schema field, when the
// schema declares one.
func (r *SchemaRegistry) fieldType(schemaID, field string) (string, bool) {
	s, ok := r.schemas[schemaID]
	if !ok {
		return "", false
	}
	kind, ok := s.fieldTypes[field]
	return kind, ok
}

// parseFieldTypes extracts the declared type of each schema property, used
// to recover typed values from flat CSV cells. Union types resolve to their
// first non-null member.
func parseFieldTypes(document string) (map[string]string, error) {
	var doc struct {
		Properties map[string]struct {
			Type any `json:"type"`
		} `json:"properties"`
	}
	if err := json.Unmarshal([]byte(document), &doc); err != nil {
		return nil, err
	}

	fieldTypes := make(map[string]string, len(doc.Properties))
	for name, prop := range doc.Properties {
		switch t := prop.Type.(type) {
		case string:
			fieldTypes[name] = t
		case []any:
			for _, member := range t {
				if s, ok := member.(string); ok && s != "null" {
					fieldTypes[name] = s
					break
				}
			}
		}
	}
	return fieldTypes, nil
}

// mapField translates one tool column name through the schema mapping,
// falling back to snake_case.
func (s *compiledSchema) mapField(name string) string {
	if mapped, ok := s.def.mapping[name]; ok {
		return mapped
	}
	return toSnakeCase(name)
}

// toSnakeCase lowercases a tool column name, inserting underscores at
// case boundaries and replacing spaces.
func toSnakeCase(s string) string {
	var b strings.Builder
	prevLower := false
	for _, r := range s {
		switch {
		case r == ' ' || r == '-' || r == '.':
			b.WriteByte('_')
			prevLower = false
		case unicode.IsUpper(r):
			if prevLower {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			prevLower = false
		default:
			b.WriteRune(r)
			prevLower = unicode.IsLower(r) || unicode.IsDigit(r)
		}
	}
	return b.String()
}
