package protocol

import (
	"github.com/invopop/jsonschema"
)

// ReflectCommandSchema derives a JSON schema from CommandMsg. The embedded
// schema is hand-maintained; this one is for documentation and drift checks.
func ReflectCommandSchema() *jsonschema.Schema {
	r := jsonschema.Reflector{
		DoNotReference:             true,
		ExpandedStruct:             true,
		RequiredFromJSONSchemaTags: true,
	}
	s := r.Reflect(&CommandMsg{})
	s.Title = "COMMAND"
	s.Description = "Client command accepted by the territorial core."
	return s
}

// ReflectEventSchema derives the schema of an EVENT frame.
func ReflectEventSchema() *jsonschema.Schema {
	r := jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	s := r.Reflect(&EventMsg{})
	s.Title = "EVENT"
	return s
}
