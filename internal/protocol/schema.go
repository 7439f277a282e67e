package protocol

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var ErrSchema = errors.New("message does not match schema")

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	compileOnce   sync.Once
	compileErr    error
	helloSchema   *jsonschema.Schema
	commandSchema *jsonschema.Schema
)

func compileSchemas() error {
	compileOnce.Do(func() {
		load := func(name string) (*jsonschema.Schema, error) {
			b, err := schemaFS.ReadFile("schemas/" + name)
			if err != nil {
				return nil, err
			}
			return jsonschema.CompileString(name, string(b))
		}
		if helloSchema, compileErr = load("hello.schema.json"); compileErr != nil {
			return
		}
		commandSchema, compileErr = load("command.schema.json")
	})
	return compileErr
}

func validate(s *jsonschema.Schema, raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}
	return nil
}

// ValidateCommand checks a raw COMMAND message against the embedded schema.
func ValidateCommand(raw []byte) error {
	if err := compileSchemas(); err != nil {
		return err
	}
	return validate(commandSchema, raw)
}

func ValidateHello(raw []byte) error {
	if err := compileSchemas(); err != nil {
		return err
	}
	return validate(helloSchema, raw)
}

// SchemaSource returns an embedded schema document by file name.
func SchemaSource(name string) ([]byte, error) {
	return schemaFS.ReadFile("schemas/" + name)
}
