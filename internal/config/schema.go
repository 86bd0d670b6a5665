package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "ctxtd-config.schema.json"

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile(schemaURL)
	})
	return schema, schemaErr
}

// checkSchema validates a decoded document before it is applied, so unknown
// keys and mistyped values are reported with their location.
func checkSchema(raw map[string]any) error {
	s, err := compiledSchema()
	if err != nil {
		return err
	}
	if raw == nil {
		return nil
	}
	err = s.Validate(raw)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return fmt.Errorf("validate config: %w", err)
	}
	var errs ValidationErrors
	collectLeaves(ve, &errs)
	return errs
}

func collectLeaves(ve *jsonschema.ValidationError, errs *ValidationErrors) {
	if len(ve.Causes) == 0 {
		*errs = append(*errs, ValidationError{
			Field:   fieldName(ve.InstanceLocation),
			Message: ve.Message,
		})
		return
	}
	for _, c := range ve.Causes {
		collectLeaves(c, errs)
	}
}

// fieldName turns a JSON pointer such as /server/port into server.port.
func fieldName(ptr string) string {
	name := strings.ReplaceAll(strings.TrimPrefix(ptr, "/"), "/", ".")
	if name == "" {
		return "config"
	}
	return name
}
