package model

import (
	_ "embed"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/xeipuuv/gojsonschema"
)

//go:embed resume.schema.json
var schemaJSON []byte

// ErrSchemaViolation is returned when a snapshot does not satisfy resume.schema.json.
var ErrSchemaViolation = errors.New("resume snapshot failed schema validation")

var (
	schemaOnce sync.Once
	schema     *gojsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
		if schemaErr != nil {
			schemaErr = errors.Wrap(schemaErr, "compile resume schema")
		}
	})
	return schema, schemaErr
}

// Validate checks a typed snapshot against the embedded schema.
func Validate(r Resume) error {
	return validate(gojsonschema.NewGoLoader(r))
}

// ValidateJSON checks raw snapshot JSON against the embedded schema.
func ValidateJSON(b []byte) error {
	return validate(gojsonschema.NewBytesLoader(b))
}

func validate(doc gojsonschema.JSONLoader) error {
	s, err := compiledSchema()
	if err != nil {
		return err
	}
	res, err := s.Validate(doc)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "load resume snapshot"), ErrSchemaViolation)
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return errors.WithHint(
		errors.Wrapf(ErrSchemaViolation, "%s", strings.Join(msgs, "; ")),
		"resume snapshot failed validation: "+strings.Join(msgs, "; "),
	)
}
