package ingest

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// maxBatchRecords is the structural ceiling on batch size. The configured
// ingest.max_batch may be lower, never higher.
const maxBatchRecords = 1000

// envelopeSchemaJSON is deliberately loose: field names vary per source and
// are resolved by mapping profiles, so the schema only pins down the shape
// of the payload before any mapping runs.
const envelopeSchemaJSON = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"title": "ingest envelope",
	"definitions": {
		"record": {
			"type": "object",
			"minProperties": 1,
			"maxProperties": 256
		}
	},
	"oneOf": [
		{"$ref": "#/definitions/record"},
		{
			"type": "array",
			"minItems": 1,
			"maxItems": 1000,
			"items": {"$ref": "#/definitions/record"}
		}
	]
}`

var envelopeSchema = mustCompileEnvelopeSchema()

func mustCompileEnvelopeSchema() *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(envelopeSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("ingest: invalid envelope schema: %v", err))
	}
	return schema
}

// ValidateEnvelope checks that a raw JSON payload is structurally an
// ingestable record or batch before profile mapping touches it.
func ValidateEnvelope(raw []byte) error {
	result, err := envelopeSchema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return fmt.Errorf("payload failed envelope validation: %s", strings.Join(msgs, "; "))
	}
	return nil
}
