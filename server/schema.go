package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/parchmint/parchmint/errors"
)

// Request schemas, compiled once at startup. Validation happens before
// decoding so a malformed body is rejected with the schema's message rather
// than a decode error deep in a handler.

var ingestSchema = mustCompile("ingest.json", `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["filename", "content_type", "storage_ref"],
	"additionalProperties": false,
	"properties": {
		"id":           {"type": "string", "minLength": 1, "maxLength": 128},
		"filename":     {"type": "string", "minLength": 1, "maxLength": 512},
		"content_type": {"type": "string", "minLength": 1, "maxLength": 256},
		"storage_ref":  {"type": "string", "minLength": 1, "maxLength": 1024}
	}
}`)

var searchSchema = mustCompile("search.json", `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["query"],
	"additionalProperties": false,
	"properties": {
		"query": {"type": "string", "minLength": 1, "maxLength": 4096},
		"k":     {"type": "integer", "minimum": 1, "maximum": 100}
	}
}`)

func mustCompile(name, schema string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, strings.NewReader(schema)); err != nil {
		panic(err)
	}
	return c.MustCompile(name)
}

const maxBodyBytes = 1 << 20

// decodeValidated reads the request body, validates it against the schema,
// and decodes it into v. Schema violations come back as validation errors.
func decodeValidated(r *http.Request, schema *jsonschema.Schema, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return errors.Wrap(err, "failed to read request body")
	}

	var raw interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return errors.NewValidationError("request body is not valid JSON: %v", err)
	}
	if err := schema.Validate(raw); err != nil {
		return errors.NewValidationError("invalid request: %v", err)
	}

	return json.NewDecoder(bytes.NewReader(body)).Decode(v)
}
