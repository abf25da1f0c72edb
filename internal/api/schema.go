package api

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"chodenet.ai/internal/protocol"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

const schemaBaseURL = "https://chodenet.ai/schemas/"

const maxBodyBytes = 64 << 10

const (
	schemaCollectInput   = "collect_input.schema.json"
	schemaInitiateRitual = "initiate_ritual.schema.json"
	schemaUpdateProfile  = "update_profile.schema.json"
	schemaCreateProfile  = "create_profile.schema.json"
)

type schemas map[string]*jsonschema.Schema

func compileSchemas() (schemas, error) {
	c := jsonschema.NewCompiler()
	ents, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, err
	}
	for _, e := range ents {
		b, err := schemaFS.ReadFile("schemas/" + e.Name())
		if err != nil {
			return nil, err
		}
		if err := c.AddResource(schemaBaseURL+e.Name(), bytes.NewReader(b)); err != nil {
			return nil, fmt.Errorf("schema %s: %w", e.Name(), err)
		}
	}
	out := schemas{}
	for _, e := range ents {
		s, err := c.Compile(schemaBaseURL + e.Name())
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", e.Name(), err)
		}
		out[e.Name()] = s
	}
	return out, nil
}

// decode reads a JSON body, validates it against the named schema and
// unmarshals it into dst.
func (sc schemas) decode(r *http.Request, name string, dst any) error {
	raw, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err != nil {
		return &protocol.Error{Code: protocol.ErrBadRequest, Message: "unreadable request body", Detail: err.Error()}
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return &protocol.Error{Code: protocol.ErrBadRequest, Message: "invalid JSON body", Detail: err.Error()}
	}
	if s := sc[name]; s != nil {
		if err := s.Validate(doc); err != nil {
			return &protocol.Error{Code: protocol.ErrBadRequest, Message: "request body failed validation", Detail: err.Error()}
		}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &protocol.Error{Code: protocol.ErrBadRequest, Message: "invalid JSON body", Detail: err.Error()}
	}
	return nil
}
