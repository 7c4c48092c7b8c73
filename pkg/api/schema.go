package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const maxBodyBytes = 1 << 20

// Request bodies are closed: unknown properties are rejected both by the
// schema and by the decoder.
const (
	decisionSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["requestId", "ownerId"],
  "properties": {
    "requestId": {"type": "string", "minLength": 1},
    "ownerId": {"type": "string", "minLength": 1},
    "reason": {"type": "string"}
  }
}`

	denySchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["requestId", "ownerId", "reason"],
  "properties": {
    "requestId": {"type": "string", "minLength": 1},
    "ownerId": {"type": "string", "minLength": 1},
    "reason": {"type": "string", "minLength": 1, "pattern": "\\S"}
  }
}`

	reauthSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["reason"],
  "properties": {
    "programId": {"type": "string"},
    "reason": {"type": "string", "minLength": 1}
  }
}`

	cancelSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["reason"],
  "properties": {
    "reason": {"type": "string", "minLength": 1}
  }
}`

	blockSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["reason"],
  "properties": {
    "reason": {"type": "string", "minLength": 1}
  }
}`

	actionSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["type"],
  "properties": {
    "id": {"type": "string"},
    "type": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "context": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "isArchitectureChange": {"type": "boolean"},
        "isGovernanceAction": {"type": "boolean"},
        "affectsConstitution": {"type": "boolean"},
        "mutatesState": {"type": "boolean"},
        "triggersBuilder": {"type": "boolean"},
        "requiresModelEscalation": {"type": "boolean"},
        "hasRedQA": {"type": "boolean"},
        "targetPaths": {"type": "array", "items": {"type": "string"}},
        "qicViolations": {"type": "array", "items": {"type": "string"}},
        "qielFailures": {"type": "array", "items": {"type": "string"}},
        "driftScore": {"type": "number", "minimum": 0},
        "performanceBudgetBreach": {"type": "boolean"},
        "modelTier": {"type": "string"}
      }
    }
  }
}`

	resolveSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["action", "nodeId", "reason"],
  "properties": {
    "action": {"$ref": "action.schema.json"},
    "nodeId": {"type": "string", "minLength": 1},
    "reason": {"type": "string", "minLength": 1}
  }
}`
)

// Mutation bodies share the envelope properties description and context.
const (
	envelopeProps = `
    "description": {"type": "string"},
    "context": {"$ref": "action.schema.json#/properties/context"}`

	mergeSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["owner", "repo", "prNumber"],
  "properties": {
    "owner": {"type": "string", "minLength": 1},
    "repo": {"type": "string", "minLength": 1},
    "prNumber": {"type": "integer", "minimum": 1},
    "method": {"enum": ["merge", "squash", "rebase"]},` + envelopeProps + `
  }
}`

	closeIssueSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["owner", "repo", "issueNumber", "reason"],
  "properties": {
    "owner": {"type": "string", "minLength": 1},
    "repo": {"type": "string", "minLength": 1},
    "issueNumber": {"type": "integer", "minimum": 1},
    "reason": {"type": "string", "minLength": 1},
    "linkedPRs": {"type": "array", "items": {"type": "integer", "minimum": 1}},` + envelopeProps + `
  }
}`

	reopenIssueSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["owner", "repo", "issueNumber", "reason"],
  "properties": {
    "owner": {"type": "string", "minLength": 1},
    "repo": {"type": "string", "minLength": 1},
    "issueNumber": {"type": "integer", "minimum": 1},
    "reason": {"type": "string", "minLength": 1},` + envelopeProps + `
  }
}`

	labelsSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["owner", "repo", "number", "labels"],
  "properties": {
    "owner": {"type": "string", "minLength": 1},
    "repo": {"type": "string", "minLength": 1},
    "number": {"type": "integer", "minimum": 1},
    "labels": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}},
    "remove": {"type": "boolean"},` + envelopeProps + `
  }
}`

	commentSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["owner", "repo", "number", "body"],
  "properties": {
    "owner": {"type": "string", "minLength": 1},
    "repo": {"type": "string", "minLength": 1},
    "number": {"type": "integer", "minimum": 1},
    "body": {"type": "string", "minLength": 1},` + envelopeProps + `
  }
}`
)

const schemaBase = "https://foreman.schemas.local/api/"

var (
	schemaDecision = mustCompile("decision.schema.json", decisionSchema)
	schemaDeny     = mustCompile("deny.schema.json", denySchema)
	schemaReauth   = mustCompile("reauthorization.schema.json", reauthSchema)
	schemaCancel   = mustCompile("cancel.schema.json", cancelSchema)
	schemaBlock    = mustCompile("block.schema.json", blockSchema)
	schemaAction   = mustCompile("action.schema.json", actionSchema)
	schemaResolve  = mustCompile("resolve.schema.json", resolveSchema)

	schemaMerge       = mustCompile("merge.schema.json", mergeSchema)
	schemaCloseIssue  = mustCompile("close-issue.schema.json", closeIssueSchema)
	schemaReopenIssue = mustCompile("reopen-issue.schema.json", reopenIssueSchema)
	schemaLabels      = mustCompile("labels.schema.json", labelsSchema)
	schemaComment     = mustCompile("comment.schema.json", commentSchema)
)

func mustCompile(name, schema string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	// resolve and the mutation schemas reference the action schema.
	if err := c.AddResource(schemaBase+"action.schema.json", strings.NewReader(actionSchema)); err != nil {
		panic(fmt.Sprintf("api schema load failed: %v", err))
	}
	if name != "action.schema.json" {
		if err := c.AddResource(schemaBase+name, strings.NewReader(schema)); err != nil {
			panic(fmt.Sprintf("api schema load failed: %v", err))
		}
	}
	s, err := c.Compile(schemaBase + name)
	if err != nil {
		panic(fmt.Sprintf("api schema compile failed: %v", err))
	}
	return s
}

// bodyError is a 400 with per-field messages.
type bodyError struct {
	detail string
	errs   []string
}

func (e *bodyError) Error() string { return e.detail }

// decodeBody reads a JSON body, validates it against schema and decodes it
// into dst with unknown fields disallowed. An empty body is treated as {}.
func decodeBody(w http.ResponseWriter, r *http.Request, schema *jsonschema.Schema, dst any) error {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return &bodyError{detail: "request body could not be read"}
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("{}")
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return &bodyError{detail: "request body is not valid JSON"}
	}
	if err := schema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return &bodyError{detail: "request body failed schema validation", errs: leafMessages(ve)}
		}
		return &bodyError{detail: "request body failed schema validation"}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &bodyError{detail: "request body does not match the expected shape", errs: []string{err.Error()}}
	}
	return nil
}

func leafMessages(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return []string{loc + ": " + ve.Message}
	}
	var out []string
	for _, c := range ve.Causes {
		out = append(out, leafMessages(c)...)
	}
	return out
}

func writeBodyError(w http.ResponseWriter, err error) {
	var be *bodyError
	if errors.As(err, &be) {
		WriteBadRequest(w, be.detail, be.errs...)
		return
	}
	WriteBadRequest(w, err.Error())
}
