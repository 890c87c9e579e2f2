// Package schema provides JSON schema validation for request bodies.
// Schemas check the shape of a body (value types, array items, nested objects)
// before it is decoded; business rules such as bounds and required fields are
// enforced by the domain packages so their field order is preserved.
package schema

import (
	"fmt"
	"sort"

	errordefs "github.com/RegistryAccord/registryaccord-missions-go/internal/errors"
	"github.com/xeipuuv/gojsonschema"
)

// Request body names, one per mutating route.
const (
	CreateMission   = "mission.create"
	AcceptMission   = "mission.accept"
	SubmitResponse  = "response.submit"
	StatusChange    = "response.statusChange"
	GenerateVoice   = "voice.generate"
	InitiateBurn    = "burn.initiate"
	RecordingUpload = "recording.uploadInit"
)

// rawSchemas maps request names to their JSON schemas.
var rawSchemas = map[string]string{
	CreateMission: `{"type":"object","properties":{
		"title":{"type":"string"},
		"description":{"type":"string"},
		"difficulty":{"type":"string"},
		"language":{"type":"string"},
		"topic":{"type":"string"},
		"tags":{"type":"array","items":{"type":"string"}},
		"targetDuration":{"type":"integer"},
		"expirationDays":{"type":"integer"},
		"baseReward":{"type":"string"},
		"rewardModel":{"type":"string"},
		"budgetAllocation":{"type":"string"},
		"creatorStake":{"type":"string"},
		"qualityCriteria":{"type":["object","null"],"properties":{
			"minDuration":{"type":["integer","null"]},
			"maxDuration":{"type":["integer","null"]},
			"transcriptionRequired":{"type":"boolean"},
			"audioMinScore":{"type":["integer","null"]}}},
		"locationBased":{"type":"boolean"},
		"maxParticipants":{"type":["integer","null"]},
		"autoExpire":{"type":["boolean","null"]}}}`,

	AcceptMission: `{"type":"object","properties":{"userId":{"type":"string"}}}`,

	SubmitResponse: `{"type":"object","properties":{
		"missionId":{"type":"string"},
		"userId":{"type":"string"},
		"recordingId":{"type":"string"},
		"contentHash":{"type":"string"},
		"location":{"type":["object","null"],"properties":{
			"city":{"type":"string"},
			"country":{"type":"string"},
			"lat":{"type":["number","null"]},
			"lng":{"type":["number","null"]}}},
		"context":{"type":"string"},
		"participantConsent":{"type":["boolean","null"]},
		"consentProof":{"type":"string"},
		"isAnonymized":{"type":"boolean"},
		"voiceObfuscated":{"type":"boolean"},
		"transcription":{"type":"string"},
		"qualityScore":{"type":["integer","null"]},
		"audio":{"type":["object","null"],"properties":{
			"durationSeconds":{"type":"number"},
			"bitrate":{"type":"integer"},
			"sampleRate":{"type":"integer"},
			"format":{"type":"string"}}},
		"synthesizeVoice":{"type":"boolean"}}}`,

	StatusChange: `{"type":"object","properties":{"reason":{"type":"string","maxLength":1000}}}`,

	GenerateVoice: `{"type":"object","properties":{"text":{"type":"string"},"voiceId":{"type":"string","maxLength":128}}}`,

	InitiateBurn: `{"type":"object","properties":{
		"actionType":{"type":"string"},
		"recordingId":{"type":"string"},
		"metadata":{"type":"object","additionalProperties":{"type":"string"}}}}`,

	RecordingUpload: `{"type":"object","required":["filename","mimeType","size"],"properties":{
		"filename":{"type":"string","minLength":1,"maxLength":255},
		"mimeType":{"type":"string","minLength":1},
		"size":{"type":"integer","minimum":1},
		"checksum":{"type":"string"}}}`,
}

// Validator validates request bodies against compiled JSON schemas.
type Validator struct {
	schemas map[string]*gojsonschema.Schema // Map of request names to compiled schemas
}

// NewValidator compiles every request schema.
func NewValidator() (*Validator, error) {
	v := &Validator{schemas: make(map[string]*gojsonschema.Schema, len(rawSchemas))}
	for name, raw := range rawSchemas {
		if err := v.loadSchema(name, raw); err != nil {
			return nil, fmt.Errorf("failed to load schemas: %w", err)
		}
	}
	return v, nil
}

// loadSchema parses and compiles one schema.
func (v *Validator) loadSchema(name, schemaJSON string) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return fmt.Errorf("invalid schema for %s: %w", name, err)
	}
	v.schemas[name] = schema
	return nil
}

// Validate checks body against the named schema. A body that is not a JSON
// object yields MSN_BAD_REQUEST; a field of the wrong shape yields
// MSN_VALIDATION naming the field. When several fields fail, the
// alphabetically first is reported so the result is stable.
func (v *Validator) Validate(name string, body []byte) error {
	schema, ok := v.schemas[name]
	if !ok {
		return errordefs.Internal("unknown request schema "+name, nil)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return errordefs.New(errordefs.MSN_BAD_REQUEST, "request body is not valid JSON")
	}
	if result.Valid() {
		return nil
	}

	errs := result.Errors()
	sort.SliceStable(errs, func(i, j int) bool { return fieldOf(errs[i]) < fieldOf(errs[j]) })
	first := errs[0]
	field := fieldOf(first)
	if field == "" {
		return errordefs.New(errordefs.MSN_BAD_REQUEST, "request body must be a JSON object")
	}
	return errordefs.Validation(field, first.Description())
}

// rootField is what gojsonschema reports for the document itself.
const rootField = "(root)"

// fieldOf names the failing field; required-property errors report the
// missing property rather than its parent.
func fieldOf(e gojsonschema.ResultError) string {
	field := e.Field()
	if e.Type() == "required" {
		if prop, ok := e.Details()["property"].(string); ok {
			if field == rootField {
				return prop
			}
			return field + "." + prop
		}
	}
	if field == rootField {
		return ""
	}
	return field
}
