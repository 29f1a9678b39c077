package bus

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// envelopeSchemas holds one JSON schema per message type. Payloads failing
// validation are rejected at publish time and dead-lettered on receipt.
var envelopeSchemas = map[string]string{}

const commonEnvelopeProps = `
		"messageType": {"type": "string", "minLength": 1},
		"correlationId": {"type": "string", "minLength": 1}`

const objectIDPattern = `"type": "string", "pattern": "^[0-9a-fA-F]{24}$"`

func init() {
	envelopeSchemas["library_scan"] = `{
	"type": "object",
	"required": ["messageType", "correlationId", "libraryId", "libraryPath", "scanType"],
	"properties": {` + commonEnvelopeProps + `,
		"libraryId": {` + objectIDPattern + `},
		"libraryPath": {"type": "string", "minLength": 1},
		"scanType": {"enum": ["full", "incremental"]},
		"includeSubfolders": {"type": "boolean"},
		"resumeIncomplete": {"type": "boolean"},
		"overwriteExisting": {"type": "boolean"}
	}
}`

	envelopeSchemas["collection_scan"] = `{
	"type": "object",
	"required": ["messageType", "correlationId", "collectionId", "collectionPath", "jobId"],
	"properties": {` + commonEnvelopeProps + `,
		"collectionId": {` + objectIDPattern + `},
		"collectionPath": {"type": "string", "minLength": 1},
		"forceRescan": {"type": "boolean"},
		"thumbnailW": {"type": "integer", "minimum": 1},
		"thumbnailH": {"type": "integer", "minimum": 1},
		"cacheW": {"type": "integer", "minimum": 1},
		"cacheH": {"type": "integer", "minimum": 1},
		"jobId": {` + objectIDPattern + `}
	}
}`

	envelopeSchemas["thumbnail_generation"] = `{
	"type": "object",
	"required": ["messageType", "correlationId", "imageId", "collectionId", "imagePath", "width", "height", "jobId"],
	"properties": {` + commonEnvelopeProps + `,
		"imageId": {` + objectIDPattern + `},
		"collectionId": {` + objectIDPattern + `},
		"imagePath": {"type": "string", "minLength": 1},
		"filename": {"type": "string"},
		"width": {"type": "integer", "minimum": 1},
		"height": {"type": "integer", "minimum": 1},
		"jobId": {` + objectIDPattern + `}
	}
}`

	envelopeSchemas["cache_generation"] = `{
	"type": "object",
	"required": ["messageType", "correlationId", "imageId", "collectionId", "imagePath", "width", "height", "jobId"],
	"properties": {` + commonEnvelopeProps + `,
		"imageId": {` + objectIDPattern + `},
		"collectionId": {` + objectIDPattern + `},
		"imagePath": {"type": "string", "minLength": 1},
		"cachePath": {"type": "string"},
		"width": {"type": "integer", "minimum": 1},
		"height": {"type": "integer", "minimum": 1},
		"quality": {"type": "integer", "minimum": 1, "maximum": 100},
		"format": {"type": "string"},
		"forceRegenerate": {"type": "boolean"},
		"jobId": {` + objectIDPattern + `}
	}
}`

	compiled = make(map[string]*gojsonschema.Schema, len(envelopeSchemas))

	for messageType, raw := range envelopeSchemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
		if err != nil {
			panic(fmt.Sprintf("bus: invalid schema for %s: %v", messageType, err))
		}

		compiled[messageType] = schema
	}
}

var compiled map[string]*gojsonschema.Schema

// ValidatePayload checks a serialized envelope against its schema. The
// returned error wraps ErrValidation so callers can route to the DLQ.
func ValidatePayload(messageType string, payload []byte) error {
	schema, ok := compiled[messageType]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessageType, messageType)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrValidation, messageType, err)
	}

	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		problems = append(problems, re.String())
	}

	return fmt.Errorf("%w: %s: %s", ErrValidation, messageType, strings.Join(problems, "; "))
}
