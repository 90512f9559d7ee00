package advice

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/xeipuuv/gojsonschema"
)

const bodyField = "body"

// Profile is the validated career profile of one request. The external key "certificate"
// maps to Certification.
type Profile struct {
	Country       string `mapstructure:"country"`
	Education     string `mapstructure:"education"`
	Certification string `mapstructure:"certificate"`
	Skills        string `mapstructure:"skills"`
}

//go:embed profile.schema.json
var profileSchemaJSON []byte

var profileSchema = mustSchema(profileSchemaJSON)

// fieldOrder decides which field is reported when several are invalid.
var fieldOrder = []string{"country", "education", "certificate", "skills"}

func mustSchema(raw []byte) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		panic(fmt.Sprintf("compile profile schema: %v", err))
	}
	return schema
}

// ValidateProfile checks a decoded JSON payload and converts it to a Profile. Unknown keys
// are ignored and values are never coerced.
func ValidateProfile(payload any) (Profile, error) {
	doc, ok := payload.(map[string]any)
	if !ok {
		return Profile{}, &ValidationError{Field: bodyField, Reason: "request body must be a JSON object"}
	}

	result, err := profileSchema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return Profile{}, &ValidationError{Field: bodyField, Reason: err.Error()}
	}

	if !result.Valid() {
		return Profile{}, firstViolation(result.Errors())
	}

	var p Profile
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:    &p,
		MatchName: exactName,
	})
	if err != nil {
		return Profile{}, err
	}
	if err := decoder.Decode(doc); err != nil {
		return Profile{}, &ValidationError{Field: bodyField, Reason: err.Error()}
	}

	return p, nil
}

// exactName keeps keys like "Skills" from landing in the skills field.
func exactName(mapKey, fieldName string) bool {
	return mapKey == fieldName
}

func firstViolation(errs []gojsonschema.ResultError) *ValidationError {
	reasons := make(map[string]string, len(errs))
	for _, desc := range errs {
		field := desc.Field()
		// required violations are reported on the parent object
		if prop, ok := desc.Details()["property"].(string); ok && prop != "" {
			field = prop
		}
		field = strings.TrimPrefix(field, "(root).")
		if _, seen := reasons[field]; !seen {
			reasons[field] = desc.Description()
		}
	}

	for _, field := range fieldOrder {
		if reason, ok := reasons[field]; ok {
			return &ValidationError{Field: field, Reason: reason}
		}
	}

	return &ValidationError{Field: bodyField, Reason: "profile does not match the schema"}
}
