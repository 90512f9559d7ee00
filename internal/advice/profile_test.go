package advice

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, raw string) any {
	t.Helper()
	var payload any
	require.NoError(t, json.Unmarshal([]byte(raw), &payload))
	return payload
}

func TestValidateProfileAccepts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		raw    string
		expect Profile
	}{
		{
			name:   "required fields only",
			raw:    `{"country":"France","education":"BSc Computer Science","certificate":"AWS Certified Developer"}`,
			expect: Profile{Country: "France", Education: "BSc Computer Science", Certification: "AWS Certified Developer"},
		},
		{
			name:   "with skills",
			raw:    `{"country":"France","education":"BSc","certificate":"AWS","skills":"Python, SQL"}`,
			expect: Profile{Country: "France", Education: "BSc", Certification: "AWS", Skills: "Python, SQL"},
		},
		{
			name:   "null skills",
			raw:    `{"country":"France","education":"BSc","certificate":"AWS","skills":null}`,
			expect: Profile{Country: "France", Education: "BSc", Certification: "AWS"},
		},
		{
			name:   "empty skills",
			raw:    `{"country":"France","education":"BSc","certificate":"AWS","skills":""}`,
			expect: Profile{Country: "France", Education: "BSc", Certification: "AWS"},
		},
		{
			name:   "unknown keys are ignored",
			raw:    `{"country":"Canada","education":"MSc","certificate":"CKA","age":31,"certification":"ignored"}`,
			expect: Profile{Country: "Canada", Education: "MSc", Certification: "CKA"},
		},
		{
			name:   "upper case skills key is unknown",
			raw:    `{"country":"France","education":"BSc","certificate":"AWS","SKILLS":"Python"}`,
			expect: Profile{Country: "France", Education: "BSc", Certification: "AWS"},
		},
		{
			name:   "capitalised keys of any type are ignored",
			raw:    `{"country":"France","education":"BSc","certificate":"AWS","Skills":5,"Country":"Spain"}`,
			expect: Profile{Country: "France", Education: "BSc", Certification: "AWS"},
		},
		{
			name:   "exact key wins over a capitalised one",
			raw:    `{"country":"France","education":"BSc","certificate":"AWS","skills":"Go","Skills":"Rust"}`,
			expect: Profile{Country: "France", Education: "BSc", Certification: "AWS", Skills: "Go"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			profile, err := ValidateProfile(decode(t, tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.expect, profile)
		})
	}
}

func TestValidateProfileRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		raw   string
		field string
	}{
		{name: "missing education", raw: `{"country":"France","certificate":"AWS"}`, field: "education"},
		{name: "missing certificate", raw: `{"country":"France","education":"BSc"}`, field: "certificate"},
		{name: "internal name is not accepted", raw: `{"country":"France","education":"BSc","certification":"AWS"}`, field: "certificate"},
		{name: "number is not coerced", raw: `{"country":42,"education":"BSc","certificate":"AWS"}`, field: "country"},
		{name: "boolean is not coerced", raw: `{"country":"France","education":true,"certificate":"AWS"}`, field: "education"},
		{name: "array is not coerced", raw: `{"country":"France","education":"BSc","certificate":["AWS"]}`, field: "certificate"},
		{name: "null required field", raw: `{"country":null,"education":"BSc","certificate":"AWS"}`, field: "country"},
		{name: "empty required field", raw: `{"country":"France","education":"","certificate":"AWS"}`, field: "education"},
		{name: "non-string skills", raw: `{"country":"France","education":"BSc","certificate":"AWS","skills":5}`, field: "skills"},
		{name: "first invalid field wins", raw: `{"certificate":1}`, field: "country"},
		{name: "array body", raw: `[1,2]`, field: "body"},
		{name: "scalar body", raw: `"France"`, field: "body"},
		{name: "null body", raw: `null`, field: "body"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ValidateProfile(decode(t, tt.raw))
			require.Error(t, err)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
			assert.NotEmpty(t, verr.Reason)
		})
	}
}
