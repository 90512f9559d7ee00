package tokenizer

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

type normalizer func(string) string

type normalizerSpec struct {
	Type                string           `json:"type"`
	Normalizers         []normalizerSpec `json:"normalizers"`
	PrecompiledCharsmap []byte           `json:"precompiled_charsmap"`
	Pattern             struct {
		String *string `json:"String"`
		Regex  *string `json:"Regex"`
	} `json:"pattern"`
	Content string `json:"content"`
}

func identity(s string) string { return s }

// buildNormalizer turns the normalizer section of tokenizer.json into a function. A file
// without one leaves text untouched.
func buildNormalizer(spec *normalizerSpec) (normalizer, error) {
	if spec == nil {
		return identity, nil
	}

	switch spec.Type {
	case "Sequence":
		steps := make([]normalizer, 0, len(spec.Normalizers))
		for i := range spec.Normalizers {
			step, err := buildNormalizer(&spec.Normalizers[i])
			if err != nil {
				return nil, err
			}
			steps = append(steps, step)
		}
		return func(s string) string {
			for _, step := range steps {
				s = step(s)
			}
			return s
		}, nil
	case "Precompiled":
		if len(spec.PrecompiledCharsmap) == 0 {
			return identity, nil
		}
		m, err := parseCharsmap(spec.PrecompiledCharsmap)
		if err != nil {
			return nil, err
		}
		return m.normalize, nil
	case "NFC":
		return norm.NFC.String, nil
	case "NFD":
		return norm.NFD.String, nil
	case "NFKC":
		return norm.NFKC.String, nil
	case "NFKD":
		return norm.NFKD.String, nil
	case "Lowercase":
		return strings.ToLower, nil
	case "Replace":
		content := spec.Content
		switch {
		case spec.Pattern.String != nil:
			pattern := *spec.Pattern.String
			return func(s string) string { return strings.ReplaceAll(s, pattern, content) }, nil
		case spec.Pattern.Regex != nil:
			re, err := regexp.Compile(*spec.Pattern.Regex)
			if err != nil {
				return nil, fmt.Errorf("replace normalizer: %w", err)
			}
			return func(s string) string { return re.ReplaceAllLiteralString(s, content) }, nil
		default:
			return nil, errors.New("replace normalizer without a pattern")
		}
	default:
		return nil, fmt.Errorf("unsupported normalizer %q", spec.Type)
	}
}
