package advice

import "strings"

const promptInstruction = "Instruction: Write exactly 5 lines of practical career review and advice for the target country. " +
	"Focus on the most impactful improvements to become hireable. Each line is one sentence, no bullets."

// BuildPrompt renders the model prompt of a profile. Values are interpolated verbatim and the
// Skills line is present only when skills were given.
func BuildPrompt(p Profile) string {
	var b strings.Builder

	line := func(s string) {
		b.WriteString(s)
		b.WriteByte('\n')
	}

	line(promptInstruction)
	line("Country: " + p.Country)
	line("Education: " + p.Education)
	line("Certificate: " + p.Certification)
	if p.Skills != "" {
		line("Skills: " + p.Skills)
	}

	return b.String()
}
