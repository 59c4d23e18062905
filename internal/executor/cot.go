package executor

import (
	"regexp"
	"strings"
)

// Lines a specialist writes while thinking out loud rather than answering.
var cotPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(let me|i should|i need to|we should|we need to|hmm|ok so|alright)\b`),
	regexp.MustCompile(`(?i)^(let's|i'll|i'm going to|first,? i)\b`),
	regexp.MustCompile(`(?i)^(wait|actually|oh|now)\b`),
	regexp.MustCompile(`(?i)^(thinking|to answer|to respond)\b`),
	regexp.MustCompile(`(?i)must ans\.\.\.`),
	regexp.MustCompile(`(?i)follow output rules`),
	regexp.MustCompile(`(?i)respond in japanese`),
	regexp.MustCompile(`(?i)provide format\?`),
	regexp.MustCompile(`(?i)output nothing\?`),
	regexp.MustCompile(`(?i)within constraints`),
	regexp.MustCompile(`(?i)we need to comply`),
	regexp.MustCompile(`(?i)comply with`),
	regexp.MustCompile(`(?i)answer in japanese`),
	regexp.MustCompile(`(?i)should respond`),
	regexp.MustCompile(`(?i)maybe stating`),
	regexp.MustCompile(`(?i)stating no results`),
	regexp.MustCompile(`^(考え|思考|まず|では|えーと|うーん)`),
	regexp.MustCompile(`^(検討|分析|確認)`),
}

var onlyBullets = regexp.MustCompile(`^[\s•\-*]*$`)

// FilterChainOfThought drops leaked reasoning lines from a specialist
// response. Blank lines and everything inside fenced code blocks are kept.
// A response left with nothing but bullets and whitespace becomes "".
// Applying the filter twice gives the same result as applying it once.
func FilterChainOfThought(text string) string {
	if text == "" {
		return ""
	}
	lines := strings.Split(text, "\n")
	kept := make([]string, 0, len(lines))
	inFence := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			kept = append(kept, line)
			continue
		}
		if inFence || trimmed == "" || !isThinking(trimmed) {
			kept = append(kept, line)
		}
	}
	out := strings.TrimSpace(strings.Join(kept, "\n"))
	if onlyBullets.MatchString(out) {
		return ""
	}
	return out
}

func isThinking(line string) bool {
	for _, re := range cotPatterns {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}
