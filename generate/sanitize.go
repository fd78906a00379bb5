package generate

import "strings"

// leadingFences are checked in order; only the first match is removed.
var leadingFences = []string{"```bash", "```sh", "```"}

// Sanitize strips surrounding whitespace and a single layer of markdown
// code fence from raw model output.
func Sanitize(raw string) string {
	s := strings.TrimSpace(raw)
	for _, fence := range leadingFences {
		if strings.HasPrefix(s, fence) {
			s = s[len(fence):]
			break
		}
	}
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
