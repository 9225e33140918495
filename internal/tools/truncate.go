package tools

import "fmt"

// Truncate applies the head+tail output budget: when content exceeds
// maxChars, the result keeps the first and last maxChars/2 characters
// around a marker line stating how much was elided. The bool reports
// whether truncation happened.
func Truncate(content string, maxChars int) (string, bool) {
	if maxChars <= 0 || len(content) <= maxChars {
		return content, false
	}
	half := maxChars / 2
	elided := len(content) - 2*half
	marker := fmt.Sprintf("\n... [output truncated: %d characters elided] ...\n", elided)
	return content[:half] + marker + content[len(content)-half:], true
}
