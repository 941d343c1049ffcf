// Package extract pulls structured artifacts out of free-form generated text.
package extract

import "regexp"

// Matches the first fenced code block with an optional language tag. Dot
// matches newline and the interior match is non-greedy, so nested backticks in
// later blocks never extend the first one.
var fencedBlockRegex = regexp.MustCompile("(?s)```[a-zA-Z0-9_+.-]*\n(.*?)```")

// Artifact returns the interior of the first triple-backtick fenced block in
// text, verbatim, including internal whitespace and newlines. The second
// return is false when text carries no fenced block; absence is a recoverable
// condition and the caller decides how to react.
func Artifact(text string) (string, bool) {
	match := fencedBlockRegex.FindStringSubmatch(text)
	if match == nil {
		return "", false
	}
	return match[1], true
}
