package agent

import "strings"

var emphasisStripper = strings.NewReplacer("*", "", "_", "", "~", "", "`", "")

// stripEmphasis removes markdown emphasis characters, which must not reach
// the synthesizer.
func stripEmphasis(reply string) string {
	return strings.TrimSpace(emphasisStripper.Replace(reply))
}
