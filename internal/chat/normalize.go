package chat

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"regexp"
)

//go:embed qcmappings.json
var qcMappingsJSON []byte

var (
	quickChatPattern = regexp.MustCompile(`\((QuickChat|TeamQuickChat)\) ([A-Za-z_0-9]+)\?`)
	quickChatPhrases = mustLoadPhrases(qcMappingsJSON)
)

func mustLoadPhrases(raw []byte) map[string]string {
	phrases := make(map[string]string)
	if err := json.Unmarshal(raw, &phrases); err != nil {
		panic(fmt.Sprintf("chat: invalid quick chat table: %v", err))
	}
	return phrases
}

// Friendly replaces a QuickChat code in message with its phrase, giving
// "(QuickChat) Yes." for "(QuickChat) GlobalYes?". Unknown codes and plain
// chat come back unchanged.
func Friendly(message string) string {
	m := quickChatPattern.FindStringSubmatch(message)
	if m == nil {
		return message
	}
	phrase, ok := quickChatPhrases[m[2]]
	if !ok {
		return message
	}
	return fmt.Sprintf("(%s) %s", m[1], phrase)
}
