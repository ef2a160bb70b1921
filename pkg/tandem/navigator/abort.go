// Package navigator – abort.go implements abort trigger detection: natural
// language stop phrases, in several languages, recognized as standalone
// messages so a mid-turn "stop" cancels instead of interjecting.
package navigator

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// abortTriggers are phrases that request an abort when sent as a standalone
// message while a turn is running.
var abortTriggers = map[string]bool{
	// English
	"stop": true, "esc": true, "abort": true, "wait": true, "interrupt": true,
	"halt": true, "please stop": true, "stop please": true,
	"stop tandem": true, "tandem stop": true,
	"stop the agent": true, "stop agent": true,
	"stop current run": true, "stop run": true,

	// Portuguese
	"pare": true, "parar": true, "pare por favor": true, "por favor pare": true,
	"pare agora": true, "interromper": true, "cancela": true, "cancelar": true,

	// Spanish
	"detente": true, "deten": true, "detén": true, "alto": true,

	// French
	"arrete": true, "arrête": true, "arreter": true, "arrêter": true,

	// German
	"stopp": true, "anhalten": true, "aufhören": true, "hör auf": true,

	// Chinese
	"停止": true, "停": true,

	// Japanese
	"やめて": true, "止めて": true, "ストップ": true,

	// Russian
	"стоп": true, "остановись": true, "прекрати": true, "стой": true,
}

// trailingPunctuationRE strips trailing punctuation before trigger lookup.
var trailingPunctuationRE = regexp.MustCompile(`[.!?…,，。;；:：'"')\]}]+$`)

// IsAbortTrigger reports whether text is a standalone abort request, either
// the /stop command or a known stop phrase.
func IsAbortTrigger(text string) bool {
	normalized := normalizeAbortText(text)
	if normalized == "" {
		return false
	}
	if normalized == "/stop" {
		return true
	}
	return abortTriggers[normalized]
}

// normalizeAbortText lowercases, NFKC-normalizes, straightens apostrophes,
// strips trailing punctuation, and collapses whitespace.
func normalizeAbortText(text string) string {
	normalized := norm.NFKC.String(text)
	normalized = strings.ToLower(normalized)

	normalized = strings.Map(func(r rune) rune {
		if r == '’' || r == '‘' || r == '`' {
			return '\''
		}
		return r
	}, normalized)

	normalized = trailingPunctuationRE.ReplaceAllString(normalized, "")
	normalized = strings.Join(strings.Fields(normalized), " ")
	return strings.TrimSpace(normalized)
}
