package classifier

import (
	"strings"

	"github.com/fyrsmithlabs/plannerd/internal/task"
)

var (
	actVerbs = []string{
		"click", "tap", "press", "scroll", "navigate", "go to", "open",
		"type ", "enter ", "fill", "submit", "select", "hover", "log in", "sign in",
	}
	editVerbs = []string{
		"add", "create", "build", "make", "change", "update", "remove", "delete",
		"replace", "move", "resize", "style", "color", "colour", "bigger", "smaller",
		"bold", "center", "align", "rename", "insert",
	}
	// references that need previous context to resolve
	deictics = []string{"that", "this", "it", "those", "these", "them"}
)

// heuristicType picks a task type from keywords. Unresolvable references and
// instructions with no known verb are clarify.
func heuristicType(rawText, previousContext string) (task.Type, string) {
	text := " " + strings.ToLower(strings.TrimSpace(rawText)) + " "

	if previousContext == "" && hasDeictic(text) {
		return task.TypeClarify, "refers to something with no previous context"
	}
	for _, v := range actVerbs {
		if strings.Contains(text, " "+v) {
			return task.TypeAct, "matched action keyword " + strings.TrimSpace(v)
		}
	}
	for _, v := range editVerbs {
		if strings.Contains(text, " "+v) {
			return task.TypeEdit, "matched edit keyword " + v
		}
	}
	return task.TypeClarify, FailedExplanation
}

func hasDeictic(text string) bool {
	for _, w := range strings.FieldsFunc(text, func(r rune) bool {
		return !(r >= 'a' && r <= 'z')
	}) {
		for _, d := range deictics {
			if w == d {
				return true
			}
		}
	}
	return false
}
