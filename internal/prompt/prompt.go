// Package prompt provides the confirmation capability injected into the
// relocation engine, so orchestration logic stays testable headlessly.
package prompt

import (
	"fmt"
	"strings"
)

// Func answers a Yes/No question put to the operator.
type Func func(question string) bool

// Terminal returns a Func that asks on stdout and reads the answer from
// stdin. Anything other than y/yes counts as No.
func Terminal() Func {
	return func(question string) bool {
		fmt.Printf("%s (y/N): ", question)
		var response string
		fmt.Scanln(&response)
		switch strings.ToLower(strings.TrimSpace(response)) {
		case "y", "yes":
			return true
		}
		return false
	}
}

// AssumeYes answers yes to every question. Used with --yes.
func AssumeYes() Func {
	return func(string) bool { return true }
}

// Scripted answers questions from a fixed list, then refuses. Test helper.
func Scripted(answers ...bool) Func {
	i := 0
	return func(string) bool {
		if i >= len(answers) {
			return false
		}
		a := answers[i]
		i++
		return a
	}
}
