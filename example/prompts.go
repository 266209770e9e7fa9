package example

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/c360studio/dtseval/llm"
	"github.com/c360studio/dtseval/packagedata"
)

const systemPrompt = `You are an autonomous agent and an expert in Node.js.
The user is a program that can only interact with you in predetermined ways.
It gives you a task together with instructions on how to answer, and you
complete the task by following those instructions exactly.`

var generationSchema = llm.NewSchema(
	llm.Think("think", "Think about how to complete the current task."),
	llm.Code("example", "Provide the full content of one example file.", "javascript"),
)

// Evaluation answers are phrased as conditions so that "satisfied" is the
// rejecting answer.
const (
	conditionSatisfied   = "satisfied"
	conditionUnsatisfied = "unsatisfied"
)

var evaluationSchema = llm.NewSchema(
	llm.Think("think", "Think about which of the conditions apply to the package."),
	llm.Choice("decision", "Answer satisfied if at least one condition applies, otherwise unsatisfied.",
		conditionSatisfied, conditionUnsatisfied),
)

func generationTask(pkg string) string {
	return fmt.Sprintf(`I want to know how to use the npm package "%[1]s".
Your task is to write one example that imports the package with require("%[1]s") and uses as much of its functionality as possible.
The example must not import packages other than "%[1]s" and the Node.js built-in modules.
The example must terminate on its own, for instance it must close any server it starts.
The example must not wait for user input.`, pkg)
}

func evaluationTask(pkg string) string {
	return fmt.Sprintf(`I want to know whether the npm package "%s" can be used from a standalone Node.js script.
Check the package against the following conditions:
- it only works in a browser
- it only works inside a specific framework or host application
- it cannot run under Node.js at all
- using it requires more setup than running npm install`, pkg)
}

const generationRequest = "Write the example now."

const evaluationRequest = "Decide now."

// packageMessages renders the discovered package material, one message per
// kind of material.
func packageMessages(info *packagedata.Info, maxChars, maxTests int) []string {
	var msgs []string
	if info.Readme != "" {
		msgs = append(msgs, "Here is the readme file of the package repository:\n"+fence(truncate(info.Readme, maxChars), "markdown"))
	}
	if info.Manifest != "" {
		msgs = append(msgs, "Here is the package.json file of the package repository:\n"+fence(truncate(info.Manifest, maxChars), "json"))
	}
	if info.Main != "" {
		msgs = append(msgs, "Here is the main file of the package repository:\n"+fence(truncate(info.Main, maxChars), "javascript"))
	}
	if len(info.Tests) > 0 {
		tests := info.Tests
		if maxTests > 0 && len(tests) > maxTests {
			tests = tests[:maxTests]
		}
		var b strings.Builder
		b.WriteString("Here are some test files of the package repository:")
		for _, tf := range tests {
			fmt.Fprintf(&b, "\n%s:\n%s", tf.Path, fence(truncate(tf.Content, maxChars), "javascript"))
		}
		msgs = append(msgs, b.String())
	}
	return msgs
}

// Feedback turns a rejection into the corrective message of the next attempt.
func Feedback(pkg string, v *Verdict, timeout time.Duration) string {
	switch {
	case v.Outcome == ImportMissing:
		return fmt.Sprintf("Your example does not import the package with require(\"%[1]s\").\n"+
			"Add exactly this import, using the exact package name \"%[1]s\".", pkg)
	case v.TimedOut:
		return fmt.Sprintf("Running your example with Node.js did not finish within %s:\n%s\n"+
			"Make the example finish in under %s without waiting for input.",
			timeout, fence(v.Output, "shell"), timeout)
	default:
		return fmt.Sprintf("Running your example with Node.js failed with exit code %d:\n%s\nFix the error.",
			v.ExitCode, fence(v.Output, "shell"))
	}
}

func formatFeedback(err error) string {
	return fmt.Sprintf("Your answer could not be read: %v.\nAnswer again using exactly the requested sections.", err)
}

func fence(text, lang string) string {
	return "```" + lang + "\n" + strings.TrimRight(text, "\n") + "\n```"
}

func truncate(text string, max int) string {
	if max <= 0 || len(text) <= max {
		return text
	}
	cut := text[:max]
	for !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut + "\n... (truncated)"
}
