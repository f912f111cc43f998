// Package report renders the progress reports herald writes back into the
// triggering comment.
package report

import (
	"fmt"
	"strings"
)

// Separator divides the original comment body from the report.
const Separator = "\n\n- - - - - - - - - - -\n\n"

// Report is a titled section appended to a comment. The union is closed:
// its methods are unexported, so only this package implements Report, and
// CommandError and Publish are its only variants.
type Report interface {
	title() string
	body() string
	message() string
}

// Render returns the comment body followed by the report. author is the
// login mentioned on the last line.
func Render(original, author string, r Report) string {
	var b strings.Builder
	b.WriteString(original)
	b.WriteString(Separator)
	if t := r.title(); t != "" {
		fmt.Fprintf(&b, "#### *%s*\n\n", t)
	}
	if body := r.body(); body != "" {
		fmt.Fprintf(&b, "%s\n\n", body)
	}
	fmt.Fprintf(&b, "@%s *%s*\n", author, r.message())
	return b.String()
}

// CommandError answers a comment that mentions the bot without a valid command.
type CommandError struct {
	BotName string
}

func (CommandError) title() string { return "Command Error" }
func (CommandError) body() string  { return "" }
func (e CommandError) message() string {
	return fmt.Sprintf("%s was not able to understand your command.", e.BotName)
}

// Step is a stage of the publish pipeline. Steps are totally ordered.
type Step int

const (
	Blocked Step = iota
	Pulling
	Verifying
	Uploading
	UpdatingIndex
	Done
)

var stepNames = map[Step]string{
	Blocked:       "blocked",
	Pulling:       "pulling",
	Verifying:     "verifying",
	Uploading:     "uploading",
	UpdatingIndex: "updating_index",
	Done:          "done",
}

func (s Step) String() string {
	if name, ok := stepNames[s]; ok {
		return name
	}
	return fmt.Sprintf("step(%d)", int(s))
}

var checklist = []struct {
	step Step
	line string
}{
	{Pulling, "- 🚢 Pulling repository\n"},
	{Verifying, "- 🏭 Verifying package\n"},
	{Uploading, "- 📦 Uploading package\n"},
	{UpdatingIndex, "- 📜 Updating index\n"},
	{Done, "- ✔️ Done\n"},
}

// Publish is the state of one publish attempt. Err is set once the attempt
// has failed; Step then stays at the step that failed.
type Publish struct {
	Step      Step
	SourceURL string
	Name      string
	Version   string
	Err       error
}

func (Publish) title() string { return "Publish Package" }

func (p Publish) body() string {
	var b strings.Builder
	if p.Step == Blocked {
		b.WriteString("- 🎅 Blocking waiting for previous tasks\n")
	} else {
		for _, item := range checklist {
			if p.Step >= item.step {
				b.WriteString(item.line)
			}
		}
	}
	if p.Err != nil {
		fmt.Fprintf(&b, "  - ❌ *%s*\n", p.Err)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func (p Publish) message() string {
	switch {
	case p.Err != nil:
		return "Publish failed due to the reason above."
	case p.Step == Blocked:
		return "Publish process will be started soon."
	case p.Step == Done:
		return fmt.Sprintf("Package `%s|%s` has been published. 🚀", p.Name, p.Version)
	default:
		return "Publish process will finish in minutes."
	}
}
