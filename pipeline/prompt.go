package pipeline

import (
	"fmt"
	"strings"

	"github.com/creastat/tutoring"
	"github.com/creastat/tutoring/completion"
	"github.com/creastat/tutoring/router"
)

// sectionInstructions is the per-section system prompt.
var sectionInstructions = map[router.SectionType]string{
	router.MCQValidation: "The student answered a multiple-choice question. Say whether the choice is right, " +
		"explain the reasoning behind the correct option in two or three sentences, then ask a short follow-up.",
	router.Recap: "The student signalled understanding. Recap the key points covered so far as a short list " +
		"and suggest what to explore next.",
	router.BigIdea: "Introduce the big idea behind the student's question in plain language. " +
		"Keep it short, use one analogy, and end with a question that checks understanding.",
	router.Example: "Give one concrete worked example, step by step, that illustrates the concept under discussion.",
	router.TryIt: "The student is stuck. Give a hint rather than the answer, then pose a small practice problem " +
		"they can try right away.",
}

const tutorPreamble = "You are a patient tutor. Answer in the student's language and stay on the session subject."

// buildPrompt assembles the system prompt, the compressed history and the
// current input into completion messages.
func buildPrompt(section router.SectionType, sc tutoring.SessionContext, turn Turn) []completion.PromptMessage {
	history := tutoring.CompressHistory(sc.History)
	msgs := make([]completion.PromptMessage, 0, len(history)+2)
	msgs = append(msgs, completion.PromptMessage{
		Role:    completion.RoleSystem,
		Content: systemPrompt(section, sc),
	})

	for _, m := range history {
		role := completion.RoleUser
		if m.Sender == tutoring.SenderAssistant {
			role = completion.RoleAssistant
		}
		msgs = append(msgs, completion.PromptMessage{Role: role, Content: messageText(m.Content, m.ImageURL)})
	}

	msgs = append(msgs, completion.PromptMessage{
		Role:    completion.RoleUser,
		Content: messageText(turn.Text, turn.ImageURL),
	})
	return msgs
}

func systemPrompt(section router.SectionType, sc tutoring.SessionContext) string {
	var b strings.Builder
	b.WriteString(tutorPreamble)
	if sc.Subject != "" {
		fmt.Fprintf(&b, "\nSubject: %s.", sc.Subject)
	}
	if sc.Curriculum.Level != "" {
		fmt.Fprintf(&b, "\nLevel: %s.", sc.Curriculum.Level)
	}
	if len(sc.Curriculum.Objectives) > 0 {
		b.WriteString("\nObjectives: " + strings.Join(sc.Curriculum.Objectives, "; ") + ".")
	}

	instruction, ok := sectionInstructions[section]
	if !ok {
		instruction = sectionInstructions[router.BigIdea]
	}
	b.WriteString("\n\n" + instruction)

	if len(sc.Curriculum.References) > 0 {
		b.WriteString("\n\nReference material:")
		for _, ref := range sc.Curriculum.References {
			if ref.Title != "" {
				fmt.Fprintf(&b, "\n- %s: %s", ref.Title, ref.Content)
			} else {
				b.WriteString("\n- " + ref.Content)
			}
		}
	}
	return b.String()
}

func messageText(content, imageURL string) string {
	if imageURL == "" {
		return content
	}
	if content == "" {
		return "[image: " + imageURL + "]"
	}
	return content + "\n[image: " + imageURL + "]"
}
