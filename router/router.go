// Package router classifies a student turn into the pedagogical section the
// reply should take.
package router

import (
	"regexp"
	"strings"

	"github.com/creastat/tutoring"
)

// SectionType is the pedagogical category assigned to a reply.
type SectionType string

const (
	MCQValidation SectionType = "MCQ_VALIDATION"
	Recap         SectionType = "RECAP"
	BigIdea       SectionType = "BIG_IDEA"
	Example       SectionType = "EXAMPLE"
	TryIt         SectionType = "TRY_IT"
)

// Input is what a rule sees: the normalized current text and the prior history.
type Input struct {
	Text    string
	History []tutoring.Message
}

// Rule maps a predicate to a section. Rules are evaluated in order; the first match wins.
type Rule struct {
	Name    string
	Match   func(Input) bool
	Section SectionType
}

// Router is an ordered rule list with a default section.
type Router struct {
	rules    []Rule
	fallback SectionType
}

// New returns a router over rules, falling back to BigIdea.
func New(rules ...Rule) *Router {
	return &Router{rules: append([]Rule(nil), rules...), fallback: BigIdea}
}

// Default returns the router with the standard tutoring rule order.
func Default() *Router {
	return New(DefaultRules()...)
}

// Rules returns a copy of the rule list in evaluation order.
func (r *Router) Rules() []Rule {
	return append([]Rule(nil), r.rules...)
}

// Classify returns the section for text given history. It has no hidden state.
func (r *Router) Classify(text string, history []tutoring.Message) SectionType {
	in := Input{Text: normalize(text), History: history}
	for _, rule := range r.rules {
		if rule.Match(in) {
			return rule.Section
		}
	}
	return r.fallback
}

// Classify runs the default router.
func Classify(text string, history []tutoring.Message) SectionType {
	return defaultRouter.Classify(text, history)
}

var defaultRouter = Default()

// DefaultRules returns the standard rule order:
// MCQ answer, confirmation, first reply, example request, hint request.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "mcq_answer", Match: matchMCQ, Section: MCQValidation},
		{Name: "confirmation", Match: matchAny(confirmationPhrases), Section: Recap},
		{Name: "first_reply", Match: noAssistantReply, Section: BigIdea},
		{Name: "example_request", Match: matchAny(examplePhrases, stepsPhrases), Section: Example},
		{Name: "hint_request", Match: matchAny(hintPhrases), Section: TryIt},
	}
}

var (
	// A bare option letter such as "b", "(c)", "d." or "option a".
	mcqOptionPattern = regexp.MustCompile(`^(option\s+)?\(?[a-d]\)?[.):]?$`)

	mcqPrefixes = []string{
		"my answer is",
		"the answer is",
		"answer:",
		"i choose",
		"i pick",
		"i think it's option",
		"i think it is option",
		"i'll go with",
		"i will go with",
		"is it option",
	}

	confirmationPhrases = []string{
		"got it",
		"understood",
		"i understand",
		"thanks",
		"thank you",
		"makes sense",
		"that makes sense",
		"okay i see",
		"ok i see",
		"clear now",
	}

	examplePhrases = []string{
		"example",
		"for instance",
		"show me how",
		"real life",
		"real-world",
		"real world",
	}

	stepsPhrases = []string{
		"step by step",
		"step-by-step",
		"steps",
		"walk me through",
		"in detail",
		"detailed",
		"break it down",
		"explain more",
	}

	hintPhrases = []string{
		"hint",
		"i'm confused",
		"im confused",
		"i am confused",
		"confusing",
		"i don't get",
		"i dont get",
		"i don't understand",
		"i dont understand",
		"stuck",
		"help me",
		"not sure",
	}
)

func matchMCQ(in Input) bool {
	if mcqOptionPattern.MatchString(in.Text) {
		return true
	}
	for _, p := range mcqPrefixes {
		if strings.HasPrefix(in.Text, p) {
			return true
		}
	}
	return false
}

func noAssistantReply(in Input) bool {
	return !tutoring.HasAssistantMessage(in.History)
}

func matchAny(sets ...[]string) func(Input) bool {
	return func(in Input) bool {
		for _, set := range sets {
			for _, phrase := range set {
				if strings.Contains(in.Text, phrase) {
					return true
				}
			}
		}
		return false
	}
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "’", "'")
	return strings.Join(strings.Fields(s), " ")
}
