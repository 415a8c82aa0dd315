package slogan

import (
	"strings"
	"unicode"
)

// Actions understood by RuleWriter.Revise.
const (
	actionShorten   = "shorten"
	actionEnergize  = "add energy"
	actionMention   = "mention "
	actionSeparator = "; "
)

// Composer writes and revises slogans.
type Composer interface {
	Compose(task string) SloganResult
	Revise(prev SloganResult, feedback FeedbackResult) SloganResult
}

// Reviewer rates a slogan.
type Reviewer interface {
	Review(s SloganResult) FeedbackResult
}

// ReviewerFunc adapts a function to Reviewer.
type ReviewerFunc func(s SloganResult) FeedbackResult

// Review implements Reviewer.
func (f ReviewerFunc) Review(s SloganResult) FeedbackResult { return f(s) }

// RuleWriter composes slogans from the significant words of the task.
type RuleWriter struct {
	MaxWords int
}

// Compose implements Composer.
func (w RuleWriter) Compose(task string) SloganResult {
	words := significantWords(task)
	if len(words) == 0 {
		words = []string{"Simply", "better"}
	}
	words[0] = capitalize(words[0])
	return SloganResult{Task: task, Slogan: strings.Join(words, " ") + "."}
}

// Revise implements Composer. Every action in the feedback is applied in
// order.
func (w RuleWriter) Revise(prev SloganResult, feedback FeedbackResult) SloganResult {
	s := prev.Slogan
	for _, action := range strings.Split(feedback.Actions, actionSeparator) {
		switch {
		case action == actionShorten:
			words := strings.Fields(s)
			if limit := w.maxWords(); len(words) > limit {
				s = strings.Join(words[:limit], " ")
			}
		case action == actionEnergize:
			s = strings.TrimRight(s, ".!?") + "!"
		case strings.HasPrefix(action, actionMention):
			s = capitalize(strings.TrimPrefix(action, actionMention)) + ": " + s
		}
	}
	return SloganResult{Task: prev.Task, Slogan: s}
}

func (w RuleWriter) maxWords() int {
	if w.MaxWords > 0 {
		return w.MaxWords
	}
	return 8
}

// RuleReviewer scores slogans out of 10. It penalizes slogans that run past
// MaxWords, lack an exclamation and omit the task's keyword (its longest
// word).
type RuleReviewer struct {
	MaxWords int
}

// Review implements Reviewer.
func (r RuleReviewer) Review(s SloganResult) FeedbackResult {
	rating := 10
	var comments, actions []string

	limit := r.MaxWords
	if limit <= 0 {
		limit = 8
	}
	if n := len(strings.Fields(s.Slogan)); n > limit {
		rating -= 3
		comments = append(comments, "too long")
		actions = append(actions, actionShorten)
	}
	if !strings.HasSuffix(s.Slogan, "!") {
		rating -= 3
		comments = append(comments, "lacks energy")
		actions = append(actions, actionEnergize)
	}
	if kw := keyword(s.Task); kw != "" && !strings.Contains(strings.ToLower(s.Slogan), kw) {
		rating -= 4
		comments = append(comments, "does not mention "+kw)
		actions = append(actions, actionMention+kw)
	}

	if len(comments) == 0 {
		comments = []string{"strong slogan"}
	}
	return FeedbackResult{
		Comments: strings.Join(comments, actionSeparator),
		Rating:   max(rating, 1),
		Actions:  strings.Join(actions, actionSeparator),
	}
}

func significantWords(text string) []string {
	var out []string
	for _, w := range strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len([]rune(w)) >= 4 {
			out = append(out, w)
		}
	}
	return out
}

// keyword is the longest significant word of the task, lowercased. Ties go
// to the earlier word.
func keyword(task string) string {
	best := ""
	for _, w := range significantWords(task) {
		if len([]rune(w)) > len([]rune(best)) {
			best = w
		}
	}
	return strings.ToLower(best)
}

func capitalize(s string) string {
	r := []rune(s)
	if len(r) == 0 {
		return s
	}
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
