// Package classify assigns subject, knowledge points and difficulty to a video
// from its title, tags and description using keyword rules.
package classify

import (
	"strings"
	"unicode"

	"golang.org/x/text/width"

	"mathvid/internal/model"
)

type Result struct {
	Subject         model.Subject    `json:"subject"`
	KnowledgePoints []string         `json:"knowledge_points"`
	Difficulty      model.Difficulty `json:"difficulty"`
}

type Classifier struct {
	rules     Rules
	points    []compiledPoint
	tiers     []compiledTier
	exclude   []string
	lecturers []compiledLecturer
	priority  map[model.Subject]int
}

type compiledPoint struct {
	label    string
	subject  model.Subject
	keywords []string
}

type compiledTier struct {
	level    model.Difficulty
	keywords []string
}

type compiledLecturer struct {
	subject model.Subject
	names   []string
}

// New compiles rules into a Classifier. The rules are copied; later changes
// to the caller's value do not leak in.
func New(rules Rules) (*Classifier, error) {
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	c := &Classifier{
		rules:    rules,
		priority: make(map[model.Subject]int, len(rules.Subjects)),
	}
	for i, s := range rules.Subjects {
		c.priority[s.Name] = i
	}
	for _, kp := range rules.KnowledgePoints {
		c.points = append(c.points, compiledPoint{label: kp.Label, subject: kp.Subject, keywords: normalizeAll(kp.Keywords)})
	}
	for _, t := range rules.Difficulty {
		c.tiers = append(c.tiers, compiledTier{level: t.Level, keywords: normalizeAll(t.Keywords)})
	}
	c.exclude = normalizeAll(rules.Exclude)
	for _, l := range rules.Lecturers {
		c.lecturers = append(c.lecturers, compiledLecturer{subject: l.Subject, names: normalizeAll(l.Names)})
	}
	return c, nil
}

// NewDefault builds a Classifier over the built-in rule table.
func NewDefault() (*Classifier, error) {
	rules, err := DefaultRules()
	if err != nil {
		return nil, err
	}
	return New(rules)
}

func (c *Classifier) Rules() Rules { return c.rules }

// Classify is pure: the same input always yields the same Result.
func (c *Classifier) Classify(title string, tags []string, description string) Result {
	res := Result{KnowledgePoints: []string{}}
	tagText := strings.Join(tags, " ")
	if containsAny(Normalize(title+" "+tagText), c.exclude) {
		return res
	}
	text := Normalize(title + " " + tagText + " " + description)
	if text == "" {
		return res
	}

	counts := make(map[model.Subject]int)
	for _, p := range c.points {
		if containsAny(text, p.keywords) {
			res.KnowledgePoints = append(res.KnowledgePoints, p.label)
			if p.subject != model.SubjectUnknown {
				counts[p.subject]++
			}
		}
	}
	res.Subject = c.pickSubject(counts)
	if res.Subject == model.SubjectUnknown {
		res.Subject = c.lecturerSubject(text)
	}

	for _, t := range c.tiers {
		if containsAny(text, t.keywords) {
			res.Difficulty = t.level
			break
		}
	}
	return res
}

// pickSubject takes the subject with most matched knowledge points; ties go
// to the subject declared first in the rules.
func (c *Classifier) pickSubject(counts map[model.Subject]int) model.Subject {
	best := model.SubjectUnknown
	bestCount := 0
	for _, s := range c.rules.Subjects {
		n := counts[s.Name]
		if n > bestCount {
			best, bestCount = s.Name, n
		}
	}
	return best
}

func (c *Classifier) lecturerSubject(text string) model.Subject {
	for _, l := range c.lecturers {
		if containsAny(text, l.names) {
			return l.subject
		}
	}
	return model.SubjectUnknown
}

// Normalize folds full-width runes, lowercases, and drops everything that is
// not a letter or digit.
func Normalize(s string) string {
	s = strings.ToLower(width.Fold.String(s))
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func normalizeAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, kw := range in {
		if n := Normalize(kw); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
