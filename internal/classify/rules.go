package classify

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"mathvid/internal/model"
)

//go:embed rules.yaml
var defaultRulesYAML []byte

// Rules is the keyword configuration behind a Classifier. It is plain data:
// swap the file, not the code.
type Rules struct {
	Subjects        []SubjectRule        `yaml:"subjects"`
	KnowledgePoints []KnowledgePointRule `yaml:"knowledge_points"`
	Difficulty      []DifficultyRule     `yaml:"difficulty"`
	Exclude         []string             `yaml:"exclude"`
	Lecturers       []LecturerRule       `yaml:"lecturers"`
}

type SubjectRule struct {
	Name    model.Subject `yaml:"name"`
	Aliases []string      `yaml:"aliases"`
}

type KnowledgePointRule struct {
	Label    string        `yaml:"label"`
	Subject  model.Subject `yaml:"subject"`
	Keywords []string      `yaml:"keywords"`
}

type DifficultyRule struct {
	Level    model.Difficulty `yaml:"level"`
	Keywords []string         `yaml:"keywords"`
}

type LecturerRule struct {
	Subject model.Subject `yaml:"subject"`
	Names   []string      `yaml:"names"`
}

// DefaultRules returns the built-in rule table.
func DefaultRules() (Rules, error) {
	return ParseRules(defaultRulesYAML)
}

// LoadRules reads a YAML rule file; an empty path yields the built-in table.
func LoadRules(path string) (Rules, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultRules()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("read rules: %w", err)
	}
	return ParseRules(b)
}

func ParseRules(b []byte) (Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(b, &r); err != nil {
		return Rules{}, fmt.Errorf("parse rules: %w", err)
	}
	if err := r.Validate(); err != nil {
		return Rules{}, err
	}
	return r, nil
}

func (r Rules) Validate() error {
	if len(r.Subjects) == 0 {
		return errors.New("rules: at least one subject is required")
	}
	subjects := make(map[model.Subject]struct{}, len(r.Subjects))
	for _, s := range r.Subjects {
		if strings.TrimSpace(string(s.Name)) == "" {
			return errors.New("rules: subject with empty name")
		}
		if _, dup := subjects[s.Name]; dup {
			return fmt.Errorf("rules: duplicate subject %q", s.Name)
		}
		subjects[s.Name] = struct{}{}
	}
	labels := make(map[string]struct{}, len(r.KnowledgePoints))
	for _, kp := range r.KnowledgePoints {
		if strings.TrimSpace(kp.Label) == "" {
			return errors.New("rules: knowledge point with empty label")
		}
		if _, dup := labels[kp.Label]; dup {
			return fmt.Errorf("rules: duplicate knowledge point %q", kp.Label)
		}
		labels[kp.Label] = struct{}{}
		if kp.Subject != model.SubjectUnknown {
			if _, ok := subjects[kp.Subject]; !ok {
				return fmt.Errorf("rules: knowledge point %q references unknown subject %q", kp.Label, kp.Subject)
			}
		}
		if err := checkKeywords("knowledge point "+kp.Label, kp.Keywords); err != nil {
			return err
		}
	}
	for _, tier := range r.Difficulty {
		if !tier.Level.Valid() {
			return fmt.Errorf("rules: unknown difficulty level %q", tier.Level)
		}
		if err := checkKeywords("difficulty "+string(tier.Level), tier.Keywords); err != nil {
			return err
		}
	}
	if err := checkKeywords("exclude", r.Exclude); err != nil {
		return err
	}
	for _, l := range r.Lecturers {
		if _, ok := subjects[l.Subject]; !ok {
			return fmt.Errorf("rules: lecturers reference unknown subject %q", l.Subject)
		}
		if err := checkKeywords("lecturers "+string(l.Subject), l.Names); err != nil {
			return err
		}
	}
	return nil
}

func checkKeywords(owner string, keywords []string) error {
	for _, kw := range keywords {
		if Normalize(kw) == "" {
			return fmt.Errorf("rules: %s has a keyword that normalises to nothing (%q)", owner, kw)
		}
	}
	return nil
}

// ResolveSubject maps a subject name or alias to its canonical subject.
func (r Rules) ResolveSubject(v string) (model.Subject, bool) {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return model.SubjectUnknown, false
	}
	for _, s := range r.Subjects {
		if strings.ToLower(string(s.Name)) == v {
			return s.Name, true
		}
		for _, a := range s.Aliases {
			if strings.ToLower(strings.TrimSpace(a)) == v {
				return s.Name, true
			}
		}
	}
	return model.SubjectUnknown, false
}

// TopicsOf lists the knowledge point labels of subject in declaration order.
func (r Rules) TopicsOf(subject model.Subject) []string {
	var out []string
	for _, kp := range r.KnowledgePoints {
		if kp.Subject == subject {
			out = append(out, kp.Label)
		}
	}
	return out
}
