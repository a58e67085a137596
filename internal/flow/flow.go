// Package flow loads the declarative step table that drives the dialogue
// engine: questions, accepted answers, transitions, message copy and the
// catalog tiers.
package flow

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/ashureev/salesbot/internal/domain"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultFlow []byte

// MaxPageSize bounds how many catalog items one batch may contain.
const MaxPageSize = 10

// Duration is a time.Duration that unmarshals from strings like "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Definition is a complete conversation flow.
type Definition struct {
	Start     domain.Step `yaml:"start"`
	Timeout   Duration    `yaml:"timeout"`
	MaxErrors int         `yaml:"maxErrors"`
	Steps     []Step      `yaml:"steps"`
	Messages  Messages    `yaml:"messages"`
	Catalog   Catalog     `yaml:"catalog"`

	index   map[domain.Step]int
	summary *template.Template
}

// Step is one question of the flow.
type Step struct {
	Name     domain.Step `yaml:"name"`
	Field    string      `yaml:"field"`
	Label    string      `yaml:"label"`
	Prompt   string      `yaml:"prompt"`
	Error    string      `yaml:"error"`
	FreeText bool        `yaml:"freeText"`
	Choices  []Choice    `yaml:"choices"`
	Next     domain.Step `yaml:"next"`
}

// Choice is one accepted answer of a multiple-choice step.
type Choice struct {
	Value  string      `yaml:"value"`
	Accept []string    `yaml:"accept"`
	Label  string      `yaml:"label"`
	Next   domain.Step `yaml:"next"`
	Reply  string      `yaml:"reply"`
}

// Messages holds the copy that is not tied to one step.
type Messages struct {
	Handoff   string `yaml:"handoff"`
	Abandoned string `yaml:"abandoned"`
	ThankYou  string `yaml:"thankYou"`
	Summary   string `yaml:"summary"`
}

// Catalog configures the media catalog branch taken after the last question.
type Catalog struct {
	TierField   string          `yaml:"tierField"`
	PageSize    int             `yaml:"pageSize"`
	TopDir      string          `yaml:"topDir"`
	Extensions  []string        `yaml:"extensions"`
	Affirmative []string        `yaml:"affirmative"`
	Header      string          `yaml:"header"`
	Fallback    string          `yaml:"fallback"`
	MorePrompt  string          `yaml:"morePrompt"`
	FollowUp    string          `yaml:"followUp"`
	Closing     string          `yaml:"closing"`
	Tiers       map[string]Tier `yaml:"tiers"`
}

// Tier maps one answer of the tier field to a catalog directory.
type Tier struct {
	Dir   string `yaml:"dir"`
	Label string `yaml:"label"`
}

// Default returns the built-in flow.
func Default() (*Definition, error) {
	return Parse(defaultFlow)
}

// Load reads a flow from path, or the built-in flow when path is empty.
func Load(path string) (*Definition, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flow file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML flow.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("decode flow: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid flow: %w", err)
	}
	return &def, nil
}

// Validate checks the flow for structural errors and builds lookup tables.
func (d *Definition) Validate() error {
	if len(d.Steps) == 0 {
		return errors.New("no steps defined")
	}
	if d.Timeout <= 0 {
		return errors.New("timeout must be > 0")
	}
	if d.MaxErrors <= 0 {
		return errors.New("maxErrors must be > 0")
	}

	d.index = make(map[domain.Step]int, len(d.Steps))
	for i, s := range d.Steps {
		if s.Name == "" {
			return fmt.Errorf("step %d has no name", i)
		}
		if s.Name == domain.StepCompleted {
			return fmt.Errorf("step name %q is reserved", s.Name)
		}
		if _, dup := d.index[s.Name]; dup {
			return fmt.Errorf("duplicate step %q", s.Name)
		}
		if s.Prompt == "" {
			return fmt.Errorf("step %q has no prompt", s.Name)
		}
		if s.FreeText && len(s.Choices) > 0 {
			return fmt.Errorf("free-text step %q cannot have choices", s.Name)
		}
		if !s.FreeText && len(s.Choices) == 0 {
			return fmt.Errorf("step %q has no choices", s.Name)
		}
		d.index[s.Name] = i
	}

	if d.Start == "" {
		d.Start = d.Steps[0].Name
	}
	if _, ok := d.index[d.Start]; !ok {
		return fmt.Errorf("start step %q not defined", d.Start)
	}

	for _, s := range d.Steps {
		if err := d.checkTarget(s.Name, s.Next); err != nil {
			return err
		}
		seen := make(map[string]bool)
		for _, c := range s.Choices {
			if c.Value == "" {
				return fmt.Errorf("step %q has a choice without value", s.Name)
			}
			if c.Next == "" && s.Next == "" {
				return fmt.Errorf("step %q choice %q has no next step", s.Name, c.Value)
			}
			if err := d.checkTarget(s.Name, c.Next); err != nil {
				return err
			}
			for _, tok := range c.tokens() {
				if seen[tok] {
					return fmt.Errorf("step %q accepts %q twice", s.Name, tok)
				}
				seen[tok] = true
			}
		}
		if s.FreeText && s.Next == "" {
			return fmt.Errorf("free-text step %q has no next step", s.Name)
		}
	}

	if d.Catalog.PageSize <= 0 || d.Catalog.PageSize > MaxPageSize {
		return fmt.Errorf("catalog pageSize must be between 1 and %d", MaxPageSize)
	}
	for value, tier := range d.Catalog.Tiers {
		if tier.Dir == "" {
			return fmt.Errorf("catalog tier %q has no dir", value)
		}
	}

	tmpl, err := template.New("summary").Option("missingkey=zero").Parse(d.Messages.Summary)
	if err != nil {
		return fmt.Errorf("parse summary template: %w", err)
	}
	d.summary = tmpl
	return nil
}

func (d *Definition) checkTarget(from, to domain.Step) error {
	if to == "" || to == domain.StepCompleted {
		return nil
	}
	if _, ok := d.index[to]; !ok {
		return fmt.Errorf("step %q points to undefined step %q", from, to)
	}
	return nil
}

// Step returns the step named name.
func (d *Definition) Step(name domain.Step) (Step, bool) {
	i, ok := d.index[name]
	if !ok {
		return Step{}, false
	}
	return d.Steps[i], true
}

// StepTimeout returns the inactivity timeout armed on every step.
func (d *Definition) StepTimeout() time.Duration {
	return time.Duration(d.Timeout)
}

// Normalize lower-cases and trims user input before matching.
func Normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// Match returns the choice of s accepted by text.
func (s Step) Match(text string) (Choice, bool) {
	norm := Normalize(text)
	if norm == "" {
		return Choice{}, false
	}
	for _, c := range s.Choices {
		for _, tok := range c.tokens() {
			if tok == norm {
				return c, true
			}
		}
	}
	return Choice{}, false
}

// NextFor returns the step that follows choosing c.
func (s Step) NextFor(c Choice) domain.Step {
	if c.Next != "" {
		return c.Next
	}
	return s.Next
}

func (c Choice) tokens() []string {
	out := make([]string, 0, len(c.Accept)+1)
	out = append(out, Normalize(c.Value))
	for _, a := range c.Accept {
		out = append(out, Normalize(a))
	}
	return out
}

// Tier returns the catalog tier selected by answers.
func (d *Definition) Tier(answers map[string]string) (Tier, bool) {
	if d.Catalog.TierField == "" {
		return Tier{}, false
	}
	tier, ok := d.Catalog.Tiers[answers[d.Catalog.TierField]]
	return tier, ok
}

// IsAffirmative reports whether text accepts the "see more" offer.
func (d *Definition) IsAffirmative(text string) bool {
	norm := Normalize(text)
	for _, a := range d.Catalog.Affirmative {
		if Normalize(a) == norm {
			return true
		}
	}
	return false
}

// notSpecified is shown for fields the contact never answered.
const notSpecified = "Not specified"

// Summary renders the requirements summary for answers. Each step field is
// available to the template by name, showing the choice label when one
// exists.
func (d *Definition) Summary(answers map[string]string) (string, error) {
	data := make(map[string]string, len(d.Steps))
	for _, s := range d.Steps {
		if s.Field == "" {
			continue
		}
		data[s.Field] = displayValue(s, answers[s.Field])
	}

	var buf bytes.Buffer
	if err := d.summary.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render summary: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func displayValue(s Step, value string) string {
	if value == "" {
		return notSpecified
	}
	if s.FreeText {
		return value
	}
	for _, c := range s.Choices {
		if c.Value == value {
			if c.Label != "" {
				return c.Label
			}
			return value
		}
	}
	return notSpecified
}

// Expand substitutes the tier label into catalog copy containing {label}.
func Expand(text string, tier Tier) string {
	return strings.ReplaceAll(text, "{label}", tier.Label)
}
