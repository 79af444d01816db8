// Package models defines the question catalog, interview session and action types shared by the engine.
package models

import (
	"encoding/json"
	"fmt"
	"sort"
)

// QuestionType is the closed set of question types the engine understands.
type QuestionType string

const (
	// QuestionTypeInput is a single-line free text answer.
	QuestionTypeInput QuestionType = "INPUT"
	// QuestionTypeTextarea is a multi-line free text answer.
	QuestionTypeTextarea QuestionType = "TEXTAREA"
	// QuestionTypeURL is a website address.
	QuestionTypeURL QuestionType = "URL"
	// QuestionTypeEmail is an email address.
	QuestionTypeEmail QuestionType = "EMAIL"
	// QuestionTypeNumber is a numeric answer.
	QuestionTypeNumber QuestionType = "NUMBER"
	// QuestionTypeBoolean is a yes/no answer.
	QuestionTypeBoolean QuestionType = "BOOLEAN"
	// QuestionTypeSelection picks exactly one option.
	QuestionTypeSelection QuestionType = "SELECTION"
	// QuestionTypeMultiSelection picks any number of options.
	QuestionTypeMultiSelection QuestionType = "MULTI_SELECTION"
	// QuestionTypeFile uploads one file, described by FileValue.
	QuestionTypeFile QuestionType = "FILE"
)

// IsValidQuestionType reports whether qt is one of the supported question types.
func IsValidQuestionType(qt QuestionType) bool {
	switch qt {
	case QuestionTypeInput, QuestionTypeTextarea, QuestionTypeURL, QuestionTypeEmail,
		QuestionTypeNumber, QuestionTypeBoolean, QuestionTypeSelection,
		QuestionTypeMultiSelection, QuestionTypeFile:
		return true
	default:
		return false
	}
}

// IsTextLike reports whether answers of this type are strings subject to length and pattern rules.
func (qt QuestionType) IsTextLike() bool {
	switch qt {
	case QuestionTypeInput, QuestionTypeTextarea, QuestionTypeURL, QuestionTypeEmail:
		return true
	default:
		return false
	}
}

// InputConfig is the type-specific configuration of a question. Each question type
// has exactly one concrete config type, see ConfigFor.
type InputConfig interface {
	QuestionType() QuestionType
}

// TextConfig configures INPUT, TEXTAREA, URL and EMAIL questions.
type TextConfig struct {
	Kind        QuestionType `json:"-"`
	Placeholder string       `json:"placeholder,omitempty"`
}

func (c *TextConfig) QuestionType() QuestionType { return c.Kind }

// NumberConfig configures NUMBER questions.
type NumberConfig struct {
	Unit string   `json:"unit,omitempty"`
	Step *float64 `json:"step,omitempty"`
}

func (c *NumberConfig) QuestionType() QuestionType { return QuestionTypeNumber }

// BooleanConfig configures BOOLEAN questions.
type BooleanConfig struct {
	TrueLabel  string `json:"trueLabel,omitempty"`
	FalseLabel string `json:"falseLabel,omitempty"`
}

func (c *BooleanConfig) QuestionType() QuestionType { return QuestionTypeBoolean }

// Option is one selectable choice.
type Option struct {
	Value string `json:"value"`
	Label string `json:"label,omitempty"`
}

// SelectionConfig configures SELECTION and MULTI_SELECTION questions.
type SelectionConfig struct {
	Kind    QuestionType `json:"-"`
	Options []Option     `json:"options,omitempty"`
}

func (c *SelectionConfig) QuestionType() QuestionType { return c.Kind }

// HasOption reports whether v is one of the configured option values.
func (c *SelectionConfig) HasOption(v string) bool {
	for _, o := range c.Options {
		if o.Value == v {
			return true
		}
	}
	return false
}

// FileConfig configures FILE questions.
type FileConfig struct {
	AcceptedTypes []string `json:"acceptedTypes,omitempty"`
	MaxSizeBytes  int64    `json:"maxSizeBytes,omitempty"`
}

func (c *FileConfig) QuestionType() QuestionType { return QuestionTypeFile }

// FileValue is the stored answer of a FILE question.
type FileValue struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType,omitempty"`
	URL         string `json:"url,omitempty"`
}

// ConfigFor returns an empty config of the concrete type that belongs to qt.
func ConfigFor(qt QuestionType) (InputConfig, error) {
	switch qt {
	case QuestionTypeInput, QuestionTypeTextarea, QuestionTypeURL, QuestionTypeEmail:
		return &TextConfig{Kind: qt}, nil
	case QuestionTypeNumber:
		return &NumberConfig{}, nil
	case QuestionTypeBoolean:
		return &BooleanConfig{}, nil
	case QuestionTypeSelection, QuestionTypeMultiSelection:
		return &SelectionConfig{Kind: qt}, nil
	case QuestionTypeFile:
		return &FileConfig{}, nil
	default:
		return nil, fmt.Errorf("unsupported question type: %q", qt)
	}
}

// ValidationRules is the rule set consumed by the validator.
type ValidationRules struct {
	Required       bool     `json:"required,omitempty"`
	MinLength      *int     `json:"minLength,omitempty"`
	MaxLength      *int     `json:"maxLength,omitempty"`
	Pattern        string   `json:"pattern,omitempty"`
	PatternMessage string   `json:"patternMessage,omitempty"`
	Min            *float64 `json:"min,omitempty"`
	Max            *float64 `json:"max,omitempty"`
	MinSelected    *int     `json:"minSelected,omitempty"`
	MaxSelected    *int     `json:"maxSelected,omitempty"`
	MaxFileSize    int64    `json:"maxFileSize,omitempty"`
	AcceptedTypes  []string `json:"acceptedTypes,omitempty"`
}

// ActionSpec names an action to run automatically when a question becomes current.
type ActionSpec struct {
	ActionName string         `json:"actionName"`
	Parameters map[string]any `json:"parameters,omitempty"`
	// ResultKey overrides the externalData key the result is stored under.
	ResultKey string `json:"resultKey,omitempty"`
}

// StorageKey returns the externalData key for the action's result.
func (a ActionSpec) StorageKey() string {
	if a.ResultKey != "" {
		return a.ResultKey
	}
	return a.ActionName
}

// QuestionDefinition is one authored catalog entry. The engine never mutates it.
type QuestionDefinition struct {
	Order         int             `json:"order"`
	Key           string          `json:"key"`
	Type          QuestionType    `json:"type"`
	Prompt        string          `json:"prompt,omitempty"`
	Config        InputConfig     `json:"-"`
	Validation    ValidationRules `json:"validation"`
	DependsOn     string          `json:"dependsOn,omitempty"`
	ShowCondition *Condition      `json:"showCondition,omitempty"`
	AutoActions   []ActionSpec    `json:"autoActions,omitempty"`
	SaveToField   string          `json:"saveToField,omitempty"`
	IsActive      bool            `json:"isActive"`
}

// ResponseKey returns the response-map key the answer is written to.
func (q QuestionDefinition) ResponseKey() string {
	if q.SaveToField != "" {
		return q.SaveToField
	}
	return q.Key
}

// Validate checks the structural integrity of an authored question.
func (q QuestionDefinition) Validate() error {
	if q.Key == "" {
		return fmt.Errorf("question key is required")
	}
	if !IsValidQuestionType(q.Type) {
		return fmt.Errorf("question %s: unsupported type %q", q.Key, q.Type)
	}
	if q.Config != nil && q.Config.QuestionType() != q.Type {
		return fmt.Errorf("question %s: config for %s does not match type %s", q.Key, q.Config.QuestionType(), q.Type)
	}
	for i, a := range q.AutoActions {
		if a.ActionName == "" {
			return fmt.Errorf("question %s: autoActions[%d] has no actionName", q.Key, i)
		}
	}
	return nil
}

// TypedConfig returns the question's config, or the zero config for its type when unset.
func (q QuestionDefinition) TypedConfig() InputConfig {
	if q.Config != nil {
		return q.Config
	}
	cfg, err := ConfigFor(q.Type)
	if err != nil {
		return nil
	}
	return cfg
}

type questionAlias QuestionDefinition

type questionJSON struct {
	questionAlias
	InputConfig json.RawMessage `json:"inputConfig,omitempty"`
}

// MarshalJSON encodes the typed config under "inputConfig".
func (q QuestionDefinition) MarshalJSON() ([]byte, error) {
	out := questionJSON{questionAlias: questionAlias(q)}
	if q.Config != nil {
		raw, err := json.Marshal(q.Config)
		if err != nil {
			return nil, fmt.Errorf("failed to encode inputConfig for %s: %w", q.Key, err)
		}
		out.InputConfig = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes "inputConfig" into the concrete config type selected by "type".
// A missing "isActive" defaults to true.
func (q *QuestionDefinition) UnmarshalJSON(data []byte) error {
	in := questionJSON{questionAlias: questionAlias{IsActive: true}}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*q = QuestionDefinition(in.questionAlias)
	cfg, err := ConfigFor(q.Type)
	if err != nil {
		return fmt.Errorf("question %s: %w", q.Key, err)
	}
	if len(in.InputConfig) > 0 && string(in.InputConfig) != "null" {
		if err := json.Unmarshal(in.InputConfig, cfg); err != nil {
			return fmt.Errorf("question %s: invalid inputConfig for %s: %w", q.Key, q.Type, err)
		}
	}
	q.Config = cfg
	return nil
}

// SortByOrder sorts questions by ascending order in place.
func SortByOrder(qs []QuestionDefinition) {
	sort.SliceStable(qs, func(i, j int) bool { return qs[i].Order < qs[j].Order })
}
