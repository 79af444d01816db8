// Package validation checks candidate responses against a question's rules.
//
// Validate never mutates state and never panics; every problem is reported as a
// user-facing message in Result.Errors.
package validation

import (
	"encoding/json"
	"fmt"
	"net/mail"
	"net/url"
	"path"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/BTreeMap/IntakePipe/internal/condition"
	"github.com/BTreeMap/IntakePipe/internal/models"
)

// Result is the outcome of validating one response.
type Result struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Err converts an invalid result into a *models.ValidationError, or nil when valid.
func (r Result) Err(questionKey string) error {
	if r.Valid {
		return nil
	}
	return &models.ValidationError{QuestionKey: questionKey, Errors: r.Errors}
}

// Validate checks value against q. Required-ness is checked first for every type.
func Validate(q models.QuestionDefinition, value any) Result {
	rules := q.Validation
	if IsEmpty(value) {
		if rules.Required {
			return invalid("This field is required")
		}
		return Result{Valid: true}
	}

	var errs []string
	switch {
	case q.Type.IsTextLike():
		errs = validateText(q, value)
	case q.Type == models.QuestionTypeNumber:
		errs = validateNumber(rules, value)
	case q.Type == models.QuestionTypeBoolean:
		if _, ok := value.(bool); !ok {
			errs = append(errs, "Please answer yes or no")
		}
	case q.Type == models.QuestionTypeSelection:
		errs = validateSelection(q, value)
	case q.Type == models.QuestionTypeMultiSelection:
		errs = validateMultiSelection(q, value)
	case q.Type == models.QuestionTypeFile:
		errs = validateFile(q, value)
	default:
		errs = append(errs, fmt.Sprintf("Unsupported question type %q", q.Type))
	}
	if len(errs) > 0 {
		return Result{Valid: false, Errors: errs}
	}
	return Result{Valid: true}
}

// IsEmpty reports whether value counts as "no answer": nil, blank string, empty list or empty object.
func IsEmpty(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	case []any:
		return len(v) == 0
	case []string:
		return len(v) == 0
	case map[string]any:
		return len(v) == 0
	default:
		return false
	}
}

func invalid(msg string) Result {
	return Result{Valid: false, Errors: []string{msg}}
}

func validateText(q models.QuestionDefinition, value any) []string {
	s, ok := value.(string)
	if !ok {
		return []string{"Please enter text"}
	}
	rules := q.Validation
	var errs []string
	n := utf8.RuneCountInString(s)
	if rules.MinLength != nil && n < *rules.MinLength {
		errs = append(errs, fmt.Sprintf("Must be at least %d characters", *rules.MinLength))
	}
	if rules.MaxLength != nil && n > *rules.MaxLength {
		errs = append(errs, fmt.Sprintf("Must be at most %d characters", *rules.MaxLength))
	}
	if rules.Pattern != "" {
		re, err := regexp.Compile(rules.Pattern)
		switch {
		case err != nil:
			errs = append(errs, "This question has an invalid validation pattern")
		case !re.MatchString(s):
			msg := rules.PatternMessage
			if msg == "" {
				msg = "Please match the requested format"
			}
			errs = append(errs, msg)
		}
	}
	switch q.Type {
	case models.QuestionTypeURL:
		if !isWebURL(s) {
			errs = append(errs, "Please enter a valid website address starting with http:// or https://")
		}
	case models.QuestionTypeEmail:
		if addr, err := mail.ParseAddress(s); err != nil || addr.Address != strings.TrimSpace(s) {
			errs = append(errs, "Please enter a valid email address")
		}
	}
	return errs
}

func isWebURL(s string) bool {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func validateNumber(rules models.ValidationRules, value any) []string {
	n, ok := condition.ToNumber(value)
	if !ok {
		return []string{"Please enter a number"}
	}
	var errs []string
	if rules.Min != nil && n < *rules.Min {
		errs = append(errs, fmt.Sprintf("Must be at least %s", formatNumber(*rules.Min)))
	}
	if rules.Max != nil && n > *rules.Max {
		errs = append(errs, fmt.Sprintf("Must be at most %s", formatNumber(*rules.Max)))
	}
	return errs
}

func formatNumber(f float64) string {
	return strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%f", f), "0"), ".")
}

func selectionConfig(q models.QuestionDefinition) *models.SelectionConfig {
	cfg, _ := q.TypedConfig().(*models.SelectionConfig)
	return cfg
}

func validateSelection(q models.QuestionDefinition, value any) []string {
	s, ok := value.(string)
	if !ok {
		return []string{"Please choose one option"}
	}
	if cfg := selectionConfig(q); cfg != nil && len(cfg.Options) > 0 && !cfg.HasOption(s) {
		return []string{fmt.Sprintf("%q is not one of the available options", s)}
	}
	return nil
}

func validateMultiSelection(q models.QuestionDefinition, value any) []string {
	items, ok := stringList(value)
	if !ok {
		return []string{"Please choose from the available options"}
	}
	rules := q.Validation
	var errs []string
	if rules.MinSelected != nil && len(items) < *rules.MinSelected {
		errs = append(errs, fmt.Sprintf("Select at least %d options", *rules.MinSelected))
	}
	if rules.MaxSelected != nil && len(items) > *rules.MaxSelected {
		errs = append(errs, fmt.Sprintf("Select at most %d options", *rules.MaxSelected))
	}
	seen := make(map[string]bool, len(items))
	cfg := selectionConfig(q)
	for _, item := range items {
		if seen[item] {
			errs = append(errs, fmt.Sprintf("%q was selected more than once", item))
			continue
		}
		seen[item] = true
		if cfg != nil && len(cfg.Options) > 0 && !cfg.HasOption(item) {
			errs = append(errs, fmt.Sprintf("%q is not one of the available options", item))
		}
	}
	return errs
}

func stringList(value any) ([]string, bool) {
	switch v := value.(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

// FileValueOf decodes a FILE answer from either a models.FileValue or a decoded JSON object.
func FileValueOf(value any) (models.FileValue, bool) {
	switch v := value.(type) {
	case models.FileValue:
		return v, true
	case *models.FileValue:
		if v == nil {
			return models.FileValue{}, false
		}
		return *v, true
	case map[string]any:
		raw, err := json.Marshal(v)
		if err != nil {
			return models.FileValue{}, false
		}
		var fv models.FileValue
		if err := json.Unmarshal(raw, &fv); err != nil {
			return models.FileValue{}, false
		}
		return fv, fv.Name != ""
	default:
		return models.FileValue{}, false
	}
}

func validateFile(q models.QuestionDefinition, value any) []string {
	fv, ok := FileValueOf(value)
	if !ok {
		return []string{"Please upload a file"}
	}
	maxSize := q.Validation.MaxFileSize
	accepted := q.Validation.AcceptedTypes
	if cfg, ok := q.TypedConfig().(*models.FileConfig); ok {
		if maxSize == 0 {
			maxSize = cfg.MaxSizeBytes
		}
		if len(accepted) == 0 {
			accepted = cfg.AcceptedTypes
		}
	}
	var errs []string
	if maxSize > 0 && fv.Size > maxSize {
		errs = append(errs, fmt.Sprintf("File must be %d bytes or smaller", maxSize))
	}
	if len(accepted) > 0 && !fileTypeAccepted(fv, accepted) {
		errs = append(errs, fmt.Sprintf("File type must be one of: %s", strings.Join(accepted, ", ")))
	}
	return errs
}

// fileTypeAccepted matches ".ext" entries against the file name and MIME entries
// (including "type/*" wildcards) against the content type.
func fileTypeAccepted(fv models.FileValue, accepted []string) bool {
	ext := strings.ToLower(path.Ext(fv.Name))
	contentType := strings.ToLower(strings.TrimSpace(fv.ContentType))
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	for _, a := range accepted {
		a = strings.ToLower(strings.TrimSpace(a))
		switch {
		case strings.HasPrefix(a, "."):
			if ext == a {
				return true
			}
		case strings.HasSuffix(a, "/*"):
			if contentType != "" && strings.HasPrefix(contentType, strings.TrimSuffix(a, "*")) {
				return true
			}
		case a == contentType:
			return true
		}
	}
	return false
}
