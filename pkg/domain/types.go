package domain

import (
	"encoding/json"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Status is the lifecycle state of a generation.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusError      Status = "error"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusProcessing, StatusDone, StatusError:
		return true
	}
	return false
}

// Style is one of the fixed logo style tags offered by the client.
type Style string

const (
	StyleNone     Style = "none"
	StyleMonogram Style = "monogram"
	StyleAbstract Style = "abstract"
	StyleMascot   Style = "mascot"
)

// Styles lists the accepted style tags in display order.
var Styles = []Style{StyleNone, StyleMonogram, StyleAbstract, StyleMascot}

// MaxPromptRunes bounds the prompt length.
const MaxPromptRunes = 500

// ParseStyle normalizes raw into a known style tag.
func ParseStyle(raw string) (Style, error) {
	v := strings.ToLower(strings.TrimSpace(raw))
	if v == "" {
		return "", &ValidationError{Field: "style", Message: "style is required"}
	}
	for _, s := range Styles {
		if Style(v) == s {
			return s, nil
		}
	}
	return "", &ValidationError{Field: "style", Message: "unknown style: " + raw}
}

// ValidatePrompt trims the prompt, folds it to NFC and checks it is usable.
// The length limit counts composed characters.
func ValidatePrompt(raw string) (string, error) {
	prompt := strings.TrimSpace(norm.NFC.String(raw))
	if prompt == "" {
		return "", &ValidationError{Field: "prompt", Message: "prompt is required"}
	}
	if n := len([]rune(prompt)); n > MaxPromptRunes {
		return "", &ValidationError{Field: "prompt", Message: "prompt exceeds 500 characters"}
	}
	return prompt, nil
}

// Generation is one requested logo generation and its lifecycle record.
//
// ImageURL is set only once Status is done; Error only once Status is error.
// Version is bumped by the store on every write.
type Generation struct {
	ID        string    `json:"id"`
	Prompt    string    `json:"prompt"`
	Style     Style     `json:"style"`
	Status    Status    `json:"status"`
	ImageURL  string    `json:"imageUrl"`
	Error     string    `json:"error,omitempty"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// MarshalJSON writes imageUrl as null until the generation has one.
func (g Generation) MarshalJSON() ([]byte, error) {
	type plain Generation
	var imageURL *string
	if g.ImageURL != "" {
		imageURL = &g.ImageURL
	}
	return json.Marshal(struct {
		plain
		ImageURL *string `json:"imageUrl"`
	}{plain(g), imageURL})
}

// StartResult is returned by a successful initiation.
type StartResult struct {
	Success      bool   `json:"success"`
	GenerationID string `json:"generationId"`
	Message      string `json:"message"`
}

// Health is the liveness payload of the initiator.
type Health struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
