// Package study holds the study library behind the Elevated companion: the
// uploaded materials, the recent-activity log, aggregate user statistics, and
// the text-generation features (flashcards, quizzes, chat with materials)
// built on an [llm.Provider].
package study

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MaterialType is the origin of a study material.
type MaterialType string

const (
	TypePDF     MaterialType = "pdf"
	TypeImage   MaterialType = "image"
	TypeYouTube MaterialType = "youtube"
	TypeText    MaterialType = "text"
)

// validTypes is the set of accepted [MaterialType] values.
var validTypes = map[MaterialType]bool{
	TypePDF:     true,
	TypeImage:   true,
	TypeYouTube: true,
	TypeText:    true,
}

// Material is one uploaded study source with its extracted text.
type Material struct {
	ID        string       `json:"id"`
	Title     string       `json:"title"`
	Type      MaterialType `json:"type"`
	Content   string       `json:"content"`
	DateAdded time.Time    `json:"date_added"`
}

// Validate reports every problem with m joined into one error.
func (m *Material) Validate() error {
	var errs []error
	if strings.TrimSpace(m.Title) == "" {
		errs = append(errs, errors.New("study: material title must not be empty"))
	}
	if !validTypes[m.Type] {
		errs = append(errs, fmt.Errorf("study: material type %q must be one of pdf, image, youtube, text", m.Type))
	}
	return errors.Join(errs...)
}

// Flashcard is one generated question/answer card.
type Flashcard struct {
	ID         string `json:"id"`
	Front      string `json:"front"`
	Back       string `json:"back"`
	MaterialID string `json:"material_id,omitempty"`
	Difficulty string `json:"difficulty"`
}

// QuizQuestion is one generated multiple-choice question.
type QuizQuestion struct {
	ID            string   `json:"id"`
	Question      string   `json:"question"`
	Options       []string `json:"options"`
	CorrectAnswer int      `json:"correct_answer"`
	Explanation   string   `json:"explanation"`
}

// ChatRole is the author of a chat message.
type ChatRole string

const (
	RoleUser  ChatRole = "user"
	RoleModel ChatRole = "model"
)

// ChatMessage is one entry of a study chat conversation.
type ChatMessage struct {
	Role    ChatRole `json:"role"`
	Content string   `json:"content"`
}
