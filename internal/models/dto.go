// internal/models/dto.go
package models

// PollDraft is the authoring scratch data as it is handed to the store.
type PollDraft struct {
	Title     string          `json:"title"`
	Audience  Audience        `json:"audience"`
	GroupID   *uint           `json:"group_id,omitempty"`
	Questions []QuestionDraft `json:"questions"`
}

type QuestionDraft struct {
	Text    string   `json:"text"`
	Options []string `json:"options"`
}

// Kind is derived from the collected options.
func (q QuestionDraft) Kind() QuestionKind {
	if len(q.Options) > 0 {
		return KindSingleChoice
	}
	return KindFreeText
}

type PollStats struct {
	PollID    uint            `json:"poll_id"`
	Title     string          `json:"title"`
	Questions []QuestionStats `json:"questions"`
}

type QuestionStats struct {
	QuestionID  uint          `json:"question_id"`
	Text        string        `json:"text"`
	Kind        QuestionKind  `json:"kind"`
	Total       int           `json:"total"`
	Options     []OptionStats `json:"options,omitempty"`
	TextAnswers []TextAnswer  `json:"text_answers,omitempty"`
}

type OptionStats struct {
	OptionID   uint    `json:"option_id"`
	Text       string  `json:"text"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

type TextAnswer struct {
	AccountID  uint   `json:"account_id"`
	ExternalID int64  `json:"external_id"`
	Responder  string `json:"responder"`
	Text       string `json:"text"`
}

// ExportRow is one line of the flattened statistics handed to exporters.
type ExportRow struct {
	QuestionText      string  `json:"question_text"`
	AnswerOrResponder string  `json:"answer_or_responder"`
	Count             int     `json:"count"`
	Percentage        float64 `json:"percentage"`
}
