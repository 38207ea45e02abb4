// internal/models/survey.go
package models

import (
	"strconv"
	"strings"
	"time"
)

type Role string

const (
	RoleAdmin   Role = "admin"
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
	RoleUnknown Role = "unknown"
)

// CanAuthor reports whether the role may create, edit or delete polls.
func (r Role) CanAuthor() bool {
	return r == RoleAdmin || r == RoleTeacher
}

// CanTake reports whether the role may answer polls.
func (r Role) CanTake() bool {
	return r == RoleStudent || r == RoleTeacher
}

// ParseRole accepts the assignable roles only; unknown is not assignable.
func ParseRole(s string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleAdmin:
		return RoleAdmin, true
	case RoleTeacher:
		return RoleTeacher, true
	case RoleStudent:
		return RoleStudent, true
	}
	return "", false
}

// Audience is the closed set of poll targets. Legacy spellings are
// normalized by ParseAudience before anything is written.
type Audience string

const (
	AudienceStudents Audience = "student"
	AudienceTeachers Audience = "teacher"
	AudienceAll      Audience = "all"
)

func ParseAudience(s string) (Audience, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "student", "students", "студенты":
		return AudienceStudents, true
	case "teacher", "teachers", "учителя":
		return AudienceTeachers, true
	case "all", "everyone", "все":
		return AudienceAll, true
	}
	return "", false
}

// Matches reports whether a poll with this audience targets the role.
func (a Audience) Matches(role Role) bool {
	return a == AudienceAll || string(a) == string(role)
}

type QuestionKind string

const (
	KindFreeText     QuestionKind = "free_text"
	KindSingleChoice QuestionKind = "single_choice"
)

type Group struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	Name      string    `json:"name" gorm:"uniqueIndex;not null"`
}

type Account struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	ExternalID int64     `json:"external_id" gorm:"uniqueIndex;not null"`
	Role       Role      `json:"role" gorm:"not null"`
	GroupID    *uint     `json:"group_id"`
	Group      *Group    `json:"group,omitempty" gorm:"constraint:OnDelete:SET NULL"`
	Surname    string    `json:"surname"`
	Name       string    `json:"name"`
	Patronymic string    `json:"patronymic"`
	APIKeyHash string    `json:"-"`

	Responses []Response `json:"-" gorm:"foreignKey:AccountID;constraint:OnDelete:CASCADE"`
	Progress  []Progress `json:"-" gorm:"foreignKey:AccountID;constraint:OnDelete:CASCADE"`
}

// DisplayName falls back to the external id when no name fields are set.
func (a Account) DisplayName() string {
	name := strings.TrimSpace(strings.Join([]string{a.Surname, a.Name, a.Patronymic}, " "))
	if name == "" {
		return "#" + strconv.FormatInt(a.ExternalID, 10)
	}
	return strings.Join(strings.Fields(name), " ")
}

type Poll struct {
	ID        uint       `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	Title     string     `json:"title" gorm:"not null"`
	Audience  Audience   `json:"audience" gorm:"not null;index"`
	GroupID   *uint      `json:"group_id" gorm:"index"`
	Group     *Group     `json:"group,omitempty" gorm:"constraint:OnDelete:SET NULL"`
	CreatedBy uint       `json:"created_by"`
	Questions []Question `json:"questions,omitempty" gorm:"foreignKey:PollID;constraint:OnDelete:CASCADE"`
	Progress  []Progress `json:"-" gorm:"foreignKey:PollID;constraint:OnDelete:CASCADE"`
}

// VisibleTo applies the audience and group scope filters for an account.
func (p Poll) VisibleTo(a Account) bool {
	if !p.Audience.Matches(a.Role) {
		return false
	}
	if p.GroupID == nil {
		return true
	}
	return a.GroupID != nil && *a.GroupID == *p.GroupID
}

type Question struct {
	ID        uint         `json:"id" gorm:"primaryKey"`
	PollID    uint         `json:"poll_id" gorm:"not null;index"`
	Text      string       `json:"text" gorm:"not null"`
	Kind      QuestionKind `json:"kind" gorm:"not null"`
	Options   []Option     `json:"options,omitempty" gorm:"foreignKey:QuestionID;constraint:OnDelete:CASCADE"`
	Responses []Response   `json:"-" gorm:"foreignKey:QuestionID;constraint:OnDelete:CASCADE"`
}

// OptionByText returns the option whose text equals s exactly.
func (q Question) OptionByText(s string) (*Option, bool) {
	for i := range q.Options {
		if q.Options[i].Text == s {
			return &q.Options[i], true
		}
	}
	return nil, false
}

type Option struct {
	ID         uint   `json:"id" gorm:"primaryKey"`
	QuestionID uint   `json:"question_id" gorm:"not null;index"`
	Text       string `json:"text" gorm:"not null"`
}

type Response struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	CreatedAt  time.Time `json:"created_at"`
	AccountID  uint      `json:"account_id" gorm:"not null;uniqueIndex:idx_response_account_question"`
	QuestionID uint      `json:"question_id" gorm:"not null;uniqueIndex:idx_response_account_question;index"`
	OptionID   *uint     `json:"option_id" gorm:"index"`
	Option     *Option   `json:"-" gorm:"constraint:OnDelete:RESTRICT"`
	Text       string    `json:"text"`
}

type Progress struct {
	ID             uint      `json:"id" gorm:"primaryKey"`
	UpdatedAt      time.Time `json:"updated_at"`
	AccountID      uint      `json:"account_id" gorm:"not null;uniqueIndex:idx_progress_account_poll"`
	PollID         uint      `json:"poll_id" gorm:"not null;uniqueIndex:idx_progress_account_poll;index"`
	LastQuestionID *uint     `json:"last_question_id"`
	Completed      bool      `json:"completed" gorm:"not null;default:false"`
}

func (Progress) TableName() string {
	return "poll_progress"
}
