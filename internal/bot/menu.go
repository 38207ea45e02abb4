package bot

import (
	"fmt"
	"strconv"
	"strings"

	"survey-bot/internal/fsm"
	"survey-bot/internal/models"
)

const (
	CmdStart    = "/start"
	CmdAPIKey   = "/apikey"
	CmdRegister = "/register"

	BtnBack        = "🔙 Back"
	BtnCreatePoll  = "➕ Create poll"
	BtnEditPoll    = "✏️ Edit poll"
	BtnDeletePoll  = "🗑 Delete poll"
	BtnTakePoll    = "📋 Take poll"
	BtnStats       = "📊 Statistics"
	BtnCreateGroup = "🏷 Create group"
	BtnAPIKey      = "🔑 API key"
	BtnUsers       = "👥 Users"
	BtnAssignGroup = "🔀 Assign group"
	BtnProfile     = "👤 Profile"

	BtnStudents = "🎓 Students"
	BtnTeachers = "👨‍🏫 Teachers"
	BtnEveryone = "👥 Everyone"

	BtnOptionsDone = "✅ Done"
	BtnNoOptions   = "❌ No options"
	BtnAddQuestion = "➕ Add question"
	BtnFinishPoll  = "✅ Finish poll"

	BtnParameters   = "⚙️ Poll parameters"
	BtnQuestions    = "📝 Questions"
	BtnEditDone     = "❌ Done"
	BtnFieldTitle   = "🔤 Title"
	BtnFieldAud     = "👥 Audience"
	BtnFieldGroup   = "🏷 Group"
	BtnNoGroup      = "🚫 No group"
	BtnEditText     = "🔤 Edit text"
	BtnAddOption    = "➕ Add option"
	BtnDeleteOption = "✂️ Delete option"

	BtnListUsers  = "📋 List users"
	BtnAddUser    = "➕ Add user"
	BtnRemoveUser = "❌ Delete user"
	BtnChangeRole = "🔄 Change role"
	BtnUsersDone  = "✅ Done"

	BtnRoleAdmin   = "👑 Admin"
	BtnRoleTeacher = "👨‍🏫 Teacher"
	BtnRoleStudent = "🎓 Student"

	BtnYes = "✅ Yes"
	BtnNo  = "❌ No"
)

const (
	StateStartGroup fsm.State = "start:choosing_group"

	StateAuthorTitle    fsm.State = "authoring:title"
	StateAuthorAudience fsm.State = "authoring:audience"
	StateAuthorQuestion fsm.State = "authoring:question_text"
	StateAuthorOptions  fsm.State = "authoring:options"
	StateAuthorMore     fsm.State = "authoring:more_questions"

	StateTakeChoose fsm.State = "taking:choosing_poll"
	StateTakeAnswer fsm.State = "taking:answering"

	StateEditChoosePoll     fsm.State = "editing:choosing_poll"
	StateEditMode           fsm.State = "editing:choosing_mode"
	StateEditField          fsm.State = "editing:choosing_field"
	StateEditTitle          fsm.State = "editing:title"
	StateEditAudience       fsm.State = "editing:audience"
	StateEditGroup          fsm.State = "editing:group"
	StateEditChooseQuestion fsm.State = "editing:choosing_question"
	StateEditAction         fsm.State = "editing:action_menu"
	StateEditQuestionText   fsm.State = "editing:question_text"
	StateEditAddOption      fsm.State = "editing:adding_option"
	StateEditChooseOption   fsm.State = "editing:choosing_option"
	StateEditConfirmOption  fsm.State = "editing:confirming_delete"

	StateDeleteChoose  fsm.State = "deleting:choosing_poll"
	StateDeleteConfirm fsm.State = "deleting:confirm"

	StateStatsChoose fsm.State = "stats:choosing_poll"

	StateGroupName    fsm.State = "groups:name"
	StateAssignChoose fsm.State = "groups:choosing_user"
	StateAssignGroup  fsm.State = "groups:choosing_group"

	StateUsersAction        fsm.State = "users:choosing_action"
	StateUsersAddID         fsm.State = "users:adding_id"
	StateUsersAddRole       fsm.State = "users:choosing_new_role"
	StateUsersChoose        fsm.State = "users:choosing_user"
	StateUsersConfirmDelete fsm.State = "users:confirming_delete"
	StateUsersRole          fsm.State = "users:editing_role"

	StateProfileName fsm.State = "profile:full_name"
)

const (
	msgGenericFailure    = "⚠️ Something went wrong, please try again."
	msgNoLongerAvailable = "⚠️ This item is no longer available."
	msgCancelled         = "↩️ Cancelled."
	msgUseKeyboard       = "Please use the keyboard buttons."
	msgPickFromList      = "Please pick a number from the list."
)

var audienceButtons = []string{BtnStudents, BtnTeachers, BtnEveryone}

func audienceFromButton(text string) (models.Audience, bool) {
	switch text {
	case BtnStudents:
		return models.AudienceStudents, true
	case BtnTeachers:
		return models.AudienceTeachers, true
	case BtnEveryone:
		return models.AudienceAll, true
	}
	return models.ParseAudience(text)
}

func audienceLabel(a models.Audience) string {
	switch a {
	case models.AudienceStudents:
		return "students"
	case models.AudienceTeachers:
		return "teachers"
	}
	return "everyone"
}

func mainMenu(role models.Role) [][]string {
	switch role {
	case models.RoleAdmin:
		return [][]string{
			{BtnStats},
			{BtnCreatePoll, BtnDeletePoll},
			{BtnEditPoll, BtnCreateGroup},
			{BtnUsers, BtnAssignGroup},
			{BtnAPIKey, BtnProfile},
		}
	case models.RoleTeacher:
		return [][]string{
			{BtnCreatePoll, BtnDeletePoll},
			{BtnEditPoll, BtnCreateGroup},
			{BtnStats, BtnAPIKey},
			{BtnUsers, BtnAssignGroup},
			{BtnTakePoll, BtnProfile},
		}
	case models.RoleStudent:
		return [][]string{{BtnTakePoll}, {BtnProfile}}
	}
	return [][]string{{BtnTakePoll}}
}

func (b *Bot) sendMainMenu(s *session, notice string) error {
	text := "Choose an action:"
	if notice != "" {
		text = notice + "\n\n" + text
	}
	return s.send(Reply{Text: text, Keyboard: mainMenu(s.account.Role)})
}

// numbered renders "1. label" buttons, one per row.
func numbered(labels []string) [][]string {
	rows := make([][]string, 0, len(labels))
	for i, label := range labels {
		rows = append(rows, []string{fmt.Sprintf("%d. %s", i+1, label)})
	}
	return rows
}

// pickIndex parses a 1-based choice ("3" or "3. Title") into a 0-based
// index below n.
func pickIndex(text string, n int) (int, bool) {
	head := text
	if i := strings.Index(text, "."); i >= 0 {
		head = text[:i]
	}
	idx, err := strconv.Atoi(strings.TrimSpace(head))
	if err != nil || idx < 1 || idx > n {
		return 0, false
	}
	return idx - 1, true
}

func pollLabels(polls []models.Poll) []string {
	labels := make([]string, len(polls))
	for i, p := range polls {
		labels[i] = p.Title
	}
	return labels
}

func pollIDs(polls []models.Poll) []uint {
	ids := make([]uint, len(polls))
	for i, p := range polls {
		ids[i] = p.ID
	}
	return ids
}

// choice resolves a numbered pick against the id list stored under key.
func (s *session) choice(key string) (uint, bool, error) {
	data, err := s.data()
	if err != nil {
		return 0, false, err
	}
	var ids []uint
	if _, err := data.Decode(key, &ids); err != nil {
		return 0, false, err
	}
	idx, ok := pickIndex(s.text, len(ids))
	if !ok {
		return 0, false, nil
	}
	return ids[idx], true, nil
}
