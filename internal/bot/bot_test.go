package bot_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"survey-bot/internal/bot"
	"survey-bot/internal/fsm"
	"survey-bot/internal/models"
	"survey-bot/internal/survey"
	"survey-bot/internal/testutil"
	"survey-bot/pkg/metrics"

	"gorm.io/gorm"
)

const (
	adminID    int64 = 1
	teacherID  int64 = 2
	studentID  int64 = 10
	strangerID int64 = 99
)

type roleTable map[int64]models.Role

func (r roleTable) RoleFor(id int64) models.Role {
	if role, ok := r[id]; ok {
		return role
	}
	return models.RoleUnknown
}

var defaultRoles = roleTable{adminID: models.RoleAdmin, teacherID: models.RoleTeacher, studentID: models.RoleStudent}

type recorder struct {
	mu      sync.Mutex
	replies []bot.Reply
}

func (r *recorder) Send(_ context.Context, _ int64, reply bot.Reply) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, reply)
	return nil
}

func (r *recorder) take() []bot.Reply {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.replies
	r.replies = nil
	return out
}

type fakeKeys struct {
	issued []int64
}

func (k *fakeKeys) IssueAPIKey(_ context.Context, account *models.Account) (string, error) {
	k.issued = append(k.issued, account.ExternalID)
	return "key-123", nil
}

type harness struct {
	t       *testing.T
	db      *gorm.DB
	repo    *survey.Repository
	storage fsm.Storage
	bot     *bot.Bot
	out     *recorder
	keys    *fakeKeys
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessOn(t, testutil.DB(t, &fsm.Record{}))
}

// newHarnessOn builds a bot over an existing database, the way a restarted
// process would.
func newHarnessOn(t *testing.T, db *gorm.DB) *harness {
	t.Helper()
	log := testutil.Logger(t)
	repo := survey.NewRepository(db, log)
	storage := fsm.NewGormStorage(db)
	h := &harness{t: t, db: db, repo: repo, storage: storage, out: &recorder{}, keys: &fakeKeys{}}
	h.bot = bot.New(bot.Options{
		Repo:    repo,
		Stats:   survey.NewStatsService(repo, nil, 0, log),
		Machine: fsm.New(storage),
		Sender:  h.out,
		Roles:   defaultRoles,
		Keys:    h.keys,
		Metrics: metrics.New("test"),
		Logger:  log,
	})
	return h
}

func (h *harness) say(account int64, text string) []bot.Reply {
	h.t.Helper()
	if err := h.bot.Handle(context.Background(), bot.Message{AccountID: account, Text: text}); err != nil {
		h.t.Fatalf("Handle(%d, %q): %v", account, text, err)
	}
	return h.out.take()
}

func (h *harness) state(account int64) fsm.State {
	h.t.Helper()
	state, _, err := h.storage.Load(context.Background(), account)
	if err != nil {
		h.t.Fatalf("load state: %v", err)
	}
	return state
}

func (h *harness) expectState(account int64, want fsm.State) {
	h.t.Helper()
	if got := h.state(account); got != want {
		h.t.Fatalf("account %d: state %q, want %q", account, got, want)
	}
}

func (h *harness) poll(draft models.PollDraft) *models.Poll {
	h.t.Helper()
	poll, err := h.repo.CreatePoll(context.Background(), draft, 0)
	if err != nil {
		h.t.Fatalf("CreatePoll: %v", err)
	}
	return poll
}

// register runs /start with a name for an account that has no group to
// choose.
func (h *harness) register(account int64) {
	h.t.Helper()
	h.say(account, bot.CmdStart)
	h.say(account, "Doe Jane")
	h.expectState(account, fsm.None)
}

func lastText(t *testing.T, replies []bot.Reply) string {
	t.Helper()
	if len(replies) == 0 {
		t.Fatal("expected a reply")
	}
	return replies[len(replies)-1].Text
}

func contains(t *testing.T, replies []bot.Reply, fragment string) {
	t.Helper()
	for _, r := range replies {
		if strings.Contains(r.Text, fragment) {
			return
		}
	}
	t.Fatalf("no reply contains %q: %+v", fragment, replies)
}

func studentDraft(groupID *uint) models.PollDraft {
	return models.PollDraft{
		Title:    "P",
		Audience: models.AudienceStudents,
		GroupID:  groupID,
		Questions: []models.QuestionDraft{
			{Text: "Q1", Options: []string{"yes", "no"}},
			{Text: "Q2"},
		},
	}
}

func TestAuthoringFlow(t *testing.T) {
	h := newHarness(t)

	h.say(adminID, bot.BtnCreatePoll)
	h.expectState(adminID, bot.StateAuthorTitle)

	contains(t, h.say(adminID, "   "), "must not be empty")
	h.expectState(adminID, bot.StateAuthorTitle)

	h.say(adminID, "T")
	h.expectState(adminID, bot.StateAuthorAudience)

	contains(t, h.say(adminID, "parents"), "choose the audience")
	h.expectState(adminID, bot.StateAuthorAudience)

	h.say(adminID, bot.BtnEveryone)
	h.expectState(adminID, bot.StateAuthorQuestion)

	h.say(adminID, "Color?")
	h.expectState(adminID, bot.StateAuthorOptions)
	h.say(adminID, "Red")
	h.say(adminID, "Blue")
	contains(t, h.say(adminID, "Red"), "already added")

	h.say(adminID, bot.BtnOptionsDone)
	h.expectState(adminID, bot.StateAuthorMore)

	h.say(adminID, bot.BtnAddQuestion)
	h.expectState(adminID, bot.StateAuthorQuestion)
	h.say(adminID, "Why?")
	h.say(adminID, bot.BtnNoOptions)

	replies := h.say(adminID, bot.BtnFinishPoll)
	contains(t, replies, "saved with 2 question(s)")
	h.expectState(adminID, fsm.None)

	ctx := context.Background()
	polls, err := h.repo.ListPolls(ctx)
	if err != nil || len(polls) != 1 {
		t.Fatalf("expected one poll, got %+v err=%v", polls, err)
	}
	if polls[0].Title != "T" || polls[0].Audience != models.AudienceAll {
		t.Fatalf("unexpected poll %+v", polls[0])
	}
	questions, _ := h.repo.Questions(ctx, polls[0].ID)
	if len(questions) != 2 {
		t.Fatalf("expected 2 questions, got %d", len(questions))
	}
	color := questions[0]
	if color.Text != "Color?" || color.Kind != models.KindSingleChoice || len(color.Options) != 2 ||
		color.Options[0].Text != "Red" || color.Options[1].Text != "Blue" {
		t.Fatalf("unexpected first question %+v", color)
	}
	if questions[1].Kind != models.KindFreeText {
		t.Fatalf("expected free text second question, got %s", questions[1].Kind)
	}
}

func TestAuthoringRejectsPollWithoutQuestions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.say(adminID, bot.CmdStart)

	err := h.storage.Save(ctx, adminID, bot.StateAuthorMore, fsm.Data{"title": "T", "audience": "all", "questions": []models.QuestionDraft{}})
	if err != nil {
		t.Fatalf("seed state: %v", err)
	}
	contains(t, h.say(adminID, bot.BtnFinishPoll), "at least one question")
	h.expectState(adminID, bot.StateAuthorQuestion)

	polls, _ := h.repo.ListPolls(ctx)
	if len(polls) != 0 {
		t.Fatalf("expected no poll, got %d", len(polls))
	}
}

func TestBackCancelsEveryState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.say(adminID, bot.CmdStart)

	states := []fsm.State{
		bot.StateStartGroup,
		bot.StateAuthorTitle, bot.StateAuthorAudience, bot.StateAuthorQuestion, bot.StateAuthorOptions, bot.StateAuthorMore,
		bot.StateTakeChoose, bot.StateTakeAnswer,
		bot.StateEditChoosePoll, bot.StateEditMode, bot.StateEditField, bot.StateEditTitle, bot.StateEditAudience,
		bot.StateEditGroup, bot.StateEditChooseQuestion, bot.StateEditAction, bot.StateEditQuestionText,
		bot.StateEditAddOption, bot.StateEditChooseOption, bot.StateEditConfirmOption,
		bot.StateDeleteChoose, bot.StateDeleteConfirm,
		bot.StateStatsChoose,
		bot.StateGroupName, bot.StateAssignChoose, bot.StateAssignGroup,
		bot.StateUsersAction, bot.StateUsersAddID, bot.StateUsersAddRole, bot.StateUsersChoose,
		bot.StateUsersConfirmDelete, bot.StateUsersRole,
		bot.StateProfileName,
	}
	for _, state := range states {
		if err := h.storage.Save(ctx, adminID, state, fsm.Data{"title": "draft", "poll_id": 1}); err != nil {
			t.Fatalf("seed %s: %v", state, err)
		}
		replies := h.say(adminID, bot.BtnBack)
		h.expectState(adminID, fsm.None)
		_, data, _ := h.storage.Load(ctx, adminID)
		if len(data) != 0 {
			t.Fatalf("%s: scratch data survived back: %v", state, data)
		}
		last := replies[len(replies)-1]
		if len(last.Keyboard) == 0 || last.Keyboard[0][0] != bot.BtnStats {
			t.Fatalf("%s: expected admin main menu, got %+v", state, last)
		}
	}
}

func TestUnknownStateResets(t *testing.T) {
	h := newHarness(t)
	h.say(adminID, bot.CmdStart)
	if err := h.storage.Save(context.Background(), adminID, "legacy:step", fsm.Data{}); err != nil {
		t.Fatalf("seed state: %v", err)
	}
	contains(t, h.say(adminID, "hello"), "Choose an action")
	h.expectState(adminID, fsm.None)
}

func TestStartCommandAbandonsDialogue(t *testing.T) {
	h := newHarness(t)
	h.say(adminID, bot.BtnCreatePoll)
	h.say(adminID, "Draft")
	h.say(adminID, bot.CmdStart)
	h.expectState(adminID, fsm.None)
}

func TestUnauthorizedCommandsAreRefused(t *testing.T) {
	h := newHarness(t)

	for _, cmd := range []string{bot.BtnCreatePoll, bot.BtnEditPoll, bot.BtnDeletePoll, bot.BtnStats, bot.BtnCreateGroup, bot.BtnAPIKey, bot.BtnUsers, bot.BtnAssignGroup} {
		contains(t, h.say(studentID, cmd), "⛔")
		h.expectState(studentID, fsm.None)
	}
	contains(t, h.say(adminID, bot.BtnTakePoll), "⛔")
	contains(t, h.say(strangerID, bot.BtnTakePoll), "⛔")
	contains(t, h.say(strangerID, bot.BtnProfile), "⛔")
	h.expectState(strangerID, fsm.None)
	contains(t, h.say(strangerID, bot.CmdStart), "not registered")
}

func TestStudentScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g1, err := h.repo.CreateGroup(ctx, "G1")
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	// Registration asks for the name, then the group.
	contains(t, h.say(studentID, bot.CmdStart), "surname, name and patronymic")
	h.expectState(studentID, bot.StateProfileName)
	contains(t, h.say(studentID, "Doe"), "two or three words")
	h.expectState(studentID, bot.StateProfileName)
	contains(t, h.say(studentID, "Doe Jane Ann"), "choose your group")
	h.expectState(studentID, bot.StateStartGroup)
	contains(t, h.say(studentID, "G9"), "no such group")
	h.expectState(studentID, bot.StateStartGroup)
	contains(t, h.say(studentID, "G1"), "Group «G1» saved")
	h.expectState(studentID, fsm.None)

	poll := h.poll(studentDraft(&g1.ID))

	replies := h.say(studentID, bot.BtnTakePoll)
	h.expectState(studentID, bot.StateTakeChoose)
	if kb := replies[0].Keyboard; len(kb) < 1 || kb[0][0] != "1. P" {
		t.Fatalf("unexpected poll list %+v", replies[0])
	}
	contains(t, h.say(studentID, "7"), "pick a number")
	h.expectState(studentID, bot.StateTakeChoose)

	contains(t, h.say(studentID, "1. P"), "Q1")
	h.expectState(studentID, bot.StateTakeAnswer)

	contains(t, h.say(studentID, "maybe"), "choose one of the offered options")
	h.expectState(studentID, bot.StateTakeAnswer)

	contains(t, h.say(studentID, "yes"), "Q2")
	h.expectState(studentID, bot.StateTakeAnswer)

	contains(t, h.say(studentID, "fine"), "completed the poll")
	h.expectState(studentID, fsm.None)

	account, _ := h.repo.GetAccount(ctx, studentID)
	progress, err := h.repo.GetProgress(ctx, account.ID, poll.ID)
	if err != nil || !progress.Completed {
		t.Fatalf("expected completed progress, got %+v err=%v", progress, err)
	}
	contains(t, h.say(studentID, bot.BtnTakePoll), "no polls available")

	h.say(adminID, bot.BtnStats)
	h.expectState(adminID, bot.StateStatsChoose)
	replies = h.say(adminID, "1")
	for _, fragment := range []string{"yes: 1/1 (100.0%)", "no: 0/1 (0.0%)", "Text answers: 1"} {
		contains(t, replies, fragment)
	}
	h.expectState(adminID, fsm.None)
}

func TestTakingResumesAfterRestart(t *testing.T) {
	h := newHarness(t)
	h.register(studentID)
	h.poll(studentDraft(nil))

	h.say(studentID, bot.BtnTakePoll)
	h.say(studentID, "1")
	h.say(studentID, "no")
	h.expectState(studentID, bot.StateTakeAnswer)

	restarted := newHarnessOn(t, h.db)
	restarted.expectState(studentID, bot.StateTakeAnswer)
	contains(t, restarted.say(studentID, "after restart"), "completed the poll")

	account, _ := restarted.repo.GetAccount(context.Background(), studentID)
	var count int64
	restarted.db.Model(&models.Response{}).Where("account_id = ?", account.ID).Count(&count)
	if count != 2 {
		t.Fatalf("expected 2 responses, got %d", count)
	}
}

func TestTakingResumesAfterBack(t *testing.T) {
	h := newHarness(t)
	h.register(studentID)
	h.poll(studentDraft(nil))

	h.say(studentID, bot.BtnTakePoll)
	h.say(studentID, "1")
	h.say(studentID, "yes")
	h.say(studentID, bot.BtnBack)
	h.expectState(studentID, fsm.None)

	h.say(studentID, bot.BtnTakePoll)
	replies := h.say(studentID, "1")
	if !strings.Contains(lastText(t, replies), "Q2") {
		t.Fatalf("expected to resume at Q2, got %+v", replies)
	}
}

func TestAnsweringDeletedPoll(t *testing.T) {
	h := newHarness(t)
	h.register(studentID)
	poll := h.poll(studentDraft(nil))

	h.say(studentID, bot.BtnTakePoll)
	h.say(studentID, "1")
	if err := h.repo.DeletePoll(context.Background(), poll.ID); err != nil {
		t.Fatalf("DeletePoll: %v", err)
	}
	contains(t, h.say(studentID, "yes"), "no longer available")
	h.expectState(studentID, fsm.None)
}

func TestDeleteFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	poll := h.poll(studentDraft(nil))

	h.say(adminID, bot.BtnDeletePoll)
	contains(t, h.say(adminID, "1"), "Delete «P»?")
	h.expectState(adminID, bot.StateDeleteConfirm)
	contains(t, h.say(adminID, bot.BtnNo), "cancelled")
	if _, err := h.repo.GetPoll(ctx, poll.ID); err != nil {
		t.Fatalf("poll should survive a cancelled delete: %v", err)
	}

	h.say(adminID, bot.BtnDeletePoll)
	h.say(adminID, "1")
	contains(t, h.say(adminID, bot.BtnYes), "Poll deleted")
	h.expectState(adminID, fsm.None)
	if _, err := h.repo.GetPoll(ctx, poll.ID); err == nil {
		t.Fatal("expected poll to be deleted")
	}
	contains(t, h.say(adminID, bot.BtnDeletePoll), "no polls to delete")
}

func TestEditingFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	group, _ := h.repo.CreateGroup(ctx, "G1")
	poll := h.poll(studentDraft(nil))

	h.say(adminID, bot.BtnEditPoll)
	h.say(adminID, "1")
	h.expectState(adminID, bot.StateEditMode)

	h.say(adminID, bot.BtnParameters)
	h.expectState(adminID, bot.StateEditField)
	h.say(adminID, bot.BtnFieldTitle)
	contains(t, h.say(adminID, " "), "must not be empty")
	h.expectState(adminID, bot.StateEditTitle)
	contains(t, h.say(adminID, "Renamed"), "Title updated")
	h.expectState(adminID, bot.StateEditMode)

	h.say(adminID, bot.BtnParameters)
	h.say(adminID, bot.BtnFieldAud)
	h.say(adminID, bot.BtnTeachers)
	h.expectState(adminID, bot.StateEditMode)

	h.say(adminID, bot.BtnParameters)
	h.say(adminID, bot.BtnFieldGroup)
	contains(t, h.say(adminID, "G1"), "Group: G1")

	got, _ := h.repo.GetPoll(ctx, poll.ID)
	if got.Title != "Renamed" || got.Audience != models.AudienceTeachers || got.GroupID == nil || *got.GroupID != group.ID {
		t.Fatalf("unexpected poll after parameter edits %+v", got)
	}

	h.say(adminID, bot.BtnQuestions)
	h.expectState(adminID, bot.StateEditChooseQuestion)
	h.say(adminID, "1")
	h.expectState(adminID, bot.StateEditAction)

	h.say(adminID, bot.BtnAddOption)
	contains(t, h.say(adminID, "yes"), "already exists")
	contains(t, h.say(adminID, "maybe"), "Option added")
	h.expectState(adminID, bot.StateEditAction)

	h.say(adminID, bot.BtnDeleteOption)
	h.expectState(adminID, bot.StateEditChooseOption)
	contains(t, h.say(adminID, "3"), "Delete option «maybe»?")
	contains(t, h.say(adminID, bot.BtnYes), "Option deleted")

	h.say(adminID, bot.BtnEditText)
	contains(t, h.say(adminID, "Q1 edited"), "Question text updated")

	questions, _ := h.repo.Questions(ctx, poll.ID)
	if questions[0].Text != "Q1 edited" || len(questions[0].Options) != 2 {
		t.Fatalf("unexpected question after edits %+v", questions[0])
	}

	h.say(adminID, bot.BtnEditDone)
	h.expectState(adminID, bot.StateEditMode)
	contains(t, h.say(adminID, bot.BtnEditDone), "Editing finished")
	h.expectState(adminID, fsm.None)
}

func TestEditingRefusesToDeleteChosenOption(t *testing.T) {
	h := newHarness(t)
	h.register(studentID)
	h.poll(studentDraft(nil))

	h.say(studentID, bot.BtnTakePoll)
	h.say(studentID, "1")
	h.say(studentID, "yes")

	h.say(adminID, bot.BtnEditPoll)
	h.say(adminID, "1")
	h.say(adminID, bot.BtnQuestions)
	h.say(adminID, "1")
	h.say(adminID, bot.BtnDeleteOption)
	h.say(adminID, "1")
	contains(t, h.say(adminID, bot.BtnYes), "cannot be deleted")
	h.expectState(adminID, bot.StateEditAction)
}

func TestGroupCreationAndAPIKey(t *testing.T) {
	h := newHarness(t)

	h.say(teacherID, bot.BtnCreateGroup)
	h.expectState(teacherID, bot.StateGroupName)
	contains(t, h.say(teacherID, "G2"), "Group «G2» created")

	h.say(teacherID, bot.BtnCreateGroup)
	contains(t, h.say(teacherID, "G2"), "already exists")
	h.expectState(teacherID, bot.StateGroupName)
	h.say(teacherID, bot.BtnBack)

	contains(t, h.say(teacherID, bot.BtnAPIKey), "key-123")
	if len(h.keys.issued) != 1 || h.keys.issued[0] != teacherID {
		t.Fatalf("unexpected issued keys %v", h.keys.issued)
	}
	h.expectState(teacherID, fsm.None)
}

func TestMainMenuPerRole(t *testing.T) {
	h := newHarness(t)

	menu := func(account int64) [][]string {
		replies := h.say(account, "hello")
		return replies[len(replies)-1].Keyboard
	}
	has := func(kb [][]string, button string) bool {
		for _, row := range kb {
			for _, b := range row {
				if b == button {
					return true
				}
			}
		}
		return false
	}

	admin := menu(adminID)
	if !has(admin, bot.BtnStats) || !has(admin, bot.BtnCreatePoll) || has(admin, bot.BtnTakePoll) {
		t.Fatalf("unexpected admin menu %v", admin)
	}
	teacher := menu(teacherID)
	if !has(teacher, bot.BtnCreatePoll) || !has(teacher, bot.BtnTakePoll) {
		t.Fatalf("unexpected teacher menu %v", teacher)
	}
	student := menu(studentID)
	if !has(student, bot.BtnTakePoll) || has(student, bot.BtnCreatePoll) {
		t.Fatalf("unexpected student menu %v", student)
	}
}

func TestConcurrentAccountsDoNotInterleave(t *testing.T) {
	h := newHarness(t)
	h.poll(studentDraft(nil))
	h.register(studentID)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.bot.Handle(context.Background(), bot.Message{AccountID: studentID, Text: bot.BtnTakePoll})
		}()
	}
	wg.Wait()
	h.out.take()
	h.expectState(studentID, bot.StateTakeChoose)
}

func TestUserManagementFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(studentID)

	h.say(adminID, bot.BtnUsers)
	h.expectState(adminID, bot.StateUsersAction)

	replies := h.say(adminID, bot.BtnListUsers)
	contains(t, replies, "Doe Jane, 10 (student)")
	contains(t, replies, "1 (admin)")
	h.expectState(adminID, bot.StateUsersAction)

	h.say(adminID, bot.BtnAddUser)
	h.expectState(adminID, bot.StateUsersAddID)
	contains(t, h.say(adminID, "abc"), "positive number")
	h.expectState(adminID, bot.StateUsersAddID)
	contains(t, h.say(adminID, "10"), "already exists")
	h.expectState(adminID, bot.StateUsersAction)

	h.say(adminID, bot.BtnAddUser)
	h.say(adminID, "55")
	h.expectState(adminID, bot.StateUsersAddRole)
	contains(t, h.say(adminID, "root"), "choose the role")
	contains(t, h.say(adminID, bot.BtnRoleTeacher), "User 55 added as teacher")
	h.expectState(adminID, bot.StateUsersAction)
	added, err := h.repo.GetAccount(ctx, 55)
	if err != nil || added.Role != models.RoleTeacher {
		t.Fatalf("expected teacher 55, got %+v err=%v", added, err)
	}

	// The actor is never offered: the list is student 10, then teacher 55.
	h.say(adminID, bot.BtnChangeRole)
	h.expectState(adminID, bot.StateUsersChoose)
	contains(t, h.say(adminID, "2"), "New role for")
	h.expectState(adminID, bot.StateUsersRole)
	contains(t, h.say(adminID, bot.BtnRoleStudent), "changed to student")
	added, _ = h.repo.GetAccount(ctx, 55)
	if added.Role != models.RoleStudent {
		t.Fatalf("expected student role, got %s", added.Role)
	}

	h.say(adminID, bot.BtnUsersDone)
	h.expectState(adminID, fsm.None)
}

func TestUserDeletionRemovesAnswersAndDialogue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(studentID)
	h.poll(studentDraft(nil))

	h.say(studentID, bot.BtnTakePoll)
	h.say(studentID, "1")
	h.say(studentID, "yes")
	h.expectState(studentID, bot.StateTakeAnswer)

	h.say(adminID, bot.BtnUsers)
	h.say(adminID, bot.BtnRemoveUser)
	contains(t, h.say(adminID, "1"), "Delete Doe Jane")
	h.expectState(adminID, bot.StateUsersConfirmDelete)
	contains(t, h.say(adminID, bot.BtnNo), "Deletion cancelled")
	if _, err := h.repo.GetAccount(ctx, studentID); err != nil {
		t.Fatalf("account should survive a cancelled delete: %v", err)
	}

	h.say(adminID, bot.BtnRemoveUser)
	h.say(adminID, "1")
	contains(t, h.say(adminID, bot.BtnYes), "User deleted")
	h.expectState(adminID, bot.StateUsersAction)
	h.expectState(studentID, fsm.None)
	if _, err := h.repo.GetAccount(ctx, studentID); err == nil {
		t.Fatal("expected the account to be gone")
	}
	var count int64
	h.db.Model(&models.Response{}).Count(&count)
	if count != 0 {
		t.Fatalf("expected no responses left, got %d", count)
	}

	h.say(adminID, bot.BtnBack)
	h.say(adminID, bot.BtnStats)
	contains(t, h.say(adminID, "1"), "yes: 0/0 (0.0%)")
}

func TestTeacherCannotManageAdmins(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(studentID)

	h.say(teacherID, bot.BtnUsers)
	replies := h.say(teacherID, bot.BtnListUsers)
	for _, r := range replies {
		if strings.Contains(r.Text, "(admin)") {
			t.Fatalf("teacher saw an admin: %q", r.Text)
		}
	}

	h.say(teacherID, bot.BtnAddUser)
	replies = h.say(teacherID, "77")
	for _, row := range replies[len(replies)-1].Keyboard {
		for _, button := range row {
			if button == bot.BtnRoleAdmin {
				t.Fatal("teacher was offered the admin role")
			}
		}
	}
	contains(t, h.say(teacherID, "admin"), "cannot assign the admin role")
	h.expectState(teacherID, bot.StateUsersAddRole)
	h.say(teacherID, bot.BtnRoleStudent)
	if _, err := h.repo.GetAccount(ctx, 77); err != nil {
		t.Fatalf("expected account 77: %v", err)
	}

	// A stale pick pointing at an admin is refused.
	admin, _, _ := h.repo.EnsureAccount(ctx, adminID, models.RoleAdmin)
	err := h.storage.Save(ctx, teacherID, bot.StateUsersChoose, fsm.Data{"user_action": "delete", "user_ids": []uint{admin.ID}})
	if err != nil {
		t.Fatalf("seed state: %v", err)
	}
	contains(t, h.say(teacherID, "1"), "cannot manage an administrator")
	if _, err := h.repo.GetAccount(ctx, adminID); err != nil {
		t.Fatalf("admin must survive: %v", err)
	}
}

func TestGroupAssignment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	contains(t, h.say(adminID, bot.BtnAssignGroup), "no students or teachers")
	h.register(studentID)
	if _, err := h.repo.CreateGroup(ctx, "G1"); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	h.say(adminID, bot.BtnAssignGroup)
	h.expectState(adminID, bot.StateAssignChoose)
	contains(t, h.say(adminID, "1"), "new group for Doe Jane")
	h.expectState(adminID, bot.StateAssignGroup)
	contains(t, h.say(adminID, "G7"), "no such group")
	contains(t, h.say(adminID, "G1"), "Group set to «G1»")
	h.expectState(adminID, fsm.None)

	student, _ := h.repo.GetAccount(ctx, studentID)
	if student.GroupID == nil {
		t.Fatal("expected the student to have a group")
	}

	h.say(adminID, bot.BtnAssignGroup)
	h.say(adminID, "1")
	contains(t, h.say(adminID, bot.BtnNoGroup), "no group")
	student, _ = h.repo.GetAccount(ctx, studentID)
	if student.GroupID != nil {
		t.Fatalf("expected the group to be cleared, got %v", *student.GroupID)
	}
}

func TestProfileFromMenu(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(studentID)
	g2, _ := h.repo.CreateGroup(ctx, "G2")

	h.say(studentID, bot.BtnProfile)
	h.expectState(studentID, bot.StateProfileName)
	contains(t, h.say(studentID, "Roe Richard Ivanovich"), "choose your group")
	h.expectState(studentID, bot.StateStartGroup)
	h.say(studentID, "G2")
	h.expectState(studentID, fsm.None)

	student, _ := h.repo.GetAccount(ctx, studentID)
	if student.DisplayName() != "Roe Richard Ivanovich" || student.GroupID == nil || *student.GroupID != g2.ID {
		t.Fatalf("unexpected profile %+v", student)
	}

	h.say(adminID, bot.CmdRegister)
	contains(t, h.say(adminID, "Smith Anna"), "Profile saved")
	h.expectState(adminID, fsm.None)
	admin, _ := h.repo.GetAccount(ctx, adminID)
	if admin.DisplayName() != "Smith Anna" {
		t.Fatalf("unexpected admin name %q", admin.DisplayName())
	}
}
