package bot

import (
	"errors"
	"fmt"
	"strings"

	"survey-bot/internal/fsm"
	"survey-bot/internal/models"
	"survey-bot/internal/survey"

	"go.uber.org/zap"
)

const (
	keyQuestionIDs = "question_ids"
	keyOptionIDs   = "option_ids"
	keyOptionID    = "option_id"
)

var (
	modeMenu   = [][]string{{BtnParameters, BtnQuestions}, {BtnEditDone}}
	fieldMenu  = [][]string{{BtnFieldTitle, BtnFieldAud, BtnFieldGroup}, {BtnEditDone}}
	actionMenu = [][]string{{BtnEditText}, {BtnAddOption, BtnDeleteOption}, {BtnEditDone}}
)

func (b *Bot) startEditing(s *session) error {
	polls, err := b.repo.ListPolls(s.ctx)
	if err != nil {
		return err
	}
	if len(polls) == 0 {
		return b.sendMainMenu(s, "There are no polls to edit.")
	}
	if err := s.transition(StateEditChoosePoll, fsm.Data{keyPollIDs: pollIDs(polls)}); err != nil {
		return err
	}
	return s.ask("✏️ Choose a poll to edit:", numbered(pollLabels(polls))...)
}

func (b *Bot) stepEditChoosePoll(s *session) error {
	pollID, ok, err := s.choice(keyPollIDs)
	if err != nil {
		return err
	}
	if !ok {
		return s.reply(msgPickFromList)
	}
	if err := s.state.Update(s.ctx, fsm.Data{keyPollID: pollID}); err != nil {
		return err
	}
	return b.backToMode(s, "")
}

// backToMode shows the poll summary and the parameters/questions choice.
func (b *Bot) backToMode(s *session, notice string) error {
	pollID, err := s.uintKey(keyPollID)
	if err != nil {
		return err
	}
	poll, err := b.repo.GetPoll(s.ctx, pollID)
	if err != nil {
		return err
	}
	if err := s.transition(StateEditMode, nil); err != nil {
		return err
	}
	group := "none"
	if poll.Group != nil {
		group = poll.Group.Name
	}
	text := fmt.Sprintf("Poll «%s»\nAudience: %s\nGroup: %s\n\nWhat do you want to edit?", poll.Title, audienceLabel(poll.Audience), group)
	if notice != "" {
		text = notice + "\n\n" + text
	}
	return s.ask(text, modeMenu...)
}

func (b *Bot) stepEditMode(s *session) error {
	switch s.text {
	case BtnParameters:
		if err := s.transition(StateEditField, nil); err != nil {
			return err
		}
		return s.ask("Which parameter?", fieldMenu...)
	case BtnQuestions:
		pollID, err := s.uintKey(keyPollID)
		if err != nil {
			return err
		}
		questions, err := b.repo.Questions(s.ctx, pollID)
		if err != nil {
			return err
		}
		if len(questions) == 0 {
			return s.ask("This poll has no questions.", modeMenu...)
		}
		ids := make([]uint, len(questions))
		labels := make([]string, len(questions))
		for i, q := range questions {
			ids[i] = q.ID
			labels[i] = q.Text
		}
		if err := s.transition(StateEditChooseQuestion, fsm.Data{keyQuestionIDs: ids}); err != nil {
			return err
		}
		return s.ask("Choose a question:", numbered(labels)...)
	case BtnEditDone:
		if err := s.finish(); err != nil {
			return err
		}
		return b.sendMainMenu(s, "✅ Editing finished.")
	}
	return s.ask(msgUseKeyboard, modeMenu...)
}

func (b *Bot) stepEditField(s *session) error {
	switch s.text {
	case BtnFieldTitle:
		if err := s.transition(StateEditTitle, nil); err != nil {
			return err
		}
		return s.ask("Enter the new title:")
	case BtnFieldAud:
		if err := s.transition(StateEditAudience, nil); err != nil {
			return err
		}
		return s.ask("Choose the new audience:", audienceButtons)
	case BtnFieldGroup:
		groups, err := b.repo.ListGroups(s.ctx)
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(groups)+1)
		for _, g := range groups {
			rows = append(rows, []string{g.Name})
		}
		rows = append(rows, []string{BtnNoGroup})
		if err := s.transition(StateEditGroup, nil); err != nil {
			return err
		}
		return s.ask("Choose the group this poll is limited to:", rows...)
	case BtnEditDone:
		return b.backToMode(s, "")
	}
	return s.ask(msgUseKeyboard, fieldMenu...)
}

func (b *Bot) stepEditTitle(s *session) error {
	pollID, err := s.uintKey(keyPollID)
	if err != nil {
		return err
	}
	err = b.repo.UpdatePollTitle(s.ctx, pollID, s.text)
	if errors.Is(err, survey.ErrEmptyText) {
		return s.reply("The title must not be empty. Enter the new title:")
	}
	if err != nil {
		return err
	}
	b.stats.Invalidate(s.ctx, pollID)
	return b.backToMode(s, "✅ Title updated.")
}

func (b *Bot) stepEditAudience(s *session) error {
	audience, ok := audienceFromButton(s.text)
	if !ok {
		return s.ask("Please choose the audience from the keyboard.", audienceButtons)
	}
	pollID, err := s.uintKey(keyPollID)
	if err != nil {
		return err
	}
	if err := b.repo.UpdatePollAudience(s.ctx, pollID, audience); err != nil {
		return err
	}
	return b.backToMode(s, "✅ Audience updated.")
}

func (b *Bot) stepEditGroup(s *session) error {
	pollID, err := s.uintKey(keyPollID)
	if err != nil {
		return err
	}
	var groupID *uint
	if s.text != BtnNoGroup {
		group, err := b.repo.GetGroupByName(s.ctx, s.text)
		if errors.Is(err, survey.ErrNotFound) {
			return s.reply("There is no such group. Please choose one from the keyboard.")
		}
		if err != nil {
			return err
		}
		groupID = &group.ID
	}
	if err := b.repo.UpdatePollGroup(s.ctx, pollID, groupID); err != nil {
		return err
	}
	return b.backToMode(s, "✅ Group updated.")
}

func (b *Bot) stepEditChooseQuestion(s *session) error {
	questionID, ok, err := s.choice(keyQuestionIDs)
	if err != nil {
		return err
	}
	if !ok {
		return s.reply(msgPickFromList)
	}
	if err := s.state.Update(s.ctx, fsm.Data{keyQuestionID: questionID}); err != nil {
		return err
	}
	return b.backToAction(s, "")
}

// backToAction shows the selected question and its edit actions.
func (b *Bot) backToAction(s *session, notice string) error {
	question, err := s.selectedQuestion()
	if err != nil {
		return err
	}
	if err := s.transition(StateEditAction, nil); err != nil {
		return err
	}
	var text strings.Builder
	if notice != "" {
		text.WriteString(notice + "\n\n")
	}
	fmt.Fprintf(&text, "❓ %s\n", question.Text)
	if len(question.Options) == 0 {
		text.WriteString("Free-text question.\n")
	}
	for _, opt := range question.Options {
		fmt.Fprintf(&text, "    • %s\n", opt.Text)
	}
	text.WriteString("\nWhat do you want to do?")
	return s.ask(text.String(), actionMenu...)
}

func (b *Bot) stepEditAction(s *session) error {
	switch s.text {
	case BtnEditText:
		if err := s.transition(StateEditQuestionText, nil); err != nil {
			return err
		}
		return s.ask("Enter the new question text:")
	case BtnAddOption:
		if err := s.transition(StateEditAddOption, nil); err != nil {
			return err
		}
		return s.ask("Enter the text of the new option:")
	case BtnDeleteOption:
		question, err := s.selectedQuestion()
		if err != nil {
			return err
		}
		if len(question.Options) == 0 {
			return s.ask("This question has no options.", actionMenu...)
		}
		ids := make([]uint, len(question.Options))
		labels := make([]string, len(question.Options))
		for i, opt := range question.Options {
			ids[i] = opt.ID
			labels[i] = opt.Text
		}
		if err := s.transition(StateEditChooseOption, fsm.Data{keyOptionIDs: ids}); err != nil {
			return err
		}
		return s.ask("Choose the option to delete:", numbered(labels)...)
	case BtnEditDone:
		return b.backToMode(s, "")
	}
	return s.ask(msgUseKeyboard, actionMenu...)
}

func (b *Bot) stepEditQuestionText(s *session) error {
	questionID, err := s.uintKey(keyQuestionID)
	if err != nil {
		return err
	}
	err = b.repo.UpdateQuestionText(s.ctx, questionID, s.text)
	if errors.Is(err, survey.ErrEmptyText) {
		return s.reply("The question text must not be empty. Enter the new text:")
	}
	if err != nil {
		return err
	}
	b.invalidateSelectedPoll(s)
	return b.backToAction(s, "✅ Question text updated.")
}

func (b *Bot) stepEditAddOption(s *session) error {
	question, err := s.selectedQuestion()
	if err != nil {
		return err
	}
	if s.text == "" {
		return s.reply("The option text must not be empty.")
	}
	if _, exists := question.OptionByText(s.text); exists {
		return s.reply("This option already exists. Enter another one:")
	}
	_, err = b.repo.AddOption(s.ctx, question.ID, s.text)
	if errors.Is(err, survey.ErrKindLocked) {
		return b.backToAction(s, "⛔ This free-text question already has answers, options cannot be added.")
	}
	if err != nil {
		return err
	}
	b.invalidateSelectedPoll(s)
	return b.backToAction(s, "✅ Option added.")
}

func (b *Bot) stepEditChooseOption(s *session) error {
	optionID, ok, err := s.choice(keyOptionIDs)
	if err != nil {
		return err
	}
	if !ok {
		return s.reply(msgPickFromList)
	}
	question, err := s.selectedQuestion()
	if err != nil {
		return err
	}
	label := ""
	for _, opt := range question.Options {
		if opt.ID == optionID {
			label = opt.Text
		}
	}
	if label == "" {
		return fmt.Errorf("option %d: %w", optionID, survey.ErrNotFound)
	}
	if err := s.transition(StateEditConfirmOption, fsm.Data{keyOptionID: optionID}); err != nil {
		return err
	}
	return s.ask(fmt.Sprintf("Delete option «%s»?", label), []string{BtnYes, BtnNo})
}

func (b *Bot) stepEditConfirmOption(s *session) error {
	switch s.text {
	case BtnYes:
		optionID, err := s.uintKey(keyOptionID)
		if err != nil {
			return err
		}
		err = b.repo.DeleteOption(s.ctx, optionID)
		if errors.Is(err, survey.ErrOptionInUse) {
			return b.backToAction(s, "⛔ This option has already been chosen and cannot be deleted.")
		}
		if err != nil {
			return err
		}
		b.invalidateSelectedPoll(s)
		s.log.Info("option deleted", zap.Uint("option_id", optionID))
		return b.backToAction(s, "✅ Option deleted.")
	case BtnNo:
		return b.backToAction(s, "")
	}
	return s.ask(msgUseKeyboard, []string{BtnYes, BtnNo})
}

func (b *Bot) invalidateSelectedPoll(s *session) {
	if pollID, err := s.uintKey(keyPollID); err == nil {
		b.stats.Invalidate(s.ctx, pollID)
	}
}

func (s *session) selectedQuestion() (*models.Question, error) {
	questionID, err := s.uintKey(keyQuestionID)
	if err != nil {
		return nil, err
	}
	return s.bot.repo.GetQuestion(s.ctx, questionID)
}

// uintKey reads an id from the scratch data. A missing id means the
// dialogue lost its target.
func (s *session) uintKey(key string) (uint, error) {
	data, err := s.data()
	if err != nil {
		return 0, err
	}
	v, ok := data.Uint(key)
	if !ok {
		return 0, fmt.Errorf("scratch key %q: %w", key, survey.ErrNotFound)
	}
	return v, nil
}
