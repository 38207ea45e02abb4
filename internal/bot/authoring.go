package bot

import (
	"fmt"

	"survey-bot/internal/fsm"
	"survey-bot/internal/models"

	"go.uber.org/zap"
)

const (
	keyTitle     = "title"
	keyAudience  = "audience"
	keyQuestions = "questions"
)

func (b *Bot) startAuthoring(s *session) error {
	if err := s.transition(StateAuthorTitle, nil); err != nil {
		return err
	}
	return s.ask("📝 Enter the poll title:")
}

func (b *Bot) stepAuthorTitle(s *session) error {
	if s.text == "" {
		return s.reply("The title must not be empty. Enter the poll title:")
	}
	if err := s.transition(StateAuthorAudience, fsm.Data{keyTitle: s.text}); err != nil {
		return err
	}
	return s.ask("👥 Who is the poll for?", audienceButtons)
}

func (b *Bot) stepAuthorAudience(s *session) error {
	audience, ok := audienceFromButton(s.text)
	if !ok {
		return s.ask("Please choose the audience from the keyboard.", audienceButtons)
	}
	patch := fsm.Data{keyAudience: string(audience), keyQuestions: []models.QuestionDraft{}}
	if err := s.transition(StateAuthorQuestion, patch); err != nil {
		return err
	}
	return s.ask("❓ Enter the text of the first question:")
}

func (b *Bot) stepAuthorQuestion(s *session) error {
	if s.text == "" {
		return s.reply("The question text must not be empty.")
	}
	questions, err := s.drafts()
	if err != nil {
		return err
	}
	questions = append(questions, models.QuestionDraft{Text: s.text, Options: []string{}})
	if err := s.transition(StateAuthorOptions, fsm.Data{keyQuestions: questions}); err != nil {
		return err
	}
	return s.ask("Send answer options one message at a time.\n"+
		"Press «"+BtnOptionsDone+"» when finished or «"+BtnNoOptions+"» for a free-text question.",
		[]string{BtnOptionsDone, BtnNoOptions})
}

func (b *Bot) stepAuthorOptions(s *session) error {
	questions, err := s.drafts()
	if err != nil {
		return err
	}
	if len(questions) == 0 {
		if err := s.transition(StateAuthorQuestion, nil); err != nil {
			return err
		}
		return s.ask("❓ Enter the question text:")
	}
	last := &questions[len(questions)-1]

	if s.text == BtnOptionsDone || s.text == BtnNoOptions {
		if s.text == BtnNoOptions {
			last.Options = []string{}
		}
		if err := s.transition(StateAuthorMore, fsm.Data{keyQuestions: questions}); err != nil {
			return err
		}
		kind := "free-text"
		if last.Kind() == models.KindSingleChoice {
			kind = fmt.Sprintf("single-choice, %d options", len(last.Options))
		}
		return s.ask(fmt.Sprintf("✅ Question saved (%s). Add another question or finish the poll?", kind),
			[]string{BtnAddQuestion, BtnFinishPoll})
	}

	if s.text == "" {
		return s.reply("The option text must not be empty.")
	}
	for _, opt := range last.Options {
		if opt == s.text {
			return s.reply("This option is already added.")
		}
	}
	last.Options = append(last.Options, s.text)
	if err := s.state.Update(s.ctx, fsm.Data{keyQuestions: questions}); err != nil {
		return err
	}
	return s.reply(fmt.Sprintf("➕ Option added: %s", s.text))
}

func (b *Bot) stepAuthorMore(s *session) error {
	switch s.text {
	case BtnAddQuestion:
		if err := s.transition(StateAuthorQuestion, nil); err != nil {
			return err
		}
		return s.ask("❓ Enter the text of the next question:")
	case BtnFinishPoll:
		return b.savePoll(s)
	}
	return s.ask(msgUseKeyboard, []string{BtnAddQuestion, BtnFinishPoll})
}

func (b *Bot) savePoll(s *session) error {
	data, err := s.data()
	if err != nil {
		return err
	}
	var draft models.PollDraft
	draft.Title, _ = data.String(keyTitle)
	audience, _ := data.String(keyAudience)
	draft.Audience = models.Audience(audience)
	if _, err := data.Decode(keyQuestions, &draft.Questions); err != nil {
		return err
	}
	if len(draft.Questions) == 0 {
		if err := s.transition(StateAuthorQuestion, nil); err != nil {
			return err
		}
		return s.ask("⛔ A poll needs at least one question. Enter the question text:")
	}

	poll, err := b.repo.CreatePoll(s.ctx, draft, s.account.ID)
	if err != nil {
		return err
	}
	if err := s.finish(); err != nil {
		return err
	}
	b.metrics.PollsCreated.Inc()
	s.log.Info("poll authored", zap.Uint("poll_id", poll.ID), zap.Int("questions", len(poll.Questions)))
	return b.sendMainMenu(s, fmt.Sprintf("✅ Poll «%s» saved with %d question(s) for %s.",
		poll.Title, len(poll.Questions), audienceLabel(poll.Audience)))
}

func (s *session) drafts() ([]models.QuestionDraft, error) {
	data, err := s.data()
	if err != nil {
		return nil, err
	}
	var questions []models.QuestionDraft
	if _, err := data.Decode(keyQuestions, &questions); err != nil {
		return nil, err
	}
	return questions, nil
}
