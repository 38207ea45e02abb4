package bot

import (
	"errors"
	"fmt"

	"survey-bot/internal/fsm"
	"survey-bot/internal/models"
	"survey-bot/internal/survey"

	"go.uber.org/zap"
)

const (
	keyPollIDs    = "poll_ids"
	keyPollID     = "poll_id"
	keyQuestionID = "question_id"
)

func (b *Bot) startTaking(s *session) error {
	polls, err := b.repo.ListAvailablePolls(s.ctx, s.account)
	if err != nil {
		return err
	}
	if len(polls) == 0 {
		return b.sendMainMenu(s, "🚫 There are no polls available for you right now.")
	}
	if err := s.transition(StateTakeChoose, fsm.Data{keyPollIDs: pollIDs(polls)}); err != nil {
		return err
	}
	return s.ask("📋 Choose a poll:", numbered(pollLabels(polls))...)
}

func (b *Bot) stepTakeChoose(s *session) error {
	pollID, ok, err := s.choice(keyPollIDs)
	if err != nil {
		return err
	}
	if !ok {
		return s.reply(msgPickFromList)
	}
	poll, err := b.repo.GetPoll(s.ctx, pollID)
	if err != nil {
		return err
	}
	// the list may be stale: the poll could have been re-scoped since
	if !poll.VisibleTo(*s.account) {
		return fmt.Errorf("poll %d: %w", pollID, survey.ErrNotFound)
	}
	return b.askNextQuestion(s, pollID)
}

// askNextQuestion resumes the poll after the last answered question. A poll
// with nothing left to answer is marked complete.
func (b *Bot) askNextQuestion(s *session, pollID uint) error {
	question, err := b.repo.NextQuestion(s.ctx, s.account.ID, pollID)
	if err != nil {
		return err
	}
	if question == nil {
		if err := b.repo.CompleteProgress(s.ctx, s.account.ID, pollID); err != nil {
			return err
		}
		if err := s.finish(); err != nil {
			return err
		}
		return b.sendMainMenu(s, "✅ You have completed the poll. Thank you!")
	}
	patch := fsm.Data{keyPollID: pollID, keyQuestionID: question.ID}
	if err := s.transition(StateTakeAnswer, patch); err != nil {
		return err
	}
	return b.promptQuestion(s, question)
}

func (b *Bot) promptQuestion(s *session, question *models.Question) error {
	if question.Kind != models.KindSingleChoice || len(question.Options) == 0 {
		return s.ask("❓ " + question.Text + "\n\nType your answer:")
	}
	rows := make([][]string, 0, len(question.Options))
	for _, opt := range question.Options {
		rows = append(rows, []string{opt.Text})
	}
	return s.ask("❓ "+question.Text, rows...)
}

func (b *Bot) stepTakeAnswer(s *session) error {
	data, err := s.data()
	if err != nil {
		return err
	}
	pollID, okPoll := data.Uint(keyPollID)
	questionID, okQuestion := data.Uint(keyQuestionID)
	if !okPoll || !okQuestion {
		return fmt.Errorf("answering without poll or question: %w", survey.ErrNotFound)
	}

	completed, err := b.repo.RecordResponse(s.ctx, s.account.ID, questionID, s.text)
	switch {
	case errors.Is(err, survey.ErrInvalidOption):
		question, qerr := b.repo.GetQuestion(s.ctx, questionID)
		if qerr != nil {
			return qerr
		}
		if err := s.reply("Please choose one of the offered options."); err != nil {
			return err
		}
		return b.promptQuestion(s, question)
	case errors.Is(err, survey.ErrEmptyText):
		return s.reply("The answer must not be empty.")
	case errors.Is(err, survey.ErrAlreadyAnswered):
		if err := s.reply("You have already answered this question."); err != nil {
			return err
		}
		return b.askNextQuestion(s, pollID)
	case err != nil:
		return err
	}

	b.metrics.ResponsesRecorded.Inc()
	b.stats.Invalidate(s.ctx, pollID)
	s.log.Debug("response recorded", zap.Uint("poll_id", pollID), zap.Uint("question_id", questionID))

	if completed {
		if err := s.finish(); err != nil {
			return err
		}
		return b.sendMainMenu(s, "✅ You have completed the poll. Thank you!")
	}
	return b.askNextQuestion(s, pollID)
}
