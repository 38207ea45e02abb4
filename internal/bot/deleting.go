package bot

import (
	"fmt"

	"survey-bot/internal/fsm"

	"go.uber.org/zap"
)

func (b *Bot) startDeleting(s *session) error {
	polls, err := b.repo.ListPolls(s.ctx)
	if err != nil {
		return err
	}
	if len(polls) == 0 {
		return b.sendMainMenu(s, "There are no polls to delete.")
	}
	if err := s.transition(StateDeleteChoose, fsm.Data{keyPollIDs: pollIDs(polls)}); err != nil {
		return err
	}
	return s.ask("🗑 Choose a poll to delete:", numbered(pollLabels(polls))...)
}

func (b *Bot) stepDeleteChoose(s *session) error {
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
	if err := s.transition(StateDeleteConfirm, fsm.Data{keyPollID: poll.ID}); err != nil {
		return err
	}
	return s.ask(fmt.Sprintf("Delete «%s»? All its questions, answers and progress will be removed.", poll.Title),
		[]string{BtnYes, BtnNo})
}

func (b *Bot) stepDeleteConfirm(s *session) error {
	switch s.text {
	case BtnYes:
		pollID, err := s.uintKey(keyPollID)
		if err != nil {
			return err
		}
		if err := b.repo.DeletePoll(s.ctx, pollID); err != nil {
			return err
		}
		b.stats.Invalidate(s.ctx, pollID)
		b.metrics.PollsDeleted.Inc()
		if err := s.finish(); err != nil {
			return err
		}
		s.log.Info("poll deleted by user", zap.Uint("poll_id", pollID))
		return b.sendMainMenu(s, "✅ Poll deleted.")
	case BtnNo:
		if err := s.finish(); err != nil {
			return err
		}
		return b.sendMainMenu(s, "Deletion cancelled.")
	}
	return s.ask(msgUseKeyboard, []string{BtnYes, BtnNo})
}
