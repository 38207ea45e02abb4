package bot

import (
	"fmt"

	"survey-bot/internal/fsm"
	"survey-bot/internal/survey"
)

func (b *Bot) startStats(s *session) error {
	polls, err := b.repo.ListPolls(s.ctx)
	if err != nil {
		return err
	}
	if len(polls) == 0 {
		return b.sendMainMenu(s, "There are no polls yet.")
	}
	if err := s.transition(StateStatsChoose, fsm.Data{keyPollIDs: pollIDs(polls)}); err != nil {
		return err
	}
	return s.ask("📊 Choose a poll:", numbered(pollLabels(polls))...)
}

func (b *Bot) stepStatsChoose(s *session) error {
	pollID, ok, err := s.choice(keyPollIDs)
	if err != nil {
		return err
	}
	if !ok {
		return s.reply(msgPickFromList)
	}
	stats, err := b.stats.PollStats(s.ctx, pollID)
	if err != nil {
		return err
	}
	if err := s.finish(); err != nil {
		return err
	}
	report := survey.FormatStats(*stats)
	report += fmt.Sprintf("\n\n⬇️ CSV export: GET /api/polls/%d/export.csv", pollID)
	if err := s.reply(report); err != nil {
		return err
	}
	return b.sendMainMenu(s, "")
}
