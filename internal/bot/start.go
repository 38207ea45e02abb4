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

const keyProfileGroup = "profile_group"

// start greets the account. Teachers and students are asked for their name
// when it is missing and for a group when they have none.
func (b *Bot) start(s *session) error {
	role := s.account.Role
	if role == models.RoleUnknown {
		return s.send(Reply{Text: "👋 Hello! You are not registered yet. Ask an administrator to add your id " +
			fmt.Sprint(s.account.ExternalID) + ".", Keyboard: mainMenu(role)})
	}
	if role.CanTake() {
		if s.account.Surname == "" && s.account.Name == "" {
			return b.askProfileName(s, "👋 Welcome!", false)
		}
		if s.account.GroupID == nil {
			asked, err := b.askGroup(s, "👋 Welcome! Please choose your group:")
			if asked || err != nil {
				return err
			}
		}
	}
	return b.sendMainMenu(s, "👋 Welcome!")
}

// askGroup moves to the group choice. It reports false when no group exists.
func (b *Bot) askGroup(s *session, prompt string) (bool, error) {
	groups, err := b.repo.ListGroups(s.ctx)
	if err != nil || len(groups) == 0 {
		return false, err
	}
	if err := s.transition(StateStartGroup, nil); err != nil {
		return false, err
	}
	rows := make([][]string, 0, len(groups))
	for _, g := range groups {
		rows = append(rows, []string{g.Name})
	}
	return true, s.ask(prompt, rows...)
}

func (b *Bot) startProfile(s *session) error {
	return b.askProfileName(s, "", true)
}

// askProfileName asks for the full name. With regroup set, takers choose
// their group again afterwards.
func (b *Bot) askProfileName(s *session, notice string, regroup bool) error {
	if err := s.transition(StateProfileName, fsm.Data{keyProfileGroup: regroup}); err != nil {
		return err
	}
	text := "✍️ Enter your surname, name and patronymic (the patronymic may be omitted):"
	if notice != "" {
		text = notice + "\n" + text
	}
	return s.ask(text)
}

func (b *Bot) stepProfileName(s *session) error {
	parts := strings.Fields(s.text)
	if len(parts) < 2 || len(parts) > 3 {
		return s.reply("Please enter two or three words: surname, name and optionally patronymic.")
	}
	parts = append(parts, "")
	if err := b.repo.SetAccountName(s.ctx, s.account.ID, parts[0], parts[1], parts[2]); err != nil {
		return err
	}
	s.account.Surname, s.account.Name, s.account.Patronymic = parts[0], parts[1], parts[2]
	s.log.Info("profile saved")

	data, err := s.data()
	if err != nil {
		return err
	}
	var regroup bool
	if _, err := data.Decode(keyProfileGroup, &regroup); err != nil {
		return err
	}
	if s.account.Role.CanTake() && (regroup || s.account.GroupID == nil) {
		asked, err := b.askGroup(s, fmt.Sprintf("✅ Thank you, %s! Please choose your group:", s.account.DisplayName()))
		if asked || err != nil {
			return err
		}
	}
	if err := s.finish(); err != nil {
		return err
	}
	return b.sendMainMenu(s, "✅ Profile saved.")
}

func (b *Bot) stepStartGroup(s *session) error {
	group, err := b.repo.GetGroupByName(s.ctx, s.text)
	if errors.Is(err, survey.ErrNotFound) {
		return s.reply("There is no such group. Please choose one from the keyboard.")
	}
	if err != nil {
		return err
	}
	if err := b.repo.SetAccountGroup(s.ctx, s.account.ID, &group.ID); err != nil {
		return err
	}
	if err := s.finish(); err != nil {
		return err
	}
	s.account.GroupID = &group.ID
	s.log.Info("account joined group", zap.String("group", group.Name))
	return b.sendMainMenu(s, fmt.Sprintf("✅ Group «%s» saved.", group.Name))
}

func (b *Bot) startGroup(s *session) error {
	if err := s.transition(StateGroupName, nil); err != nil {
		return err
	}
	return s.ask("Enter the name of the new group:")
}

func (b *Bot) stepGroupName(s *session) error {
	if s.text == "" {
		return s.reply("The group name must not be empty.")
	}
	if _, err := b.repo.GetGroupByName(s.ctx, s.text); err == nil {
		return s.reply("This group already exists. Enter another name:")
	} else if !errors.Is(err, survey.ErrNotFound) {
		return err
	}
	group, err := b.repo.CreateGroup(s.ctx, s.text)
	if err != nil {
		return err
	}
	if err := s.finish(); err != nil {
		return err
	}
	s.log.Info("group created", zap.Uint("group_id", group.ID))
	return b.sendMainMenu(s, fmt.Sprintf("✅ Group «%s» created.", group.Name))
}

func (b *Bot) issueAPIKey(s *session) error {
	if b.keys == nil {
		return s.reply("The HTTP API is not enabled.")
	}
	key, err := b.keys.IssueAPIKey(s.ctx, s.account)
	if err != nil {
		return err
	}
	return s.reply(fmt.Sprintf("🔑 Your API key:\n%s\n\nExchange it for a token at POST /api/auth/token with account_id %d. "+
		"Issuing a new key revokes the old one.", key, s.account.ExternalID))
}
