package bot

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"survey-bot/internal/fsm"
	"survey-bot/internal/models"
	"survey-bot/internal/survey"

	"go.uber.org/zap"
)

const (
	keyUserAction = "user_action"
	keyUserIDs    = "user_ids"
	keyUserID     = "user_id"
	keyNewID      = "new_external_id"

	userActionDelete = "delete"
	userActionRole   = "role"
)

var usersMenu = [][]string{{BtnListUsers}, {BtnAddUser, BtnRemoveUser}, {BtnChangeRole, BtnUsersDone}}

// hiddenRoles are the roles an actor may neither see nor manage.
func hiddenRoles(actor models.Role) []models.Role {
	if actor == models.RoleAdmin {
		return nil
	}
	return []models.Role{models.RoleAdmin}
}

func canAssign(actor, role models.Role) bool {
	return actor == models.RoleAdmin || role != models.RoleAdmin
}

func roleButtons(actor models.Role) []string {
	if actor == models.RoleAdmin {
		return []string{BtnRoleAdmin, BtnRoleTeacher, BtnRoleStudent}
	}
	return []string{BtnRoleTeacher, BtnRoleStudent}
}

func roleFromButton(text string) (models.Role, bool) {
	switch text {
	case BtnRoleAdmin:
		return models.RoleAdmin, true
	case BtnRoleTeacher:
		return models.RoleTeacher, true
	case BtnRoleStudent:
		return models.RoleStudent, true
	}
	return models.ParseRole(text)
}

func accountLabel(a models.Account) string {
	if a.Surname == "" && a.Name == "" && a.Patronymic == "" {
		return fmt.Sprintf("%d (%s)", a.ExternalID, a.Role)
	}
	return fmt.Sprintf("%s, %d (%s)", a.DisplayName(), a.ExternalID, a.Role)
}

func accountIDs(accounts []models.Account) []uint {
	ids := make([]uint, len(accounts))
	for i, a := range accounts {
		ids[i] = a.ID
	}
	return ids
}

func accountLabels(accounts []models.Account) []string {
	labels := make([]string, len(accounts))
	for i, a := range accounts {
		labels[i] = accountLabel(a)
	}
	return labels
}

func (b *Bot) startUsers(s *session) error {
	return b.backToUsers(s, "")
}

// backToUsers shows the user management menu.
func (b *Bot) backToUsers(s *session, notice string) error {
	if err := s.transition(StateUsersAction, nil); err != nil {
		return err
	}
	text := "👥 User management:"
	if notice != "" {
		text = notice + "\n\n" + text
	}
	return s.ask(text, usersMenu...)
}

func (b *Bot) stepUsersAction(s *session) error {
	switch s.text {
	case BtnListUsers:
		accounts, err := b.repo.ListAccounts(s.ctx, hiddenRoles(s.account.Role)...)
		if err != nil {
			return err
		}
		if len(accounts) == 0 {
			return s.ask("There are no users.", usersMenu...)
		}
		var text strings.Builder
		text.WriteString("📝 Users:\n")
		for i, a := range accounts {
			fmt.Fprintf(&text, "%d. %s", i+1, accountLabel(a))
			if a.Group != nil {
				fmt.Fprintf(&text, ", group %s", a.Group.Name)
			}
			text.WriteString("\n")
		}
		return s.ask(strings.TrimRight(text.String(), "\n"), usersMenu...)
	case BtnAddUser:
		if err := s.transition(StateUsersAddID, nil); err != nil {
			return err
		}
		return s.ask("Enter the id of the new user:")
	case BtnRemoveUser:
		return b.chooseUser(s, userActionDelete, "Choose the user to delete:")
	case BtnChangeRole:
		return b.chooseUser(s, userActionRole, "Choose the user whose role to change:")
	case BtnUsersDone:
		if err := s.finish(); err != nil {
			return err
		}
		return b.sendMainMenu(s, "")
	}
	return s.ask(msgUseKeyboard, usersMenu...)
}

// chooseUser lists the accounts the actor may manage, the actor excluded.
func (b *Bot) chooseUser(s *session, action, prompt string) error {
	accounts, err := b.repo.ListAccounts(s.ctx, hiddenRoles(s.account.Role)...)
	if err != nil {
		return err
	}
	others := accounts[:0]
	for _, a := range accounts {
		if a.ID != s.account.ID {
			others = append(others, a)
		}
	}
	if len(others) == 0 {
		return s.ask("There are no users you can manage.", usersMenu...)
	}
	patch := fsm.Data{keyUserAction: action, keyUserIDs: accountIDs(others)}
	if err := s.transition(StateUsersChoose, patch); err != nil {
		return err
	}
	return s.ask(prompt, numbered(accountLabels(others))...)
}

func (b *Bot) stepUsersAddID(s *session) error {
	externalID, err := strconv.ParseInt(s.text, 10, 64)
	if err != nil || externalID <= 0 {
		return s.reply("The id must be a positive number. Enter the id of the new user:")
	}
	if _, err := b.repo.GetAccount(s.ctx, externalID); err == nil {
		return b.backToUsers(s, fmt.Sprintf("⚠️ User %d already exists.", externalID))
	} else if !errors.Is(err, survey.ErrNotFound) {
		return err
	}
	if err := s.transition(StateUsersAddRole, fsm.Data{keyNewID: externalID}); err != nil {
		return err
	}
	return s.ask("Choose the role of the new user:", roleButtons(s.account.Role))
}

func (b *Bot) stepUsersAddRole(s *session) error {
	role, ok := roleFromButton(s.text)
	if !ok {
		return s.ask("Please choose the role from the keyboard.", roleButtons(s.account.Role))
	}
	if !canAssign(s.account.Role, role) {
		return s.reply("⛔ You cannot assign the admin role.")
	}
	data, err := s.data()
	if err != nil {
		return err
	}
	var externalID int64
	if ok, err := data.Decode(keyNewID, &externalID); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("scratch key %q: %w", keyNewID, survey.ErrNotFound)
	}

	account, created, err := b.repo.EnsureAccount(s.ctx, externalID, role)
	if err != nil {
		return err
	}
	if !created {
		return b.backToUsers(s, fmt.Sprintf("⚠️ User %d already exists.", externalID))
	}
	s.log.Info("account added", zap.Int64("external_id", externalID), zap.String("role", string(account.Role)))
	return b.backToUsers(s, fmt.Sprintf("✅ User %d added as %s.", externalID, account.Role))
}

// managedTarget loads the chosen account and checks the actor may touch it.
// It returns nil after replying when the actor may not.
func (b *Bot) managedTarget(s *session, id uint) (*models.Account, error) {
	target, err := b.repo.GetAccountByID(s.ctx, id)
	if err != nil {
		return nil, err
	}
	if s.account.Role != models.RoleAdmin && target.Role == models.RoleAdmin {
		return nil, b.backToUsers(s, "⛔ You cannot manage an administrator.")
	}
	return target, nil
}

func (b *Bot) stepUsersChoose(s *session) error {
	id, ok, err := s.choice(keyUserIDs)
	if err != nil {
		return err
	}
	if !ok {
		return s.reply(msgPickFromList)
	}
	target, err := b.managedTarget(s, id)
	if target == nil {
		return err
	}
	data, err := s.data()
	if err != nil {
		return err
	}
	action, _ := data.String(keyUserAction)

	switch action {
	case userActionDelete:
		if err := s.transition(StateUsersConfirmDelete, fsm.Data{keyUserID: target.ID}); err != nil {
			return err
		}
		return s.ask(fmt.Sprintf("Delete %s? Their answers and progress will be removed.", accountLabel(*target)),
			[]string{BtnYes, BtnNo})
	case userActionRole:
		if err := s.transition(StateUsersRole, fsm.Data{keyUserID: target.ID}); err != nil {
			return err
		}
		return s.ask(fmt.Sprintf("New role for %s:", accountLabel(*target)), roleButtons(s.account.Role))
	}
	return b.backToUsers(s, "")
}

func (b *Bot) stepUsersConfirmDelete(s *session) error {
	switch s.text {
	case BtnYes:
		id, err := s.uintKey(keyUserID)
		if err != nil {
			return err
		}
		target, err := b.managedTarget(s, id)
		if target == nil {
			return err
		}
		touched, err := b.repo.DeleteAccount(s.ctx, target.ID)
		if err != nil {
			return err
		}
		for _, pollID := range touched {
			b.stats.Invalidate(s.ctx, pollID)
		}
		if err := b.machine.For(target.ExternalID).Finish(s.ctx); err != nil {
			s.log.Warn("clear deleted account dialogue failed", zap.Int64("external_id", target.ExternalID), zap.Error(err))
		}
		s.log.Info("account deleted by user", zap.Int64("external_id", target.ExternalID))
		return b.backToUsers(s, "✅ User deleted.")
	case BtnNo:
		return b.backToUsers(s, "Deletion cancelled.")
	}
	return s.ask(msgUseKeyboard, []string{BtnYes, BtnNo})
}

func (b *Bot) stepUsersRole(s *session) error {
	role, ok := roleFromButton(s.text)
	if !ok {
		return s.ask("Please choose the role from the keyboard.", roleButtons(s.account.Role))
	}
	if !canAssign(s.account.Role, role) {
		return s.reply("⛔ You cannot assign the admin role.")
	}
	id, err := s.uintKey(keyUserID)
	if err != nil {
		return err
	}
	target, err := b.managedTarget(s, id)
	if target == nil {
		return err
	}
	if target.Role == models.RoleAdmin && role != models.RoleAdmin {
		return b.backToUsers(s, "⛔ An administrator's role cannot be changed.")
	}
	if err := b.repo.SetAccountRole(s.ctx, target.ID, role); err != nil {
		return err
	}
	s.log.Info("account role changed", zap.Int64("external_id", target.ExternalID), zap.String("role", string(role)))
	return b.backToUsers(s, fmt.Sprintf("✅ Role of %d changed to %s.", target.ExternalID, role))
}

// startAssignGroup lists the accounts that take polls: teachers and students.
func (b *Bot) startAssignGroup(s *session) error {
	accounts, err := b.repo.ListAccounts(s.ctx, models.RoleAdmin, models.RoleUnknown)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		return b.sendMainMenu(s, "There are no students or teachers yet.")
	}
	if err := s.transition(StateAssignChoose, fsm.Data{keyUserIDs: accountIDs(accounts)}); err != nil {
		return err
	}
	return s.ask("🔀 Choose a user:", numbered(accountLabels(accounts))...)
}

func (b *Bot) stepAssignChoose(s *session) error {
	id, ok, err := s.choice(keyUserIDs)
	if err != nil {
		return err
	}
	if !ok {
		return s.reply(msgPickFromList)
	}
	target, err := b.repo.GetAccountByID(s.ctx, id)
	if err != nil {
		return err
	}
	groups, err := b.repo.ListGroups(s.ctx)
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		if err := s.finish(); err != nil {
			return err
		}
		return b.sendMainMenu(s, "There are no groups yet. Create one first.")
	}
	rows := make([][]string, 0, len(groups)+1)
	for _, g := range groups {
		rows = append(rows, []string{g.Name})
	}
	rows = append(rows, []string{BtnNoGroup})
	if err := s.transition(StateAssignGroup, fsm.Data{keyUserID: target.ID}); err != nil {
		return err
	}
	return s.ask(fmt.Sprintf("Choose the new group for %s:", accountLabel(*target)), rows...)
}

func (b *Bot) stepAssignGroup(s *session) error {
	id, err := s.uintKey(keyUserID)
	if err != nil {
		return err
	}
	var (
		groupID *uint
		label   = "no group"
	)
	if s.text != BtnNoGroup {
		group, err := b.repo.GetGroupByName(s.ctx, s.text)
		if errors.Is(err, survey.ErrNotFound) {
			return s.reply("There is no such group. Please choose one from the keyboard.")
		}
		if err != nil {
			return err
		}
		groupID = &group.ID
		label = "«" + group.Name + "»"
	}
	if err := b.repo.SetAccountGroup(s.ctx, id, groupID); err != nil {
		return err
	}
	if err := s.finish(); err != nil {
		return err
	}
	return b.sendMainMenu(s, "✅ Group set to "+label+".")
}
