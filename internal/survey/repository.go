// internal/survey/repository.go
package survey

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"survey-bot/internal/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyAnswered = errors.New("question already answered")
	ErrNoQuestions     = errors.New("poll has no questions")
	ErrInvalidOption   = errors.New("answer does not match any option")
	ErrOptionInUse     = errors.New("option already has responses")
	ErrEmptyText       = errors.New("text must not be empty")
	ErrKindLocked      = errors.New("question already has free-text responses")
	ErrInvalidAudience = errors.New("unknown audience")
)

type Repository struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewRepository(db *gorm.DB, log *zap.Logger) *Repository {
	return &Repository{db: db, log: log}
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}

// ---- accounts & groups ----

// EnsureAccount returns the account for an external id, creating it with the
// given role on first contact. The role of an existing account is left as is.
func (r *Repository) EnsureAccount(ctx context.Context, externalID int64, role models.Role) (*models.Account, bool, error) {
	account, err := r.GetAccount(ctx, externalID)
	if err == nil {
		return account, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	account = &models.Account{ExternalID: externalID, Role: role}
	if err := r.db.WithContext(ctx).Create(account).Error; err != nil {
		return nil, false, err
	}
	r.log.Info("account created", zap.Int64("external_id", externalID), zap.String("role", string(role)))
	return account, true, nil
}

func (r *Repository) GetAccount(ctx context.Context, externalID int64) (*models.Account, error) {
	var account models.Account
	err := r.db.WithContext(ctx).Where("external_id = ?", externalID).First(&account).Error
	if err != nil {
		return nil, notFound(err, "account")
	}
	return &account, nil
}

func (r *Repository) SetAccountGroup(ctx context.Context, accountID uint, groupID *uint) error {
	res := r.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", accountID).Update("group_id", groupID)
	return affected(res, "account")
}

func (r *Repository) SetAccountRole(ctx context.Context, accountID uint, role models.Role) error {
	res := r.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", accountID).Update("role", role)
	return affected(res, "account")
}

// GetAccountByID looks an account up by its internal id.
func (r *Repository) GetAccountByID(ctx context.Context, accountID uint) (*models.Account, error) {
	var account models.Account
	if err := r.db.WithContext(ctx).Preload("Group").First(&account, accountID).Error; err != nil {
		return nil, notFound(err, "account")
	}
	return &account, nil
}

// ListAccounts returns accounts in id order, skipping the given roles.
func (r *Repository) ListAccounts(ctx context.Context, exclude ...models.Role) ([]models.Account, error) {
	q := r.db.WithContext(ctx).Preload("Group").Order("id asc")
	if len(exclude) > 0 {
		q = q.Where("role NOT IN ?", exclude)
	}
	var accounts []models.Account
	err := q.Find(&accounts).Error
	return accounts, err
}

// SetAccountName stores the name parts; empty parts are stored empty.
func (r *Repository) SetAccountName(ctx context.Context, accountID uint, surname, name, patronymic string) error {
	res := r.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", accountID).Updates(map[string]interface{}{
		"surname":    strings.TrimSpace(surname),
		"name":       strings.TrimSpace(name),
		"patronymic": strings.TrimSpace(patronymic),
	})
	return affected(res, "account")
}

// DeleteAccount removes an account together with its responses and progress
// rows. It returns the ids of the polls whose statistics changed.
func (r *Repository) DeleteAccount(ctx context.Context, accountID uint) ([]uint, error) {
	var pollIDs []uint
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var answered []uint
		err := tx.Model(&models.Response{}).
			Joins("JOIN questions ON questions.id = responses.question_id").
			Where("responses.account_id = ?", accountID).
			Pluck("questions.poll_id", &answered).Error
		if err != nil {
			return err
		}
		seen := make(map[uint]bool, len(answered))
		for _, id := range answered {
			if !seen[id] {
				seen[id] = true
				pollIDs = append(pollIDs, id)
			}
		}

		if err := tx.Where("account_id = ?", accountID).Delete(&models.Response{}).Error; err != nil {
			return err
		}
		if err := tx.Where("account_id = ?", accountID).Delete(&models.Progress{}).Error; err != nil {
			return err
		}
		return affected(tx.Delete(&models.Account{}, accountID), "account")
	})
	if err != nil {
		return nil, err
	}
	r.log.Info("account deleted", zap.Uint("account_id", accountID), zap.Int("polls_touched", len(pollIDs)))
	return pollIDs, nil
}

func (r *Repository) CreateGroup(ctx context.Context, name string) (*models.Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrEmptyText
	}
	group := models.Group{Name: name}
	if err := r.db.WithContext(ctx).Create(&group).Error; err != nil {
		return nil, err
	}
	return &group, nil
}

// EnsureGroups creates any missing groups by name.
func (r *Repository) EnsureGroups(ctx context.Context, names []string) error {
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		group := models.Group{Name: name}
		if err := r.db.WithContext(ctx).Where(models.Group{Name: name}).FirstOrCreate(&group).Error; err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) ListGroups(ctx context.Context) ([]models.Group, error) {
	var groups []models.Group
	err := r.db.WithContext(ctx).Order("id asc").Find(&groups).Error
	return groups, err
}

func (r *Repository) GetGroupByName(ctx context.Context, name string) (*models.Group, error) {
	var group models.Group
	err := r.db.WithContext(ctx).Where("name = ?", strings.TrimSpace(name)).First(&group).Error
	if err != nil {
		return nil, notFound(err, "group")
	}
	return &group, nil
}

// ---- polls ----

// CreatePoll persists the poll, its questions and their options in one
// transaction. Questions and options keep the draft order.
func (r *Repository) CreatePoll(ctx context.Context, draft models.PollDraft, creatorID uint) (*models.Poll, error) {
	if strings.TrimSpace(draft.Title) == "" {
		return nil, ErrEmptyText
	}
	if len(draft.Questions) == 0 {
		return nil, ErrNoQuestions
	}
	audience, ok := models.ParseAudience(string(draft.Audience))
	if !ok {
		return nil, fmt.Errorf("audience %q: %w", draft.Audience, ErrInvalidAudience)
	}

	poll := models.Poll{
		Title:     strings.TrimSpace(draft.Title),
		Audience:  audience,
		GroupID:   draft.GroupID,
		CreatedBy: creatorID,
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&poll).Error; err != nil {
			return err
		}
		// One insert per row keeps ids monotonic in input order.
		for _, qd := range draft.Questions {
			if strings.TrimSpace(qd.Text) == "" {
				return ErrEmptyText
			}
			question := models.Question{PollID: poll.ID, Text: strings.TrimSpace(qd.Text), Kind: qd.Kind()}
			if err := tx.Omit(clause.Associations).Create(&question).Error; err != nil {
				return err
			}
			for _, text := range qd.Options {
				option := models.Option{QuestionID: question.ID, Text: strings.TrimSpace(text)}
				if err := tx.Create(&option).Error; err != nil {
					return err
				}
				question.Options = append(question.Options, option)
			}
			poll.Questions = append(poll.Questions, question)
		}
		return nil
	})
	if err != nil {
		r.log.Error("create poll failed", zap.String("title", draft.Title), zap.Error(err))
		return nil, err
	}
	r.log.Info("poll created", zap.Uint("poll_id", poll.ID), zap.Int("questions", len(poll.Questions)))
	return &poll, nil
}

func (r *Repository) GetPoll(ctx context.Context, pollID uint) (*models.Poll, error) {
	var poll models.Poll
	err := r.db.WithContext(ctx).Preload("Group").First(&poll, pollID).Error
	if err != nil {
		return nil, notFound(err, "poll")
	}
	return &poll, nil
}

func (r *Repository) ListPolls(ctx context.Context) ([]models.Poll, error) {
	var polls []models.Poll
	err := r.db.WithContext(ctx).Order("id asc").Find(&polls).Error
	return polls, err
}

// ListAvailablePolls returns the polls the account may take, in id order:
// audience matches the role (or everyone), group scope is empty or equals
// the account's group, and the account has not completed it.
func (r *Repository) ListAvailablePolls(ctx context.Context, account *models.Account) ([]models.Poll, error) {
	q := r.db.WithContext(ctx).
		Where("audience IN ?", []models.Audience{models.Audience(account.Role), models.AudienceAll})
	if account.GroupID != nil {
		q = q.Where("(group_id IS NULL OR group_id = ?)", *account.GroupID)
	} else {
		q = q.Where("group_id IS NULL")
	}
	completed := r.db.Model(&models.Progress{}).
		Select("poll_id").
		Where("account_id = ? AND completed = ?", account.ID, true)

	var polls []models.Poll
	err := q.Where("id NOT IN (?)", completed).Order("id asc").Find(&polls).Error
	return polls, err
}

// Questions returns the poll's questions in authoring order with their options.
func (r *Repository) Questions(ctx context.Context, pollID uint) ([]models.Question, error) {
	var questions []models.Question
	err := r.db.WithContext(ctx).
		Where("poll_id = ?", pollID).
		Preload("Options", func(db *gorm.DB) *gorm.DB { return db.Order("options.id asc") }).
		Order("id asc").
		Find(&questions).Error
	return questions, err
}

func (r *Repository) GetQuestion(ctx context.Context, questionID uint) (*models.Question, error) {
	var question models.Question
	err := r.db.WithContext(ctx).
		Preload("Options", func(db *gorm.DB) *gorm.DB { return db.Order("options.id asc") }).
		First(&question, questionID).Error
	if err != nil {
		return nil, notFound(err, "question")
	}
	return &question, nil
}

func (r *Repository) GetProgress(ctx context.Context, accountID, pollID uint) (*models.Progress, error) {
	var progress models.Progress
	err := r.db.WithContext(ctx).Where("account_id = ? AND poll_id = ?", accountID, pollID).First(&progress).Error
	if err != nil {
		return nil, notFound(err, "progress")
	}
	return &progress, nil
}

// NextQuestion returns the first question with an id greater than the
// account's last answered question, or nil when none remain.
func (r *Repository) NextQuestion(ctx context.Context, accountID, pollID uint) (*models.Question, error) {
	return nextQuestion(r.db.WithContext(ctx), accountID, pollID)
}

func nextQuestion(db *gorm.DB, accountID, pollID uint) (*models.Question, error) {
	var poll models.Poll
	if err := db.Select("id").First(&poll, pollID).Error; err != nil {
		return nil, notFound(err, "poll")
	}

	var progress models.Progress
	err := db.Where("account_id = ? AND poll_id = ?", accountID, pollID).Limit(1).Find(&progress).Error
	if err != nil {
		return nil, err
	}

	q := db.Where("poll_id = ?", pollID)
	if progress.LastQuestionID != nil {
		q = q.Where("id > ?", *progress.LastQuestionID)
	}
	var questions []models.Question
	err = q.Preload("Options", func(db *gorm.DB) *gorm.DB { return db.Order("options.id asc") }).
		Order("id asc").Limit(1).Find(&questions).Error
	if err != nil {
		return nil, err
	}
	if len(questions) == 0 {
		return nil, nil
	}
	return &questions[0], nil
}

// RecordResponse stores one answer and advances the account's progress in a
// single transaction. Single-choice answers must equal an option text
// exactly. A second answer to the same question is rejected with
// ErrAlreadyAnswered. The returned flag reports whether the poll is now
// complete for the account.
func (r *Repository) RecordResponse(ctx context.Context, accountID, questionID uint, answer string) (bool, error) {
	answer = strings.TrimSpace(answer)
	completed := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var question models.Question
		err := tx.Preload("Options", func(db *gorm.DB) *gorm.DB { return db.Order("options.id asc") }).
			First(&question, questionID).Error
		if err != nil {
			return notFound(err, "question")
		}

		response := models.Response{AccountID: accountID, QuestionID: question.ID}
		if len(question.Options) > 0 {
			option, ok := question.OptionByText(answer)
			if !ok {
				return ErrInvalidOption
			}
			response.OptionID = &option.ID
			response.Text = option.Text
		} else {
			if answer == "" {
				return ErrEmptyText
			}
			response.Text = answer
		}

		var existing int64
		if err := tx.Model(&models.Response{}).
			Where("account_id = ? AND question_id = ?", accountID, question.ID).
			Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return ErrAlreadyAnswered
		}
		if err := tx.Omit(clause.Associations).Create(&response).Error; err != nil {
			return err
		}

		var progress models.Progress
		err = tx.Where(models.Progress{AccountID: accountID, PollID: question.PollID}).
			FirstOrCreate(&progress).Error
		if err != nil {
			return err
		}
		// Never move the cursor backwards.
		if progress.LastQuestionID == nil || *progress.LastQuestionID < question.ID {
			progress.LastQuestionID = &question.ID
		}
		next, err := nextQuestionAfter(tx, question.PollID, *progress.LastQuestionID)
		if err != nil {
			return err
		}
		progress.Completed = !next
		completed = progress.Completed
		return tx.Model(&progress).Select("last_question_id", "completed", "updated_at").Updates(&progress).Error
	})
	if err != nil {
		return false, err
	}
	return completed, nil
}

func nextQuestionAfter(tx *gorm.DB, pollID, lastID uint) (bool, error) {
	var count int64
	err := tx.Model(&models.Question{}).Where("poll_id = ? AND id > ?", pollID, lastID).Count(&count).Error
	return count > 0, err
}

// CompleteProgress marks a poll complete for an account that has nothing
// left to answer (a poll with zero questions, for instance).
func (r *Repository) CompleteProgress(ctx context.Context, accountID, pollID uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		next, err := nextQuestion(tx, accountID, pollID)
		if err != nil {
			return err
		}
		if next != nil {
			return fmt.Errorf("poll %d still has unanswered questions", pollID)
		}
		var progress models.Progress
		if err := tx.Where(models.Progress{AccountID: accountID, PollID: pollID}).FirstOrCreate(&progress).Error; err != nil {
			return err
		}
		return tx.Model(&progress).Update("completed", true).Error
	})
}

func (r *Repository) UpdatePollTitle(ctx context.Context, pollID uint, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return ErrEmptyText
	}
	return affected(r.db.WithContext(ctx).Model(&models.Poll{}).Where("id = ?", pollID).Update("title", title), "poll")
}

func (r *Repository) UpdatePollAudience(ctx context.Context, pollID uint, audience models.Audience) error {
	normalized, ok := models.ParseAudience(string(audience))
	if !ok {
		return fmt.Errorf("audience %q: %w", audience, ErrInvalidAudience)
	}
	return affected(r.db.WithContext(ctx).Model(&models.Poll{}).Where("id = ?", pollID).Update("audience", normalized), "poll")
}

func (r *Repository) UpdatePollGroup(ctx context.Context, pollID uint, groupID *uint) error {
	return affected(r.db.WithContext(ctx).Model(&models.Poll{}).Where("id = ?", pollID).Update("group_id", groupID), "poll")
}

func (r *Repository) UpdateQuestionText(ctx context.Context, questionID uint, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyText
	}
	return affected(r.db.WithContext(ctx).Model(&models.Question{}).Where("id = ?", questionID).Update("text", text), "question")
}

// AddOption appends an option. A free-text question becomes single-choice,
// which is only allowed while it has no responses.
func (r *Repository) AddOption(ctx context.Context, questionID uint, text string) (*models.Option, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}
	option := models.Option{QuestionID: questionID, Text: text}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var question models.Question
		if err := tx.First(&question, questionID).Error; err != nil {
			return notFound(err, "question")
		}
		if question.Kind == models.KindFreeText {
			var responses int64
			if err := tx.Model(&models.Response{}).Where("question_id = ?", questionID).Count(&responses).Error; err != nil {
				return err
			}
			if responses > 0 {
				return ErrKindLocked
			}
			if err := tx.Model(&question).Update("kind", models.KindSingleChoice).Error; err != nil {
				return err
			}
		}
		return tx.Create(&option).Error
	})
	if err != nil {
		return nil, err
	}
	return &option, nil
}

// DeleteOption removes an option nobody has chosen yet. Removing the last
// option turns the question back into free text.
func (r *Repository) DeleteOption(ctx context.Context, optionID uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var option models.Option
		if err := tx.First(&option, optionID).Error; err != nil {
			return notFound(err, "option")
		}
		var responses int64
		if err := tx.Model(&models.Response{}).Where("question_id = ?", option.QuestionID).Count(&responses).Error; err != nil {
			return err
		}
		var chosen int64
		if err := tx.Model(&models.Response{}).Where("option_id = ?", optionID).Count(&chosen).Error; err != nil {
			return err
		}
		if chosen > 0 {
			return ErrOptionInUse
		}
		if err := tx.Delete(&option).Error; err != nil {
			return err
		}
		var left int64
		if err := tx.Model(&models.Option{}).Where("question_id = ?", option.QuestionID).Count(&left).Error; err != nil {
			return err
		}
		if left == 0 && responses == 0 {
			return tx.Model(&models.Question{}).Where("id = ?", option.QuestionID).Update("kind", models.KindFreeText).Error
		}
		return nil
	})
}

// DeletePoll removes the poll and everything that hangs off it in one
// transaction: responses, progress rows, options, questions.
func (r *Repository) DeletePoll(ctx context.Context, pollID uint) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var poll models.Poll
		if err := tx.Select("id").First(&poll, pollID).Error; err != nil {
			return notFound(err, "poll")
		}
		questionIDs := tx.Model(&models.Question{}).Select("id").Where("poll_id = ?", pollID)

		if err := tx.Where("question_id IN (?)", questionIDs).Delete(&models.Response{}).Error; err != nil {
			return err
		}
		if err := tx.Where("poll_id = ?", pollID).Delete(&models.Progress{}).Error; err != nil {
			return err
		}
		if err := tx.Where("question_id IN (?)", questionIDs).Delete(&models.Option{}).Error; err != nil {
			return err
		}
		if err := tx.Where("poll_id = ?", pollID).Delete(&models.Question{}).Error; err != nil {
			return err
		}
		return tx.Delete(&poll).Error
	})
	if err != nil {
		r.log.Error("delete poll failed", zap.Uint("poll_id", pollID), zap.Error(err))
		return err
	}
	r.log.Info("poll deleted", zap.Uint("poll_id", pollID))
	return nil
}

// StatsInput is everything the aggregator reads for one poll.
type StatsInput struct {
	Poll      models.Poll
	Questions []models.Question
	Responses []models.Response
	Accounts  map[uint]models.Account
}

func (r *Repository) LoadStatsInput(ctx context.Context, pollID uint) (*StatsInput, error) {
	db := r.db.WithContext(ctx)
	poll, err := r.GetPoll(ctx, pollID)
	if err != nil {
		return nil, err
	}
	questions, err := r.Questions(ctx, pollID)
	if err != nil {
		return nil, err
	}
	var responses []models.Response
	err = db.Where("question_id IN (?)", db.Model(&models.Question{}).Select("id").Where("poll_id = ?", pollID)).
		Order("id asc").Find(&responses).Error
	if err != nil {
		return nil, err
	}

	accountIDs := make([]uint, 0, len(responses))
	seen := make(map[uint]bool)
	for _, resp := range responses {
		if !seen[resp.AccountID] {
			seen[resp.AccountID] = true
			accountIDs = append(accountIDs, resp.AccountID)
		}
	}
	accounts := make(map[uint]models.Account, len(accountIDs))
	if len(accountIDs) > 0 {
		var rows []models.Account
		if err := db.Where("id IN ?", accountIDs).Find(&rows).Error; err != nil {
			return nil, err
		}
		for _, a := range rows {
			accounts[a.ID] = a
		}
	}
	return &StatsInput{Poll: *poll, Questions: questions, Responses: responses, Accounts: accounts}, nil
}

func affected(res *gorm.DB, what string) error {
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
