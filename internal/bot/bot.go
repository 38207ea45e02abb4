// Package bot drives the survey dialogues. Each inbound message runs exactly
// one step for its account: the router resolves the account, consults the
// conversation state and hands the message to a step handler or a menu
// command. Replies go out through a Sender.
package bot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"survey-bot/internal/fsm"
	"survey-bot/internal/models"
	"survey-bot/internal/survey"
	"survey-bot/pkg/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Message struct {
	AccountID int64  `json:"account_id"`
	Text      string `json:"text"`
}

// Reply is one outbound message. Keyboard rows replace the current reply
// keyboard; RemoveKeyboard hides it.
type Reply struct {
	Text           string     `json:"text"`
	Keyboard       [][]string `json:"keyboard,omitempty"`
	RemoveKeyboard bool       `json:"remove_keyboard,omitempty"`
}

// Sender delivers replies to an account. Failed deliveries are logged and
// not retried.
type Sender interface {
	Send(ctx context.Context, accountID int64, reply Reply) error
}

// RoleResolver maps an external id to its allow-listed role.
type RoleResolver interface {
	RoleFor(externalID int64) models.Role
}

// KeyIssuer hands out API keys for the HTTP surface.
type KeyIssuer interface {
	IssueAPIKey(ctx context.Context, account *models.Account) (string, error)
}

type Options struct {
	Repo    *survey.Repository
	Stats   *survey.StatsService
	Machine *fsm.Machine
	Sender  Sender
	Roles   RoleResolver
	Keys    KeyIssuer
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

type stepFunc func(s *session) error

type command struct {
	allowed func(models.Role) bool
	denied  string
	run     stepFunc
}

type Bot struct {
	repo     *survey.Repository
	stats    *survey.StatsService
	machine  *fsm.Machine
	sender   Sender
	roles    RoleResolver
	keys     KeyIssuer
	metrics  *metrics.Metrics
	log      *zap.Logger
	locks    *accountLocks
	steps    map[fsm.State]stepFunc
	commands map[string]command
}

func New(opts Options) *Bot {
	b := &Bot{
		repo:    opts.Repo,
		stats:   opts.Stats,
		machine: opts.Machine,
		sender:  opts.Sender,
		roles:   opts.Roles,
		keys:    opts.Keys,
		metrics: opts.Metrics,
		log:     opts.Logger,
		locks:   newAccountLocks(),
	}
	if b.log == nil {
		b.log = zap.NewNop()
	}
	if b.metrics == nil {
		b.metrics = metrics.New("survey_bot")
	}
	b.register()
	return b
}

// SetSender replaces the default delivery collaborator. It must be called
// before the first message is handled.
func (b *Bot) SetSender(sender Sender) {
	b.sender = sender
}

func (b *Bot) register() {
	b.steps = map[fsm.State]stepFunc{
		StateStartGroup: b.stepStartGroup,

		StateAuthorTitle:    b.stepAuthorTitle,
		StateAuthorAudience: b.stepAuthorAudience,
		StateAuthorQuestion: b.stepAuthorQuestion,
		StateAuthorOptions:  b.stepAuthorOptions,
		StateAuthorMore:     b.stepAuthorMore,

		StateTakeChoose: b.stepTakeChoose,
		StateTakeAnswer: b.stepTakeAnswer,

		StateEditChoosePoll:     b.stepEditChoosePoll,
		StateEditMode:           b.stepEditMode,
		StateEditField:          b.stepEditField,
		StateEditTitle:          b.stepEditTitle,
		StateEditAudience:       b.stepEditAudience,
		StateEditGroup:          b.stepEditGroup,
		StateEditChooseQuestion: b.stepEditChooseQuestion,
		StateEditAction:         b.stepEditAction,
		StateEditQuestionText:   b.stepEditQuestionText,
		StateEditAddOption:      b.stepEditAddOption,
		StateEditChooseOption:   b.stepEditChooseOption,
		StateEditConfirmOption:  b.stepEditConfirmOption,

		StateDeleteChoose:  b.stepDeleteChoose,
		StateDeleteConfirm: b.stepDeleteConfirm,

		StateStatsChoose: b.stepStatsChoose,

		StateGroupName:    b.stepGroupName,
		StateAssignChoose: b.stepAssignChoose,
		StateAssignGroup:  b.stepAssignGroup,

		StateUsersAction:        b.stepUsersAction,
		StateUsersAddID:         b.stepUsersAddID,
		StateUsersAddRole:       b.stepUsersAddRole,
		StateUsersChoose:        b.stepUsersChoose,
		StateUsersConfirmDelete: b.stepUsersConfirmDelete,
		StateUsersRole:          b.stepUsersRole,

		StateProfileName: b.stepProfileName,
	}

	authors := models.Role.CanAuthor
	registered := func(r models.Role) bool { return r != models.RoleUnknown }
	b.commands = map[string]command{
		CmdStart:       {run: b.start},
		BtnProfile:     {allowed: registered, denied: "⛔ You are not registered yet.", run: b.startProfile},
		CmdRegister:    {allowed: registered, denied: "⛔ You are not registered yet.", run: b.startProfile},
		BtnUsers:       {allowed: authors, denied: "⛔ Only admins and teachers can manage users.", run: b.startUsers},
		BtnAssignGroup: {allowed: authors, denied: "⛔ Only admins and teachers can assign groups.", run: b.startAssignGroup},
		BtnCreatePoll:  {allowed: authors, denied: "⛔ Only admins and teachers can create polls.", run: b.startAuthoring},
		BtnEditPoll:    {allowed: authors, denied: "⛔ Only admins and teachers can edit polls.", run: b.startEditing},
		BtnDeletePoll:  {allowed: authors, denied: "⛔ Only admins and teachers can delete polls.", run: b.startDeleting},
		BtnStats:       {allowed: authors, denied: "⛔ Only admins and teachers can view statistics.", run: b.startStats},
		BtnCreateGroup: {allowed: authors, denied: "⛔ Only admins and teachers can create groups.", run: b.startGroup},
		BtnAPIKey:      {allowed: authors, denied: "⛔ Only admins and teachers can use the HTTP API.", run: b.issueAPIKey},
		CmdAPIKey:      {allowed: authors, denied: "⛔ Only admins and teachers can use the HTTP API.", run: b.issueAPIKey},
		BtnTakePoll:    {allowed: models.Role.CanTake, denied: "⛔ Only students and teachers can take polls.", run: b.startTaking},
	}
}

// Handle runs one step for msg and delivers the replies through the
// configured Sender.
func (b *Bot) Handle(ctx context.Context, msg Message) error {
	return b.Process(ctx, msg, b.sender)
}

// Process runs one step for msg and delivers the replies through sender.
// Steps of one account never overlap.
func (b *Bot) Process(ctx context.Context, msg Message, sender Sender) error {
	unlock := b.locks.lock(msg.AccountID)
	defer unlock()

	started := time.Now()
	defer func() { b.metrics.ObserveStep(time.Since(started)) }()

	log := b.log.With(zap.Int64("account", msg.AccountID), zap.String("request_id", uuid.NewString()))

	s := &session{
		bot:    b,
		ctx:    ctx,
		sender: sender,
		text:   strings.TrimSpace(msg.Text),
		state:  b.machine.For(msg.AccountID),
		log:    log,
	}

	account, created, err := b.repo.EnsureAccount(ctx, msg.AccountID, b.roles.RoleFor(msg.AccountID))
	if err != nil {
		log.Error("resolve account failed", zap.Error(err))
		b.metrics.StepErrors.WithLabelValues("persistence").Inc()
		return s.reply(msgGenericFailure)
	}
	s.account = account

	current, err := s.state.Current(ctx)
	if err != nil {
		log.Error("load conversation state failed", zap.Error(err))
		b.metrics.StepErrors.WithLabelValues("persistence").Inc()
		return s.reply(msgGenericFailure)
	}
	s.current = current
	s.log = log.With(zap.String("state", stateLabel(current)))
	s.log.Debug("inbound message", zap.Bool("new_account", created))
	b.metrics.Messages.WithLabelValues(stateLabel(current)).Inc()

	if err := b.dispatch(s); err != nil {
		return b.fail(s, err)
	}
	return nil
}

func (b *Bot) dispatch(s *session) error {
	switch {
	case s.text == CmdStart:
		if err := s.finish(); err != nil {
			return err
		}
		return b.start(s)
	case s.current != fsm.None && s.text == BtnBack:
		if err := s.finish(); err != nil {
			return err
		}
		return b.sendMainMenu(s, msgCancelled)
	case s.current != fsm.None:
		step, ok := b.steps[s.current]
		if !ok {
			s.log.Warn("unknown conversation state, resetting")
			if err := s.finish(); err != nil {
				return err
			}
			return b.sendMainMenu(s, "")
		}
		return step(s)
	}

	cmd, ok := b.commands[s.text]
	if !ok {
		return b.sendMainMenu(s, "")
	}
	if cmd.allowed != nil && !cmd.allowed(s.account.Role) {
		b.metrics.StepErrors.WithLabelValues("authorization").Inc()
		return s.reply(cmd.denied)
	}
	return cmd.run(s)
}

// fail maps a step error onto the user-visible outcome. A vanished entity
// ends the dialogue; anything else keeps the state so the user can retry.
func (b *Bot) fail(s *session, err error) error {
	if errors.Is(err, survey.ErrNotFound) {
		b.metrics.StepErrors.WithLabelValues("not_found").Inc()
		s.log.Info("dialogue target disappeared", zap.Error(err))
		if ferr := s.finish(); ferr != nil {
			s.log.Error("finish dialogue failed", zap.Error(ferr))
		}
		return b.sendMainMenu(s, msgNoLongerAvailable)
	}
	b.metrics.StepErrors.WithLabelValues("persistence").Inc()
	s.log.Error("step failed", zap.Error(err))
	return s.reply(msgGenericFailure)
}

func stateLabel(state fsm.State) string {
	if state == fsm.None {
		return "idle"
	}
	return string(state)
}

// session is the context of one step.
type session struct {
	bot     *Bot
	ctx     context.Context
	sender  Sender
	account *models.Account
	state   *fsm.Context
	current fsm.State
	text    string
	log     *zap.Logger
}

func (s *session) send(reply Reply) error {
	if err := s.sender.Send(s.ctx, s.state.AccountID(), reply); err != nil {
		s.log.Warn("delivery failed", zap.Error(err))
	}
	return nil
}

func (s *session) reply(text string) error {
	return s.send(Reply{Text: text})
}

// ask sends text with a keyboard; a back row is appended.
func (s *session) ask(text string, rows ...[]string) error {
	keyboard := append(append([][]string{}, rows...), []string{BtnBack})
	return s.send(Reply{Text: text, Keyboard: keyboard})
}

func (s *session) data() (fsm.Data, error) {
	return s.state.Data(s.ctx)
}

func (s *session) transition(state fsm.State, patch fsm.Data) error {
	return s.state.Transition(s.ctx, state, patch)
}

func (s *session) finish() error {
	return s.state.Finish(s.ctx)
}

// accountLocks serializes steps per account.
type accountLocks struct {
	mu    sync.Mutex
	locks map[int64]*accountLock
}

type accountLock struct {
	mu   sync.Mutex
	refs int
}

func newAccountLocks() *accountLocks {
	return &accountLocks{locks: make(map[int64]*accountLock)}
}

func (l *accountLocks) lock(accountID int64) func() {
	l.mu.Lock()
	al, ok := l.locks[accountID]
	if !ok {
		al = &accountLock{}
		l.locks[accountID] = al
	}
	al.refs++
	l.mu.Unlock()

	al.mu.Lock()
	return func() {
		al.mu.Unlock()
		l.mu.Lock()
		al.refs--
		if al.refs == 0 {
			delete(l.locks, accountID)
		}
		l.mu.Unlock()
	}
}
