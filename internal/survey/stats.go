package survey

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"survey-bot/internal/models"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Aggregate builds per-question statistics. Questions and options keep
// authoring order; every persisted option is reported, chosen or not. It
// reads its arguments only.
func Aggregate(poll models.Poll, questions []models.Question, responses []models.Response, accounts map[uint]models.Account) models.PollStats {
	byQuestion := make(map[uint][]models.Response, len(questions))
	for _, resp := range responses {
		byQuestion[resp.QuestionID] = append(byQuestion[resp.QuestionID], resp)
	}

	stats := models.PollStats{PollID: poll.ID, Title: poll.Title, Questions: make([]models.QuestionStats, 0, len(questions))}
	for _, q := range questions {
		qs := models.QuestionStats{QuestionID: q.ID, Text: q.Text, Kind: q.Kind}
		answers := byQuestion[q.ID]

		if q.Kind == models.KindSingleChoice {
			counts := make(map[uint]int, len(q.Options))
			for _, resp := range answers {
				if resp.OptionID != nil {
					counts[*resp.OptionID]++
				}
			}
			total := 0
			for _, opt := range q.Options {
				total += counts[opt.ID]
			}
			qs.Total = total
			qs.Options = make([]models.OptionStats, 0, len(q.Options))
			for _, opt := range q.Options {
				qs.Options = append(qs.Options, models.OptionStats{
					OptionID:   opt.ID,
					Text:       opt.Text,
					Count:      counts[opt.ID],
					Percentage: percentage(counts[opt.ID], total),
				})
			}
		} else {
			qs.Total = len(answers)
			for _, resp := range answers {
				account := accounts[resp.AccountID]
				qs.TextAnswers = append(qs.TextAnswers, models.TextAnswer{
					AccountID:  resp.AccountID,
					ExternalID: account.ExternalID,
					Responder:  account.DisplayName(),
					Text:       resp.Text,
				})
			}
		}
		stats.Questions = append(stats.Questions, qs)
	}
	return stats
}

func percentage(count, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(count) / float64(total) * 100
}

// FormatStats renders the plain-text report the bot sends.
func FormatStats(stats models.PollStats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📊 Statistics for «%s» (#%d)\n", stats.Title, stats.PollID)
	for _, q := range stats.Questions {
		fmt.Fprintf(&b, "\n🔹 %s\n", q.Text)
		if q.Kind == models.KindSingleChoice {
			for _, o := range q.Options {
				fmt.Fprintf(&b, "    • %s: %d/%d (%s%%)\n", o.Text, o.Count, q.Total, strconv.FormatFloat(o.Percentage, 'f', 1, 64))
			}
			continue
		}
		fmt.Fprintf(&b, "    • Text answers: %d\n", q.Total)
	}
	return strings.TrimRight(b.String(), "\n")
}

// StatsCache stores computed statistics between response writes.
type StatsCache interface {
	GetPollStats(ctx context.Context, pollID uint) (*models.PollStats, error)
	SetPollStats(ctx context.Context, stats *models.PollStats, ttl time.Duration) error
	InvalidatePollStats(ctx context.Context, pollID uint) error
}

type StatsService struct {
	repo  *Repository
	cache StatsCache
	ttl   time.Duration
	group singleflight.Group
	log   *zap.Logger

	mu          sync.Mutex
	generations map[uint]uint64
}

// NewStatsService wires the aggregator to the store. cache may be nil.
func NewStatsService(repo *Repository, cache StatsCache, ttl time.Duration, log *zap.Logger) *StatsService {
	return &StatsService{repo: repo, cache: cache, ttl: ttl, log: log, generations: make(map[uint]uint64)}
}

func (s *StatsService) generation(pollID uint) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generations[pollID]
}

// PollStats serves cached statistics or aggregates them. A fill that raced
// an Invalidate is never left in the cache.
func (s *StatsService) PollStats(ctx context.Context, pollID uint) (*models.PollStats, error) {
	if s.cache != nil {
		if cached, err := s.cache.GetPollStats(ctx, pollID); err == nil && cached != nil {
			return cached, nil
		}
	}

	gen := s.generation(pollID)
	key := fmt.Sprintf("%d:%d", pollID, gen)
	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		input, err := s.repo.LoadStatsInput(ctx, pollID)
		if err != nil {
			return nil, err
		}
		stats := Aggregate(input.Poll, input.Questions, input.Responses, input.Accounts)
		if s.cache != nil && s.generation(pollID) == gen {
			if err := s.cache.SetPollStats(ctx, &stats, s.ttl); err != nil {
				s.log.Warn("stats cache write failed", zap.Uint("poll_id", pollID), zap.Error(err))
			}
			if s.generation(pollID) != gen {
				s.dropCached(ctx, pollID)
			}
		}
		return &stats, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.PollStats), nil
}

// Invalidate drops cached statistics after a write that changes them.
func (s *StatsService) Invalidate(ctx context.Context, pollID uint) {
	s.mu.Lock()
	s.generations[pollID]++
	s.mu.Unlock()
	if s.cache != nil {
		s.dropCached(ctx, pollID)
	}
}

func (s *StatsService) dropCached(ctx context.Context, pollID uint) {
	if err := s.cache.InvalidatePollStats(ctx, pollID); err != nil {
		s.log.Warn("stats cache invalidate failed", zap.Uint("poll_id", pollID), zap.Error(err))
	}
}
