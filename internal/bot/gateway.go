package bot

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var ErrRateLimited = errors.New("too many messages")

// limiterIdle is how long an account's bucket survives without traffic.
const limiterIdle = 10 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Gateway is the inbound edge of the bot: it authenticates transports with
// the shared secret and applies a per-account token bucket.
type Gateway struct {
	bot    *Bot
	secret string
	log    *zap.Logger

	mu        sync.Mutex
	visitors  map[int64]*visitor
	perSec    rate.Limit
	burst     int
	lastSweep time.Time
	now       func() time.Time
}

func NewGateway(bot *Bot, secret string, perSec float64, burst int, log *zap.Logger) *Gateway {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Limit(perSec)
	if perSec <= 0 {
		limit = rate.Inf
	}
	return &Gateway{
		bot:       bot,
		secret:    secret,
		log:       log,
		visitors:  make(map[int64]*visitor),
		perSec:    limit,
		burst:     burst,
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

func (g *Gateway) allow(accountID int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if now.Sub(g.lastSweep) >= limiterIdle {
		g.sweep(now)
	}
	v, ok := g.visitors[accountID]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(g.perSec, g.burst)}
		g.visitors[accountID] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// sweep drops buckets idle for longer than limiterIdle. Callers hold g.mu.
func (g *Gateway) sweep(now time.Time) {
	for id, v := range g.visitors {
		if now.Sub(v.lastSeen) >= limiterIdle {
			delete(g.visitors, id)
		}
	}
	g.lastSweep = now
}

// Authorized checks the shared secret from the X-Bot-Secret header or the
// secret query parameter. An empty secret disables the check.
func (g *Gateway) Authorized(r *http.Request) bool {
	if g.secret == "" {
		return true
	}
	got := r.Header.Get("X-Bot-Secret")
	if got == "" {
		got = r.URL.Query().Get("secret")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(g.secret)) == 1
}

// Dispatch runs one step and delivers the replies through the bot's Sender.
func (g *Gateway) Dispatch(ctx context.Context, accountID int64, text string) error {
	if !g.allow(accountID) {
		return ErrRateLimited
	}
	return g.bot.Handle(ctx, Message{AccountID: accountID, Text: text})
}

type collector struct {
	replies []Reply
}

func (c *collector) Send(_ context.Context, _ int64, reply Reply) error {
	c.replies = append(c.replies, reply)
	return nil
}

type MessagesResponse struct {
	Replies []Reply `json:"replies"`
}

// HandleMessage is the webhook: one JSON message in, the replies of that
// step out.
func (g *Gateway) HandleMessage(w http.ResponseWriter, r *http.Request) {
	if !g.Authorized(r) {
		http.Error(w, "Invalid bot secret", http.StatusUnauthorized)
		return
	}

	var msg Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if msg.AccountID == 0 {
		http.Error(w, "account_id is required", http.StatusBadRequest)
		return
	}
	if !g.allow(msg.AccountID) {
		http.Error(w, ErrRateLimited.Error(), http.StatusTooManyRequests)
		return
	}

	out := &collector{}
	if err := g.bot.Process(r.Context(), msg, out); err != nil {
		g.log.Error("webhook step failed", zap.Int64("account", msg.AccountID), zap.Error(err))
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if out.replies == nil {
		out.replies = []Reply{}
	}
	json.NewEncoder(w).Encode(MessagesResponse{Replies: out.replies})
}
