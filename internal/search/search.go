// Package search implements the Search Engine (C5): fuzzy content search,
// sender search with canonicalization, and time-range search, all filtered
// through the visibility matrix before ranking.
package search

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jmoiron/sqlx"
	"github.com/sahilm/fuzzy"

	"github.com/sharedctx/sharedctx-server/internal/identity"
	"github.com/sharedctx/sharedctx-server/internal/mcperr"
	"github.com/sharedctx/sharedctx-server/internal/session"
)

const minQueryChars = 3
const maxLimit = 100

// Scope controls which fields search_context matches against.
type Scope string

const (
	ScopeAll             Scope = "all"
	ScopeContentOnly     Scope = "content"
	ScopeSenderAndContent Scope = "sender_and_content"
)

// Result is a single scored hit from search_context.
type Result struct {
	Message session.Message `json:"message"`
	Score   float64         `json:"score"`
}

var canonicalPattern = regexp.MustCompile(`[^a-z0-9]+`)

// Canonicalize lowercases and collapses runs of non-alphanumeric characters
// to a single hyphen, trimming leading/trailing hyphens. Used to compare
// senders in search_by_sender independent of formatting.
func Canonicalize(s string) string {
	lower := strings.ToLower(s)
	collapsed := canonicalPattern.ReplaceAllString(lower, "-")
	return strings.Trim(collapsed, "-")
}

type cacheKey struct {
	sessionID     string
	maxMessageID  int64
}

// Engine is the Search Engine. It holds an LRU cache of each session's
// visible-message snapshot keyed by (session_id, max_message_id), so
// repeated searches against an unchanged session avoid re-scanning storage.
type Engine struct {
	db        *sqlx.DB
	cache     *lru.Cache[cacheKey, []session.Message]
	cacheSize int
}

// New constructs an Engine with the configured cache capacity.
func New(db *sqlx.DB, cacheSize int) (*Engine, error) {
	if cacheSize <= 0 {
		cacheSize = 1000
	}
	c, err := lru.New[cacheKey, []session.Message](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("init search cache: %w", err)
	}
	return &Engine{db: db, cache: c, cacheSize: cacheSize}, nil
}

// CacheStats reports the visible-message cache's current occupancy and
// configured capacity, used by get_performance_metrics.
func (e *Engine) CacheStats() (length, capacity int) {
	return e.cache.Len(), e.cacheSize
}

func (e *Engine) visibleMessages(ctx context.Context, claims identity.Claims, sessionID string) ([]session.Message, error) {
	var maxID int64
	if err := e.db.GetContext(ctx, &maxID, `SELECT COALESCE(MAX(id), 0) FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return nil, fmt.Errorf("max message id: %w", err)
	}
	key := cacheKey{sessionID: sessionID, maxMessageID: maxID}
	if cached, ok := e.cache.Get(key); ok {
		return filterVisible(claims, cached), nil
	}

	var rows []session.Message
	if err := e.db.SelectContext(ctx, &rows, `
		SELECT id, session_id, sender, sender_type, content, visibility, parent_message_id, metadata, created_at
		FROM messages WHERE session_id = ? ORDER BY id ASC`, sessionID); err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	e.cache.Add(key, rows)
	return filterVisible(claims, rows), nil
}

func filterVisible(claims identity.Claims, rows []session.Message) []session.Message {
	out := make([]session.Message, 0, len(rows))
	for _, m := range rows {
		if session.CanView(claims, m.Sender, m.SenderType, string(m.Visibility)) {
			out = append(out, m)
		}
	}
	return out
}

// SearchContext scores every visible message's content (and optionally
// sender) against query using token-set fuzzy matching, returning hits at
// or above fuzzyThreshold sorted by score desc then recency desc.
func (e *Engine) SearchContext(ctx context.Context, claims identity.Claims, sessionID, query string, fuzzyThreshold float64, limit int, scope Scope) ([]Result, error) {
	if len(query) < minQueryChars {
		return nil, mcperr.New(mcperr.CodeInvalidSearchQuery, fmt.Sprintf("query must be at least %d characters", minQueryChars))
	}
	if limit <= 0 {
		limit = 10
	}
	if limit > maxLimit {
		return nil, mcperr.New(mcperr.CodeSearchLimitExceeded, fmt.Sprintf("limit must be <= %d", maxLimit))
	}
	if scope == "" {
		scope = ScopeAll
	}

	messages, err := e.visibleMessages(ctx, claims, sessionID)
	if err != nil {
		return nil, err
	}

	targets := make([]string, len(messages))
	for i, m := range messages {
		if scope == ScopeSenderAndContent {
			targets[i] = m.Sender + " " + m.Content
		} else {
			targets[i] = m.Content
		}
	}

	matches := fuzzy.Find(query, targets)
	maxScore := fuzzy.Find(query, []string{query})[0].Score // self-match upper bound for normalization
	results := make([]Result, 0, len(matches))
	for _, match := range matches {
		score := tokenSetScore(query, targets[match.Index], float64(match.Score), float64(maxScore))
		if score >= fuzzyThreshold {
			results = append(results, Result{Message: messages[match.Index], Score: score})
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Message.ID > results[j].Message.ID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// tokenSetScore combines the fuzzy library's subsequence score with a
// token-overlap ratio so that reordered-but-identical tokens score near
// 100 regardless of raw subsequence distance, approximating token-set-ratio
// semantics over fuzzy.Find's ordered-subsequence scorer.
func tokenSetScore(query, target string, rawScore, maxScore float64) float64 {
	queryTokens := tokenSet(query)
	targetTokens := tokenSet(target)
	overlap := 0
	for t := range queryTokens {
		if targetTokens[t] {
			overlap++
		}
	}
	tokenRatio := 0.0
	if len(queryTokens) > 0 {
		tokenRatio = float64(overlap) / float64(len(queryTokens))
	}

	subsequenceRatio := 0.0
	if maxScore > 0 {
		subsequenceRatio = rawScore / maxScore
		if subsequenceRatio > 1 {
			subsequenceRatio = 1
		}
	}

	return (tokenRatio*0.6 + subsequenceRatio*0.4) * 100
}

func tokenSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		out[tok] = true
	}
	return out
}

// SearchBySender matches canonicalized sender names, exact match first and
// falling back to fuzzy matching only when no exact match was found.
func (e *Engine) SearchBySender(ctx context.Context, claims identity.Claims, sessionID, senderQuery string, limit int) ([]session.Message, error) {
	if limit <= 0 || limit > maxLimit {
		limit = 10
	}
	messages, err := e.visibleMessages(ctx, claims, sessionID)
	if err != nil {
		return nil, err
	}

	canonicalQuery := Canonicalize(senderQuery)
	var exact []session.Message
	for _, m := range messages {
		if Canonicalize(m.Sender) == canonicalQuery {
			exact = append(exact, m)
		}
	}
	if len(exact) > 0 {
		sort.SliceStable(exact, func(i, j int) bool { return exact[i].ID > exact[j].ID })
		if len(exact) > limit {
			exact = exact[:limit]
		}
		return exact, nil
	}

	senders := make([]string, len(messages))
	for i, m := range messages {
		senders[i] = Canonicalize(m.Sender)
	}
	matches := fuzzy.Find(canonicalQuery, senders)
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	out := make([]session.Message, 0, limit)
	for _, match := range matches {
		out = append(out, messages[match.Index])
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// SearchByTimeRange returns visible messages in the half-open [start, end)
// interval, newest first, capped at limit.
func (e *Engine) SearchByTimeRange(ctx context.Context, claims identity.Claims, sessionID string, start time.Time, end *time.Time, limit int) ([]session.Message, error) {
	if limit <= 0 || limit > maxLimit {
		limit = 10
	}
	rangeEnd := time.Now().UTC()
	if end != nil {
		rangeEnd = *end
	}

	messages, err := e.visibleMessages(ctx, claims, sessionID)
	if err != nil {
		return nil, err
	}

	var out []session.Message
	for _, m := range messages {
		ts, err := time.Parse(time.RFC3339Nano, m.CreatedAt)
		if err != nil {
			continue
		}
		if !ts.Before(start) && ts.Before(rangeEnd) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
