package study

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxActivity is the number of recent-activity entries kept.
const maxActivity = 20

// ActivityType classifies a recent-activity entry.
type ActivityType string

const (
	ActivityUpload ActivityType = "Upload"
	ActivityQuiz   ActivityType = "Quiz"
	ActivityReview ActivityType = "Review"
	ActivityVoice  ActivityType = "Voice"
	ActivitySearch ActivityType = "Search"
)

// Activity is one entry of the recent-activity log.
type Activity struct {
	ID        string       `json:"id"`
	Title     string       `json:"title"`
	Type      ActivityType `json:"type"`
	Timestamp time.Time    `json:"timestamp"`
}

// Stats are the aggregate study statistics shown on the dashboard.
type Stats struct {
	StreakDays    int     `json:"streak_days"`
	CardsReviewed int     `json:"cards_reviewed"`
	QuizzesTaken  int     `json:"quizzes_taken"`
	QuizAverage   float64 `json:"quiz_average"`
}

// LibraryOption is a functional option for [NewLibrary].
type LibraryOption func(*Library)

// WithClock overrides time.Now for timestamps.
func WithClock(now func() time.Time) LibraryOption {
	return func(l *Library) { l.now = now }
}

// WithLibraryLogger sets the logger. Default [slog.Default].
func WithLibraryLogger(log *slog.Logger) LibraryOption {
	return func(l *Library) { l.log = log }
}

// Library combines the material store with the in-memory activity log and
// statistics. All methods are safe for concurrent use.
type Library struct {
	store MaterialStore
	now   func() time.Time
	log   *slog.Logger

	mu       sync.Mutex
	activity []Activity // newest first, at most maxActivity
	stats    Stats
}

// NewLibrary creates a library over store. Statistics start with a one-day
// streak.
func NewLibrary(store MaterialStore, opts ...LibraryOption) *Library {
	l := &Library{
		store: store,
		now:   time.Now,
		log:   slog.Default(),
		stats: Stats{StreakDays: 1},
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// AddMaterial stores a new material and logs an Upload activity.
func (l *Library) AddMaterial(ctx context.Context, title string, typ MaterialType, content string) (Material, error) {
	m := Material{
		ID:        uuid.NewString(),
		Title:     title,
		Type:      typ,
		Content:   content,
		DateAdded: l.now().UTC(),
	}
	if err := l.store.Add(ctx, &m); err != nil {
		return Material{}, fmt.Errorf("study: add material: %w", err)
	}
	l.LogActivity(fmt.Sprintf("Added material: %s", m.Title), ActivityUpload)
	l.log.Info("study: material added", "id", m.ID, "title", m.Title, "type", m.Type, "chars", len(m.Content))
	return m, nil
}

// Materials returns every material, newest first.
func (l *Library) Materials(ctx context.Context) ([]Material, error) {
	ms, err := l.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("study: list materials: %w", err)
	}
	return ms, nil
}

// Material returns one material or (nil, nil) if it does not exist.
func (l *Library) Material(ctx context.Context, id string) (*Material, error) {
	return l.store.Get(ctx, id)
}

// DeleteMaterial removes a material.
func (l *Library) DeleteMaterial(ctx context.Context, id string) error {
	return l.store.Delete(ctx, id)
}

// LogActivity prepends an entry to the activity log, dropping the oldest
// entry beyond the cap.
func (l *Library) LogActivity(title string, typ ActivityType) Activity {
	a := Activity{
		ID:        uuid.NewString(),
		Title:     title,
		Type:      typ,
		Timestamp: l.now().UTC(),
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.activity = append([]Activity{a}, l.activity...)
	if len(l.activity) > maxActivity {
		l.activity = l.activity[:maxActivity]
	}
	return a
}

// RecentActivity returns a copy of the activity log, newest first.
func (l *Library) RecentActivity() []Activity {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Activity, len(l.activity))
	copy(out, l.activity)
	return out
}

// RecordQuiz folds a finished quiz score (percent, 0-100) into the running
// average and increments the quiz count.
func (l *Library) RecordQuiz(scorePercent float64) Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := l.stats.QuizAverage * float64(l.stats.QuizzesTaken)
	l.stats.QuizzesTaken++
	l.stats.QuizAverage = (total + scorePercent) / float64(l.stats.QuizzesTaken)
	return l.stats
}

// RecordReview adds n reviewed cards.
func (l *Library) RecordReview(n int) Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n > 0 {
		l.stats.CardsReviewed += n
	}
	return l.stats
}

// Stats returns the current statistics.
func (l *Library) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Context concatenates materials as "[Source: <title>]\n<content>" blocks
// separated by a blank line.
func Context(materials []Material) string {
	var b []byte
	for i, m := range materials {
		if i > 0 {
			b = append(b, "\n\n"...)
		}
		b = append(b, "[Source: "...)
		b = append(b, m.Title...)
		b = append(b, "]\n"...)
		b = append(b, m.Content...)
	}
	return string(b)
}
