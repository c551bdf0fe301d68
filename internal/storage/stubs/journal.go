package stubs

import (
	"context"
	"sort"
	"sync"
	"time"

	"promobot/internal/models"
)

// MockJournal keeps delivery attempts in memory
type MockJournal struct {
	mu       sync.RWMutex
	attempts []models.DeliveryAttempt
}

// NewMockJournal creates an empty in-memory journal
func NewMockJournal() *MockJournal {
	return &MockJournal{}
}

func (j *MockJournal) Initialize(ctx context.Context) error { return nil }

func (j *MockJournal) Close() error { return nil }

// RecordAttempt appends an attempt
func (j *MockJournal) RecordAttempt(ctx context.Context, attempt models.DeliveryAttempt) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.attempts = append(j.attempts, attempt)
	return nil
}

// Attempts returns a copy of every recorded attempt
func (j *MockJournal) Attempts() []models.DeliveryAttempt {
	j.mu.RLock()
	defer j.mu.RUnlock()

	return append([]models.DeliveryAttempt(nil), j.attempts...)
}

// ChannelStats counts delivered and terminally failed attempts per chat
func (j *MockJournal) ChannelStats(ctx context.Context, since time.Time) ([]models.ChannelStat, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	byChat := make(map[int64]*models.ChannelStat)
	for _, a := range j.attempts {
		if a.At.Before(since) {
			continue
		}
		stat, ok := byChat[a.ChatID]
		if !ok {
			stat = &models.ChannelStat{ChatID: a.ChatID}
			byChat[a.ChatID] = stat
		}
		switch a.Outcome {
		case models.OutcomeDelivered:
			stat.Delivered++
		case models.OutcomeTerminal:
			stat.Failed++
		}
	}

	stats := make([]models.ChannelStat, 0, len(byChat))
	for _, s := range byChat {
		stats = append(stats, *s)
	}
	sort.Slice(stats, func(i, k int) bool {
		return stats[i].ChatID < stats[k].ChatID
	})
	return stats, nil
}
