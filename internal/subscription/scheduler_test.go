package subscription

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pysugar/inbox-tasks/internal/db/models"
	"github.com/pysugar/inbox-tasks/internal/upstream/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// selectiveProvider fails renewals for chosen ids.
type selectiveProvider struct {
	fakeProvider
	errs map[string]error
}

func (s *selectiveProvider) RenewSubscription(ctx context.Context, tok, id string, exp time.Time) (*graph.Subscription, error) {
	if err, ok := s.errs[id]; ok {
		s.mu.Lock()
		s.renewed = append(s.renewed, id)
		s.mu.Unlock()
		return nil, err
	}
	return s.fakeProvider.RenewSubscription(ctx, tok, id, exp)
}

func TestSweep_IsolatesFailures(t *testing.T) {
	provider := &selectiveProvider{errs: map[string]error{
		"sub-gone":  &graph.APIError{StatusCode: 410},
		"sub-flaky": &graph.APIError{StatusCode: 500},
	}}
	db := newTestDB(t)
	m := NewManager(db, staticTokens{"u1": "a", "u2": "b", "u3": "c"}, provider, Options{})
	m.now = func() time.Time { return fixedNow }

	seed(t, db, "u1", "sub-gone", fixedNow.Add(time.Hour))
	seed(t, db, "u2", "sub-flaky", fixedNow.Add(2*time.Hour))
	seed(t, db, "u3", "sub-ok", fixedNow.Add(3*time.Hour))
	seed(t, db, "u4", "sub-orphan", fixedNow.Add(4*time.Hour))
	seed(t, db, "u5", "sub-later", fixedNow.Add(72*time.Hour))

	report := NewScheduler(m, time.Hour, 24*time.Hour).Sweep(context.Background())

	assert.Equal(t, SweepReport{Due: 4, Renewed: 1, Removed: 1, Skipped: 1, Failed: 1}, report)
	assert.ElementsMatch(t, []string{"sub-gone", "sub-flaky", "sub-ok"}, provider.renewed)

	var remaining []models.Subscription
	require.NoError(t, db.Order("subscription_id").Find(&remaining).Error)
	ids := make([]string, 0, len(remaining))
	for _, r := range remaining {
		ids = append(ids, r.SubscriptionID)
	}
	assert.Equal(t, []string{"sub-flaky", "sub-later", "sub-ok", "sub-orphan"}, ids)
}

func TestScheduler_StartRunsImmediatelyAndRunNow(t *testing.T) {
	provider := &fakeProvider{}
	db := newTestDB(t)
	m := NewManager(db, staticTokens{"u1": "a"}, provider, Options{})
	seed(t, db, "u1", "sub-1", time.Now().UTC().Add(time.Hour))

	s := NewScheduler(m, time.Hour, 24*time.Hour)
	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool {
		provider.mu.Lock()
		defer provider.mu.Unlock()
		return len(provider.renewed) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// after renewal the record is outside the window
	report, err := s.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Due)
}

func TestScheduler_StopIsIdempotent(t *testing.T) {
	m := NewManager(newTestDB(t), staticTokens{}, &fakeProvider{}, Options{})
	s := NewScheduler(m, time.Hour, time.Hour)

	var wg sync.WaitGroup
	s.Start(context.Background())
	s.Start(context.Background())
	wg.Add(2)
	go func() { defer wg.Done(); s.Stop() }()
	go func() { defer wg.Done(); s.Stop() }()
	wg.Wait()

	report, err := s.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Due)
}
