package catalog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/shepherd/internal/model"
	"github.com/hitoshi/shepherd/internal/repository"
	"github.com/hitoshi/shepherd/internal/repository/memstore"
)

var baseTime = time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)

func intPtr(n int) *int { return &n }

func newTestService(t *testing.T) (*Service, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	svc := NewService(store, store.Signups(), 0)
	svc.now = func() time.Time { return baseTime }
	return svc, store
}

func seedOpportunity(store *memstore.Store, id string, opts ...func(*model.Opportunity)) *model.Opportunity {
	o := &model.Opportunity{
		ID:            id,
		Title:         "日曜礼拝の受付 " + id,
		Description:   "受付と案内",
		Ministry:      "Hospitality",
		StartAt:       baseTime.Add(24 * time.Hour),
		MaxVolunteers: intPtr(3),
		Status:        model.OpportunityStatusOpen,
		Urgency:       model.UrgencyNormal,
		IsActive:      true,
	}
	for _, opt := range opts {
		opt(o)
	}
	store.PutOpportunity(o)
	return o
}

func TestGetOpportunity(t *testing.T) {
	svc, store := newTestService(t)
	seedOpportunity(store, "opp-1")
	seedOpportunity(store, "opp-inactive", func(o *model.Opportunity) { o.IsActive = false })

	got, err := svc.GetOpportunity(context.Background(), "opp-1")
	require.NoError(t, err)
	assert.Equal(t, "opp-1", got.ID)

	for _, id := range []string{"missing", "opp-inactive"} {
		_, err := svc.GetOpportunity(context.Background(), id)
		var apiErr *model.APIError
		require.True(t, errors.As(err, &apiErr), "id=%s", id)
		assert.Equal(t, model.ErrCodeOpportunityNotFound, apiErr.Code)
	}
}

func TestListOpportunities_FiltersAndOrders(t *testing.T) {
	svc, store := newTestService(t)
	seedOpportunity(store, "later", func(o *model.Opportunity) { o.StartAt = baseTime.Add(72 * time.Hour) })
	seedOpportunity(store, "sooner", func(o *model.Opportunity) { o.StartAt = baseTime.Add(2 * time.Hour) })
	seedOpportunity(store, "past", func(o *model.Opportunity) { o.StartAt = baseTime.Add(-time.Hour) })
	seedOpportunity(store, "youth", func(o *model.Opportunity) {
		o.Ministry = "Youth Ministry"
		o.Urgency = model.UrgencyUrgent
		o.RequiredSkills = []string{"Guitar", "Teaching"}
	})
	seedOpportunity(store, "deleted", func(o *model.Opportunity) { o.IsActive = false })

	t.Run("全件は開始日時の昇順", func(t *testing.T) {
		page, err := svc.ListOpportunities(context.Background(), model.OpportunityFilter{}, model.Page{})
		require.NoError(t, err)
		assert.Equal(t, 4, page.Total)
		ids := make([]string, len(page.Items))
		for i, o := range page.Items {
			ids[i] = o.ID
		}
		assert.Equal(t, []string{"past", "sooner", "youth", "later"}, ids)
		assert.Equal(t, DefaultPageSize, page.PageSize)
	})

	t.Run("今後の募集のみ", func(t *testing.T) {
		page, err := svc.ListOpportunities(context.Background(), model.OpportunityFilter{UpcomingOnly: true}, model.Page{})
		require.NoError(t, err)
		assert.Equal(t, 3, page.Total)
	})

	t.Run("ミニストリーは大文字小文字を区別しない部分一致", func(t *testing.T) {
		page, err := svc.ListOpportunities(context.Background(), model.OpportunityFilter{Ministry: "youth"}, model.Page{})
		require.NoError(t, err)
		require.Len(t, page.Items, 1)
		assert.Equal(t, "youth", page.Items[0].ID)
	})

	t.Run("スキルは積集合が空でないもの", func(t *testing.T) {
		page, err := svc.ListOpportunities(context.Background(), model.OpportunityFilter{RequiredSkills: []string{"guitar", "cooking"}}, model.Page{})
		require.NoError(t, err)
		require.Len(t, page.Items, 1)
		assert.Equal(t, "youth", page.Items[0].ID)
	})

	t.Run("緊急度と検索語", func(t *testing.T) {
		page, err := svc.ListOpportunities(context.Background(), model.OpportunityFilter{Urgency: model.UrgencyUrgent, Search: "受付"}, model.Page{})
		require.NoError(t, err)
		assert.Equal(t, 1, page.Total)
	})

	t.Run("ページング", func(t *testing.T) {
		page, err := svc.ListOpportunities(context.Background(), model.OpportunityFilter{}, model.Page{Number: 2, Size: 3})
		require.NoError(t, err)
		assert.Equal(t, 4, page.Total)
		assert.Equal(t, 2, page.TotalPages)
		require.Len(t, page.Items, 1)
		assert.Equal(t, "later", page.Items[0].ID)
	})

	t.Run("範囲外のページは空配列", func(t *testing.T) {
		page, err := svc.ListOpportunities(context.Background(), model.OpportunityFilter{}, model.Page{Number: 10, Size: 3})
		require.NoError(t, err)
		assert.NotNil(t, page.Items)
		assert.Empty(t, page.Items)
	})
}

func TestComputeAvailability(t *testing.T) {
	svc, store := newTestService(t)
	seedOpportunity(store, "opp-1")
	seedOpportunity(store, "unlimited", func(o *model.Opportunity) { o.MaxVolunteers = nil })

	ctx := context.Background()
	statuses := []model.SignupStatus{
		model.SignupStatusPending,
		model.SignupStatusConfirmed,
		model.SignupStatusCompleted,
		model.SignupStatusWaitlisted,
		model.SignupStatusDeclined,
	}
	require.NoError(t, store.WithinTx(ctx, func(tx repository.SignupTx) error {
		for i, st := range statuses {
			sg := &model.Signup{
				ID:            "s" + string(rune('a'+i)),
				OpportunityID: "opp-1",
				VolunteerID:   "v" + string(rune('a'+i)),
				Status:        st,
				CreatedAt:     baseTime,
			}
			if err := tx.CreateSignup(ctx, sg); err != nil {
				return err
			}
		}
		return nil
	}))

	a, err := svc.ComputeAvailability(ctx, "opp-1", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, a.ConfirmedCount)
	assert.Equal(t, 3, a.HeldCount)
	assert.Equal(t, 1, a.WaitlistCount)
	require.NotNil(t, a.Remaining)
	assert.Equal(t, 0, *a.Remaining)
	assert.True(t, a.IsFull)

	u, err := svc.ComputeAvailability(ctx, "unlimited", nil)
	require.NoError(t, err)
	assert.Nil(t, u.Remaining)
	assert.False(t, u.IsFull)
}

func TestComputeAvailability_ScopedToScheduledDate(t *testing.T) {
	svc, store := newTestService(t)
	seedOpportunity(store, "weekly", func(o *model.Opportunity) {
		o.StartAt = time.Date(2030, 1, 6, 9, 0, 0, 0, time.UTC)
		o.RecurrenceRule = "FREQ=WEEKLY;BYDAY=SU"
		o.MaxVolunteers = intPtr(1)
	})
	ctx := context.Background()
	first := time.Date(2030, 1, 6, 0, 0, 0, 0, time.UTC)
	second := time.Date(2030, 1, 13, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.WithinTx(ctx, func(tx repository.SignupTx) error {
		return tx.CreateSignup(ctx, &model.Signup{
			ID: "s1", OpportunityID: "weekly", VolunteerID: "v1",
			Status: model.SignupStatusPending, ScheduledDate: &first, CreatedAt: baseTime,
		})
	}))

	a1, err := svc.ComputeAvailability(ctx, "weekly", &first)
	require.NoError(t, err)
	assert.True(t, a1.IsFull)

	a2, err := svc.ComputeAvailability(ctx, "weekly", &second)
	require.NoError(t, err)
	assert.False(t, a2.IsFull)
	assert.Equal(t, 0, a2.HeldCount)

	_, err = svc.ComputeAvailability(ctx, "weekly", nil)
	var apiErr *model.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, model.ErrCodeValidation, apiErr.Code)
}
