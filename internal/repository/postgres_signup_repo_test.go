package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hitoshi/shepherd/internal/model"
)

func newSignupFixture(t *testing.T) (*PostgresSignupRepo, *model.Opportunity, string) {
	t.Helper()
	db := setupTestDB(t)
	o := insertOpportunity(t, db, &model.Opportunity{
		Title:         "受付",
		Ministry:      "Hospitality",
		StartAt:       time.Now().Add(7 * 24 * time.Hour).UTC(),
		MaxVolunteers: intPtr(2),
		IsActive:      true,
	})
	return NewPostgresSignupRepo(db, 200*time.Millisecond), o, insertMember(t, db)
}

func TestPostgresSignupRepo_CreateAndFind(t *testing.T) {
	repo, o, vol := newSignupFixture(t)
	ctx := context.Background()

	hours := 2.5
	s := createSignup(t, repo, &model.Signup{
		OpportunityID:  o.ID,
		VolunteerID:    vol,
		Status:         model.SignupStatusPending,
		Message:        "よろしくお願いします",
		EstimatedHours: &hours,
	})
	if s.Seq == 0 {
		t.Error("Seq should be assigned by the database")
	}

	got, err := repo.FindByID(ctx, s.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if got == nil {
		t.Fatal("expected signup, got nil")
	}
	if got.Status != model.SignupStatusPending || got.Message != "よろしくお願いします" {
		t.Errorf("got = %+v", got)
	}
	if got.ScheduledDate != nil {
		t.Errorf("ScheduledDate = %v, want nil", got.ScheduledDate)
	}
	if got.EstimatedHours == nil || *got.EstimatedHours != 2.5 {
		t.Errorf("EstimatedHours = %v, want 2.5", got.EstimatedHours)
	}

	missing, err := repo.FindByID(ctx, "00000000-0000-0000-0000-000000000000")
	if err != nil || missing != nil {
		t.Errorf("FindByID(missing) = %v, %v; want nil, nil", missing, err)
	}
}

func TestPostgresSignupRepo_UpdateSignup(t *testing.T) {
	repo, o, vol := newSignupFixture(t)
	ctx := context.Background()
	s := createSignup(t, repo, &model.Signup{OpportunityID: o.ID, VolunteerID: vol, Status: model.SignupStatusConfirmed})

	now := time.Now().UTC().Truncate(time.Microsecond)
	hours := 3.0
	s.Status = model.SignupStatusCompleted
	s.CompletedAt = &now
	s.ActualHours = &hours
	s.Rating = intPtr(4)
	s.Feedback = "助かりました"
	s.UpdatedAt = now
	if err := repo.WithinTx(ctx, func(tx SignupTx) error { return tx.UpdateSignup(ctx, s) }); err != nil {
		t.Fatalf("UpdateSignup: %v", err)
	}

	got, err := repo.FindByID(ctx, s.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if got.Status != model.SignupStatusCompleted || got.Rating == nil || *got.Rating != 4 || got.Feedback != "助かりました" {
		t.Errorf("got = %+v", got)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(now) {
		t.Errorf("CompletedAt = %v, want %v", got.CompletedAt, now)
	}

	// 完了には実績時間が必要（CHECK制約）
	s.ActualHours = nil
	if err := repo.WithinTx(ctx, func(tx SignupTx) error { return tx.UpdateSignup(ctx, s) }); err == nil {
		t.Error("completing without actual_hours should violate the check constraint")
	}
}

func TestPostgresSignupRepo_DuplicateActiveSignup(t *testing.T) {
	repo, o, vol := newSignupFixture(t)

	createSignup(t, repo, &model.Signup{OpportunityID: o.ID, VolunteerID: vol, Status: model.SignupStatusPending})

	err := repo.WithinTx(context.Background(), func(tx SignupTx) error {
		now := time.Now().UTC()
		return tx.CreateSignup(context.Background(), &model.Signup{
			ID: "11111111-1111-1111-1111-111111111111", OpportunityID: o.ID, VolunteerID: vol,
			Status: model.SignupStatusWaitlisted, CreatedAt: now, UpdatedAt: now,
		})
	})
	if !errors.Is(err, ErrDuplicateActiveSignup) {
		t.Fatalf("err = %v, want ErrDuplicateActiveSignup", err)
	}

	// 開催日が違えば別の申込
	createSignup(t, repo, &model.Signup{
		OpportunityID: o.ID, VolunteerID: vol, Status: model.SignupStatusPending,
		ScheduledDate: dateOf(t, "2030-01-05"),
	})
}

func TestPostgresSignupRepo_ScheduledDateMatching(t *testing.T) {
	repo, o, vol := newSignupFixture(t)
	ctx := context.Background()

	undated := createSignup(t, repo, &model.Signup{OpportunityID: o.ID, VolunteerID: vol, Status: model.SignupStatusPending})
	dated := createSignup(t, repo, &model.Signup{
		OpportunityID: o.ID, VolunteerID: vol, Status: model.SignupStatusWaitlisted,
		ScheduledDate: dateOf(t, "2030-01-05"),
	})

	err := repo.WithinTx(ctx, func(tx SignupTx) error {
		got, err := tx.FindActiveSignup(ctx, o.ID, vol, nil)
		if err != nil {
			return err
		}
		if got == nil || got.ID != undated.ID {
			t.Errorf("FindActiveSignup(nil) = %v, want %s", got, undated.ID)
		}

		got, err = tx.FindActiveSignup(ctx, o.ID, vol, dateOf(t, "2030-01-05"))
		if err != nil {
			return err
		}
		if got == nil || got.ID != dated.ID {
			t.Errorf("FindActiveSignup(2030-01-05) = %v, want %s", got, dated.ID)
		}
		if got != nil && (got.ScheduledDate == nil || !got.ScheduledDate.Equal(*dateOf(t, "2030-01-05"))) {
			t.Errorf("ScheduledDate = %v, want 2030-01-05 UTC", got.ScheduledDate)
		}

		got, err = tx.FindActiveSignup(ctx, o.ID, vol, dateOf(t, "2030-01-12"))
		if err != nil {
			return err
		}
		if got != nil {
			t.Errorf("FindActiveSignup(2030-01-12) = %v, want nil", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithinTx: %v", err)
	}

	counts, err := repo.CountByStatus(ctx, o.ID, nil)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[model.SignupStatusPending] != 1 || counts[model.SignupStatusWaitlisted] != 0 {
		t.Errorf("undated counts = %v, want PENDING=1 only", counts)
	}

	counts, err = repo.CountByStatus(ctx, o.ID, dateOf(t, "2030-01-05"))
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[model.SignupStatusWaitlisted] != 1 || counts[model.SignupStatusPending] != 0 {
		t.Errorf("dated counts = %v, want WAITLISTED=1 only", counts)
	}

	all, err := repo.ListByOpportunity(ctx, o.ID, model.SignupFilter{AnyDate: true})
	if err != nil {
		t.Fatalf("ListByOpportunity: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("AnyDate list = %d signups, want 2", len(all))
	}
}

func TestPostgresSignupRepo_WaitlistOrder(t *testing.T) {
	repo, o, _ := newSignupFixture(t)
	db := repo.db
	ctx := context.Background()

	base := time.Date(2030, 1, 1, 9, 0, 0, 0, time.UTC)
	late := createSignup(t, repo, &model.Signup{OpportunityID: o.ID, VolunteerID: insertMember(t, db), Status: model.SignupStatusWaitlisted, CreatedAt: base.Add(time.Minute)})
	first := createSignup(t, repo, &model.Signup{OpportunityID: o.ID, VolunteerID: insertMember(t, db), Status: model.SignupStatusWaitlisted, CreatedAt: base})
	// 同時刻はseqで先着順
	second := createSignup(t, repo, &model.Signup{OpportunityID: o.ID, VolunteerID: insertMember(t, db), Status: model.SignupStatusWaitlisted, CreatedAt: base})

	list, err := repo.ListByOpportunity(ctx, o.ID, model.SignupFilter{Status: model.SignupStatusWaitlisted})
	if err != nil {
		t.Fatalf("ListByOpportunity: %v", err)
	}
	want := []string{first.ID, second.ID, late.ID}
	if len(list) != len(want) {
		t.Fatalf("len = %d, want %d", len(list), len(want))
	}
	for i, s := range list {
		if s.ID != want[i] {
			t.Errorf("list[%d] = %s, want %s", i, s.ID, want[i])
		}
	}

	err = repo.WithinTx(ctx, func(tx SignupTx) error {
		head, err := tx.NextWaitlisted(ctx, o.ID, nil)
		if err != nil {
			return err
		}
		if head == nil || head.ID != first.ID {
			t.Errorf("NextWaitlisted = %v, want %s", head, first.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithinTx: %v", err)
	}
}

// holdInTx はfnをトランザクション内で実行し、releaseが閉じられるまでコミットを待つ。
func holdInTx(t *testing.T, repo *PostgresSignupRepo, fn func(tx SignupTx) error) (locked <-chan struct{}, release func(), done <-chan error) {
	t.Helper()
	lockedCh := make(chan struct{})
	releaseCh := make(chan struct{})
	doneCh := make(chan error, 1)
	go func() {
		doneCh <- repo.WithinTx(context.Background(), func(tx SignupTx) error {
			if err := fn(tx); err != nil {
				close(lockedCh)
				return err
			}
			close(lockedCh)
			<-releaseCh
			return nil
		})
	}()
	return lockedCh, func() { close(releaseCh) }, doneCh
}

func TestPostgresSignupRepo_LockOpportunityTimesOut(t *testing.T) {
	repo, o, _ := newSignupFixture(t)
	ctx := context.Background()

	locked, release, done := holdInTx(t, repo, func(tx SignupTx) error {
		_, err := tx.LockOpportunity(ctx, o.ID)
		return err
	})
	<-locked

	start := time.Now()
	err := repo.WithinTx(ctx, func(tx SignupTx) error {
		_, err := tx.LockOpportunity(ctx, o.ID)
		return err
	})
	elapsed := time.Since(start)
	release()
	if holdErr := <-done; holdErr != nil {
		t.Fatalf("holding transaction failed: %v", holdErr)
	}

	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("err = %v, want ErrLockTimeout", err)
	}
	if elapsed > 5*time.Second {
		t.Errorf("lock wait took %v, want about the configured lock_timeout", elapsed)
	}

	// ロック解放後は取得できる
	err = repo.WithinTx(ctx, func(tx SignupTx) error {
		got, err := tx.LockOpportunity(ctx, o.ID)
		if err == nil && (got == nil || got.ID != o.ID) {
			t.Errorf("LockOpportunity = %v, want %s", got, o.ID)
		}
		return err
	})
	if err != nil {
		t.Fatalf("LockOpportunity after release: %v", err)
	}
}

func TestPostgresSignupRepo_WaitlistHeadIsLocked(t *testing.T) {
	repo, o, vol := newSignupFixture(t)
	ctx := context.Background()
	createSignup(t, repo, &model.Signup{OpportunityID: o.ID, VolunteerID: vol, Status: model.SignupStatusWaitlisted})

	locked, release, done := holdInTx(t, repo, func(tx SignupTx) error {
		_, err := tx.NextWaitlisted(ctx, o.ID, nil)
		return err
	})
	<-locked

	err := repo.WithinTx(ctx, func(tx SignupTx) error {
		_, err := tx.NextWaitlisted(ctx, o.ID, nil)
		return err
	})
	release()
	if holdErr := <-done; holdErr != nil {
		t.Fatalf("holding transaction failed: %v", holdErr)
	}
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("err = %v, want ErrLockTimeout", err)
	}
}

func TestPostgresSignupRepo_RollbackOnError(t *testing.T) {
	repo, o, vol := newSignupFixture(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := repo.WithinTx(ctx, func(tx SignupTx) error {
		now := time.Now().UTC()
		if err := tx.CreateSignup(ctx, &model.Signup{
			ID: "22222222-2222-2222-2222-222222222222", OpportunityID: o.ID, VolunteerID: vol,
			Status: model.SignupStatusPending, CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	got, err := repo.FindByID(ctx, "22222222-2222-2222-2222-222222222222")
	if err != nil || got != nil {
		t.Errorf("FindByID after rollback = %v, %v; want nil, nil", got, err)
	}
}

func TestPostgresSignupRepo_ListExpiredWaitlisted(t *testing.T) {
	db := setupTestDB(t)
	repo := NewPostgresSignupRepo(db, time.Second)
	ctx := context.Background()

	// 2030-03-09 20:00 UTC はセッションのTimeZone（Asia/Tokyo）では 3/10 05:00
	now := time.Date(2030, 3, 9, 20, 0, 0, 0, time.UTC)

	ended := insertOpportunity(t, db, &model.Opportunity{Title: "終了", Ministry: "Outreach", StartAt: now.Add(-48 * time.Hour), IsActive: true})
	upcoming := insertOpportunity(t, db, &model.Opportunity{Title: "開催前", Ministry: "Outreach", StartAt: now.Add(48 * time.Hour), IsActive: true})
	recurring := insertOpportunity(t, db, &model.Opportunity{
		Title: "毎週", Ministry: "Music", StartAt: now.Add(-30 * 24 * time.Hour), IsActive: true,
		RecurrenceRule: "FREQ=DAILY",
	})

	expired := createSignup(t, repo, &model.Signup{OpportunityID: ended.ID, VolunteerID: insertMember(t, db), Status: model.SignupStatusWaitlisted})
	createSignup(t, repo, &model.Signup{OpportunityID: ended.ID, VolunteerID: insertMember(t, db), Status: model.SignupStatusPending})
	createSignup(t, repo, &model.Signup{OpportunityID: upcoming.ID, VolunteerID: insertMember(t, db), Status: model.SignupStatusWaitlisted})
	pastDate := createSignup(t, repo, &model.Signup{
		OpportunityID: recurring.ID, VolunteerID: insertMember(t, db), Status: model.SignupStatusWaitlisted,
		ScheduledDate: dateOf(t, "2030-03-08"),
	})
	// UTCでは当日なので対象外
	createSignup(t, repo, &model.Signup{
		OpportunityID: recurring.ID, VolunteerID: insertMember(t, db), Status: model.SignupStatusWaitlisted,
		ScheduledDate: dateOf(t, "2030-03-09"),
	})

	got, err := repo.ListExpiredWaitlisted(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListExpiredWaitlisted: %v", err)
	}
	ids := map[string]bool{}
	for _, s := range got {
		ids[s.ID] = true
	}
	if len(got) != 2 || !ids[expired.ID] || !ids[pastDate.ID] {
		t.Errorf("expired = %v, want %s and %s", ids, expired.ID, pastDate.ID)
	}

	limited, err := repo.ListExpiredWaitlisted(ctx, now, 1)
	if err != nil {
		t.Fatalf("ListExpiredWaitlisted(limit=1): %v", err)
	}
	if len(limited) != 1 || limited[0].ID != expired.ID {
		t.Errorf("limit=1 = %v, want oldest %s", limited, expired.ID)
	}
}
