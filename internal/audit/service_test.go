package audit

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestService_AppendRequiresAccountAndType(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.Append(context.Background(), Event{Type: EventTypeOperatorAction}); err == nil {
		t.Fatalf("expected error")
	}
	if err := svc.Append(context.Background(), Event{AccountID: "a"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestService_AppendsImmutableEvents(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	actor := Actor{UserID: "u", Role: "supervisor", IP: "1.2.3.4"}
	if err := svc.LogOperatorAction(context.Background(), "a", actor, "force_dispatch", "camp", "lead", "forced"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	evs := repo.Events()
	if len(evs) != 1 {
		t.Fatalf("expected 1 event")
	}
	if evs[0].IPAddress != "1.2.3.4" {
		t.Fatalf("expected ip captured")
	}
	if evs[0].Type != EventTypeOperatorAction || evs[0].Action != "force_dispatch" {
		t.Fatalf("unexpected event: %+v", evs[0])
	}
	if evs[0].ID == "" || evs[0].CreatedAt.IsZero() {
		t.Fatalf("expected id and timestamp filled")
	}
}

func TestService_RecentFiltersByType(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)
	ctx := context.Background()

	_ = svc.LogSettingsChange(ctx, "a", Actor{UserID: "u"}, "pacing", map[string]float64{"target_answer_rate": 0.3})
	_ = svc.LogComplianceAlert(ctx, "a", "abandonment 5.0% over 3.0%", map[string]float64{"abandonment_rate": 0.05})
	_ = svc.LogComplianceAlert(ctx, "b", "other account", nil)

	evs, err := svc.Recent(ctx, "a", 10, EventTypeComplianceAlert)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(evs) != 1 || evs[0].Message != "abandonment 5.0% over 3.0%" {
		t.Fatalf("unexpected events: %+v", evs)
	}

	all, err := svc.Recent(ctx, "a", 0)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(all) != 2 || all[0].Type != EventTypeComplianceAlert {
		t.Fatalf("expected newest first, got %+v", all)
	}
}

func TestPostgresRepo_Append(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_events")).
		WithArgs("e1", "a", EventTypeComplianceAlert, nil, nil, nil, "pacing_decrease", nil, nil, "over limit", nil, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = NewPostgresRepo(db).Append(context.Background(), Event{
		ID: "e1", AccountID: "a", Type: EventTypeComplianceAlert, Action: "pacing_decrease", Message: "over limit", CreatedAt: now,
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
