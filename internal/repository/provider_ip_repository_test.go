package repository

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/bulkmail/bulkmail/internal/database"
	"github.com/bulkmail/bulkmail/internal/model"
)

var ipRowColumns = []string{
	"id", "provider_id", "ip_address", "is_active", "email_count", "failure_count",
	"last_used_at", "deactivated_at", "created_at", "updated_at",
}

func newMockDB(t *testing.T) (*database.Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return database.Wrap(db), mock
}

func expectationsMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSelectAndReserve(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewProviderIPRepository(db)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	created := now.Add(-48 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM email_provider_ips\s+WHERE provider_id = \$1 AND is_active = TRUE AND \(last_used_at IS NULL OR last_used_at < \$2\) AND email_count < \$3\s+ORDER BY email_count ASC, last_used_at ASC NULLS FIRST\s+LIMIT 1\s+FOR UPDATE`).
		WithArgs("prov-1", now.Add(-time.Hour), 1000).
		WillReturnRows(sqlmock.NewRows(ipRowColumns).
			AddRow("ip-1", "prov-1", "10.0.0.1", true, 3, 0, nil, nil, created, created))
	mock.ExpectExec(`UPDATE email_provider_ips\s+SET email_count = email_count \+ 1`).
		WithArgs(now, "ip-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ip, err := repo.SelectAndReserve(context.Background(), "prov-1", IPFilter{Cooldown: time.Hour, MaxEmails: 1000}, now)
	if err != nil {
		t.Fatalf("SelectAndReserve: %v", err)
	}
	if ip == nil || ip.ID != "ip-1" || ip.EmailCount != 4 {
		t.Fatalf("unexpected ip: %+v", ip)
	}
	if ip.LastUsedAt == nil || !ip.LastUsedAt.Equal(now) {
		t.Fatalf("expected last_used_at stamped, got %v", ip.LastUsedAt)
	}
	expectationsMet(t, mock)
}

func TestSelectAndReserveWithoutFilters(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewProviderIPRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`WHERE provider_id = \$1 AND is_active = TRUE\s+ORDER BY`).
		WithArgs("prov-1").
		WillReturnRows(sqlmock.NewRows(ipRowColumns))
	mock.ExpectRollback()

	ip, err := repo.SelectAndReserve(context.Background(), "prov-1", IPFilter{}, time.Now())
	if err != nil || ip != nil {
		t.Fatalf("expected no ip and no error, got %+v, %v", ip, err)
	}
	expectationsMet(t, mock)
}

func TestSelectAndReserveConflict(t *testing.T) {
	tests := []struct {
		name string
		code pq.ErrorCode
	}{
		{name: "serialization failure", code: "40001"},
		{name: "deadlock", code: "40P01"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			repo := NewProviderIPRepository(db)

			mock.ExpectBegin()
			mock.ExpectQuery(`SELECT .+ FROM email_provider_ips`).
				WillReturnError(&pq.Error{Code: tc.code})
			mock.ExpectRollback()

			_, err := repo.SelectAndReserve(context.Background(), "prov-1", IPFilter{}, time.Now())
			if !errors.Is(err, ErrConflict) || !IsConflict(err) {
				t.Fatalf("expected ErrConflict, got %v", err)
			}
			expectationsMet(t, mock)
		})
	}
}

func TestRecordFailureDeactivates(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewProviderIPRepository(db)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`UPDATE email_provider_ips\s+SET failure_count = failure_count \+ 1`).
		WithArgs(now, 3, "ip-1").
		WillReturnRows(sqlmock.NewRows(ipRowColumns).
			AddRow("ip-1", "prov-1", "10.0.0.1", false, 7, 3, now, now, now, now))

	ip, err := repo.RecordFailure(context.Background(), "ip-1", now, 3)
	if err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if ip.IsActive || ip.FailureCount != 3 || ip.DeactivatedAt == nil {
		t.Fatalf("expected deactivated ip, got %+v", ip)
	}
	expectationsMet(t, mock)
}

func TestRecordFailureNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewProviderIPRepository(db)

	mock.ExpectQuery(`UPDATE email_provider_ips`).
		WillReturnRows(sqlmock.NewRows(ipRowColumns))

	if _, err := repo.RecordFailure(context.Background(), "missing", time.Now(), 3); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestRecordSuccess(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewProviderIPRepository(db)
	now := time.Now().UTC()

	mock.ExpectExec(`UPDATE email_provider_ips\s+SET email_count = email_count \+ 1`).
		WithArgs(now, "ip-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE email_provider_ips`).
		WithArgs(now, "gone").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.RecordSuccess(context.Background(), "ip-1", now); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}
	if err := repo.RecordSuccess(context.Background(), "gone", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestReactivateDeactivatedBefore(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewProviderIPRepository(db)
	cutoff := time.Now().Add(-24 * time.Hour)

	mock.ExpectQuery(`SET is_active = TRUE, failure_count = 0, deactivated_at = NULL`).
		WithArgs(cutoff).
		WillReturnRows(sqlmock.NewRows([]string{"ip_address"}).AddRow("10.0.0.1").AddRow("10.0.0.2"))

	got, err := repo.ReactivateDeactivatedBefore(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("ReactivateDeactivatedBefore: %v", err)
	}
	if want := []string{"10.0.0.1", "10.0.0.2"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	expectationsMet(t, mock)
}

func TestCreateProviderIPErrors(t *testing.T) {
	tests := []struct {
		name string
		code pq.ErrorCode
		want error
	}{
		{name: "duplicate address", code: "23505", want: ErrDuplicate},
		{name: "unknown provider", code: "23503", want: ErrNotFound},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			repo := NewProviderIPRepository(db)

			mock.ExpectExec(`INSERT INTO email_provider_ips`).
				WillReturnError(&pq.Error{Code: tc.code})

			err := repo.Create(context.Background(), &model.ProviderIP{ProviderID: "prov-1", IPAddress: "10.0.0.1", IsActive: true})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			expectationsMet(t, mock)
		})
	}
}

func TestUsage(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewProviderIPRepository(db)
	used := time.Now().UTC()

	mock.ExpectQuery(`FROM email_provider_ips ip\s+JOIN email_providers p`).
		WithArgs("").
		WillReturnRows(sqlmock.NewRows([]string{"ip_address", "name", "email_count", "is_active", "last_used_at", "failure_count"}).
			AddRow("10.0.0.1", "smtpcom", 12, true, used, 0).
			AddRow("10.0.0.2", "smtpcom", 4, false, nil, 3))

	usage, err := repo.Usage(context.Background(), "")
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if len(usage) != 2 || usage[0].Status != "active" || usage[1].Status != "inactive" || usage[1].Failures != 3 {
		t.Fatalf("unexpected usage: %+v", usage)
	}
	if usage[1].LastUsed != nil {
		t.Fatalf("expected nil last used for never-used ip")
	}
	expectationsMet(t, mock)
}
