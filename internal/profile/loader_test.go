package profile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/brifyai/dashboard-brify-sub001/internal/backend"
	"github.com/brifyai/dashboard-brify-sub001/internal/model"
	"github.com/brifyai/dashboard-brify-sub001/internal/security"
	"github.com/google/go-cmp/cmp"
)

// --- モック定義 ---

type findCall struct {
	token  string
	column backend.UserColumn
	value  string
}

type mockUserFinder struct {
	findUsersFn func(ctx context.Context, accessToken string, column backend.UserColumn, value string) ([]model.UserRecord, error)
	calls       []findCall
}

func (m *mockUserFinder) FindUsers(ctx context.Context, accessToken string, column backend.UserColumn, value string) ([]model.UserRecord, error) {
	m.calls = append(m.calls, findCall{accessToken, column, value})
	if m.findUsersFn != nil {
		return m.findUsersFn(ctx, accessToken, column, value)
	}
	return nil, nil
}

type mockRecorder struct {
	outcomes []LookupOutcome
}

func (m *mockRecorder) RecordProfileLookup(outcome LookupOutcome) {
	m.outcomes = append(m.outcomes, outcome)
}

// --- ヘルパー ---

const (
	subjectID = "0b6d6a56-2f1f-4c5e-9c43-3b3a8d4f9a11"
	otherID   = "5f0c3f7e-8d4e-4b8a-9a51-2c1b7e6d3f20"
)

func testSession() *model.Session {
	return &model.Session{
		SubjectID:   subjectID,
		Email:       "user@example.com",
		ExpiresAt:   time.Now().Add(time.Hour),
		AccessToken: "access-token",
	}
}

func newTestLoader(finder UserFinder) (*Loader, *mockRecorder, *bytes.Buffer) {
	var logs bytes.Buffer
	l := NewLoader(finder, security.NewTextSanitizer(0), slog.New(slog.NewJSONHandler(&logs, nil)))
	rec := &mockRecorder{}
	l.SetRecorder(rec)
	return l, rec, &logs
}

// --- テスト ---

func TestLoader_LoadProfile_FoundByID(t *testing.T) {
	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	finder := &mockUserFinder{
		findUsersFn: func(ctx context.Context, token string, column backend.UserColumn, value string) ([]model.UserRecord, error) {
			return []model.UserRecord{{
				ID:        subjectID,
				Email:     "user@example.com",
				Name:      "山田 太郎",
				Role:      "admin",
				Status:    model.UserStatusActive,
				CreatedAt: created,
			}}, nil
		},
	}
	l, rec, _ := newTestLoader(finder)

	got, err := l.LoadProfile(context.Background(), testSession())
	if err != nil {
		t.Fatalf("LoadProfile() error = %v", err)
	}

	want := &model.UserRecord{
		ID:        subjectID,
		Email:     "user@example.com",
		Name:      "山田 太郎",
		Role:      "admin",
		Status:    model.UserStatusActive,
		CreatedAt: created,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("LoadProfile() mismatch (-want +got):\n%s", diff)
	}

	wantCalls := []findCall{{"access-token", backend.UserColumnID, subjectID}}
	if diff := cmp.Diff(wantCalls, finder.calls, cmp.AllowUnexported(findCall{})); diff != "" {
		t.Errorf("finder calls mismatch (-want +got):\n%s", diff)
	}
	if len(rec.outcomes) != 1 || rec.outcomes[0] != OutcomeFound {
		t.Errorf("outcomes = %v, want [found]", rec.outcomes)
	}
}

func TestLoader_LoadProfile_SanitizesDisplayFields(t *testing.T) {
	finder := &mockUserFinder{
		findUsersFn: func(ctx context.Context, token string, column backend.UserColumn, value string) ([]model.UserRecord, error) {
			return []model.UserRecord{{
				ID:   subjectID,
				Name: `<img src=x onerror=alert(1)>Taro`,
				Role: "<b>admin</b>",
			}}, nil
		},
	}
	l, _, _ := newTestLoader(finder)

	got, err := l.LoadProfile(context.Background(), testSession())
	if err != nil {
		t.Fatalf("LoadProfile() error = %v", err)
	}
	if got.Name != "Taro" || got.Role != "admin" {
		t.Errorf("Name = %q, Role = %q; want Taro, admin", got.Name, got.Role)
	}
}

func TestLoader_LoadProfile_NotFound(t *testing.T) {
	finder := &mockUserFinder{}
	l, rec, _ := newTestLoader(finder)

	_, err := l.LoadProfile(context.Background(), testSession())
	if !errors.Is(err, model.ErrProfileNotFound) {
		t.Fatalf("error = %v, want ErrProfileNotFound", err)
	}
	if len(finder.calls) != 2 || finder.calls[1].column != backend.UserColumnEmail {
		t.Errorf("calls = %+v, want id lookup then email lookup", finder.calls)
	}
	if len(rec.outcomes) != 1 || rec.outcomes[0] != OutcomeNotFound {
		t.Errorf("outcomes = %v, want [not_found]", rec.outcomes)
	}
}

func TestLoader_LoadProfile_NoEmailSkipsFallback(t *testing.T) {
	finder := &mockUserFinder{}
	l, _, _ := newTestLoader(finder)

	sess := testSession()
	sess.Email = ""
	_, err := l.LoadProfile(context.Background(), sess)
	if !errors.Is(err, model.ErrProfileNotFound) {
		t.Fatalf("error = %v, want ErrProfileNotFound", err)
	}
	if len(finder.calls) != 1 {
		t.Errorf("calls = %d, want 1", len(finder.calls))
	}
}

func TestLoader_LoadProfile_IDMismatchIsNotFound(t *testing.T) {
	finder := &mockUserFinder{
		findUsersFn: func(ctx context.Context, token string, column backend.UserColumn, value string) ([]model.UserRecord, error) {
			if column == backend.UserColumnEmail {
				return []model.UserRecord{{ID: otherID, Email: value, Name: "Stale Row"}}, nil
			}
			return nil, nil
		},
	}
	l, rec, logs := newTestLoader(finder)

	got, err := l.LoadProfile(context.Background(), testSession())
	if !errors.Is(err, model.ErrProfileNotFound) {
		t.Fatalf("error = %v, want ErrProfileNotFound", err)
	}
	if got != nil {
		t.Errorf("a row under another id must not be returned: %+v", got)
	}
	if len(rec.outcomes) != 1 || rec.outcomes[0] != OutcomeIDMismatch {
		t.Errorf("outcomes = %v, want [id_mismatch]", rec.outcomes)
	}
	if !strings.Contains(logs.String(), otherID) || !strings.Contains(logs.String(), subjectID) {
		t.Errorf("mismatch log should name both ids: %s", logs.String())
	}
}

func TestLoader_LoadProfile_BackendErrorPropagates(t *testing.T) {
	finder := &mockUserFinder{
		findUsersFn: func(ctx context.Context, token string, column backend.UserColumn, value string) ([]model.UserRecord, error) {
			return nil, fmt.Errorf("table_users: %w", model.ErrNetwork)
		},
	}
	l, rec, _ := newTestLoader(finder)

	_, err := l.LoadProfile(context.Background(), testSession())
	if !errors.Is(err, model.ErrNetwork) {
		t.Fatalf("error = %v, want ErrNetwork", err)
	}
	if errors.Is(err, model.ErrProfileNotFound) {
		t.Error("a network failure must not be reported as not found")
	}
	if len(rec.outcomes) != 1 || rec.outcomes[0] != OutcomeError {
		t.Errorf("outcomes = %v, want [error]", rec.outcomes)
	}
}

func TestLoader_LoadProfile_RequiresSession(t *testing.T) {
	l, _, _ := newTestLoader(&mockUserFinder{})

	if _, err := l.LoadProfile(context.Background(), nil); err == nil {
		t.Error("expected error for nil session")
	}
}
