package archive

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/vango-go/intake-live/pkg/intake/extraction"
)

func sampleRecord(id string) Record {
	text := "175"
	return Record{
		SessionID: id,
		Status:    "done",
		Extraction: extraction.Extraction{
			Answers:    []extraction.Answer{{QuestionID: 1277, AnswerText: &text}},
			Unanswered: []extraction.Unanswered{{QuestionID: 1317}},
			Derived:    map[string]any{},
			Warnings:   []string{},
		},
		StartedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		EndedAt:   time.Date(2026, 1, 2, 3, 9, 5, 0, time.UTC),
	}
}

func assertRoundTrip(t *testing.T, s Store, id string) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.Load(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load before Save err=%v, want ErrNotFound", err)
	}
	if err := s.Save(ctx, sampleRecord(id)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.SessionID != id || got.Status != "done" {
		t.Fatalf("record=%+v", got)
	}
	if a, ok := got.Extraction.AnswerFor(1277); !ok || *a.AnswerText != "175" {
		t.Fatalf("answers=%+v", got.Extraction.Answers)
	}
	if !got.Extraction.IsUnanswered(1317) {
		t.Fatalf("unanswered=%+v", got.Extraction.Unanswered)
	}
	if !got.EndedAt.Equal(sampleRecord(id).EndedAt) {
		t.Fatalf("ended_at=%v", got.EndedAt)
	}
}

func TestMemory_RoundTrip(t *testing.T) {
	assertRoundTrip(t, NewMemory(time.Hour), "s1")
}

func TestMemory_Expires(t *testing.T) {
	m := NewMemory(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	if err := m.Save(context.Background(), sampleRecord("s1")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := m.Load(context.Background(), "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired Load err=%v", err)
	}
}

func TestMemory_LoadReturnsCopy(t *testing.T) {
	m := NewMemory(time.Hour)
	_ = m.Save(context.Background(), sampleRecord("s1"))
	got, _ := m.Load(context.Background(), "s1")
	got.Extraction.Unanswered[0].QuestionID = 1
	again, _ := m.Load(context.Background(), "s1")
	if again.Extraction.Unanswered[0].QuestionID != 1317 {
		t.Fatalf("Load returned shared state")
	}
}

func TestOpen_Backends(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, Options{})
	if err != nil {
		t.Fatalf("Open default: %v", err)
	}
	if _, ok := s.(Nop); !ok {
		t.Fatalf("default backend=%T, want Nop", s)
	}
	if _, err := s.Load(ctx, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Nop.Load err=%v", err)
	}

	s, err = Open(ctx, Options{Backend: "Memory"})
	if err != nil {
		t.Fatalf("Open memory: %v", err)
	}
	if _, ok := s.(*Memory); !ok {
		t.Fatalf("memory backend=%T", s)
	}

	for _, opts := range []Options{{Backend: "redis"}, {Backend: "postgres"}, {Backend: "mongo"}} {
		if _, err := Open(ctx, opts); err == nil {
			t.Fatalf("Open(%+v) succeeded, want error", opts)
		}
	}
}

func TestRedis_RoundTrip(t *testing.T) {
	url := os.Getenv("INTAKE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("INTAKE_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	s, err := OpenRedis(ctx, url, time.Minute)
	if err != nil {
		t.Fatalf("OpenRedis: %v", err)
	}
	defer s.Close()
	id := "test-" + time.Now().Format("150405.000000000")
	defer s.client.Del(ctx, s.key(id))
	assertRoundTrip(t, s, id)
}

func TestPostgres_RoundTrip(t *testing.T) {
	url := os.Getenv("INTAKE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("INTAKE_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	if err := Migrate(ctx, url, nil); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	s, err := OpenPostgres(ctx, url)
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}
	defer s.Close()
	id := "test-" + time.Now().Format("150405.000000000")
	defer s.pool.Exec(ctx, "DELETE FROM intake_sessions WHERE session_id = $1", id)
	assertRoundTrip(t, s, id)
}
