package activity

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/solhaug/previewd/internal/domain"
	"github.com/solhaug/previewd/internal/ws"
)

type fakeActivityRepo struct {
	inserted []domain.ActivityEvent
	listed   []domain.ActivityEvent
	gotLimit int
	deletes  chan time.Time
}

func (f *fakeActivityRepo) InsertActivityEvent(_ context.Context, event *domain.ActivityEvent) error {
	f.inserted = append(f.inserted, *event)
	return nil
}

func (f *fakeActivityRepo) ListActivityEvents(_ context.Context, limit, _ int) ([]domain.ActivityEvent, error) {
	f.gotLimit = limit
	return f.listed, nil
}

func (f *fakeActivityRepo) DeleteActivityEventsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	if f.deletes != nil {
		f.deletes <- cutoff
	}
	return 1, nil
}

type fakeSubscriber struct {
	payloads chan []byte
}

func (f *fakeSubscriber) Send(p []byte) error {
	f.payloads <- p
	return nil
}

func (f *fakeSubscriber) Close() {}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRecordStampsBroadcastsAndPersists(t *testing.T) {
	repo := &fakeActivityRepo{}
	hub := ws.NewHub()
	svc := New(repo, hub, discardLogger(), time.Hour, time.Hour)

	sub := &fakeSubscriber{payloads: make(chan []byte, 4)}
	hub.Register(Topic, sub)

	svc.Record(context.Background(), domain.ActivityEvent{
		Kind:       domain.ActivityPreviewCreated,
		Identifier: "pr-42",
		Message:    "created preview pr-42",
	})

	select {
	case payload := <-sub.payloads:
		var event domain.ActivityEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			t.Fatalf("broadcast payload not json: %v", err)
		}
		if event.ID == "" {
			t.Fatal("event id not stamped")
		}
		if event.CreatedAt.IsZero() {
			t.Fatal("event timestamp not stamped")
		}
		if event.Kind != domain.ActivityPreviewCreated {
			t.Fatalf("kind = %q", event.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no broadcast reached the subscriber")
	}

	if len(repo.inserted) != 1 {
		t.Fatalf("persisted %d events, want 1", len(repo.inserted))
	}
	if repo.inserted[0].ID == "" {
		t.Fatal("persisted event missing id")
	}
}

func TestRecordWithoutPersistence(t *testing.T) {
	hub := ws.NewHub()
	svc := New(nil, hub, discardLogger(), 0, 0)

	sub := &fakeSubscriber{payloads: make(chan []byte, 1)}
	hub.Register(Topic, sub)

	svc.Record(context.Background(), domain.ActivityEvent{Kind: domain.ActivityPreviewDeleted, Message: "x"})

	select {
	case <-sub.payloads:
	case <-time.After(time.Second):
		t.Fatal("broadcast-only journal dropped the event")
	}
}

func TestRecentRequiresPersistence(t *testing.T) {
	svc := New(nil, ws.NewHub(), discardLogger(), 0, 0)
	if _, err := svc.Recent(context.Background(), 10, 0); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}

func TestRecentClampsLimit(t *testing.T) {
	repo := &fakeActivityRepo{}
	svc := New(repo, ws.NewHub(), discardLogger(), time.Hour, time.Hour)

	if _, err := svc.Recent(context.Background(), 0, 0); err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if repo.gotLimit != defaultRecentLimit {
		t.Fatalf("limit = %d, want default %d", repo.gotLimit, defaultRecentLimit)
	}

	if _, err := svc.Recent(context.Background(), 10000, 0); err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if repo.gotLimit != defaultRecentLimit {
		t.Fatalf("oversized limit not clamped: %d", repo.gotLimit)
	}
}

func TestRunSweepsOnTicker(t *testing.T) {
	repo := &fakeActivityRepo{deletes: make(chan time.Time, 4)}
	svc := New(repo, ws.NewHub(), discardLogger(), time.Hour, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	select {
	case cutoff := <-repo.deletes:
		if time.Until(cutoff) > -30*time.Minute {
			t.Fatalf("cutoff %v not pushed back by retention", cutoff)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sweep never ran")
	}
}
