package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logx "remindd/pkg/logx"
)

type fakePusher struct {
	mu       sync.Mutex
	failures int // fail this many pushes before succeeding
	sent     []Message
	users    []string
}

func (f *fakePusher) Push(ctx context.Context, userID string, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("push unavailable")
	}
	f.sent = append(f.sent, msg)
	f.users = append(f.users, userID)
	return nil
}

func (f *fakePusher) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakePrefs struct {
	rows map[string]Preferences
	err  error
}

func (f *fakePrefs) GetPreferences(ctx context.Context, userID string) (Preferences, bool, error) {
	if f.err != nil {
		return Preferences{}, false, f.err
	}
	p, ok := f.rows[userID]
	return p, ok, nil
}

type fakeNotifStore struct {
	mu   sync.Mutex
	rows map[string]Notification
}

func (f *fakeNotifStore) GetNotification(ctx context.Context, id string) (Notification, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.rows[id]
	return n, ok, nil
}

func (f *fakeNotifStore) MarkNotification(ctx context.Context, id string, status NotificationStatus, sentAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.rows[id]
	if !ok {
		return errors.New("not found")
	}
	n.Status = status
	n.SentAt = sentAt
	f.rows[id] = n
	return nil
}

func (f *fakeNotifStore) get(id string) Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[id]
}

func fastConfig() Config {
	return Config{
		Enabled:       true,
		Workers:       1,
		QueueSize:     8,
		RatePerSec:    100,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
	}
}

func TestShouldNotify(t *testing.T) {
	t.Parallel()

	prefs := &fakePrefs{rows: map[string]Preferences{
		"muted":   {UserID: "muted", PushEnabled: false},
		"nogoals": {UserID: "nogoals", PushEnabled: true, Categories: map[string]bool{"GOAL_REMINDER": false}},
	}}
	s := New(fastConfig(), prefs, nil, &fakePusher{}, logx.Nop(), nil)
	ctx := context.Background()

	if !s.ShouldNotify(ctx, "unknown", "TASK_REMINDER") {
		t.Error("missing preference row must default to allow")
	}
	if s.ShouldNotify(ctx, "muted", "TASK_REMINDER") {
		t.Error("global push off must mute everything")
	}
	if s.ShouldNotify(ctx, "nogoals", "GOAL_REMINDER") {
		t.Error("category explicitly off must mute")
	}
	if !s.ShouldNotify(ctx, "nogoals", "TASK_REMINDER") {
		t.Error("categories not listed must stay enabled")
	}

	// Lookup errors fail open.
	broken := New(fastConfig(), &fakePrefs{err: errors.New("db down")}, nil, &fakePusher{}, logx.Nop(), nil)
	if !broken.ShouldNotify(ctx, "anyone", "TASK_REMINDER") {
		t.Error("preference lookup failure must fail open")
	}
}

func TestDeliver(t *testing.T) {
	t.Parallel()

	pusher := &fakePusher{}
	prefs := &fakePrefs{rows: map[string]Preferences{
		"muted": {UserID: "muted", PushEnabled: false},
	}}
	s := New(fastConfig(), prefs, nil, pusher, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Deliver(context.Background(), "muted", "TASK_REMINDER", Message{Title: "hi"}); !errors.Is(err, ErrMuted) {
		t.Fatalf("muted user: got %v, want ErrMuted", err)
	}

	if err := s.Deliver(context.Background(), "u1", "TASK_REMINDER", Message{Title: "due soon"}); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for pusher.sentCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if pusher.sentCount() != 1 {
		t.Fatalf("sent = %d, want 1", pusher.sentCount())
	}
}

func TestDeliverStopped(t *testing.T) {
	t.Parallel()

	s := New(fastConfig(), &fakePrefs{}, nil, &fakePusher{}, logx.Nop(), nil)
	if err := s.Deliver(context.Background(), "u1", "TASK_REMINDER", Message{}); !errors.Is(err, ErrStopped) {
		t.Fatalf("got %v, want ErrStopped", err)
	}

	off := New(Config{Enabled: false}, &fakePrefs{}, nil, &fakePusher{}, logx.Nop(), nil)
	if err := off.Deliver(context.Background(), "u1", "TASK_REMINDER", Message{}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("got %v, want ErrDisabled", err)
	}
}

func TestFireNotification(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("sent", func(t *testing.T) {
		t.Parallel()
		pusher := &fakePusher{}
		store := &fakeNotifStore{rows: map[string]Notification{
			"n1": {ID: "n1", UserID: "u1", Category: "TASK_ASSIGNED", Message: Message{Title: "new task"}, Status: StatusPending},
		}}
		s := New(fastConfig(), &fakePrefs{}, store, pusher, logx.Nop(), nil)
		if err := s.FireNotification(ctx, "n1"); err != nil {
			t.Fatal(err)
		}
		got := store.get("n1")
		if got.Status != StatusSent || got.SentAt == nil {
			t.Fatalf("status = %s, sentAt = %v; want SENT with timestamp", got.Status, got.SentAt)
		}
		if pusher.sentCount() != 1 {
			t.Fatalf("sent = %d, want 1", pusher.sentCount())
		}
	})

	t.Run("missing row is a no-op", func(t *testing.T) {
		t.Parallel()
		pusher := &fakePusher{}
		s := New(fastConfig(), &fakePrefs{}, &fakeNotifStore{rows: map[string]Notification{}}, pusher, logx.Nop(), nil)
		if err := s.FireNotification(ctx, "gone"); err != nil {
			t.Fatal(err)
		}
		if pusher.sentCount() != 0 {
			t.Fatal("no-op must not push")
		}
	})

	t.Run("already terminal is a no-op", func(t *testing.T) {
		t.Parallel()
		pusher := &fakePusher{}
		store := &fakeNotifStore{rows: map[string]Notification{
			"n1": {ID: "n1", UserID: "u1", Category: "TASK_ASSIGNED", Status: StatusSent},
		}}
		s := New(fastConfig(), &fakePrefs{}, store, pusher, logx.Nop(), nil)
		if err := s.FireNotification(ctx, "n1"); err != nil {
			t.Fatal(err)
		}
		if pusher.sentCount() != 0 {
			t.Fatal("terminal row must not push again")
		}
	})

	t.Run("muted is marked failed without pushing", func(t *testing.T) {
		t.Parallel()
		pusher := &fakePusher{}
		prefs := &fakePrefs{rows: map[string]Preferences{
			"u1": {UserID: "u1", PushEnabled: false},
		}}
		store := &fakeNotifStore{rows: map[string]Notification{
			"n1": {ID: "n1", UserID: "u1", Category: "TASK_ASSIGNED", Status: StatusPending},
		}}
		s := New(fastConfig(), prefs, store, pusher, logx.Nop(), nil)
		if err := s.FireNotification(ctx, "n1"); err != nil {
			t.Fatal(err)
		}
		if got := store.get("n1").Status; got != StatusFailed {
			t.Fatalf("status = %s, want FAILED", got)
		}
		if pusher.sentCount() != 0 {
			t.Fatal("muted must not push")
		}
	})

	t.Run("transient push errors are retried", func(t *testing.T) {
		t.Parallel()
		pusher := &fakePusher{failures: 2}
		store := &fakeNotifStore{rows: map[string]Notification{
			"n1": {ID: "n1", UserID: "u1", Category: "ALARM", Message: Message{Title: "wake up"}, Status: StatusPending},
		}}
		s := New(fastConfig(), &fakePrefs{}, store, pusher, logx.Nop(), nil)
		if err := s.FireNotification(ctx, "n1"); err != nil {
			t.Fatal(err)
		}
		if got := store.get("n1").Status; got != StatusSent {
			t.Fatalf("status = %s, want SENT after retries", got)
		}
	})

	t.Run("exhausted retries mark failed", func(t *testing.T) {
		t.Parallel()
		pusher := &fakePusher{failures: 100}
		store := &fakeNotifStore{rows: map[string]Notification{
			"n1": {ID: "n1", UserID: "u1", Category: "ALARM", Status: StatusPending},
		}}
		s := New(fastConfig(), &fakePrefs{}, store, pusher, logx.Nop(), nil)
		if err := s.FireNotification(ctx, "n1"); err == nil {
			t.Fatal("want error after retry budget spent")
		}
		if got := store.get("n1").Status; got != StatusFailed {
			t.Fatalf("status = %s, want FAILED", got)
		}
	})
}
