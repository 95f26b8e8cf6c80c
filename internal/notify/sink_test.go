package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"cmdgate/internal/events"
)

type fakeSink struct {
	name string
	err  error

	mu    sync.Mutex
	posts []string
}

func (f *fakeSink) Name() string { return f.name }

func (f *fakeSink) Post(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.posts = append(f.posts, text)
	return nil
}

func TestSinksReceiveAlertsWithoutChats(t *testing.T) {
	broken := &fakeSink{name: "broken", err: errors.New("down")}
	ok := &fakeSink{name: "ok"}
	n, err := New(nil, &fakeApprovals{}, fakeUsers{}, Config{Sinks: []Sink{broken, ok}})
	if err != nil {
		t.Fatal(err)
	}
	bus := events.NewBus(nil)
	n.Subscribe(bus)

	bus.Emit(events.Event{Type: events.ApprovalQueued, Payload: map[string]any{
		"approval_id": "a-9", "username": "bob", "command": "make release",
	}})
	n.Wait()

	if len(ok.posts) != 1 || !strings.Contains(ok.posts[0], "make release") {
		t.Fatalf("unexpected sink posts: %v", ok.posts)
	}
}

func TestSplitMessage(t *testing.T) {
	if got := splitMessage("", 10); len(got) != 0 {
		t.Errorf("empty text: %v", got)
	}
	if got := splitMessage("short", 10); len(got) != 1 || got[0] != "short" {
		t.Errorf("short text: %v", got)
	}

	text := "aaaaaaa\nbbbbbbb\nccc"
	got := splitMessage(text, 10)
	if strings.Join(got, "") != text {
		t.Fatalf("chunks lose text: %q", got)
	}
	for _, c := range got {
		if len(c) > 10 {
			t.Errorf("chunk %q longer than 10", c)
		}
	}
	if got[0] != "aaaaaaa\n" {
		t.Errorf("expected newline break, got %q", got[0])
	}

	long := strings.Repeat("x", 25)
	if got := splitMessage(long, 10); len(got) != 3 || got[2] != "xxxxx" {
		t.Errorf("hard cut: %q", got)
	}
}

func TestSlackPostsChunksToChannel(t *testing.T) {
	var mu sync.Mutex
	var texts []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat.postMessage" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if ch := r.PostForm.Get("channel"); ch != "C123" {
			t.Errorf("channel = %q", ch)
		}
		mu.Lock()
		texts = append(texts, r.PostForm.Get("text"))
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "channel": "C123", "ts": "1.0"})
	}))
	defer srv.Close()

	s, err := NewSlack(SlackConfig{BotToken: "xoxb-test", Channel: "C123", APIURL: srv.URL + "/"})
	if err != nil {
		t.Fatal(err)
	}
	msg := strings.Repeat("line\n", slackMaxMsgLen/5+10)
	if err := s.Post(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(texts) != 2 || texts[0]+texts[1] != msg {
		t.Fatalf("expected message in 2 chunks, got %d", len(texts))
	}
}

func TestSinkConstructorsRequireTarget(t *testing.T) {
	if _, err := NewSlack(SlackConfig{BotToken: "x"}); err == nil {
		t.Error("slack without channel should fail")
	}
	if _, err := NewDiscord(DiscordConfig{Token: "x"}); err == nil {
		t.Error("discord without channel should fail")
	}
	d, err := NewDiscord(DiscordConfig{Token: "x", ChannelID: "42"})
	if err != nil || d.Name() != "discord" {
		t.Fatalf("discord: %v", err)
	}
}
