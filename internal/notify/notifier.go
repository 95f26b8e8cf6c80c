// Package notify pushes approval requests to chat operators and lets admin
// chats resolve them with /approve and /deny. Slack and Discord channels can
// be added as one-way alert sinks.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"cmdgate/internal/domain"
	"cmdgate/internal/events"
	"cmdgate/internal/gateway"
)

// Sender delivers a text message to a chat.
type Sender interface {
	Send(chatID int64, text string) error
}

// Sink is a one-way alert destination.
type Sink interface {
	Name() string
	Post(ctx context.Context, text string) error
}

const sinkTimeout = 30 * time.Second

// Approvals is the slice of the gateway the notifier drives.
type Approvals interface {
	PendingApprovals(ctx context.Context, actor domain.User) ([]domain.ApprovalItem, error)
	Resolve(ctx context.Context, actor domain.User, itemID string, decision domain.ApprovalDecision) (gateway.Resolution, error)
}

// UserLookup resolves the admin account bound to a chat.
type UserLookup interface {
	UserByUsername(ctx context.Context, username string) (domain.User, error)
}

type Config struct {
	// AdminChats maps chat IDs to the admin username acting from that chat.
	AdminChats map[string]string
	// WatchChats only receive notifications.
	WatchChats []string
	Sinks      []Sink
	Logger     *slog.Logger
}

type Notifier struct {
	sender    Sender
	approvals Approvals
	users     UserLookup
	admins    map[int64]string
	watchers  []int64
	sinks     []Sink
	logger    *slog.Logger

	handlerIDs map[string]string
	wg         sync.WaitGroup
}

// New builds a notifier. sender may be nil when only sinks are configured.
func New(sender Sender, approvals Approvals, users UserLookup, cfg Config) (*Notifier, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	n := &Notifier{
		sender:     sender,
		approvals:  approvals,
		users:      users,
		admins:     make(map[int64]string),
		sinks:      cfg.Sinks,
		logger:     cfg.Logger,
		handlerIDs: make(map[string]string),
	}
	for raw, username := range cfg.AdminChats {
		id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("admin chat %q: not a chat id", raw)
		}
		n.admins[id] = username
	}
	for _, raw := range cfg.WatchChats {
		id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("watch chat %q: not a chat id", raw)
		}
		if _, isAdmin := n.admins[id]; !isAdmin {
			n.watchers = append(n.watchers, id)
		}
	}
	return n, nil
}

// Subscribe registers the notifier's handlers on bus.
func (n *Notifier) Subscribe(bus *events.Bus) {
	n.handlerIDs[events.ApprovalQueued] = bus.On(events.ApprovalQueued, n.onQueued)
	n.handlerIDs[events.ApprovalResolved] = bus.On(events.ApprovalResolved, n.onResolved)
}

// Unsubscribe removes the handlers and waits for in-flight deliveries.
func (n *Notifier) Unsubscribe(bus *events.Bus) {
	for typ, id := range n.handlerIDs {
		bus.Off(typ, id)
	}
	n.Wait()
}

// Wait blocks until queued deliveries are done.
func (n *Notifier) Wait() { n.wg.Wait() }

func (n *Notifier) onQueued(ev events.Event) {
	p := ev.Payload
	text := fmt.Sprintf("Approval needed\nUser: %v\nCommand: %v\nID: %v\n\n/approve %v\n/deny %v",
		p["username"], p["command"], p["approval_id"], p["approval_id"], p["approval_id"])
	n.broadcast(text)
}

func (n *Notifier) onResolved(ev events.Event) {
	p := ev.Payload
	verb := "denied"
	if p["decision"] == string(domain.DecisionApprove) {
		verb = "approved"
	}
	text := fmt.Sprintf("Approval %v %s by %v\nUser: %v\nCommand: %v\nResult: %v (%v)",
		p["approval_id"], verb, p["resolved_by"], p["username"], p["command"], p["status"], p["reason"])
	n.broadcast(text)
}

// broadcast sends to every configured chat and sink off the caller's
// goroutine; event handlers run inline with the gateway.
func (n *Notifier) broadcast(text string) {
	chats := n.chats()
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for _, id := range chats {
			if err := n.sender.Send(id, text); err != nil {
				n.logger.Warn("notification not delivered", "chat_id", id, "error", err)
			}
		}
		for _, sink := range n.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
			if err := sink.Post(ctx, text); err != nil {
				n.logger.Warn("notification not delivered", "sink", sink.Name(), "error", err)
			}
			cancel()
		}
	}()
}

func (n *Notifier) chats() []int64 {
	if n.sender == nil {
		return nil
	}
	out := make([]int64, 0, len(n.admins)+len(n.watchers))
	for id := range n.admins {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return append(out, n.watchers...)
}

const helpText = "Commands:\n/pending - list approval requests\n/approve <id> - approve and run\n/deny <id> - deny\n/help - this message"

// HandleCommand answers a chat command and returns the reply. Only admin
// chats may list or resolve approvals.
func (n *Notifier) HandleCommand(ctx context.Context, chatID int64, command, args string) string {
	if command == "help" || command == "start" {
		return helpText
	}
	username, ok := n.admins[chatID]
	if !ok {
		n.logger.Warn("chat command from non-admin chat", "chat_id", chatID, "command", command)
		return "This chat is not allowed to manage approvals."
	}
	actor, err := n.users.UserByUsername(ctx, username)
	if err != nil {
		n.logger.Error("admin chat user lookup", "chat_id", chatID, "username", username, "error", err)
		return "Admin account for this chat was not found."
	}

	switch command {
	case "pending":
		return n.pending(ctx, actor)
	case "approve", "deny", "reject":
		decision, _ := domain.ParseDecision(command)
		id := strings.TrimSpace(args)
		if id == "" {
			return fmt.Sprintf("Usage: /%s <id>", command)
		}
		return n.resolve(ctx, actor, id, decision)
	}
	return "Unknown command. " + helpText
}

func (n *Notifier) pending(ctx context.Context, actor domain.User) string {
	items, err := n.approvals.PendingApprovals(ctx, actor)
	if err != nil {
		return describeError(err)
	}
	if len(items) == 0 {
		return "No pending approvals."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d pending:\n", len(items))
	for _, it := range items {
		fmt.Fprintf(&sb, "\n%s\n  %s: %s\n", it.ID, it.Username, it.CommandText)
	}
	return sb.String()
}

func (n *Notifier) resolve(ctx context.Context, actor domain.User, id string, decision domain.ApprovalDecision) string {
	res, err := n.approvals.Resolve(ctx, actor, id, decision)
	if err != nil {
		n.logger.Warn("chat resolve failed", "approval_id", id, "decision", decision, "error", err)
		return describeError(err)
	}
	reply := fmt.Sprintf("%s: %s (balance %d)", res.Message, res.Submission.CommandText, res.NewBalance)
	if res.Submission.Output != "" {
		reply += "\n\n" + res.Submission.Output
	}
	return reply
}

func describeError(err error) string {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return "No such approval."
	case errors.Is(err, domain.ErrAlreadyResolved):
		return "Already resolved."
	case errors.Is(err, domain.ErrForbidden):
		return "Admin access required."
	}
	return "Request failed, see server logs."
}
