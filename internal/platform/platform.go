// ABOUTME: Messaging-platform capability set consumed by the core
// ABOUTME: Client interface, normalized message/chat/sender types, errors

package platform

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotAuthorized indicates a credential whose stored session is not
// (or no longer) signed in.
var ErrNotAuthorized = errors.New("session not authorized")

// ErrChatUnavailable indicates the chat cannot be resolved or accessed
// with the current session (private, deleted, or banned).
var ErrChatUnavailable = errors.New("chat unavailable")

// FloodWaitError is a platform rate limit carrying the advertised wait.
type FloodWaitError struct {
	Wait time.Duration
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("rate limited, wait %s", e.Wait)
}

// AsFloodWait extracts the advertised wait from an error chain.
func AsFloodWait(err error) (time.Duration, bool) {
	var fw *FloodWaitError
	if errors.As(err, &fw) {
		return fw.Wait, true
	}
	return 0, false
}

// Sender identifies the author of a message.
type Sender struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
}

// DisplayName returns the human-readable sender name, or empty.
func (s *Sender) DisplayName() string {
	if s == nil {
		return ""
	}
	if s.LastName != "" {
		return s.FirstName + " " + s.LastName
	}
	return s.FirstName
}

// Message is one normalized inbound message.
// Sender may be nil when resolution failed; admission must not depend on it.
type Message struct {
	ID           int64
	ChatID       int64
	ChatUsername string
	Text         string
	Date         time.Time
	Sender       *Sender
}

// ChatInfo describes a resolved chat.
type ChatInfo struct {
	ID           int64
	AccessHash   int64
	Title        string
	Username     string
	MessageCount int
}

// NewMessageHandler receives messages for a subscribed chat. Handlers must
// return quickly; long work belongs on a separate task.
type NewMessageHandler func(msg *Message)

// Credential is one stored account: an opaque session blob on disk plus
// the API keys it was issued under.
type Credential struct {
	Name        string
	SessionPath string
	AppID       int
	AppHash     string
	Phone       string
}

// Dialer establishes authenticated connections from stored credentials.
type Dialer interface {
	Dial(ctx context.Context, cred Credential) (Client, error)
}

// Client is one authenticated connection to the messaging platform.
// Implementations are safe for concurrent use.
type Client interface {
	// ResolveChat resolves a chat handle: "@name" or a signed numeric id.
	ResolveChat(ctx context.Context, handle string) (*ChatInfo, error)

	// JoinByUsername joins a public chat by its handle.
	JoinByUsername(ctx context.Context, username string) error

	// ImportInvite joins a private chat via an invite hash.
	ImportInvite(ctx context.Context, hash string) error

	// IsMember reports whether this session already participates in the chat.
	IsMember(ctx context.Context, chatID int64) (bool, error)

	// Subscribe installs a new-message handler scoped to the chat.
	// A second Subscribe for the same chat replaces the handler.
	Subscribe(chatID int64, h NewMessageHandler)

	// Unsubscribe removes the handler for the chat, if any.
	Unsubscribe(chatID int64)

	// HistoryPage fetches up to limit messages older than offsetID
	// (0 means newest). Messages are returned newest first.
	HistoryPage(ctx context.Context, chat *ChatInfo, offsetID int64, limit int) ([]*Message, error)

	// ResolveSender fills in the sender of a message when the inbound
	// event carried only an id.
	ResolveSender(ctx context.Context, msg *Message) (*Sender, error)

	// Disconnect tears the connection down. Implementations must return
	// within the context deadline, abandoning the transport if needed.
	Disconnect(ctx context.Context) error
}
