// ABOUTME: gotd-backed implementation of platform.Client and platform.Dialer
// ABOUTME: Background MTProto run loop, update dispatch, entity caching

package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"github.com/leadwatch/leadwatch/internal/platform"
)

// Dialer connects stored credentials over MTProto.
type Dialer struct {
	Logger *slog.Logger
}

// NewDialer returns a Dialer logging through the given logger.
func NewDialer(logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{Logger: logger.With("component", "telegram")}
}

// Conn is one live authenticated connection.
type Conn struct {
	name   string
	client *telegram.Client
	api    *tg.Client
	log    *slog.Logger

	cancel context.CancelFunc
	done   chan error

	mu       sync.RWMutex
	handlers map[int64]platform.NewMessageHandler
	hashes   map[int64]int64
	senders  map[int64]*platform.Sender
}

// Dial brings the credential online and verifies the stored session is
// authorized. The connection runs on a background goroutine until
// Disconnect is called.
func (d *Dialer) Dial(ctx context.Context, cred platform.Credential) (platform.Client, error) {
	dispatcher := tg.NewUpdateDispatcher()
	client := telegram.NewClient(cred.AppID, cred.AppHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: cred.SessionPath},
		UpdateHandler:  dispatcher,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	conn := &Conn{
		name:     cred.Name,
		client:   client,
		log:      d.Logger.With("session", cred.Name),
		cancel:   cancel,
		done:     make(chan error, 1),
		handlers: make(map[int64]platform.NewMessageHandler),
		hashes:   make(map[int64]int64),
		senders:  make(map[int64]*platform.Sender),
	}
	dispatcher.OnNewChannelMessage(conn.onChannelMessage)
	dispatcher.OnNewMessage(conn.onChatMessage)

	ready := make(chan struct{})
	go func() {
		conn.done <- client.Run(runCtx, func(ctx context.Context) error {
			close(ready)
			<-ctx.Done()
			return ctx.Err()
		})
	}()

	select {
	case <-ready:
	case err := <-conn.done:
		cancel()
		return nil, fmt.Errorf("connect %s: %w", cred.Name, err)
	case <-ctx.Done():
		cancel()
		<-conn.done
		return nil, ctx.Err()
	}

	status, err := client.Auth().Status(ctx)
	if err != nil {
		cancel()
		<-conn.done
		return nil, fmt.Errorf("auth status %s: %w", cred.Name, err)
	}
	if !status.Authorized {
		cancel()
		<-conn.done
		return nil, fmt.Errorf("%s: %w", cred.Name, platform.ErrNotAuthorized)
	}

	conn.api = client.API()
	conn.log.Info("session connected")
	return conn, nil
}

// Name returns the credential name this connection was dialed from.
func (c *Conn) Name() string { return c.name }

func (c *Conn) Subscribe(chatID int64, h platform.NewMessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[chatID] = h
}

func (c *Conn) Unsubscribe(chatID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, chatID)
}

func (c *Conn) onChannelMessage(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
	msg, ok := u.Message.(*tg.Message)
	if !ok || msg.Out {
		return nil
	}
	peer, ok := msg.PeerID.(*tg.PeerChannel)
	if !ok {
		return nil
	}
	c.rememberEntities(e)
	c.dispatch(peer.ChannelID, msg, e)
	return nil
}

func (c *Conn) onChatMessage(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
	msg, ok := u.Message.(*tg.Message)
	if !ok || msg.Out {
		return nil
	}
	peer, ok := msg.PeerID.(*tg.PeerChat)
	if !ok {
		return nil
	}
	c.rememberEntities(e)
	c.dispatch(peer.ChatID, msg, e)
	return nil
}

func (c *Conn) dispatch(chatID int64, msg *tg.Message, e tg.Entities) {
	c.mu.RLock()
	h := c.handlers[chatID]
	c.mu.RUnlock()
	if h == nil || msg.Message == "" {
		return
	}

	out := &platform.Message{
		ID:     int64(msg.ID),
		ChatID: chatID,
		Text:   msg.Message,
		Date:   time.Unix(int64(msg.Date), 0),
	}
	if ch, ok := e.Channels[chatID]; ok {
		out.ChatUsername = ch.Username
	}
	if from, ok := msg.FromID.(*tg.PeerUser); ok {
		if u, ok := e.Users[from.UserID]; ok {
			out.Sender = senderFromUser(u)
		} else {
			out.Sender = &platform.Sender{ID: from.UserID}
		}
	}
	h(out)
}

// rememberEntities caches access hashes and sender profiles seen in
// update envelopes so later lookups avoid extra round trips.
func (c *Conn) rememberEntities(e tg.Entities) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range e.Channels {
		c.hashes[id] = ch.AccessHash
	}
	for id, u := range e.Users {
		c.senders[id] = senderFromUser(u)
	}
}

func senderFromUser(u *tg.User) *platform.Sender {
	return &platform.Sender{
		ID:        u.ID,
		Username:  u.Username,
		FirstName: u.FirstName,
		LastName:  u.LastName,
	}
}

func (c *Conn) ResolveChat(ctx context.Context, handle string) (*platform.ChatInfo, error) {
	handle = strings.TrimSpace(handle)
	if strings.HasPrefix(handle, "@") {
		return c.resolveUsername(ctx, strings.TrimPrefix(handle, "@"))
	}
	id, err := strconv.ParseInt(handle, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad handle %q", platform.ErrChatUnavailable, handle)
	}
	return c.resolveID(ctx, id)
}

func (c *Conn) resolveUsername(ctx context.Context, username string) (*platform.ChatInfo, error) {
	res, err := c.api.ContactsResolveUsername(ctx, username)
	if err != nil {
		return nil, wrapErr(err)
	}
	for _, chat := range res.Chats {
		ch, ok := chat.(*tg.Channel)
		if !ok {
			continue
		}
		c.mu.Lock()
		c.hashes[ch.ID] = ch.AccessHash
		c.mu.Unlock()
		info := &platform.ChatInfo{
			ID:         ch.ID,
			AccessHash: ch.AccessHash,
			Title:      ch.Title,
			Username:   ch.Username,
		}
		info.MessageCount, _ = c.messageCount(ctx, info)
		return info, nil
	}
	return nil, fmt.Errorf("%w: @%s is not a group or channel", platform.ErrChatUnavailable, username)
}

func (c *Conn) resolveID(ctx context.Context, id int64) (*platform.ChatInfo, error) {
	c.mu.RLock()
	hash := c.hashes[id]
	c.mu.RUnlock()

	res, err := c.api.ChannelsGetChannels(ctx, []tg.InputChannelClass{
		&tg.InputChannel{ChannelID: id, AccessHash: hash},
	})
	if err != nil {
		return nil, wrapErr(err)
	}
	for _, chat := range res.GetChats() {
		ch, ok := chat.(*tg.Channel)
		if !ok || ch.ID != id {
			continue
		}
		c.mu.Lock()
		c.hashes[ch.ID] = ch.AccessHash
		c.mu.Unlock()
		info := &platform.ChatInfo{
			ID:         ch.ID,
			AccessHash: ch.AccessHash,
			Title:      ch.Title,
			Username:   ch.Username,
		}
		info.MessageCount, _ = c.messageCount(ctx, info)
		return info, nil
	}
	return nil, fmt.Errorf("%w: id %d", platform.ErrChatUnavailable, id)
}

func (c *Conn) messageCount(ctx context.Context, chat *platform.ChatInfo) (int, error) {
	res, err := c.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:  inputPeer(chat),
		Limit: 1,
	})
	if err != nil {
		return 0, wrapErr(err)
	}
	switch h := res.(type) {
	case *tg.MessagesChannelMessages:
		return h.Count, nil
	case *tg.MessagesMessagesSlice:
		return h.Count, nil
	case *tg.MessagesMessages:
		return len(h.Messages), nil
	}
	return 0, nil
}

func (c *Conn) JoinByUsername(ctx context.Context, username string) error {
	info, err := c.resolveUsername(ctx, strings.TrimPrefix(username, "@"))
	if err != nil {
		return err
	}
	_, err = c.api.ChannelsJoinChannel(ctx, &tg.InputChannel{
		ChannelID:  info.ID,
		AccessHash: info.AccessHash,
	})
	if err != nil && !tgerr.Is(err, "USER_ALREADY_PARTICIPANT") {
		return wrapErr(err)
	}
	return nil
}

func (c *Conn) ImportInvite(ctx context.Context, hash string) error {
	_, err := c.api.MessagesImportChatInvite(ctx, hash)
	if err != nil && !tgerr.Is(err, "USER_ALREADY_PARTICIPANT") {
		return wrapErr(err)
	}
	return nil
}

func (c *Conn) IsMember(ctx context.Context, chatID int64) (bool, error) {
	res, err := c.api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
		Limit:      100,
		OffsetPeer: &tg.InputPeerEmpty{},
	})
	if err != nil {
		return false, wrapErr(err)
	}

	var chats []tg.ChatClass
	switch d := res.(type) {
	case *tg.MessagesDialogs:
		chats = d.Chats
	case *tg.MessagesDialogsSlice:
		chats = d.Chats
	}
	for _, chat := range chats {
		switch ch := chat.(type) {
		case *tg.Channel:
			if ch.ID == chatID {
				c.mu.Lock()
				c.hashes[ch.ID] = ch.AccessHash
				c.mu.Unlock()
				return true, nil
			}
		case *tg.Chat:
			if ch.ID == chatID {
				return true, nil
			}
		}
	}
	return false, nil
}

func (c *Conn) HistoryPage(ctx context.Context, chat *platform.ChatInfo, offsetID int64, limit int) ([]*platform.Message, error) {
	res, err := c.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:     inputPeer(chat),
		OffsetID: int(offsetID),
		Limit:    limit,
	})
	if err != nil {
		return nil, wrapErr(err)
	}

	var (
		raw   []tg.MessageClass
		users []tg.UserClass
	)
	switch h := res.(type) {
	case *tg.MessagesChannelMessages:
		raw, users = h.Messages, h.Users
	case *tg.MessagesMessagesSlice:
		raw, users = h.Messages, h.Users
	case *tg.MessagesMessages:
		raw, users = h.Messages, h.Users
	default:
		return nil, fmt.Errorf("%w: unexpected history response", platform.ErrChatUnavailable)
	}

	byID := make(map[int64]*platform.Sender, len(users))
	c.mu.Lock()
	for _, uc := range users {
		if u, ok := uc.(*tg.User); ok {
			s := senderFromUser(u)
			byID[u.ID] = s
			c.senders[u.ID] = s
		}
	}
	c.mu.Unlock()

	out := make([]*platform.Message, 0, len(raw))
	for _, mc := range raw {
		msg, ok := mc.(*tg.Message)
		if !ok || msg.Message == "" {
			continue
		}
		m := &platform.Message{
			ID:           int64(msg.ID),
			ChatID:       chat.ID,
			ChatUsername: chat.Username,
			Text:         msg.Message,
			Date:         time.Unix(int64(msg.Date), 0),
		}
		if from, ok := msg.FromID.(*tg.PeerUser); ok {
			m.Sender = byID[from.UserID]
			if m.Sender == nil {
				m.Sender = &platform.Sender{ID: from.UserID}
			}
		}
		out = append(out, m)
	}
	return out, nil
}

func (c *Conn) ResolveSender(ctx context.Context, msg *platform.Message) (*platform.Sender, error) {
	if msg.Sender != nil && msg.Sender.Username != "" {
		return msg.Sender, nil
	}
	if msg.Sender == nil {
		return nil, nil
	}

	c.mu.RLock()
	cached := c.senders[msg.Sender.ID]
	c.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	res, err := c.api.UsersGetUsers(ctx, []tg.InputUserClass{
		&tg.InputUser{UserID: msg.Sender.ID},
	})
	if err != nil {
		return msg.Sender, wrapErr(err)
	}
	for _, uc := range res {
		if u, ok := uc.(*tg.User); ok && u.ID == msg.Sender.ID {
			s := senderFromUser(u)
			c.mu.Lock()
			c.senders[u.ID] = s
			c.mu.Unlock()
			return s, nil
		}
	}
	return msg.Sender, nil
}

// Disconnect stops the background run loop. It waits for a clean stop
// until the context expires, then abandons the transport.
func (c *Conn) Disconnect(ctx context.Context) error {
	c.cancel()
	select {
	case <-c.done:
		c.log.Info("session disconnected")
		return nil
	case <-ctx.Done():
		c.log.Warn("session disconnect timed out, abandoning transport")
		return ctx.Err()
	}
}

func inputPeer(chat *platform.ChatInfo) tg.InputPeerClass {
	return &tg.InputPeerChannel{ChannelID: chat.ID, AccessHash: chat.AccessHash}
}

// wrapErr translates MTProto errors into platform-level ones.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if wait, ok := tgerr.AsFloodWait(err); ok {
		return &platform.FloodWaitError{Wait: wait}
	}
	if tgerr.Is(err, "CHANNEL_PRIVATE", "CHANNEL_INVALID", "USERNAME_INVALID", "USERNAME_NOT_OCCUPIED", "INVITE_HASH_EXPIRED", "INVITE_HASH_INVALID") {
		return fmt.Errorf("%w: %v", platform.ErrChatUnavailable, err)
	}
	return err
}
