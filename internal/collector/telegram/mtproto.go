package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/message/peer"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"github.com/xaenox/octopus/internal/collector"
	"github.com/xaenox/octopus/internal/models"
)

var ErrUnauthorized = errors.New("telegram session is not authorized")

// MTProtoBackend reads full chat history through a user session. The session
// file must already be authorized.
type MTProtoBackend struct {
	appID       int
	appHash     string
	sessionPath string
	logger      *zap.Logger
}

func NewMTProtoBackend(appID int, appHash, sessionPath string, logger *zap.Logger) *MTProtoBackend {
	return &MTProtoBackend{appID: appID, appHash: appHash, sessionPath: sessionPath, logger: logger}
}

func (b *MTProtoBackend) Session(ctx context.Context, fn func(ctx context.Context, h History) error) error {
	client := telegram.NewClient(b.appID, b.appHash, telegram.Options{
		Logger:         b.logger.Named("mtproto"),
		SessionStorage: &session.FileStorage{Path: b.sessionPath},
	})

	return client.Run(ctx, func(ctx context.Context) error {
		status, err := client.Auth().Status(ctx)
		if err != nil {
			return fmt.Errorf("failed to check auth status: %w", err)
		}
		if !status.Authorized {
			return ErrUnauthorized
		}
		api := client.API()
		return fn(ctx, &mtprotoHistory{api: api, resolver: peer.DefaultResolver(api)})
	})
}

type mtprotoHistory struct {
	api      *tg.Client
	resolver peer.Resolver
	dialogs  []tg.ChatClass
}

func (h *mtprotoHistory) Fetch(ctx context.Context, target models.ChatTarget, collectionType string, limit int) (Chat, []Item, error) {
	input, err := h.inputPeer(ctx, target, collectionType)
	if err != nil {
		return Chat{}, nil, err
	}

	res, err := h.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:  input,
		Limit: limit,
		MinID: int(target.OffsetID),
	})
	if err != nil {
		return Chat{}, nil, fmt.Errorf("failed to get history of %s: %w", target.Ref(), err)
	}

	var (
		messages []tg.MessageClass
		chats    []tg.ChatClass
		users    []tg.UserClass
	)
	switch r := res.(type) {
	case *tg.MessagesMessages:
		messages, chats, users = r.Messages, r.Chats, r.Users
	case *tg.MessagesMessagesSlice:
		messages, chats, users = r.Messages, r.Chats, r.Users
	case *tg.MessagesChannelMessages:
		messages, chats, users = r.Messages, r.Chats, r.Users
	default:
		return Chat{}, nil, fmt.Errorf("unexpected history response %T", res)
	}

	chat := chatFromPeer(input, chats)
	names := userNames(users)

	items := make([]Item, 0, len(messages))
	for _, m := range messages {
		msg, ok := m.(*tg.Message)
		if !ok {
			continue
		}
		items = append(items, itemFromMessage(msg, names))
	}
	return chat, items, nil
}

// inputPeer resolves the target into an addressable peer. Usernames go
// through the resolver; numeric channel ids need an access hash, which is
// only known from the account's dialogs.
func (h *mtprotoHistory) inputPeer(ctx context.Context, target models.ChatTarget, collectionType string) (tg.InputPeerClass, error) {
	if target.Username != "" {
		p, err := h.resolver.ResolveDomain(ctx, strings.TrimPrefix(target.Username, "@"))
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", target.Username, err)
		}
		return p, nil
	}

	id, ok := target.ID.Int64()
	if !ok {
		// Non-numeric ids are public usernames written in the id field.
		p, err := h.resolver.ResolveDomain(ctx, strings.TrimPrefix(string(target.ID), "@"))
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", target.ID, err)
		}
		return p, nil
	}

	if err := h.loadDialogs(ctx); err != nil {
		return nil, err
	}
	channelID, chatID := splitPeerID(id)
	for _, c := range h.dialogs {
		switch c := c.(type) {
		case *tg.Channel:
			if channelID != 0 && c.ID == channelID {
				return &tg.InputPeerChannel{ChannelID: c.ID, AccessHash: c.AccessHash}, nil
			}
		case *tg.Chat:
			if chatID != 0 && c.ID == chatID {
				return &tg.InputPeerChat{ChatID: c.ID}, nil
			}
		}
	}
	if collectionType == collector.CollectionGroup && chatID != 0 {
		return &tg.InputPeerChat{ChatID: chatID}, nil
	}
	return nil, fmt.Errorf("channel %d is not among the account's dialogs", id)
}

const botAPIChannelOffset = 1_000_000_000_000

// splitPeerID maps an id to the MTProto channel and chat ids it may denote.
// Bot API ids are -100<channel> for channels and supergroups and -<chat> for
// basic groups; positive ids are taken as raw MTProto ids of either kind.
func splitPeerID(id int64) (channelID, chatID int64) {
	switch {
	case id < -botAPIChannelOffset:
		return -id - botAPIChannelOffset, 0
	case id < 0:
		return 0, -id
	default:
		return id, id
	}
}

func (h *mtprotoHistory) loadDialogs(ctx context.Context) error {
	if h.dialogs != nil {
		return nil
	}
	res, err := h.api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
		OffsetPeer: &tg.InputPeerEmpty{},
		Limit:      100,
	})
	if err != nil {
		return fmt.Errorf("failed to get dialogs: %w", err)
	}
	switch d := res.(type) {
	case *tg.MessagesDialogs:
		h.dialogs = d.Chats
	case *tg.MessagesDialogsSlice:
		h.dialogs = d.Chats
	default:
		h.dialogs = []tg.ChatClass{}
	}
	return nil
}

func chatFromPeer(input tg.InputPeerClass, chats []tg.ChatClass) Chat {
	var id int64
	switch p := input.(type) {
	case *tg.InputPeerChannel:
		id = p.ChannelID
	case *tg.InputPeerChat:
		id = p.ChatID
	}
	for _, c := range chats {
		switch c := c.(type) {
		case *tg.Channel:
			if c.ID == id {
				return Chat{ID: c.ID, Title: c.Title, Username: c.Username}
			}
		case *tg.Chat:
			if c.ID == id {
				return Chat{ID: c.ID, Title: c.Title}
			}
		}
	}
	return Chat{ID: id}
}

func userNames(users []tg.UserClass) map[int64]string {
	names := make(map[int64]string, len(users))
	for _, u := range users {
		user, ok := u.(*tg.User)
		if !ok {
			continue
		}
		name := user.Username
		if name == "" {
			name = strings.TrimSpace(user.FirstName + " " + user.LastName)
		}
		names[user.ID] = name
	}
	return names
}

func itemFromMessage(msg *tg.Message, names map[int64]string) Item {
	item := Item{
		ID:       int64(msg.ID),
		Date:     time.Unix(int64(msg.Date), 0).UTC(),
		Text:     msg.Message,
		Views:    msg.Views,
		Forwards: msg.Forwards,
	}
	if replies, ok := msg.GetReplies(); ok {
		item.Replies = replies.Replies
	}
	if media, ok := msg.GetMedia(); ok {
		item.HasMedia = true
		item.MediaType = media.TypeName()
	}
	if from, ok := msg.GetFromID(); ok {
		if u, ok := from.(*tg.PeerUser); ok {
			item.AuthorID = fmt.Sprintf("%d", u.UserID)
			item.AuthorName = names[u.UserID]
		}
	} else if msg.PostAuthor != "" {
		item.AuthorName = msg.PostAuthor
	}
	return item
}
