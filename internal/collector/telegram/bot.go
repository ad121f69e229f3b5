package telegram

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/xaenox/octopus/internal/models"
)

// BotBackend reads channel posts and group messages delivered to a bot.
// The Bot API exposes no history, so only updates still pending on the
// server are seen; they are read without being confirmed.
type BotBackend struct {
	token    string
	endpoint string
	logger   *zap.Logger
}

func NewBotBackend(token string, logger *zap.Logger) *BotBackend {
	return &BotBackend{token: token, endpoint: tgbotapi.APIEndpoint, logger: logger}
}

// WithEndpoint points the backend at another Bot API server. The format is
// that of tgbotapi.APIEndpoint.
func (b *BotBackend) WithEndpoint(endpoint string) *BotBackend {
	b.endpoint = endpoint
	return b
}

func (b *BotBackend) Session(ctx context.Context, fn func(ctx context.Context, h History) error) error {
	api, err := tgbotapi.NewBotAPIWithAPIEndpoint(b.token, b.endpoint)
	if err != nil {
		return fmt.Errorf("failed to create bot: %w", err)
	}
	b.logger.Debug("Authorized telegram bot", zap.String("username", api.Self.UserName))

	u := tgbotapi.NewUpdate(0)
	u.Limit = 100
	u.AllowedUpdates = []string{"channel_post", "message"}
	updates, err := api.GetUpdates(u)
	if err != nil {
		return fmt.Errorf("failed to get updates: %w", err)
	}
	return fn(ctx, &botHistory{updates: updates})
}

type botHistory struct {
	updates []tgbotapi.Update
}

func (h *botHistory) Fetch(ctx context.Context, target models.ChatTarget, collectionType string, limit int) (Chat, []Item, error) {
	if err := ctx.Err(); err != nil {
		return Chat{}, nil, err
	}

	chat := Chat{}
	var items []Item
	for _, u := range h.updates {
		post := u.ChannelPost
		if post == nil {
			post = u.Message
		}
		if post == nil || post.Chat == nil || !chatMatches(post.Chat, target) {
			continue
		}
		chat = Chat{ID: post.Chat.ID, Title: post.Chat.Title, Username: post.Chat.UserName}
		if int64(post.MessageID) <= target.OffsetID {
			continue
		}
		items = append(items, itemFromPost(post))
	}

	sort.Slice(items, func(i, j int) bool { return items[i].ID > items[j].ID })
	if len(items) > limit {
		items = items[:limit]
	}
	return chat, items, nil
}

// chatMatches accepts the username with or without @ and the numeric id in
// either its bare or its -100 prefixed Bot API form.
func chatMatches(chat *tgbotapi.Chat, target models.ChatTarget) bool {
	if target.Username != "" {
		return strings.EqualFold(strings.TrimPrefix(target.Username, "@"), chat.UserName)
	}
	ref := string(target.ID)
	if id, ok := target.ID.Int64(); ok {
		if id == chat.ID {
			return true
		}
		bare := strings.TrimPrefix(strconv.FormatInt(chat.ID, 10), "-100")
		return bare == strconv.FormatInt(id, 10)
	}
	return strings.EqualFold(strings.TrimPrefix(ref, "@"), chat.UserName)
}

func itemFromPost(post *tgbotapi.Message) Item {
	item := Item{
		ID:   int64(post.MessageID),
		Date: time.Unix(int64(post.Date), 0).UTC(),
		Text: post.Text,
	}
	if item.Text == "" {
		item.Text = post.Caption
	}
	switch {
	case len(post.Photo) > 0:
		item.HasMedia, item.MediaType = true, "photo"
	case post.Video != nil:
		item.HasMedia, item.MediaType = true, "video"
	case post.Animation != nil:
		item.HasMedia, item.MediaType = true, "animation"
	case post.Document != nil:
		item.HasMedia, item.MediaType = true, "document"
	case post.Audio != nil:
		item.HasMedia, item.MediaType = true, "audio"
	case post.Voice != nil:
		item.HasMedia, item.MediaType = true, "voice"
	}
	if post.From != nil {
		item.AuthorID = strconv.FormatInt(post.From.ID, 10)
		item.AuthorName = post.From.UserName
		if item.AuthorName == "" {
			item.AuthorName = strings.TrimSpace(post.From.FirstName + " " + post.From.LastName)
		}
	} else if post.AuthorSignature != "" {
		item.AuthorName = post.AuthorSignature
	}
	return item
}
