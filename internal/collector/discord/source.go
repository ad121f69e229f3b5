package discord

import (
	"context"
	"fmt"
	"strconv"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/xaenox/octopus/internal/collector"
	"github.com/xaenox/octopus/internal/models"
)

const defaultLimit = 100

// API is the REST surface of *discordgo.Session the source uses.
type API interface {
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	Guild(guildID string, options ...discordgo.RequestOption) (*discordgo.Guild, error)
	GuildChannels(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Channel, error)
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
}

// SessionFactory opens a REST session for one collection.
type SessionFactory func(token string) (API, error)

// NewSession opens a bot session. No gateway connection is made.
func NewSession(token string) (API, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	return s, nil
}

type Result struct {
	collector.Target
	Guild    *discordgo.Guild
	Channels map[string]*discordgo.Channel
	Messages []*discordgo.Message
}

type Batch struct {
	Results []Result
}

func (b *Batch) Platform() models.Platform { return models.PlatformDiscord }

func (b *Batch) Len() int {
	n := 0
	for _, r := range b.Results {
		n += len(r.Messages)
	}
	return n
}

func (b *Batch) Targets() []collector.Target {
	out := make([]collector.Target, len(b.Results))
	for i, r := range b.Results {
		out[i] = r.Target
	}
	return out
}

type Source struct {
	token      string
	newSession SessionFactory
	logger     *zap.Logger
}

func NewSource(token string, newSession SessionFactory, logger *zap.Logger) (*Source, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: discord bot token is not set", collector.ErrConfig)
	}
	if newSession == nil {
		newSession = NewSession
	}
	return &Source{token: token, newSession: newSession, logger: logger}, nil
}

func (s *Source) Type() models.Platform { return models.PlatformDiscord }

func (s *Source) Collect(ctx context.Context, cfg *models.CollectorConfig) (collector.RawBatch, error) {
	api, err := s.newSession(s.token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}

	batch := &Batch{}
	for i := range cfg.Channels {
		batch.Results = append(batch.Results, s.collectChannel(ctx, api, &cfg.Channels[i]))
	}
	for _, g := range cfg.Guilds {
		batch.Results = append(batch.Results, s.collectGuild(ctx, api, g))
	}
	return batch, nil
}

// collectChannel reads one channel. A non-zero offset_id makes the read
// forward-only and is advanced to the newest message id.
func (s *Source) collectChannel(ctx context.Context, api API, target *models.ChatTarget) Result {
	id := string(target.ID)
	result := Result{Target: collector.Target{SourceName: "channel:" + id, CollectionType: collector.CollectionChannel}}

	channel, err := api.Channel(id, discordgo.WithContext(ctx))
	if err != nil {
		result.Err = fmt.Errorf("failed to get channel: %w", err)
		return result
	}
	result.SourceName = "channel:" + channel.Name
	result.Channels = map[string]*discordgo.Channel{channel.ID: channel}
	if channel.GuildID != "" {
		if guild, err := api.Guild(channel.GuildID, discordgo.WithContext(ctx)); err == nil {
			result.Guild = guild
		}
	}

	after := ""
	if target.OffsetID > 0 {
		after = strconv.FormatInt(target.OffsetID, 10)
	}
	msgs, err := api.ChannelMessages(channel.ID, limitOr(target.Limit), "", after, "", discordgo.WithContext(ctx))
	if err != nil {
		result.Err = fmt.Errorf("failed to get messages: %w", err)
		return result
	}
	result.Messages = msgs

	for _, m := range msgs {
		if n, err := strconv.ParseInt(m.ID, 10, 64); err == nil && n > target.OffsetID {
			target.OffsetID = n
		}
	}
	s.logger.Info("Collected discord channel messages", zap.String("channel", channel.Name), zap.Int("count", len(msgs)))
	return result
}

// collectGuild reads the latest messages of every text channel in a guild.
// A channel that cannot be read is logged and skipped.
func (s *Source) collectGuild(ctx context.Context, api API, target models.GuildTarget) Result {
	id := string(target.ID)
	result := Result{Target: collector.Target{SourceName: "guild:" + id, CollectionType: collector.CollectionGuild}}

	guild, err := api.Guild(id, discordgo.WithContext(ctx))
	if err != nil {
		result.Err = fmt.Errorf("failed to get guild: %w", err)
		return result
	}
	result.Guild = guild
	result.SourceName = "guild:" + guild.Name

	channels, err := api.GuildChannels(id, discordgo.WithContext(ctx))
	if err != nil {
		result.Err = fmt.Errorf("failed to list guild channels: %w", err)
		return result
	}

	result.Channels = make(map[string]*discordgo.Channel)
	for _, ch := range channels {
		if ch.Type != discordgo.ChannelTypeGuildText {
			continue
		}
		msgs, err := api.ChannelMessages(ch.ID, limitOr(target.Limit), "", "", "", discordgo.WithContext(ctx))
		if err != nil {
			s.logger.Warn("Failed to read guild channel",
				zap.String("guild", guild.Name),
				zap.String("channel", ch.Name),
				zap.Error(err))
			continue
		}
		result.Channels[ch.ID] = ch
		result.Messages = append(result.Messages, msgs...)
	}
	s.logger.Info("Collected discord guild messages", zap.String("guild", guild.Name), zap.Int("count", len(result.Messages)))
	return result
}

func limitOr(n int) int {
	if n <= 0 {
		return defaultLimit
	}
	if n > 100 {
		return 100
	}
	return n
}

func (s *Source) Standardize(batch collector.RawBatch, collectorID int64, defaultSourceName string) ([]*models.Message, error) {
	b, ok := batch.(*Batch)
	if !ok {
		return nil, collector.BatchTypeError(models.PlatformDiscord, batch)
	}
	return Standardize(b, collectorID, defaultSourceName), nil
}

func Standardize(batch *Batch, collectorID int64, defaultSourceName string) []*models.Message {
	var msgs []*models.Message
	for _, r := range batch.Results {
		if r.Err != nil {
			continue
		}
		sourceName := r.SourceName
		if sourceName == "" {
			sourceName = defaultSourceName
		}
		var guildID, guildName any
		if r.Guild != nil {
			guildID, guildName = r.Guild.ID, r.Guild.Name
		}

		for _, m := range r.Messages {
			if m.Content == "" {
				continue
			}
			channelName := ""
			if ch, ok := r.Channels[m.ChannelID]; ok {
				channelName = ch.Name
			}

			attachments := make([]string, 0, len(m.Attachments))
			for _, a := range m.Attachments {
				attachments = append(attachments, a.URL)
			}
			embeds := make([]map[string]any, 0, len(m.Embeds))
			for _, e := range m.Embeds {
				embeds = append(embeds, map[string]any{
					"type":        string(e.Type),
					"title":       e.Title,
					"description": e.Description,
					"url":         e.URL,
				})
			}
			reactions := make([]map[string]any, 0, len(m.Reactions))
			for _, rc := range m.Reactions {
				emoji := ""
				if rc.Emoji != nil {
					emoji = rc.Emoji.Name
				}
				reactions = append(reactions, map[string]any{"emoji": emoji, "count": rc.Count})
			}

			var authorID, authorName string
			if m.Author != nil {
				authorID, authorName = m.Author.ID, m.Author.Username
			}
			msgs = append(msgs, &models.Message{
				Platform:    models.PlatformDiscord,
				SourceID:    m.ID,
				SourceName:  sourceName,
				Content:     m.Content,
				ContentHash: models.ContentHash(m.Content),
				Timestamp:   m.Timestamp.UTC(),
				AuthorID:    authorID,
				AuthorName:  authorName,
				Metadata: models.Metadata{
					"channel_id":      m.ChannelID,
					"channel_name":    channelName,
					"guild_id":        guildID,
					"guild_name":      guildName,
					"attachments":     attachments,
					"embeds":          embeds,
					"reactions":       reactions,
					"collection_type": r.CollectionType,
				},
				CollectorID: collectorID,
			})
		}
	}
	return msgs
}
