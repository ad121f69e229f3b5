package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/xaenox/octopus/internal/collector"
	"github.com/xaenox/octopus/internal/models"
	"github.com/xaenox/octopus/internal/tasks"
)

// Orchestrator is the part of the task orchestrator the bot drives.
type Orchestrator interface {
	Enqueue(ctx context.Context, collectorID int64) (string, error)
	Status(ctx context.Context, taskID string) (*tasks.TaskStatus, error)
	CollectorStatus(ctx context.Context, collectorID int64) (models.CollectorStatus, error)
}

// Bot is an operator chat bot for starting collectors and polling tasks.
// Only chats listed as allowed get answers.
type Bot struct {
	api      *tgbotapi.BotAPI
	orch     Orchestrator
	registry *collector.Registry
	allowed  map[int64]struct{}
	logger   *zap.Logger
}

func New(token string, orch Orchestrator, registry *collector.Registry, allowedChats []int64, logger *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	allowed := make(map[int64]struct{}, len(allowedChats))
	for _, id := range allowedChats {
		allowed[id] = struct{}{}
	}
	if len(allowed) == 0 {
		logger.Warn("No allowed chats configured, operator bot will ignore every message")
	}

	return &Bot{
		api:      api,
		orch:     orch,
		registry: registry,
		allowed:  allowed,
		logger:   logger,
	}, nil
}

// Start polls for updates until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.logger.Info("Operator bot started", zap.String("username", b.api.Self.UserName))

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}
			go b.handleMessage(ctx, update.Message)
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	if _, ok := b.allowed[message.Chat.ID]; !ok {
		b.logger.Warn("Ignoring message from unknown chat", zap.Int64("chat_id", message.Chat.ID))
		return
	}
	if !message.IsCommand() {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	reply := b.Reply(ctx, message.Command(), message.CommandArguments())
	msg := tgbotapi.NewMessage(message.Chat.ID, reply)
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	msg.ReplyToMessageID = message.MessageID
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", message.Chat.ID))
	}
}

// Reply answers one command with MarkdownV2 text.
func (b *Bot) Reply(ctx context.Context, command, args string) string {
	args = strings.TrimSpace(args)
	switch command {
	case "start":
		return escapeMarkdown("Octopus operator bot. Use /help to see available commands.")
	case "help":
		return escapeMarkdown(`Available commands:
/types - List collector types
/run <collector_id> - Collect and extract now
/status <task_id> - Show task status
/collector <collector_id> - Show collector status`)
	case "types":
		return b.handleTypes()
	case "run":
		return b.handleRun(ctx, args)
	case "status":
		return b.handleStatus(ctx, args)
	case "collector":
		return b.handleCollector(ctx, args)
	default:
		return escapeMarkdown("Unknown command. Use /help to see available commands.")
	}
}

func (b *Bot) handleTypes() string {
	types := b.registry.SupportedTypes()
	join := func(ps []models.Platform) string {
		if len(ps) == 0 {
			return "none"
		}
		names := make([]string, len(ps))
		for i, p := range ps {
			names[i] = string(p)
		}
		return strings.Join(names, ", ")
	}
	return fmt.Sprintf("*Implemented:* %s\n*Planned:* %s",
		escapeMarkdown(join(types.Implemented)),
		escapeMarkdown(join(types.Planned)))
}

func parseCollectorID(args string) (int64, error) {
	id, err := strconv.ParseInt(args, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("expected a numeric collector id")
	}
	return id, nil
}

func (b *Bot) handleRun(ctx context.Context, args string) string {
	id, err := parseCollectorID(args)
	if err != nil {
		return errorText(err.Error())
	}
	taskID, err := b.orch.Enqueue(ctx, id)
	if err != nil {
		b.logger.Warn("Failed to enqueue collector", zap.Int64("collector_id", id), zap.Error(err))
		return errorText(err.Error())
	}
	return fmt.Sprintf("*Task queued:* `%s`", escapeMarkdown(taskID))
}

func (b *Bot) handleStatus(ctx context.Context, taskID string) string {
	if taskID == "" {
		return errorText("expected a task id")
	}
	status, err := b.orch.Status(ctx, taskID)
	if errors.Is(err, tasks.ErrTaskNotFound) {
		return errorText("task not found")
	}
	if err != nil {
		b.logger.Error("Failed to get task status", zap.String("task_id", taskID), zap.Error(err))
		return errorText("failed to get task status")
	}

	text := fmt.Sprintf("*Task:* `%s`\n*State:* %s\n",
		escapeMarkdown(status.TaskID), escapeMarkdown(string(status.State)))
	if status.Stage != "" {
		text += fmt.Sprintf("*Stage:* %s\n", escapeMarkdown(status.Stage))
	}
	if status.Error != "" {
		text += fmt.Sprintf("*Error:* %s\n", escapeMarkdown(status.Error))
	}
	if status.Collector != nil {
		text += "\n" + formatCollector(*status.Collector)
	}
	return text
}

func (b *Bot) handleCollector(ctx context.Context, args string) string {
	id, err := parseCollectorID(args)
	if err != nil {
		return errorText(err.Error())
	}
	status, err := b.orch.CollectorStatus(ctx, id)
	if err != nil {
		return errorText(err.Error())
	}
	return formatCollector(status)
}

func formatCollector(c models.CollectorStatus) string {
	text := fmt.Sprintf("*Collector:* %s \\(%s\\)\n*Status:* %s\n",
		escapeMarkdown(c.Name), escapeMarkdown(string(c.Type)), escapeMarkdown(string(c.LastRunStatus)))
	if c.LastRunAt != nil {
		text += fmt.Sprintf("*Last run:* %s\n", escapeMarkdown(c.LastRunAt.UTC().Format(time.RFC3339)))
	}
	if c.LastRunMessage != "" {
		text += fmt.Sprintf("_%s_\n", escapeMarkdown(c.LastRunMessage))
	}
	return text
}

func errorText(text string) string {
	return "⚠️ " + escapeMarkdown(text)
}

// escapeMarkdown escapes special characters for MarkdownV2
func escapeMarkdown(text string) string {
	specialChars := []string{"\\", "_", "*", "[", "]", "(", ")", "~", "`", ">", "#", "+", "-", "=", "|", "{", "}", ".", "!"}
	escaped := text
	for _, char := range specialChars {
		escaped = strings.ReplaceAll(escaped, char, "\\"+char)
	}
	return escaped
}
