package telegram

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/skein-dev/skein/internal/events"
	"github.com/skein-dev/skein/internal/state"
)

// Bot notifies a Telegram chat when an execution pauses for input and
// routes replies back as resume text
type Bot struct {
	bot     *bot.Bot
	chatID  int64
	allowed map[int64]bool
	state   *state.Manager

	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

// New creates the bot. An empty allowed list accepts replies from anyone
// in the configured chat.
func New(token string, chatID int64, allowedIDs []int64, stateMgr *state.Manager) (*Bot, error) {
	allowed := make(map[int64]bool, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = true
	}

	b := &Bot{
		chatID:  chatID,
		allowed: allowed,
		state:   stateMgr,
	}

	tgBot, err := bot.New(token, bot.WithDefaultHandler(b.handleUpdate))
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	b.bot = tgBot

	return b, nil
}

// Start begins long polling until the context is cancelled
func (b *Bot) Start(ctx context.Context) {
	pollCtx, cancel := context.WithCancel(ctx)
	b.cancelMu.Lock()
	b.cancel = cancel
	b.cancelMu.Unlock()

	log.Printf("[Telegram] Bot polling started")
	b.bot.Start(pollCtx)
}

// Stop ends the polling loop
func (b *Bot) Stop() {
	b.cancelMu.Lock()
	defer b.cancelMu.Unlock()
	if b.cancel != nil {
		b.cancel()
	}
}

// HandleEvent is subscribed to the workflow event stream
func (b *Bot) HandleEvent(ev events.Event) {
	ctx := context.Background()

	switch ev.Type {
	case events.WaitingForInput:
		b.state.MarkWaiting(ev.ExecutionID)

		prompt := ""
		if payload, ok := ev.Payload.(map[string]interface{}); ok {
			prompt, _ = payload["prompt"].(string)
		}
		text := fmt.Sprintf("Workflow execution %s is waiting for input.\n%s\nReply to this chat to continue.", shortID(ev.ExecutionID), prompt)
		b.send(ctx, text)

	case events.WorkflowComplete:
		b.send(ctx, fmt.Sprintf("Workflow execution %s completed.", shortID(ev.ExecutionID)))

	case events.WorkflowFailed:
		b.send(ctx, fmt.Sprintf("Workflow execution %s failed: %s", shortID(ev.ExecutionID), events.FailureMessage(ev)))

	case events.ExecutionCancelled:
		b.send(ctx, fmt.Sprintf("Workflow execution %s cancelled.", shortID(ev.ExecutionID)))
	}
}

func (b *Bot) handleUpdate(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update.Message == nil || update.Message.Text == "" {
		return
	}
	if b.chatID != 0 && update.Message.Chat.ID != b.chatID {
		return
	}
	if len(b.allowed) > 0 && update.Message.From != nil && !b.allowed[update.Message.From.ID] {
		log.Printf("[Telegram] Ignoring message from unauthorized user %d", update.Message.From.ID)
		return
	}

	ex, id, err := b.state.ResolveWaiting()
	if err != nil {
		b.send(ctx, "No workflow is waiting for input right now.")
		return
	}

	text := update.Message.Text
	go func() {
		if err := ex.Resume(context.Background(), text); err != nil {
			log.Printf("[Telegram] Resume %s failed: %v", id, err)
			b.send(context.Background(), fmt.Sprintf("Failed to resume execution %s: %v", shortID(id), err))
		}
	}()
}

func (b *Bot) send(ctx context.Context, text string) {
	if b.chatID == 0 {
		return
	}
	_, err := b.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: b.chatID,
		Text:   text,
	})
	if err != nil {
		log.Printf("[Telegram] Send failed: %v", err)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
