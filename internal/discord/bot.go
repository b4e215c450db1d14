package discord

import (
	"context"
	"fmt"
	"log"

	"github.com/bwmarrin/discordgo"

	"github.com/skein-dev/skein/internal/events"
	"github.com/skein-dev/skein/internal/state"
)

// Bot notifies a Discord channel when an execution pauses for input and
// routes replies back as resume text
type Bot struct {
	session   *discordgo.Session
	channelID string
	state     *state.Manager
}

func New(token, channelID string, stateMgr *state.Manager) (*Bot, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Discord session: %w", err)
	}

	b := &Bot{
		session:   session,
		channelID: channelID,
		state:     stateMgr,
	}

	session.AddHandler(b.handleReady)
	session.AddHandler(b.handleMessage)
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent

	return b, nil
}

// Start opens the gateway connection
func (b *Bot) Start() error {
	log.Println("[Discord] Starting bot...")
	return b.session.Open()
}

// Stop closes the gateway connection
func (b *Bot) Stop() error {
	log.Println("[Discord] Stopping bot...")
	return b.session.Close()
}

func (b *Bot) handleReady(_ *discordgo.Session, r *discordgo.Ready) {
	log.Printf("[Discord] Connected as %s#%s", r.User.Username, r.User.Discriminator)
}

// HandleEvent is subscribed to the workflow event stream
func (b *Bot) HandleEvent(ev events.Event) {
	switch ev.Type {
	case events.WaitingForInput:
		b.state.MarkWaiting(ev.ExecutionID)

		prompt := ""
		if payload, ok := ev.Payload.(map[string]interface{}); ok {
			prompt, _ = payload["prompt"].(string)
		}
		b.send(fmt.Sprintf("Workflow execution %s is waiting for input.\n%s\nReply in this channel to continue.", shortID(ev.ExecutionID), prompt))

	case events.WorkflowComplete:
		b.send(fmt.Sprintf("Workflow execution %s completed.", shortID(ev.ExecutionID)))

	case events.WorkflowFailed:
		b.send(fmt.Sprintf("Workflow execution %s failed: %s", shortID(ev.ExecutionID), events.FailureMessage(ev)))

	case events.ExecutionCancelled:
		b.send(fmt.Sprintf("Workflow execution %s cancelled.", shortID(ev.ExecutionID)))
	}
}

func (b *Bot) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author.ID == s.State.User.ID {
		return
	}
	if b.channelID != "" && m.ChannelID != b.channelID {
		return
	}
	if m.Content == "" {
		return
	}

	ex, id, err := b.state.ResolveWaiting()
	if err != nil {
		b.send("No workflow is waiting for input right now.")
		return
	}

	text := m.Content
	go func() {
		if err := ex.Resume(context.Background(), text); err != nil {
			log.Printf("[Discord] Resume %s failed: %v", id, err)
			b.send(fmt.Sprintf("Failed to resume execution %s: %v", shortID(id), err))
		}
	}()
}

func (b *Bot) send(text string) {
	if b.channelID == "" {
		return
	}
	if _, err := b.session.ChannelMessageSend(b.channelID, text); err != nil {
		log.Printf("[Discord] Send failed: %v", err)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
