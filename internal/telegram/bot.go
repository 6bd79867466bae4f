// Package telegram bridges one Telegram bot identity to the orchestrator.
//
// Uses long polling -- no public URL or webhook needed. Plain messages are
// submitted as runs; slash commands control the session. Every bot carries
// its own allow-list, so multiple bots can share one process without
// leaking sessions across identities.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"codexbridge/internal/config"
	"codexbridge/internal/orchestrator"
	"codexbridge/internal/store"
)

// Bridge is the orchestrator surface the bot drives.
type Bridge interface {
	Submit(req orchestrator.SubmitRequest) (*store.Run, error)
	Cancel(botID string, userID int64) (bool, error)
	Retry(req orchestrator.SubmitRequest) (*store.Run, error)
	Status(botID string, userID int64) (*orchestrator.Status, error)
	LastResult(botID string, userID int64) (string, error)
}

const helpText = `Send any text to run it through the assistant.

Commands:
/stop - cancel the active run
/status - show run state
/retry - resubmit the last command
/lastresult - show the last final answer
/help - this message`

// Bot is one Telegram bot identity.
type Bot struct {
	api    *tgbotapi.BotAPI
	cfg    config.BotConfig
	bridge Bridge
}

// NewBot creates a bot and verifies its token against the Telegram API.
func NewBot(cfg config.BotConfig, bridge Bridge) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("creating Telegram bot %s: %w", cfg.ID, err)
	}
	log.Printf("bot %s: authorized as @%s", cfg.ID, api.Self.UserName)
	return &Bot{api: api, cfg: cfg, bridge: bridge}, nil
}

// Run starts the long-polling loop. Blocks until ctx is canceled.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := b.api.GetUpdatesChan(u)
	log.Printf("bot %s: listening for messages", b.cfg.ID)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message != nil {
				go b.handleMessage(update.Message)
			}
		}
	}
}

func (b *Bot) handleMessage(msg *tgbotapi.Message) {
	userID := int64(0)
	if msg.From != nil {
		userID = msg.From.ID
	}
	if !b.cfg.Allowed(userID) {
		log.Printf("bot %s: ignoring message from unauthorized user %d", b.cfg.ID, userID)
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	chatID := msg.Chat.ID

	cmd := ParseCommand(text)
	if cmd == nil {
		b.submit(chatID, userID, text)
		return
	}

	switch cmd.Type {
	case CommandStop:
		stopped, err := b.bridge.Cancel(b.cfg.ID, userID)
		switch {
		case err != nil:
			b.send(chatID, fmt.Sprintf("stop failed: %v", err))
		case stopped:
			b.send(chatID, "stopping the active run...")
		default:
			b.send(chatID, "nothing to stop.")
		}

	case CommandStatus:
		st, err := b.bridge.Status(b.cfg.ID, userID)
		if err != nil {
			b.send(chatID, "no session yet. Send a command to start one.")
			return
		}
		b.send(chatID, formatStatus(st))

	case CommandRetry:
		run, err := b.bridge.Retry(b.submitRequest(chatID, userID, ""))
		switch {
		case err == nil:
			b.send(chatID, fmt.Sprintf("retrying: %s", run.CommandText))
		case isBusy(err):
			b.send(chatID, "busy: a run is already active. /stop to cancel it first.")
		default:
			b.send(chatID, fmt.Sprintf("retry failed: %v", err))
		}

	case CommandLastResult:
		result, err := b.bridge.LastResult(b.cfg.ID, userID)
		if err != nil || result == "" {
			b.send(chatID, "no result yet.")
			return
		}
		b.send(chatID, result)

	case CommandHelp:
		b.send(chatID, helpText)

	default:
		b.send(chatID, "unknown command. /help for usage.")
	}
}

func (b *Bot) submit(chatID, userID int64, command string) {
	run, err := b.bridge.Submit(b.submitRequest(chatID, userID, command))
	switch {
	case err == nil:
		log.Printf("bot %s: submitted run %s for user %d", b.cfg.ID, run.ID, userID)
	case isBusy(err):
		b.send(chatID, "busy: a run is already active. /stop to cancel it first.")
	default:
		b.send(chatID, fmt.Sprintf("submit failed: %v", err))
	}
}

func (b *Bot) submitRequest(chatID, userID int64, command string) orchestrator.SubmitRequest {
	return orchestrator.SubmitRequest{
		BotID:    b.cfg.ID,
		UserID:   userID,
		ChatID:   chatID,
		Command:  command,
		ResumeID: b.cfg.ResumeID,
		Workdir:  b.cfg.Workdir,
		Deliver:  func(text string) { b.send(chatID, text) },
	}
}

func isBusy(err error) bool {
	return errors.Is(err, orchestrator.ErrBusy)
}

func formatStatus(st *orchestrator.Status) string {
	if st.Active {
		return fmt.Sprintf("running (run %s)\nelapsed: %s\nlast output: %s ago",
			st.RunID, st.Elapsed.Round(time.Second), st.LastActivityAge.Round(time.Second))
	}
	if st.RunID == "" {
		return "idle. No runs yet."
	}
	return fmt.Sprintf("idle. Last run %s: %s (took %s)",
		st.RunID, st.RunStatus, st.Elapsed.Round(time.Second))
}

// send delivers plain text. Run output is raw terminal text, so no parse
// mode is set; Telegram would otherwise reject half the messages.
func (b *Bot) send(chatID int64, text string) {
	if text == "" {
		return
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		log.Printf("bot %s: failed to send message: %v", b.cfg.ID, err)
	}
}
