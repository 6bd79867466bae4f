// Package slack bridges a Slack workspace to the orchestrator via Socket
// Mode.
//
// Socket Mode connects over WebSocket -- no public URL needed. The bot
// listens for @mentions: plain text is submitted as a run and all run
// output is posted back into the thread of the triggering message; the
// control keywords (stop, status, retry, lastresult, help) map to the same
// operations the Telegram slash commands drive.
package slack

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"codexbridge/internal/orchestrator"
	"codexbridge/internal/store"
)

// BotID is the session namespace for the Slack surface. Slack sessions
// never collide with any Telegram bot's sessions.
const BotID = "slack"

// Bridge is the orchestrator surface the bot drives.
type Bridge interface {
	Submit(req orchestrator.SubmitRequest) (*store.Run, error)
	Cancel(botID string, userID int64) (bool, error)
	Retry(req orchestrator.SubmitRequest) (*store.Run, error)
	Status(botID string, userID int64) (*orchestrator.Status, error)
	LastResult(botID string, userID int64) (string, error)
}

const helpText = "Mention me with a task to run it through the assistant.\n" +
	"Control keywords: `stop`, `status`, `retry`, `lastresult`, `help`."

// Bot is the Slack Socket Mode bot.
type Bot struct {
	api          *slack.Client
	socketClient *socketmode.Client
	bridge       Bridge
	channelID    string // when set, mentions outside this channel are ignored
	resumeID     string
	workdir      string
}

// NewBot creates a new Slack Socket Mode bot.
func NewBot(botToken, appToken, channelID, resumeID, workdir string, bridge Bridge) *Bot {
	api := slack.New(
		botToken,
		slack.OptionAppLevelToken(appToken),
	)
	socketClient := socketmode.New(
		api,
		socketmode.OptionLog(log.New(log.Writer(), "slack-socketmode: ", log.LstdFlags)),
	)
	return &Bot{
		api:          api,
		socketClient: socketClient,
		bridge:       bridge,
		channelID:    channelID,
		resumeID:     resumeID,
		workdir:      workdir,
	}
}

// Run connects to Slack via Socket Mode and processes events.
// It blocks until the context is canceled or a fatal error occurs.
func (b *Bot) Run(ctx context.Context) error {
	go b.eventLoop(ctx)
	log.Println("Slack bot connecting via Socket Mode...")
	return b.socketClient.RunContext(ctx)
}

func (b *Bot) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-b.socketClient.Events:
			if !ok {
				return
			}
			b.handleEvent(evt)
		}
	}
}

func (b *Bot) handleEvent(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		log.Println("Slack: connecting...")
	case socketmode.EventTypeConnected:
		log.Println("Slack: connected")
	case socketmode.EventTypeConnectionError:
		log.Println("Slack: connection error, will retry...")
	case socketmode.EventTypeEventsAPI:
		eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		// Acknowledge immediately (Slack requires ack within 3 seconds).
		b.socketClient.Ack(*evt.Request)

		if eventsAPIEvent.Type == slackevents.CallbackEvent {
			if ev, ok := eventsAPIEvent.InnerEvent.Data.(*slackevents.AppMentionEvent); ok {
				go b.handleMention(ev)
			}
		}
	case socketmode.EventTypeInteractive:
		b.socketClient.Ack(*evt.Request)
	}
}

func (b *Bot) handleMention(ev *slackevents.AppMentionEvent) {
	if b.channelID != "" && ev.Channel != b.channelID {
		return
	}

	// Strip the bot mention (<@U12345>) from the text.
	text := ev.Text
	if idx := strings.Index(text, ">"); idx >= 0 {
		text = strings.TrimSpace(text[idx+1:])
	}
	if text == "" {
		b.postThread(ev.Channel, threadOf(ev), helpText)
		return
	}

	threadTS := threadOf(ev)
	userID := sessionUserID(ev.User)

	switch strings.ToLower(text) {
	case "stop":
		stopped, err := b.bridge.Cancel(BotID, userID)
		switch {
		case err != nil:
			b.postThread(ev.Channel, threadTS, fmt.Sprintf("stop failed: %v", err))
		case stopped:
			b.postThread(ev.Channel, threadTS, "stopping the active run...")
		default:
			b.postThread(ev.Channel, threadTS, "nothing to stop.")
		}

	case "status":
		st, err := b.bridge.Status(BotID, userID)
		if err != nil {
			b.postThread(ev.Channel, threadTS, "no session yet. Mention me with a task to start one.")
			return
		}
		b.postThread(ev.Channel, threadTS, formatStatus(st))

	case "retry":
		run, err := b.bridge.Retry(b.submitRequest(ev, ""))
		switch {
		case err == nil:
			b.postThread(ev.Channel, threadTS, fmt.Sprintf("retrying: %s", run.CommandText))
		case errors.Is(err, orchestrator.ErrBusy):
			b.postThread(ev.Channel, threadTS, "busy: a run is already active.")
		default:
			b.postThread(ev.Channel, threadTS, fmt.Sprintf("retry failed: %v", err))
		}

	case "lastresult":
		result, err := b.bridge.LastResult(BotID, userID)
		if err != nil || result == "" {
			b.postThread(ev.Channel, threadTS, "no result yet.")
			return
		}
		b.postThread(ev.Channel, threadTS, result)

	case "help":
		b.postThread(ev.Channel, threadTS, helpText)

	default:
		_, err := b.bridge.Submit(b.submitRequest(ev, text))
		switch {
		case err == nil:
		case errors.Is(err, orchestrator.ErrBusy):
			b.postThread(ev.Channel, threadTS, "busy: a run is already active. Mention me with `stop` to cancel it.")
		default:
			b.postThread(ev.Channel, threadTS, fmt.Sprintf("submit failed: %v", err))
		}
	}
}

func (b *Bot) submitRequest(ev *slackevents.AppMentionEvent, command string) orchestrator.SubmitRequest {
	channel, threadTS := ev.Channel, threadOf(ev)
	return orchestrator.SubmitRequest{
		BotID:    BotID,
		UserID:   sessionUserID(ev.User),
		Command:  command,
		ResumeID: b.resumeID,
		Workdir:  b.workdir,
		Deliver:  func(text string) { b.postThread(channel, threadTS, text) },
	}
}

// threadOf picks the thread to reply in: the original thread when the
// mention came from inside one, else the mention itself.
func threadOf(ev *slackevents.AppMentionEvent) string {
	if ev.ThreadTimeStamp != "" {
		return ev.ThreadTimeStamp
	}
	return ev.TimeStamp
}

// sessionUserID folds a Slack user ID (a string like "U0123AB") into the
// numeric session key space.
func sessionUserID(slackUser string) int64 {
	h := fnv.New64a()
	h.Write([]byte(slackUser))
	return int64(h.Sum64() & (1<<62 - 1))
}

func formatStatus(st *orchestrator.Status) string {
	if st.Active {
		return fmt.Sprintf("running (run %s), elapsed %s, last output %s ago",
			st.RunID, st.Elapsed.Round(time.Second), st.LastActivityAge.Round(time.Second))
	}
	if st.RunID == "" {
		return "idle. No runs yet."
	}
	return fmt.Sprintf("idle. Last run %s: %s (took %s)",
		st.RunID, st.RunStatus, st.Elapsed.Round(time.Second))
}

// postThread sends a plain text message as a thread reply.
func (b *Bot) postThread(channel, threadTS, text string) {
	if text == "" {
		return
	}
	_, _, err := b.api.PostMessage(channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionTS(threadTS),
	)
	if err != nil {
		log.Printf("Slack: failed to post message to %s: %v", channel, err)
	}
}
