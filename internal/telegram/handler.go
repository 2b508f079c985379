package telegram

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/rs/zerolog"

	"github.com/stupiduntilnot/chatrelay/internal/commander"
	"github.com/stupiduntilnot/chatrelay/internal/relay"
)

// DefaultImagePrompt is used for photos sent without a caption.
const DefaultImagePrompt = "What's in this image?"

// Submitter schedules relay turns; *relay.Relay implements it.
type Submitter interface {
	Submit(ctx context.Context, in relay.Inbound) (<-chan relay.Outcome, error)
}

// Handler routes updates to commands or the relay.
type Handler struct {
	adapter  *Adapter
	relay    Submitter
	commands *commander.Commander
	allowed  map[int64]bool
	logger   zerolog.Logger
}

// NewHandler builds an update handler. An empty allowlist admits everyone.
func NewHandler(adapter *Adapter, r Submitter, commands *commander.Commander, allowedUserIDs []int64, logger zerolog.Logger) *Handler {
	h := &Handler{
		adapter:  adapter,
		relay:    r,
		commands: commands,
		allowed:  map[int64]bool{},
		logger:   logger.With().Str("component", "telegram").Logger(),
	}
	for _, id := range allowedUserIDs {
		h.allowed[id] = true
	}
	return h
}

// Handle matches bot.HandlerFunc.
func (h *Handler) Handle(ctx context.Context, _ *bot.Bot, update *models.Update) {
	h.HandleUpdate(ctx, update)
}

// HandleUpdate processes one update. Relay turns run asynchronously.
func (h *Handler) HandleUpdate(ctx context.Context, update *models.Update) {
	if update == nil || update.Message == nil || update.Message.From == nil {
		return
	}
	msg := update.Message
	userID := msg.From.ID
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	log := h.logger.With().Int64("user_id", userID).Int64("update_id", update.ID).Logger()

	if len(h.allowed) > 0 && !h.allowed[userID] {
		log.Warn().Msg("user not in allowlist, ignoring")
		return
	}

	uid := strconv.FormatInt(userID, 10)
	if cmd, ok := commander.Parse(msg.Text); ok {
		reply, err := h.commands.Execute(ctx, uid, cmd)
		if err != nil {
			log.Error().Err(err).Str("command", cmd.Name).Msg("command failed")
			reply = relay.MsgTransient
		}
		if _, err := h.adapter.Send(ctx, chatID, reply); err != nil {
			log.Warn().Err(err).Msg("command reply not delivered")
		}
		return
	}

	in := relay.Inbound{
		UserID:     uid,
		ChatID:     chatID,
		Text:       msg.Text,
		ReceivedAt: time.Unix(int64(msg.Date), 0),
		FrontEnd:   h.adapter,
	}
	if len(msg.Photo) > 0 {
		img, err := h.adapter.DownloadPhoto(ctx, msg.Photo)
		if err != nil {
			log.Warn().Err(err).Msg("photo download failed")
			if _, err := h.adapter.Send(ctx, chatID, "Could not download the image. Please try again."); err != nil {
				log.Warn().Err(err).Msg("notice not delivered")
			}
			return
		}
		in.Image = img
		in.Text = strings.TrimSpace(msg.Caption)
		if in.Text == "" {
			in.Text = DefaultImagePrompt
		}
	}
	if strings.TrimSpace(in.Text) == "" {
		return
	}
	if msg.Date == 0 {
		in.ReceivedAt = time.Time{}
	}

	if _, err := h.relay.Submit(context.WithoutCancel(ctx), in); err != nil {
		log.Debug().Err(err).Msg("turn not scheduled")
	}
}
