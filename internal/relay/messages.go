package relay

import (
	"context"
	"errors"

	"github.com/stupiduntilnot/chatrelay/internal/chat"
)

// User-visible texts.
const (
	MsgConfiguration     = "The assistant is misconfigured. Please contact the operator."
	MsgUnknownProvider   = "This model is not available. Please choose a different model with /provider."
	MsgTransient         = "The model is temporarily unavailable. Please try again in a moment."
	MsgStreamInterrupted = "The response was interrupted. Please resend your message."
	MsgContentPolicy     = "The model declined to answer this request."
	MsgNoContent         = "The model returned an empty response. Please resend your message."
	MsgReset             = "Conversation reset after inactivity."
	MsgBusy              = "Still processing your previous message, please wait."
	DefaultPlaceholder   = "Generating..."
)

// UserMessage maps a relay failure to the text shown to the user. It
// returns "" when nothing should be shown.
func UserMessage(err error) string {
	if err == nil || errors.Is(err, context.Canceled) {
		return ""
	}
	switch chat.KindOf(err) {
	case chat.KindConfiguration:
		return MsgConfiguration
	case chat.KindUnknownProvider:
		return MsgUnknownProvider
	case chat.KindStreamInterrupted:
		return MsgStreamInterrupted
	case chat.KindContentPolicy:
		return MsgContentPolicy
	case chat.KindNoContent:
		return MsgNoContent
	case chat.KindFrontEndDelivery:
		return ""
	default:
		return MsgTransient
	}
}
