package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"officechat/internal/models"
	"officechat/internal/notifications"
	"officechat/internal/service"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

const (
	typingLimit     = 10
	typingWindow    = 10 * time.Second
	wsSendLimit     = 30
	wsSendWindow    = time.Minute
	unknownChatText = "Chat not found"
)

// WebSocketChatHandler handles WebSocket connections for real-time chat
func (s *Server) WebSocketChatHandler() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		userID, ok := conn.Locals("userID").(uint)
		if !ok || userID == 0 {
			if frame, err := notifications.Encode(notifications.EventError, notifications.ErrorPayload{Message: "unauthorized"}); err == nil {
				_ = conn.WriteMessage(websocket.TextMessage, frame)
			}
			_ = conn.Close()
			return
		}

		client, err := s.chatHub.Register(userID, conn)
		if err != nil {
			s.wsLog.LogError(context.Background(), userID, "connect", err)
			if frame, encErr := notifications.Encode(notifications.EventError, notifications.ErrorPayload{Message: err.Error()}); encErr == nil {
				_ = conn.WriteMessage(websocket.TextMessage, frame)
			}
			_ = conn.Close()
			return
		}

		client.IncomingHandler = s.handleChatFrame
		go client.WritePump()
		client.ReadPump()
	})
}

// handleChatFrame dispatches one inbound frame. Failures go back to the
// sender as an error frame; nothing is broadcast for a rejected frame.
func (s *Server) handleChatFrame(client *notifications.Client, raw []byte) {
	ctx := client.Context()

	frame, err := parseClientFrame(raw)
	if err != nil {
		s.wsLog.LogError(ctx, client.UserID, "decode", err)
		sendError(client, "Invalid message format")
		return
	}
	s.wsLog.LogEvent(ctx, client.UserID, frame.Type)

	switch frame.Type {
	case notifications.EventJoinChat:
		chatID, err := frame.chatID()
		if err != nil {
			sendError(client, err.Error())
			return
		}
		if err := s.chatService.CanJoinRoom(ctx, chatID, client.UserID); err != nil {
			s.wsLog.LogError(ctx, client.UserID, frame.Type, err)
			sendError(client, unknownChatText)
			return
		}
		s.chatHub.JoinChat(client, chatID)

	case notifications.EventLeaveChat:
		chatID, err := frame.chatID()
		if err != nil {
			sendError(client, err.Error())
			return
		}
		s.chatHub.LeaveChat(client, chatID)

	case notifications.EventSendMessage:
		chatID, err := frame.chatID()
		if err != nil {
			sendError(client, err.Error())
			return
		}
		allowed, limitErr := s.limiter.Allow(ctx, "send_chat", fmt.Sprintf("user:%d", client.UserID), wsSendLimit, wsSendWindow)
		if !allowed && limitErr == nil {
			sendError(client, "Rate limit exceeded. Please wait a moment.")
			return
		}
		p := frame.payload()
		_, err = s.chatService.SendMessage(ctx, service.SendMessageInput{
			ChatID:     chatID,
			UserID:     client.UserID,
			Text:       p.Text,
			Attachment: p.Attachment,
			Origin:     service.OriginWebSocket,
		})
		if err != nil {
			s.wsLog.LogError(ctx, client.UserID, frame.Type, err)
			sendError(client, clientMessage(err))
		}

	case notifications.EventTyping, notifications.EventStopTyping:
		chatID, err := frame.chatID()
		if err != nil {
			return
		}
		if err := s.chatService.CanJoinRoom(ctx, chatID, client.UserID); err != nil {
			return
		}
		// Spammy typing indicators are dropped silently.
		allowed, limitErr := s.limiter.Allow(ctx, "typing", fmt.Sprintf("user:%d", client.UserID), typingLimit, typingWindow)
		if !allowed && limitErr == nil {
			return
		}
		s.chatHub.BroadcastToChat(chatID, frame.Type,
			notifications.TypingPayload{ChatID: chatID, UserID: client.UserID}, client.UserID)

	default:
		sendError(client, "Unknown event type: "+frame.Type)
	}
}

func sendError(client *notifications.Client, message string) {
	frame, err := notifications.Encode(notifications.EventError, notifications.ErrorPayload{Message: message})
	if err != nil {
		return
	}
	client.TrySend(frame)
}

// clientMessage is the text of err that is safe to show the sender.
func clientMessage(err error) string {
	var appErr *models.AppError
	if errors.As(err, &appErr) && appErr.Code != models.CodeInternal {
		return appErr.Message
	}
	return "Something went wrong"
}
