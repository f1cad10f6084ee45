package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/noah-isme/rally-go-api/pkg/protocol"
)

var errInvalidFrame = errors.New("invalid frame data")

func (g *Gateway) routes() map[string]handlerFunc {
	return map[string]handlerFunc{
		protocol.EventConversationJoin:    g.joinConversation,
		protocol.EventConversationLeave:   g.leaveConversation,
		protocol.EventConversationCreate:  g.createConversation,
		protocol.EventConversationArchive: g.archiveConversation,
		protocol.EventConversationList:    g.listConversations,

		protocol.EventMessageSend:    g.sendMessage,
		protocol.EventMessageEdit:    g.editMessage,
		protocol.EventMessageDelete:  g.deleteMessage,
		protocol.EventMessageReact:   g.reactMessage,
		protocol.EventMessageUnreact: g.unreactMessage,
		protocol.EventMessageRead:    g.readMessage,
		protocol.EventMessageSearch:  g.searchMessages,
		protocol.EventMessageList:    g.listMessages,

		protocol.EventTypingStart: g.typing(protocol.EventTypingUserStarted),
		protocol.EventTypingStop:  g.typing(protocol.EventTypingUserStopped),

		protocol.EventPresenceUpdate:         g.updatePresence,
		protocol.EventPresenceGetOnlineUsers: g.onlineUsers,

		protocol.EventNotificationUnread: g.unreadNotifications,
		protocol.EventNotificationRead:   g.readNotification,
	}
}

// decode unmarshals and validates the frame data into out.
func (g *Gateway) decode(frame protocol.Frame, out any) error {
	if err := frame.Decode(out); err != nil {
		return fmt.Errorf("%w: %v", errInvalidFrame, err)
	}
	return g.validator.Struct(out)
}

func (g *Gateway) joinConversation(ctx context.Context, c *Client, frame protocol.Frame) (any, error) {
	var req protocol.ConversationRef
	if err := g.decode(frame, &req); err != nil {
		return nil, err
	}
	conversation, err := g.services.Conversations.Join(ctx, c.session.UserID, req.ConversationID)
	if err != nil {
		return nil, err
	}
	g.hub.join(c, conversation.ID)
	return protocol.JoinResult{
		Conversation: conversation,
		LastMessage:  g.services.Messages.LastMessage(ctx, conversation.ID),
	}, nil
}

// leaveConversation only drops the room subscription. Participation is left over REST.
func (g *Gateway) leaveConversation(_ context.Context, c *Client, frame protocol.Frame) (any, error) {
	var req protocol.ConversationRef
	if err := g.decode(frame, &req); err != nil {
		return nil, err
	}
	g.hub.leave(c, req.ConversationID)
	return nil, nil
}

func (g *Gateway) createConversation(ctx context.Context, c *Client, frame protocol.Frame) (any, error) {
	var req protocol.CreateConversationRequest
	if err := frame.Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidFrame, err)
	}
	conversation, err := g.services.Conversations.Create(ctx, c.session.UserID, req)
	if err != nil {
		return nil, err
	}
	g.hub.join(c, conversation.ID)
	return conversation, nil
}

func (g *Gateway) archiveConversation(ctx context.Context, c *Client, frame protocol.Frame) (any, error) {
	var req protocol.ConversationRef
	if err := g.decode(frame, &req); err != nil {
		return nil, err
	}
	return g.services.Conversations.Archive(ctx, c.session.UserID, req.ConversationID)
}

func (g *Gateway) listConversations(ctx context.Context, c *Client, frame protocol.Frame) (any, error) {
	var req protocol.ListConversationsRequest
	if err := frame.Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidFrame, err)
	}
	return g.services.Conversations.List(ctx, c.session.UserID, req.IncludeArchived)
}

func (g *Gateway) sendMessage(ctx context.Context, c *Client, frame protocol.Frame) (any, error) {
	var req protocol.SendMessageRequest
	if err := frame.Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidFrame, err)
	}
	return g.services.Messages.Send(ctx, c.session.UserID, req)
}

func (g *Gateway) editMessage(ctx context.Context, c *Client, frame protocol.Frame) (any, error) {
	var req protocol.EditMessageRequest
	if err := frame.Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidFrame, err)
	}
	return g.services.Messages.Edit(ctx, c.session.UserID, req)
}

func (g *Gateway) deleteMessage(ctx context.Context, c *Client, frame protocol.Frame) (any, error) {
	var req protocol.MessageRef
	if err := g.decode(frame, &req); err != nil {
		return nil, err
	}
	return g.services.Messages.Delete(ctx, c.session.UserID, req.MessageID)
}

func (g *Gateway) reactMessage(ctx context.Context, c *Client, frame protocol.Frame) (any, error) {
	var req protocol.ReactRequest
	if err := frame.Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidFrame, err)
	}
	return g.services.Messages.React(ctx, c.session.UserID, req)
}

func (g *Gateway) unreactMessage(ctx context.Context, c *Client, frame protocol.Frame) (any, error) {
	var req protocol.MessageRef
	if err := g.decode(frame, &req); err != nil {
		return nil, err
	}
	return nil, g.services.Messages.Unreact(ctx, c.session.UserID, req.MessageID)
}

func (g *Gateway) readMessage(ctx context.Context, c *Client, frame protocol.Frame) (any, error) {
	var req protocol.MessageRef
	if err := g.decode(frame, &req); err != nil {
		return nil, err
	}
	return g.services.Messages.MarkRead(ctx, c.session.UserID, req.MessageID)
}

func (g *Gateway) searchMessages(ctx context.Context, c *Client, frame protocol.Frame) (any, error) {
	var req protocol.SearchRequest
	if err := frame.Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidFrame, err)
	}
	return g.services.Messages.Search(ctx, c.session.UserID, req)
}

func (g *Gateway) listMessages(ctx context.Context, c *Client, frame protocol.Frame) (any, error) {
	var req protocol.ListMessagesRequest
	if err := frame.Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidFrame, err)
	}
	messages, total, err := g.services.Messages.List(ctx, c.session.UserID, req)
	if err != nil {
		return nil, err
	}
	return protocol.MessagePage{Messages: messages, Total: total}, nil
}

// typing relays a typing signal to the other sessions in the room. Only room members may signal.
func (g *Gateway) typing(outbound string) handlerFunc {
	return func(_ context.Context, c *Client, frame protocol.Frame) (any, error) {
		var req protocol.ConversationRef
		if err := g.decode(frame, &req); err != nil {
			return nil, err
		}
		if !g.hub.inRoom(c, req.ConversationID) {
			return nil, errNotRoomMember
		}
		g.hub.relay(req.ConversationID, c.session.UserID, outbound, protocol.TypingEvent{
			UserID:         c.session.UserID,
			Username:       c.session.Username,
			ConversationID: req.ConversationID,
		})
		return nil, nil
	}
}

func (g *Gateway) updatePresence(ctx context.Context, c *Client, frame protocol.Frame) (any, error) {
	var req protocol.PresenceUpdateRequest
	if err := g.decode(frame, &req); err != nil {
		return nil, err
	}
	return g.services.Presence.Update(ctx, c.session.UserID, req.Status)
}

func (g *Gateway) onlineUsers(ctx context.Context, _ *Client, _ protocol.Frame) (any, error) {
	return g.services.Presence.Online(ctx)
}

func (g *Gateway) unreadNotifications(ctx context.Context, c *Client, _ protocol.Frame) (any, error) {
	count, err := g.services.Notifications.UnreadCount(ctx, c.session.UserID)
	if err != nil {
		return nil, err
	}
	return protocol.UnreadCount{Count: count}, nil
}

func (g *Gateway) readNotification(ctx context.Context, c *Client, frame protocol.Frame) (any, error) {
	var req protocol.NotificationRef
	if err := g.decode(frame, &req); err != nil {
		return nil, err
	}
	return g.services.Notifications.MarkRead(ctx, req.NotificationID, c.session.UserID)
}
