package http

import (
	"encoding/json"

	"github.com/vovakirdan/roomsync/internal/core"
	"github.com/vovakirdan/roomsync/internal/proto"
)

func inboundToCommand(inbound proto.Inbound) (core.Command, *proto.Error) {
	switch inbound.Type {
	case proto.TypeMessage:
		return core.Command{
			Kind:        core.CommandSendMessage,
			Content:     inbound.Content,
			Metadata:    inbound.Metadata,
			Attachments: inbound.Attachments,
			ReplyTo:     inbound.ReplyTo,
		}, nil
	case proto.TypeTyping:
		return core.Command{Kind: core.CommandTyping, IsTyping: inbound.IsTyping}, nil
	case proto.TypeReaction:
		return core.Command{
			Kind:      core.CommandReaction,
			MessageID: inbound.MessageID,
			Emoji:     inbound.Emoji,
			Add:       inbound.Add,
		}, nil
	case proto.TypeEdit:
		return core.Command{
			Kind:      core.CommandEdit,
			MessageID: inbound.MessageID,
			Content:   inbound.Content,
		}, nil
	case proto.TypeHeartbeat:
		return core.Command{Kind: core.CommandHeartbeat}, nil
	case proto.TypePresenceJoin:
		var join proto.PresenceJoinData
		if len(inbound.Data) > 0 {
			if err := json.Unmarshal(inbound.Data, &join); err != nil {
				return core.Command{}, &proto.Error{Code: core.ErrCodeBadRequest, Msg: "invalid presence:join data"}
			}
		}
		return core.Command{Kind: core.CommandPresenceJoin, Profile: &join.User}, nil
	case proto.TypePresenceUpdate:
		var fields map[string]any
		if len(inbound.Data) > 0 {
			if err := json.Unmarshal(inbound.Data, &fields); err != nil {
				return core.Command{}, &proto.Error{Code: core.ErrCodeBadRequest, Msg: "invalid presence:update data"}
			}
		}
		return core.Command{Kind: core.CommandPresenceUpdate, Presence: fields}, nil
	case "":
		return core.Command{}, &proto.Error{Code: core.ErrCodeInvalidMessage, Msg: "message type is required"}
	default:
		return core.Command{}, &proto.Error{Code: core.ErrCodeInvalidMessage, Msg: "unknown message type"}
	}
}

func outboundFromEvent(event *core.Event) proto.Outbound {
	switch event.Kind {
	case core.EventInit:
		return proto.Outbound{Type: proto.OutboundTypeInit, Data: event.Init}
	case core.EventPresenceSync:
		return proto.Outbound{Type: proto.TypePresenceSync, Data: proto.PresenceSyncData{Presence: event.Roster}}
	case core.EventPresenceJoin:
		return proto.Outbound{Type: proto.TypePresenceJoin, Data: event.Presence}
	case core.EventPresenceUpdate:
		return proto.Outbound{Type: proto.TypePresenceUpdate, Data: event.Presence}
	case core.EventPresenceLeave:
		return proto.Outbound{Type: proto.TypePresenceLeave, Data: proto.PresenceLeaveData{UserID: event.UserID}}
	case core.EventMessage:
		return proto.Outbound{Type: proto.TypeMessage, Data: event.Message}
	case core.EventTyping:
		return proto.Outbound{Type: proto.TypeTyping, Data: event.Typing}
	case core.EventReaction:
		return proto.Outbound{Type: proto.TypeReaction, Data: event.Reaction}
	case core.EventEdit:
		return proto.Outbound{Type: proto.TypeEdit, Data: event.Edit}
	case core.EventCustom:
		if len(event.Custom.Data) == 0 {
			return proto.Outbound{Type: event.Custom.Type}
		}
		return proto.Outbound{Type: event.Custom.Type, Data: event.Custom.Data}
	case core.EventError:
		if event.Error == nil {
			return proto.Outbound{Type: proto.OutboundTypeError, Error: &proto.Error{Code: "unknown", Msg: "unknown error"}}
		}
		return proto.Outbound{
			Type:  proto.OutboundTypeError,
			Error: &proto.Error{Code: event.Error.Code, Msg: event.Error.Message},
		}
	default:
		return proto.Outbound{Type: proto.OutboundTypeError, Error: &proto.Error{Code: "unknown", Msg: "unknown event"}}
	}
}
