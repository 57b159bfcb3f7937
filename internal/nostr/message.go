package nostr

import (
	"encoding/json"
	"errors"
	"fmt"

	"bookstr/internal/types"
)

// Message labels (NIP-01)
const (
	LabelEvent  = "EVENT"
	LabelReq    = "REQ"
	LabelClose  = "CLOSE"
	LabelEOSE   = "EOSE"
	LabelOK     = "OK"
	LabelClosed = "CLOSED"
	LabelNotice = "NOTICE"
	LabelAuth   = "AUTH"
)

var ErrMalformedMessage = errors.New("malformed relay message")

// Message is one decoded protocol envelope, in either direction.
// Only the fields relevant to Label are set.
type Message struct {
	Label          string
	SubscriptionID string
	Event          *types.Event
	Filters        []types.Filter
	EventID        string
	OK             bool
	Reason         string // OK message, CLOSED reason or NOTICE text
}

// ParseMessage decodes a raw websocket frame
func ParseMessage(raw []byte) (Message, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if len(parts) < 2 {
		return Message{}, ErrMalformedMessage
	}

	var msg Message
	if err := json.Unmarshal(parts[0], &msg.Label); err != nil {
		return Message{}, ErrMalformedMessage
	}

	var err error
	switch msg.Label {
	case LabelEvent:
		// ["EVENT", <event>] from clients, ["EVENT", <sub id>, <event>] from relays
		eventPart := parts[1]
		if len(parts) >= 3 {
			if err = json.Unmarshal(parts[1], &msg.SubscriptionID); err != nil {
				break
			}
			eventPart = parts[2]
		}
		var evt types.Event
		if err = json.Unmarshal(eventPart, &evt); err == nil {
			msg.Event = &evt
		}

	case LabelReq:
		if err = json.Unmarshal(parts[1], &msg.SubscriptionID); err != nil {
			break
		}
		for _, p := range parts[2:] {
			var f types.Filter
			if err = json.Unmarshal(p, &f); err != nil {
				break
			}
			msg.Filters = append(msg.Filters, f)
		}

	case LabelClose, LabelEOSE:
		err = json.Unmarshal(parts[1], &msg.SubscriptionID)

	case LabelClosed:
		if err = json.Unmarshal(parts[1], &msg.SubscriptionID); err == nil && len(parts) >= 3 {
			_ = json.Unmarshal(parts[2], &msg.Reason)
		}

	case LabelOK:
		if len(parts) < 3 {
			return Message{}, ErrMalformedMessage
		}
		if err = json.Unmarshal(parts[1], &msg.EventID); err != nil {
			break
		}
		if err = json.Unmarshal(parts[2], &msg.OK); err != nil {
			break
		}
		if len(parts) >= 4 {
			_ = json.Unmarshal(parts[3], &msg.Reason)
		}

	case LabelNotice:
		err = json.Unmarshal(parts[1], &msg.Reason)

	case LabelAuth:
		// challenge string or event; callers only log it

	default:
		return Message{}, fmt.Errorf("%w: unknown label %q", ErrMalformedMessage, msg.Label)
	}

	if err != nil {
		return Message{}, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, msg.Label, err)
	}
	return msg, nil
}

func encode(parts ...interface{}) []byte {
	return marshalNoEscape(parts)
}

// EncodeReq builds ["REQ", subID, filters...]
func EncodeReq(subID string, filters ...types.Filter) []byte {
	parts := []interface{}{LabelReq, subID}
	for _, f := range filters {
		parts = append(parts, f)
	}
	return encode(parts...)
}

// EncodeClose builds ["CLOSE", subID]
func EncodeClose(subID string) []byte {
	return encode(LabelClose, subID)
}

// EncodePublish builds ["EVENT", event] for a client publish
func EncodePublish(evt *types.Event) []byte {
	return encode(LabelEvent, evt)
}

// EncodeDelivery builds ["EVENT", subID, event] as a relay sends it
func EncodeDelivery(subID string, evt *types.Event) []byte {
	return encode(LabelEvent, subID, evt)
}

// EncodeEOSE builds ["EOSE", subID]
func EncodeEOSE(subID string) []byte {
	return encode(LabelEOSE, subID)
}

// EncodeOK builds ["OK", eventID, ok, reason]
func EncodeOK(eventID string, ok bool, reason string) []byte {
	return encode(LabelOK, eventID, ok, reason)
}

// EncodeClosed builds ["CLOSED", subID, reason]
func EncodeClosed(subID, reason string) []byte {
	return encode(LabelClosed, subID, reason)
}

// EncodeNotice builds ["NOTICE", text]
func EncodeNotice(text string) []byte {
	return encode(LabelNotice, text)
}
