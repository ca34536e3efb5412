package ttn

import (
	"encoding/json"
	"sort"
)

// Kind names an event shape.
type Kind string

const (
	KindJoin             Kind = "join"
	KindUplink           Kind = "uplink"
	KindNormalizedUplink Kind = "normalized_uplink"
	KindUnknown          Kind = "unknown"
)

// Event is one of JoinEvent, UplinkEvent, NormalizedUplinkEvent or UnknownEvent.
type Event interface {
	Kind() Kind
	Device() EndDeviceIDs
}

// JoinEvent reports that a device (re)joined the network.
type JoinEvent struct {
	IDs          EndDeviceIDs
	SessionKeyID string
	// JoinedAt is join_accept.received_at, or the envelope received_at when absent.
	JoinedAt string
}

// UplinkEvent carries a sensor reading.
type UplinkEvent struct {
	IDs            EndDeviceIDs
	FrmPayload     string
	Decoded        *DecodedPayload
	Gateway        *RxMetadata
	FCnt           int
	ReceivedAt     string
	CorrelationIDs []string
}

// NormalizedUplinkEvent is TTN's normalized uplink format. It is acknowledged
// but not processed.
type NormalizedUplinkEvent struct {
	IDs EndDeviceIDs
	Raw json.RawMessage
}

// UnknownEvent is any other event type (downlink acks, location solves, ...).
type UnknownEvent struct {
	IDs  EndDeviceIDs
	Keys []string
}

func (JoinEvent) Kind() Kind             { return KindJoin }
func (UplinkEvent) Kind() Kind           { return KindUplink }
func (NormalizedUplinkEvent) Kind() Kind { return KindNormalizedUplink }
func (UnknownEvent) Kind() Kind          { return KindUnknown }

func (e JoinEvent) Device() EndDeviceIDs             { return e.IDs }
func (e UplinkEvent) Device() EndDeviceIDs           { return e.IDs }
func (e NormalizedUplinkEvent) Device() EndDeviceIDs { return e.IDs }
func (e UnknownEvent) Device() EndDeviceIDs          { return e.IDs }

// Classify sorts an envelope into an Event. uplink_message wins over
// join_accept, which wins over normalized_uplink.
func Classify(env *Envelope) Event {
	if env == nil {
		return UnknownEvent{}
	}

	if msg := env.UplinkMessage; msg != nil {
		receivedAt := env.ReceivedAt
		if receivedAt == "" {
			receivedAt = msg.ReceivedAt
		}
		return UplinkEvent{
			IDs:            env.EndDeviceIDs,
			FrmPayload:     msg.FrmPayload,
			Decoded:        msg.Decoded(),
			Gateway:        msg.PrimaryGateway(),
			FCnt:           msg.FCnt,
			ReceivedAt:     receivedAt,
			CorrelationIDs: env.CorrelationIDs,
		}
	}

	if join := env.JoinAccept; join != nil {
		joinedAt := join.ReceivedAt
		if joinedAt == "" {
			joinedAt = env.ReceivedAt
		}
		return JoinEvent{
			IDs:          env.EndDeviceIDs,
			SessionKeyID: join.SessionKeyID,
			JoinedAt:     joinedAt,
		}
	}

	if present(env.NormalizedUplink) {
		return NormalizedUplinkEvent{IDs: env.EndDeviceIDs, Raw: env.NormalizedUplink}
	}

	keys := append([]string(nil), env.Keys()...)
	sort.Strings(keys)
	return UnknownEvent{IDs: env.EndDeviceIDs, Keys: keys}
}
