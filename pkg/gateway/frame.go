// Package gateway is the process boundary of the focus: a newline-delimited
// JSON protocol on a local socket, spoken by the XMPP termination in front
// of it. The termination feeds decoded stanzas and bridge stats in; the
// focus sends signaling, colibri requests and room administration out. The
// gateway translates between the wire frames and the typed core and fans the
// inbound side into routing events.
package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/riverine/headwater/pkg/bridge"
	"github.com/riverine/headwater/pkg/colibri"
	"github.com/riverine/headwater/pkg/signaling"
	"github.com/riverine/headwater/pkg/xmpp"
)

// Frame types the termination sends.
const (
	TypePresence        = "presence"
	TypeConfigForm      = "config-form"
	TypeRoomMetadata    = "room-metadata"
	TypeRoomDestroyed   = "room-destroyed"
	TypePeer            = "peer"
	TypeBridges         = "bridges"
	TypeBridgesDown     = "bridges-down"
	TypeColibriResponse = "colibri-response"
	TypeAdmit           = "admit"
	TypeForceMute       = "force-mute"
	TypeRecording       = "recording"
	TypeVisitorInvited  = "visitor-invited"
)

// Frame types the focus sends.
const (
	TypeSignal         = "signal"
	TypeColibriRequest = "colibri-request"
	TypeGrantOwner     = "grant-owner"
	TypeOwnPresence    = "own-presence"
	TypeAdmitResult    = "admit-result"
)

// Peer and signal kinds, shared by both directions where the message exists
// in both.
const (
	KindSessionInitiate  = "session-initiate"
	KindSessionAccept    = "session-accept"
	KindTransportReplace = "transport-replace"
	KindTransportInfo    = "transport-info"
	KindSourceAdd        = "source-add"
	KindSourceRemove     = "source-remove"
	KindSourceReject     = "source-reject"
	KindSessionTerminate = "session-terminate"
)

// Frame is one line of the protocol. Type selects the variant; the other
// fields are set per type. Payloads of typed core structs (colibri requests
// and responses, bridge records, presence extensions, signaling bodies)
// marshal with their Go field names; both ends of this protocol are part of
// the deployment, so the field names are the contract.
type Frame struct {
	Type string `json:"type"`

	// Room scopes every room-bound frame (bare room address).
	Room string `json:"room,omitempty"`

	Presence *PresenceFrame    `json:"presence,omitempty"`
	Form     map[string]string `json:"form,omitempty"`
	Metadata *string           `json:"metadata,omitempty"`

	// Sender is the endpoint id of the participant a peer frame came from.
	Sender string `json:"sender,omitempty"`
	// Kind selects the signaling body in Payload.
	Kind    string          `json:"kind,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// To is the full occupant address of an outbound signal.
	To string `json:"to,omitempty"`
	// Occupant is the target of a grant-owner frame.
	Occupant string `json:"occupant,omitempty"`

	// Force-mute directive: the targeted endpoint ids and which media to
	// stop. Recording frames reuse URL.
	Targets []string `json:"targets,omitempty"`
	Audio   bool     `json:"audio,omitempty"`
	Video   bool     `json:"video,omitempty"`
	URL     string   `json:"url,omitempty"`

	// Token and the admission verdict of an admit exchange.
	Token   string `json:"token,omitempty"`
	Allowed bool   `json:"allowed,omitempty"`
	Reason  string `json:"reason,omitempty"`

	// ID correlates a request frame with its response (colibri, admit).
	ID       string            `json:"id,omitempty"`
	Request  *colibri.Request  `json:"request,omitempty"`
	Response *colibri.Response `json:"response,omitempty"`

	Bridges []bridge.Bridge `json:"bridges,omitempty"`
	Down    []string        `json:"down,omitempty"`

	Extensions []xmpp.Extension `json:"extensions,omitempty"`
}

// PresenceFrame is the wire form of one decoded presence. JIDs travel as
// strings; the gateway parses and validates them.
type PresenceFrame struct {
	From   string `json:"from"`
	Type   string `json:"type,omitempty"`
	Status string `json:"status,omitempty"`

	MUCUser *MUCUserFrame `json:"mucUser,omitempty"`
	Robot   bool          `json:"robot,omitempty"`
	Caps    *CapsFrame    `json:"caps,omitempty"`

	SourceInfo *string  `json:"sourceInfo,omitempty"`
	Features   []string `json:"features,omitempty"`

	Region  string `json:"region,omitempty"`
	StatsID string `json:"statsId,omitempty"`

	CodecList []string `json:"codecList,omitempty"`
	CodecType string   `json:"codecType,omitempty"`

	AudioMuted *bool `json:"audioMuted,omitempty"`
	VideoMuted *bool `json:"videoMuted,omitempty"`
}

// MUCUserFrame mirrors the muc#user extension of a presence.
type MUCUserFrame struct {
	Role        string `json:"role,omitempty"`
	Affiliation string `json:"affiliation,omitempty"`
	JID         string `json:"jid,omitempty"`
	StatusCodes []int  `json:"statusCodes,omitempty"`
}

// CapsFrame mirrors the entity-capabilities extension.
type CapsFrame struct {
	Node string `json:"node"`
	Ver  string `json:"ver"`
}

// decodePresence turns a presence frame into the typed core presence. The
// strict flag applies the endpoint-id shape check to the occupant nick.
func decodePresence(frame *PresenceFrame, strict bool) (*xmpp.Presence, error) {
	from, err := xmpp.ParseOccupant(frame.From, strict)
	if err != nil {
		return nil, err
	}

	presence := &xmpp.Presence{
		From:       from,
		Type:       xmpp.PresenceAvailable,
		Status:     frame.Status,
		SourceInfo: frame.SourceInfo,
		Features:   frame.Features,
		Region:     frame.Region,
		StatsID:    frame.StatsID,
		CodecList:  frame.CodecList,
		CodecType:  frame.CodecType,
		AudioMuted: frame.AudioMuted,
		VideoMuted: frame.VideoMuted,
	}
	if frame.Type == string(xmpp.PresenceUnavailable) {
		presence.Type = xmpp.PresenceUnavailable
	}
	if frame.MUCUser != nil {
		presence.MUCUser = &xmpp.MUCUser{
			Role:        frame.MUCUser.Role,
			Affiliation: frame.MUCUser.Affiliation,
			JID:         frame.MUCUser.JID,
			StatusCodes: frame.MUCUser.StatusCodes,
		}
	}
	if frame.Robot {
		presence.UserInfo = &xmpp.UserInfo{Robot: true}
	}
	if frame.Caps != nil {
		presence.Caps = &xmpp.Caps{Node: frame.Caps.Node, Ver: frame.Caps.Ver}
	}
	return presence, nil
}

// decodePeerPayload decodes the body of an inbound peer frame into the
// signaling struct the conference dispatches on.
func decodePeerPayload(kind string, payload json.RawMessage) (interface{}, error) {
	switch kind {
	case KindSessionAccept:
		var body signaling.SessionAccept
		return body, json.Unmarshal(payload, &body)
	case KindTransportInfo:
		var body signaling.TransportInfo
		return body, json.Unmarshal(payload, &body)
	case KindSourceAdd:
		var body signaling.PeerSourceAdd
		return body, json.Unmarshal(payload, &body)
	case KindSourceRemove:
		var body signaling.PeerSourceRemove
		return body, json.Unmarshal(payload, &body)
	case KindSessionTerminate:
		var body signaling.PeerSessionTerminate
		return body, json.Unmarshal(payload, &body)
	default:
		return nil, fmt.Errorf("unknown peer kind %q", kind)
	}
}

// encodeSignal maps an outbound signaling body to its wire kind and payload.
func encodeSignal(content interface{}) (string, json.RawMessage, error) {
	var kind string
	switch content.(type) {
	case signaling.SessionInitiate:
		kind = KindSessionInitiate
	case signaling.TransportReplace:
		kind = KindTransportReplace
	case signaling.SourceAdd:
		kind = KindSourceAdd
	case signaling.SourceRemove:
		kind = KindSourceRemove
	case signaling.SourceReject:
		kind = KindSourceReject
	case signaling.SessionTerminate:
		kind = KindSessionTerminate
	default:
		return "", nil, fmt.Errorf("unsupported signal type %T", content)
	}
	payload, err := json.Marshal(content)
	return kind, payload, err
}
