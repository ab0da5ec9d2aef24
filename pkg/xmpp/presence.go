// Package xmpp is the typed control-plane boundary of the focus. The actual
// XMPP transport and XML codec live outside the core: whatever drives the
// focus translates stanzas into the types here and back. The package also
// owns the JSON payloads that ride inside presence and messages, because
// their strictness rules (duplicate keys, enum casing) are part of this
// design rather than of the transport.
package xmpp

import (
	"strings"

	"mellium.im/xmpp/jid"

	"github.com/riverine/headwater/pkg/source"
)

// PresenceType distinguishes joins and updates from leaves.
type PresenceType string

const (
	PresenceAvailable   PresenceType = "available"
	PresenceUnavailable PresenceType = "unavailable"
)

// MUC status codes the focus reacts to.
const (
	// StatusSelfPresence marks the occupant's own reflected presence.
	StatusSelfPresence = 110
	// StatusKicked marks a removal initiated by a moderator.
	StatusKicked = 307
)

// MUCUser is the occupant descriptor the room service attaches to presence:
// the wire-level role and affiliation plus status codes. JID is the
// occupant's real address when the room discloses it; service-robot claims
// are only honored when its domain is trusted.
type MUCUser struct {
	Role        string
	Affiliation string
	JID         string
	StatusCodes []int
}

// HasStatus reports whether the given MUC status code is present.
func (u *MUCUser) HasStatus(code int) bool {
	if u == nil {
		return false
	}
	for _, c := range u.StatusCodes {
		if c == code {
			return true
		}
	}
	return false
}

// UserInfo is the extension carrying the service-robot flag.
type UserInfo struct {
	Robot bool
}

// Caps is the XEP-0115 entity-capabilities extension.
type Caps struct {
	Node string
	Ver  string
}

// String renders the capability identifier the focus stores per member.
func (c Caps) String() string {
	return c.Node + "#" + c.Ver
}

// Presence is one decoded presence packet addressed to the focus's occupant.
// JSON payloads (source info) stay raw here; the chat room decodes them with
// the strict rules and decides what to do with a malformed one.
type Presence struct {
	From   jid.JID
	Type   PresenceType
	Status string

	MUCUser  *MUCUser
	UserInfo *UserInfo
	Caps     *Caps

	// SourceInfo is the raw source-info JSON payload, nil when the
	// extension is absent (which switches mute accounting to the legacy
	// flags below).
	SourceInfo *string

	// Features advertised by the occupant (service robots announce
	// themselves here, subject to trusted-domain gating).
	Features []string

	Region  string
	StatsID string

	// CodecList is the ordered codec preference; CodecType is the legacy
	// single-codec form used when the list is absent.
	CodecList []string
	CodecType string

	// Legacy mute flags, consulted only when SourceInfo is absent. Absent
	// flags mean muted.
	AudioMuted *bool
	VideoMuted *bool
}

// EndpointID of the occupant this presence describes.
func (p *Presence) EndpointID() source.EndpointID {
	return OccupantEndpointID(p.From)
}

// Kicked reports whether this unavailable presence is a moderator kick
// rather than a plain leave.
func (p *Presence) Kicked() bool {
	return p.MUCUser.HasStatus(StatusKicked)
}

// MemberRole is the derived role of a room member, ordered by privilege.
type MemberRole int

const (
	RoleVisitor MemberRole = iota
	RoleParticipant
	RoleModerator
	RoleOwner
)

func (r MemberRole) String() string {
	switch r {
	case RoleVisitor:
		return "visitor"
	case RoleParticipant:
		return "participant"
	case RoleModerator:
		return "moderator"
	case RoleOwner:
		return "owner"
	default:
		return "unknown"
	}
}

// HasModeratorRights reports whether the role may moderate the room.
func (r MemberRole) HasModeratorRights() bool {
	return r >= RoleModerator
}

// IsVisitor reports whether the role is view-only.
func (r MemberRole) IsVisitor() bool {
	return r == RoleVisitor
}

// DeriveRole maps the wire-level (role, affiliation) pair onto the focus's
// role ladder. Owners are recognized by affiliation, moderators by either a
// moderator role or an admin affiliation, visitors by role.
func DeriveRole(role, affiliation string) MemberRole {
	switch {
	case strings.EqualFold(affiliation, "owner"):
		return RoleOwner
	case strings.EqualFold(affiliation, "admin") || strings.EqualFold(role, "moderator"):
		return RoleModerator
	case strings.EqualFold(role, "visitor"):
		return RoleVisitor
	default:
		return RoleParticipant
	}
}

// Feature URIs announced by service robots.
const (
	FeatureRecorder    = "http://jitsi.org/protocol/jibri"
	FeatureSIPGateway  = "http://jitsi.org/protocol/jigasi"
	FeatureTranscriber = "http://jitsi.org/protocol/transcriber"
)

// FeatureSctp is announced by clients that want an SCTP data channel
// instead of the bridge websocket.
const FeatureSctp = "urn:xmpp:jingle:transports:dtls-sctp:1"

// Extension is an opaque payload the conference attaches to the focus's own
// presence. Key identifies the extension kind: setting a payload with an
// existing key replaces the previous one.
type Extension struct {
	Key     string
	Payload string
}
