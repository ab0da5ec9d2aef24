package muc

import (
	"strings"
	"time"

	"golang.org/x/exp/slices"
	"mellium.im/xmpp/jid"

	"github.com/riverine/headwater/pkg/source"
	"github.com/riverine/headwater/pkg/xmpp"
)

// Member is the room's view of one occupant, derived entirely from its
// presence. Values handed to listeners are snapshots: mutating them does not
// touch room state.
type Member struct {
	Occupant jid.JID
	ID       source.EndpointID
	JoinedAt time.Time

	Role    xmpp.MemberRole
	Robot   bool
	Caps    string
	Region  string
	StatsID string

	// Features is the raw feature list from the presence. Service-robot
	// claims in it are only honored for trusted domains (the flags below);
	// transport capabilities are read by anyone.
	Features []string

	// Codecs is the ordered video codec preference, lowercased, with vp8
	// appended as the universal fallback.
	Codecs []string

	// SourceInfos is the decoded source-info payload; nil means the member
	// never sent one and the legacy mute flags were used instead.
	SourceInfos map[string]xmpp.SourceInfo

	// SendsAudio/SendsVideo denote at least one unmuted source of that
	// media type. They feed the room's sender counts.
	SendsAudio bool
	SendsVideo bool

	// Service-robot claims, honored only for trusted origin domains.
	Recorder    bool
	SIPGateway  bool
	Transcriber bool
}

// IsVisitor reports whether the member is view-only.
func (m Member) IsVisitor() bool {
	return m.Role == xmpp.RoleVisitor
}

// clone returns a deep copy safe to hand out of the room lock.
func (m Member) clone() Member {
	copied := m
	copied.Codecs = slices.Clone(m.Codecs)
	copied.Features = slices.Clone(m.Features)
	if m.SourceInfos != nil {
		copied.SourceInfos = make(map[string]xmpp.SourceInfo, len(m.SourceInfos))
		for name, info := range m.SourceInfos {
			copied.SourceInfos[name] = info
		}
	}
	return copied
}

func deriveMember(
	presence *xmpp.Presence,
	infos map[string]xmpp.SourceInfo,
	hasInfos bool,
	trustedDomains []string,
) Member {
	member := Member{
		Occupant: presence.From,
		ID:       presence.EndpointID(),
		Role:     xmpp.RoleParticipant,
		Region:   presence.Region,
		StatsID:  presence.StatsID,
		Codecs:   codecPreference(presence),
		Features: slices.Clone(presence.Features),
	}
	if presence.MUCUser != nil {
		member.Role = xmpp.DeriveRole(presence.MUCUser.Role, presence.MUCUser.Affiliation)
	}
	if presence.UserInfo != nil {
		member.Robot = presence.UserInfo.Robot
	}
	if presence.Caps != nil {
		member.Caps = presence.Caps.String()
	}

	if hasInfos {
		member.SourceInfos = infos
		for _, info := range infos {
			if info.Muted {
				continue
			}
			switch info.MediaType {
			case source.MediaAudio:
				member.SendsAudio = true
			case source.MediaVideo:
				member.SendsVideo = true
			}
		}
	} else {
		// Legacy flags: absent means muted.
		member.SendsAudio = presence.AudioMuted != nil && !*presence.AudioMuted
		member.SendsVideo = presence.VideoMuted != nil && !*presence.VideoMuted
	}

	if trustedOrigin(presence, trustedDomains) {
		for _, feature := range presence.Features {
			switch feature {
			case xmpp.FeatureRecorder:
				member.Recorder = true
			case xmpp.FeatureSIPGateway:
				member.SIPGateway = true
			case xmpp.FeatureTranscriber:
				member.Transcriber = true
			}
		}
	}
	return member
}

// codecPreference builds the ordered codec list from the presence, falling
// back to the legacy single-codec extension, always ending with vp8.
func codecPreference(presence *xmpp.Presence) []string {
	var codecs []string
	for _, codec := range presence.CodecList {
		codec = strings.ToLower(strings.TrimSpace(codec))
		if codec != "" && !slices.Contains(codecs, codec) {
			codecs = append(codecs, codec)
		}
	}
	if len(codecs) == 0 && presence.CodecType != "" {
		codecs = append(codecs, strings.ToLower(presence.CodecType))
	}
	if !slices.Contains(codecs, "vp8") {
		codecs = append(codecs, "vp8")
	}
	return codecs
}

// trustedOrigin reports whether the member's real address is disclosed and
// its domain is in the trusted list. Anonymous occupants are never trusted.
func trustedOrigin(presence *xmpp.Presence, trustedDomains []string) bool {
	if presence.MUCUser == nil || presence.MUCUser.JID == "" {
		return false
	}
	real, err := jid.Parse(presence.MUCUser.JID)
	if err != nil {
		return false
	}
	domain := real.Domainpart()
	for _, trusted := range trustedDomains {
		if strings.EqualFold(domain, trusted) {
			return true
		}
	}
	return false
}

func sourceInfosEqual(a, b map[string]xmpp.SourceInfo) bool {
	if len(a) != len(b) {
		return false
	}
	for name, info := range a {
		other, ok := b[name]
		if !ok || other != info {
			return false
		}
	}
	return true
}
