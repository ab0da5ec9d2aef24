package xmpp

import (
	"strconv"
	"strings"
)

// Room configuration form fields the focus reads on join.
const (
	FormMeetingID                = "muc#roominfo_meetingId"
	FormIsBreakout               = "muc#roominfo_isbreakout"
	FormMainRoom                 = "muc#roominfo_breakout_main_room"
	FormMembersOnly              = "muc#roomconfig_membersonly"
	FormVisitorsEnabled          = "muc#roominfo_visitorsEnabled"
	FormParticipantsSoftLimit    = "muc#roominfo_participantsSoftLimit"
	FormConferencePresetsEnabled = "muc#roominfo_conferencePresetsEnabled"
)

// ConfigForm is the decoded subset of the room configuration form.
type ConfigForm struct {
	MeetingID  string
	IsBreakout bool
	// MainRoom is the parent room of a breakout room.
	MainRoom string
	// MembersOnly is the lobby switch.
	MembersOnly              bool
	VisitorsEnabled          *bool
	ParticipantsSoftLimit    *int
	ConferencePresetsEnabled bool
}

// ParseConfigForm extracts the recognized fields from a raw form. Unknown
// fields are ignored, malformed values fall back to the absent behavior.
func ParseConfigForm(fields map[string]string) ConfigForm {
	form := ConfigForm{
		MeetingID:                fields[FormMeetingID],
		IsBreakout:               formBool(fields, FormIsBreakout),
		MainRoom:                 fields[FormMainRoom],
		MembersOnly:              formBool(fields, FormMembersOnly),
		ConferencePresetsEnabled: formBool(fields, FormConferencePresetsEnabled),
	}
	if raw, ok := fields[FormVisitorsEnabled]; ok {
		if value, valid := parseFormBool(raw); valid {
			form.VisitorsEnabled = &value
		}
	}
	if raw, ok := fields[FormParticipantsSoftLimit]; ok {
		if limit, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
			form.ParticipantsSoftLimit = &limit
		}
	}
	return form
}

func formBool(fields map[string]string, key string) bool {
	value, valid := parseFormBool(fields[key])
	return valid && value
}

// parseFormBool accepts the two boolean spellings data forms use.
func parseFormBool(raw string) (value, valid bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true":
		return true, true
	case "0", "false":
		return false, true
	default:
		return false, false
	}
}
