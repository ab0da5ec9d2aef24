package xmpp

// RoomMetadata is the room-metadata JSON message the metadata service pushes
// after join. Every field is optional on the wire; absent fields keep the
// room's previous value.
type RoomMetadata struct {
	Visitors              *VisitorsMetadata  `json:"visitors"`
	StartMuted            *StartMuted        `json:"startMuted"`
	Moderators            []string           `json:"moderators"`
	Participants          []string           `json:"participants"`
	Recording             *RecordingMetadata `json:"recording"`
	AsyncTranscription    bool               `json:"asyncTranscription"`
	ParticipantsSoftLimit *int               `json:"participantsSoftLimit"`
	VisitorsEnabled       *bool              `json:"visitorsEnabled"`
}

// VisitorsMetadata carries the live flag that opens the room to visitors.
type VisitorsMetadata struct {
	Live bool `json:"live"`
}

// StartMuted tells joining participants which media to start muted.
type StartMuted struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

// RecordingMetadata carries the transcription switches.
type RecordingMetadata struct {
	IsTranscribingEnabled bool `json:"isTranscribingEnabled"`
}

// ParseRoomMetadata decodes a room-metadata payload with the strict rules
// (duplicate keys rejected, unknown fields ignored).
func ParseRoomMetadata(payload string) (*RoomMetadata, error) {
	var metadata RoomMetadata
	if err := decodeStrict(payload, "room-metadata", &metadata); err != nil {
		return nil, err
	}
	return &metadata, nil
}
