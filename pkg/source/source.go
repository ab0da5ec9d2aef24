// Package source holds the canonical representation of the RTP sources and
// source groups that conference endpoints advertise, and the conference-wide
// bookkeeping that keeps them consistent. Nothing here touches the wire: the
// chat room hands us already-decoded advertisements and the conference
// controller decides what to do with the verdicts.
package source

import (
	"fmt"
	"math"
)

// EndpointID is the room-scoped stable identifier of a media endpoint (the
// resource part of the occupant address). It keys every per-endpoint
// structure in the focus.
type EndpointID string

// Ssrc is an RTP synchronization source identifier. The zero value is not a
// valid SSRC on the wire and is rejected by the validator.
type Ssrc uint32

// ParseSsrc validates a wire-side numeric value. Advertisements arrive as
// arbitrary integers, so the range check has to happen before the value is
// narrowed to 32 bits.
func ParseSsrc(value int64) (Ssrc, error) {
	if value < 1 || value > math.MaxUint32 {
		return 0, &ValidationError{
			Code:    CodeInvalidSsrc,
			Message: fmt.Sprintf("ssrc %d outside [1, 2^32-1]", value),
		}
	}

	return Ssrc(value), nil
}

// MediaType of a source. Only audio and video exist in this model; anything
// else is a parse error at the boundary.
type MediaType string

const (
	MediaAudio MediaType = "audio"
	MediaVideo MediaType = "video"
)

// VideoType is the advertised flavor of a video source.
type VideoType string

const (
	VideoTypeNone    VideoType = ""
	VideoTypeCamera  VideoType = "camera"
	VideoTypeDesktop VideoType = "desktop"
)

// Source is the immutable description of a single RTP source. Sources are
// compared by value; two advertisements of the same SSRC with different
// attributes are a conflict, not an update.
type Source struct {
	Ssrc      Ssrc
	MediaType MediaType
	// Name is the semantic source name ("<endpoint>-v0" style) if the
	// endpoint signals source names.
	Name string
	// Cname is the RTCP canonical name shared by all sources of a stream.
	Cname string
	// Msid is the WebRTC media-stream and track identifier pair
	// ("<stream> <track>"). Empty for sources that do not belong to a
	// local stream (e.g. FEC secondaries).
	Msid string
	// VideoType is only meaningful for video sources.
	VideoType VideoType
}

func (s Source) String() string {
	if s.Msid == "" {
		return fmt.Sprintf("%s:%d", s.MediaType, s.Ssrc)
	}
	return fmt.Sprintf("%s:%d[%s]", s.MediaType, s.Ssrc, s.Msid)
}
