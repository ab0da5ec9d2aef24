package xmpp

import (
	"fmt"
	"strings"

	"github.com/riverine/headwater/pkg/source"
)

// SourceInfo is one entry of the source-info presence payload: what a member
// says about one of its named sources.
type SourceInfo struct {
	Muted     bool
	VideoType source.VideoType
	MediaType source.MediaType
}

type sourceInfoJSON struct {
	Muted     *bool   `json:"muted"`
	VideoType *string `json:"videoType"`
	MediaType *string `json:"mediaType"`
}

// ParseSourceInfo decodes the source-info JSON payload: an object keyed by
// source name. A missing muted flag means muted. A missing mediaType is
// derived from the conventional "-a<n>" / "-v<n>" source name suffix.
func ParseSourceInfo(payload string) (map[string]SourceInfo, error) {
	var raw map[string]sourceInfoJSON
	if err := decodeStrict(payload, "source-info", &raw); err != nil {
		return nil, err
	}

	infos := make(map[string]SourceInfo, len(raw))
	for name, entry := range raw {
		info := SourceInfo{Muted: true}
		if entry.Muted != nil {
			info.Muted = *entry.Muted
		}
		if entry.VideoType != nil {
			videoType, err := parseVideoType(*entry.VideoType)
			if err != nil {
				return nil, &ParseError{Payload: "source-info", Err: err}
			}
			info.VideoType = videoType
		}
		if entry.MediaType != nil {
			mediaType, err := parseMediaType(*entry.MediaType)
			if err != nil {
				return nil, &ParseError{Payload: "source-info", Err: err}
			}
			info.MediaType = mediaType
		} else {
			mediaType, err := mediaTypeFromName(name)
			if err != nil {
				return nil, &ParseError{Payload: "source-info", Err: err}
			}
			info.MediaType = mediaType
		}
		infos[name] = info
	}
	return infos, nil
}

func parseMediaType(value string) (source.MediaType, error) {
	switch {
	case strings.EqualFold(value, string(source.MediaAudio)):
		return source.MediaAudio, nil
	case strings.EqualFold(value, string(source.MediaVideo)):
		return source.MediaVideo, nil
	default:
		return "", fmt.Errorf("unknown media type %q", value)
	}
}

func parseVideoType(value string) (source.VideoType, error) {
	switch {
	case strings.EqualFold(value, string(source.VideoTypeCamera)):
		return source.VideoTypeCamera, nil
	case strings.EqualFold(value, string(source.VideoTypeDesktop)):
		return source.VideoTypeDesktop, nil
	case strings.EqualFold(value, "none"), value == "":
		return source.VideoTypeNone, nil
	default:
		return "", fmt.Errorf("unknown video type %q", value)
	}
}

// mediaTypeFromName derives the media type from the "<endpoint>-a<n>" or
// "<endpoint>-v<n>" source name convention.
func mediaTypeFromName(name string) (source.MediaType, error) {
	dash := strings.LastIndex(name, "-")
	if dash < 0 {
		return "", fmt.Errorf("source name %q carries no media type and no -a<n>/-v<n> suffix", name)
	}
	suffix := name[dash+1:]
	if len(suffix) < 2 || !allDigits(suffix[1:]) {
		return "", fmt.Errorf("source name %q carries no media type and no -a<n>/-v<n> suffix", name)
	}
	switch suffix[0] {
	case 'a':
		return source.MediaAudio, nil
	case 'v':
		return source.MediaVideo, nil
	default:
		return "", fmt.Errorf("source name %q carries no media type and no -a<n>/-v<n> suffix", name)
	}
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
