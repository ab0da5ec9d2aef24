package xmpp

import (
	"fmt"

	"mellium.im/xmpp/jid"

	"github.com/riverine/headwater/pkg/source"
)

// ParseRoom parses a room address and normalizes it to its bare form. The
// bare room address is the conference identifier everywhere in the focus.
func ParseRoom(address string) (jid.JID, error) {
	parsed, err := jid.Parse(address)
	if err != nil {
		return jid.JID{}, fmt.Errorf("invalid room address %q: %w", address, err)
	}
	if parsed.Localpart() == "" {
		return jid.JID{}, fmt.Errorf("room address %q has no local part", address)
	}
	return parsed.Bare(), nil
}

// ParseOccupant parses a full occupant address (room@service/nick). In
// strict mode the whole address goes through the usual preparation and
// validation; lenient mode skips it for the sake of clients that put raw,
// unescaped endpoint ids in the nick.
func ParseOccupant(address string, strict bool) (jid.JID, error) {
	var (
		parsed jid.JID
		err    error
	)
	if strict {
		parsed, err = jid.Parse(address)
	} else {
		var unsafe jid.Unsafe
		unsafe, err = jid.ParseUnsafe(address)
		parsed = unsafe.JID
	}
	if err != nil {
		return jid.JID{}, fmt.Errorf("invalid occupant address %q: %w", address, err)
	}
	if parsed.Resourcepart() == "" {
		return jid.JID{}, fmt.Errorf("occupant address %q has no nick", address)
	}
	return parsed, nil
}

// OccupantEndpointID extracts the endpoint id of an occupant: the nick,
// which clients set to their endpoint id when joining.
func OccupantEndpointID(occupant jid.JID) source.EndpointID {
	return source.EndpointID(occupant.Resourcepart())
}
