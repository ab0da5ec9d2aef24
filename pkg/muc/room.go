// Package muc tracks the control-plane chat room of one conference: who is
// in it, in which role, with which advertised sources, and what the focus's
// own presence looks like. It consumes decoded presence packets and emits
// higher-level membership events; it never talks to the wire itself.
package muc

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
	"mellium.im/xmpp/jid"

	"github.com/riverine/headwater/pkg/source"
	"github.com/riverine/headwater/pkg/worker"
	"github.com/riverine/headwater/pkg/xmpp"
)

// Listener receives room events. Dispatch is synchronous and happens inside
// the room lock, so events arrive in wire order; implementations must not
// call back into the room from the callback.
type Listener interface {
	MemberJoined(member Member)
	MemberLeft(member Member)
	MemberKicked(member Member)
	MemberRoleChanged(member Member, previous xmpp.MemberRole)
	MemberSourceInfoChanged(member Member)
	SenderCountsChanged(audio, video int)
	ConfigReloaded(form xmpp.ConfigForm)
	MetadataUpdated(metadata xmpp.RoomMetadata)
	RoomDestroyed()
}

// PresenceSender pushes the focus's own presence to the wire. It is called
// with the full extension list every time the list changes.
type PresenceSender func(extensions []xmpp.Extension)

// Config carries the static parameters of one room.
type Config struct {
	Address   jid.JID
	LocalNick string
	// TrustedDomains may claim service-robot roles.
	TrustedDomains []string
	// VisitorInviteWindow is how long an issued visitor invite counts
	// against the visitor total before it expires unused.
	VisitorInviteWindow time.Duration
}

// Room is the presence-driven membership state of one conference room.
//
// The lock is held for a whole ProcessPresence, listener dispatch included.
// Presence arrives from the conference queue, so the lock sees no contention
// there; it exists for the accessors other goroutines use (selector,
// metrics, admin).
type Room struct {
	logger       *logrus.Entry
	address      jid.JID
	localNick    string
	trusted      []string
	listener     Listener
	sendPresence PresenceSender

	lock             sync.Mutex
	members          map[source.EndpointID]*Member
	audioSenders     int
	videoSenders     int
	visitorCount     int
	pendingVisitors  *worker.SlidingWindow
	form             xmpp.ConfigForm
	meetingID        string
	metadata         *xmpp.RoomMetadata
	metadataReady    chan struct{}
	metadataSignaled bool
	destroyed        bool
	ownPresence      []xmpp.Extension
}

// NewRoom creates the room state for one conference. The meeting id starts
// as a fresh UUID and is replaced if the room configuration form carries one.
func NewRoom(config Config, listener Listener, sender PresenceSender) *Room {
	return &Room{
		logger:          logrus.WithField("room", config.Address.String()),
		address:         config.Address,
		localNick:       config.LocalNick,
		trusted:         config.TrustedDomains,
		listener:        listener,
		sendPresence:    sender,
		members:         make(map[source.EndpointID]*Member),
		pendingVisitors: worker.NewSlidingWindow(config.VisitorInviteWindow),
		meetingID:       uuid.NewString(),
		metadataReady:   make(chan struct{}),
	}
}

// Address is the bare room address identifying the conference.
func (r *Room) Address() jid.JID {
	return r.address
}

// ProcessPresence applies one decoded presence packet. Packets from the
// focus's own occupant are skipped (the room service reflects them back);
// malformed source-info payloads drop the packet with a warning.
func (r *Room) ProcessPresence(presence *xmpp.Presence) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.destroyed {
		return
	}
	if presence.From.Resourcepart() == r.localNick {
		return
	}

	if presence.Type == xmpp.PresenceUnavailable {
		r.removeMemberLocked(presence.EndpointID(), presence.Kicked())
		return
	}
	r.upsertMemberLocked(presence)
}

func (r *Room) upsertMemberLocked(presence *xmpp.Presence) {
	var infos map[string]xmpp.SourceInfo
	hasInfos := presence.SourceInfo != nil
	if hasInfos {
		parsed, err := xmpp.ParseSourceInfo(*presence.SourceInfo)
		if err != nil {
			r.logger.WithError(err).Warnf("Dropping presence from %s", presence.From)
			return
		}
		infos = parsed
	}

	derived := deriveMember(presence, infos, hasInfos, r.trusted)
	existing, known := r.members[derived.ID]
	if !known {
		derived.JoinedAt = time.Now()
		member := derived
		r.members[member.ID] = &member
		if member.IsVisitor() {
			r.visitorCount++
		}
		r.adjustSendersLocked(senderDelta(false, member.SendsAudio), senderDelta(false, member.SendsVideo))
		r.listener.MemberJoined(member.clone())
		return
	}

	previousRole := existing.Role
	if previousRole.IsVisitor() != derived.Role.IsVisitor() {
		r.logger.Warnf("Refusing visitor role transition for %s (%s -> %s)",
			derived.ID, previousRole, derived.Role)
		derived.Role = previousRole
	}

	infosChanged := hasInfos != (existing.SourceInfos != nil) ||
		!sourceInfosEqual(existing.SourceInfos, derived.SourceInfos)
	audioDelta := senderDelta(existing.SendsAudio, derived.SendsAudio)
	videoDelta := senderDelta(existing.SendsVideo, derived.SendsVideo)

	derived.JoinedAt = existing.JoinedAt
	*existing = derived

	r.adjustSendersLocked(audioDelta, videoDelta)
	if existing.Role != previousRole {
		r.listener.MemberRoleChanged(existing.clone(), previousRole)
	}
	if infosChanged {
		r.listener.MemberSourceInfoChanged(existing.clone())
	}
}

func (r *Room) removeMemberLocked(endpoint source.EndpointID, kicked bool) {
	member, known := r.members[endpoint]
	if !known {
		return
	}
	delete(r.members, endpoint)
	if member.IsVisitor() && r.visitorCount > 0 {
		r.visitorCount--
	}
	r.adjustSendersLocked(senderDelta(member.SendsAudio, false), senderDelta(member.SendsVideo, false))
	if kicked {
		r.listener.MemberKicked(member.clone())
	} else {
		r.listener.MemberLeft(member.clone())
	}
}

func (r *Room) adjustSendersLocked(audioDelta, videoDelta int) {
	if audioDelta == 0 && videoDelta == 0 {
		return
	}
	// Sender counts never go below zero.
	r.audioSenders += audioDelta
	if r.audioSenders < 0 {
		r.audioSenders = 0
	}
	r.videoSenders += videoDelta
	if r.videoSenders < 0 {
		r.videoSenders = 0
	}
	r.listener.SenderCountsChanged(r.audioSenders, r.videoSenders)
}

func senderDelta(before, after bool) int {
	switch {
	case !before && after:
		return 1
	case before && !after:
		return -1
	default:
		return 0
	}
}

// Member returns a snapshot of one member.
func (r *Room) Member(id source.EndpointID) (Member, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	member, ok := r.members[id]
	if !ok {
		return Member{}, false
	}
	return member.clone(), true
}

// Members returns a snapshot of all members, ordered by endpoint id.
func (r *Room) Members() []Member {
	r.lock.Lock()
	defer r.lock.Unlock()
	members := make([]Member, 0, len(r.members))
	for _, member := range r.members {
		members = append(members, member.clone())
	}
	slices.SortFunc(members, func(a, b Member) bool { return a.ID < b.ID })
	return members
}

// MemberCount is the number of occupants, visitors included.
func (r *Room) MemberCount() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.members)
}

// AudioSendersCount is the number of members with at least one unmuted
// audio source.
func (r *Room) AudioSendersCount() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.audioSenders
}

// VideoSendersCount is the number of members with at least one unmuted
// video source.
func (r *Room) VideoSendersCount() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.videoSenders
}

// VisitorCount reports joined visitors plus invites still inside the expiry
// window, so that admission control does not double-book slots.
func (r *Room) VisitorCount() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.visitorCount + r.pendingVisitors.Count()
}

// NoteVisitorInvited records an issued visitor invite in the pending window.
func (r *Room) NoteVisitorInvited() {
	r.pendingVisitors.Note()
}

// HasOwner reports whether any current member holds the owner role.
func (r *Room) HasOwner() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	for _, member := range r.members {
		if member.Role == xmpp.RoleOwner {
			return true
		}
	}
	return false
}

// ReloadConfig applies a freshly read room configuration form.
func (r *Room) ReloadConfig(fields map[string]string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	form := xmpp.ParseConfigForm(fields)
	r.form = form
	if form.MeetingID != "" {
		r.meetingID = form.MeetingID
	}
	r.listener.ConfigReloaded(form)
}

// Form returns the last applied configuration form.
func (r *Room) Form() xmpp.ConfigForm {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.form
}

// MeetingID identifies the conference toward the bridges.
func (r *Room) MeetingID() string {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.meetingID
}

// HandleMetadata applies a room-metadata message. Malformed payloads are
// logged and dropped; fields present in the payload win over the config
// form (metadata arrives after join).
func (r *Room) HandleMetadata(payload string) {
	metadata, err := xmpp.ParseRoomMetadata(payload)
	if err != nil {
		r.logger.WithError(err).Warn("Dropping malformed room metadata")
		return
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	r.metadata = metadata
	if metadata.VisitorsEnabled != nil {
		r.form.VisitorsEnabled = metadata.VisitorsEnabled
	}
	if metadata.ParticipantsSoftLimit != nil {
		r.form.ParticipantsSoftLimit = metadata.ParticipantsSoftLimit
	}
	if !r.metadataSignaled {
		r.metadataSignaled = true
		close(r.metadataReady)
	}
	r.listener.MetadataUpdated(*metadata)
}

// Metadata returns the last received room metadata, nil before the first
// message.
func (r *Room) Metadata() *xmpp.RoomMetadata {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.metadata
}

// AwaitMetadata blocks until the first room-metadata message or the timeout,
// whichever comes first. Used on join when conference presets are enabled.
func (r *Room) AwaitMetadata(timeout time.Duration) *xmpp.RoomMetadata {
	r.lock.Lock()
	if r.metadata != nil {
		metadata := r.metadata
		r.lock.Unlock()
		return metadata
	}
	ready := r.metadataReady
	r.lock.Unlock()

	select {
	case <-ready:
		return r.Metadata()
	case <-time.After(timeout):
		return nil
	}
}

// Destroyed marks the room as gone and tells the listener. Later presence
// is ignored.
func (r *Room) Destroyed() {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.destroyed {
		return
	}
	r.destroyed = true
	r.listener.RoomDestroyed()
}

// SetPresenceExtension replaces (or adds) one extension of the focus's own
// presence and emits an update if anything changed.
func (r *Room) SetPresenceExtension(extension xmpp.Extension) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.setExtensionLocked(extension) {
		r.emitPresenceLocked()
	}
}

// AddPresenceExtensionIfMissing adds the extension only when no extension
// with the same key is present.
func (r *Room) AddPresenceExtensionIfMissing(extension xmpp.Extension) {
	r.lock.Lock()
	defer r.lock.Unlock()
	for _, existing := range r.ownPresence {
		if existing.Key == extension.Key {
			return
		}
	}
	r.ownPresence = append(r.ownPresence, extension)
	r.emitPresenceLocked()
}

// AddPresenceExtensions applies a batch of extensions with at most one
// emitted update.
func (r *Room) AddPresenceExtensions(extensions ...xmpp.Extension) {
	r.lock.Lock()
	defer r.lock.Unlock()
	changed := false
	for _, extension := range extensions {
		if r.setExtensionLocked(extension) {
			changed = true
		}
	}
	if changed {
		r.emitPresenceLocked()
	}
}

// RemovePresenceExtensions drops the extensions with the given keys and
// emits an update if any were present.
func (r *Room) RemovePresenceExtensions(keys ...string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	kept := r.ownPresence[:0]
	removed := false
	for _, extension := range r.ownPresence {
		if slices.Contains(keys, extension.Key) {
			removed = true
			continue
		}
		kept = append(kept, extension)
	}
	r.ownPresence = kept
	if removed {
		r.emitPresenceLocked()
	}
}

// OwnPresence returns a copy of the current own-presence extension list.
func (r *Room) OwnPresence() []xmpp.Extension {
	r.lock.Lock()
	defer r.lock.Unlock()
	return slices.Clone(r.ownPresence)
}

func (r *Room) setExtensionLocked(extension xmpp.Extension) bool {
	for i, existing := range r.ownPresence {
		if existing.Key == extension.Key {
			if existing.Payload == extension.Payload {
				return false
			}
			r.ownPresence[i] = extension
			return true
		}
	}
	r.ownPresence = append(r.ownPresence, extension)
	return true
}

func (r *Room) emitPresenceLocked() {
	if r.sendPresence == nil {
		return
	}
	r.sendPresence(slices.Clone(r.ownPresence))
}
