package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"mellium.im/xmpp/jid"

	"github.com/riverine/headwater/pkg/auth"
	"github.com/riverine/headwater/pkg/bridge"
	"github.com/riverine/headwater/pkg/colibri"
	"github.com/riverine/headwater/pkg/conference"
	"github.com/riverine/headwater/pkg/muc"
	"github.com/riverine/headwater/pkg/routing"
	"github.com/riverine/headwater/pkg/signaling"
	"github.com/riverine/headwater/pkg/source"
	"github.com/riverine/headwater/pkg/xmpp"
)

// ErrNotConnected reports an outbound frame with no termination attached.
var ErrNotConnected = errors.New("gateway: no connection")

// errConnectionLost reports a colibri request whose connection died while the
// response was pending.
var errConnectionLost = errors.New("gateway: connection lost")

// maxFrameSize bounds one protocol line. A frame carries at most one
// conference's source snapshot, so a megabyte is generous.
const maxFrameSize = 1 << 20

// Config configures the gateway listener.
type Config struct {
	// Address is where the termination dials in: "unix:/path/to.sock" or
	// "tcp:host:port". A bare address is treated as tcp.
	Address string
	// StrictOccupantValidation rejects occupant nicks that are not
	// well-formed endpoint ids.
	StrictOccupantValidation bool
}

// Gateway accepts the termination connection and translates between wire
// frames and the typed core. It implements colibri.Sender,
// signaling.PeerSignaler and conference.RoomControl for the conferences, and
// produces the routing events that drive them. One termination connection is
// active at a time; a new one displaces the old (the termination reconnects
// after a restart).
type Gateway struct {
	logger   *logrus.Entry
	config   Config
	registry *bridge.Registry
	// verifier gates room admission; nil admits everyone (auth disabled).
	verifier auth.TokenVerifier

	events chan routing.Event

	listener net.Listener
	closed   chan struct{}

	mutex   sync.Mutex
	conn    net.Conn
	pending map[string]chan *colibri.Response
}

var (
	_ colibri.Sender         = (*Gateway)(nil)
	_ signaling.PeerSignaler = (*Gateway)(nil)
	_ conference.RoomControl = (*Gateway)(nil)
)

// NewGateway creates a gateway feeding bridge stats into the given registry
// and answering admission checks with the given verifier (nil disables
// them). Call Listen to start accepting.
func NewGateway(config Config, registry *bridge.Registry, verifier auth.TokenVerifier) *Gateway {
	return &Gateway{
		logger:   logrus.WithField("component", "gateway"),
		config:   config,
		registry: registry,
		verifier: verifier,
		events:   make(chan routing.Event, 256),
		closed:   make(chan struct{}),
		pending:  make(map[string]chan *colibri.Response),
	}
}

// Events is the stream of routing events decoded from the wire.
func (g *Gateway) Events() <-chan routing.Event {
	return g.events
}

// Listen binds the configured address and starts accepting connections.
func (g *Gateway) Listen() error {
	network, address := splitAddress(g.config.Address)
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	g.listener = listener
	g.logger.Infof("Listening on %s", g.config.Address)

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-g.closed:
				default:
					g.logger.WithError(err).Error("Accept failed")
				}
				return
			}
			g.attach(conn)
			go g.serve(conn)
		}
	}()
	return nil
}

// Close stops the listener, drops the connection and fails every pending
// colibri request.
func (g *Gateway) Close() {
	close(g.closed)
	if g.listener != nil {
		g.listener.Close()
	}
	g.mutex.Lock()
	conn := g.conn
	g.conn = nil
	g.failPendingLocked()
	g.mutex.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func splitAddress(address string) (string, string) {
	if strings.HasPrefix(address, "unix:") {
		return "unix", strings.TrimPrefix(address, "unix:")
	}
	return "tcp", strings.TrimPrefix(address, "tcp:")
}

func (g *Gateway) attach(conn net.Conn) {
	g.mutex.Lock()
	previous := g.conn
	g.conn = conn
	if previous != nil {
		// Responses are correlated per connection; requests sent on the old
		// one can never be answered on the new one.
		g.failPendingLocked()
	}
	g.mutex.Unlock()
	if previous != nil {
		g.logger.Warn("New connection displaces the old one")
		previous.Close()
	}
	g.logger.Infof("Termination connected from %s", conn.RemoteAddr())
}

// detach forgets the connection when its read loop exits. Pending requests
// fail only when the dying connection is still the active one.
func (g *Gateway) detach(conn net.Conn) {
	g.mutex.Lock()
	if g.conn == conn {
		g.conn = nil
		g.failPendingLocked()
	}
	g.mutex.Unlock()
	conn.Close()
}

func (g *Gateway) failPendingLocked() {
	for id, answer := range g.pending {
		close(answer)
		delete(g.pending, id)
	}
}

func (g *Gateway) serve(conn net.Conn) {
	defer g.detach(conn)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var frame Frame
		if err := json.Unmarshal(line, &frame); err != nil {
			g.logger.WithError(err).Warn("Dropping malformed frame")
			continue
		}
		g.handleFrame(&frame)
	}
	if err := scanner.Err(); err != nil {
		g.logger.WithError(err).Info("Connection closed")
	}
}

func (g *Gateway) handleFrame(frame *Frame) {
	switch frame.Type {
	case TypePresence:
		g.handlePresence(frame)
	case TypeConfigForm:
		g.emitPacket(frame.Room, conference.Packet{ConfigForm: frame.Form})
	case TypeRoomMetadata:
		if frame.Metadata != nil {
			g.emitPacket(frame.Room, conference.Packet{Metadata: frame.Metadata})
		}
	case TypeRoomDestroyed:
		g.emitPacket(frame.Room, conference.Packet{RoomDestroyed: true})
	case TypePeer:
		g.handlePeer(frame)
	case TypeBridges:
		for _, record := range frame.Bridges {
			g.registry.Upsert(record)
		}
	case TypeBridgesDown:
		g.handleBridgesDown(frame.Down)
	case TypeForceMute:
		targets := make([]source.EndpointID, len(frame.Targets))
		for i, target := range frame.Targets {
			targets[i] = source.EndpointID(target)
		}
		g.emitPacket(frame.Room, conference.Packet{ForceMute: &conference.ForceMute{
			Targets: targets,
			Audio:   frame.Audio,
			Video:   frame.Video,
		}})
	case TypeRecording:
		url := frame.URL
		g.emitPacket(frame.Room, conference.Packet{RecordingURL: &url})
	case TypeVisitorInvited:
		g.emitPacket(frame.Room, conference.Packet{VisitorInvited: true})
	case TypeColibriResponse:
		g.handleColibriResponse(frame)
	case TypeAdmit:
		g.handleAdmit(frame)
	default:
		g.logger.Warnf("Dropping frame of unknown type %q", frame.Type)
	}
}

func (g *Gateway) handlePresence(frame *Frame) {
	if frame.Presence == nil {
		g.logger.Warn("Dropping presence frame without a presence")
		return
	}
	room, err := xmpp.ParseRoom(frame.Room)
	if err != nil {
		g.logger.WithError(err).Warnf("Dropping presence for bad room %q", frame.Room)
		return
	}
	presence, err := decodePresence(frame.Presence, g.config.StrictOccupantValidation)
	if err != nil {
		g.logger.WithError(err).Warnf("Dropping presence from %q", frame.Presence.From)
		return
	}
	g.emit(routing.Event{Room: room, Packet: &conference.Packet{Presence: presence}})
}

func (g *Gateway) handlePeer(frame *Frame) {
	room, err := xmpp.ParseRoom(frame.Room)
	if err != nil {
		g.logger.WithError(err).Warnf("Dropping peer frame for bad room %q", frame.Room)
		return
	}
	if frame.Sender == "" {
		g.logger.Warn("Dropping peer frame without a sender")
		return
	}
	content, err := decodePeerPayload(frame.Kind, frame.Payload)
	if err != nil {
		g.logger.WithError(err).Warnf("Dropping %s from %s", frame.Kind, frame.Sender)
		return
	}
	g.emit(routing.Event{Room: room, Peer: &routing.PeerEvent{
		Sender:  source.EndpointID(frame.Sender),
		Content: content,
	}})
}

// handleBridgesDown marks the bridges gone in the registry and broadcasts
// the loss to every conference so stranded participants get re-invited.
func (g *Gateway) handleBridgesDown(jids []string) {
	if len(jids) == 0 {
		return
	}
	for _, bridgeJID := range jids {
		g.registry.MarkNonOperational(bridgeJID)
	}
	g.emit(routing.Event{Broadcast: &conference.Packet{BridgesDown: jids}})
}

func (g *Gateway) handleColibriResponse(frame *Frame) {
	if frame.Response == nil {
		g.logger.Warnf("Dropping empty colibri response %s", frame.ID)
		return
	}
	g.mutex.Lock()
	answer, waiting := g.pending[frame.ID]
	delete(g.pending, frame.ID)
	g.mutex.Unlock()
	if !waiting {
		g.logger.Warnf("Dropping colibri response %s nobody waits for", frame.ID)
		return
	}
	answer <- frame.Response
}

// handleAdmit answers an admission check: may the bearer of the token enter
// the room. With verification disabled everyone is admitted; the room claim
// is matched against the room node.
func (g *Gateway) handleAdmit(frame *Frame) {
	verdict := Frame{Type: TypeAdmitResult, ID: frame.ID, Room: frame.Room}

	switch {
	case g.verifier == nil:
		verdict.Allowed = true
	default:
		room, err := xmpp.ParseRoom(frame.Room)
		if err != nil {
			verdict.Reason = "bad room"
			break
		}
		claims, err := g.verifier.Verify(frame.Token)
		if err != nil {
			g.logger.WithError(err).Infof("Rejecting admission to %s", frame.Room)
			verdict.Reason = "invalid token"
			break
		}
		if !claims.AllowsRoom(room.Localpart()) {
			verdict.Reason = "room not covered by token"
			break
		}
		verdict.Allowed = true
	}

	if err := g.writeFrame(verdict); err != nil {
		g.logger.WithError(err).Warn("Dropping admission verdict")
	}
}

func (g *Gateway) emitPacket(room string, packet conference.Packet) {
	address, err := xmpp.ParseRoom(room)
	if err != nil {
		g.logger.WithError(err).Warnf("Dropping packet for bad room %q", room)
		return
	}
	g.emit(routing.Event{Room: address, Packet: &packet})
}

// emit blocks when the router falls behind; the connection read loop is the
// natural backpressure point.
func (g *Gateway) emit(event routing.Event) {
	select {
	case g.events <- event:
	case <-g.closed:
	}
}

func (g *Gateway) writeFrame(frame Frame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')

	g.mutex.Lock()
	defer g.mutex.Unlock()
	if g.conn == nil {
		return ErrNotConnected
	}
	_, err = g.conn.Write(payload)
	return err
}

// SendRequest implements colibri.Sender: it writes the request with a fresh
// correlation id and blocks until the response frame arrives, the context
// expires, or the connection dies.
func (g *Gateway) SendRequest(ctx context.Context, request colibri.Request) (*colibri.Response, error) {
	id := uuid.NewString()
	answer := make(chan *colibri.Response, 1)

	g.mutex.Lock()
	g.pending[id] = answer
	g.mutex.Unlock()
	defer func() {
		g.mutex.Lock()
		delete(g.pending, id)
		g.mutex.Unlock()
	}()

	if err := g.writeFrame(Frame{Type: TypeColibriRequest, ID: id, Request: &request}); err != nil {
		return nil, err
	}

	select {
	case response, delivered := <-answer:
		if !delivered {
			return nil, errConnectionLost
		}
		return response, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-g.closed:
		return nil, errConnectionLost
	}
}

// SendMessage implements signaling.PeerSignaler. Failures are logged and
// dropped; signaling over a dead connection has nobody to retry for.
func (g *Gateway) SendMessage(message signaling.Message) {
	kind, payload, err := encodeSignal(message.Content)
	if err != nil {
		g.logger.WithError(err).Error("Dropping outbound signal")
		return
	}
	frame := Frame{
		Type:    TypeSignal,
		To:      message.Recipient.Occupant.String(),
		Sender:  string(message.Recipient.EndpointID),
		Kind:    kind,
		Payload: payload,
	}
	if err := g.writeFrame(frame); err != nil {
		g.logger.WithError(err).Warnf("Dropping %s to %s", kind, frame.To)
	}
}

// GrantOwner implements conference.RoomControl.
func (g *Gateway) GrantOwner(occupant jid.JID) {
	err := g.writeFrame(Frame{Type: TypeGrantOwner, Occupant: occupant.String()})
	if err != nil {
		g.logger.WithError(err).Warnf("Dropping owner grant for %s", occupant)
	}
}

// PresenceSender builds the own-presence callback for one room.
func (g *Gateway) PresenceSender(room jid.JID) muc.PresenceSender {
	return func(extensions []xmpp.Extension) {
		frame := Frame{
			Type:       TypeOwnPresence,
			Room:       room.Bare().String(),
			Extensions: extensions,
		}
		if err := g.writeFrame(frame); err != nil {
			g.logger.WithError(err).Warn("Dropping own-presence update")
		}
	}
}
