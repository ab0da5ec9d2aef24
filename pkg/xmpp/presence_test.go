package xmpp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riverine/headwater/pkg/source"
)

func TestDeriveRole(t *testing.T) {
	cases := []struct {
		role        string
		affiliation string
		want        MemberRole
	}{
		{"participant", "owner", RoleOwner},
		{"moderator", "owner", RoleOwner},
		{"moderator", "none", RoleModerator},
		{"participant", "admin", RoleModerator},
		{"participant", "member", RoleParticipant},
		{"participant", "none", RoleParticipant},
		{"visitor", "none", RoleVisitor},
		{"VISITOR", "NONE", RoleVisitor},
		{"", "", RoleParticipant},
	}
	for _, c := range cases {
		assert.Equalf(t, c.want, DeriveRole(c.role, c.affiliation),
			"role=%q affiliation=%q", c.role, c.affiliation)
	}
}

func TestRoleOrdering(t *testing.T) {
	assert.True(t, RoleVisitor < RoleParticipant)
	assert.True(t, RoleParticipant < RoleModerator)
	assert.True(t, RoleModerator < RoleOwner)
	assert.True(t, RoleOwner.HasModeratorRights())
	assert.True(t, RoleModerator.HasModeratorRights())
	assert.False(t, RoleParticipant.HasModeratorRights())
}

func TestPresenceKicked(t *testing.T) {
	presence := &Presence{
		Type:    PresenceUnavailable,
		MUCUser: &MUCUser{Role: "none", StatusCodes: []int{StatusKicked}},
	}
	assert.True(t, presence.Kicked())

	presence.MUCUser.StatusCodes = nil
	assert.False(t, presence.Kicked())

	presence.MUCUser = nil
	assert.False(t, presence.Kicked())
}

func TestParseOccupant(t *testing.T) {
	occupant, err := ParseOccupant("room@conference.example.com/abcd1234", true)
	require.NoError(t, err)
	assert.Equal(t, source.EndpointID("abcd1234"), OccupantEndpointID(occupant))
	assert.Equal(t, "room@conference.example.com", occupant.Bare().String())

	_, err = ParseOccupant("room@conference.example.com", true)
	assert.Error(t, err, "an occupant address needs a nick")
}

func TestParseOccupantLenient(t *testing.T) {
	lenient, err := ParseOccupant("room@conference.example.com/user name@host", false)
	require.NoError(t, err)
	assert.Equal(t, "user name@host", lenient.Resourcepart())

	_, err = ParseOccupant("room@conference.example.com/", false)
	assert.Error(t, err, "an occupant address needs a nick")
}

func TestParseRoom(t *testing.T) {
	room, err := ParseRoom("Weekly@conference.example.com/ignored")
	require.NoError(t, err)
	assert.Equal(t, "", room.Resourcepart())
	assert.Equal(t, "conference.example.com", room.Domainpart())

	_, err = ParseRoom("conference.example.com")
	assert.Error(t, err, "a room address needs a local part")
}
