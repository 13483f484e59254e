package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseRole(t *testing.T) {
	tests := []struct {
		input   string
		want    Role
		wantErr bool
	}{
		{input: "hardcore", want: RoleHardcore},
		{input: " Lobby ", want: RoleLobby},
		{input: "proxy", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseRole(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRole_Peer(t *testing.T) {
	assert.Equal(t, RoleLobby, RoleHardcore.Peer())
	assert.Equal(t, RoleHardcore, RoleLobby.Peer())
	assert.Equal(t, DestinationLobby, DestinationOf(RoleHardcore.Peer()))
	assert.Equal(t, DestinationHardcore, DestinationOf(RoleHardcore))
}
