package messages

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAction(t *testing.T) {
	tests := []struct {
		tag     string
		want    Action
		wantErr bool
	}{
		{tag: "begin-cycle", want: ActionBeginCycle},
		{tag: "world-ready", want: ActionWorldReady},
		{tag: "move-players", want: ActionMovePlayers},
		{tag: "BEGIN-CYCLE", want: ActionUnknown, wantErr: true},
		{tag: "", want: ActionUnknown, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			got, err := ParseAction(tt.tag)
			assert.Equal(t, tt.want, got)
			if tt.wantErr {
				assert.True(t, IsUnknownAction(err))
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.tag, got.String())
		})
	}
}

func TestDecodeBody(t *testing.T) {
	caller := uuid.MustParse("0f4e5c6a-1111-4a2b-9c3d-5e6f7a8b9c0d")
	tests := []struct {
		name    string
		body    string
		want    Message
		wantErr bool
		unknown bool
	}{
		{
			name: "minimal",
			body: `{"action":"begin-cycle","caller":""}`,
			want: Message{Action: ActionBeginCycle},
		},
		{
			name: "with caller",
			body: `{"action":"world-ready","caller":"` + caller.String() + `"}`,
			want: Message{Action: ActionWorldReady, Caller: caller},
		},
		{
			name: "null caller",
			body: `{"action":"move-players","caller":"null"}`,
			want: Message{Action: ActionMovePlayers},
		},
		{
			name:    "unknown action",
			body:    `{"action":"explode","caller":""}`,
			wantErr: true,
			unknown: true,
		},
		{
			name:    "bad caller",
			body:    `{"action":"begin-cycle","caller":"steve"}`,
			wantErr: true,
		},
		{
			name:    "not json",
			body:    `action=begin-cycle`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeBody([]byte(tt.body))
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.unknown, IsUnknownAction(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncodeBody_KeepsIdentity(t *testing.T) {
	m := NewMessage(ActionBeginCycle, uuid.New())
	m.IssuedAt = time.UnixMilli(m.IssuedAt.UnixMilli())

	b, err := EncodeBody(m)
	require.NoError(t, err)
	got, err := DecodeBody(b)
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, m.Caller, got.Caller)
	assert.True(t, m.IssuedAt.Equal(got.IssuedAt))

	_, err = EncodeBody(Message{})
	assert.Error(t, err)
}
