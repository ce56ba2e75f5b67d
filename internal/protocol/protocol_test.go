package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGreeting(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Role
		wantErr bool
	}{
		{in: "SORC", want: RoleSource},
		{in: "ASRC", want: RoleActivationSource},
		{in: "SINK", want: RoleSink},
		{in: "RSNK", want: RoleRawSink},
		{in: "RECS", want: RoleRecordingSink},
		{in: "GET ", wantErr: true},
		{in: "sorc", wantErr: true},
		{in: "SOR", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseGreeting([]byte(tt.in))
			if tt.wantErr {
				require.ErrorIs(t, err, ErrUnknownGreeting)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			g := got.Greeting()
			assert.Equal(t, tt.in, string(g[:]))
		})
	}
}

func TestRoleIsSource(t *testing.T) {
	t.Parallel()

	assert.True(t, RoleSource.IsSource())
	assert.True(t, RoleActivationSource.IsSource())
	assert.False(t, RoleSink.IsSource())
	assert.False(t, RoleRecordingSink.IsSource())
	assert.Equal(t, "raw-sink", RoleRawSink.String())
}

func TestSinkHeader(t *testing.T) {
	t.Parallel()

	for _, flag := range []SinkFlag{FlagNone, FlagCut, FlagOverflow, FlagStop} {
		h := SinkHeader(flag)
		assert.Equal(t, [SinkHeaderSize]byte{byte(flag), 0, 0, 0}, h)
		got, err := ParseSinkHeader(h[:])
		require.NoError(t, err)
		assert.Equal(t, flag, got)
	}
	_, err := ParseSinkHeader([]byte{'C'})
	assert.Error(t, err)
}

func TestTally(t *testing.T) {
	t.Parallel()

	on := Tally(true)
	off := Tally(false)
	assert.Equal(t, [TallySize]byte{1, 0, 0, 0}, on)
	assert.Equal(t, [TallySize]byte{}, off)

	active, err := ParseTally(on[:])
	require.NoError(t, err)
	assert.True(t, active)
	active, err = ParseTally(off[:])
	require.NoError(t, err)
	assert.False(t, active)
}
