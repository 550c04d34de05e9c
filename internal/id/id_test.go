package id

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	got := New(PrefixSession)
	require.True(t, strings.HasPrefix(got, "ses_"), "id %q missing prefix", got)
	assert.Len(t, got, len(PrefixSession)+1+DefaultLength)
}

func TestNewWithLength(t *testing.T) {
	got := NewWithLength(PrefixCommand, 21)
	require.True(t, strings.HasPrefix(got, "cmd_"), "id %q missing prefix", got)
	assert.Len(t, got, len(PrefixCommand)+1+21)
}

func TestClientIDUniquePerCall(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		cid := ClientID("voice_router")
		require.True(t, strings.HasPrefix(cid, "alicia-voice_router-cli_"), "client id %q", cid)
		assert.False(t, seen[cid], "client id %q repeated", cid)
		seen[cid] = true
	}
}

func TestHelpersUseTheirPrefix(t *testing.T) {
	assert.True(t, strings.HasPrefix(NewSession(), PrefixSession+"_"))
	assert.True(t, strings.HasPrefix(NewCommand(), PrefixCommand+"_"))
}
