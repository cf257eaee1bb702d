package credentials

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewManagerRejectsEmpty(t *testing.T) {
	_, err := NewManager(nil, zap.NewNop())
	require.Error(t, err)
}

func TestNextRoundRobin(t *testing.T) {
	m, err := NewManager([]string{"a=1", "b=2", "c=3"}, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, 0, m.Next().Slot)
	assert.Equal(t, 1, m.Next().Slot)
	assert.Equal(t, 2, m.Next().Slot)
	assert.Equal(t, 0, m.Next().Slot)
}

func TestParseCookieHeader(t *testing.T) {
	cookies, err := ParseCookieHeader("sessionid=abc; msToken=xy=z; ")
	require.NoError(t, err)
	require.Len(t, cookies, 2)
	assert.Equal(t, Cookie{Name: "sessionid", Value: "abc"}, cookies[0])
	assert.Equal(t, Cookie{Name: "msToken", Value: "xy=z"}, cookies[1])
}

func TestParseCookieHeaderMalformed(t *testing.T) {
	_, err := ParseCookieHeader("not-a-cookie")
	require.Error(t, err)

	_, err = ParseCookieHeader("; ;")
	require.Error(t, err)
}
