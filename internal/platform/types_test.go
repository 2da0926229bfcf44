package platform

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseStatus(t *testing.T) {
	assert.Equal(t, StatusMember, ParseStatus("member"))
	assert.Equal(t, StatusCreator, ParseStatus("creator"))
	assert.Equal(t, StatusUnknown, ParseStatus("restricted"), "unmapped statuses collapse to unknown")
	assert.Equal(t, StatusUnknown, ParseStatus(""))
}

func TestStatusPredicates(t *testing.T) {
	for _, s := range []Status{StatusMember, StatusAdministrator, StatusCreator} {
		assert.True(t, s.Active(), "%s", s)
		assert.False(t, s.Gone(), "%s", s)
	}
	for _, s := range []Status{StatusLeft, StatusKicked} {
		assert.False(t, s.Active(), "%s", s)
		assert.True(t, s.Gone(), "%s", s)
	}
	assert.False(t, StatusUnknown.Active())
	assert.False(t, StatusUnknown.Gone())
}

func TestChatIsGroup(t *testing.T) {
	assert.True(t, Chat{Type: "group"}.IsGroup())
	assert.True(t, Chat{Type: "supergroup"}.IsGroup())
	assert.False(t, Chat{Type: "private"}.IsGroup())
	assert.False(t, Chat{Type: "channel"}.IsGroup())
}
