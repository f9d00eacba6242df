package topic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatches(t *testing.T) {
	tests := []struct {
		topic   Topic
		pattern Topic
		want    bool
	}{
		{"plugin:validated", "plugin:validated", true},
		{"plugin:validated", "plugin:*", true},
		{"plugin:validated", "plugin:failed", false},
		{"sandbox:chart:ui:render", "sandbox:*:ui:render", true},
		{"sandbox:chart:ui:render", "sandbox:**", true},
		{"sandbox", "sandbox:**", true},
		{"sandbox:chart:ui:render", "sandbox:*", false},
		{"plugin:validated", "**", true},
		{"plugin:validated", "**:validated", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.topic.Matches(tt.pattern), "%s ~ %s", tt.topic, tt.pattern)
	}
}

func TestIsValid(t *testing.T) {
	assert.True(t, Topic("plugin:validated").IsValid())
	assert.True(t, Topic("sandbox:*:ui:**").IsValid())
	assert.False(t, Topic("").IsValid())
	assert.False(t, Topic("plugin::x").IsValid())
	assert.False(t, Topic(":plugin").IsValid())
	assert.False(t, Topic("plug*").IsValid())
	assert.False(t, Topic("a b").IsValid())
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, Topic("sandbox:p1:ui"), Join("sandbox", "p1", "ui"))
	assert.Equal(t, Topic("sandbox:p1"), Topic("sandbox").Child("p1"))
	assert.True(t, Topic("sandbox:p1:x").HasPrefix("sandbox:p1"))
	assert.False(t, Topic("sandbox:p10").HasPrefix("sandbox:p1"))
	assert.True(t, Topic("plugin:*").IsWildcard())
}
