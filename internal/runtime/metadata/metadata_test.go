package metadata

import (
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
)

func TestNewAndWith(t *testing.T) {
	md := New(KeyAppID, "demo", KeyContentType, ContentTypeJSON, "dangling")
	assert.Equal(t, Metadata{KeyAppID: "demo", KeyContentType: ContentTypeJSON}, md)

	more := md.With(KeyRequestID, "r-1")
	assert.Equal(t, "r-1", more[KeyRequestID])
	assert.NotContains(t, md, KeyRequestID)
}

func TestApplyAndRetained(t *testing.T) {
	msg := message.NewMessage("1", nil)
	msg.Metadata = nil
	assert.False(t, Retained(msg))

	New(KeyAppID, "demo").Apply(msg)
	assert.Equal(t, "demo", msg.Metadata.Get(KeyAppID))

	SetRetained(msg)
	assert.True(t, Retained(msg))

	msg.Metadata.Set(KeyRetained, "nope")
	assert.False(t, Retained(msg))
}
