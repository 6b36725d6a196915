package tripsync

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestPresence(t *testing.T) {
	presence := NewPresence()
	assert.Equal(t, presence.Len(), 0)

	presence.OnJoin("m1", "m1@example.com")
	presence.OnJoin("m2", "m2@example.com")
	assert.Equal(t, presence.Snapshot(), map[string]string{
		"m1": "m1@example.com",
		"m2": "m2@example.com",
	})

	// joining again updates the email
	presence.OnJoin("m1", "m1@example.org")
	assert.Equal(t, presence.Len(), 2)
	assert.Equal(t, presence.Snapshot()["m1"], "m1@example.org")

	// the id decides, the email is not compared
	presence.OnLeave("m2", "other@example.com")
	assert.Equal(t, presence.Contains("m2"), false)
	assert.Equal(t, presence.Len(), 1)

	// leaving an absent member is a no-op
	presence.OnLeave("m3", "m3@example.com")
	assert.Equal(t, presence.Len(), 1)
}

func TestPresenceSnapshotIsCopy(t *testing.T) {
	presence := NewPresence()
	presence.OnJoin("m1", "m1@example.com")

	snapshot := presence.Snapshot()
	snapshot["m2"] = "m2@example.com"
	assert.Equal(t, presence.Contains("m2"), false)
}

func TestPresenceReset(t *testing.T) {
	presence := NewPresence()
	presence.OnJoin("m1", "m1@example.com")

	members := map[string]string{
		"m2": "m2@example.com",
	}
	presence.Reset(members)
	assert.Equal(t, presence.Snapshot(), map[string]string{
		"m2": "m2@example.com",
	})
	members["m3"] = "m3@example.com"
	assert.Equal(t, presence.Contains("m3"), false)

	presence.Reset(nil)
	assert.Equal(t, presence.Len(), 0)
	assert.Equal(t, presence.Snapshot(), map[string]string{})
}
