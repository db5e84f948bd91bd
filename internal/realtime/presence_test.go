package realtime

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPresence_Busy_Pin_Survives_Reconnect_But_Not_Disconnect(t *testing.T) {
	req := require.New(t)
	presence := NewPresence()

	// Given a user that set "busy" manually
	change, changed, err := presence.SetManualStatus(1, StatusBusy)
	req.NoError(err)
	req.True(changed)
	req.Equal(StatusChange{UserID: 1, Status: StatusBusy, IsManual: true}, change)

	// When a new connection arrives, the automatic "online" is suppressed
	_, changed = presence.OnConnectionRegistered(1)
	req.False(changed)
	req.Equal(StatusBusy, presence.Status(1))

	// When the last connection closes, "offline" is forced
	change, changed = presence.OnConnectionUnregistered(1, false)
	req.True(changed)
	req.Equal(StatusChange{UserID: 1, Status: StatusOffline}, change)
	req.False(presence.Pinned(1))

	// Then the next connection brings the user online again
	change, changed = presence.OnConnectionRegistered(1)
	req.True(changed)
	req.Equal(StatusOnline, change.Status)
}

func TestPresence_Manual_Online_Overrides_Pin(t *testing.T) {
	req := require.New(t)
	presence := NewPresence()
	_, _, err := presence.SetManualStatus(1, StatusAway)
	req.NoError(err)

	change, changed, err := presence.SetManualStatus(1, StatusOnline)

	req.NoError(err)
	req.True(changed)
	req.Equal(StatusOnline, change.Status)
	req.False(presence.Pinned(1))
}

func TestPresence_No_Op_Transitions_Emit_Nothing(t *testing.T) {
	req := require.New(t)
	presence := NewPresence()

	_, changed := presence.OnConnectionUnregistered(1, false)
	req.False(changed, "unknown users start offline")

	_, changed = presence.OnConnectionRegistered(1)
	req.True(changed)
	_, changed = presence.OnConnectionRegistered(1)
	req.False(changed)

	_, changed = presence.OnConnectionUnregistered(1, true)
	req.False(changed, "remaining connections keep the user present")
	req.Equal(StatusOnline, presence.Status(1))
}

func TestPresence_Pin_Alone_Emits_Nothing(t *testing.T) {
	req := require.New(t)
	presence := NewPresence()
	presence.Seed(1, StatusBusy, false)
	req.False(presence.Pinned(1))

	// When the same status arrives as an explicit update
	_, changed, err := presence.SetManualStatus(1, StatusBusy)

	// Then the pin is stored without a broadcast
	req.NoError(err)
	req.False(changed)
	req.True(presence.Pinned(1))
	_, changed = presence.OnConnectionRegistered(1)
	req.False(changed)
}

func TestPresence_Seed_Loads_Persisted_Pin_Once(t *testing.T) {
	req := require.New(t)
	presence := NewPresence()

	presence.Seed(1, StatusAway, true)
	presence.Seed(1, StatusOnline, false)

	req.Equal(StatusAway, presence.Status(1))
	req.True(presence.Pinned(1))
	_, changed := presence.OnConnectionRegistered(1)
	req.False(changed)

	presence.Seed(2, "sleeping", true)
	req.Equal(StatusOffline, presence.Status(2))
	req.False(presence.Pinned(2))
}

func TestPresence_Rejects_Unknown_Status(t *testing.T) {
	req := require.New(t)
	presence := NewPresence()

	_, _, err := presence.SetManualStatus(1, "invisible")

	req.ErrorIs(err, ErrValidation)
	req.False(presence.Known(1))
}
