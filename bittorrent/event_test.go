package bittorrent

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	var table = []struct {
		data        string
		expected    Event
		expectedErr error
	}{
		{"", None, nil},
		{"NONE", None, nil},
		{"none", None, nil},
		{"empty", None, nil},
		{"started", Started, nil},
		{"stopped", Stopped, nil},
		{"Completed", Completed, nil},
		{"notAnEvent", None, ErrUnknownEvent},
	}

	for _, tt := range table {
		got, err := NewEvent(tt.data)
		require.Equal(t, tt.expectedErr, err, "errors should equal the expected value")
		require.Equal(t, tt.expected, got, "events should equal the expected value")
	}
}

func TestEventString(t *testing.T) {
	for _, e := range []Event{None, Started, Stopped, Completed} {
		parsed, err := NewEvent(e.String())
		require.Nil(t, err)
		require.Equal(t, e, parsed)
	}
}
