package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateReasons(t *testing.T) {
	tests := []struct {
		name      string
		allowList []string
		setup     func(g *Gate)
		userID    string
		username  string
		want      AdmissionReason
	}{
		{
			name:     "global limit",
			setup:    func(g *Gate) { require.NoError(t, g.Acquire("1", "a")); require.NoError(t, g.Acquire("2", "b")) },
			userID:   "3",
			username: "c",
			want:     ReasonGlobalLimit,
		},
		{
			name:     "user limit",
			setup:    func(g *Gate) { require.NoError(t, g.Acquire("1", "a")) },
			userID:   "1",
			username: "a",
			want:     ReasonUserLimit,
		},
		{
			name:      "not on allow list",
			allowList: []string{"alice"},
			userID:    "99",
			username:  "bob",
			want:      ReasonNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGate(2, 1, tt.allowList)
			if tt.setup != nil {
				tt.setup(g)
			}
			err := g.Acquire(tt.userID, tt.username)
			var ae *AdmissionError
			require.ErrorAs(t, err, &ae)
			assert.Equal(t, tt.want, ae.Reason)
		})
	}
}

func TestGateAllowListForms(t *testing.T) {
	g := NewGate(10, 10, []string{"@Alice", "12345"})

	assert.True(t, g.Allowed("1", "alice"), "usernames match case-insensitively without @")
	assert.True(t, g.Allowed("12345", ""), "numeric ids match")
	assert.False(t, g.Allowed("777", "mallory"))

	open := NewGate(10, 10, nil)
	assert.True(t, open.Allowed("anyone", "at-all"), "empty allow list admits everyone")
}

func TestGateReleaseRestoresCapacity(t *testing.T) {
	g := NewGate(1, 1, nil)
	require.NoError(t, g.Acquire("1", "a"))

	err := g.Acquire("1", "a")
	var ae *AdmissionError
	require.ErrorAs(t, err, &ae)

	g.Release("1")
	require.NoError(t, g.Acquire("1", "a"))

	global, perUser := g.Counts()
	assert.Equal(t, 1, global)
	assert.Equal(t, map[string]int{"1": 1}, perUser)
}

func TestGateRejectionDoesNotMutate(t *testing.T) {
	g := NewGate(1, 1, nil)
	require.NoError(t, g.Acquire("1", "a"))

	_ = g.Acquire("2", "b") // rejected on the global cap
	global, perUser := g.Counts()
	assert.Equal(t, 1, global)
	assert.NotContains(t, perUser, "2")
}
