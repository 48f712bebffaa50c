package scheduler

import (
	"strings"
	"sync"
)

// Gate enforces the allow-list and the global and per-user concurrency caps.
// Both counters move under one mutex so a submission can never slip past one
// cap while another submission is mid-check.
type Gate struct {
	mu         sync.Mutex
	global     int
	perUser    map[string]int
	maxGlobal  int
	maxPerUser int
	allowed    map[string]struct{} // usernames and numeric ids; empty allows everyone
}

// NewGate creates an admission gate. allowList entries may be usernames
// (with or without a leading @) or numeric requester ids.
func NewGate(maxGlobal, maxPerUser int, allowList []string) *Gate {
	allowed := make(map[string]struct{})
	for _, entry := range allowList {
		entry = strings.TrimSpace(strings.TrimPrefix(entry, "@"))
		if entry != "" {
			allowed[strings.ToLower(entry)] = struct{}{}
		}
	}
	return &Gate{
		perUser:    make(map[string]int),
		maxGlobal:  maxGlobal,
		maxPerUser: maxPerUser,
		allowed:    allowed,
	}
}

// Acquire reserves one slot for the requester or reports why it cannot.
// On success the caller owns a Release.
func (g *Gate) Acquire(userID, username string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.allowedLocked(userID, username) {
		return &AdmissionError{Reason: ReasonNotAllowed, UserID: userID}
	}
	if g.global >= g.maxGlobal {
		return &AdmissionError{Reason: ReasonGlobalLimit, UserID: userID}
	}
	if g.perUser[userID] >= g.maxPerUser {
		return &AdmissionError{Reason: ReasonUserLimit, UserID: userID}
	}
	g.global++
	g.perUser[userID]++
	return nil
}

// Release returns the slot taken by Acquire
func (g *Gate) Release(userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.global--
	if g.global < 0 {
		g.global = 0
	}
	if n := g.perUser[userID] - 1; n > 0 {
		g.perUser[userID] = n
	} else {
		delete(g.perUser, userID)
	}
}

// Allowed reports whether the requester passes the allow-list
func (g *Gate) Allowed(userID, username string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.allowedLocked(userID, username)
}

func (g *Gate) allowedLocked(userID, username string) bool {
	if len(g.allowed) == 0 {
		return true
	}
	if _, ok := g.allowed[strings.ToLower(userID)]; ok {
		return true
	}
	if username == "" {
		return false
	}
	_, ok := g.allowed[strings.ToLower(username)]
	return ok
}

// Counts returns the current admission counters for the status API
func (g *Gate) Counts() (global int, perUser map[string]int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[string]int, len(g.perUser))
	for k, v := range g.perUser {
		out[k] = v
	}
	return g.global, out
}
