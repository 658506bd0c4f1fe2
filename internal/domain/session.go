package domain

import "time"

// Session is a checkpoint as loaded from, and written back to, a store.
type Session struct {
	ID       string
	Revision RevisionState
	// History holds the newest messages in chronological order; it may be a
	// suffix of the full log.
	History      []Message
	MessageCount int
	// HistoryStart is the sequence number of the first message that belongs
	// to this session; lower numbers are left over from an expired one.
	HistoryStart int
	Turns        int
	// Version is the store version the session was loaded at. Zero means the
	// session has never been saved.
	Version      int64
	LastActivity time.Time
}
