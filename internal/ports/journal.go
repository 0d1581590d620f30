package ports

import "github.com/ghalamif/adaptivesense/internal/domain"

type JournalEntryID uint64

// OverrideJournal durably records rate overrides so a crash mid-session can
// be reverted on the next start.
type OverrideJournal interface {
	Append(rec domain.OverrideRecord) (JournalEntryID, error)
	Iterate(from JournalEntryID, fn func(id JournalEntryID, rec domain.OverrideRecord) error) error
	Commit(upto JournalEntryID) error
	TruncateCommitted() error
	Stats() JournalStats
}

type JournalStats struct {
	OldestUncommitted JournalEntryID
	LatestAppended    JournalEntryID
	SizeBytes         int64
}
