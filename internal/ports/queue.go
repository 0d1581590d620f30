package ports

import "github.com/ghalamif/adaptivesense/internal/domain"

type RecordQueue interface {
	Enqueue(rec domain.SessionRecord) bool
	DequeueBatch(max int) []domain.SessionRecord
	Len() int
}
