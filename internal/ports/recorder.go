package ports

import (
	"context"

	"github.com/ghalamif/adaptivesense/internal/domain"
)

type SessionRecorder interface {
	RecordSessions(ctx context.Context, records []domain.SessionRecord) error
	Name() string
}
