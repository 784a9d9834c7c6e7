package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/org/secretapproval/internal/approval"
	"github.com/org/secretapproval/internal/policy"
	"github.com/org/secretapproval/internal/storage"
	"github.com/org/secretapproval/pkg/models"
)

// Logger writes structured audit entries for API calls and approval
// lifecycle events.
type Logger struct {
	store storage.AuditStore
	now   func() time.Time
}

// NewLogger creates an audit Logger.
func NewLogger(store storage.AuditStore) *Logger {
	return &Logger{store: store, now: time.Now}
}

// LogRequest records an API request to the audit log.
// Secret values must never be passed here, only metadata.
func (l *Logger) LogRequest(ctx context.Context, entry *models.AuditEntry) {
	entry.Timestamp = l.now().UTC()
	if err := l.store.WriteAuditEntry(ctx, entry); err != nil {
		log.Error().Err(err).Str("path", entry.Path).Msg("audit write failed")
	}
}

// Notify records an approval lifecycle event. It satisfies
// approval.Notifier.
func (l *Logger) Notify(ctx context.Context, ev approval.Event) error {
	meta := map[string]any{"reference": ev.Reference}
	if ev.ProposalID != "" {
		meta["proposal_id"] = ev.ProposalID
	}
	if ev.Actor != "" {
		meta["actor"] = ev.Actor
	}
	if ev.Detail != "" {
		meta["detail"] = ev.Detail
	}
	entry := &models.AuditEntry{
		RequestID: ev.RequestID,
		Timestamp: ev.At.UTC(),
		Operation: ev.Topic,
		Path:      policy.Path(ev.Workspace, ev.Environment) + "/approvals/" + ev.RequestID,
		Status:    string(ev.Status),
		Metadata:  meta,
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now().UTC()
	}
	return l.store.WriteAuditEntry(ctx, entry)
}

// Query retrieves paginated audit log entries.
func (l *Logger) Query(ctx context.Context, filter storage.AuditFilter) ([]*models.AuditEntry, error) {
	return l.store.QueryAuditLog(ctx, filter)
}

var _ approval.Notifier = (*Logger)(nil)
