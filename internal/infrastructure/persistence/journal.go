package persistence

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/stepline/stepline/internal/domain/entity"
	"github.com/stepline/stepline/internal/infrastructure/eventbus"
	"github.com/stepline/stepline/internal/infrastructure/persistence/models"
	domainErrors "github.com/stepline/stepline/pkg/errors"
)

// Journal persists the execution event stream and approval decisions
// so a session's history survives restarts. Append is fire-and-forget
// from the bus; Query serves the history API.
type Journal struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewJournal(db *gorm.DB, logger *zap.Logger) *Journal {
	return &Journal{db: db, logger: logger}
}

// Append writes one event row.
func (j *Journal) Append(ctx context.Context, event entity.Event) error {
	data := ""
	if event.Data != nil {
		raw, err := json.Marshal(event.Data)
		if err != nil {
			return domainErrors.NewStorageError("marshal event data", err)
		}
		data = string(raw)
	}

	model := &models.EventModel{
		SessionID: event.SessionID,
		Type:      string(event.Type),
		Data:      data,
		Timestamp: event.Timestamp,
	}
	if err := j.db.WithContext(ctx).Create(model).Error; err != nil {
		return domainErrors.NewStorageError("append event", err)
	}
	return nil
}

// Query returns a session's events in emission order.
func (j *Journal) Query(ctx context.Context, sessionID string, limit, offset int) ([]entity.Event, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows []models.EventModel
	err := j.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id asc").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, domainErrors.NewStorageError("query events", err)
	}

	events := make([]entity.Event, 0, len(rows))
	for _, row := range rows {
		var data map[string]any
		if row.Data != "" {
			if err := json.Unmarshal([]byte(row.Data), &data); err != nil {
				j.logger.Warn("Corrupt event data in journal, skipping payload",
					zap.Uint("row", row.ID),
					zap.Error(err),
				)
				data = nil
			}
		}
		events = append(events, entity.Event{
			Type:      entity.EventType(row.Type),
			Data:      data,
			SessionID: row.SessionID,
			Timestamp: row.Timestamp,
		})
	}
	return events, nil
}

// Count returns the number of journaled events for a session.
func (j *Journal) Count(ctx context.Context, sessionID string) (int64, error) {
	var count int64
	err := j.db.WithContext(ctx).
		Model(&models.EventModel{}).
		Where("session_id = ?", sessionID).
		Count(&count).Error
	if err != nil {
		return 0, domainErrors.NewStorageError("count events", err)
	}
	return count, nil
}

// RecordApproval writes one approval audit row.
func (j *Journal) RecordApproval(ctx context.Context, sessionID, toolName, preview, decision string) error {
	model := &models.ApprovalModel{
		SessionID: sessionID,
		ToolName:  toolName,
		Preview:   preview,
		Decision:  decision,
		DecidedAt: time.Now().UTC(),
	}
	if err := j.db.WithContext(ctx).Create(model).Error; err != nil {
		return domainErrors.NewStorageError("record approval", err)
	}
	return nil
}

// ApprovalRecord is one audit entry as served by the history API.
type ApprovalRecord struct {
	ToolName  string    `json:"tool_name"`
	Preview   string    `json:"preview,omitempty"`
	Decision  string    `json:"decision"`
	DecidedAt time.Time `json:"decided_at"`
}

// ListApprovals returns a session's approval decisions, oldest first.
func (j *Journal) ListApprovals(ctx context.Context, sessionID string) ([]ApprovalRecord, error) {
	var rows []models.ApprovalModel
	err := j.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id asc").
		Find(&rows).Error
	if err != nil {
		return nil, domainErrors.NewStorageError("list approvals", err)
	}

	records := make([]ApprovalRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, ApprovalRecord{
			ToolName:  row.ToolName,
			Preview:   row.Preview,
			Decision:  row.Decision,
			DecidedAt: row.DecidedAt,
		})
	}
	return records, nil
}

// AttachTo subscribes the journal to every event on the bus. Write
// failures are logged, never propagated into the run loop.
func (j *Journal) AttachTo(bus eventbus.Bus) {
	bus.Subscribe(eventbus.Wildcard, func(ctx context.Context, event entity.Event) {
		// Bus contexts follow the publishing request; journal writes
		// should survive its cancellation.
		writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := j.Append(writeCtx, event); err != nil {
			j.logger.Warn("Journal append failed",
				zap.String("session_id", event.SessionID),
				zap.String("type", string(event.Type)),
				zap.Error(err),
			)
		}
	})
}
