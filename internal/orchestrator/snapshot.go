package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/devpipe/internal/pipeline"
)

// pipelineStateSnapshot is the gorm model backing pipeline_state_snapshots,
// a pure restart-acceleration cache (spec.md §4.6 "Recovery") modeled on
// job_run_event.go's jsonb-blob-plus-indexed-columns shape: the columns the
// orchestrator filters/sorts on are first-class, the full state is a jsonb
// blob nobody queries into directly.
type pipelineStateSnapshot struct {
	RequestID    string         `gorm:"column:request_id;primaryKey" json:"request_id"`
	CurrentStage string         `gorm:"column:current_stage;not null;index" json:"current_stage"`
	Terminal     bool           `gorm:"column:terminal;not null;index" json:"terminal"`
	LastEventAt  time.Time      `gorm:"column:last_event_at;not null;index" json:"last_event_at"`
	State        datatypes.JSON `gorm:"column:state;type:jsonb;not null" json:"state"`
	UpdatedAt    time.Time      `gorm:"column:updated_at;not null;autoUpdateTime" json:"updated_at"`
}

func (pipelineStateSnapshot) TableName() string { return "pipeline_state_snapshots" }

// gormSnapshotStore implements SnapshotStore over Postgres via gorm,
// grounded on internal/data/repos/jobs/job_run.go's upsert-by-primary-key
// pattern (ClaimNextRunnable/UpdateFields).
type gormSnapshotStore struct {
	db *gorm.DB
}

func NewGormSnapshotStore(db *gorm.DB) SnapshotStore {
	return &gormSnapshotStore{db: db}
}

// AutoMigrate creates/updates the pipeline_state_snapshots table. Called
// once at process startup by whichever process owns the orchestrator.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&pipelineStateSnapshot{})
}

func (s *gormSnapshotStore) Save(ctx context.Context, state *pipeline.PipelineState) error {
	blob, err := json.Marshal(state)
	if err != nil {
		return err
	}
	row := pipelineStateSnapshot{
		RequestID:    state.RequestID,
		CurrentStage: string(state.CurrentStage),
		Terminal:     state.Terminal,
		LastEventAt:  state.LastEventAt,
		State:        datatypes.JSON(blob),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "request_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"current_stage", "terminal", "last_event_at", "state", "updated_at"}),
		}).
		Create(&row).Error
}

func (s *gormSnapshotStore) LoadAll(ctx context.Context) ([]*pipeline.PipelineState, error) {
	var rows []pipelineStateSnapshot
	if err := s.db.WithContext(ctx).Where("terminal = ?", false).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*pipeline.PipelineState, 0, len(rows))
	for _, r := range rows {
		var state pipeline.PipelineState
		if err := json.Unmarshal(r.State, &state); err != nil {
			continue
		}
		out = append(out, &state)
	}
	return out, nil
}
