package tasks

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/vidmsg/internal/domain"
)

// TaskRecord is the durable mirror of domain.Task, shaped the way
// internal/jobs/orchestrator/state.go shapes OrchestratorState for
// persistence: one row per task, JSON columns for the variable-shape
// fields, reloadable verbatim.
type TaskRecord struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	Stage         string    `gorm:"index"`
	Progress      int
	ArtifactPaths datatypes.JSON
	ErrorKind     string
	ErrorMessage  string
	ErrorStage    string
	Metadata      datatypes.JSON
	Canceled      bool
	CreatedAt     time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
	UpdatedAt     time.Time
}

func (TaskRecord) TableName() string { return "task_records" }

// GORM is the optional durable Mirror backed by gorm.io/gorm.
// cmd/server wires it to Postgres when POSTGRES_DSN is set; otherwise
// the registry runs with no mirror.
type GORM struct {
	db *gorm.DB
}

// NewGORM opens the mirror table (AutoMigrate) against an already-
// connected *gorm.DB.
func NewGORM(db *gorm.DB) (*GORM, error) {
	if err := db.AutoMigrate(&TaskRecord{}); err != nil {
		return nil, err
	}
	return &GORM{db: db}, nil
}

func toRecord(t *domain.Task) (*TaskRecord, error) {
	paths, err := json.Marshal(t.ArtifactPaths)
	if err != nil {
		return nil, err
	}
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return nil, err
	}
	return &TaskRecord{
		ID:            t.ID,
		Stage:         string(t.Stage),
		Progress:      t.Progress,
		ArtifactPaths: datatypes.JSON(paths),
		ErrorKind:     t.ErrorKind,
		ErrorMessage:  t.ErrorMessage,
		ErrorStage:    string(t.ErrorStage),
		Metadata:      datatypes.JSON(meta),
		Canceled:      t.Canceled,
		CreatedAt:     t.CreatedAt,
		StartedAt:     t.StartedAt,
		FinishedAt:    t.FinishedAt,
		UpdatedAt:     time.Now(),
	}, nil
}

// Save upserts taskID's full record.
func (g *GORM) Save(t *domain.Task) error {
	rec, err := toRecord(t)
	if err != nil {
		return err
	}
	return g.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(rec).Error
}

// Delete removes taskID's mirrored row, if present.
func (g *GORM) Delete(taskID uuid.UUID) error {
	return g.db.Delete(&TaskRecord{}, "id = ?", taskID).Error
}
