package handlers

import (
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"specgap/api-gateway/internal/events"
	"specgap/api-gateway/models"
)

// OrchestratorInterface defines the operations handlers expect from the
// session orchestrator. Decoupled for testing.
type OrchestratorInterface interface {
	Enqueue(sessionID string, mode models.AnalysisMode) (models.QueueEntry, models.QueueInfo, error)
	Status(sessionID string) (models.QueueEntry, error)
	Cancel(entryID, sessionID string) (models.QueueEntry, error)
	Subscribe(sessionID string) (<-chan events.Event, func())
	Info() models.QueueInfo
}

// AuditLister reads back persisted analyses.
type AuditLister interface {
	ListRecent(limit int) ([]models.AuditRecord, error)
}

// ApplicationHandler holds shared dependencies for handlers.
type ApplicationHandler struct {
	Orchestrator OrchestratorInterface
	Audits       AuditLister // nil when persistence is not configured
	Logger       *logrus.Logger
	Validate     *validator.Validate
}

// NewApplicationHandler creates an ApplicationHandler with the given deps.
func NewApplicationHandler(orc OrchestratorInterface, audits AuditLister, logger *logrus.Logger) *ApplicationHandler {
	return &ApplicationHandler{
		Orchestrator: orc,
		Audits:       audits,
		Logger:       logger,
		Validate:     validator.New(),
	}
}
