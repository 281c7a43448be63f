// Package store persists finished analyses to Supabase so results survive
// the brief in-memory retention window of the queue.
package store

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/supabase-community/postgrest-go"
	supa "github.com/supabase-community/supabase-go"

	"specgap/api-gateway/models"
)

const auditsTable = "audits"

// AuditStore reads and writes the audits table.
type AuditStore struct {
	db  *supa.Client
	log *logrus.Logger
}

// NewAuditStore wraps a Supabase client.
func NewAuditStore(db *supa.Client, log *logrus.Logger) *AuditStore {
	if log == nil {
		log = logrus.New()
	}
	return &AuditStore{db: db, log: log}
}

// SaveAudit inserts one finished analysis.
func (s *AuditStore) SaveAudit(rec models.AuditRecord) error {
	_, _, err := s.db.From(auditsTable).
		Insert(rec, false, "", "", "").
		Execute()
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	s.log.WithFields(logrus.Fields{
		"session_id": rec.SessionID,
		"audit_type": rec.AuditType,
	}).Info("audit persisted")
	return nil
}

// ListRecent returns the newest audits, most recent first.
func (s *AuditStore) ListRecent(limit int) ([]models.AuditRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	body, _, err := s.db.From(auditsTable).
		Select("*", "", false).
		Order("created_at", &postgrest.OrderOpts{Ascending: false}).
		Limit(limit, "").
		Execute()
	if err != nil {
		return nil, fmt.Errorf("list audits: %w", err)
	}

	var records []models.AuditRecord
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("decode audits: %w", err)
	}
	return records, nil
}
