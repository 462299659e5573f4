package queue

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Payload is the closed set of job payload types. Only the types in this
// package implement it.
type Payload interface {
	Kind() JobKind
	Validate() error
	sealed()
}

// AIAnalysisPayload requests an AI drug-interaction analysis for a patient.
type AIAnalysisPayload struct {
	TenantID     string   `json:"tenant_id"`
	PatientID    string   `json:"patient_id"`
	AnalysisType string   `json:"analysis_type,omitempty"`
	Medications  []string `json:"medications,omitempty"`
	RequestedBy  string   `json:"requested_by,omitempty"`
}

func (AIAnalysisPayload) Kind() JobKind { return KindAIAnalysis }
func (AIAnalysisPayload) sealed()       {}

func (p AIAnalysisPayload) Validate() error {
	if strings.TrimSpace(p.TenantID) == "" {
		return NewValidationError("tenant_id", "is required")
	}
	if strings.TrimSpace(p.PatientID) == "" {
		return NewValidationError("patient_id", "is required")
	}
	return nil
}

// Export formats accepted by DataExportPayload.
const (
	ExportCSV  = "csv"
	ExportXLSX = "xlsx"
	ExportJSON = "json"
	ExportPDF  = "pdf"
)

var exportFormats = []string{ExportCSV, ExportXLSX, ExportJSON, ExportPDF}

// DataExportPayload requests a report export file.
type DataExportPayload struct {
	TenantID    string            `json:"tenant_id"`
	FileName    string            `json:"file_name"`
	Format      string            `json:"format"`
	ReportType  string            `json:"report_type,omitempty"`
	Filters     map[string]string `json:"filters,omitempty"`
	RequestedBy string            `json:"requested_by,omitempty"`
}

func (DataExportPayload) Kind() JobKind { return KindDataExport }
func (DataExportPayload) sealed()       {}

func (p DataExportPayload) Validate() error {
	if strings.TrimSpace(p.TenantID) == "" {
		return NewValidationError("tenant_id", "is required")
	}
	if strings.TrimSpace(p.FileName) == "" {
		return NewValidationError("file_name", "is required")
	}
	if p.Format == "" {
		return NewValidationError("format", "is required")
	}
	if !slices.Contains(exportFormats, p.Format) {
		return NewValidationError("format", fmt.Sprintf("must be one of %s", strings.Join(exportFormats, ", ")))
	}
	return nil
}

// CacheWarmupPayload asks for a tenant cache scope to be precomputed.
type CacheWarmupPayload struct {
	TenantID string   `json:"tenant_id"`
	Scope    string   `json:"scope"`
	Keys     []string `json:"keys,omitempty"`
}

func (CacheWarmupPayload) Kind() JobKind { return KindCacheWarmup }
func (CacheWarmupPayload) sealed()       {}

func (p CacheWarmupPayload) Validate() error {
	if strings.TrimSpace(p.TenantID) == "" {
		return NewValidationError("tenant_id", "is required")
	}
	if strings.TrimSpace(p.Scope) == "" {
		return NewValidationError("scope", "is required")
	}
	return nil
}

// Maintenance operations accepted by DatabaseMaintenancePayload.
const (
	MaintenanceVacuum  = "vacuum"
	MaintenanceReindex = "reindex"
	MaintenancePrune   = "prune"
	MaintenanceBackup  = "backup"
)

var maintenanceOperations = []string{MaintenanceVacuum, MaintenanceReindex, MaintenancePrune, MaintenanceBackup}

// DatabaseMaintenancePayload requests a maintenance operation on the data store.
type DatabaseMaintenancePayload struct {
	Operation     string   `json:"operation"`
	Collections   []string `json:"collections,omitempty"`
	RetentionDays int      `json:"retention_days,omitempty"`
}

func (DatabaseMaintenancePayload) Kind() JobKind { return KindDatabaseMaintenance }
func (DatabaseMaintenancePayload) sealed()       {}

func (p DatabaseMaintenancePayload) Validate() error {
	if p.Operation == "" {
		return NewValidationError("operation", "is required")
	}
	if !slices.Contains(maintenanceOperations, p.Operation) {
		return NewValidationError("operation", fmt.Sprintf("must be one of %s", strings.Join(maintenanceOperations, ", ")))
	}
	if p.RetentionDays < 0 {
		return NewValidationError("retention_days", "must not be negative")
	}
	return nil
}

// DecodePayload turns a stored payload back into its typed form.
func DecodePayload(kind JobKind, raw json.RawMessage) (Payload, error) {
	switch kind {
	case KindAIAnalysis:
		return decodeAs[AIAnalysisPayload](raw)
	case KindDataExport:
		return decodeAs[DataExportPayload](raw)
	case KindCacheWarmup:
		return decodeAs[CacheWarmupPayload](raw)
	case KindDatabaseMaintenance:
		return decodeAs[DatabaseMaintenancePayload](raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobKind, kind)
	}
}

func decodeAs[P Payload](raw json.RawMessage) (Payload, error) {
	var p P
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", p.Kind(), err)
	}
	return p, nil
}
