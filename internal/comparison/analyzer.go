// Package comparison audits the in-memory collection against a fresh listing
// of the remote store. Drift means a change event was lost, e.g. while the
// feed was disconnected, and a reload is due.
package comparison

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jogardn/gpedidos/internal/remote"
	"github.com/jogardn/gpedidos/pkg/models"
	"github.com/sirupsen/logrus"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

type DriftReport struct {
	Analysis        DriftAnalysis   `json:"analysis"`
	Inconsistencies []Inconsistency `json:"inconsistencies"`
	Recommendations []string        `json:"recommendations"`
	Timestamp       time.Time       `json:"timestamp"`
}

type DriftAnalysis struct {
	TotalLocal  int `json:"total_local"`
	TotalRemote int `json:"total_remote"`
	InSync      int `json:"in_sync"`
	Mismatched  int `json:"mismatched"`
	// MissingLocally are remote orders the local view never received.
	MissingLocally []int64 `json:"missing_locally"`
	// Ghosts are local orders the remote store no longer has.
	Ghosts          []int64         `json:"ghosts"`
	FieldMismatches []FieldMismatch `json:"field_mismatches"`
	SyncPercentage  float64         `json:"sync_percentage"`
	OverallStatus   string          `json:"overall_status"`
}

type FieldMismatch struct {
	OrderID     int64  `json:"order_id"`
	Field       string `json:"field"`
	LocalValue  string `json:"local_value"`
	RemoteValue string `json:"remote_value"`
}

type Inconsistency struct {
	OrderID     int64    `json:"order_id"`
	Type        string   `json:"type"`
	Severity    Severity `json:"severity"`
	Field       string   `json:"field,omitempty"`
	Description string   `json:"description"`
}

// InSync reports whether the local view matched the remote store exactly.
func (r *DriftReport) InSync() bool {
	return len(r.Inconsistencies) == 0
}

type DataAnalyzer struct {
	repo   remote.Repository
	logger *logrus.Logger
	now    func() time.Time
}

func NewDataAnalyzer(repo remote.Repository, logger *logrus.Logger) (*DataAnalyzer, error) {
	if repo == nil {
		return nil, errors.New("nil dependency: repository")
	}
	if logger == nil {
		return nil, errors.New("nil dependency: logger")
	}
	return &DataAnalyzer{repo: repo, logger: logger, now: time.Now}, nil
}

// Audit lists the remote store and compares it with local.
func (da *DataAnalyzer) Audit(ctx context.Context, local []models.Order) (*DriftReport, error) {
	remoteOrders, err := da.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list remote orders: %w", err)
	}
	return da.CompareData(local, remoteOrders), nil
}

func (da *DataAnalyzer) CompareData(local, remoteOrders []models.Order) *DriftReport {
	startTime := time.Now()

	localMap := make(map[int64]models.Order, len(local))
	for _, o := range local {
		localMap[o.ID] = o
	}
	remoteMap := make(map[int64]models.Order, len(remoteOrders))
	for _, o := range remoteOrders {
		remoteMap[o.ID] = o
	}

	report := &DriftReport{
		Analysis:        da.performDetailedAnalysis(localMap, remoteMap),
		Inconsistencies: []Inconsistency{},
		Timestamp:       da.now(),
	}
	report.Inconsistencies = findInconsistencies(report.Analysis)
	report.Recommendations = generateRecommendations(report)

	entry := da.logger.WithFields(logrus.Fields{
		"processing_time": time.Since(startTime),
		"local_count":     len(localMap),
		"remote_count":    len(remoteMap),
		"inconsistencies": len(report.Inconsistencies),
		"sync_percentage": report.Analysis.SyncPercentage,
	})
	if report.InSync() {
		entry.Info("Drift audit completed")
	} else {
		entry.Warn("Drift audit found inconsistencies")
	}

	return report
}

func (da *DataAnalyzer) performDetailedAnalysis(localMap, remoteMap map[int64]models.Order) DriftAnalysis {
	analysis := DriftAnalysis{
		TotalLocal:      len(localMap),
		TotalRemote:     len(remoteMap),
		MissingLocally:  []int64{},
		Ghosts:          []int64{},
		FieldMismatches: []FieldMismatch{},
	}

	allIDs := make([]int64, 0, len(localMap)+len(remoteMap))
	for id := range localMap {
		allIDs = append(allIDs, id)
	}
	for id := range remoteMap {
		if _, ok := localMap[id]; !ok {
			allIDs = append(allIDs, id)
		}
	}
	slices.Sort(allIDs)

	for _, id := range allIDs {
		localOrder, inLocal := localMap[id]
		remoteOrder, inRemote := remoteMap[id]

		switch {
		case !inLocal:
			analysis.MissingLocally = append(analysis.MissingLocally, id)
		case !inRemote:
			analysis.Ghosts = append(analysis.Ghosts, id)
		case localOrder.Equal(remoteOrder):
			analysis.InSync++
		default:
			analysis.Mismatched++
			analysis.FieldMismatches = append(analysis.FieldMismatches, compareOrderFields(localOrder, remoteOrder)...)
		}
	}

	analysis.SyncPercentage = 100
	if len(allIDs) > 0 {
		analysis.SyncPercentage = float64(analysis.InSync) / float64(len(allIDs)) * 100
	}

	switch {
	case analysis.SyncPercentage == 100:
		analysis.OverallStatus = "in_sync"
	case analysis.SyncPercentage >= 95:
		analysis.OverallStatus = "good"
	case analysis.SyncPercentage >= 70:
		analysis.OverallStatus = "fair"
	default:
		analysis.OverallStatus = "poor"
	}

	return analysis
}

func compareOrderFields(localOrder, remoteOrder models.Order) []FieldMismatch {
	var mismatches []FieldMismatch
	add := func(field, localValue, remoteValue string) {
		mismatches = append(mismatches, FieldMismatch{
			OrderID:     localOrder.ID,
			Field:       field,
			LocalValue:  localValue,
			RemoteValue: remoteValue,
		})
	}

	if localOrder.Client != remoteOrder.Client {
		add("client", localOrder.Client, remoteOrder.Client)
	}
	if localOrder.Product != remoteOrder.Product {
		add("product", localOrder.Product, remoteOrder.Product)
	}
	if !localOrder.Cost.Equal(remoteOrder.Cost) {
		add("cost", localOrder.Cost.String(), remoteOrder.Cost.String())
	}
	if !localOrder.Price.Equal(remoteOrder.Price) {
		add("price", localOrder.Price.String(), remoteOrder.Price.String())
	}
	if !localOrder.PaidAmount.Equal(remoteOrder.PaidAmount) {
		add("paid_amount", localOrder.PaidAmount.String(), remoteOrder.PaidAmount.String())
	}
	if localOrder.Status != remoteOrder.Status {
		add("status", string(localOrder.Status), string(remoteOrder.Status))
	}
	if !localOrder.Date.Equal(remoteOrder.Date) {
		add("date", localOrder.Date.String(), remoteOrder.Date.String())
	}

	return mismatches
}

func fieldSeverity(field string) Severity {
	switch field {
	case "cost", "price", "paid_amount":
		return SeverityCritical
	case "status":
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

func findInconsistencies(analysis DriftAnalysis) []Inconsistency {
	inconsistencies := []Inconsistency{}

	for _, id := range analysis.MissingLocally {
		inconsistencies = append(inconsistencies, Inconsistency{
			OrderID:     id,
			Type:        "missing_locally",
			Severity:    SeverityCritical,
			Description: "Order exists in the remote store but not in the local view",
		})
	}
	for _, id := range analysis.Ghosts {
		inconsistencies = append(inconsistencies, Inconsistency{
			OrderID:     id,
			Type:        "ghost",
			Severity:    SeverityCritical,
			Description: "Order is shown locally but was deleted remotely",
		})
	}
	for _, m := range analysis.FieldMismatches {
		inconsistencies = append(inconsistencies, Inconsistency{
			OrderID:     m.OrderID,
			Type:        "field_mismatch",
			Severity:    fieldSeverity(m.Field),
			Field:       m.Field,
			Description: fmt.Sprintf("Local %s %q differs from remote %q", m.Field, m.LocalValue, m.RemoteValue),
		})
	}

	return inconsistencies
}

func generateRecommendations(report *DriftReport) []string {
	var recommendations []string
	analysis := report.Analysis

	if len(analysis.MissingLocally) > 0 || len(analysis.Ghosts) > 0 || analysis.Mismatched > 0 {
		recommendations = append(recommendations, "Reload the local view (POST /orders/reload)")
	}
	if len(analysis.MissingLocally) > 0 {
		recommendations = append(recommendations,
			fmt.Sprintf("%d insert events were not received; check the change feed connection", len(analysis.MissingLocally)))
	}
	if len(analysis.Ghosts) > 0 {
		recommendations = append(recommendations,
			fmt.Sprintf("%d delete events were not received", len(analysis.Ghosts)))
	}
	if len(recommendations) == 0 {
		recommendations = append(recommendations, "Local view matches the remote store, no action required")
	}

	return recommendations
}

func (da *DataAnalyzer) GenerateReport(report *DriftReport, format string) ([]byte, error) {
	switch strings.ToLower(format) {
	case "", "json":
		return json.MarshalIndent(report, "", "  ")
	case "summary":
		return generateSummaryReport(report), nil
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

func generateSummaryReport(report *DriftReport) []byte {
	var critical, warning, info int
	for _, inc := range report.Inconsistencies {
		switch inc.Severity {
		case SeverityCritical:
			critical++
		case SeverityWarning:
			warning++
		case SeverityInfo:
			info++
		}
	}

	summary := fmt.Sprintf(`DRIFT REPORT
============
Generated: %s

Local orders: %d
Remote orders: %d
In sync: %d
Mismatched: %d
Missing locally: %d
Ghosts: %d
Sync: %.2f%%

Critical: %d
Warning: %d
Info: %d

%s

STATUS: %s
`,
		report.Timestamp.Format(time.RFC3339),
		report.Analysis.TotalLocal,
		report.Analysis.TotalRemote,
		report.Analysis.InSync,
		report.Analysis.Mismatched,
		len(report.Analysis.MissingLocally),
		len(report.Analysis.Ghosts),
		report.Analysis.SyncPercentage,
		critical,
		warning,
		info,
		strings.Join(report.Recommendations, "\n"),
		strings.ToUpper(report.Analysis.OverallStatus))

	return []byte(summary)
}
