package comparison

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/jogardn/gpedidos/internal/remote/remotetest"
	"github.com/jogardn/gpedidos/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAnalyzer(t *testing.T, fake *remotetest.Fake) *DataAnalyzer {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	da, err := NewDataAnalyzer(fake, logger)
	require.NoError(t, err)
	da.now = func() time.Time { return time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC) }
	return da
}

func order(id int64, client, price string) models.Order {
	return models.Order{
		ID:      id,
		Client:  client,
		Product: "Lamp",
		Price:   decimal.RequireFromString(price),
		Status:  models.StatusPendingPurchase,
		Date:    models.NewDate(2024, time.March, 1),
	}
}

func TestCompareDataInSync(t *testing.T) {
	da := newAnalyzer(t, remotetest.New())
	orders := []models.Order{order(2, "Eva", "10"), order(1, "Ana", "5")}

	// 5 and 5.00 are the same amount.
	remoteOrders := []models.Order{order(1, "Ana", "5.00"), order(2, "Eva", "10")}
	report := da.CompareData(orders, remoteOrders)

	assert.True(t, report.InSync())
	assert.Equal(t, 2, report.Analysis.InSync)
	assert.Equal(t, float64(100), report.Analysis.SyncPercentage)
	assert.Equal(t, "in_sync", report.Analysis.OverallStatus)
	assert.Len(t, report.Recommendations, 1)
}

func TestCompareDataFindsDrift(t *testing.T) {
	da := newAnalyzer(t, remotetest.New())

	local := []models.Order{order(4, "Ana", "10"), order(3, "Eva", "20"), order(1, "Luis", "5")}
	remoteOrders := []models.Order{order(4, "Ana", "10"), order(3, "Eva", "25"), order(2, "Rosa", "8")}

	report := da.CompareData(local, remoteOrders)
	analysis := report.Analysis

	assert.False(t, report.InSync())
	assert.Equal(t, 3, analysis.TotalLocal)
	assert.Equal(t, 3, analysis.TotalRemote)
	assert.Equal(t, 1, analysis.InSync)
	assert.Equal(t, 1, analysis.Mismatched)
	assert.Equal(t, []int64{2}, analysis.MissingLocally)
	assert.Equal(t, []int64{1}, analysis.Ghosts)
	require.Len(t, analysis.FieldMismatches, 1)
	assert.Equal(t, FieldMismatch{OrderID: 3, Field: "price", LocalValue: "20", RemoteValue: "25"}, analysis.FieldMismatches[0])
	assert.Equal(t, float64(25), analysis.SyncPercentage)
	assert.Equal(t, "poor", analysis.OverallStatus)

	require.Len(t, report.Inconsistencies, 3)
	assert.Equal(t, "missing_locally", report.Inconsistencies[0].Type)
	assert.Equal(t, "ghost", report.Inconsistencies[1].Type)
	assert.Equal(t, SeverityCritical, report.Inconsistencies[2].Severity)
	assert.Contains(t, report.Recommendations[0], "Reload")
}

func TestCompareDataEmpty(t *testing.T) {
	da := newAnalyzer(t, remotetest.New())

	report := da.CompareData(nil, nil)

	assert.True(t, report.InSync())
	assert.Equal(t, float64(100), report.Analysis.SyncPercentage)
}

func TestFieldSeverity(t *testing.T) {
	assert.Equal(t, SeverityCritical, fieldSeverity("paid_amount"))
	assert.Equal(t, SeverityWarning, fieldSeverity("status"))
	assert.Equal(t, SeverityInfo, fieldSeverity("client"))
}

func TestAudit(t *testing.T) {
	fake := remotetest.New(order(1, "Ana", "5"), order(2, "Eva", "7"))
	da := newAnalyzer(t, fake)

	report, err := da.Audit(context.Background(), []models.Order{order(1, "Ana", "5")})
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, report.Analysis.MissingLocally)

	fake.FailNext("list", errors.New("down"))
	_, err = da.Audit(context.Background(), nil)
	assert.Error(t, err)
}

func TestGenerateReport(t *testing.T) {
	da := newAnalyzer(t, remotetest.New())
	report := da.CompareData([]models.Order{order(1, "Ana", "5")}, nil)

	data, err := da.GenerateReport(report, "json")
	require.NoError(t, err)
	assert.Contains(t, string(data), `"ghosts": [`)

	data, err = da.GenerateReport(report, "summary")
	require.NoError(t, err)
	summary := string(data)
	assert.True(t, strings.HasPrefix(summary, "DRIFT REPORT"))
	assert.Contains(t, summary, "Ghosts: 1")
	assert.Contains(t, summary, "STATUS: POOR")

	_, err = da.GenerateReport(report, "xml")
	assert.Error(t, err)
}

func TestNewDataAnalyzerRejectsNilDependencies(t *testing.T) {
	_, err := NewDataAnalyzer(nil, logrus.New())
	assert.Error(t, err)

	_, err = NewDataAnalyzer(remotetest.New(), nil)
	assert.Error(t, err)
}
