package remote

import (
	"testing"

	"github.com/jogardn/gpedidos/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildUpdate(t *testing.T) {
	client := " Ana "
	paid := decimal.RequireFromString("30")
	status := models.StatusDelivered

	query, args := buildUpdate(7, models.Patch{Client: &client, Status: &status, PaidAmount: &paid})

	assert.Equal(t, "UPDATE orders SET client = $1, status = $2, paid_amount = $3 WHERE id = $4", query)
	require.Len(t, args, 4)
	assert.Equal(t, "Ana", args[0])
	assert.Equal(t, models.StatusDelivered, args[1])
	assert.True(t, args[2].(decimal.Decimal).Equal(paid))
	assert.Equal(t, int64(7), args[3])

	query, args = buildUpdate(7, models.Patch{})
	assert.Empty(t, query)
	assert.Nil(t, args)
}

func TestDecodeNotification(t *testing.T) {
	event, err := DecodeNotification(`{"kind":"DELETE","record":{"id":12,"client":"Ana","product":"Lamp",
		"cost":1,"price":2,"paid_amount":0,"status":"paid","date":"2026-01-02"}}`)
	require.NoError(t, err)
	assert.Equal(t, models.ChangeDelete, event.Kind)
	assert.Equal(t, int64(12), event.Record.ID)

	_, err = DecodeNotification(`{"kind":"INSERT","record":{"client":"Ana"}}`)
	assert.Error(t, err)

	_, err = DecodeNotification(`not json`)
	assert.Error(t, err)
}

func TestNewPostgresRejectsNilDependencies(t *testing.T) {
	_, err := NewPostgres(nil, "", logrus.New())
	assert.EqualError(t, err, "nil dependency: database")
}
