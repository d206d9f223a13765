package bridge

import (
	"testing"

	"rentsync/internal/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestDecodeMongoChange(t *testing.T) {
	oid := primitive.NewObjectID()
	raw, err := bson.Marshal(bson.D{
		{Key: "operationType", Value: "replace"},
		{Key: "documentKey", Value: bson.D{{Key: "_id", Value: oid}}},
		{Key: "fullDocument", Value: bson.D{{Key: "_id", Value: oid}, {Key: "title", Value: "Loft"}}},
	})
	require.NoError(t, err)

	c, err := decodeMongoChange(raw)
	require.NoError(t, err)
	assert.Equal(t, OpUpdate, c.Operation)
	assert.Equal(t, oid.Hex(), c.ID)
	assert.Contains(t, string(c.Document), `"title":"Loft"`)
	assert.Equal(t, oid, mongoID(c.ID))
}

func TestDecodeMongoDelete(t *testing.T) {
	raw, err := bson.Marshal(bson.D{
		{Key: "operationType", Value: "delete"},
		{Key: "documentKey", Value: bson.D{{Key: "_id", Value: "listing-7"}}},
	})
	require.NoError(t, err)

	c, err := decodeMongoChange(raw)
	require.NoError(t, err)
	assert.Equal(t, Change{Operation: OpDelete, ID: "listing-7"}, c)
	assert.Equal(t, "listing-7", mongoID(c.ID))
}

func TestDecodeMongoUnsupportedOperation(t *testing.T) {
	raw, err := bson.Marshal(bson.D{{Key: "operationType", Value: "drop"}})
	require.NoError(t, err)

	_, err = decodeMongoChange(raw)
	assert.ErrorIs(t, err, errs.ErrInvalidChange)
}

func TestDecodePGNotification(t *testing.T) {
	payload := `{"collection":"bookings","operationType":"insert","documentKey":"b1","fullDocument":{"tenantId":"7"}}`

	c, ok, err := decodePGNotification(payload, "bookings")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, OpInsert, c.Operation)
	assert.Equal(t, "b1", c.ID)
	assert.JSONEq(t, `{"tenantId":"7"}`, string(c.Document))

	_, ok, err = decodePGNotification(payload, "properties")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDecodePGNotificationOversizedDocument(t *testing.T) {
	// The trigger strips fullDocument when the payload exceeds NOTIFY limits.
	c, ok, err := decodePGNotification(`{"collection":"bookings","operationType":"update","documentKey":"b1"}`, "bookings")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Nil(t, c.Document)
}

func TestDecodePGNotificationGarbage(t *testing.T) {
	_, _, err := decodePGNotification("not json", "bookings")
	assert.ErrorIs(t, err, errs.ErrInvalidChange)
}
