package notification_test

import (
	"encoding/json"
	"testing"

	"github.com/randalmurphal/eventgateway/pkg/eventgateway/notification"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocument_InsertionOrder(t *testing.T) {
	doc := notification.NewDocument()
	doc.Set("serviceName", "rb")
	doc.Set("appName", "app")
	doc.Set("type2", []any{"x"})
	doc.Set("type1", []any{"y"})
	doc.Set("serviceName", "rb2") // existing key keeps its slot

	assert.Equal(t, []string{"serviceName", "appName", "type2", "type1"}, doc.Keys())
	assert.Equal(t, 4, doc.Len())

	v, ok := doc.Get("serviceName")
	require.True(t, ok)
	assert.Equal(t, "rb2", v)
	assert.Equal(t, []any{"y"}, doc.Bucket("type1"))
	assert.Nil(t, doc.Bucket("missing"))
}

func TestDocument_MarshalJSONKeepsOrder(t *testing.T) {
	doc := notification.NewDocument()
	doc.Set("z", 1)
	doc.Set("a", nil)
	doc.Set("m", []any{map[string]any{"k": "v"}})

	b, err := json.Marshal(doc)
	require.NoError(t, err)
	assert.Equal(t, `{"z":1,"a":null,"m":[{"k":"v"}]}`, string(b))
}

func TestDocument_UnmarshalJSONKeepsOrder(t *testing.T) {
	var doc notification.Document
	err := json.Unmarshal([]byte(`{"serviceName":"rb","appName":"app","PROCESS_STARTED":[{"processInstanceId":12}]}`), &doc)
	require.NoError(t, err)

	assert.Equal(t, []string{"serviceName", "appName", "PROCESS_STARTED"}, doc.Keys())
	bucket := doc.Bucket("PROCESS_STARTED")
	require.Len(t, bucket, 1)
	entity := bucket[0].(map[string]any)
	assert.Equal(t, json.Number("12"), entity["processInstanceId"])
}

func TestDocument_UnmarshalRejectsNonObject(t *testing.T) {
	var doc notification.Document
	assert.Error(t, json.Unmarshal([]byte(`[1,2]`), &doc))
}

func TestDocument_NilSafe(t *testing.T) {
	var doc *notification.Document
	assert.Equal(t, 0, doc.Len())
	assert.Nil(t, doc.Keys())
	assert.False(t, doc.Has("a"))
	assert.Empty(t, doc.Map())
}

func TestNewBatch(t *testing.T) {
	batch := notification.NewBatch("engineEvents.rb", notification.RawEvent{"a": 1}, notification.RawEvent{"b": 2})
	assert.Equal(t, "engineEvents.rb", batch.RoutingKey)
	require.Len(t, batch.Events, 2)
	assert.Equal(t, notification.RawEvent{"b": 2}, batch.Events[1])
}
