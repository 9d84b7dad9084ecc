package transform_test

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	gwerrors "github.com/randalmurphal/eventgateway/pkg/eventgateway/errors"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/notification"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/transform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// engineEvent builds an event the way the process engine emits them.
func engineEvent(serviceName any, eventType string) map[string]any {
	e := map[string]any{
		"serviceName":         serviceName,
		"appName":             "app",
		"processInstanceId":   "p1",
		"processDefinitionId": "pd1",
		"entityId":            "e1",
	}
	if eventType != "" {
		e["eventType"] = eventType
	}
	return e
}

func fixtureTransformer(opts ...transform.Option) *transform.Transformer {
	return transform.New(append([]transform.Option{
		transform.WithAttributeKeyList("serviceName,appName"),
	}, opts...)...)
}

func TestTransform_GroupsByIdentity(t *testing.T) {
	events := []any{
		engineEvent("rb", "type1"),
		engineEvent("rb", "type2"),
		engineEvent("rb", "type2"),
		engineEvent("rb1", "type1"),
	}

	docs, err := fixtureTransformer().Transform(events)
	require.NoError(t, err)
	require.Len(t, docs, 2)

	rb := docs[0]
	assert.Equal(t, "rb", mustGet(t, rb, "serviceName"))
	assert.Equal(t, []string{"serviceName", "appName", "type1", "type2"}, rb.Keys())
	assert.Len(t, rb.Bucket("type2"), 2)
	assert.Len(t, rb.Bucket("type1"), 1)

	rb1 := docs[1]
	assert.Equal(t, "rb1", mustGet(t, rb1, "serviceName"))
	assert.Equal(t, []string{"serviceName", "appName", "type1"}, rb1.Keys())
	assert.Len(t, rb1.Bucket("type1"), 1)
}

func TestTransform_NullIdentity(t *testing.T) {
	nullProcess := engineEvent("rb", "type2")
	nullProcess["processInstanceId"] = nil

	events := []any{
		engineEvent(nil, "type1"),
		nullProcess,
		engineEvent("rb", "type2"),
		engineEvent("rb1", "type1"),
	}

	t.Run("group", func(t *testing.T) {
		docs, err := fixtureTransformer().Transform(events)
		require.NoError(t, err)
		require.Len(t, docs, 3)

		v, ok := docs[0].Get("serviceName")
		require.True(t, ok, "null identity must be kept as a value")
		assert.Nil(t, v)
		assert.Len(t, docs[0].Bucket("type1"), 1)

		assert.Equal(t, "rb", mustGet(t, docs[1], "serviceName"))
		assert.Len(t, docs[1].Bucket("type2"), 2)

		assert.Equal(t, "rb1", mustGet(t, docs[2], "serviceName"))
	})

	t.Run("drop", func(t *testing.T) {
		docs, _, err := fixtureTransformer(transform.WithNullPolicy(transform.NullDrop)).TransformWithStats(events)
		require.NoError(t, err)
		require.Len(t, docs, 2)

		assert.Equal(t, "rb", mustGet(t, docs[0], "serviceName"))
		assert.Equal(t, []string{"serviceName", "appName", "type2"}, docs[0].Keys())
		assert.Len(t, docs[0].Bucket("type2"), 2)

		assert.Equal(t, "rb1", mustGet(t, docs[1], "serviceName"))
		assert.Equal(t, []string{"serviceName", "appName", "type1"}, docs[1].Keys())
	})

	t.Run("null distinct from process instance null", func(t *testing.T) {
		tr := transform.New(
			transform.WithAttributeKeys([]string{"serviceName", "processInstanceId"}),
		)
		docs, err := tr.Transform(events)
		require.NoError(t, err)
		// (nil,p1) (rb,nil) (rb,p1) (rb1,p1)
		require.Len(t, docs, 4)
		v, _ := docs[1].Get("processInstanceId")
		assert.Nil(t, v)
	})
}

func TestTransform_MissingAttributes(t *testing.T) {
	noService := engineEvent("x", "type1")
	delete(noService, "serviceName")

	noProcess := engineEvent("rb", "type2")
	delete(noProcess, "processInstanceId")

	events := []any{
		noService,
		noProcess,
		engineEvent("rb", "type2"),
		engineEvent("rb1", ""),
	}

	docs, stats, err := fixtureTransformer().TransformWithStats(events)
	require.NoError(t, err)
	require.Len(t, docs, 1)

	assert.Equal(t, "rb", mustGet(t, docs[0], "serviceName"))
	assert.Equal(t, []string{"serviceName", "appName", "type2"}, docs[0].Keys())
	assert.Len(t, docs[0].Bucket("type2"), 2)

	assert.Equal(t, transform.Stats{Transformed: 2, Dropped: 2, Documents: 1}, stats)
}

func TestTransform_UnusableType(t *testing.T) {
	nullType := engineEvent("rb", "")
	nullType["eventType"] = nil

	numericType := engineEvent("rb", "")
	numericType["eventType"] = 7

	docs, stats, err := fixtureTransformer().TransformWithStats([]any{nullType, numericType})
	require.NoError(t, err)
	assert.Empty(t, docs)
	assert.NotNil(t, docs)
	assert.Equal(t, 2, stats.Dropped)
}

func TestTransform_TypeNamingIdentityAttribute(t *testing.T) {
	clash := engineEvent("rb", "appName")
	valid := engineEvent("rb", "PROCESS_STARTED")

	docs, stats, err := fixtureTransformer().TransformWithStats([]any{clash, valid})
	require.NoError(t, err)
	assert.Equal(t, transform.Stats{Transformed: 1, Dropped: 1, Documents: 1}, stats)

	require.Len(t, docs, 1)
	appName, ok := docs[0].Get("appName")
	require.True(t, ok)
	assert.Equal(t, "app", appName)
	assert.Len(t, docs[0].Bucket("PROCESS_STARTED"), 1)
}

func TestTransform_EngineBatch(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("testdata", "engine_batch.json"))
	require.NoError(t, err)

	events, err := transform.Decode(data)
	require.NoError(t, err)
	require.Len(t, events, 11)

	docs, err := fixtureTransformer().Transform(events)
	require.NoError(t, err)
	require.Len(t, docs, 1)

	doc := docs[0]
	assert.Equal(t, 10, doc.Len())
	assert.Equal(t, []string{
		"serviceName",
		"appName",
		"PROCESS_CREATED",
		"VARIABLE_CREATED",
		"PROCESS_STARTED",
		"ACTIVITY_STARTED",
		"ACTIVITY_COMPLETED",
		"SEQUENCE_FLOW_TAKEN",
		"TASK_CANDIDATE_GROUP_ADDED",
		"TASK_CREATED",
	}, doc.Keys())
	assert.Len(t, doc.Bucket("VARIABLE_CREATED"), 3)
	assert.Len(t, doc.Bucket("ACTIVITY_STARTED"), 2)

	// Numbers survive decoding unchanged.
	first := doc.Bucket("PROCESS_CREATED")[0].(map[string]any)
	assert.Equal(t, json.Number("1539759664348"), first["timestamp"])
}

func TestTransform_EntityPayload(t *testing.T) {
	tr := fixtureTransformer(transform.WithPayloadMode(transform.PayloadEntity))

	withEntity := engineEvent("rb", "TASK_CREATED")
	withEntity["entity"] = map[string]any{"id": "t1"}
	noEntity := engineEvent("rb", "TASK_CREATED")

	docs, err := tr.Transform([]any{withEntity, noEntity})
	require.NoError(t, err)
	require.Len(t, docs, 1)

	bucket := docs[0].Bucket("TASK_CREATED")
	require.Len(t, bucket, 2)
	assert.Equal(t, map[string]any{"id": "t1"}, bucket[0])
	assert.Nil(t, bucket[1])

	t.Run("non-object entity is malformed", func(t *testing.T) {
		bad := engineEvent("rb", "TASK_CREATED")
		bad["entity"] = "t1"

		_, err := tr.Transform([]any{withEntity, bad})
		var transformErr *gwerrors.TransformError
		require.True(t, errors.As(err, &transformErr))
		assert.Equal(t, 1, transformErr.Index)
	})

	t.Run("custom entity key", func(t *testing.T) {
		ev := engineEvent("rb", "T")
		ev["payload"] = map[string]any{"k": "v"}
		docs, err := fixtureTransformer(
			transform.WithPayloadMode(transform.PayloadEntity),
			transform.WithEntityKey("payload"),
		).Transform([]any{ev})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"k": "v"}, docs[0].Bucket("T")[0])
	})
}

func TestTransform_MalformedElement(t *testing.T) {
	events := []any{engineEvent("rb", "type1"), "not-an-event", engineEvent("rb", "type2")}

	docs, err := fixtureTransformer().Transform(events)
	require.Error(t, err)
	assert.Nil(t, docs)

	var transformErr *gwerrors.TransformError
	require.True(t, errors.As(err, &transformErr))
	assert.Equal(t, 1, transformErr.Index)
	assert.True(t, gwerrors.IsPermanent(err))
}

func TestTransform_Empty(t *testing.T) {
	tr := transform.New()

	docs, err := tr.Transform(nil)
	require.NoError(t, err)
	assert.NotNil(t, docs)
	assert.Empty(t, docs)

	docs, err = tr.TransformBatch(notification.EventBatch{})
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestTransform_DefaultIdentityOrder(t *testing.T) {
	event := map[string]any{
		"businessKey":          "bk",
		"eventType":            "PROCESS_STARTED",
		"processInstanceId":    "p1",
		"appName":              "app",
		"processDefinitionKey": "Simple",
		"serviceName":          "rb",
	}

	docs, err := transform.New().Transform([]any{event})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, append(append([]string(nil), transform.DefaultAttributeKeys...), "PROCESS_STARTED"), docs[0].Keys())
}

func TestTransform_NumericIdentityByText(t *testing.T) {
	tr := transform.New(transform.WithAttributeKeys([]string{"processInstanceId"}))

	events, err := transform.Decode([]byte(`[
		{"processInstanceId": 12, "eventType": "A"},
		{"processInstanceId": 12, "eventType": "B"},
		{"processInstanceId": 12.0, "eventType": "C"},
		{"processInstanceId": "12", "eventType": "D"}
	]`))
	require.NoError(t, err)

	docs, err := tr.Transform(events)
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, []string{"processInstanceId", "A", "B"}, docs[0].Keys())
}

func TestTransform_Idempotent(t *testing.T) {
	events := []any{
		engineEvent("rb", "type1"),
		engineEvent("rb1", "type1"),
		engineEvent("rb", "type2"),
	}
	tr := fixtureTransformer()

	first, err := tr.Transform(events)
	require.NoError(t, err)
	second, err := tr.Transform(events)
	require.NoError(t, err)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.JSONEq(t, string(a), string(b))
	assert.Equal(t, string(a), string(b), "key order must be stable")
}

func TestTransform_DoesNotMutateInput(t *testing.T) {
	event := engineEvent("rb", "type1")
	before, err := json.Marshal(event)
	require.NoError(t, err)

	_, err = fixtureTransformer().Transform([]any{event})
	require.NoError(t, err)

	after, err := json.Marshal(event)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestTransform_Concurrent(t *testing.T) {
	tr := fixtureTransformer()
	events := []any{engineEvent("rb", "type1"), engineEvent("rb1", "type2")}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			docs, err := tr.Transform(events)
			assert.NoError(t, err)
			assert.Len(t, docs, 2)
		}()
	}
	wg.Wait()
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantLen int
		wantErr bool
	}{
		{"array", `[{"a":1},{"b":2}]`, 2, false},
		{"empty array", `[]`, 0, false},
		{"null", `null`, 0, false},
		{"object", `{"a":1}`, 0, true},
		{"garbage", `[{`, 0, true},
		{"trailing", `[] []`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := transform.Decode([]byte(tt.input))
			if tt.wantErr {
				var transformErr *gwerrors.TransformError
				require.True(t, errors.As(err, &transformErr))
				assert.Equal(t, -1, transformErr.Index)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, events)
			assert.Len(t, events, tt.wantLen)
		})
	}
}

func TestParseOptions(t *testing.T) {
	mode, err := transform.ParsePayloadMode("entity")
	require.NoError(t, err)
	assert.Equal(t, transform.PayloadEntity, mode)
	assert.Equal(t, "entity", mode.String())

	_, err = transform.ParsePayloadMode("body")
	assert.Error(t, err)

	policy, err := transform.ParseNullPolicy("DROP")
	require.NoError(t, err)
	assert.Equal(t, transform.NullDrop, policy)
	assert.Equal(t, "drop", policy.String())

	_, err = transform.ParseNullPolicy("ignore")
	assert.Error(t, err)

	assert.Equal(t, []string{"a", "b"}, transform.SplitKeyList(" a, ,b "))
}

func mustGet(t *testing.T, doc *notification.Document, key string) any {
	t.Helper()
	v, ok := doc.Get(key)
	require.True(t, ok, "missing key %s", key)
	return v
}
