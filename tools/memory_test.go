package tools_test

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram/core"
	"github.com/engramlabs/engram/engine"
	"github.com/engramlabs/engram/memory/embedder/mock"
	"github.com/engramlabs/engram/memory/store/memstore"
	"github.com/engramlabs/engram/tools"
)

func newDispatcher(t *testing.T) *tools.Dispatcher {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	e, err := engine.New(memstore.New(), mock.New(64), nil, engine.WithLogger(logger))
	require.NoError(t, err)
	return tools.NewDispatcher(e)
}

func TestToolDefinitionsAreComplete(t *testing.T) {
	defs := tools.MemoryToolDefinitions()

	names := make(map[string]bool)
	for _, def := range defs {
		names[def.Name] = true
		assert.NotEmpty(t, def.Description)
		assert.Equal(t, "object", def.InputSchema["type"])
		assert.NotNil(t, def.InputSchema["properties"])
	}
	for _, want := range []string{"remember", "recall", "forget", "revise", "get_history", "optimize"} {
		assert.True(t, names[want], "missing tool %s", want)
	}

	api := tools.APITools()
	require.Len(t, api, len(defs))
	for i, tool := range api {
		require.NotNil(t, tool.OfTool)
		assert.Equal(t, defs[i].Name, tool.OfTool.Name)
	}
}

func TestDispatchRememberAndRecall(t *testing.T) {
	ctx := context.Background()
	d := newDispatcher(t)

	out, err := d.Dispatch(ctx, "remember", json.RawMessage(
		`{"project":"proj","content":"the api gateway caps requests at 100 rps","type":"fact","tags":["limits"]}`))
	require.NoError(t, err)

	var stored struct {
		ID     int64 `json:"id"`
		Stored bool  `json:"stored"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &stored))
	assert.True(t, stored.Stored)
	assert.NotZero(t, stored.ID)

	_, err = d.Dispatch(ctx, "optimize", json.RawMessage(`{"project":"proj"}`))
	require.NoError(t, err)

	out, err = d.Dispatch(ctx, "recall", json.RawMessage(
		`{"query":"the api gateway caps requests at 100 rps","project":"proj","strategy":"basic"}`))
	require.NoError(t, err)

	var recalled struct {
		Candidates []struct {
			ID      int64  `json:"id"`
			Content string `json:"content"`
		} `json:"candidates"`
		Strategy      string `json:"strategy"`
		ShouldAbstain bool   `json:"should_abstain"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &recalled))
	require.NotEmpty(t, recalled.Candidates)
	assert.Equal(t, stored.ID, recalled.Candidates[0].ID)
	assert.Equal(t, "basic", recalled.Strategy)
}

func TestDispatchReviseAndHistory(t *testing.T) {
	ctx := context.Background()
	d := newDispatcher(t)

	out, err := d.Dispatch(ctx, "remember", json.RawMessage(
		`{"project":"proj","content":"retries cap at three","type":"decision"}`))
	require.NoError(t, err)
	var stored struct {
		ID int64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &stored))

	_, err = d.Dispatch(ctx, "optimize", json.RawMessage(`{"project":"proj"}`))
	require.NoError(t, err)
	// Recall opens the reconsolidation window for the revise below.
	_, err = d.Dispatch(ctx, "recall", json.RawMessage(
		`{"query":"retries cap at three","project":"proj","strategy":"basic"}`))
	require.NoError(t, err)

	out, err = d.Dispatch(ctx, "revise", json.RawMessage(
		`{"id":`+jsonID(stored.ID)+`,"content":"retries cap at five","reason":"limit raised","confidence":0.9}`))
	require.NoError(t, err)
	var revised struct {
		OriginalID int64 `json:"original_id"`
		NewID      int64 `json:"new_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &revised))
	assert.Equal(t, stored.ID, revised.OriginalID)
	assert.NotEqual(t, stored.ID, revised.NewID)

	out, err = d.Dispatch(ctx, "get_history", json.RawMessage(`{"id":`+jsonID(revised.NewID)+`}`))
	require.NoError(t, err)
	var history struct {
		Versions []struct {
			Content string `json:"content"`
			Version int    `json:"version"`
		} `json:"versions"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &history))
	require.Len(t, history.Versions, 2)
	assert.Equal(t, "retries cap at three", history.Versions[0].Content)
	assert.Equal(t, "retries cap at five", history.Versions[1].Content)
}

func TestDispatchForget(t *testing.T) {
	ctx := context.Background()
	d := newDispatcher(t)

	out, err := d.Dispatch(ctx, "remember", json.RawMessage(
		`{"project":"proj","content":"temporary note"}`))
	require.NoError(t, err)
	var stored struct {
		ID int64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &stored))

	_, err = d.Dispatch(ctx, "forget", json.RawMessage(`{"id":`+jsonID(stored.ID)+`}`))
	require.NoError(t, err)

	// Gone means gone.
	_, err = d.Dispatch(ctx, "forget", json.RawMessage(`{"id":`+jsonID(stored.ID)+`}`))
	assert.True(t, core.IsValidation(err))
}

func TestDispatchRejectsUnknownTool(t *testing.T) {
	d := newDispatcher(t)
	_, err := d.Dispatch(context.Background(), "amnesia", json.RawMessage(`{}`))
	assert.Error(t, err)
}

func TestDispatchRejectsMalformedInput(t *testing.T) {
	d := newDispatcher(t)
	_, err := d.Dispatch(context.Background(), "remember", json.RawMessage(`{not json`))
	assert.Error(t, err)
}

func jsonID(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}
