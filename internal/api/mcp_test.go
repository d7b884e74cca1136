package api

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/mnemo/internal/engine"
	"github.com/kalambet/mnemo/internal/pipeline"
	"github.com/kalambet/mnemo/internal/retrieval"
)

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func TestNewMCPServer(t *testing.T) {
	s := NewMCPServer(Deps{Responder: &mockResponder{}, Memory: sampleMemory()})
	if s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}

func TestMCPTool_Ask(t *testing.T) {
	resp := &mockResponder{answer: "blue"}
	obs := &countingObserver{}
	handler := mcpAsk(Deps{Responder: resp, Observer: obs})

	result, err := handler(t.Context(), makeCallToolRequest("ask", map[string]interface{}{
		"owner":    "ana",
		"question": "favourite colour?",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}
	if got := toolText(t, result); got != "blue" {
		t.Errorf("answer = %q", got)
	}
	if calls := resp.Calls(); len(calls) != 1 || calls[0].Owner != "ana" {
		t.Errorf("calls = %+v", calls)
	}
	if obs.Count() != 1 {
		t.Errorf("observer count = %d", obs.Count())
	}
}

func TestMCPTool_Ask_MissingArgs(t *testing.T) {
	handler := mcpAsk(Deps{Responder: &mockResponder{}})
	result, _ := handler(t.Context(), makeCallToolRequest("ask", map[string]interface{}{"question": "q"}))
	if !result.IsError {
		t.Error("expected error without owner")
	}
	result, _ = handler(t.Context(), makeCallToolRequest("ask", map[string]interface{}{"owner": "ana"}))
	if !result.IsError {
		t.Error("expected error without question")
	}
}

func TestMCPTool_Ask_ModelUnavailable(t *testing.T) {
	handler := mcpAsk(Deps{Responder: &mockResponder{err: engine.ErrModelUnavailable}})
	result, err := handler(t.Context(), makeCallToolRequest("ask", map[string]interface{}{
		"owner": "ana", "question": "q",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError || toolText(t, result) != pipeline.MsgModelUnavailable {
		t.Errorf("got %+v", result)
	}
}

func TestMCPTool_Recall_ReturnsHits(t *testing.T) {
	idx := &mockRecaller{hits: []retrieval.ScoredRecord{
		{Record: retrieval.Record{Text: "prefers tea"}, Score: 0.8},
		{Record: retrieval.Record{Text: "lives in Lisbon"}, Score: 0.5},
	}}
	handler := mcpRecall(Deps{Index: idx})

	result, err := handler(t.Context(), makeCallToolRequest("recall", map[string]interface{}{
		"owner": "ana", "query": "drinks", "limit": float64(2),
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}

	var hits []RecallHit
	if err := json.Unmarshal([]byte(toolText(t, result)), &hits); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(hits) != 2 || hits[0].Text != "prefers tea" {
		t.Errorf("hits = %+v", hits)
	}
	if idx.collection != retrieval.UserCollection("ana") || idx.topK != 2 {
		t.Errorf("searched %q top %d", idx.collection, idx.topK)
	}
}

func TestMCPTool_Recall_General(t *testing.T) {
	idx := &mockRecaller{}
	handler := mcpRecall(Deps{Index: idx})
	result, _ := handler(t.Context(), makeCallToolRequest("recall", map[string]interface{}{
		"query": "anything", "scope": "general",
	}))
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}
	if toolText(t, result) != "[]" {
		t.Errorf("got %q, want []", toolText(t, result))
	}
	if idx.collection != retrieval.GeneralCollection {
		t.Errorf("collection = %q", idx.collection)
	}
}

func TestMCPTool_Recall_Error(t *testing.T) {
	handler := mcpRecall(Deps{Index: &mockRecaller{err: errors.New("store down")}})
	result, _ := handler(t.Context(), makeCallToolRequest("recall", map[string]interface{}{
		"owner": "ana", "query": "x",
	}))
	if !result.IsError || !strings.Contains(toolText(t, result), "store down") {
		t.Errorf("got %+v", result)
	}

	result, _ = handler(t.Context(), makeCallToolRequest("recall", map[string]interface{}{"query": "x"}))
	if !result.IsError {
		t.Error("user scope without owner must fail")
	}
}

func TestMCPTool_History(t *testing.T) {
	handler := mcpHistory(Deps{Memory: sampleMemory()})
	result, err := handler(t.Context(), makeCallToolRequest("history", map[string]interface{}{"owner": "ana"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}

	var hist HistoryResponse
	if err := json.Unmarshal([]byte(toolText(t, result)), &hist); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(hist.Turns) != 2 || len(hist.Summaries) != 1 {
		t.Errorf("history = %+v", hist)
	}
}

func TestMCPServer_ConcurrentCalls(t *testing.T) {
	resp := &mockResponder{answer: "ok"}
	handler := mcpAsk(Deps{Responder: resp})

	var wg sync.WaitGroup
	errs := make(chan string, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := handler(t.Context(), makeCallToolRequest("ask", map[string]interface{}{
				"owner": "ana", "question": "q",
			}))
			if err != nil || result.IsError {
				errs <- "call failed"
			}
		}()
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Error(e)
	}
	if n := len(resp.Calls()); n != 20 {
		t.Errorf("calls = %d, want 20", n)
	}
}
