package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/conductor/internal/models"
)

func webhookStep(id string, cfg *models.WebhookConfig) models.Step {
	return models.Step{
		ID:     id,
		Name:   id,
		Type:   models.StepTypeWebhook,
		Config: models.StepConfig{Webhook: cfg},
	}
}

func TestEngineWebhookStep(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	var mu sync.Mutex
	var gotMethod, gotContentType, gotTrace, gotAuth string
	var gotBody map[string]interface{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotMethod = r.Method
		gotContentType = r.Header.Get("Content-Type")
		gotTrace = r.Header.Get("X-Trace")
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"ok":true,"data":{"id":"rec_42"}}`))
	}))
	defer srv.Close()

	p := savePipeline(t, store, "pl_hook",
		webhookStep("s1", &models.WebhookConfig{
			URL:     "${context.endpoint}",
			Method:  "post",
			Headers: map[string]string{"X-Trace": "${context.traceId}"},
			Body:    map[string]interface{}{"name": "${context.name}"},
			Auth: &models.WebhookAuth{
				Type:  models.WebhookAuthBearer,
				Token: "${context.apiToken}",
			},
			OutputVariable: "resp",
			ExtractFields:  map[string]string{"recordId": "data.id"},
		}),
	)

	run, err := engine.StartRun(ctx, p, models.TriggeredBy{Type: models.TriggerSourceAPI},
		map[string]interface{}{
			"endpoint": srv.URL,
			"traceId":  "tr-9",
			"name":     "conductor",
			"apiToken": "tok-1",
		})
	require.NoError(t, err)

	done := waitForRunStatus(t, store, run.ID, models.RunStatusCompleted)

	mu.Lock()
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "tr-9", gotTrace)
	assert.Equal(t, "Bearer tok-1", gotAuth)
	assert.Equal(t, map[string]interface{}{"name": "conductor"}, gotBody)
	mu.Unlock()

	out := stepOutput(t, done, "s1")
	assert.EqualValues(t, http.StatusCreated, out["status"])

	assert.Equal(t, "rec_42", done.Context["recordId"])
	resp, ok := done.Context["resp"].(map[string]interface{})
	require.True(t, ok, "resp output missing from context")
	body, ok := resp["body"].(map[string]interface{})
	require.True(t, ok, "response body was not decoded as JSON")
	assert.Equal(t, true, body["ok"])
}

func TestEngineWebhookRejectsStatusOutsideDefaultWindow(t *testing.T) {
	engine, store := newTestEngine(t)

	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte(`{"partial":true}`))
	}))
	defer srv.Close()

	p := savePipeline(t, store, "pl_hook_206",
		webhookStep("s1", &models.WebhookConfig{URL: srv.URL}),
	)

	run, err := engine.StartRun(context.Background(), p, models.TriggeredBy{Type: models.TriggerSourceAPI}, nil)
	require.NoError(t, err)

	done := waitForRunStatus(t, store, run.ID, models.RunStatusFailed)
	assert.Equal(t, 1, requests)

	sr := done.StepRunByID("s1")
	require.NotNil(t, sr)
	assert.Equal(t, models.StepStatusFailed, sr.Status)
	require.NotNil(t, sr.Result)
	assert.False(t, sr.Result.Success)

	out := stepOutput(t, done, "s1")
	assert.EqualValues(t, http.StatusPartialContent, out["status"])

	require.NotNil(t, done.Error)
	assert.Equal(t, StepCodeExecution, done.Error.Code)
}

func TestEngineWebhookValidateStatusList(t *testing.T) {
	engine, store := newTestEngine(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	}))
	defer srv.Close()

	p := savePipeline(t, store, "pl_hook_418",
		webhookStep("s1", &models.WebhookConfig{
			URL:            srv.URL,
			ValidateStatus: []int{http.StatusTeapot},
			OutputVariable: "resp",
		}),
	)

	run, err := engine.StartRun(context.Background(), p, models.TriggeredBy{Type: models.TriggerSourceAPI}, nil)
	require.NoError(t, err)

	done := waitForRunStatus(t, store, run.ID, models.RunStatusCompleted)

	resp, ok := done.Context["resp"].(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, http.StatusTeapot, resp["status"])
	// Non-JSON responses surface as the raw string
	assert.Equal(t, "short and stout", resp["body"])
}

func TestEngineWebhookRejectsUnsupportedMethod(t *testing.T) {
	engine, store := newTestEngine(t)

	p := savePipeline(t, store, "pl_hook_trace",
		webhookStep("s1", &models.WebhookConfig{URL: "http://127.0.0.1:1", Method: "TRACE"}),
	)

	run, err := engine.StartRun(context.Background(), p, models.TriggeredBy{Type: models.TriggerSourceAPI}, nil)
	require.NoError(t, err)

	done := waitForRunStatus(t, store, run.ID, models.RunStatusFailed)
	require.NotNil(t, done.Error)
	assert.Equal(t, StepCodeConfig, done.Error.Code)
}

func TestStatusAccepted(t *testing.T) {
	tests := []struct {
		status   int
		validate []int
		want     bool
	}{
		{200, nil, true},
		{204, nil, true},
		{199, nil, false},
		{206, nil, false},
		{500, nil, false},
		{418, []int{418}, true},
		{200, []int{418}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusAccepted(tt.status, tt.validate),
			"status %d validate %v", tt.status, tt.validate)
	}
}
