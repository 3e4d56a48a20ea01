// -----------------------------------------------------------------------
// Webhook step executor
// -----------------------------------------------------------------------

package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/conductor/internal/models"
)

const webhookBodyLimit = 4 << 20

var allowedWebhookMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

func (e *Engine) executeWebhook(ctx context.Context, rs *runState, step *models.Step) (*models.StepResult, error) {
	cfg := step.Config.Webhook
	if cfg == nil || cfg.URL == "" {
		return nil, failStep(StepCodeConfig, "step %s: missing webhook config", step.ID)
	}

	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodPost
	}
	if !allowedWebhookMethods[method] {
		return nil, failStep(StepCodeConfig, "step %s: unsupported webhook method: %s", step.ID, method)
	}

	rs.mu.Lock()
	url := SubstituteString(cfg.URL, rs.run.Context)
	headers := SubstituteStringMap(cfg.Headers, rs.run.Context)
	body := SubstituteValue(cfg.Body, rs.run.Context)
	auth := substituteAuth(cfg.Auth, rs.run.Context)
	rs.mu.Unlock()

	var reqBody io.Reader
	contentType := ""
	if body != nil && method != http.MethodGet {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, failStep(StepCodeConfig, "step %s: failed to encode webhook body: %v", step.ID, err)
		}
		reqBody = bytes.NewReader(encoded)
		contentType = "application/json"
	}

	timeout := 30 * time.Second
	if cfg.TimeoutMs > 0 {
		timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := e.webhookLimiter.Wait(reqCtx); err != nil {
		return nil, failStep(StepCodeTimeout, "step %s: webhook rate limit wait: %v", step.ID, err)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, url, reqBody)
	if err != nil {
		return nil, failStep(StepCodeConfig, "step %s: invalid webhook request: %v", step.ID, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	applyAuth(req, auth)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		if rs.token.Cancelled() {
			return nil, errRunCancelled
		}
		return nil, failStep(StepCodeExecution, "step %s: webhook request failed: %v", step.ID, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, webhookBodyLimit))
	if err != nil {
		return nil, failStep(StepCodeExecution, "step %s: failed to read webhook response: %v", step.ID, err)
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	var respBody interface{} = string(raw)
	var parsed map[string]interface{}
	if json.Unmarshal(raw, &parsed) == nil {
		respBody = parsed
	}

	output := map[string]interface{}{
		"status":  resp.StatusCode,
		"headers": respHeaders,
		"body":    respBody,
	}

	rs.mu.Lock()
	if cfg.OutputVariable != "" {
		rs.run.Context[cfg.OutputVariable] = output
	}
	if parsed != nil {
		for key, path := range cfg.ExtractFields {
			if value, ok := LookupPath(parsed, path); ok {
				rs.run.Context[key] = value
			}
		}
	}
	rs.mu.Unlock()

	if !statusAccepted(resp.StatusCode, cfg.ValidateStatus) {
		return &models.StepResult{
			Success: false,
			Output:  output,
			Error:   &models.StepError{Code: StepCodeExecution, Message: "unexpected webhook status " + resp.Status},
		}, failStep(StepCodeExecution, "step %s: unexpected webhook status %s", step.ID, resp.Status)
	}

	return &models.StepResult{Success: true, Output: output}, nil
}

func statusAccepted(status int, validateStatus []int) bool {
	if len(validateStatus) == 0 {
		return status >= 200 && status <= 204
	}
	for _, ok := range validateStatus {
		if status == ok {
			return true
		}
	}
	return false
}

func substituteAuth(auth *models.WebhookAuth, context map[string]interface{}) *models.WebhookAuth {
	if auth == nil {
		return nil
	}
	out := *auth
	out.Username = SubstituteString(auth.Username, context)
	out.Password = SubstituteString(auth.Password, context)
	out.Token = SubstituteString(auth.Token, context)
	out.Key = SubstituteString(auth.Key, context)
	return &out
}

func applyAuth(req *http.Request, auth *models.WebhookAuth) {
	if auth == nil {
		return
	}
	switch auth.Type {
	case models.WebhookAuthBasic:
		req.SetBasicAuth(auth.Username, auth.Password)
	case models.WebhookAuthBearer:
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case models.WebhookAuthAPIKey:
		header := auth.Header
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, auth.Key)
	}
}
