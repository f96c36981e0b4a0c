// Package upstream implements the Upstream Client: the minimal interface
// to the inference backend described in spec.md §4.5 (list_slots,
// restore_slot, save_slot, forward_completion, passthrough_models).
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	openai "github.com/sashabaranov/go-openai"
	"k8s.io/klog/v2"
)

// SlotState is one entry of a list_slots snapshot, as reported by the
// backend's slot-inspection endpoint.
type SlotState struct {
	ID       int    `json:"id"`
	Occupied bool   `json:"is_processing,omitempty"`
	SaveID   string `json:"filename,omitempty"`
}

// Client talks plain HTTP to the inference backend, exactly the style of
// the pack's pario-ai-pario proxy.go (context-scoped http.NewRequestWithContext,
// caller owns resp.Body for streaming calls). Slot management endpoints are
// scoped per model, per spec.md §4.5's disambiguation requirement for
// multi-model backends with per-model slot namespaces.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New returns a Client targeting baseURL (LLAMA_URL).
func New(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{},
	}
}

func (c *Client) modelPath(model, suffix string) (string, error) {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid backend URL: %w", err)
	}
	base.Path = fmt.Sprintf("/%s%s", url.PathEscape(model), suffix)
	return base.String(), nil
}

// ListSlots returns the backend's reported slot contents for model.
func (c *Client) ListSlots(ctx context.Context, model string) ([]SlotState, error) {
	target, err := c.modelPath(model, "/slots")
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build list_slots request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list_slots: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list_slots: backend returned %d", resp.StatusCode)
	}
	var slots []SlotState
	if err := json.NewDecoder(resp.Body).Decode(&slots); err != nil {
		return nil, fmt.Errorf("decode list_slots response: %w", err)
	}
	return slots, nil
}

type slotActionRequest struct {
	Filename string `json:"filename"`
}

func (c *Client) slotAction(ctx context.Context, model string, slotID int, action, saveID string) error {
	target, err := c.modelPath(model, "/slots/"+strconv.Itoa(slotID))
	if err != nil {
		return err
	}
	target += "?action=" + action

	body, err := json.Marshal(slotActionRequest{Filename: saveID})
	if err != nil {
		return fmt.Errorf("marshal slot action body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", action, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: backend returned %d: %s", action, resp.StatusCode, string(respBody))
	}
	return nil
}

// RestoreSlot instructs the backend to load saveID's KV state into slotID.
// Idempotent when the slot already holds that save, per spec.md §4.5 — the
// backend, not this client, is responsible for making the no-op case cheap.
func (c *Client) RestoreSlot(ctx context.Context, model string, slotID int, saveID string) error {
	klog.V(4).InfoS("upstream_restore_slot", "model", model, "slot_id", slotID, "save_id", saveID)
	return c.slotAction(ctx, model, slotID, "restore", saveID)
}

// SaveSlot instructs the backend to persist slotID's current KV state under saveID.
func (c *Client) SaveSlot(ctx context.Context, model string, slotID int, saveID string) error {
	klog.V(4).InfoS("upstream_save_slot", "model", model, "slot_id", slotID, "save_id", saveID)
	return c.slotAction(ctx, model, slotID, "save", saveID)
}

// ForwardCompletion pins requestBody to slotID (injecting an id_slot field,
// the way llama.cpp-style backends address a specific inference channel)
// and forwards it to the backend's completion endpoint. The caller owns
// the returned response body and must close it; spec.md requires the body
// be streamed verbatim, so this layer does not read or buffer it.
func (c *Client) ForwardCompletion(ctx context.Context, model string, slotID int, requestBody []byte) (*http.Response, error) {
	target, err := c.modelPath(model, "/v1/chat/completions")
	if err != nil {
		return nil, err
	}

	pinned, err := injectSlotID(requestBody, slotID)
	if err != nil {
		return nil, fmt.Errorf("pin request to slot: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(pinned))
	if err != nil {
		return nil, fmt.Errorf("build forward_completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forward_completion: %w", err)
	}
	return resp, nil
}

// PassthroughModels fetches the backend's model-discovery endpoint and
// decodes it into an openai.ModelsList. The body is not relayed verbatim:
// fields the ModelsList type does not carry are dropped, and the HTTP layer
// rebuilds its own listing from the model ids.
func (c *Client) PassthroughModels(ctx context.Context) (*openai.ModelsList, error) {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend URL: %w", err)
	}
	base.Path = "/v1/models"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build passthrough_models request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("passthrough_models: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("passthrough_models: backend returned %d", resp.StatusCode)
	}
	var list openai.ModelsList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode passthrough_models response: %w", err)
	}
	return &list, nil
}

// injectSlotID sets the id_slot field on a JSON request body, grounded on
// the pack's pario-ai-pario/pkg/proxy/proxy.go rewriteModel (decode to a
// raw-message map, set one field, re-encode) generalized from rewriting
// "model" to rewriting "id_slot".
func injectSlotID(body []byte, slotID int) ([]byte, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse request body as JSON object: %w", err)
	}
	slotJSON, err := json.Marshal(slotID)
	if err != nil {
		return nil, err
	}
	raw["id_slot"] = slotJSON
	return json.Marshal(raw)
}
