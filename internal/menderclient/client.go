// Package menderclient is a thin wrapper over the Mender device APIs: the
// four operations a device consumes (authentication, inventory, deployment
// polling and deployment status/log reporting).
package menderclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	authPath        = "/api/devices/v1/authentication/auth_requests"
	inventoryPath   = "/api/devices/v1/inventory/device/attributes"
	deploymentsPath = "/api/devices/v1/deployments/device/deployments"

	// Mender truncates substate strings; mirror the limit client-side.
	maxSubstateLen = 128
)

// Client is a thin wrapper over the fleet-management backend HTTP API.
type Client struct {
	baseURL     *url.URL
	tenantToken string
	http        *http.Client
}

// New creates a backend API client.
func New(rawURL, tenantToken string, timeout time.Duration) (*Client, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme == "" {
		return nil, fmt.Errorf("base url must include scheme")
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	return &Client{
		baseURL:     parsed,
		tenantToken: tenantToken,
		http: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// BaseURL returns the configured backend URL without trailing slash.
func (c *Client) BaseURL() string {
	return strings.TrimRight(c.baseURL.String(), "/")
}

// Authenticate submits a signed authentication request. sign receives the
// exact request body and must return the base64 signature placed in the
// X-MEN-Signature header. On success the bearer token is returned; a 401
// means the device is pending acceptance or was rejected.
func (c *Client) Authenticate(ctx context.Context, identityJSON, publicKeyPEM string, sign func(payload []byte) (string, error)) (string, error) {
	body, err := json.Marshal(map[string]string{
		"id_data":      identityJSON,
		"pubkey":       publicKeyPEM,
		"tenant_token": c.tenantToken,
	})
	if err != nil {
		return "", err
	}
	signature, err := sign(body)
	if err != nil {
		return "", fmt.Errorf("sign auth request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve(authPath), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-MEN-Signature", signature)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &TransientError{Op: "authenticate", Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		token, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", &TransientError{Op: "authenticate", Err: err}
		}
		return strings.TrimSpace(string(token)), nil
	case http.StatusUnauthorized:
		return "", &AuthRejectionError{Reason: rejectionReason(resp.Body)}
	default:
		return "", &TransientError{Op: "authenticate", Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}
}

// Deployment describes a pending update offered by the backend.
type Deployment struct {
	ID           string
	ArtifactName string
	ArtifactURI  string
	ArtifactSize int64
}

// NextDeployment asks the backend for a pending deployment. A nil
// deployment with nil error means nothing is pending.
func (c *Client) NextDeployment(ctx context.Context, token, deviceType, artifactName string) (*Deployment, error) {
	u := c.resolve(deploymentsPath + "/next")
	values := url.Values{}
	values.Set("device_type", deviceType)
	values.Set("artifact_name", artifactName)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u+"?"+values.Encode(), nil)
	if err != nil {
		return nil, err
	}
	c.decorate(req, token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransientError{Op: "check deployment", Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var payload struct {
			ID       string `json:"id"`
			Artifact struct {
				ArtifactName string `json:"artifact_name"`
				Source       struct {
					URI  string `json:"uri"`
					Size int64  `json:"size"`
				} `json:"source"`
			} `json:"artifact"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return nil, &TransientError{Op: "check deployment", Err: err}
		}
		return &Deployment{
			ID:           payload.ID,
			ArtifactName: payload.Artifact.ArtifactName,
			ArtifactURI:  payload.Artifact.Source.URI,
			ArtifactSize: payload.Artifact.Source.Size,
		}, nil
	case http.StatusNoContent:
		return nil, nil
	case http.StatusUnauthorized:
		return nil, fmt.Errorf("check deployment: %w", ErrUnauthorized)
	default:
		return nil, &TransientError{Op: "check deployment", Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}
}

// UpdateInventory pushes the full attribute snapshot for the device.
func (c *Client) UpdateInventory(ctx context.Context, token string, attributes map[string]any) error {
	body, err := json.Marshal(formatAttributes(attributes))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.resolve(inventoryPath), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.decorate(req, token)

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientError{Op: "update inventory", Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusUnauthorized:
		return fmt.Errorf("update inventory: %w", ErrUnauthorized)
	default:
		return &TransientError{Op: "update inventory", Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}
}

// UpdateDeploymentStatus reports a stage change for a deployment. substate
// is optional and truncated to the backend's limit.
func (c *Client) UpdateDeploymentStatus(ctx context.Context, token, deploymentID, status, substate string) error {
	payload := map[string]string{"status": status}
	if substate != "" {
		if len(substate) > maxSubstateLen {
			substate = substate[:maxSubstateLen]
		}
		payload["substate"] = substate
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/%s/status", c.resolve(deploymentsPath), url.PathEscape(deploymentID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.decorate(req, token)

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientError{Op: "update deployment status", Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusUnauthorized:
		return fmt.Errorf("update deployment status: %w", ErrUnauthorized)
	default:
		return &TransientError{Op: "update deployment status", Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}
}

// LogMessage is one line of a deployment log upload.
type LogMessage struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// SendDeploymentLogs uploads diagnostic log lines for a failed deployment.
func (c *Client) SendDeploymentLogs(ctx context.Context, token, deploymentID string, messages []LogMessage) error {
	body, err := json.Marshal(map[string]any{"messages": messages})
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/%s/log", c.resolve(deploymentsPath), url.PathEscape(deploymentID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.decorate(req, token)

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientError{Op: "send deployment logs", Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusUnauthorized:
		return fmt.Errorf("send deployment logs: %w", ErrUnauthorized)
	default:
		return &TransientError{Op: "send deployment logs", Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}
}

// attribute is the wire encoding the inventory API expects.
type attribute struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// formatAttributes converts the inventory map to the backend's list form:
// lists pass through, booleans become lowercase strings, everything else
// is stringified. Output is sorted by name for stable payloads.
func formatAttributes(attributes map[string]any) []attribute {
	out := make([]attribute, 0, len(attributes))
	for name, value := range attributes {
		switch v := value.(type) {
		case []any:
			out = append(out, attribute{Name: name, Value: v})
		case []string:
			out = append(out, attribute{Name: name, Value: v})
		case bool:
			out = append(out, attribute{Name: name, Value: fmt.Sprintf("%t", v)})
		case string:
			out = append(out, attribute{Name: name, Value: v})
		default:
			out = append(out, attribute{Name: name, Value: fmt.Sprint(v)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func rejectionReason(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil {
		return ReasonRejected
	}
	text := strings.ToLower(string(raw))
	switch {
	case strings.Contains(text, "pending"):
		return ReasonPending
	case strings.Contains(text, "credential"):
		return ReasonRejectedCredentials
	default:
		return ReasonRejected
	}
}

func (c *Client) resolve(p string) string {
	u := *c.baseURL
	u.Path = c.baseURL.Path + p
	return u.String()
}

func (c *Client) decorate(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}
