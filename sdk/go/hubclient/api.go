package hubclient

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

func pluginPath(name string, rest ...string) string {
	p := "/api/v1/plugins/" + url.PathEscape(name)
	for _, r := range rest {
		p += "/" + r
	}
	return p
}

func submissionPath(id string, rest ...string) string {
	p := "/api/v1/submissions/" + url.PathEscape(id)
	for _, r := range rest {
		p += "/" + r
	}
	return p
}

// ListPlugins lists installed plugins, optionally filtered by registry status.
func (c *Client) ListPlugins(ctx context.Context, status string) ([]PluginStatus, error) {
	endpoint := "/api/v1/plugins"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var out []PluginStatus
	if err := c.sendJSON(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Plugin fetches the status of a single plugin.
func (c *Client) Plugin(ctx context.Context, name string) (PluginStatus, error) {
	var out PluginStatus
	err := c.sendJSON(ctx, http.MethodGet, pluginPath(name), nil, &out)
	return out, err
}

// Install registers and initializes a plugin.
func (c *Client) Install(ctx context.Context, req InstallRequest) (PluginStatus, error) {
	var out PluginStatus
	err := c.sendJSON(ctx, http.MethodPost, "/api/v1/plugins", req, &out)
	return out, err
}

// Start starts an installed plugin.
func (c *Client) Start(ctx context.Context, name string) (PluginStatus, error) {
	var out PluginStatus
	err := c.sendJSON(ctx, http.MethodPost, pluginPath(name, "start"), nil, &out)
	return out, err
}

// Stop stops a running plugin.
func (c *Client) Stop(ctx context.Context, name string) (PluginStatus, error) {
	var out PluginStatus
	err := c.sendJSON(ctx, http.MethodPost, pluginPath(name, "stop"), nil, &out)
	return out, err
}

// Uninstall removes a stopped or failed plugin.
func (c *Client) Uninstall(ctx context.Context, name string) error {
	return c.sendJSON(ctx, http.MethodDelete, pluginPath(name), nil, nil)
}

// UpdateConfig replaces the configuration of a plugin.
func (c *Client) UpdateConfig(ctx context.Context, name string, cfg map[string]any) (PluginStatus, error) {
	var out PluginStatus
	err := c.sendJSON(ctx, http.MethodPut, pluginPath(name, "config"), cfg, &out)
	return out, err
}

// Grant grants a permission and returns the resulting grant list.
func (c *Client) Grant(ctx context.Context, name, permission string) ([]Grant, error) {
	var out []Grant
	err := c.sendJSON(ctx, http.MethodPut, pluginPath(name, "permissions", url.PathEscape(permission)), nil, &out)
	return out, err
}

// Revoke revokes a permission and returns the resulting grant list.
func (c *Client) Revoke(ctx context.Context, name, permission string) ([]Grant, error) {
	var out []Grant
	err := c.sendJSON(ctx, http.MethodDelete, pluginPath(name, "permissions", url.PathEscape(permission)), nil, &out)
	return out, err
}

// Submit uploads a new plugin submission.
func (c *Client) Submit(ctx context.Context, manifest Manifest, developer Developer, fileName string, artifact io.Reader) (Submission, error) {
	var out Submission
	err := c.sendMultipart(ctx, "/api/v1/submissions", map[string]any{
		"manifest":  manifest,
		"developer": developer,
	}, fileName, artifact, &out)
	return out, err
}

// Resubmit replaces the artifact of a rejected submission. A nil manifest
// keeps the previous one.
func (c *Client) Resubmit(ctx context.Context, id string, manifest *Manifest, fileName string, artifact io.Reader) (Submission, error) {
	fields := map[string]any{}
	if manifest != nil {
		fields["manifest"] = manifest
	}
	var out Submission
	err := c.sendMultipart(ctx, submissionPath(id, "resubmit"), fields, fileName, artifact, &out)
	return out, err
}

// ListSubmissions lists submissions filtered by status and plugin name.
func (c *Client) ListSubmissions(ctx context.Context, status, pluginName string) ([]Submission, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if pluginName != "" {
		q.Set("plugin", pluginName)
	}
	endpoint := "/api/v1/submissions"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var out []Submission
	if err := c.sendJSON(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Submission fetches a submission by id.
func (c *Client) Submission(ctx context.Context, id string) (Submission, error) {
	var out Submission
	err := c.sendJSON(ctx, http.MethodGet, submissionPath(id), nil, &out)
	return out, err
}

// Review moves a submission to status with optional reviewer notes.
func (c *Client) Review(ctx context.Context, id, status, notes string) (Submission, error) {
	var out Submission
	err := c.sendJSON(ctx, http.MethodPut, submissionPath(id, "status"), map[string]string{
		"status": status,
		"notes":  notes,
	}, &out)
	return out, err
}

// Withdraw withdraws a submission.
func (c *Client) Withdraw(ctx context.Context, id, reason string) (Submission, error) {
	var out Submission
	err := c.sendJSON(ctx, http.MethodPost, submissionPath(id, "withdraw"), map[string]string{"reason": reason}, &out)
	return out, err
}

// DeleteSubmission deletes a pending, rejected or withdrawn submission.
func (c *Client) DeleteSubmission(ctx context.Context, id string) error {
	return c.sendJSON(ctx, http.MethodDelete, submissionPath(id), nil, nil)
}

// Statistics returns submission, plugin and event counters.
func (c *Client) Statistics(ctx context.Context) (Statistics, error) {
	var out Statistics
	err := c.sendJSON(ctx, http.MethodGet, "/api/v1/statistics", nil, &out)
	return out, err
}
