package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/gridlens/gridlens/internal/core"
	"github.com/gridlens/gridlens/internal/core/engine"
	"github.com/gridlens/gridlens/internal/output"
	"github.com/gridlens/gridlens/internal/server/handlers"
)

var resourcesServer string

var resourcesCmd = &cobra.Command{
	Use:   "resources",
	Short: "Show and toggle third-party resource state",
	Long: `Show per-resource rate limit windows and breaker state.

Breaker and window state lives in the worker process. With --server the
state is read from a running 'gridlens serve'; without it the configured
limits are shown with empty windows.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var statuses []core.ResourceStatus
		if strings.TrimSpace(resourcesServer) != "" {
			var resp handlers.ResourcesResponse
			if err := callServer(cmd.Context(), http.MethodGet, "/v1/resources", &resp); err != nil {
				return err
			}
			statuses = resp.Resources
		} else {
			cfg, err := loadConfig(nil)
			if err != nil {
				return err
			}
			manager := engine.NewAPIManager(cfg.ResourceLimits(), nil, nil)
			for _, name := range cfg.ResourceNames() {
				if cfg.Resources[name].Disabled {
					_ = manager.Disable(name)
				}
			}
			statuses = manager.Statuses()
		}
		return render(cmd, func(f output.Formatter) (string, error) { return f.FormatResources(statuses) })
	},
}

func toggleCommand(action string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <resource>",
		Short: fmt.Sprintf("%s a resource on a running server", strings.ToUpper(action[:1])+action[1:]),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(resourcesServer) == "" {
				return fmt.Errorf("--server is required: resource state lives in the running worker")
			}
			var status core.ResourceStatus
			path := "/v1/resources/" + url.PathEscape(strings.ToLower(args[0])) + "/" + action
			if err := callServer(cmd.Context(), http.MethodPost, path, &status); err != nil {
				return err
			}
			return render(cmd, func(f output.Formatter) (string, error) {
				return f.FormatResources([]core.ResourceStatus{status})
			})
		},
	}
}

var resourcesHTTPClient = &http.Client{Timeout: 10 * time.Second}

// callServer performs a request against --server and decodes the JSON body.
func callServer(ctx context.Context, method, path string, into any) error {
	base := strings.TrimRight(strings.TrimSpace(resourcesServer), "/")
	req, err := http.NewRequestWithContext(ctx, method, base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := resourcesHTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(body, &envelope) == nil && envelope.Error.Code != "" {
			return fmt.Errorf("%s %s: %s: %s", method, path, envelope.Error.Code, envelope.Error.Message)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	return json.Unmarshal(body, into)
}

func init() {
	resourcesCmd.PersistentFlags().StringVar(&resourcesServer, "server", "", "Base URL of a running gridlens serve (e.g. http://localhost:8080)")
	addOutputFlags(resourcesCmd)

	for _, action := range []string{"disable", "enable"} {
		sub := toggleCommand(action)
		addOutputFlags(sub)
		resourcesCmd.AddCommand(sub)
	}
	rootCmd.AddCommand(resourcesCmd)
}
