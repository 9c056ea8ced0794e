package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"
)

// Exit codes for the client commands.
const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitDenied      = 2
	ExitUnavailable = 3
)

const defaultServerURL = "http://localhost:8080"

var (
	clientURL     string
	clientToken   string
	clientTimeout int

	configExpectedVersion int64
	requestTitle          string
	listStatus            string
	listLimit             int
	listOffset            int
	transitionRole        string
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Read or replace the workflow stage order",
}

var configGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the current workflow config",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return newAPIClient().do(http.MethodGet, "/api/v1/workflows/config", nil)
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set ROLE [ROLE...]",
	Short: "Replace the stage order (admin only)",
	Long: `Replace the stage order with the given roles, first stage first.

Example:
  grcflow config set L1 L2 L3 --expected-version 1`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		body := map[string]any{"role_order": args}
		if configExpectedVersion > 0 {
			body["expected_version"] = configExpectedVersion
		}
		return newAPIClient().do(http.MethodPost, "/api/v1/workflows/config", body)
	},
}

var requestCmd = &cobra.Command{
	Use:   "request",
	Short: "Create and inspect approval requests",
}

var requestCreateCmd = &cobra.Command{
	Use:   "create REQUEST_ID",
	Short: "Submit a new approval request at the first stage",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return newAPIClient().do(http.MethodPost, "/api/v1/workflows/requests", map[string]any{
			"request_id": args[0],
			"title":      requestTitle,
		})
	},
}

var requestGetCmd = &cobra.Command{
	Use:   "get REQUEST_ID",
	Short: "Print a request with its current stage and history",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return newAPIClient().do(http.MethodGet, "/api/v1/workflows/requests/"+url.PathEscape(args[0]), nil)
	},
}

var requestListCmd = &cobra.Command{
	Use:   "list",
	Short: "List requests, most recently updated first",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		q := url.Values{}
		if listStatus != "" {
			q.Set("status", listStatus)
		}
		if listLimit > 0 {
			q.Set("limit", strconv.Itoa(listLimit))
		}
		if listOffset > 0 {
			q.Set("offset", strconv.Itoa(listOffset))
		}
		path := "/api/v1/workflows/requests"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}
		return newAPIClient().do(http.MethodGet, path, nil)
	},
}

var transitionCmd = &cobra.Command{
	Use:   "transition REQUEST_ID approve|reject",
	Short: "Approve or reject a request at its current stage",
	Long: `Approve or reject a request at its current stage. The acting role must
match the stage role; it defaults to the caller's platform role.

Examples:
  grcflow transition REQ-1 approve --as L1
  grcflow transition REQ-1 reject --as L2

Exit codes:
  0  success
  1  rejected by the workflow (wrong role, terminal request, not found)
  2  unauthorized, forbidden or rate limited
  3  server unavailable`,
	Args: cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		return newAPIClient().do(http.MethodPost, "/api/v1/workflows/transition", map[string]any{
			"request_id":  args[0],
			"action":      args[1],
			"acting_role": transitionRole,
		})
	},
}

func init() {
	configCmd.AddCommand(configGetCmd, configSetCmd)
	requestCmd.AddCommand(requestCreateCmd, requestGetCmd, requestListCmd)

	for _, cmd := range []*cobra.Command{configCmd, requestCmd, transitionCmd, watchCmd} {
		cmd.PersistentFlags().StringVar(&clientURL, "url", defaultServerURL, "grcflow server URL (or GRCFLOW_URL env)")
		cmd.PersistentFlags().StringVar(&clientToken, "token", "", "bearer token or API key (or GRCFLOW_TOKEN env)")
		cmd.PersistentFlags().IntVar(&clientTimeout, "timeout", 30, "timeout in seconds")
	}

	configSetCmd.Flags().Int64Var(&configExpectedVersion, "expected-version", 0, "fail with a conflict unless the stored config has this version")
	requestCreateCmd.Flags().StringVar(&requestTitle, "title", "", "human-readable title (required)")
	_ = requestCreateCmd.MarkFlagRequired("title")
	requestListCmd.Flags().StringVar(&listStatus, "status", "", "filter by status (pending, approved, rejected)")
	requestListCmd.Flags().IntVar(&listLimit, "limit", 0, "maximum number of requests")
	requestListCmd.Flags().IntVar(&listOffset, "offset", 0, "number of requests to skip")
	transitionCmd.Flags().StringVar(&transitionRole, "as", "", "acting stage role (default: caller's platform role)")
}

// apiClient is a thin client of the HTTP API.
type apiClient struct {
	baseURL string
	token   string
	timeout time.Duration
}

func newAPIClient() *apiClient {
	token := goutils.Env("GRCFLOW_TOKEN", clientToken)
	if token == "" {
		fmt.Fprintln(os.Stderr, "Error: token required (use --token or set GRCFLOW_TOKEN)")
		os.Exit(ExitDenied)
	}
	return &apiClient{
		baseURL: strings.TrimRight(goutils.Env("GRCFLOW_URL", clientURL), "/"),
		token:   token,
		timeout: time.Duration(clientTimeout) * time.Second,
	}
}

// do sends one request and prints the JSON response. Failures exit the
// process with a code describing the failure class.
func (c *apiClient) do(method, path string, body any) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach server at %s: %v\n", c.baseURL, err)
		os.Exit(ExitUnavailable)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		printJSON(respBody)
		return nil

	case resp.StatusCode == http.StatusUnauthorized:
		fmt.Fprintln(os.Stderr, "Error: unauthorized (check token)")
		os.Exit(ExitDenied)

	case resp.StatusCode == http.StatusForbidden && !isWorkflowError(respBody):
		fmt.Fprintln(os.Stderr, "Error: permission denied")
		os.Exit(ExitDenied)

	case resp.StatusCode == http.StatusTooManyRequests:
		fmt.Fprintln(os.Stderr, "Error: rate limited, try again later")
		os.Exit(ExitDenied)

	case resp.StatusCode == http.StatusServiceUnavailable, resp.StatusCode == http.StatusBadGateway:
		fmt.Fprintf(os.Stderr, "Error: server unavailable (%d)\n", resp.StatusCode)
		os.Exit(ExitUnavailable)
	}

	var apiErr struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Code != "" {
		fmt.Fprintf(os.Stderr, "Error: %s: %s\n", apiErr.Code, apiErr.Error)
	} else {
		fmt.Fprintf(os.Stderr, "Error: server returned %d: %s\n", resp.StatusCode, string(respBody))
	}
	os.Exit(ExitFailure)
	return nil
}

// isWorkflowError reports whether a 403 came from the workflow (a stage
// role mismatch) rather than from RBAC.
func isWorkflowError(body []byte) bool {
	var e struct {
		Code string `json:"code"`
	}
	return json.Unmarshal(body, &e) == nil && e.Code != "" && e.Code != "FORBIDDEN"
}

func printJSON(data []byte) {
	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(out.String())
}
