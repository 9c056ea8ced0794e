package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"

	"github.com/jkaninda/grcflow/internal/protocol"
	goutils "github.com/jkaninda/go-utils"
)

var (
	watchPath       string
	watchRequestIDs []string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream workflow events as they commit",
	Long: `Connect to the event stream and print one line per committed change.

Examples:
  grcflow watch
  grcflow watch --request REQ-1 --request REQ-2`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchPath, "path", "/api/v1/workflows/events", "event stream path on the server")
	watchCmd.Flags().StringSliceVar(&watchRequestIDs, "request", nil, "only stream events for these request IDs (repeatable)")
}

func runWatch(_ *cobra.Command, _ []string) error {
	token := goutils.Env("GRCFLOW_TOKEN", clientToken)
	if token == "" {
		fmt.Fprintln(os.Stderr, "Error: token required (use --token or set GRCFLOW_TOKEN)")
		os.Exit(ExitDenied)
	}
	wsURL, err := eventStreamURL(goutils.Env("GRCFLOW_URL", clientURL), watchPath, watchRequestIDs)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{protocol.Subprotocol},
		HTTPHeader:   http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			fmt.Fprintf(os.Stderr, "Error: event stream refused the connection (%d)\n", resp.StatusCode)
			os.Exit(ExitDenied)
		}
		fmt.Fprintf(os.Stderr, "Error: cannot reach event stream at %s: %v\n", wsURL, err)
		os.Exit(ExitUnavailable)
	}
	defer conn.Close(websocket.StatusNormalClosure, "client exiting")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("event stream: %w", err)
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			fmt.Fprintf(os.Stderr, "skipping malformed message: %v\n", err)
			continue
		}
		if env.Type == protocol.MsgPing {
			pong, _ := protocol.NewEnvelope(protocol.MsgPong, nil)
			if out, err := json.Marshal(pong); err == nil {
				_ = conn.Write(ctx, websocket.MessageText, out)
			}
			continue
		}
		fmt.Println(formatEnvelope(&env))
	}
}

// eventStreamURL derives the WebSocket URL from the HTTP server URL.
func eventStreamURL(base, path string, requestIDs []string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid server URL %q: %w", base, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path += path
	if len(requestIDs) > 0 {
		q := u.Query()
		for _, id := range requestIDs {
			q.Add("request_id", id)
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// formatEnvelope renders one event as a single human-readable line.
func formatEnvelope(env *protocol.Envelope) string {
	ts := env.Timestamp.Format(time.RFC3339)
	switch env.Type {
	case protocol.MsgHello:
		var p protocol.HelloPayload
		_ = env.Decode(&p)
		filter := "all requests"
		if len(p.RequestIDs) > 0 {
			filter = strings.Join(p.RequestIDs, ",")
		}
		return fmt.Sprintf("%s connected as %s (%s), watching %s", ts, p.Principal, p.Role, filter)

	case protocol.MsgConfigSaved:
		var p protocol.ConfigEventPayload
		_ = env.Decode(&p)
		return fmt.Sprintf("%s config v%d saved by %s: %s", ts, p.Config.Version, p.Actor, strings.Join(p.Config.RoleOrder, " > "))

	case protocol.MsgRequestCreated, protocol.MsgRequestTransitioned:
		var p protocol.RequestEventPayload
		if err := env.Decode(&p); err != nil || p.Request.ApprovalRequest == nil {
			return fmt.Sprintf("%s %s %s", ts, env.Type, env.RequestID)
		}
		line := fmt.Sprintf("%s %s %s status=%s", ts, env.Type, p.Request.RequestID, p.Request.Status)
		if p.Request.Stage != "" {
			line += " stage=" + p.Request.Stage
		}
		if p.Action != "" {
			line += fmt.Sprintf(" action=%s acting_role=%s", p.Action, p.ActingRole)
		}
		if p.Actor != "" {
			line += " actor=" + p.Actor
		}
		return line

	case protocol.MsgError:
		var p protocol.ErrorPayload
		_ = env.Decode(&p)
		return fmt.Sprintf("%s error %s: %s", ts, p.Code, p.Message)

	default:
		return fmt.Sprintf("%s %s", ts, env.Type)
	}
}
