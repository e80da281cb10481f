// Package main provides aexctl, the operator CLI for AEX.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	defaultAddr := getenv("AEX_ADMIN_ADDR", "http://localhost:9090")
	defaultKey := os.Getenv("AEX_ADMIN_CONTROL_KEY")

	root := flag.NewFlagSet("aexctl", flag.ContinueOnError)
	root.SetOutput(io.Discard)
	addrFlag := root.String("addr", defaultAddr, "AEX admin surface base URL (env AEX_ADMIN_ADDR)")
	keyFlag := root.String("key", defaultKey, "Admin control key (env AEX_ADMIN_CONTROL_KEY)")
	timeoutFlag := root.Duration("timeout", 15*time.Second, "HTTP request timeout")
	dsnFlag := root.String("dsn", getenv("AEX_PG_DSN", ""), "Postgres DSN, required for the replay subcommand")
	if err := root.Parse(args); err != nil {
		return usageError(err)
	}

	remaining := root.Args()
	if len(remaining) == 0 {
		return usageError(errors.New("no command specified"))
	}

	client := &apiClient{
		baseURL: strings.TrimRight(*addrFlag, "/"),
		key:     strings.TrimSpace(*keyFlag),
		http:    &http.Client{Timeout: *timeoutFlag},
	}

	switch remaining[0] {
	case "health":
		return handleHealth(ctx, client)
	case "ready":
		return handleReady(ctx, client)
	case "activity":
		return handleActivity(ctx, client)
	case "replay":
		return handleReplay(ctx, client, *dsnFlag, remaining[1:])
	case "control":
		return handleControl(ctx, client, remaining[1:])
	case "reload-config":
		return handleReloadConfig(ctx, client)
	case "help", "-h", "--help":
		printRootUsage()
		return nil
	default:
		return usageError(fmt.Errorf("unknown command %q", remaining[0]))
	}
}

func usageError(err error) error {
	printRootUsage()
	return err
}

func printRootUsage() {
	fmt.Println(`AEX operator CLI (aexctl)

Usage:
  aexctl [global flags] <command> [flags]

Global Flags:
  --addr     Admin surface base URL (env AEX_ADMIN_ADDR, default http://localhost:9090)
  --key      Admin control key (env AEX_ADMIN_CONTROL_KEY)
  --timeout  HTTP timeout (default 15s)
  --dsn      Postgres DSN, used by "replay --local" (env AEX_PG_DSN)

Commands:
  health          Show process health (uptime, cpu, memory)
  ready           Show readiness (model catalog loaded, control state)
  activity        Show control state and model count
  replay          Verify the event hash chain and reconcile agent spend
                  (via the admin surface by default; --local runs the
                  verifier directly against --dsn, bypassing the gateway)
  control pause   Pause admission (reserves are refused)
  control sandbox Route every dispatch through the sandbox responder
  control resume  Return to normal admission and dispatch
  reload-config   Reload the model catalog from disk`)
}

// apiClient is a minimal HTTP client for the admin surface: one base URL,
// one shared-secret header, JSON in and out.
type apiClient struct {
	baseURL string
	key     string
	http    *http.Client
}

func (c *apiClient) request(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.key != "" {
		req.Header.Set("X-Admin-Control-Key", c.key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: %s (status %d)", method, path, strings.TrimSpace(string(data)), resp.StatusCode)
	}
	return data, nil
}

func prettyPrint(data []byte) {
	if len(data) == 0 {
		fmt.Println("(empty)")
		return
	}
	var dst bytes.Buffer
	if err := json.Indent(&dst, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(dst.String())
}

func getenv(key, defaultValue string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return defaultValue
}

func handleHealth(ctx context.Context, client *apiClient) error {
	data, err := client.request(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	prettyPrint(data)
	return nil
}

func handleReady(ctx context.Context, client *apiClient) error {
	data, err := client.request(ctx, http.MethodGet, "/ready", nil)
	if err != nil {
		return err
	}
	prettyPrint(data)
	return nil
}

func handleActivity(ctx context.Context, client *apiClient) error {
	data, err := client.request(ctx, http.MethodGet, "/admin/activity", nil)
	if err != nil {
		return err
	}
	prettyPrint(data)
	return nil
}

func handleReplay(ctx context.Context, client *apiClient, dsn string, args []string) error {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	local := fs.Bool("local", false, "Run the verifier directly against --dsn instead of the admin surface")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if !*local {
		data, err := client.request(ctx, http.MethodGet, "/admin/replay", nil)
		if err != nil {
			return err
		}
		prettyPrint(data)
		return nil
	}

	if strings.TrimSpace(dsn) == "" {
		return errors.New("--dsn (or AEX_PG_DSN) is required for --local")
	}
	return runLocalReplay(ctx, dsn)
}

func handleControl(ctx context.Context, client *apiClient, args []string) error {
	if len(args) == 0 {
		return errors.New("control requires a subcommand: pause, sandbox, or resume")
	}
	var path string
	switch args[0] {
	case "pause":
		path = "/admin/control/pause_all"
	case "sandbox":
		path = "/admin/control/sandbox_all"
	case "resume":
		path = "/admin/control/kill_all"
	default:
		return fmt.Errorf("unknown control subcommand %q", args[0])
	}
	data, err := client.request(ctx, http.MethodPost, path, nil)
	if err != nil {
		return err
	}
	prettyPrint(data)
	return nil
}

func handleReloadConfig(ctx context.Context, client *apiClient) error {
	data, err := client.request(ctx, http.MethodPost, "/admin/reload_config", nil)
	if err != nil {
		return err
	}
	prettyPrint(data)
	return nil
}
