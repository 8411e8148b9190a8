// Command coordctl is a thin HTTP client for coordinatord: one
// subcommand per client and operator API route (health, async_stats
// and the WebSocket stream have none), plain JSON in, pretty JSON out.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	var err error
	switch command {
	case "register":
		err = handleRegister(args)
	case "task":
		err = handleTask(args)
	case "submit":
		err = handleSubmit(args)
	case "aggregate":
		err = handleAggregate(args)
	case "status":
		err = handleStatus(args)
	case "model":
		err = handleModel(args)
	case "metrics":
		err = handleMetrics(args)
	case "reputation":
		err = handleReputation(args)
	case "incentives":
		err = handleIncentives(args)
	case "help", "--help", "-h":
		printUsage()
		return
	default:
		fmt.Printf("unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "coordctl: %v\n", err)
		os.Exit(1)
	}
}

// flagSet is a small manual flag scanner: no subcommand needs more
// than a handful of string flags, so flag.FlagSet would be more
// ceremony than the job needs.
func flagSet(args []string) map[string]string {
	out := make(map[string]string)
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") {
			continue
		}
		name := strings.TrimPrefix(arg, "--")
		if i+1 < len(args) {
			out[name] = args[i+1]
			i++
		}
	}
	return out
}

func baseURL(flags map[string]string) string {
	if v, ok := flags["addr"]; ok {
		return v
	}
	if v := os.Getenv("COORDCTL_ADDR"); v != "" {
		return v
	}
	return "http://localhost:8443"
}

func call(method, url string, body interface{}, headers map[string]string) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var decoded interface{}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	pretty, err := json.MarshalIndent(decoded, "", "  ")
	if err != nil {
		return fmt.Errorf("format response: %w", err)
	}
	fmt.Println(string(pretty))
	return nil
}

func handleRegister(args []string) error {
	flags := flagSet(args)
	if flags["client"] == "" {
		return fmt.Errorf("register requires --client <name>")
	}
	return call(http.MethodPost, baseURL(flags)+"/api/v1/register_client", map[string]string{
		"client_name": flags["client"],
	}, nil)
}

func handleTask(args []string) error {
	flags := flagSet(args)
	if flags["client"] == "" || flags["token"] == "" {
		return fmt.Errorf("task requires --client <id> --token <token>")
	}
	return call(http.MethodPost, baseURL(flags)+"/api/v1/get_task", map[string]string{
		"client_id": flags["client"],
		"token":     flags["token"],
	}, nil)
}

func handleSubmit(args []string) error {
	flags := flagSet(args)
	if flags["client"] == "" || flags["token"] == "" || flags["round"] == "" || flags["delta"] == "" {
		return fmt.Errorf("submit requires --client, --token, --round, --delta (a JSON array literal)")
	}
	var roundID int
	if _, err := fmt.Sscanf(flags["round"], "%d", &roundID); err != nil {
		return fmt.Errorf("--round must be an integer: %w", err)
	}
	return call(http.MethodPost, baseURL(flags)+"/api/v1/submit_update", map[string]interface{}{
		"client_id":    flags["client"],
		"token":        flags["token"],
		"round_id":     roundID,
		"weight_delta": json.RawMessage(flags["delta"]),
	}, nil)
}

func handleAggregate(args []string) error {
	flags := flagSet(args)
	if flags["round"] == "" {
		return fmt.Errorf("aggregate requires --round <id>")
	}
	var roundID int
	if _, err := fmt.Sscanf(flags["round"], "%d", &roundID); err != nil {
		return fmt.Errorf("--round must be an integer: %w", err)
	}
	headers := map[string]string{}
	if flags["admin-token"] != "" {
		headers["Authorization"] = "Bearer " + flags["admin-token"]
	}
	return call(http.MethodPost, baseURL(flags)+"/api/v1/aggregate_round", map[string]int{
		"round_id": roundID,
	}, headers)
}

func handleStatus(args []string) error {
	flags := flagSet(args)
	if flags["round"] == "" {
		return fmt.Errorf("status requires --round <id>")
	}
	return call(http.MethodGet, baseURL(flags)+"/api/v1/round_status/"+flags["round"], nil, nil)
}

func handleModel(args []string) error {
	flags := flagSet(args)
	version := flags["version"]
	if version == "" || version == "latest" {
		return call(http.MethodGet, baseURL(flags)+"/api/v1/model/latest", nil, nil)
	}
	return call(http.MethodGet, baseURL(flags)+"/api/v1/model/"+version, nil, nil)
}

func handleMetrics(args []string) error {
	flags := flagSet(args)
	return call(http.MethodGet, baseURL(flags)+"/api/v1/metrics", nil, nil)
}

func handleReputation(args []string) error {
	flags := flagSet(args)
	url := baseURL(flags) + "/api/v1/reputation"
	if flags["client"] != "" {
		url += "?client_id=" + flags["client"]
	}
	return call(http.MethodGet, url, nil, nil)
}

func handleIncentives(args []string) error {
	flags := flagSet(args)
	url := baseURL(flags) + "/api/v1/incentives"
	if flags["client"] != "" {
		url += "?client_id=" + flags["client"]
	}
	return call(http.MethodGet, url, nil, nil)
}

func printUsage() {
	fmt.Println("coordctl - operator CLI for the federated-learning coordinator")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  coordctl <command> [--flag value ...]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  register   --client <name>")
	fmt.Println("  task       --client <id> --token <token>")
	fmt.Println("  submit     --client <id> --token <token> --round <id> --delta <json>")
	fmt.Println("  aggregate  --round <id> [--admin-token <jwt>]")
	fmt.Println("  status     --round <id>")
	fmt.Println("  model      [--version <v> | latest by default]")
	fmt.Println("  metrics")
	fmt.Println("  reputation [--client <id>]")
	fmt.Println("  incentives [--client <id>]")
	fmt.Println()
	fmt.Println("All commands accept --addr <url> (default http://localhost:8443,")
	fmt.Println("or the COORDCTL_ADDR environment variable).")
}
