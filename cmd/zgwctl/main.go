// Package main is the entry point for zgwctl, the zgw operator CLI.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/baotiao/zeppelin-gateway/internal/serialization"
	"gopkg.in/yaml.v3"
)

const usage = `Usage: zgwctl <command> [flags]

Commands:
  adduser <name>   create a user, or a new key pair for an existing user
  listusers        list users and their key pairs
  status           show gateway status from the admin port
  export           export sqlite engine metadata as JSON
  import           import sqlite engine metadata from JSON
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	var rc int
	switch os.Args[1] {
	case "adduser":
		rc = runAddUser(os.Args[2:])
	case "listusers":
		rc = runListUsers(os.Args[2:])
	case "status":
		rc = runStatus(os.Args[2:])
	case "export":
		rc = runExport(os.Args[2:])
	case "import":
		rc = runImport(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n%s", os.Args[1], usage)
		rc = 1
	}
	os.Exit(rc)
}

// adminDo issues one request against the admin listener and returns the
// response body.
func adminDo(method, addr, path string) (string, error) {
	req, err := http.NewRequest(method, "http://"+addr+path, nil)
	if err != nil {
		return "", err
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return string(body), nil
}

func runAddUser(args []string) int {
	fs := flag.NewFlagSet("adduser", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:8199", "admin address")
	fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: zgwctl adduser [flags] <display-name>")
		return 1
	}
	name := fs.Arg(0)

	body, err := adminDo("PUT", *addr, "/admin_put_user/"+name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	accessKey, secretKey, ok := strings.Cut(body, "\r\n")
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: unexpected response: %q\n", body)
		return 1
	}
	fmt.Printf("display_name: %s\naccess_key:   %s\nsecret_key:   %s\n", name, accessKey, secretKey)
	return 0
}

func runListUsers(args []string) int {
	fs := flag.NewFlagSet("listusers", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:8199", "admin address")
	fs.Parse(args)

	body, err := adminDo("GET", *addr, "/admin_list_users")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	// One CRLF-framed block per user: a display name line followed by
	// access/secret key pairs on alternating lines.
	for _, block := range strings.Split(body, "\r\n\r\n") {
		if strings.TrimSpace(block) == "" {
			continue
		}
		lines := strings.Split(block, "\r\n")
		fmt.Println(strings.TrimPrefix(lines[0], "disply_name: "))
		for i := 1; i+1 < len(lines); i += 2 {
			fmt.Printf("  %s %s\n", lines[i], lines[i+1])
		}
	}
	return 0
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:8199", "admin address")
	fs.Parse(args)

	body, err := adminDo("GET", *addr, "/status")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	var st struct {
		Version       string            `json:"version"`
		UptimeSeconds int64             `json:"uptime_seconds"`
		TotalRequests uint64            `json:"total_requests"`
		QPS           float64           `json:"qps"`
		Workers       int               `json:"workers"`
		Operations    map[string]uint64 `json:"operations"`
	}
	if err := json.Unmarshal([]byte(body), &st); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing status: %v\n", err)
		return 1
	}

	fmt.Printf("version:        %s\n", st.Version)
	fmt.Printf("uptime:         %s\n", time.Duration(st.UptimeSeconds)*time.Second)
	fmt.Printf("total_requests: %d\n", st.TotalRequests)
	fmt.Printf("qps:            %.2f\n", st.QPS)
	fmt.Printf("workers:        %d\n", st.Workers)
	if len(st.Operations) > 0 {
		fmt.Println("operations:")
		ops := make([]string, 0, len(st.Operations))
		for op := range st.Operations {
			ops = append(ops, op)
		}
		sort.Strings(ops)
		for _, op := range ops {
			fmt.Printf("  %-26s %d\n", op, st.Operations[op])
		}
	}
	return 0
}

// resolveDBPath reads the sqlite engine path out of a gateway config file.
func resolveDBPath(configPath string) (string, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return "", err
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return "", err
	}
	storeSection, _ := raw["store"].(map[string]any)
	if storeSection == nil {
		return "./data/zgw.db", nil
	}
	path, _ := storeSection["sqlite_path"].(string)
	if path == "" {
		return "./data/zgw.db", nil
	}
	return path, nil
}

func runExport(args []string) int {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", "zgw.yaml", "Config file path")
	dbPath := fs.String("db", "", "SQLite database path (overrides config)")
	output := fs.String("output", "-", "Output file path (- for stdout)")
	tables := fs.String("tables", "", "Comma-separated table names")
	includeSecrets := fs.Bool("include-secrets", false, "Export real secret keys")
	fs.Parse(args)

	db := *dbPath
	if db == "" {
		var err error
		db, err = resolveDBPath(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading config: %v\n", err)
			return 1
		}
	}

	tableList := serialization.AllTables
	if *tables != "" {
		tableList = strings.Split(*tables, ",")
		valid := make(map[string]bool)
		for _, t := range serialization.AllTables {
			valid[t] = true
		}
		for i, t := range tableList {
			tableList[i] = strings.TrimSpace(t)
			if !valid[tableList[i]] {
				fmt.Fprintf(os.Stderr, "Error: invalid table name: %s\n", tableList[i])
				return 1
			}
		}
	}

	result, err := serialization.Export(db, &serialization.ExportOptions{
		Tables:         tableList,
		IncludeSecrets: *includeSecrets,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error exporting: %v\n", err)
		return 1
	}

	if *output == "-" {
		fmt.Println(result)
	} else {
		if err := os.WriteFile(*output, []byte(result+"\n"), 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
			return 1
		}
		fmt.Fprintf(os.Stderr, "Exported to %s\n", *output)
	}
	return 0
}

func runImport(args []string) int {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	configPath := fs.String("config", "zgw.yaml", "Config file path")
	dbPath := fs.String("db", "", "SQLite database path (overrides config)")
	input := fs.String("input", "-", "Input file path (- for stdin)")
	replace := fs.Bool("replace", false, "Replace mode (DELETE then INSERT)")
	fs.Parse(args)

	db := *dbPath
	if db == "" {
		var err error
		db, err = resolveDBPath(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading config: %v\n", err)
			return 1
		}
	}

	var jsonData []byte
	var err error
	if *input == "-" {
		jsonData, err = io.ReadAll(os.Stdin)
	} else {
		jsonData, err = os.ReadFile(*input)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
		return 1
	}

	result, err := serialization.Import(db, string(jsonData), &serialization.ImportOptions{Replace: *replace})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error importing: %v\n", err)
		return 1
	}

	for _, table := range serialization.AllTables {
		count, ok := result.Counts[table]
		if !ok {
			continue
		}
		msg := fmt.Sprintf("  %s: %d imported", table, count)
		if skip := result.Skipped[table]; skip > 0 {
			msg += fmt.Sprintf(", %d skipped", skip)
		}
		fmt.Fprintln(os.Stderr, msg)
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "  WARNING: %s\n", w)
	}
	return 0
}
