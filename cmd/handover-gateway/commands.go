// ABOUTME: CLI subcommands that talk to a running gateway or its config
// ABOUTME: init writes a config, token mints JWTs, health and ownership query the HTTP API

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/2389/handover-gateway/internal/auth"
	"github.com/2389/handover-gateway/internal/config"
	"github.com/2389/handover-gateway/internal/gateway"
)

type tokenRequest struct {
	subject string
	role    auth.Role
	ttl     time.Duration
	save    bool
}

func parseTokenArgs(args []string) (*tokenRequest, error) {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	operator := fs.String("operator", "", "operator id (JWT sub)")
	service := fs.String("service", "", "service name for pipeline tokens")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	save := fs.Bool("save", false, "also write the token next to the config file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}

	req := &tokenRequest{ttl: *ttl, save: *save}
	switch {
	case *operator != "" && *service != "":
		return nil, errors.New("--operator and --service are mutually exclusive")
	case *operator != "":
		req.subject, req.role = strings.TrimSpace(*operator), auth.RoleOperator
	case *service != "":
		req.subject, req.role = strings.TrimSpace(*service), auth.RoleService
	default:
		return nil, errors.New("--operator or --service is required")
	}
	if req.subject == "" {
		return nil, errors.New("subject cannot be empty or whitespace only")
	}
	if req.ttl <= 0 {
		return nil, errors.New("--ttl must be positive")
	}
	return req, nil
}

func runToken(args []string) error {
	req, err := parseTokenArgs(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(req.subject, req.role, req.ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	if req.save {
		path := tokenPath()
		if err := os.WriteFile(path, []byte(token), 0600); err != nil {
			return fmt.Errorf("writing token file: %w", err)
		}
		color.New(color.FgGreen).Fprintf(os.Stderr, "  ✓ Saved token: %s\n", path)
	}
	color.New(color.FgHiBlack).Fprintf(os.Stderr, "  %s token for %s, expires %s\n",
		req.role, req.subject, time.Now().Add(req.ttl).UTC().Format(time.RFC3339))
	fmt.Println(token)
	return nil
}

// apiBase returns the gateway base URL from HANDOVER_URL or the config.
func apiBase() (string, error) {
	if u := os.Getenv("HANDOVER_URL"); u != "" {
		return strings.TrimSuffix(u, "/"), nil
	}
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return "", fmt.Errorf("loading config: %w", err)
	}
	return "http://" + cfg.Server.HTTPAddr, nil
}

// loadToken reads HANDOVER_TOKEN or the token file written by `token --save`.
func loadToken() (string, error) {
	if t := os.Getenv("HANDOVER_TOKEN"); t != "" {
		return t, nil
	}
	data, err := os.ReadFile(tokenPath())
	if err != nil {
		return "", fmt.Errorf("no token: set HANDOVER_TOKEN or run `handover-gateway token --operator ID --save`")
	}
	return strings.TrimSpace(string(data)), nil
}

func runHealth(ctx context.Context) error {
	base, err := apiBase()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/health/ready", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Println("healthy")
	return nil
}

func runOwnership(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: handover-gateway ownership KEY")
	}
	base, err := apiBase()
	if err != nil {
		return err
	}
	token, err := loadToken()
	if err != nil {
		return err
	}

	o, err := fetchOwnership(ctx, http.DefaultClient, base, token, args[0])
	if err != nil {
		return err
	}
	printOwnership(os.Stdout, o)
	return nil
}

func fetchOwnership(ctx context.Context, client *http.Client, base, token, key string) (*gateway.OwnershipResponse, error) {
	endpoint := base + "/api/conversations/" + url.PathEscape(key) + "/ownership"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return nil, fmt.Errorf("gateway returned %d: %s", resp.StatusCode, apiErr.Error)
	}

	var o gateway.OwnershipResponse
	if err := json.NewDecoder(resp.Body).Decode(&o); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &o, nil
}

func printOwnership(w io.Writer, o *gateway.OwnershipResponse) {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	fmt.Fprintf(w, "  Conversation: %s\n", o.ConversationKey)
	fmt.Fprint(w, "  Owner:        ")
	if o.Owner.Kind == "operator" {
		yellow.Fprintf(w, "operator %s", o.Owner.OperatorID)
		if o.OperatorClaimedAt != nil {
			fmt.Fprintf(w, " (since %s)", o.OperatorClaimedAt.Local().Format(time.DateTime))
		}
	} else {
		cyan.Fprint(w, "agent")
		if o.AgentStartedAt != nil {
			fmt.Fprintf(w, " (since %s)", o.AgentStartedAt.Local().Format(time.DateTime))
		}
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Version:      %d\n", o.Version)
	if o.LastHumanMessageAt != nil {
		fmt.Fprintf(w, "  Last human:   %s\n", o.LastHumanMessageAt.Local().Format(time.DateTime))
	}
	if o.LastAgentMessageAt != nil {
		fmt.Fprintf(w, "  Last agent:   %s\n", o.LastAgentMessageAt.Local().Format(time.DateTime))
	}
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("handover-gateway configuration setup")
	fmt.Println("====================================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", config.DefaultPath())
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "127.0.0.1:8080")
	grpcAddr := prompt(reader, "gRPC health address (empty to disable)", "")

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDBPath())

	fmt.Println("\n--- Business Hours ---")
	hoursEnabled := isYes(prompt(reader, "Restrict agent replies to business hours?", "yes"))
	var start, end, weekdays, timezone string
	if hoursEnabled {
		start = prompt(reader, "Opens at (HH:MM)", "08:00")
		end = prompt(reader, "Closes at (HH:MM)", "18:00")
		weekdays = prompt(reader, "Weekdays", "mon,tue,wed,thu,fri")
		timezone = prompt(reader, "Timezone", "America/Sao_Paulo")
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	secret, err := randomSecret()
	if err != nil {
		return err
	}

	content := renderConfig(initAnswers{
		httpAddr:     httpAddr,
		grpcAddr:     grpcAddr,
		dbPath:       dbPath,
		jwtSecret:    secret,
		hoursEnabled: hoursEnabled,
		start:        start,
		end:          end,
		weekdays:     weekdays,
		timezone:     timezone,
		logLevel:     logLevel,
		logFormat:    logFormat,
	})

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	// The file carries the JWT secret
	if err := os.WriteFile(outputFile, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nNext steps:")
	fmt.Println("  handover-gateway serve")
	fmt.Println("  handover-gateway token --operator you@example.com --save")
	return nil
}

type initAnswers struct {
	httpAddr, grpcAddr, dbPath, jwtSecret string
	hoursEnabled                          bool
	start, end, weekdays, timezone        string
	logLevel, logFormat                   string
}

func renderConfig(a initAnswers) string {
	var b strings.Builder
	b.WriteString("# handover-gateway configuration\n")
	b.WriteString("# Generated by handover-gateway init\n\n")

	b.WriteString("server:\n")
	fmt.Fprintf(&b, "  http_addr: %q\n", a.httpAddr)
	fmt.Fprintf(&b, "  grpc_addr: %q\n\n", a.grpcAddr)

	b.WriteString("database:\n")
	fmt.Fprintf(&b, "  path: %q\n\n", a.dbPath)

	b.WriteString("auth:\n")
	fmt.Fprintf(&b, "  jwt_secret: %q\n\n", a.jwtSecret)

	b.WriteString("business_hours:\n")
	fmt.Fprintf(&b, "  enabled: %t\n", a.hoursEnabled)
	if a.hoursEnabled {
		fmt.Fprintf(&b, "  start: %q\n", a.start)
		fmt.Fprintf(&b, "  end: %q\n", a.end)
		var days []string
		for _, d := range strings.Split(a.weekdays, ",") {
			if d = strings.TrimSpace(d); d != "" {
				days = append(days, d)
			}
		}
		fmt.Fprintf(&b, "  weekdays: [%s]\n", strings.Join(days, ", "))
		fmt.Fprintf(&b, "  timezone: %q\n", a.timezone)
	}
	b.WriteString("\n")

	b.WriteString("broker:\n")
	b.WriteString("  enabled: false\n")
	b.WriteString("  url: \"${HANDOVER_AMQP_URL}\"\n\n")

	b.WriteString("logging:\n")
	fmt.Fprintf(&b, "  level: %q\n", a.logLevel)
	fmt.Fprintf(&b, "  format: %q\n\n", a.logFormat)

	b.WriteString("metrics:\n")
	b.WriteString("  enabled: false\n")
	return b.String()
}

func randomSecret() (string, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(secretBytes), nil
}

// defaultDBPath returns $XDG_DATA_HOME/handover/gateway.db, falling back to ~/.local/share.
func defaultDBPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.db"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "handover", "gateway.db")
}

func isYes(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
