// ABOUTME: Operational subcommands: init, migrate, health, queues and operators
// ABOUTME: health and queues query a running server; operators and migrate open the database directly

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/shovel-router/internal/directory"
	"github.com/2389/shovel-router/internal/model"
	"github.com/2389/shovel-router/internal/webhook"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a new config file interactively",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInit(bufio.NewReader(cmd.InOrStdin()))
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and print the schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(cmd.Context(), cfg, setupLogger(cfg.Logging))
		if err != nil {
			return err
		}
		defer st.Close()

		v, err := st.SchemaVersion(cmd.Context())
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
		color.New(color.FgGreen).Printf("  ✓ Schema at version %d\n", v)
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check server health",
	RunE: func(cmd *cobra.Command, args []string) error {
		body, status, err := getJSON(cmd.Context(), "/health")
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		if status != http.StatusOK {
			return fmt.Errorf("unhealthy: status %d: %s", status, strings.TrimSpace(string(body)))
		}
		fmt.Println("healthy")
		return nil
	},
}

var queuesCmd = &cobra.Command{
	Use:   "queues",
	Short: "List queues with their depth",
	RunE: func(cmd *cobra.Command, args []string) error {
		body, status, err := getJSON(cmd.Context(), "/api/queues?per_page=100")
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return fmt.Errorf("listing queues: status %d: %s", status, strings.TrimSpace(string(body)))
		}
		var page struct {
			Queues []struct {
				Name           string   `json:"name"`
				Slug           string   `json:"slug"`
				SkillsRequired []string `json:"skills_required"`
				IsDefault      bool     `json:"is_default"`
				Depth          int      `json:"depth"`
			} `json:"queues"`
		}
		if err := json.Unmarshal(body, &page); err != nil {
			return fmt.Errorf("decoding queues: %w", err)
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SLUG\tNAME\tSKILLS\tDEPTH\tDEFAULT")
		for _, q := range page.Queues {
			def := ""
			if q.IsDefault {
				def = "yes"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", q.Slug, q.Name, strings.Join(q.SkillsRequired, ","), q.Depth, def)
		}
		return tw.Flush()
	},
}

var (
	operatorName     string
	operatorSkills   []string
	operatorInactive bool
)

var operatorsCmd = &cobra.Command{
	Use:   "operators",
	Short: "Manage the operator directory",
}

var operatorsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List operators",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, closeFn, err := openDirectory(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		ops, err := dir.List(cmd.Context(), false)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tACTIVE\tSKILLS")
		for _, op := range ops {
			fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", op.ID, op.Name, op.Active, strings.Join(op.Skills, ","))
		}
		return tw.Flush()
	},
}

var operatorsSetCmd = &cobra.Command{
	Use:   "set ID",
	Short: "Create or replace an operator",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, closeFn, err := openDirectory(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		op, err := dir.Upsert(cmd.Context(), model.Operator{
			ID:     args[0],
			Name:   operatorName,
			Active: !operatorInactive,
			Skills: operatorSkills,
		})
		if err != nil {
			return err
		}
		color.New(color.FgGreen).Printf("  ✓ Operator %s (%s) skills=%s\n", op.ID, op.Name, strings.Join(op.Skills, ","))
		return nil
	},
}

var operatorsRemoveCmd = &cobra.Command{
	Use:   "remove ID",
	Short: "Remove an operator",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, closeFn, err := openDirectory(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		if err := dir.Remove(cmd.Context(), args[0]); err != nil {
			return err
		}
		color.New(color.FgGreen).Printf("  ✓ Removed operator %s\n", args[0])
		return nil
	},
}

func init() {
	operatorsSetCmd.Flags().StringVar(&operatorName, "name", "", "display name (defaults to the id)")
	operatorsSetCmd.Flags().StringSliceVar(&operatorSkills, "skills", nil, "comma-separated skills")
	operatorsSetCmd.Flags().BoolVar(&operatorInactive, "inactive", false, "mark the operator inactive")

	operatorsCmd.AddCommand(operatorsListCmd)
	operatorsCmd.AddCommand(operatorsSetCmd)
	operatorsCmd.AddCommand(operatorsRemoveCmd)
}

func openDirectory(ctx context.Context) (*directory.SQL, func(), error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger := setupLogger(cfg.Logging)
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return directory.NewSQL(st, logger), func() { st.Close() }, nil
}

// getJSON issues a GET against the configured server address.
func getJSON(ctx context.Context, path string) ([]byte, int, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, 0, err
	}

	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("reading response: %w", err)
	}
	return body, resp.StatusCode, nil
}

func runInit(reader *bufio.Reader) error {
	fmt.Println("shovel-router configuration setup")
	fmt.Println("=================================")
	fmt.Println()

	defaultConfigPath := resolveConfigPath()
	if defaultConfigPath == "" {
		defaultConfigPath = "config.yaml"
	}

	outputFile := prompt(reader, "Config file path", defaultConfigPath)
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "127.0.0.1:8080")

	fmt.Println("\n--- Database Configuration ---")
	driver := prompt(reader, "Driver (sqlite/sqlite3/postgres)", "sqlite")
	var dbPath, dsn string
	if driver == "postgres" {
		dsn = prompt(reader, "Postgres DSN", "postgres://localhost:5432/shovel?sslmode=disable")
	} else {
		dbPath = prompt(reader, "SQLite database path", "shovel-router.db")
	}

	fmt.Println("\n--- Webhook Configuration ---")
	webhooksEnabled := yes(prompt(reader, "Enable webhooks?", "yes"))
	var secretKey, publisherKind string
	if webhooksEnabled {
		publisherKind = prompt(reader, "Publisher (log/http/redis/amqp/kafka)", "http")
		// A fresh webhook secret doubles as a random sealing key.
		key, err := webhook.GenerateSecret()
		if err != nil {
			return fmt.Errorf("generating secret key: %w", err)
		}
		secretKey = key
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# shovel-router configuration\n")
	cfg.WriteString("# Generated by shovel-router init\n\n")

	cfg.WriteString("server:\n")
	fmt.Fprintf(&cfg, "  http_addr: %q\n", httpAddr)
	cfg.WriteString("  shutdown_timeout: \"15s\"\n\n")

	cfg.WriteString("database:\n")
	fmt.Fprintf(&cfg, "  driver: %q\n", driver)
	if dsn != "" {
		fmt.Fprintf(&cfg, "  dsn: %q\n", dsn)
	} else {
		fmt.Fprintf(&cfg, "  path: %q\n", dbPath)
	}
	cfg.WriteString("\n")

	cfg.WriteString("routing:\n")
	cfg.WriteString("  claim_timeout: \"2s\"\n")
	cfg.WriteString("  lock_timeout: \"1s\"\n")
	cfg.WriteString("  max_commit_retries: 3\n\n")

	cfg.WriteString("webhooks:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", webhooksEnabled)
	if webhooksEnabled {
		fmt.Fprintf(&cfg, "  secret_key: %q\n", secretKey)
	}
	cfg.WriteString("\n")

	if webhooksEnabled {
		cfg.WriteString("publisher:\n")
		fmt.Fprintf(&cfg, "  kind: %q\n\n", publisherKind)
	}

	cfg.WriteString("logging:\n")
	fmt.Fprintf(&cfg, "  level: %q\n", logLevel)
	fmt.Fprintf(&cfg, "  format: %q\n\n", logFormat)

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: true\n")
	cfg.WriteString("  path: \"/metrics\"\n")

	if dir := filepath.Dir(outputFile); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  shovel-router serve --config %s\n", outputFile)
	return nil
}

func yes(s string) bool {
	s = strings.ToLower(s)
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
