package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/onexay/perf-ledger/internal/config"
	"github.com/onexay/perf-ledger/internal/service"
)

const (
	defaultAPI = "http://localhost:8080"
)

type commitResponse struct {
	Revision string  `json:"revision"`
	Time     string  `json:"time"`
	Parent   *string `json:"parent"`
	Author   struct {
		Name    *string `json:"name"`
		Account *string `json:"account"`
	} `json:"author"`
	Message *string `json:"message"`
}

type commitsResponse struct {
	Status  string           `json:"status"`
	Commits []commitResponse `json:"commits"`
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var api, configPath string

	root := &cobra.Command{
		Use:          "ledger-admin",
		Short:        "Administer and query the commit ledger",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&api, "api", envDefault("LEDGER_API", defaultAPI), "Base URL of the ledger REST API")
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("LEDGER_CONFIG"), "YAML configuration used for direct store access")

	root.AddCommand(newAgentCmd(&configPath))
	root.AddCommand(newCommitsCmd(&api))
	root.AddCommand(newReportCmd(&api))
	return root
}

func newAgentCmd(configPath *string) *cobra.Command {
	agent := &cobra.Command{
		Use:   "agent",
		Short: "Manage build agents allowed to report commits",
	}

	var name, password string
	add := &cobra.Command{
		Use:   "add",
		Short: "Register or replace an agent's credentials",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Storage.Backend == config.StorageBackendMemory {
				return errors.New("the memory backend lives inside the API process; list the agent under `agents` in its config (see `ledger-admin agent hash`)")
			}
			ctx := context.Background()
			store, err := service.OpenStore(ctx, cfg.Storage)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer store.Close()

			if err := service.RegisterAgent(ctx, store, name, password); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "agent %s registered\n", name)
			return nil
		},
	}
	add.Flags().StringVar(&name, "name", "", "Agent name (required)")
	add.Flags().StringVar(&password, "password", "", "Agent password (required)")
	_ = add.MarkFlagRequired("name")
	_ = add.MarkFlagRequired("password")

	var hashPassword string
	hash := &cobra.Command{
		Use:   "hash",
		Short: "Print a bcrypt hash for the agents section of the config",
		RunE: func(cmd *cobra.Command, _ []string) error {
			hashed, err := service.HashPassword(hashPassword)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(hashed))
			return nil
		},
	}
	hash.Flags().StringVar(&hashPassword, "password", "", "Agent password (required)")
	_ = hash.MarkFlagRequired("password")

	agent.AddCommand(add, hash)
	return agent
}

func newCommitsCmd(api *string) *cobra.Command {
	var from, to string
	var dumpJSON bool

	cmd := &cobra.Command{
		Use:   "commits <repository> [oldest|latest|last-reported|<revision>]",
		Short: "Query commits of a repository",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/commits/" + url.PathEscape(args[0]) + "/"
			if len(args) == 2 {
				path += url.PathEscape(args[1])
			}
			query := url.Values{}
			if from != "" {
				query.Set("from", from)
			}
			if to != "" {
				query.Set("to", to)
			}
			endpoint := strings.TrimRight(*api, "/") + path
			if len(query) > 0 {
				endpoint += "?" + query.Encode()
			}

			resp, err := http.Get(endpoint)
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			defer resp.Body.Close()

			var result commitsResponse
			if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			if result.Status != service.StatusOK {
				return fmt.Errorf("query failed: %s", result.Status)
			}

			out := cmd.OutOrStdout()
			if dumpJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(result.Commits)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "Revision\tTime\tParent\tAuthor\tMessage\n")
			for _, c := range result.Commits {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", c.Revision, c.Time, orDash(c.Parent), orDash(c.Author.Name), firstLine(c.Message))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Lower bound revision")
	cmd.Flags().StringVar(&to, "to", "", "Upper bound revision")
	cmd.Flags().BoolVar(&dumpJSON, "json", false, "Output JSON instead of table")
	return cmd
}

func newReportCmd(api *string) *cobra.Command {
	return &cobra.Command{
		Use:   "report <batch.json>",
		Short: "Submit a commit report batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			endpoint := strings.TrimRight(*api, "/") + "/api/report-commits/"
			resp, err := http.Post(endpoint, "application/json", bytes.NewReader(payload))
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(body)))
			if resp.StatusCode >= 300 {
				return fmt.Errorf("report rejected: %s", resp.Status)
			}
			return nil
		},
	}
}

func orDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

func firstLine(s *string) string {
	if s == nil {
		return "-"
	}
	line, _, _ := strings.Cut(*s, "\n")
	return line
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
