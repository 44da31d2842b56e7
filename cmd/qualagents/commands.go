package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/qualagents/qualagents/internal/config"
)

// --- submit ---

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit text for analysis",
	Long: `Submit text for asynchronous analysis by a project agent.

Examples:
  qualagents submit --project p1 --agent a1 --text "The onboarding felt confusing..."
  qualagents submit --project p1 --agent a1 --file ./interview.txt --approach narrative`,
	RunE: func(cmd *cobra.Command, args []string) error {
		projectID, _ := cmd.Flags().GetString("project")
		agentID, _ := cmd.Flags().GetString("agent")
		text, _ := cmd.Flags().GetString("text")
		file, _ := cmd.Flags().GetString("file")
		approach, _ := cmd.Flags().GetString("approach")
		wait, _ := cmd.Flags().GetBool("wait")

		if projectID == "" || agentID == "" {
			return fmt.Errorf("--project and --agent are required")
		}
		if text == "" && file == "" {
			return fmt.Errorf("one of --text or --file is required")
		}
		if file != "" {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			text = string(data)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{
			"project_id": projectID,
			"agent_id":   agentID,
			"text":       text,
		}
		if approach != "" {
			req["params"] = map[string]string{"approach": approach}
		}

		resp, err := client.post(cmd.Context(), "/v1/analyses", req)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Accepted analysis %s", result["id"])
		if wait {
			return watchAnalysis(cmd, client, result["id"])
		}
		return nil
	},
}

func init() {
	submitCmd.Flags().String("project", "", "project id")
	submitCmd.Flags().String("agent", "", "agent id")
	submitCmd.Flags().String("text", "", "text to analyze")
	submitCmd.Flags().String("file", "", "file with text to analyze")
	submitCmd.Flags().String("approach", "", "analytical approach (thematic, grounded_theory, phenomenological, narrative, discourse)")
	submitCmd.Flags().Bool("wait", false, "stream progress until the analysis finishes")
}

// --- analysis ---

var analysisCmd = &cobra.Command{
	Use:   "analysis",
	Short: "Inspect submitted analyses",
}

var analysisStatusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show the status of an analysis",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/analyses/"+args[0])
		if err != nil {
			return err
		}

		var an struct {
			ID          string `json:"id"`
			ProjectID   string `json:"project_id"`
			AgentID     string `json:"agent_id"`
			Status      string `json:"status"`
			Error       string `json:"error"`
			CreatedAt   string `json:"created_at"`
			CompletedAt string `json:"completed_at"`
		}
		if err := decodeJSON(resp, &an); err != nil {
			return err
		}

		printStatus("Analysis", "%s", an.ID)
		printStatus("Project", "%s", an.ProjectID)
		printStatus("Agent", "%s", an.AgentID)
		printStatus("Status", "%s", an.Status)
		if an.Error != "" {
			printStatus("Error", "%s", an.Error)
		}
		printStatus("Created", "%s", an.CreatedAt)
		if an.CompletedAt != "" {
			printStatus("Completed", "%s", an.CompletedAt)
		}
		return nil
	},
}

var analysisResultCmd = &cobra.Command{
	Use:   "result <id>",
	Short: "Print the result of a completed analysis as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/analyses/"+args[0]+"/result")
		if err != nil {
			return err
		}

		var result json.RawMessage
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		var pretty map[string]any
		if err := json.Unmarshal(result, &pretty); err != nil {
			return err
		}
		out, err := json.MarshalIndent(pretty, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var analysisWatchCmd = &cobra.Command{
	Use:   "watch <id>",
	Short: "Stream progress events for an analysis",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return watchAnalysis(cmd, client, args[0])
	},
}

var analysisCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Request cancellation of an analysis",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/v1/analyses/"+args[0]+"/cancel", nil)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Cancellation requested for %s", args[0])
		return nil
	},
}

// watchAnalysis follows the SSE stream, printing one line per event until the
// server sends done.
func watchAnalysis(cmd *cobra.Command, client *apiClient, id string) error {
	resp, err := client.get(cmd.Context(), "/v1/analyses/"+id+"/events")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	var event string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			switch event {
			case "status":
				var s struct {
					Status string `json:"status"`
					Detail string `json:"detail"`
				}
				if json.Unmarshal([]byte(data), &s) == nil {
					if s.Detail != "" {
						printStep("%s (%s)", s.Status, s.Detail)
					} else {
						printStep("%s", s.Status)
					}
				}
			case "result":
				fmt.Println(data)
			case "error":
				var e struct {
					Error string `json:"error"`
				}
				if json.Unmarshal([]byte(data), &e) == nil {
					printError("%s", e.Error)
				}
			case "done":
				return nil
			}
		}
	}
	return scanner.Err()
}

func init() {
	analysisCmd.AddCommand(analysisStatusCmd)
	analysisCmd.AddCommand(analysisResultCmd)
	analysisCmd.AddCommand(analysisWatchCmd)
	analysisCmd.AddCommand(analysisCancelCmd)
}

// --- memory ---

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Query project memory",
}

var memorySearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Semantically search a project's memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		projectID, _ := cmd.Flags().GetString("project")
		entryType, _ := cmd.Flags().GetString("type")
		limit, _ := cmd.Flags().GetInt("limit")

		if projectID == "" {
			return fmt.Errorf("--project is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		params := url.Values{}
		params.Set("project_id", projectID)
		params.Set("q", args[0])
		if entryType != "" {
			params.Set("type", entryType)
		}
		if limit > 0 {
			params.Set("limit", strconv.Itoa(limit))
		}

		resp, err := client.get(cmd.Context(), "/v1/memory/search?"+params.Encode())
		if err != nil {
			return err
		}

		var result struct {
			Matches []struct {
				ID    string  `json:"id"`
				Text  string  `json:"text"`
				Type  string  `json:"type"`
				Score float64 `json:"score"`
			} `json:"matches"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Matches) == 0 {
			printWarning("No matches")
			return nil
		}
		for _, m := range result.Matches {
			fmt.Printf("  %.3f  [%s]  %s\n", m.Score, m.Type, m.Text)
		}
		return nil
	},
}

func init() {
	memorySearchCmd.Flags().String("project", "", "project id")
	memorySearchCmd.Flags().String("type", "", "entry type filter (summary, insight, fragment)")
	memorySearchCmd.Flags().Int("limit", 0, "maximum results")
	memoryCmd.AddCommand(memorySearchCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
