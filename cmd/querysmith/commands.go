package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/querysmith/internal/config"
	"github.com/kalambet/querysmith/internal/pipeline"
	"github.com/kalambet/querysmith/internal/templates"
)

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Turn a question into SQL",
	Long: `Turn a business question into SQL.

Examples:
  querysmith ask "What is the total premium by agency?"
  querysmith ask --run "Which states wrote the most premium last year?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args, " ")
		enhanced, _ := cmd.Flags().GetString("enhanced")
		topN, _ := cmd.Flags().GetInt("top-n")
		run, _ := cmd.Flags().GetBool("run")
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		res, err := ask(cmd.Context(), client, question, enhanced, topN)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), res)
		}
		printResult(cmd.OutOrStdout(), res)

		if run && res.SQL != "" {
			printStep("Running query...")
			qr, err := runSQL(cmd.Context(), client, res.SQL, question)
			if err != nil {
				return err
			}
			printQueryResult(cmd.OutOrStdout(), qr)
		}
		return nil
	},
}

func init() {
	askCmd.Flags().String("enhanced", "", "pre-enhanced form of the question")
	askCmd.Flags().Int("top-n", 0, "number of candidate templates to consider")
	askCmd.Flags().Bool("run", false, "execute the resulting SQL against the business database")
	askCmd.Flags().Bool("json", false, "print the raw JSON result")
}

func ask(ctx context.Context, client *apiClient, question, enhanced string, topN int) (pipeline.Result, error) {
	body := map[string]any{"question": question}
	if enhanced != "" {
		body["enhanced_question"] = enhanced
	}
	if topN > 0 {
		body["top_n"] = topN
	}
	resp, err := client.post(ctx, "/api/ask", body)
	if err != nil {
		return pipeline.Result{}, err
	}
	var res pipeline.Result
	if err := decodeJSON(resp, &res); err != nil {
		return pipeline.Result{}, err
	}
	return res, nil
}

func printResult(w io.Writer, res pipeline.Result) {
	switch res.Source {
	case pipeline.SourceVerified:
		fmt.Fprintf(w, "%s %s (similarity %.2f, confidence %.2f)\n",
			colorize(colorBold, "Verified query:"), res.TemplateName, res.Similarity, res.Confidence)
		if res.ModificationsApplied {
			fmt.Fprintln(w, colorize(colorYellow, "Tailored to the question."))
		}
	default:
		fmt.Fprintln(w, colorize(colorYellow, "No verified query matched; SQL was generated from the schema."))
	}

	if res.EnhancedQuestion != "" {
		fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "Interpreted as:"), res.EnhancedQuestion)
	}
	if res.SQL != "" {
		fmt.Fprintf(w, "\n%s\n\n", colorize(colorCyan, res.SQL))
	}
	if res.Answer != "" {
		fmt.Fprintf(w, "%s\n\n", res.Answer)
	}
	if res.Explanation != "" {
		fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "Explanation:"), res.Explanation)
	}

	status := colorize(colorGreen, "valid")
	if !res.IsValid {
		status = colorize(colorRed, "not validated")
	}
	fmt.Fprintf(w, "%s %s after %d review iteration(s)", colorize(colorBold, "Review:"), status, res.IterationsUsed)
	if res.MaxIterationsReached {
		fmt.Fprint(w, ", iteration limit reached")
	}
	fmt.Fprintln(w)
}

// --- query ---

type queryResult struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	RowCount  int      `json:"row_count"`
	Truncated bool     `json:"truncated"`
	Narrative string   `json:"narrative"`
}

var queryCmd = &cobra.Command{
	Use:   "query <sql>",
	Short: "Execute SQL against the business database",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question, _ := cmd.Flags().GetString("question")
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		qr, err := runSQL(cmd.Context(), client, strings.Join(args, " "), question)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), qr)
		}
		printQueryResult(cmd.OutOrStdout(), qr)
		return nil
	},
}

func init() {
	queryCmd.Flags().String("question", "", "question the SQL answers; enables a written summary")
	queryCmd.Flags().Bool("json", false, "print the raw JSON result")
}

func runSQL(ctx context.Context, client *apiClient, sql, question string) (queryResult, error) {
	resp, err := client.post(ctx, "/api/query", map[string]string{"sql": sql, "question": question})
	if err != nil {
		return queryResult{}, err
	}
	var qr queryResult
	if err := decodeJSON(resp, &qr); err != nil {
		return queryResult{}, err
	}
	return qr, nil
}

func printQueryResult(w io.Writer, qr queryResult) {
	printTable(w, qr.Columns, qr.Rows)
	label := fmt.Sprintf("%d row(s)", qr.RowCount)
	if qr.Truncated {
		label += ", truncated"
	}
	fmt.Fprintln(w, label)
	if qr.Narrative != "" {
		fmt.Fprintf(w, "\n%s\n", qr.Narrative)
	}
}

// --- templates ---

var templatesCmd = &cobra.Command{
	Use:     "templates",
	Aliases: []string{"tpl"},
	Short:   "Manage verified query templates",
}

var templatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List verified query templates",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		list, err := listTemplates(cmd.Context(), client)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No verified queries found.")
			return nil
		}
		for _, t := range list {
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  (%d questions)\n",
				colorize(colorCyan, t.ID), t.Name, len(t.Questions))
		}
		return nil
	},
}

var templatesShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a template in the import format",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/api/templates/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var t templates.Template
		if err := decodeJSON(resp, &t); err != nil {
			return err
		}
		out, err := templates.MarshalYAML([]templates.Template{t})
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

var templatesImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Import verified queries from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.postRaw(cmd.Context(), "/api/templates/import", "application/yaml", data)
		if err != nil {
			return err
		}
		var result struct {
			Imported int      `json:"imported"`
			JobIDs   []string `json:"job_ids"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Queued %d template(s) for indexing", result.Imported)
		return nil
	},
}

var templatesExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export all templates as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		list, err := listTemplates(cmd.Context(), client)
		if err != nil {
			return err
		}
		data, err := templates.MarshalYAML(list)
		if err != nil {
			return err
		}

		if output == "" {
			_, err = cmd.OutOrStdout().Write(data)
			return err
		}
		if err := os.WriteFile(output, data, 0o644); err != nil {
			return fmt.Errorf("writing output file: %w", err)
		}
		printSuccess("Exported %d template(s) to %s", len(list), output)
		return nil
	},
}

var templatesDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/api/templates/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Deleted %s", args[0])
		return nil
	},
}

var templatesReindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Recompute embeddings for every template",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/api/templates/reindex", nil)
		if err != nil {
			return err
		}
		var result struct {
			JobIDs []string `json:"job_ids"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Queued %d template(s) for re-embedding", len(result.JobIDs))
		return nil
	},
}

var templatesPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete all templates",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will delete ALL verified queries. Use --confirm to proceed.")
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		printStep("Deleting templates...")
		failures, err := purgeEndpoint(cmd.Context(), client, "/api/templates")
		if err != nil {
			return err
		}
		if failures > 0 {
			return fmt.Errorf("%d template(s) could not be deleted", failures)
		}
		printSuccess("All templates deleted")
		return nil
	},
}

func init() {
	templatesExportCmd.Flags().String("output", "", "output file path (default: stdout)")
	templatesPurgeCmd.Flags().Bool("confirm", false, "confirm deletion")
	templatesCmd.AddCommand(templatesListCmd, templatesShowCmd, templatesImportCmd, templatesExportCmd,
		templatesDeleteCmd, templatesReindexCmd, templatesPurgeCmd)
}

func listTemplates(ctx context.Context, client *apiClient) ([]templates.Template, error) {
	resp, err := client.get(ctx, "/api/templates")
	if err != nil {
		return nil, err
	}
	var list []templates.Template
	if err := decodeJSON(resp, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// purgeEndpoint deletes every item listed at path and returns how many
// deletions failed.
func purgeEndpoint(ctx context.Context, client *apiClient, path string) (int, error) {
	resp, err := client.get(ctx, path)
	if err != nil {
		return 0, err
	}
	var items []struct {
		ID string `json:"id"`
	}
	if err := decodeJSON(resp, &items); err != nil {
		return 0, err
	}

	failures := 0
	for _, item := range items {
		resp, err := client.delete(ctx, path+"/"+url.PathEscape(item.ID))
		if err == nil {
			err = decodeJSON(resp, nil)
		}
		if err != nil {
			printError("Failed to delete %s: %v", item.ID, err)
			failures++
		}
	}
	return failures, nil
}

// --- follow-ups ---

var followUpsCmd = &cobra.Command{
	Use:   "follow-ups <template-id>",
	Short: "Show the follow-up questions of a template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		depth, _ := cmd.Flags().GetInt("depth")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := fmt.Sprintf("/api/templates/%s/follow-ups?depth=%d", url.PathEscape(args[0]), depth)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var list []struct {
			ID        string   `json:"id"`
			Name      string   `json:"name"`
			Questions []string `json:"questions"`
			Depth     int      `json:"depth"`
		}
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No follow-ups.")
			return nil
		}
		for _, f := range list {
			indent := strings.Repeat("  ", f.Depth-1)
			fmt.Fprintf(cmd.OutOrStdout(), "%s%s  %s\n", indent, colorize(colorCyan, f.ID), f.Name)
			for _, q := range f.Questions {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  - %s\n", indent, q)
			}
		}
		return nil
	},
}

func init() {
	followUpsCmd.Flags().Int("depth", 1, "how many follow-up levels to walk (max 5)")
}

// --- jobs ---

var jobCmd = &cobra.Command{
	Use:   "job <id>",
	Short: "Show the state of a template indexing job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/api/jobs/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var job any
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), job)
	},
}

// --- profile ---

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage the analyst profile",
}

var profileShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current profile as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/api/profile")
		if err != nil {
			return err
		}

		var profile any
		if err := decodeJSON(resp, &profile); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), profile)
	},
}

var profileSetCmd = &cobra.Command{
	Use:   "set <name|context> <value>",
	Short: "Set a profile field",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.patch(cmd.Context(), "/api/profile", map[string]any{key: value})
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var profileEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open profile JSON in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		editor := os.Getenv("EDITOR")
		if editor == "" {
			editor = "vi"
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/api/profile")
		if err != nil {
			return err
		}

		var profile any
		if err := decodeJSON(resp, &profile); err != nil {
			return err
		}

		data, err := json.MarshalIndent(profile, "", "  ")
		if err != nil {
			return err
		}

		tmpFile, err := os.CreateTemp("", "querysmith-profile-*.json")
		if err != nil {
			return fmt.Errorf("creating temp file: %w", err)
		}
		tmpPath := tmpFile.Name()
		defer os.Remove(tmpPath)

		if _, err := tmpFile.Write(data); err != nil {
			tmpFile.Close()
			return err
		}
		tmpFile.Close()

		editorCmd := exec.Command(editor, tmpPath)
		editorCmd.Stdin = os.Stdin
		editorCmd.Stdout = os.Stdout
		editorCmd.Stderr = os.Stderr
		if err := editorCmd.Run(); err != nil {
			return fmt.Errorf("editor exited with error: %w", err)
		}

		edited, err := os.ReadFile(tmpPath)
		if err != nil {
			return err
		}

		var fields map[string]any
		if err := json.Unmarshal(edited, &fields); err != nil {
			return fmt.Errorf("invalid JSON: %w", err)
		}

		patchResp, err := client.patch(cmd.Context(), "/api/profile", fields)
		if err != nil {
			return err
		}
		if err := decodeJSON(patchResp, nil); err != nil {
			return err
		}

		printSuccess("Profile updated")
		return nil
	},
}

func init() {
	profileCmd.AddCommand(profileShowCmd, profileSetCmd, profileEditCmd)
}

// --- prompts ---

var promptsCmd = &cobra.Command{
	Use:   "prompts",
	Short: "Inspect or override the LLM prompts",
}

type promptInfo struct {
	ID         string `json:"id"`
	Body       string `json:"body"`
	Overridden bool   `json:"overridden"`
}

var promptsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List prompts",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/api/prompts")
		if err != nil {
			return err
		}
		var list []promptInfo
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}
		for _, p := range list {
			mark := ""
			if p.Overridden {
				mark = colorize(colorYellow, " (overridden)")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s%s\n", p.ID, mark)
		}
		return nil
	},
}

var promptsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print the effective text of a prompt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/api/prompts/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var p promptInfo
		if err := decodeJSON(resp, &p); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), p.Body)
		return nil
	},
}

var promptsSetCmd = &cobra.Command{
	Use:   "set <id> <file>",
	Short: "Override a prompt with the template text in file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.put(cmd.Context(), "/api/prompts/"+url.PathEscape(args[0]), map[string]string{"body": string(body)})
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Prompt %s overridden", args[0])
		return nil
	},
}

var promptsResetCmd = &cobra.Command{
	Use:   "reset <id>",
	Short: "Restore the built-in text of a prompt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/api/prompts/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Prompt %s reset", args[0])
		return nil
	},
}

func init() {
	promptsCmd.AddCommand(promptsListCmd, promptsShowCmd, promptsSetCmd, promptsResetCmd)
}

// --- conversations ---

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "Browse recorded conversations",
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/api/conversations?limit=%d", limit))
		if err != nil {
			return err
		}
		var list []struct {
			ID        string `json:"id"`
			Title     string `json:"title"`
			UpdatedAt string `json:"updated_at"`
		}
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No conversations found.")
			return nil
		}
		for _, c := range list {
			title := c.Title
			if len(title) > 80 {
				title = title[:80] + "..."
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s\n", colorize(colorCyan, c.ID), c.UpdatedAt, title)
		}
		return nil
	},
}

var conversationsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a conversation with its query executions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/api/conversations/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var conv any
		if err := decodeJSON(resp, &conv); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), conv)
	},
}

func init() {
	conversationsListCmd.Flags().Int("limit", 20, "maximum number of conversations to list")
	conversationsCmd.AddCommand(conversationsListCmd, conversationsShowCmd)
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

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
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

var configSetKeyCmd = &cobra.Command{
	Use:   "set-key <provider> <api-key>",
	Short: "Store an LLM provider API key in the secret store",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetAPIKey(args[0], args[1]); err != nil {
			return err
		}
		printSuccess("Stored API key for %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd, configSetKeyCmd)
}
