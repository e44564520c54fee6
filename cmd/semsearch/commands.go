package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/semsearch/internal/ingest"
	"github.com/kalambet/semsearch/internal/rag"
	"github.com/kalambet/semsearch/internal/session"
)

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Semantic search with a generated answer",
	Long: `Semantic search with a generated answer.

Examples:
  semsearch search --collection notes "how do I configure logging"
  semsearch search --collection papers --category ml --limit 10 "transformer attention"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		collection, _ := cmd.Flags().GetString("collection")
		category, _ := cmd.Flags().GetString("category")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/api/search", map[string]any{
			"collection": collection,
			"query":      query,
			"category":   category,
			"top_k":      limit,
		})
		if err != nil {
			return err
		}

		var result rag.SearchResponse
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(result)
		}

		printAnswer(result.Answer, result.AnswerUnavailable)
		printResults(result.Results)
		return nil
	},
}

func init() {
	searchCmd.Flags().String("collection", "default", "collection to search")
	searchCmd.Flags().String("category", "", "restrict results to a category")
	searchCmd.Flags().Int("limit", 0, "maximum number of results")
}

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive retrieval-augmented chat",
	Long: `Interactive retrieval-augmented chat. Each reply is grounded in the
documents of the chosen collection. Pass --session to resume an earlier
conversation; otherwise the server starts a new one.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		collection, _ := cmd.Flags().GetString("collection")
		category, _ := cmd.Flags().GetString("category")
		sessionID, _ := cmd.Flags().GetString("session")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		scanner := bufio.NewScanner(os.Stdin)
		for {
			fmt.Fprint(os.Stderr, colorize(colorBold, "> "))
			if !scanner.Scan() {
				break
			}
			message := strings.TrimSpace(scanner.Text())
			if message == "" {
				continue
			}
			if message == "exit" || message == "quit" {
				break
			}

			resp, err := client.post(cmd.Context(), "/api/chat", map[string]any{
				"collection": collection,
				"session_id": sessionID,
				"message":    message,
				"category":   category,
			})
			if err != nil {
				return err
			}

			var result rag.ChatResponse
			if err := decodeJSON(resp, &result); err != nil {
				printError("%v", err)
				continue
			}
			sessionID = result.SessionID

			printAnswer(result.Answer, result.AnswerUnavailable)
		}

		if sessionID != "" {
			fmt.Fprintf(os.Stderr, "\nsession: %s\n", sessionID)
		}
		return scanner.Err()
	},
}

func init() {
	chatCmd.Flags().String("collection", "default", "collection to ground answers in")
	chatCmd.Flags().String("category", "", "restrict retrieval to a category")
	chatCmd.Flags().String("session", "", "session id to resume")
}

// --- ingest ---

var ingestFileCmd = &cobra.Command{
	Use:   "ingest <file>...",
	Short: "Ingest documents into a collection",
	Long: `Ingest documents into a collection. Supported formats: pdf, html, txt,
md. Re-ingesting the same file replaces its chunks instead of duplicating
them.

Examples:
  semsearch ingest --collection notes ./meeting-notes.md
  semsearch ingest --collection papers --category ml paper1.pdf paper2.pdf`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		collection, _ := cmd.Flags().GetString("collection")
		category, _ := cmd.Flags().GetString("category")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var failed int
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				printError("reading %s: %v", path, err)
				failed++
				continue
			}

			resp, err := client.upload(cmd.Context(), "/api/documents", collection, category, path, data)
			if err != nil {
				return err
			}

			var report ingest.Report
			if err := decodeJSON(resp, &report); err != nil {
				printError("ingesting %s: %v", path, err)
				failed++
				continue
			}
			printSuccess("%s: stored %d of %d chunks", report.SourceID, report.ChunksStored, report.ChunksTotal)
		}

		if failed > 0 {
			return fmt.Errorf("%d of %d documents failed", failed, len(args))
		}
		return nil
	},
}

func init() {
	ingestFileCmd.Flags().String("collection", "default", "target collection")
	ingestFileCmd.Flags().String("category", "", "category label for the chunks")
}

// --- add ---

var addCmd = &cobra.Command{
	Use:   "add <text>",
	Short: "Add a single piece of text to a collection",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.Join(args, " ")
		collection, _ := cmd.Flags().GetString("collection")
		category, _ := cmd.Flags().GetString("category")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/api/documents/text", map[string]any{
			"collection": collection,
			"text":       text,
			"category":   category,
		})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Stored document %s", result["id"])
		return nil
	},
}

func init() {
	addCmd.Flags().String("collection", "default", "target collection")
	addCmd.Flags().String("category", "", "category label")
}

// --- collections ---

var collectionsCmd = &cobra.Command{
	Use:   "collections",
	Short: "Manage collections",
}

var collectionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List collections",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/api/collections")
		if err != nil {
			return err
		}

		var body struct {
			Collections []string `json:"collections"`
		}
		if err := decodeJSON(resp, &body); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(body)
		}

		if len(body.Collections) == 0 {
			fmt.Println("No collections.")
			return nil
		}
		for _, name := range body.Collections {
			fmt.Println(name)
		}
		return nil
	},
}

var collectionsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a collection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dimension, _ := cmd.Flags().GetInt("dimension")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/api/collections", map[string]any{
			"name":      args[0],
			"dimension": dimension,
		})
		if err != nil {
			return err
		}

		var result map[string]any
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Created collection %s", args[0])
		return nil
	},
}

func init() {
	collectionsCreateCmd.Flags().Int("dimension", 0, "vector dimension (default: server embedding dimension)")
	collectionsCmd.AddCommand(collectionsListCmd)
	collectionsCmd.AddCommand(collectionsCreateCmd)
}

// --- sessions ---

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect chat sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List chat sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/api/sessions")
		if err != nil {
			return err
		}

		var body struct {
			Sessions []string `json:"sessions"`
		}
		if err := decodeJSON(resp, &body); err != nil {
			return err
		}

		if len(body.Sessions) == 0 {
			fmt.Println("No sessions.")
			return nil
		}
		for _, id := range body.Sessions {
			fmt.Println(id)
		}
		return nil
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show the turns of a chat session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/api/sessions/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var body struct {
			SessionID string         `json:"session_id"`
			Turns     []session.Turn `json:"turns"`
		}
		if err := decodeJSON(resp, &body); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(body)
		}

		if len(body.Turns) == 0 {
			fmt.Println("No turns in this session.")
			return nil
		}
		for _, turn := range body.Turns {
			fmt.Printf("%s %s\n", colorize(colorBold, fmt.Sprintf("[%d] user:", turn.Sequence)), turn.UserText)
			fmt.Printf("%s %s\n\n", colorize(colorCyan, "    bot:"), turn.BotText)
		}
		return nil
	},
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
}

// --- shared output ---

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printAnswer(answer string, unavailable bool) {
	if unavailable {
		printWarning("%s", answer)
		return
	}
	fmt.Printf("\n%s\n", answer)
}

func printResults(results []rag.Result) {
	if len(results) == 0 {
		fmt.Println("\nNo matching documents.")
		return
	}
	for _, r := range results {
		fmt.Printf("\n%s [score: %.3f]\n", colorize(colorBold, fmt.Sprintf("Result %d", r.Rank)), r.Score)
		if r.Category != "" {
			fmt.Printf("  Category: %s\n", r.Category)
		}
		text := r.Text
		if len(text) > 500 {
			text = text[:500] + "..."
		}
		fmt.Printf("  %s\n", text)
	}
}
