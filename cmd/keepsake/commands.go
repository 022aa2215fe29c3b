package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/keepsake-dev/keepsake/internal/analytics"
	"github.com/keepsake-dev/keepsake/internal/briefing"
	"github.com/keepsake-dev/keepsake/internal/compress"
	"github.com/keepsake-dev/keepsake/internal/config"
	"github.com/keepsake-dev/keepsake/internal/gemini"
	"github.com/keepsake-dev/keepsake/internal/ingest"
	"github.com/keepsake-dev/keepsake/internal/storage"
	"github.com/keepsake-dev/keepsake/internal/summary"
)

func openStore() (*storage.Store, config.Config, error) {
	cfg := config.Load()
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, config.Config{}, fmt.Errorf("opening storage: %w", err)
	}
	return store, cfg, nil
}

func capabilityFor(cfg config.Config) gemini.Capability {
	if cfg.Gemini.Mock {
		return gemini.Mock{}
	}
	return gemini.NewClient(cfg.Gemini.APIKey, cfg.Gemini.Model)
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

// --- start ---

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a new memory session for a project",
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		prompt, _ := cmd.Flags().GetString("user-prompt")

		store, _, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		session, err := store.CreateSession(project, prompt)
		if err != nil {
			return err
		}
		return printJSON(session)
	},
}

// --- record-call ---

var recordCallCmd = &cobra.Command{
	Use:   "record-call",
	Short: "Record a function call observation in a session",
	RunE: func(cmd *cobra.Command, args []string) error {
		session, _ := cmd.Flags().GetString("session")
		name, _ := cmd.Flags().GetString("name")
		fnArgs, _ := cmd.Flags().GetString("args")

		store, _, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		obs, err := store.SaveObservation(session, name, fnArgs, "")
		if err != nil {
			return err
		}
		return printJSON(obs)
	},
}

// --- record-result ---

var recordResultCmd = &cobra.Command{
	Use:   "record-result",
	Short: "Attach a result payload to an observation",
	RunE: func(cmd *cobra.Command, args []string) error {
		observation, _ := cmd.Flags().GetString("observation")
		result, _ := cmd.Flags().GetString("result")

		store, _, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.UpdateObservationResult(observation, result); err != nil {
			return err
		}
		fmt.Println("ok")
		return nil
	},
}

// --- compress ---

var compressCmd = &cobra.Command{
	Use:   "compress",
	Short: "Compress an observation into a dense summary",
	Long: `Compress an observation into a dense summary.

Runs the compression synchronously and prints the result. The background
queue in the server does the same work asynchronously.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		observation, _ := cmd.Flags().GetString("observation")

		store, cfg, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		obs, err := store.GetObservation(observation)
		if err != nil {
			return err
		}

		capability := capabilityFor(cfg)
		compressed, err := capability.Compress(cmd.Context(), obs.FunctionName, obs.FunctionArgs, obs.FunctionResult)
		if err != nil {
			return err
		}

		originalTokens := compress.EstimateTokens(obs.FunctionArgs + obs.FunctionResult)
		compressedTokens := compress.EstimateTokens(compressed)
		if err := store.MarkObservationCompressed(obs.ID, compressed, originalTokens, compressedTokens); err != nil {
			return err
		}
		fmt.Println(compressed)
		return nil
	},
}

// --- context ---

var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Print the memory context briefing for a project",
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		prompt, _ := cmd.Flags().GetString("prompt")

		store, _, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, err := briefing.NewBuilder(store).Build(project, prompt, 0, 0)
		if err != nil {
			return err
		}
		fmt.Println(ctx)
		return nil
	},
}

// --- summarize ---

var summarizeCmd = &cobra.Command{
	Use:   "summarize",
	Short: "Summarize a session and mark it finished",
	RunE: func(cmd *cobra.Command, args []string) error {
		session, _ := cmd.Flags().GetString("session")

		store, cfg, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		summarizer := summary.NewSummarizer(store, capabilityFor(cfg))
		text, err := summarizer.Summarize(cmd.Context(), session)
		if err != nil {
			return err
		}
		fmt.Println(text)
		return nil
	},
}

// --- sessions ---

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recent sessions for a project",
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		limit, _ := cmd.Flags().GetInt("limit")

		store, _, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		sessions, err := store.GetRecentSessions(project, limit)
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			printWarning("No completed sessions found for %s", project)
			return nil
		}
		for _, s := range sessions {
			date := s.CreatedAt.UTC().Format("2006-01-02")
			prompt := s.UserPrompt
			if prompt == "" {
				prompt = "No prompt"
			}
			fmt.Printf("[%s] %s (%s) - %s | %d observations\n", date, s.ID, s.Status, prompt, s.TotalObservations)
		}
		return nil
	},
}

// --- note ---

var noteCmd = &cobra.Command{
	Use:   "note",
	Short: "Save a note to a session",
	Long: `Save a note to a session.

Examples:
  keepsake note --session sess_abc --ai-response "refactored the auth middleware"
  keepsake note --session sess_abc --file ./decisions.md
  keepsake note --session sess_abc --url https://example.com/design-doc`,
	RunE: func(cmd *cobra.Command, args []string) error {
		session, _ := cmd.Flags().GetString("session")
		userPrompt, _ := cmd.Flags().GetString("user-prompt")
		aiResponse, _ := cmd.Flags().GetString("ai-response")
		annotation, _ := cmd.Flags().GetString("annotation")
		file, _ := cmd.Flags().GetString("file")
		url, _ := cmd.Flags().GetString("url")

		if file != "" {
			content, err := ingest.FromFile(file)
			if err != nil {
				return err
			}
			annotation = content
		} else if url != "" {
			client := &http.Client{Timeout: 15 * time.Second}
			content, err := ingest.FromURL(cmd.Context(), client, url)
			if err != nil {
				return err
			}
			annotation = content
		}

		if userPrompt == "" && aiResponse == "" && annotation == "" {
			return fmt.Errorf("provide at least one of --user-prompt, --ai-response, --annotation, --file, or --url")
		}

		store, _, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if _, err := store.GetSession(session); err != nil {
			return fmt.Errorf("session %s: %w", session, err)
		}

		note, err := store.SaveNote(session, userPrompt, aiResponse, annotation, storage.NoteSourceManual)
		if err != nil {
			return err
		}
		printSuccess("Note saved (%s)", note.ID)
		return nil
	},
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show compression statistics for a project",
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")

		store, _, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		snap, err := analytics.New(store.DB()).Stats(project)
		if err != nil {
			return err
		}

		printHeading("Memory stats for %s", project)
		printStat("Sessions", "%d", snap.TotalSessions)
		printStat("Observations", "%d", snap.TotalObservations)
		printStat("Compressed", "%d", snap.CompressedObservations)
		printStat("Tokens saved", "%d", snap.TotalTokensSaved)
		printStat("Compression", "%.2f%%", snap.AverageCompressionRatio)
		return nil
	},
}

func init() {
	startCmd.Flags().StringP("project", "p", "", "project path")
	startCmd.Flags().StringP("user-prompt", "u", "", "initial user prompt")
	startCmd.MarkFlagRequired("project")

	recordCallCmd.Flags().StringP("session", "s", "", "session id")
	recordCallCmd.Flags().StringP("name", "n", "", "function name")
	recordCallCmd.Flags().StringP("args", "a", "", "function args JSON")
	recordCallCmd.MarkFlagRequired("session")
	recordCallCmd.MarkFlagRequired("name")

	recordResultCmd.Flags().StringP("observation", "o", "", "observation id")
	recordResultCmd.Flags().StringP("result", "r", "", "result payload")
	recordResultCmd.MarkFlagRequired("observation")
	recordResultCmd.MarkFlagRequired("result")

	compressCmd.Flags().StringP("observation", "o", "", "observation id")
	compressCmd.MarkFlagRequired("observation")

	contextCmd.Flags().StringP("project", "p", "", "project path")
	contextCmd.Flags().StringP("prompt", "q", "", "current prompt")
	contextCmd.MarkFlagRequired("project")

	summarizeCmd.Flags().StringP("session", "s", "", "session id")
	summarizeCmd.MarkFlagRequired("session")

	sessionsCmd.Flags().StringP("project", "p", "", "project path")
	sessionsCmd.Flags().IntP("limit", "l", 5, "maximum number of sessions")
	sessionsCmd.MarkFlagRequired("project")

	noteCmd.Flags().StringP("session", "s", "", "session id")
	noteCmd.Flags().String("user-prompt", "", "what the user asked")
	noteCmd.Flags().String("ai-response", "", "what was done")
	noteCmd.Flags().String("annotation", "", "decisions, gotchas, follow-ups")
	noteCmd.Flags().String("file", "", "read note content from a file (text or PDF)")
	noteCmd.Flags().String("url", "", "fetch note content from a URL")
	noteCmd.MarkFlagRequired("session")

	statsCmd.Flags().StringP("project", "p", "", "project path")
	statsCmd.MarkFlagRequired("project")
}
