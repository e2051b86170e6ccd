package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"strings"
	"time"

	"github.com/Sternrassler/appstore-reviews/pkg/appstore"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

type reviewsOptions struct {
	country  string
	limit    int
	jsonOut  bool
	retries  int
	backoff  time.Duration
	webURL   string
	apiURL   string
	maxWidth int
}

func newReviewsCmd() *cobra.Command {
	opts := reviewsOptions{}

	cmd := &cobra.Command{
		Use:   "reviews <app-id> [--country us] [--limit 50] [--json]",
		Short: "Prints the newest reviews of an app in one country's store.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReviews(cmd, args[0], opts)
		},
	}

	defaults := appstore.DefaultConfig()
	flags := cmd.Flags()
	flags.StringVarP(&opts.country, "country", "c", "us", "Two-letter country code of the store.")
	flags.IntVarP(&opts.limit, "limit", "n", 50, "Maximum number of reviews, 0 for all.")
	flags.BoolVar(&opts.jsonOut, "json", false, "Print one JSON object per line instead of a table.")
	flags.IntVar(&opts.retries, "retries", defaults.MaxAttempts, "Maximum attempts per request.")
	flags.DurationVar(&opts.backoff, "backoff", defaults.BackoffFactor, "Backoff factor between attempts.")
	flags.StringVar(&opts.webURL, "web-url", defaults.WebBaseURL, "Base URL of the store web frontend.")
	flags.StringVar(&opts.apiURL, "api-url", defaults.APIBaseURL, "Base URL of the catalog API.")
	flags.IntVar(&opts.maxWidth, "width", 60, "Maximum column width of review text in table output.")
	return cmd
}

func runReviews(cmd *cobra.Command, rawID string, opts reviewsOptions) error {
	appID, err := appstore.ParseAppID(rawID)
	if err != nil {
		return err
	}

	cfg := appstore.DefaultConfig()
	cfg.MaxAttempts = opts.retries
	cfg.BackoffFactor = opts.backoff
	cfg.WebBaseURL = opts.webURL
	cfg.APIBaseURL = opts.apiURL

	session, err := appstore.NewSession(cfg)
	if err != nil {
		return err
	}
	defer session.Close()

	ctx := cmd.Context()
	entry, err := appstore.NewEntry(ctx, appID, opts.country, session)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if opts.jsonOut {
		return writeJSONLines(out, entry.Reviews(ctx, opts.limit))
	}

	reviews, err := entry.AllReviews(ctx, opts.limit)
	if len(reviews) > 0 {
		renderTable(out, reviews, opts.maxWidth)
	}
	if err != nil {
		return fmt.Errorf("stopped after %d reviews: %w", len(reviews), err)
	}
	if len(reviews) == 0 {
		fmt.Fprintf(out, "No reviews for app %d in %s.\n", appID, entry.Country)
	}
	return nil
}

func writeJSONLines(out io.Writer, seq iter.Seq2[appstore.Review, error]) error {
	enc := json.NewEncoder(out)
	for review, err := range seq {
		if err != nil {
			return err
		}
		if err := enc.Encode(review); err != nil {
			return err
		}
	}
	return nil
}

func renderTable(out io.Writer, reviews []appstore.Review, maxWidth int) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Date", "Rating", "User", "Title", "Review", "Reply"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Rating", Align: text.AlignCenter},
		{Name: "Title", WidthMax: maxWidth / 2},
		{Name: "Review", WidthMax: maxWidth},
		{Name: "Reply", WidthMax: maxWidth / 2},
	})

	for _, review := range reviews {
		reply := ""
		if review.DeveloperResponse != nil {
			reply = review.DeveloperResponse.Body
		}
		title := review.Title
		if review.IsEdited {
			title += " (edited)"
		}
		t.AppendRow(table.Row{
			review.Date.Format(time.DateOnly),
			strings.Repeat("★", review.Rating),
			review.UserName,
			title,
			review.Content,
			reply,
		})
	}

	t.AppendFooter(table.Row{"", "", "", "", fmt.Sprintf("%d reviews", len(reviews)), ""})
	t.Render()
}
