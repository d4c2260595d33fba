package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/n0madic/go-elements/internal/config"
	"github.com/n0madic/go-elements/internal/limits"
	"github.com/n0madic/go-elements/internal/models"
)

func newModelsCmd(flags *globalFlags) *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the chat models available to the API key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), flags, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			var list []models.Model
			if refresh {
				if err := a.requireAPIKey(); err != nil {
					return err
				}
				list, err = a.registry.Refresh(cmd.Context())
				if err != nil {
					fmt.Fprintf(os.Stderr, "refresh failed, showing fallback: %v\n", err)
				}
			} else {
				list = a.registry.List(cmd.Context())
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "MODEL\tCAPABILITIES")
			for _, m := range list {
				marker := ""
				if m.ID == a.cfg.Model {
					marker = " (default)"
				}
				fmt.Fprintf(tw, "%s%s\t%s\n", m.ID, marker, strings.Join(m.Capabilities, ", "))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Bypass the cached list")
	return cmd
}

func newCheckKeyCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check-key",
		Short: "Validate the API key and print the last seen rate limits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), flags, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.requireAPIKey(); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			h := models.CheckKey(ctx, a.sdk)

			fmt.Println("\U0001F511 API key")
			fmt.Printf("  • Key: %s\n", config.Mask(a.cfg.APIKey))
			fmt.Printf("  • Status: %s\n", h.Status)
			if h.HTTPStatus != 0 && !h.OK() {
				fmt.Printf("  • HTTP status: %d\n", h.HTTPStatus)
			}
			if h.Message != "" && !h.OK() {
				fmt.Printf("  • Message: %s\n", h.Message)
			}
			fmt.Println()
			printRateLimits(a.limits.Load())
			if !h.OK() {
				return fmt.Errorf("API key check failed: %s", h.Status)
			}
			return nil
		},
	}
}

func printRateLimits(stored *limits.StoredSnapshot) {
	fmt.Println("\U0001F4CA Rate Limits")

	if stored == nil {
		fmt.Println("  No rate limit data available yet. Send a chat request first.")
		fmt.Println()
		return
	}

	fmt.Printf("Last updated: %s\n", formatLocalDateTime(stored.CapturedAt))
	fmt.Println()

	type windowInfo struct {
		icon   string
		desc   string
		window *limits.Window
	}
	var windows []windowInfo
	if stored.Snapshot.Requests != nil {
		windows = append(windows, windowInfo{"⚡", "Requests", stored.Snapshot.Requests})
	}
	if stored.Snapshot.Tokens != nil {
		windows = append(windows, windowInfo{"\U0001F524", "Tokens", stored.Snapshot.Tokens})
	}

	for i, wi := range windows {
		if i > 0 {
			fmt.Println()
		}
		pct := clampPercent(wi.window.UsedPercent())
		color := usageColor(pct)
		reset := "\033[0m"
		bar := renderProgressBar(pct)

		fmt.Printf("%s %s (%d of %d left)\n", wi.icon, wi.desc, wi.window.Remaining, wi.window.Limit)
		fmt.Printf("%s%s%s %s%5.1f%% used%s\n", color, bar, reset, color, pct, reset)

		resetIn := formatResetDuration(wi.window.ResetsInSeconds)
		resetAt := limits.ComputeResetAt(stored.CapturedAt, wi.window)
		if resetIn != "" && resetAt != nil {
			fmt.Printf("    ⏳ Resets in: %s at %s\n", resetIn, formatLocalDateTime(*resetAt))
		} else if resetIn != "" {
			fmt.Printf("    ⏳ Resets in: %s\n", resetIn)
		}
	}
	fmt.Println()
}

const barSegments = 30

func renderProgressBar(pct float64) string {
	ratio := pct / 100.0
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	filledExact := ratio * float64(barSegments)
	filled := int(filledExact)
	hasPartial := filledExact-float64(filled) > 0.5
	if hasPartial {
		filled++
	}
	if filled > barSegments {
		filled = barSegments
	}
	empty := barSegments - filled
	if hasPartial && filled > 0 {
		return "[" + strings.Repeat("█", filled-1) + "▓" + strings.Repeat("░", empty) + "]"
	}
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", empty) + "]"
}

func usageColor(pct float64) string {
	switch {
	case pct >= 90:
		return "\033[91m"
	case pct >= 75:
		return "\033[93m"
	case pct >= 50:
		return "\033[94m"
	default:
		return "\033[92m"
	}
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func formatLocalDateTime(t time.Time) string {
	local := t.Local()
	return fmt.Sprintf("%s %s", local.Format("Jan 02, 2006 15:04"), local.Format("MST"))
}

// formatResetDuration renders seconds as "1h2m", "45s" or "under 1s".
func formatResetDuration(seconds *float64) string {
	if seconds == nil {
		return ""
	}
	d := time.Duration(*seconds * float64(time.Second))
	if d <= 0 {
		return "now"
	}
	if d < time.Second {
		return "under 1s"
	}
	return d.Round(time.Second).String()
}
