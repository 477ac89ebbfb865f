package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/massender/waworker/internal/session"
)

var statusWorkerURL string

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader(cmd.OutOrStdout(), "🏷️ waworker Version")
		fmt.Fprintf(cmd.OutOrStdout(), "Version: %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [session-id...]",
	Short: "Show a running worker's health and session status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		return printStatus(ctx, cmd.OutOrStdout(), &http.Client{}, statusWorkerURL, args)
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusWorkerURL, "url", "http://127.0.0.1:5005", "Worker base URL")
}

type healthReport struct {
	OK          bool `json:"ok"`
	Sessions    int  `json:"sessions"`
	MaxSessions int  `json:"max_sessions"`
}

func printStatus(ctx context.Context, out io.Writer, client *http.Client, baseURL string, ids []string) error {
	baseURL = strings.TrimRight(baseURL, "/")
	printHeader(out, "📊 waworker Status")
	fmt.Fprintf(out, "Worker:   %s\n", baseURL)

	var health healthReport
	if code, err := getJSON(ctx, client, baseURL+"/healthz", &health); err != nil || code != http.StatusOK {
		fmt.Fprintf(out, "Health:   %s unreachable\n", okMark(false))
		if err != nil {
			return fmt.Errorf("query health: %w", err)
		}
		return fmt.Errorf("query health: status %d", code)
	}
	fmt.Fprintf(out, "Health:   %s ok\n", okMark(health.OK))
	fmt.Fprintf(out, "Sessions: %d/%d\n", health.Sessions, health.MaxSessions)

	for _, id := range ids {
		var snap session.Snapshot
		code, err := getJSON(ctx, client, baseURL+"/sessions/"+url.PathEscape(id)+"/status", &snap)
		switch {
		case err != nil:
			return fmt.Errorf("query session %s: %w", id, err)
		case code == http.StatusNotFound:
			fmt.Fprintf(out, "  %s %s: not initialized\n", okMark(false), id)
		case code != http.StatusOK:
			fmt.Fprintf(out, "  %s %s: status %d\n", okMark(false), id, code)
		default:
			fmt.Fprintf(out, "  %s %s: %s\n", okMark(snap.Status == session.StatusLinked), id, colorStatus(snap.Status))
			if snap.DeviceLabel != nil {
				fmt.Fprintf(out, "      device: %s\n", *snap.DeviceLabel)
			}
			if snap.LastErrorMessage != nil {
				fmt.Fprintf(out, "      error:  %s\n", *snap.LastErrorMessage)
			}
			if snap.QR != nil {
				fmt.Fprintln(out, "      waiting for QR scan")
			}
		}
	}
	return nil
}

func colorStatus(s session.Status) string {
	switch s {
	case session.StatusLinked:
		return color.GreenString(string(s))
	case session.StatusInitializing, session.StatusWaitingForScan:
		return color.YellowString(string(s))
	default:
		return color.RedString(string(s))
	}
}

func getJSON(ctx context.Context, client *http.Client, rawURL string, v any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return resp.StatusCode, fmt.Errorf("decode %s: %w", rawURL, err)
	}
	return resp.StatusCode, nil
}
