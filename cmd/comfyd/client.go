package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/comflowy/comfyd/internal/audit"
	"github.com/comflowy/comfyd/internal/event"
	"github.com/comflowy/comfyd/internal/supervisor"
)

// lifecycleTimeout covers a start (readiness window included) and an update.
const lifecycleTimeout = 10 * time.Minute

var (
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)
	errStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	dimStyle  = lipgloss.NewStyle().Faint(true)
	keyStyle  = lipgloss.NewStyle().Width(12).Bold(true)
)

func apiClient(timeout time.Duration) *http.Client {
	socketPath := defaultSocketPath()
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}
}

func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return fmt.Errorf("API error %d: %s", resp.StatusCode, e.Error)
	}
	return fmt.Errorf("API error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

func apiGet(path string, v any) error {
	resp, err := apiClient(30 * time.Second).Get("http://comfyd" + path)
	if err != nil {
		return fmt.Errorf("connecting to daemon: %w (is comfyd daemon running?)", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func apiPost(path string, body io.Reader, v any) error {
	resp, err := apiClient(lifecycleTimeout).Post("http://comfyd"+path, "text/plain", body)
	if err != nil {
		return fmt.Errorf("connecting to daemon: %w (is comfyd daemon running?)", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func isTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func render(style lipgloss.Style, s string) string {
	if !isTerminal() {
		return s
	}
	return style.Render(s)
}

func stateStyle(st supervisor.State) lipgloss.Style {
	switch st {
	case supervisor.StateRunning:
		return okStyle
	case supervisor.StateStarting, supervisor.StateStopping:
		return warnStyle
	default:
		return dimStyle
	}
}

func printStatus(st supervisor.Status) {
	row := func(k, v string) {
		fmt.Printf("%s %s\n", render(keyStyle, k), v)
	}
	row("state", render(stateStyle(st.State), st.State.String()))
	row("install", st.InstallDir)
	if st.PID > 0 {
		row("pid", fmt.Sprintf("%d", st.PID))
	}
	if st.Attempt != "" {
		row("attempt", st.Attempt)
	}
	if st.Uptime != "" {
		row("uptime", st.Uptime)
	}
	row("restarts", fmt.Sprintf("%d", st.RestartCount))
	if st.LastExitCode != nil {
		code := fmt.Sprintf("%d", *st.LastExitCode)
		if *st.LastExitCode != 0 {
			code = render(errStyle, code)
		}
		row("last exit", code)
	}
}

// lifecycle runs a POST lifecycle operation and prints the resulting status.
func lifecycle(cmd *cobra.Command, path string) error {
	if reinstall, err := cmd.Flags().GetBool("reinstall"); err == nil && reinstall {
		path += "?reinstall=true"
	}
	var st supervisor.Status
	if err := apiPost(path, nil, &st); err != nil {
		return err
	}
	printStatus(st)
	return nil
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the backend and wait until it is ready",
	RunE: func(cmd *cobra.Command, args []string) error {
		return lifecycle(cmd, "/v1/start")
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Interrupt the running backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		return lifecycle(cmd, "/v1/stop")
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Stop the backend and start it again",
	RunE: func(cmd *cobra.Command, args []string) error {
		return lifecycle(cmd, "/v1/restart")
	},
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Pull the latest backend sources and restart with a dependency reinstall",
	RunE: func(cmd *cobra.Command, args []string) error {
		return lifecycle(cmd, "/v1/update")
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show backend status",
	RunE: func(cmd *cobra.Command, args []string) error {
		var st supervisor.Status
		if err := apiGet("/v1/status", &st); err != nil {
			return err
		}
		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return printJSON(st)
		}
		printStatus(st)
		return nil
	},
}

var aliveCmd = &cobra.Command{
	Use:   "alive",
	Short: "Probe the backend's HTTP endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Alive bool `json:"alive"`
		}
		if err := apiGet("/v1/alive", &resp); err != nil {
			return err
		}
		if !resp.Alive {
			fmt.Println(render(errStyle, "not answering"))
			return errors.New("backend is not alive")
		}
		fmt.Println(render(okStyle, "alive"))
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <text>",
	Short: "Write a line of input to the backend's terminal",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.Join(args, " ")
		if raw, _ := cmd.Flags().GetBool("raw"); !raw {
			text += "\r"
		}
		return apiPost("/v1/input", strings.NewReader(text), nil)
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Re-read the config file; changes apply to the next start",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiPost("/v1/reload", nil, nil); err != nil {
			return err
		}
		fmt.Println("config reloaded")
		return nil
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent backend output",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, _ := cmd.Flags().GetInt("lines")
		previous, _ := cmd.Flags().GetBool("previous")
		follow, _ := cmd.Flags().GetBool("follow")

		q := url.Values{}
		q.Set("n", fmt.Sprintf("%d", n))
		if previous {
			q.Set("previous", "true")
		}
		var resp struct {
			Lines []string `json:"lines"`
		}
		if err := apiGet("/v1/logs?"+q.Encode(), &resp); err != nil {
			return err
		}
		for _, line := range resp.Lines {
			fmt.Println(line)
		}
		if !follow || previous {
			return nil
		}
		return followEvents(cmd.Context(), "OUTPUT_WRAPPED,EXIT", func(e event.Event) bool {
			if e.Kind == event.KindExit {
				fmt.Fprintln(os.Stderr, render(dimStyle, e.Message))
				return false
			}
			text := e.Message
			if !isTerminal() {
				text = ansi.Strip(text)
			}
			fmt.Print(text)
			return true
		})
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream lifecycle events",
	RunE: func(cmd *cobra.Command, args []string) error {
		kinds, _ := cmd.Flags().GetString("kinds")
		return followEvents(cmd.Context(), kinds, func(e event.Event) bool {
			style := dimStyle
			switch e.Kind {
			case event.KindError, event.KindTimeout:
				style = errStyle
			case event.KindWarning, event.KindExit:
				style = warnStyle
			case event.KindStart:
				style = okStyle
			}
			fmt.Printf("%s %s %s\n",
				e.Time.Format(time.TimeOnly),
				render(style, fmt.Sprintf("%-8s", e.Kind)),
				strings.TrimRight(ansi.Strip(e.Message), "\r\n"))
			return true
		})
	},
}

// followEvents reads the NDJSON event stream until fn returns false or the
// connection closes.
func followEvents(ctx context.Context, kinds string, fn func(event.Event) bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	path := "http://comfyd/v1/events"
	if kinds != "" {
		path += "?kinds=" + url.QueryEscape(kinds)
	} else {
		path += "?output=false"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	resp, err := apiClient(0).Do(req)
	if err != nil {
		return fmt.Errorf("connecting to daemon: %w (is comfyd daemon running?)", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return apiError(resp)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for sc.Scan() {
		var e event.Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if !fn(e) {
			return nil
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent lifecycle commands from the journal",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, _ := cmd.Flags().GetInt("lines")
		var entries []audit.Entry
		if err := apiGet(fmt.Sprintf("/v1/journal?n=%d", n), &entries); err != nil {
			return err
		}
		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return printJSON(entries)
		}
		if len(entries) == 0 {
			fmt.Println("No history")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tACTION\tACTOR\tRESULT")
		for _, e := range entries {
			action := string(e.Action)
			if e.Reinstall {
				action += " (reinstall)"
			}
			result := "ok"
			if e.Error != "" {
				result = e.Error
			} else if e.Detail != "" {
				result = e.Detail
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				e.Timestamp.Local().Format(time.DateTime), action, e.Actor, result)
		}
		return w.Flush()
	},
}

func init() {
	startCmd.Flags().Bool("reinstall", false, "install requirements before launching")
	restartCmd.Flags().Bool("reinstall", false, "install requirements before launching")
	statusCmd.Flags().Bool("json", false, "output as JSON")
	sendCmd.Flags().Bool("raw", false, "do not append a carriage return")
	logsCmd.Flags().IntP("lines", "n", 100, "number of lines to show")
	logsCmd.Flags().Bool("previous", false, "show output of the previous run")
	logsCmd.Flags().BoolP("follow", "f", false, "keep streaming new output")
	eventsCmd.Flags().String("kinds", "", "comma-separated event kinds (default: all but output)")
	historyCmd.Flags().IntP("lines", "n", 20, "number of entries to show")
	historyCmd.Flags().Bool("json", false, "output as JSON")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(aliveCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(historyCmd)
}
