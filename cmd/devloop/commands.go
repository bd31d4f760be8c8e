package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/devloop-run/devloop/internal/model"
)

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Start the supervisor for this workspace (becomes the daemon, or joins an existing one)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(manifestPath)
	},
}

// daemonCmd is an alias for up, matching the spec's "daemon" naming for the
// reuse-daemon role.
var daemonCmd = &cobra.Command{
	Use:    "daemon",
	Short:  "Alias for `up`: run the workspace supervisor in the foreground",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(manifestPath)
	},
}

func callDaemon(method string, params interface{}) (json.RawMessage, error) {
	client, err := dialDaemon(manifestPath)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	resp, err := client.Call(uuid.NewString(), method, params)
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("%s", resp.Error)
	}
	return resp.Result, nil
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls", "ps"},
	Short:   "List every process and its status",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := callDaemon("list_processes", nil)
		if err != nil {
			fatal(err)
		}
		var states []model.ProcessState
		if err := json.Unmarshal(raw, &states); err != nil {
			fatal(err)
		}
		printProcessTable(states)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <name>",
	Short: "Show detailed status for one process",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := callDaemon("get_status", map[string]string{"name": args[0]})
		if err != nil {
			fatal(err)
		}
		var state model.ProcessState
		if err := json.Unmarshal(raw, &state); err != nil {
			fatal(err)
		}
		printProcessDetail(state)
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start <name>",
	Short: "Start a process",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := callDaemon("start_process", map[string]string{"name": args[0]}); err != nil {
			fatal(err)
		}
		successColor.Printf("started %s\n", args[0])
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <name>",
	Short: "Stop a process",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := callDaemon("stop_process", map[string]string{"name": args[0]}); err != nil {
			fatal(err)
		}
		successColor.Printf("stopped %s\n", args[0])
		return nil
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart <name>",
	Short: "Restart a process",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := callDaemon("restart_process", map[string]string{"name": args[0]}); err != nil {
			fatal(err)
		}
		successColor.Printf("restarted %s\n", args[0])
		return nil
	},
}

var (
	logsStream string
	logsTail   int
)

var logsCmd = &cobra.Command{
	Use:   "logs <name>",
	Short: "Show recent log lines for a process",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := callDaemon("get_logs", map[string]interface{}{
			"name":   args[0],
			"stream": logsStream,
			"tail":   logsTail,
		})
		if err != nil {
			fatal(err)
		}
		var lines []string
		if err := json.Unmarshal(raw, &lines); err != nil {
			fatal(err)
		}
		for _, line := range lines {
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	logsCmd.Flags().StringVar(&logsStream, "stream", "combined", "log stream to show: stdout, stderr, or combined")
	logsCmd.Flags().IntVar(&logsTail, "tail", 100, "number of trailing lines to show")
}

var urlCmd = &cobra.Command{
	Use:   "url <name>",
	Short: "Print a process's detected URL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := callDaemon("get_url", map[string]string{"name": args[0]})
		if err != nil {
			fatal(err)
		}
		var payload struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			fatal(err)
		}
		fmt.Println(payload.URL)
		return nil
	},
}

var (
	interactSchema  string
	interactInk     string
	interactTitle   string
	interactTimeout int
	interactWait    int
)

var interactCmd = &cobra.Command{
	Use:   "interact",
	Short: "Open an interactive floating-pane UI and optionally wait for its result",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := callDaemon("create_interaction", map[string]interface{}{
			"schema":    interactSchema,
			"inkFile":   interactInk,
			"title":     interactTitle,
			"timeoutMs": interactTimeout,
			"args":      args,
			"waitMs":    interactWait,
		})
		if err != nil {
			fatal(err)
		}
		fmt.Println(string(raw))
		return nil
	},
}

func init() {
	interactCmd.Flags().StringVar(&interactSchema, "schema", "", "JSON schema describing the expected answer shape")
	interactCmd.Flags().StringVar(&interactInk, "file", "", "Ink component file to render")
	interactCmd.Flags().StringVar(&interactTitle, "title", "", "pane title")
	interactCmd.Flags().IntVar(&interactTimeout, "timeout-ms", 0, "auto-cancel after this many milliseconds (0 = use the default)")
	interactCmd.Flags().IntVar(&interactWait, "wait-ms", 0, "block and print the result, waiting up to this many milliseconds (0 = return immediately with just the interaction id)")
}

func printProcessTable(states []model.ProcessState) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Name", "Status", "PID", "Port", "Restarts", "URL"})
	table.SetHeaderColor(
		tablewriter.Colors{tablewriter.FgMagentaColor, tablewriter.Bold},
		tablewriter.Colors{tablewriter.FgMagentaColor, tablewriter.Bold},
		tablewriter.Colors{tablewriter.FgMagentaColor, tablewriter.Bold},
		tablewriter.Colors{tablewriter.FgMagentaColor, tablewriter.Bold},
		tablewriter.Colors{tablewriter.FgMagentaColor, tablewriter.Bold},
		tablewriter.Colors{tablewriter.FgMagentaColor, tablewriter.Bold},
	)
	table.SetBorder(false)

	for _, s := range states {
		pid := ""
		if s.Pid != 0 {
			pid = strconv.Itoa(s.Pid)
		}
		port := ""
		if s.Port != 0 {
			port = strconv.Itoa(s.Port)
		}
		table.Append([]string{s.Name, statusLabel(s.Status), pid, port, strconv.Itoa(s.RestartCount), s.URL})
	}
	table.Render()
}

func printProcessDetail(s model.ProcessState) {
	headerColor.Printf("%s\n", s.Name)
	fmt.Printf("status:        %s\n", statusLabel(s.Status))
	if s.Pid != 0 {
		fmt.Printf("pid:           %d\n", s.Pid)
	}
	if s.Port != 0 {
		fmt.Printf("port:          %d\n", s.Port)
	}
	if s.URL != "" {
		fmt.Printf("url:           %s\n", s.URL)
	}
	if s.Healthy != nil {
		fmt.Printf("healthy:       %t\n", *s.Healthy)
	}
	fmt.Printf("restartCount:  %d\n", s.RestartCount)
	if s.LastRestartTime != nil {
		fmt.Printf("lastRestart:   %s\n", s.LastRestartTime.Format(time.RFC3339))
	}
	if s.ExitCode != nil {
		fmt.Printf("exitCode:      %d\n", *s.ExitCode)
	}
	if s.Error != "" {
		errorColor.Printf("error:         %s\n", s.Error)
	}
	for k, v := range s.Exports {
		fmt.Printf("export %-12s %s\n", k, v)
	}
}

func statusLabel(s model.Status) string {
	switch s {
	case model.StatusReady, model.StatusRunning:
		return successColor.Sprint(string(s))
	case model.StatusCrashed:
		return errorColor.Sprint(string(s))
	case model.StatusStarting:
		return warnColor.Sprint(string(s))
	default:
		return dimColor.Sprint(string(s))
	}
}
