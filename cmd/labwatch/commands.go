package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tinytelemetry/labwatch/internal/channel"
	"github.com/tinytelemetry/labwatch/internal/config"
	"github.com/tinytelemetry/labwatch/internal/lab"
	"github.com/tinytelemetry/labwatch/internal/model"
)

var (
	cmdLab      string
	cmdPriority string
	hintsJSON   bool
	hintsAll    bool
	hintsLevel  string
)

var sendCommandCmd = &cobra.Command{
	Use:   "send-command NAME [key=value ...]",
	Short: "Queue a command for a lab's automation controller",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := parseParams(args[1:])
		if err != nil {
			return err
		}
		ch, err := openChannel(cmdLab)
		if err != nil {
			return err
		}
		defer ch.Close()

		id, err := ch.SendCommand(args[0], params, cmdPriority)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

var hintsCmd = &cobra.Command{
	Use:   "hints",
	Short: "Show a lab's current hints",
	RunE: func(cmd *cobra.Command, args []string) error {
		ch, err := openChannel(cmdLab)
		if err != nil {
			return err
		}
		defer ch.Close()

		var hints []model.Hint
		switch {
		case hintsAll:
			hints = ch.History()
		case hintsLevel != "":
			hints = ch.BySeverity(model.Severity(hintsLevel))
		default:
			hints = ch.CurrentHints()
		}
		if hintsJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(hints)
		}
		return printHints(cmd.OutOrStdout(), hints)
	},
}

func init() {
	for _, c := range []*cobra.Command{sendCommandCmd, hintsCmd} {
		c.Flags().StringVar(&cmdLab, "lab", "", "lab id")
		_ = c.MarkFlagRequired("lab")
	}
	sendCommandCmd.Flags().StringVar(&cmdPriority, "priority", model.DefaultPriority, "command priority (low, normal, high)")
	hintsCmd.Flags().BoolVar(&hintsJSON, "json", false, "print JSON")
	hintsCmd.Flags().BoolVar(&hintsAll, "history", false, "show every hint ever recorded")
	hintsCmd.Flags().StringVar(&hintsLevel, "severity", "", "only show hints of this severity")
}

// openChannel opens the lab's durable records without starting the monitor.
func openChannel(labID string) (*channel.Channel, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return openLabChannel(cfg, labID)
}

func openLabChannel(cfg config.Config, labID string) (*channel.Channel, error) {
	if !cfg.IsAllowed(labID) {
		return nil, fmt.Errorf("%w: %q", lab.ErrLabNotAllowed, labID)
	}
	return channel.Open(cfg.Lab(labID).HintsDir, zerolog.Nop())
}

// parseParams turns key=value pairs into command params. Values that parse
// as JSON keep their type; everything else is a string.
func parseParams(args []string) (map[string]any, error) {
	params := make(map[string]any, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q, want key=value", arg)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		params[key] = v
	}
	return params, nil
}

func printHints(w io.Writer, hints []model.Hint) error {
	if len(hints) == 0 {
		_, err := fmt.Fprintln(w, "no hints")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIMESTAMP\tSEVERITY\tANOMALY\tACTION")
	for _, h := range hints {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", h.Timestamp, h.Severity, oneLine(h.Anomaly), oneLine(h.SOPSolution))
	}
	return tw.Flush()
}

func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 80 {
		return s[:77] + "..."
	}
	return s
}
