package monitor

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tinytelemetry/labwatch/internal/model"
)

const actionMarker = "recommended action:"

// IncidentPrompt asks the agent to analyse one anomalous line.
func IncidentPrompt(lab string, r model.AnomalyRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the operations assistant for test automation lab %s.\n", lab)
	b.WriteString("The log monitor flagged a line that does not match any known log pattern.\n\n")
	fmt.Fprintf(&b, "File: %s\n", r.Path)
	fmt.Fprintf(&b, "Line: %s\n", r.Line)
	if r.Template != "" {
		fmt.Fprintf(&b, "Template: %s (%s)\n", r.Template, r.ChangeType)
	}
	b.WriteString("\nUse query_sop to find the matching procedure and check_logs to see other pending anomalies. ")
	b.WriteString("If the controller has to act, use send_command. ")
	b.WriteString("Answer with a short analysis followed by a final line starting with \"Recommended action:\".")
	return b.String()
}

// CrashPrompt asks the agent to handle a controller that stopped reporting.
func CrashPrompt(lab string, hb model.HeartbeatRecord, age, timeout time.Duration) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CRITICAL ALERT: the automation controller for lab %s has stopped sending heartbeats.\n", lab)
	fmt.Fprintf(&b, "Last heartbeat: %s ago (timeout %s).\n", age.Round(time.Second), timeout)
	if status := formatStatus(hb.Status); status != "" {
		fmt.Fprintf(&b, "Last reported status: %s\n", status)
	}
	b.WriteString("\nUse get_controller_status to confirm, query_sop for the recovery procedure, ")
	b.WriteString("and restart_controller if a restart is appropriate. ")
	b.WriteString("Answer with what happened and a final line starting with \"Recommended action:\".")
	return b.String()
}

// UserInputPrompt forwards an operator instruction to the agent.
func UserInputPrompt(lab string, in model.UserInputRecord) string {
	user := in.User
	if user == "" {
		user = "unknown"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Operator %s at lab %s sent this request:\n\n%s\n\n", user, lab, in.Input)
	b.WriteString("Carry it out with the available tools and reply with a short summary for the operator.")
	return b.String()
}

// AnalyzePrompt asks the agent to review log text pasted by an operator.
func AnalyzePrompt(lab, content string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Analyze the following log content from lab %s and provide:\n", lab)
	b.WriteString("1. Whether this is an anomaly\n2. Possible causes\n3. Recommended actions based on SOP\n\n")
	b.WriteString("Log content:\n")
	b.WriteString(content)
	return b.String()
}

// banner frames an agent reply for operators reading it in Slack or email.
func banner(lab, title, body string) string {
	return fmt.Sprintf("[labwatch %s] %s\n%s\n%s", lab, title, strings.Repeat("=", 40), strings.TrimSpace(body))
}

// splitRecommendation separates the analysis from a trailing
// "Recommended action:" line. Without the marker the whole reply is analysis.
func splitRecommendation(reply string) (analysis, action string) {
	lower := strings.ToLower(reply)
	i := strings.LastIndex(lower, actionMarker)
	if i < 0 {
		return strings.TrimSpace(reply), ""
	}
	return strings.TrimSpace(reply[:i]), strings.TrimSpace(reply[i+len(actionMarker):])
}

func formatStatus(status map[string]any) string {
	if len(status) == 0 {
		return ""
	}
	keys := make([]string, 0, len(status))
	for k := range status {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, status[k]))
	}
	return strings.Join(parts, " ")
}
