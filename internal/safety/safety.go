// Package safety scans provider output for destructive commands and
// annotates or blocks them before they reach the client.
package safety

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strings"
)

// Annotation modes.
const (
	ModeWarning = "warning"
	ModeBlock   = "block"
	ModeSilent  = "silent"
)

type dangerousPattern struct {
	re          *regexp.Regexp
	description string
}

var defaultPatterns = []struct {
	pattern     string
	description string
}{
	// Filesystem destruction.
	{`rm\s+-rf\s+/`, "Recursive delete from root directory"},
	{`rm\s+-rf\s+/\*`, "Delete all files in root"},
	{`rm\s+-[rf]+\s+~/`, "Delete home directory"},
	{`mkfs\.\w+\s+/dev/`, "Format disk/partition"},
	{`dd\s+if=.*\s+of=/dev/[sh]d[a-z]`, "Direct disk write"},

	// System control.
	{`shutdown\s+-[hr]\s+now`, "Immediate system shutdown/reboot"},
	{`reboot\s+--force`, "Forced system reboot"},
	{`init\s+[06]`, "System halt/reboot via init"},
	{`systemctl\s+poweroff`, "System poweroff"},
	{`halt\s+-p`, "System halt"},

	// Kubernetes and container destruction.
	{`kubectl\s+delete\s+(?:namespace|ns)\s+--all`, "Delete all Kubernetes namespaces"},
	{`kubectl\s+delete\s+\w+\s+--all(?:\s+-n|\s+--namespace)`, "Delete all resources in namespace"},
	{`kubectl\s+drain\s+.*--delete-(?:local-data|emptydir-data)`, "Forcefully drain node"},
	{`docker\s+rm\s+-f\s+\$\(docker\s+ps\s+-aq\)`, "Force remove all containers"},
	{`docker\s+system\s+prune\s+-a\s+--volumes\s+--force`, "Prune all Docker data"},

	// Database destruction.
	{`DROP\s+DATABASE\s+\w+`, "Drop database"},
	{`TRUNCATE\s+TABLE`, "Truncate table"},
	{`DELETE\s+FROM\s+\w+(?:\s+WHERE\s+1=1)?`, "Delete all rows from table"},
	{`psql.*-c\s+["']DROP`, "PostgreSQL drop command"},
	{`mysql.*-e\s+["']DROP`, "MySQL drop command"},

	// Cloud infrastructure destruction.
	{`aws\s+s3\s+rb\s+s3://.*--force`, "Force delete S3 bucket"},
	{`aws\s+ec2\s+terminate-instances\s+--instance-ids\s+.*\*`, "Terminate EC2 instances with wildcard"},
	{`az\s+group\s+delete\s+--name\s+.*--yes\s+--no-wait`, "Delete Azure resource group"},
	{`gcloud\s+projects\s+delete`, "Delete GCP project"},
	{`terraform\s+destroy\s+-auto-approve`, "Auto-approve Terraform destroy"},

	// Network and firewall.
	{`iptables\s+-F`, "Flush all iptables rules"},
	{`iptables\s+-X`, "Delete all iptables chains"},
	{`ufw\s+disable`, "Disable firewall"},

	// User and permission manipulation.
	{`chmod\s+777\s+/`, "Set world-writable permissions on root"},
	{`chown\s+-R\s+\w+:\w+\s+/`, "Recursive ownership change from root"},
	{`passwd\s+root`, "Change root password"},
	{`userdel\s+-r\s+root`, "Delete root user"},

	// Package and service manipulation.
	{`apt-get\s+remove\s+--purge\s+.*sudo`, "Remove sudo package"},
	{`yum\s+remove\s+sudo`, "Remove sudo package (yum)"},
	{`systemctl\s+stop\s+ssh(?:d)?`, "Stop SSH service"},
	{`systemctl\s+disable\s+ssh(?:d)?`, "Disable SSH service"},

	// Fork bombs and resource exhaustion.
	{`:\(\)\{\s*:\|:&\s*\};:`, "Fork bomb pattern"},
	{`while\s+true;\s*do.*done`, "Infinite loop"},
	{`yes\s+>\s+/dev/`, "Resource exhaustion"},

	// Cron and scheduled tasks.
	{`crontab\s+-r`, "Remove all cron jobs"},
	{`\*\s+\*\s+\*\s+\*\s+\*\s+rm\s+-rf`, "Scheduled recursive delete"},
}

// Issue is one detected dangerous command.
type Issue struct {
	MatchedText string `json:"matched_text"`
	Description string `json:"description"`
	Start       int    `json:"start"`
	End         int    `json:"end"`
	Line        int    `json:"line"`
}

// Filter holds the compiled dangerous-command patterns.
type Filter struct {
	patterns []dangerousPattern
}

type customConfig struct {
	DangerousPatterns []struct {
		Pattern     string `json:"pattern"`
		Description string `json:"description"`
	} `json:"dangerous_patterns"`
}

// NewFilter builds a filter from the built-in patterns plus an optional
// JSON config file of custom patterns. Invalid custom patterns are
// logged and skipped.
func NewFilter(configPath string) *Filter {
	f := &Filter{}
	for _, p := range defaultPatterns {
		f.patterns = append(f.patterns, dangerousPattern{
			re:          regexp.MustCompile(`(?i)` + p.pattern),
			description: p.description,
		})
	}

	if configPath == "" {
		return f
	}
	data, err := os.ReadFile(configPath) // #nosec G304 -- path from trusted config
	if err != nil {
		slog.Warn("failed to read safety config", "path", configPath, "error", err)
		return f
	}
	var cfg customConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		slog.Warn("failed to parse safety config", "path", configPath, "error", err)
		return f
	}
	for _, item := range cfg.DangerousPatterns {
		if item.Pattern == "" {
			continue
		}
		re, err := regexp.Compile(`(?i)` + item.Pattern)
		if err != nil {
			slog.Warn("invalid custom safety pattern", "pattern", item.Pattern, "error", err)
			continue
		}
		desc := item.Description
		if desc == "" {
			desc = "Custom dangerous pattern"
		}
		f.patterns = append(f.patterns, dangerousPattern{re: re, description: desc})
	}
	return f
}

// Scan returns every dangerous-command match in text.
func (f *Filter) Scan(text string) []Issue {
	var issues []Issue
	for _, p := range f.patterns {
		for _, m := range p.re.FindAllStringIndex(text, -1) {
			issues = append(issues, Issue{
				MatchedText: text[m[0]:m[1]],
				Description: p.description,
				Start:       m[0],
				End:         m[1],
				Line:        strings.Count(text[:m[0]], "\n") + 1,
			})
		}
	}
	return issues
}

// Annotate applies the safety policy to text. Warning mode appends a
// summary, block mode replaces each match in place, silent mode leaves
// the text untouched.
func (f *Filter) Annotate(text, mode string) string {
	issues := f.Scan(text)
	if len(issues) == 0 || mode == ModeSilent {
		return text
	}

	if mode == ModeBlock {
		sorted := make([]Issue, len(issues))
		copy(sorted, issues)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start > sorted[j].Start })
		result := text
		for _, issue := range sorted {
			result = result[:issue.Start] + "[BLOCKED: " + issue.Description + "]" + result[issue.End:]
		}
		return result
	}

	if len(issues) == 1 {
		return text + "\n\n⚠️  [SAFETY WARNING] Potentially destructive command detected:\n  • " + issues[0].Description
	}

	var lines []string
	for _, issue := range issues[:min(5, len(issues))] {
		lines = append(lines, "  • "+issue.Description)
	}
	more := ""
	if len(issues) > 5 {
		more = fmt.Sprintf("\n  ... and %d more", len(issues)-5)
	}
	return fmt.Sprintf("%s\n\n⚠️  [SAFETY WARNING] %d potentially destructive commands detected:\n%s%s",
		text, len(issues), strings.Join(lines, "\n"), more)
}
