package conversation

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/jlia0/tinyclaw/internal/config"
)

// Control tags parsed from agent output. The regex set is the parser
// contract: [@teammate[,teammate...]: body] requests a handoff, and
// [send_file: /path] attaches a local file to the outbound response.
var (
	mentionRe  = regexp.MustCompile(`\[@([\w-]+(?:\s*,\s*[\w-]+)*)\s*:\s*([^\[\]]*)\]`)
	sendFileRe = regexp.MustCompile(`\[send_file:\s*([^\[\]]+)\]`)
)

// Mention is one raw [@a,b: body] directive before validation.
type Mention struct {
	Targets []string
	Body    string
}

// Edge is a validated (speaker → target) handoff.
type Edge struct {
	Speaker string
	Target  string
	Body    string
}

// ParseMentions extracts every mention directive from an agent's response.
func ParseMentions(text string) []Mention {
	var out []Mention
	for _, m := range mentionRe.FindAllStringSubmatch(text, -1) {
		var targets []string
		for _, t := range strings.Split(m[1], ",") {
			if t = strings.TrimSpace(t); t != "" {
				targets = append(targets, t)
			}
		}
		if len(targets) == 0 {
			continue
		}
		out = append(out, Mention{Targets: targets, Body: strings.TrimSpace(m[2])})
	}
	return out
}

// ValidateEdges turns raw mentions into handoff edges. Invalid targets
// (not a teammate, the speaker itself) and duplicate (speaker, target) pairs
// within the branch are dropped with a warning; they never fail the step.
func ValidateEdges(speaker string, team config.TeamConfig, mentions []Mention) []Edge {
	members := make(map[string]string, len(team.Agents))
	for _, m := range team.Agents {
		members[strings.ToLower(m)] = m
	}

	seen := make(map[string]struct{})
	var edges []Edge
	for _, m := range mentions {
		for _, raw := range m.Targets {
			target, ok := members[strings.ToLower(raw)]
			if !ok {
				slog.Warn("conversation: mention target is not a teammate, dropping",
					"speaker", speaker, "target", raw, "team", team.Name)
				continue
			}
			if strings.EqualFold(target, speaker) {
				slog.Warn("conversation: self-mention dropped", "speaker", speaker)
				continue
			}
			if _, dup := seen[strings.ToLower(target)]; dup {
				slog.Warn("conversation: duplicate mention in branch, dropping",
					"speaker", speaker, "target", target)
				continue
			}
			seen[strings.ToLower(target)] = struct{}{}
			edges = append(edges, Edge{Speaker: speaker, Target: target, Body: m.Body})
		}
	}
	return edges
}

// ExtractSendFiles returns the paths referenced by [send_file:] tags.
func ExtractSendFiles(text string) []string {
	var paths []string
	for _, m := range sendFileRe.FindAllStringSubmatch(text, -1) {
		if p := strings.TrimSpace(m[1]); p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

// StripTags removes every mention and send_file tag from text. No control
// tag survives into user-facing output.
func StripTags(text string) string {
	text = mentionRe.ReplaceAllString(text, "")
	text = sendFileRe.ReplaceAllString(text, "")

	// Collapse blank runs left behind by removed tags.
	lines := strings.Split(text, "\n")
	var out []string
	blank := false
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			if blank {
				continue
			}
			blank = true
			out = append(out, "")
			continue
		}
		blank = false
		out = append(out, strings.TrimRight(l, " \t"))
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// SynthesizeHandoffBody builds the internal message delivered to a mentioned
// teammate. When other branches are still in flight the recipient is told not
// to re-mention them.
func SynthesizeHandoffBody(speaker, body string, othersProcessing int) string {
	msg := "[Message from teammate @" + speaker + "]: " + body
	if othersProcessing > 0 {
		msg += "\n\n(" + pluralTeammates(othersProcessing) + " still processing this conversation; do not mention them again.)"
	}
	return msg
}

func pluralTeammates(n int) string {
	if n == 1 {
		return "1 teammate is"
	}
	return strconv.Itoa(n) + " teammates are"
}
