// Package router resolves which agent handles an incoming message by parsing
// @agent / @team mention prefixes against the current settings snapshot.
package router

import (
	"errors"
	"regexp"
	"sort"
	"strings"

	"github.com/jlia0/tinyclaw/internal/config"
	"github.com/jlia0/tinyclaw/internal/queue"
)

// ErrMultiAgentMention marks a message with several top-level mentions
// (e.g. "@a @b hello"). The dispatcher answers with a fixed informational
// reply instead of routing.
var ErrMultiAgentMention = errors.New("router: multiple top-level agent mentions")

// ErrNoAgents means the settings document configures no agents at all.
var ErrNoAgents = errors.New("router: no agents configured")

// Decision is the outcome of routing one message.
type Decision struct {
	AgentID string
	// Body is the message text with any routing prefix stripped.
	Body string
	// TeamID is set when the message was routed via a team mention.
	TeamID            string
	IsTeamLeaderRoute bool
}

var (
	channelPrefixRe = regexp.MustCompile(`^\[[^\]]+\]:\s*`)
	mentionTokenRe  = regexp.MustCompile(`^@([\w-]+)$`)
)

// Resolve routes msg against the agents and teams in s.
//
// Priority: a pre-routed agent from the message source wins; otherwise the
// first whitespace-delimited @token is matched as agent ID, then team ID,
// then agent display name, then team display name (all case-insensitive).
// No match falls back to "default", then the first configured agent.
// Internal handoff messages never reach Resolve; the dispatcher trusts their
// pre-resolved agent field.
func Resolve(s *config.Settings, msg *queue.IncomingMessage) (Decision, error) {
	if len(s.Agents) == 0 {
		return Decision{}, ErrNoAgents
	}

	// 1. Pre-routed by source (channel-side routing or internal handoff).
	if msg.Agent != "" {
		if id, ok := canonicalAgentID(s, msg.Agent); ok {
			return Decision{AgentID: id, Body: msg.Message}, nil
		}
	}

	body := channelPrefixRe.ReplaceAllString(msg.Message, "")

	fields := strings.Fields(body)
	if len(fields) == 0 {
		return fallback(s, body)
	}

	m := mentionTokenRe.FindStringSubmatch(fields[0])
	if m == nil {
		return fallback(s, body)
	}
	token := m[1]

	// A second top-level @token means the sender tried to address several
	// agents at once; that is not supported.
	if len(fields) > 1 && mentionTokenRe.MatchString(fields[1]) {
		return Decision{}, ErrMultiAgentMention
	}

	stripped := strings.TrimSpace(strings.TrimPrefix(body, fields[0]))

	// 2. Exact agent ID.
	if id, ok := canonicalAgentID(s, token); ok {
		return Decision{AgentID: id, Body: stripped}, nil
	}

	// 3. Exact team ID → leader.
	if id, team, ok := canonicalTeamID(s, token); ok {
		return Decision{AgentID: team.LeaderAgent, Body: stripped, TeamID: id, IsTeamLeaderRoute: true}, nil
	}

	// 4. Agent display name.
	if id, ok := agentByName(s, token); ok {
		return Decision{AgentID: id, Body: stripped}, nil
	}

	// 5. Team display name → leader.
	if id, team, ok := teamByName(s, token); ok {
		return Decision{AgentID: team.LeaderAgent, Body: stripped, TeamID: id, IsTeamLeaderRoute: true}, nil
	}

	// Unknown mention: leave the token in place and fall back.
	return fallback(s, body)
}

func fallback(s *config.Settings, body string) (Decision, error) {
	id := s.FallbackAgentID()
	if id == "" {
		return Decision{}, ErrNoAgents
	}
	return Decision{AgentID: id, Body: body}, nil
}

func canonicalAgentID(s *config.Settings, token string) (string, bool) {
	for id := range s.Agents {
		if strings.EqualFold(id, token) {
			return id, true
		}
	}
	return "", false
}

func canonicalTeamID(s *config.Settings, token string) (string, config.TeamConfig, bool) {
	for id, t := range s.Teams {
		if strings.EqualFold(id, token) {
			return id, t, true
		}
	}
	return "", config.TeamConfig{}, false
}

// Name matches iterate in sorted ID order so the first hit wins
// deterministically on display-name collisions.
func agentByName(s *config.Settings, token string) (string, bool) {
	ids := make([]string, 0, len(s.Agents))
	for id := range s.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if strings.EqualFold(s.Agents[id].Name, token) {
			return id, true
		}
	}
	return "", false
}

func teamByName(s *config.Settings, token string) (string, config.TeamConfig, bool) {
	ids := make([]string, 0, len(s.Teams))
	for id := range s.Teams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if strings.EqualFold(s.Teams[id].Name, token) {
			return id, s.Teams[id], true
		}
	}
	return "", config.TeamConfig{}, false
}
