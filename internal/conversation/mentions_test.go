package conversation

import (
	"strings"
	"testing"

	"github.com/jlia0/tinyclaw/internal/config"
)

func TestParseMentions(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []Mention
	}{
		{
			name: "single target",
			text: "Sure. [@bob: please review the draft]",
			want: []Mention{{Targets: []string{"bob"}, Body: "please review the draft"}},
		},
		{
			name: "multiple targets in one tag",
			text: "[@bob,carol: split this up]",
			want: []Mention{{Targets: []string{"bob", "carol"}, Body: "split this up"}},
		},
		{
			name: "spaces around targets",
			text: "[@bob , carol : handle it]",
			want: []Mention{{Targets: []string{"bob", "carol"}, Body: "handle it"}},
		},
		{
			name: "two separate tags",
			text: "[@bob: part one] and [@carol: part two]",
			want: []Mention{
				{Targets: []string{"bob"}, Body: "part one"},
				{Targets: []string{"carol"}, Body: "part two"},
			},
		},
		{
			name: "no mentions",
			text: "plain response without tags",
			want: nil,
		},
		{
			name: "plain @name is not a directive",
			text: "thanks @bob for the idea",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseMentions(tt.text)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d mentions, want %d: %+v", len(got), len(tt.want), got)
			}
			for i := range got {
				if got[i].Body != tt.want[i].Body {
					t.Errorf("mention %d body = %q, want %q", i, got[i].Body, tt.want[i].Body)
				}
				if strings.Join(got[i].Targets, ",") != strings.Join(tt.want[i].Targets, ",") {
					t.Errorf("mention %d targets = %v, want %v", i, got[i].Targets, tt.want[i].Targets)
				}
			}
		})
	}
}

func TestValidateEdges(t *testing.T) {
	team := config.TeamConfig{
		Name:        "Builders",
		Agents:      []string{"alice", "bob", "carol"},
		LeaderAgent: "alice",
	}

	t.Run("valid fan-out", func(t *testing.T) {
		edges := ValidateEdges("alice", team, []Mention{
			{Targets: []string{"bob"}, Body: "one"},
			{Targets: []string{"carol"}, Body: "two"},
		})
		if len(edges) != 2 {
			t.Fatalf("edges = %+v, want 2", edges)
		}
		if edges[0].Target != "bob" || edges[1].Target != "carol" {
			t.Errorf("targets = %s,%s", edges[0].Target, edges[1].Target)
		}
	})

	t.Run("self-mention dropped", func(t *testing.T) {
		edges := ValidateEdges("alice", team, []Mention{{Targets: []string{"alice"}, Body: "me"}})
		if len(edges) != 0 {
			t.Errorf("self-mention accepted: %+v", edges)
		}
	})

	t.Run("outsider dropped", func(t *testing.T) {
		edges := ValidateEdges("alice", team, []Mention{{Targets: []string{"mallory"}, Body: "x"}})
		if len(edges) != 0 {
			t.Errorf("non-teammate accepted: %+v", edges)
		}
	})

	t.Run("duplicate target in branch dropped", func(t *testing.T) {
		edges := ValidateEdges("alice", team, []Mention{
			{Targets: []string{"bob"}, Body: "first"},
			{Targets: []string{"bob"}, Body: "second"},
		})
		if len(edges) != 1 || edges[0].Body != "first" {
			t.Errorf("edges = %+v, want only the first bob edge", edges)
		}
	})

	t.Run("case-insensitive membership", func(t *testing.T) {
		edges := ValidateEdges("alice", team, []Mention{{Targets: []string{"BOB"}, Body: "x"}})
		if len(edges) != 1 || edges[0].Target != "bob" {
			t.Errorf("edges = %+v", edges)
		}
	})
}

func TestExtractSendFiles(t *testing.T) {
	text := "Here you go. [send_file: /ws/files/report.pdf]\n[send_file: /ws/files/data.csv]"
	got := ExtractSendFiles(text)
	if len(got) != 2 || got[0] != "/ws/files/report.pdf" || got[1] != "/ws/files/data.csv" {
		t.Errorf("ExtractSendFiles = %v", got)
	}
}

func TestStripTags(t *testing.T) {
	text := "Done with my part.\n\n[@bob: take over]\n\nSee [send_file: /ws/files/out.md] attached."
	got := StripTags(text)
	if strings.Contains(got, "[@") || strings.Contains(got, "[send_file") {
		t.Errorf("tags survived: %q", got)
	}
	if !strings.Contains(got, "Done with my part.") {
		t.Errorf("content lost: %q", got)
	}
	if strings.Contains(got, "\n\n\n") {
		t.Errorf("blank runs not collapsed: %q", got)
	}
}

func TestSynthesizeHandoffBody(t *testing.T) {
	got := SynthesizeHandoffBody("alice", "take over", 0)
	want := "[Message from teammate @alice]: take over"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	got = SynthesizeHandoffBody("alice", "take over", 2)
	if !strings.Contains(got, "2 teammates are still processing") {
		t.Errorf("missing still-processing note: %q", got)
	}
}
