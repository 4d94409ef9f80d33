package prompts

import (
	"strings"
	"testing"
)

func TestStructuredClassification(t *testing.T) {
	descs := []string{"Pleasantry: greetings", "Topic change: switching subjects"}

	t.Run("without context", func(t *testing.T) {
		msgs := StructuredClassification("hi there", descs, "")
		last := msgs[len(msgs)-1]
		if last.Role != "user" {
			t.Fatalf("last role = %q, want user", last.Role)
		}
		if !strings.Contains(last.Content, `"hi there"`) {
			t.Errorf("message not quoted into prompt: %q", last.Content)
		}
		for _, m := range msgs {
			if strings.Contains(m.Content, "additional context") {
				t.Error("context message present with empty context")
			}
		}
	})

	t.Run("lists every description", func(t *testing.T) {
		msgs := StructuredClassification("hi", descs, "ctx")
		var joined strings.Builder
		for _, m := range msgs {
			joined.WriteString(m.Content)
		}
		for _, d := range descs {
			if !strings.Contains(joined.String(), "- "+d) {
				t.Errorf("description %q missing", d)
			}
		}
		if !strings.Contains(joined.String(), "ctx") {
			t.Error("context missing")
		}
	})
}

func TestFallbackClassificationBreakdown(t *testing.T) {
	with := FallbackClassification([]string{"a"}, "msg", `[{"intent":"a"}]`)
	without := FallbackClassification([]string{"a"}, "msg", "")
	if len(with) != len(without)+1 {
		t.Fatalf("len(with)=%d len(without)=%d", len(with), len(without))
	}
	if !strings.Contains(with[len(with)-2].Content, `"intent":"a"`) {
		t.Errorf("breakdown not embedded: %q", with[len(with)-2].Content)
	}
}

func TestPickConversationNumbersSummaries(t *testing.T) {
	msgs := PickConversation([]string{"weather talk", "cooking"}, "back to pasta")
	list := msgs[1].Content
	for _, want := range []string{"0. weather talk", "1. cooking"} {
		if !strings.Contains(list, want) {
			t.Errorf("missing %q in %q", want, list)
		}
	}
}

func TestToolSpecMentionsDescription(t *testing.T) {
	msgs := ToolSpec("fetch the weather")
	if got := msgs[len(msgs)-1].Content; !strings.Contains(got, "fetch the weather") {
		t.Errorf("description missing: %q", got)
	}
	if !strings.Contains(msgs[0].Content, "static_parameters") {
		t.Error("schema missing static_parameters")
	}
}
