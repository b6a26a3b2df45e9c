package sanitize

import "testing"

func TestText(t *testing.T) {
	t.Parallel()

	got := Text("  <b>ops</b> team  ")
	want := "&lt;b&gt;ops&lt;/b&gt; team"
	if got != want {
		t.Fatalf("Text = %q, want %q", got, want)
	}
}

func TestTextPtr_NilPassesThrough(t *testing.T) {
	t.Parallel()

	if got := TextPtr(nil); got != nil {
		t.Fatalf("TextPtr(nil) = %v, want nil", got)
	}
}

func TestMarkdown_StripsScriptKeepsCode(t *testing.T) {
	t.Parallel()

	got := Markdown(`<script>alert(1)</script><code>ssh relay-3</code>`)
	want := "<code>ssh relay-3</code>"
	if got != want {
		t.Fatalf("Markdown = %q, want %q", got, want)
	}
}

func TestMarkdown_EmptyNote(t *testing.T) {
	t.Parallel()

	if got := Markdown("   "); got != "" {
		t.Fatalf("Markdown(blank) = %q, want empty", got)
	}
}
