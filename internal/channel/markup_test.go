package channel

import "testing"

func TestToHTML(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in, want string
	}{
		{"*URGENT* alert", "<b>URGENT</b> alert"},
		{"_note_ and `a<b>`", "<i>note</i> and <code>a&lt;b&gt;</code>"},
		{"snake_case_name stays", "snake_case_name stays"},
		{"2 * 3 * 4", "2 * 3 * 4"},
		{"*open\nclose*", "*open\nclose*"},
		{`literal \*star\*`, "literal *star*"},
		{"Tom & Jerry <x>", "Tom &amp; Jerry &lt;x&gt;"},
		{"📨 *From:* a@b.c", "📨 <b>From:</b> a@b.c"},
	}
	for _, tc := range cases {
		if got := ToHTML(tc.in); got != tc.want {
			t.Fatalf("ToHTML(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestEscapeMarkupRoundTrip(t *testing.T) {
	t.Parallel()

	raw := `Re: *urgent* _x_ \path`
	if got := ToPlain(EscapeMarkup(raw)); got != raw {
		t.Fatalf("ToPlain(EscapeMarkup(%q)) = %q", raw, got)
	}
	if got := ToPlain("*a* _b_ `c`"); got != "a b c" {
		t.Fatalf("ToPlain = %q", got)
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	if _, ok := r.Get(Telegram); ok {
		t.Fatalf("empty registry returned a channel")
	}
	d := Destination{Channel: ParseKind(" Telegram "), Address: "1"}
	if d.Channel != Telegram || d.String() != "telegram:1" {
		t.Fatalf("destination = %v", d)
	}
}
