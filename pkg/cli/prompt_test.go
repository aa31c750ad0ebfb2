package cli

import (
	"bytes"
	"reflect"
	"strings"
	"testing"
	"time"
)

func newTestPrompter(input string) (*Prompter, *bytes.Buffer) {
	out := &bytes.Buffer{}
	return &Prompter{In: strings.NewReader(input), Out: out}, out
}

func TestAsk(t *testing.T) {
	cases := []struct {
		name, input, def, want string
	}{
		{"answer", "hello\n", "x", "hello"},
		{"empty uses default", "\n", "fallback", "fallback"},
		{"whitespace uses default", "   \n", "fallback", "fallback"},
		{"eof uses default", "", "fallback", "fallback"},
		{"no trailing newline", "last", "x", "last"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, _ := newTestPrompter(tc.input)
			if got := p.Ask("Q", tc.def); got != tc.want {
				t.Errorf("Ask() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestAsk_ShowsDefault(t *testing.T) {
	p, out := newTestPrompter("\n")
	p.Ask("Port", "18789")
	if !strings.Contains(out.String(), "Port [18789]: ") {
		t.Errorf("prompt = %q", out.String())
	}
}

func TestAskSecret(t *testing.T) {
	p, _ := newTestPrompter("typed\n\n")
	if got := p.AskSecret("Token", "generated"); got != "typed" {
		t.Errorf("first = %q", got)
	}
	if got := p.AskSecret("Token", "generated"); got != "generated" {
		t.Errorf("second = %q, want the generated default", got)
	}
}

func TestAskInt_RetriesOutOfRange(t *testing.T) {
	p, out := newTestPrompter("0\nabc\n7\n")
	if got := p.AskInt("Max", 10, 1, 100); got != 7 {
		t.Errorf("AskInt() = %d, want 7", got)
	}
	if n := strings.Count(out.String(), "from 1 to 100"); n != 2 {
		t.Errorf("retry hints = %d, want 2", n)
	}
}

func TestAskDuration(t *testing.T) {
	p, _ := newTestPrompter("soon\n45s\n\n")
	if got := p.AskDuration("Idle", time.Minute); got != 45*time.Second {
		t.Errorf("AskDuration() = %v", got)
	}
	if got := p.AskDuration("Idle", time.Minute); got != time.Minute {
		t.Errorf("default = %v", got)
	}
}

func TestAskList(t *testing.T) {
	p, _ := newTestPrompter("web, telegram ,,api\n\n-\n")
	if got := p.AskList("Channels", nil); !reflect.DeepEqual(got, []string{"web", "telegram", "api"}) {
		t.Errorf("list = %v", got)
	}
	if got := p.AskList("Channels", []string{"a", "b"}); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("default = %v", got)
	}
	if got := p.AskList("Channels", []string{"a"}); got != nil {
		t.Errorf("cleared = %v", got)
	}
}

func TestChoose(t *testing.T) {
	opts := []string{"none", "token", "jwt"}

	p, _ := newTestPrompter("\n")
	if got := p.Choose("Auth", opts, 1); got != "token" {
		t.Errorf("default = %q", got)
	}

	p, _ = newTestPrompter("3\n")
	if got := p.Choose("Auth", opts, 0); got != "jwt" {
		t.Errorf("by number = %q", got)
	}

	p, out := newTestPrompter("9\nJWT\n")
	if got := p.Choose("Auth", opts, 0); got != "jwt" {
		t.Errorf("by name = %q", got)
	}
	if !strings.Contains(out.String(), "Pick 1-3") {
		t.Errorf("no retry hint in %q", out.String())
	}
}

func TestConfirm(t *testing.T) {
	cases := []struct {
		input string
		def   bool
		want  bool
	}{
		{"\n", true, true},
		{"\n", false, false},
		{"y\n", false, true},
		{"YES\n", false, true},
		{"n\n", true, false},
		{"maybe\n", true, false},
	}
	for _, tc := range cases {
		p, _ := newTestPrompter(tc.input)
		if got := p.Confirm("Continue", tc.def); got != tc.want {
			t.Errorf("Confirm(%q, %v) = %v, want %v", tc.input, tc.def, got, tc.want)
		}
	}
}

func TestStatusStyle(t *testing.T) {
	if StatusStyle("active").Render("x") == "" {
		t.Error("empty render")
	}
	if got := StatusStyle("unknown").Render("plain"); got != "plain" {
		t.Errorf("unknown status rendered %q", got)
	}
}
