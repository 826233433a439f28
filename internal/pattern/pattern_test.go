// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pattern

import (
	"strings"
	"testing"
	"unicode/utf8"
)

const leakWindow = "LEAK ALARM from sensor WL-7 in zone B was triggered at local 14:32 on Mon 03 Jun"

func leakBody() string {
	return "<html><body><p>Automatic notification</p>" + leakWindow + " 2024, please check the premises</body></html>"
}

// TestRule_Match covers the case rules: address is case-insensitive,
// subject is exact and the body search is case-sensitive.
func TestRule_Match(t *testing.T) {
	rule := Rule{
		Address: "alert@x.com",
		Subject: "Water leak detected",
		Body:    "LEAK",
		Window:  len(leakWindow),
	}

	tests := []struct {
		name    string
		origin  string
		subject string
		body    string
		want    bool
	}{
		{"exact", "alert@x.com", "Water leak detected", leakBody(), true},
		{"address case-insensitive", "Alert@X.com", "Water leak detected", leakBody(), true},
		{"other address", "ops@x.com", "Water leak detected", leakBody(), false},
		{"subject differs in case", "alert@x.com", "water leak detected", leakBody(), false},
		{"body pattern case-sensitive", "alert@x.com", "Water leak detected", "a small leak was found", false},
		{"empty origin", "", "Water leak detected", leakBody(), false},
		{"empty subject", "alert@x.com", "", leakBody(), false},
		{"empty body", "alert@x.com", "Water leak detected", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rule.Match(tt.origin, tt.subject, tt.body); got != tt.want {
				t.Errorf("Match() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestExtract_Window verifies that extraction returns body[i:i+W] split on
// single spaces.
func TestExtract_Window(t *testing.T) {
	body := leakBody()
	i := strings.Index(body, "LEAK")

	tokens, ok := Extract(body, "LEAK", len(leakWindow))
	if !ok {
		t.Fatal("expected pattern to be found")
	}

	want := strings.Split(body[i:i+len(leakWindow)], " ")
	if len(tokens) != len(want) {
		t.Fatalf("got %d tokens, want %d", len(tokens), len(want))
	}
	for n := range want {
		if tokens[n] != want[n] {
			t.Errorf("token[%d] = %q, want %q", n, tokens[n], want[n])
		}
	}
}

// TestExtract_Positions verifies the fixed positions read by leak devices.
func TestExtract_Positions(t *testing.T) {
	tokens, ok := Extract(leakBody(), "LEAK", len(leakWindow))
	if !ok {
		t.Fatal("expected pattern to be found")
	}

	if got := Token(tokens, 12); got != "14:32" {
		t.Errorf("token 12 = %q, want 14:32", got)
	}
	if got := Join(tokens, []int{14, 15, 16}, " "); got != "Mon 03 Jun" {
		t.Errorf("date tokens = %q, want %q", got, "Mon 03 Jun")
	}
}

func TestExtract_NotFound(t *testing.T) {
	tokens, ok := Extract("nothing to see", "LEAK", 10)
	if ok {
		t.Error("expected no match")
	}
	if tokens != nil {
		t.Errorf("expected nil tokens, got %v", tokens)
	}
}

// TestExtract_WindowPastEnd verifies the window is clamped to the text.
func TestExtract_WindowPastEnd(t *testing.T) {
	tokens, ok := Extract("xx LEAK at 10:00", "LEAK", 500)
	if !ok {
		t.Fatal("expected pattern to be found")
	}
	if got := strings.Join(tokens, "|"); got != "LEAK|at|10:00" {
		t.Errorf("tokens = %q", got)
	}
}

// TestExtract_WindowCountsCharacters verifies accented text before the
// tokens does not shorten the window.
func TestExtract_WindowCountsCharacters(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		pattern string
		window  int
		want    string
	}{
		{"accent before time", "LEAK ALARM Detección 14:32 fin", "LEAK", 26, "LEAK|ALARM|Detección|14:32"},
		{"window ends inside accented word", "Aviso: ñandú", "Aviso", 10, "Aviso:|ñan"},
		{"accent before match", "Señal LEAK a las 09:15 h", "LEAK", 16, "LEAK|a|las|09:15"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokens, ok := Extract(tt.text, tt.pattern, tt.window)
			if !ok {
				t.Fatal("expected pattern to be found")
			}
			got := strings.Join(tokens, "|")
			if got != tt.want {
				t.Errorf("tokens = %q, want %q", got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("tokens are not valid UTF-8: %q", got)
			}
		})
	}
}

func TestExtract_DoubleSpaceKeepsPositions(t *testing.T) {
	tokens, _ := Extract("LEAK  at 10:00", "LEAK", 14)
	if len(tokens) != 4 {
		t.Fatalf("expected 4 tokens (one empty), got %d: %q", len(tokens), tokens)
	}
	if tokens[1] != "" {
		t.Errorf("token 1 = %q, want empty", tokens[1])
	}
}

func TestToken_OutOfRange(t *testing.T) {
	tokens := []string{"a", "b"}
	if Token(tokens, 5) != "" || Token(tokens, -1) != "" {
		t.Error("out of range positions should yield empty strings")
	}
	if got := Join(tokens, []int{0, 9, 1}, "-"); got != "a--b" {
		t.Errorf("Join = %q, want a--b", got)
	}
}
