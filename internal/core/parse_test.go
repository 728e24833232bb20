package core

import (
	"reflect"
	"testing"
)

func TestTokenizeCommandLine(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"   ", nil},
		{"/cmd a b", []string{"/cmd", "a", "b"}},
		{`/cmd a "b c" d`, []string{"/cmd", "a", "b c", "d"}},
		{`/cmd 'x y'`, []string{"/cmd", "x y"}},
		{`/cmd a\ b`, []string{"/cmd", "a b"}},
		{"/cmd\ta\nb", []string{"/cmd", "a", "b"}},
		{`/cmd --k="v w"`, []string{"/cmd", "--k=v w"}},
	}
	for _, tc := range cases {
		got := tokenizeCommandLine(tc.in)
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("tokenize(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestParseFlags(t *testing.T) {
	t.Parallel()

	pos, flags, bools := parseFlags([]string{"a", "--k=v", "--name", "bob", "--force", "-x", "7", "-ab"})
	if !reflect.DeepEqual(pos, []string{"a"}) {
		t.Fatalf("pos = %v", pos)
	}
	if flags["k"] != "v" || flags["name"] != "bob" || flags["x"] != "7" {
		t.Fatalf("flags = %v", flags)
	}
	if !bools["force"] || !bools["a"] || !bools["b"] {
		t.Fatalf("bools = %v", bools)
	}
}

func TestParseFlagsNegativeNumbersArePositional(t *testing.T) {
	t.Parallel()

	pos, flags, bools := parseFlags([]string{"-1001234567890", "-5"})
	if !reflect.DeepEqual(pos, []string{"-1001234567890", "-5"}) {
		t.Fatalf("pos = %v (flags=%v bools=%v)", pos, flags, bools)
	}
}

func TestNewReqIDUnique(t *testing.T) {
	t.Parallel()

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := newReqID()
		if id == "" || seen[id] {
			t.Fatalf("duplicate or empty request id %q", id)
		}
		seen[id] = true
	}
}
