package plugin_test

import (
	"errors"
	"testing"

	"github.com/quantkit/quantflow/pkg/plugin"
)

func TestParseVersion(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		v, err := plugin.ParseVersion("1.2.3")
		if err != nil {
			t.Fatalf("ParseVersion failed: %v", err)
		}
		if v.Major != 1 || v.Minor != 2 || v.Patch != 3 {
			t.Errorf("got %+v, want 1.2.3", v)
		}
		if v.String() != "1.2.3" {
			t.Errorf("String() = %q", v.String())
		}
	})

	t.Run("rejects non-strict forms", func(t *testing.T) {
		for _, s := range []string{"", "1", "1.2", "1.2.3-beta", "1.2.3+build", "v1.2.3", "a.b.c", "1.2.3.4"} {
			if _, err := plugin.ParseVersion(s); err == nil {
				t.Errorf("ParseVersion(%q) should fail", s)
			} else if !errors.Is(err, plugin.ErrBadVersion) {
				t.Errorf("ParseVersion(%q) error should wrap ErrBadVersion, got %v", s, err)
			}
		}
	})

	t.Run("compare", func(t *testing.T) {
		cases := []struct {
			a, b string
			want int
		}{
			{"1.0.0", "1.0.0", 0},
			{"1.0.0", "2.0.0", -1},
			{"2.0.0", "1.9.9", 1},
			{"1.2.0", "1.10.0", -1},
			{"1.2.3", "1.2.4", -1},
		}
		for _, c := range cases {
			a := plugin.MustParseVersion(c.a)
			b := plugin.MustParseVersion(c.b)
			if got := a.Compare(b); got != c.want {
				t.Errorf("Compare(%s, %s) = %d, want %d", c.a, c.b, got, c.want)
			}
		}
	})
}

func TestParseConstraint(t *testing.T) {
	t.Run("matching", func(t *testing.T) {
		cases := []struct {
			spec    string
			version string
			want    bool
		}{
			{"1.2.3", "1.2.3", true},
			{"1.2.3", "1.2.4", false},
			{"==1.2.3", "1.2.3", true},
			{"!=1.2.3", "1.2.3", false},
			{"!=1.2.3", "1.2.4", true},
			{">=1.0.0", "1.0.0", true},
			{">=1.0.0", "0.9.9", false},
			{">1.0.0", "1.0.0", false},
			{">1.0.0", "1.0.1", true},
			{"<=2.0.0", "2.0.0", true},
			{"<2.0.0", "2.0.0", false},
			{"^1.2.3", "1.9.0", true},
			{"^1.2.3", "2.0.0", false},
			{"^1.2.3", "1.2.2", false},
			{"~1.2.3", "1.2.9", true},
			{"~1.2.3", "1.3.0", false},
			{"*", "0.0.1", true},
			{"1.x", "1.99.0", true},
			{"1.x", "2.0.0", false},
			{"1.2.x", "1.2.7", true},
			{"1.2.x", "1.3.0", false},
			{">=1.0.0, <2.0.0", "1.5.0", true},
			{">=1.0.0, <2.0.0", "2.0.0", false},
			{">=1.0.0, <2.0.0", "0.9.0", false},
		}
		for _, c := range cases {
			con, err := plugin.ParseConstraint(c.spec)
			if err != nil {
				t.Fatalf("ParseConstraint(%q) failed: %v", c.spec, err)
			}
			v := plugin.MustParseVersion(c.version)
			if got := con.Check(v); got != c.want {
				t.Errorf("%q.Check(%s) = %v, want %v", c.spec, c.version, got, c.want)
			}
		}
	})

	t.Run("rejects malformed specs", func(t *testing.T) {
		for _, s := range []string{"", " ", ">=", "1.2", ">=1.2", "x.y.z", "1.2.3,", "&&1.0.0"} {
			if _, err := plugin.ParseConstraint(s); err == nil {
				t.Errorf("ParseConstraint(%q) should fail", s)
			}
		}
	})

	t.Run("string preserves raw spec", func(t *testing.T) {
		con, err := plugin.ParseConstraint(">=1.0.0, <2.0.0")
		if err != nil {
			t.Fatal(err)
		}
		if con.String() != ">=1.0.0, <2.0.0" {
			t.Errorf("String() = %q", con.String())
		}
	})
}
