package condition

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	releaseIf    = `tag =~ ^v(\d+|\.)+[^a-z]\d+$`
	preReleaseIf = `tag =~ ^v(\d+|\.)+([a-z]|rc)\d+$`
)

type fakeCtx struct {
	vars map[string]string
	env  map[string]string
}

func (f fakeCtx) Var(name string) string { return f.vars[name] }
func (f fakeCtx) Env(name string) string { return f.env[name] }

func tagged(tag string) fakeCtx {
	return fakeCtx{vars: map[string]string{"tag": tag, "branch": "master", "type": "push"}}
}

func TestTagActivation(t *testing.T) {
	release := MustParse(releaseIf)
	pre := MustParse(preReleaseIf)

	cases := []struct {
		tag        string
		release    bool
		preRelease bool
	}{
		{"v1.2.3", true, false},
		{"v0.10", true, false},
		{"v1.2.3rc1", false, true},
		{"v1.2.3a1", false, true},
		{"v1.2.3b12", false, true},
		{"", false, false},
		{"1.2.3", false, false},
		{"release-1", false, false},
	}
	for _, tc := range cases {
		t.Run(tc.tag, func(t *testing.T) {
			ctx := tagged(tc.tag)
			assert.Equal(t, tc.release, release.Eval(ctx), "release pattern")
			assert.Equal(t, tc.preRelease, pre.Eval(ctx), "pre-release pattern")
		})
	}
}

func TestAbsentVariableNeverMatches(t *testing.T) {
	// `.*` matches the empty string, but an absent tag still must not.
	e := MustParse(`tag =~ .*`)
	assert.False(t, e.Eval(tagged("")))
	assert.True(t, MustParse(`tag !~ ^v`).Eval(tagged("")))
}

func TestOperators(t *testing.T) {
	ctx := fakeCtx{
		vars: map[string]string{"branch": "main", "type": "pull_request", "os": "linux"},
		env:  map[string]string{"DEPLOY": "yes"},
	}
	cases := map[string]bool{
		`branch = main`:                           true,
		`branch == "main"`:                        true,
		`branch != main`:                          false,
		`type = pull_request AND branch = main`:   true,
		`type = push OR branch = main`:            true,
		`NOT branch = main`:                       false,
		`!(branch = main)`:                        false,
		`branch = main && (os = osx || os=linux)`: true,
		`tag IS present`:                          false,
		`tag IS blank`:                            true,
		`branch IS NOT blank`:                     true,
		`os IN (linux, osx)`:                      true,
		`os NOT IN (windows, 'osx')`:              true,
		`env(DEPLOY) = yes`:                       true,
		`env(MISSING) IS present`:                 false,
		`branch`:                                  true,
		`tag`:                                     false,
		`branch =~ /^ma/`:                         true,
		`branch =~ "^ma.*$" and os = linux`:       true,
		`(branch =~ ^m(a)in)`:                     true,
	}
	for src, want := range cases {
		t.Run(src, func(t *testing.T) {
			e, err := Parse(src)
			require.NoError(t, err)
			assert.Equal(t, want, e.Eval(ctx))
		})
	}
}

func TestMultibyteValues(t *testing.T) {
	ctx := fakeCtx{vars: map[string]string{"branch": "voilà", "repo": "org/Åsa"}}
	for _, src := range []string{
		`branch = voilà`,
		`branch IN (voilà, other)`,
		`branch =~ ^voilà$`,
		`repo = org/Åsa`,
	} {
		t.Run(src, func(t *testing.T) {
			e, err := Parse(src)
			require.NoError(t, err)
			assert.True(t, e.Eval(ctx))
		})
	}
}

func TestParseErrors(t *testing.T) {
	for _, src := range []string{
		"",
		"   ",
		"tag =",
		"color = red",
		"tag =~ ^v(",
		"(branch = main",
		"branch = main extra",
		"tag IS maybe",
		"os IN (linux",
		`branch = "open`,
	} {
		t.Run(src, func(t *testing.T) {
			_, err := Parse(src)
			require.Error(t, err)
			var se *SyntaxError
			assert.True(t, errors.As(err, &se))
		})
	}
}

func TestStringKeepsSource(t *testing.T) {
	e := MustParse("  " + releaseIf + " ")
	assert.Equal(t, releaseIf, e.String())
}
