package simplestorage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "plain", in: "weow.txt", want: "weow.txt"},
		{name: "nested", in: "a/b/c.txt", want: "a/b/c.txt"},
		{name: "leading slash", in: "/a/b.txt", want: "a/b.txt"},
		{name: "trailing slash", in: "a/", want: "a"},
		{name: "double slash", in: "a//b", want: "a/b"},
		{name: "dot segment", in: "./a/./b", want: "a/b"},
		{name: "empty", in: "", wantErr: true},
		{name: "only slashes", in: "///", wantErr: true},
		{name: "parent escape", in: "../escape.txt", wantErr: true},
		{name: "inner parent", in: "a/../b", wantErr: true},
		{name: "backslash", in: `a\b`, wantErr: true},
		{name: "nul", in: "a\x00b", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizePath(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidPath))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeDir_AllowsRoot(t *testing.T) {
	got, err := NormalizeDir("")
	require.NoError(t, err)
	assert.Equal(t, "", got)

	got, err = NormalizeDir("/")
	require.NoError(t, err)
	assert.Equal(t, "", got)

	_, err = NormalizeDir("../x")
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestPathHelpers(t *testing.T) {
	assert.Equal(t, "c.txt", BaseName("a/b/c.txt"))
	assert.Equal(t, "c.txt", BaseName("c.txt"))
	assert.Equal(t, "a/b", ParentDir("a/b/c.txt"))
	assert.Equal(t, "", ParentDir("c.txt"))
	assert.Equal(t, []string{"a", "a/b"}, Ancestors("a/b/c.txt"))
	assert.Empty(t, Ancestors("c.txt"))
	assert.Equal(t, "", ChildPrefix(""))
	assert.Equal(t, "a/", ChildPrefix("a"))
	assert.Equal(t, "x", JoinPath("", "x"))
	assert.Equal(t, "a/x", JoinPath("a", "x"))
}
