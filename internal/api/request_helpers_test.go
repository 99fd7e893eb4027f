package api

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveLocalPath(t *testing.T) {
	t.Parallel()

	root := filepath.Join(string(filepath.Separator), "srv", "inputs")

	testCases := []struct {
		name    string
		root    string
		path    string
		want    string
		wantErr bool
	}{
		{"relative", root, "a.difypkg", filepath.Join(root, "a.difypkg"), false},
		{"nested", root, "team/a.difypkg", filepath.Join(root, "team", "a.difypkg"), false},
		{"absolute inside", root, filepath.Join(root, "a.difypkg"), filepath.Join(root, "a.difypkg"), false},
		{"disabled", "", "a.difypkg", "", true},
		{"parent escape", root, "../secret.difypkg", "", true},
		{"absolute outside", root, "/etc/passwd", "", true},
		{"root itself", root, ".", "", true},
		{"sibling prefix", root, filepath.Join(root+"-other", "a.difypkg"), "", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := resolveLocalPath(tc.root, tc.path)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrLocalInputDisabled)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
