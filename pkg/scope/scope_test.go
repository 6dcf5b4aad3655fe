package scope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"User Auth System", "user-auth-system"},
		{"  a--b__c  ", "a-b-c"},
		{"Already-slugged", "already-slugged"},
		{"!!!", ""},
		{"Café Menu 2", "café-menu-2"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Slugify(tt.in))
		})
	}
}

func TestFilterTree(t *testing.T) {
	paths := []string{"repo/frontend/src/App.tsx", "repo/backend/app/main.py"}

	fe, err := FilterTree(paths, Frontend)
	require.NoError(t, err)
	assert.Equal(t, []string{"src/App.tsx"}, fe)

	be, err := FilterTree(paths, Backend)
	require.NoError(t, err)
	assert.Equal(t, []string{"app/main.py"}, be)
}

func TestFilterTreeEdgeCases(t *testing.T) {
	paths := []string{
		"repo/frontend/",
		"repo/frontend/src/components/",
		"frontend/src/components/",
		"repo/README.md",
		"./docs/frontend/guide.md",
		"repo/backend/tests/",
		"infra/backend/Dockerfile",
		"",
	}
	got, err := FilterTree(paths, Frontend)
	require.NoError(t, err)
	assert.Equal(t, []string{"src/components/", "README.md", "guide.md"}, got)
}

func TestFilterTreeUnknownScope(t *testing.T) {
	_, err := FilterTree([]string{"repo/frontend/a"}, Scope("QA"))
	assert.ErrorIs(t, err, ErrUnknownScope)
}

func TestParseScope(t *testing.T) {
	for in, want := range map[string]Scope{"FE": Frontend, "fe": Frontend, "frontend": Frontend, " BE ": Backend, "backend": Backend} {
		got, err := ParseScope(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseScope("fullstack")
	assert.ErrorIs(t, err, ErrUnknownScope)
}

func TestBranchName(t *testing.T) {
	name, err := BranchName("User Auth System", Frontend)
	require.NoError(t, err)
	assert.Equal(t, "user-auth-system_FE", name)

	name, err = BranchName("shop", Backend)
	require.NoError(t, err)
	assert.Equal(t, "shop_BE", name)

	_, err = BranchName("shop", Scope("XX"))
	assert.ErrorIs(t, err, ErrUnknownScope)
	_, err = BranchName("???", Frontend)
	assert.Error(t, err)
}

func TestOpposite(t *testing.T) {
	assert.Equal(t, Backend, Frontend.Opposite())
	assert.Equal(t, "backend", Frontend.Opposite().Marker())
}
