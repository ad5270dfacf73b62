package util

import (
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"testing"
)

func TestWithUserWritePermission(t *testing.T) {
	testCases := []struct {
		name     string
		input    os.FileMode
		expected os.FileMode
	}{
		{
			name:     "Read-only permission",
			input:    0444, // r--r--r--
			expected: 0644, // rw-r--r--
		},
		{
			name:     "Already has write permission",
			input:    0755,
			expected: 0755,
		},
		{
			name:     "No permissions",
			input:    0000,
			expected: 0200,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result := WithUserWritePermission(tc.input)
			if result != tc.expected {
				t.Errorf("expected permission %o, but got %o", tc.expected, result)
			}
		})
	}
}

func TestIsHostCaseInsensitiveFS(t *testing.T) {
	expected := (runtime.GOOS == "windows" || runtime.GOOS == "darwin")
	if IsHostCaseInsensitiveFS() != expected {
		t.Errorf("IsHostCaseInsensitiveFS() returned %v, but expected %v for OS %s", IsHostCaseInsensitiveFS(), expected, runtime.GOOS)
	}
}

func TestNormalizedRelPathKey(t *testing.T) {
	testCases := []struct {
		input    string
		expected string
	}{
		{".", ""},
		{"a.txt", "a.txt"},
		{filepath.Join("sub", "dir", "b.txt"), "sub/dir/b.txt"},
		{filepath.Join("sub", "..", "c.txt"), "c.txt"},
	}
	for _, tc := range testCases {
		t.Run(tc.input, func(t *testing.T) {
			if got := NormalizedRelPathKey(tc.input); got != tc.expected {
				t.Errorf("NormalizedRelPathKey(%q) = %q, want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestDenormalizedAbsPath(t *testing.T) {
	root := t.TempDir()
	if got := DenormalizedAbsPath(root, ""); got != root {
		t.Errorf("expected root for empty key, got %q", got)
	}
	want := filepath.Join(root, "sub", "a.txt")
	if got := DenormalizedAbsPath(root, "sub/a.txt"); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestIsSubPath(t *testing.T) {
	root := t.TempDir()
	testCases := []struct {
		name     string
		child    string
		expected bool
	}{
		{"Direct child", filepath.Join(root, "a"), true},
		{"Nested child", filepath.Join(root, "a", "b"), true},
		{"Same path", root, false},
		{"Sibling with shared prefix", root + "-other", false},
		{"Parent", filepath.Dir(root), false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsSubPath(root, tc.child); got != tc.expected {
				t.Errorf("IsSubPath(%q, %q) = %v, want %v", root, tc.child, got, tc.expected)
			}
		})
	}
}

func TestAbsPath(t *testing.T) {
	t.Run("Relative path becomes absolute", func(t *testing.T) {
		got, err := AbsPath("some/dir")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !filepath.IsAbs(got) {
			t.Errorf("expected absolute path, got %q", got)
		}
	})

	t.Run("Tilde is expanded", func(t *testing.T) {
		home, err := os.UserHomeDir()
		if err != nil {
			t.Skip("no home directory available")
		}
		got, err := AbsPath("~/mirror")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != filepath.Join(home, "mirror") {
			t.Errorf("expected %q, got %q", filepath.Join(home, "mirror"), got)
		}
	})
}

func TestMergeAndDeduplicate(t *testing.T) {
	got := MergeAndDeduplicate([]string{"a", "b"}, []string{"b", "c"}, nil)
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestInvertMap(t *testing.T) {
	inv := InvertMap(map[int]string{1: "one", 2: "two"})
	if inv["one"] != 1 || inv["two"] != 2 {
		t.Errorf("unexpected inverted map: %v", inv)
	}
}
