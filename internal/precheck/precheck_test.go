package precheck_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scriptrunner/internal/precheck"
)

func TestExtractImports(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   []string
	}{
		{
			name:   "plain imports",
			source: "import os\nimport numpy as np\nimport a.b.c, d as e\n",
			want:   []string{"os", "numpy", "a", "d"},
		},
		{
			name:   "from imports",
			source: "from collections import defaultdict\nfrom sklearn.linear_model import (\n    LinearRegression,\n)\n",
			want:   []string{"collections", "sklearn"},
		},
		{
			name:   "relative imports are skipped",
			source: "from . import sibling\nfrom .pkg import thing\nfrom ..up import x\n",
			want:   nil,
		},
		{
			name:   "nested and one-line compound imports",
			source: "try:\n    import ujson as json\nexcept ImportError:\n    import json\nif True: import requests\n",
			want:   []string{"ujson", "json", "requests"},
		},
		{
			name:   "comments and strings are ignored",
			source: "# import fake_one\nx = 'import fake_two'\n\"\"\"\nimport fake_three\n\"\"\"\nimport real # import fake_four\n",
			want:   []string{"real"},
		},
		{
			name:   "duplicates are reported once",
			source: "import pandas\nimport pandas.io\nfrom pandas import DataFrame\n",
			want:   []string{"pandas"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := precheck.ExtractImports(strings.NewReader(tt.source))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "script.py")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestChecker_Check(t *testing.T) {
	inventory := precheck.StaticInventory{"numpy", "opencv-python", "PyYAML", "python_dateutil"}
	checker := precheck.NewChecker(inventory, map[string]string{"fitz": "PyMuPDF"})
	ctx := context.Background()

	tests := []struct {
		name      string
		source    string
		missing   []string
		available []string
	}{
		{
			name:   "stdlib only",
			source: "import os\nimport sys\nimport json\n",
		},
		{
			name:      "installed packages through aliases",
			source:    "import cv2\nimport yaml\nfrom dateutil import parser\nimport numpy\n",
			available: []string{"opencv-python", "PyYAML", "python-dateutil", "numpy"},
		},
		{
			name:    "missing package is reported by import name",
			source:  "import foo_bar_baz\nprint('hi')\n",
			missing: []string{"foo_bar_baz"},
		},
		{
			name:    "missing package is reported by distribution name",
			source:  "import sklearn\nimport fitz\n",
			missing: []string{"scikit-learn", "PyMuPDF"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := checker.Check(ctx, writeScript(t, tt.source))
			require.NoError(t, err)

			assert.Equal(t, tt.missing, res.Missing)
			assert.Equal(t, tt.available, res.Available)
			assert.Equal(t, len(tt.missing) == 0, res.OK())
		})
	}
}

func TestChecker_CheckUnreadableScript(t *testing.T) {
	checker := precheck.NewChecker(precheck.StaticInventory{}, nil)
	_, err := checker.Check(context.Background(), filepath.Join(t.TempDir(), "missing.py"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

type failingInventory struct{}

func (failingInventory) Installed(context.Context) ([]string, error) {
	return nil, errors.New("pip not found")
}

func TestChecker_InventoryFailure(t *testing.T) {
	checker := precheck.NewChecker(failingInventory{}, nil)

	res, err := checker.Check(context.Background(), writeScript(t, "import os\nimport requests\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"requests"}, res.Missing)

	assert.Error(t, checker.Refresh(context.Background()))
}

func TestMissingPackagesError(t *testing.T) {
	err := &precheck.MissingPackagesError{Missing: []string{"foo_bar_baz", "Pillow"}}

	assert.Contains(t, err.Error(), "foo_bar_baz, Pillow")
	assert.Contains(t, err.Error(), "pip install foo_bar_baz Pillow")
	assert.Equal(t, "", precheck.InstallCommand(nil))
}

func TestParseFreeze(t *testing.T) {
	out := "numpy==1.26.4\nPyYAML==6.0.1\n\nmypkg @ file:///src/mypkg\nnot a package line\n"
	assert.Equal(t, []string{"numpy", "PyYAML", "mypkg"}, precheck.ParseFreeze(bytes.NewBufferString(out)))
}

func TestPipInventory(t *testing.T) {
	inv := precheck.PipInventory{Command: []string{"sh", "-c", "echo 'requests==2.31.0'; echo 'Flask==3.0.0'"}}
	names, err := inv.Installed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"requests", "Flask"}, names)

	_, err = precheck.PipInventory{}.Installed(context.Background())
	assert.Error(t, err)

	_, err = precheck.PipInventory{Command: []string{"sh", "-c", "exit 2"}}.Installed(context.Background())
	assert.Error(t, err)
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "python-dateutil", precheck.NormalizeName("Python_DateUtil"))
	assert.Equal(t, "zope-interface", precheck.NormalizeName("zope.interface"))
	assert.True(t, precheck.IsStdlib("os"))
	assert.False(t, precheck.IsStdlib("numpy"))
}
