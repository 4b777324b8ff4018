package analysis

import (
	"context"
	"errors"
	"os"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var outputRe = regexp.MustCompile(`(?m)^(?:png (\S+),|save (\S+)$|cmd\.save\("([^"]+)"\))`)

// renderingRunner behaves like PyMOL: it writes whatever file the script
// names as its output and captures the script text.
func renderingRunner(t *testing.T, scripts *[]string) *fakeRunner {
	return &fakeRunner{handle: func(c call) (string, string, error) {
		if len(c.args) < 3 {
			return "", "", nil
		}
		data, err := os.ReadFile(c.args[2])
		require.NoError(t, err)
		*scripts = append(*scripts, string(data))
		for _, m := range outputRe.FindAllStringSubmatch(string(data), -1) {
			for _, path := range m[1:] {
				if path != "" {
					require.NoError(t, os.WriteFile(path, []byte("fake-image-bytes"), 0o600))
				}
			}
		}
		return "=== STRUCTURE ANALYSIS ===\nAtoms: 7\n", "", nil
	}}
}

func TestPymolAvailable_Cached(t *testing.T) {
	runner := &fakeRunner{handle: func(call) (string, string, error) {
		return "", "", ErrNotInstalled
	}}
	p := NewPymol(runner, PymolConfig{WorkDir: t.TempDir()})

	assert.False(t, p.Available(context.Background()))
	assert.False(t, p.Available(context.Background()))
	require.Len(t, runner.Calls(), 1)
	assert.Equal(t, []string{"-c", "-q"}, runner.Calls()[0].args)
}

func TestPymolVisualize_Unavailable(t *testing.T) {
	runner := &fakeRunner{handle: func(call) (string, string, error) {
		return "", "", errors.New("exit status 1")
	}}
	p := NewPymol(runner, PymolConfig{WorkDir: t.TempDir()})

	_, err := p.Visualize(context.Background(), VisualizeRequest{PDBPath: writePDB(t)})
	require.ErrorIs(t, err, ErrPymolUnavailable)
}

func TestPymolVisualize_PNG(t *testing.T) {
	var scripts []string
	workDir := t.TempDir()
	p := NewPymol(renderingRunner(t, &scripts), PymolConfig{WorkDir: workDir})

	res, err := p.Visualize(context.Background(), VisualizeRequest{
		PDBPath:  writePDB(t),
		Chains:   []string{"A"},
		Residues: []string{"HIS"},
	})
	require.NoError(t, err)

	assert.Equal(t, "image", res.OutputType)
	assert.Equal(t, "png", res.Format)
	assert.Equal(t, "cartoon", res.Style)
	assert.Equal(t, 800, res.Width)
	assert.Equal(t, 600, res.Height)
	assert.Equal(t, int64(len("fake-image-bytes")), res.ImageSize)
	assert.Equal(t, 24, res.EncodedSize())
	assert.True(t, strings.HasPrefix(res.FilePath, workDir))

	require.Len(t, scripts, 1)
	script := scripts[0]
	assert.Contains(t, script, "select target_chains, chain A\nshow cartoon, target_chains\n")
	assert.Contains(t, script, "color spectrum, structure\n")
	assert.Contains(t, script, "select highlight_residues, resn HIS\nshow sticks, highlight_residues\ncolor red, highlight_residues\n")
	assert.Contains(t, script, "set ray_opaque_background, 0\n")
	assert.True(t, strings.HasSuffix(script, "quit\n"))

	entries, err := os.ReadDir(workDir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "script removed, image kept")
	assert.True(t, strings.HasSuffix(entries[0].Name(), ".png"))
}

func TestPymolVisualize_SessionFormat(t *testing.T) {
	var scripts []string
	p := NewPymol(renderingRunner(t, &scripts), PymolConfig{WorkDir: t.TempDir()})

	res, err := p.Visualize(context.Background(), VisualizeRequest{PDBPath: writePDB(t), Style: "sticks", Format: "pse"})
	require.NoError(t, err)

	assert.Equal(t, "file", res.OutputType)
	assert.Zero(t, res.ImageSize)
	assert.Contains(t, scripts[0], "color element, structure\n")
	assert.NotContains(t, scripts[0], "ray_opaque_background")
	assert.Contains(t, scripts[0], "save "+res.FilePath+"\n")
}

func TestPymolVisualize_NoOutput(t *testing.T) {
	p := NewPymol(&fakeRunner{}, PymolConfig{WorkDir: t.TempDir()})

	_, err := p.Visualize(context.Background(), VisualizeRequest{PDBPath: writePDB(t)})
	require.ErrorContains(t, err, "output file not created")
}

func TestPymolVisualize_MissingPDB(t *testing.T) {
	p := NewPymol(&fakeRunner{}, PymolConfig{WorkDir: t.TempDir()})

	_, err := p.Visualize(context.Background(), VisualizeRequest{PDBPath: "/nonexistent.pdb"})
	require.ErrorContains(t, err, "PDB file not found")
}

func TestPymolSurfaceView(t *testing.T) {
	tests := []struct {
		surface string
		color   string
	}{
		{"molecular", "hydrophobicity"},
		{"hydrophobic", "hydrophobicity"},
		{"electrostatic", "b"},
		{"other", "spectrum"},
	}
	for _, tt := range tests {
		t.Run(tt.surface, func(t *testing.T) {
			var scripts []string
			p := NewPymol(renderingRunner(t, &scripts), PymolConfig{WorkDir: t.TempDir()})

			res, err := p.SurfaceView(context.Background(), writePDB(t), tt.surface, 0.5, nil)
			require.NoError(t, err)

			assert.Equal(t, "surface", res.Style)
			assert.Contains(t, scripts[0], "show surface, structure\n")
			assert.Contains(t, scripts[0], "color "+tt.color+", structure\n")
			assert.Contains(t, scripts[0], "set transparency, 0.5\n")
		})
	}
}

func TestPymolAnalyze(t *testing.T) {
	var scripts []string
	p := NewPymol(renderingRunner(t, &scripts), PymolConfig{WorkDir: t.TempDir()})
	pdb := writePDB(t)

	res, err := p.Analyze(context.Background(), pdb)
	require.NoError(t, err)

	assert.Equal(t, pdb, res.StructureFile)
	assert.Contains(t, res.Output, "STRUCTURE ANALYSIS")
	assert.True(t, strings.HasSuffix(res.SessionFile, "analysis_1abc_analysis.pse"))
	assert.Contains(t, scripts[0], "load "+pdb+", structure")
}

func TestPymolRunFailure(t *testing.T) {
	runner := &fakeRunner{handle: func(c call) (string, string, error) {
		if len(c.args) > 2 {
			return "", "Error: bad selection", errors.New("exit status 1")
		}
		return "", "", nil
	}}
	p := NewPymol(runner, PymolConfig{WorkDir: t.TempDir()})

	_, err := p.Analyze(context.Background(), writePDB(t))
	require.ErrorContains(t, err, "PyMOL failed: Error: bad selection")
}

func TestVisualizationScript_Colors(t *testing.T) {
	script := VisualizationScript(VisualizeRequest{
		PDBPath:  "/x.pdb",
		Style:    "cartoon",
		Chains:   []string{"A", "B"},
		Residues: []string{"LYS"},
		Colors:   map[string]string{"B": "blue", "LYS": "green", "Z": "pink"},
		Width:    100,
		Height:   50,
	}, "/out/x.png")

	assert.Contains(t, script, "select target_chains, chain A or chain B\n")
	assert.Contains(t, script, "color blue, chain B\n")
	assert.Contains(t, script, "color green, resn LYS\n")
	assert.NotContains(t, script, "pink")
	assert.NotContains(t, script, "color spectrum")
	assert.Contains(t, script, "viewport 100, 50\n")
	assert.Contains(t, script, "png /out/x.png, width=100, height=50, ray=1\n")
}
