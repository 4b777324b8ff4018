package analysis

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/biomcp/internal/log"
)

// ErrPymolUnavailable is returned when PyMOL cannot be run.
var ErrPymolUnavailable = errors.New("PyMOL is not available, ensure PyMOL is installed and accessible")

// availabilityTimeout bounds the startup availability check.
const availabilityTimeout = 5 * time.Second

// surfaceColors maps a surface type to the PyMOL color scheme used for it.
var surfaceColors = map[string]string{
	"molecular":     "hydrophobicity",
	"electrostatic": "b",
	"hydrophobic":   "hydrophobicity",
}

// PymolConfig configures the PyMOL wrapper.
type PymolConfig struct {
	Binary  string
	WorkDir string
	Timeout time.Duration
}

// Pymol renders and measures structures by scripting a headless PyMOL.
type Pymol struct {
	runner  Runner
	binary  string
	workDir string
	timeout time.Duration

	mu        sync.Mutex
	checked   bool
	available bool
}

// NewPymol creates a PyMOL wrapper. Empty fields take defaults.
func NewPymol(runner Runner, cfg PymolConfig) *Pymol {
	if runner == nil {
		runner = ExecRunner{}
	}
	if cfg.Binary == "" {
		cfg.Binary = "pymol"
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "bio_mcp_pymol")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &Pymol{runner: runner, binary: cfg.Binary, workDir: cfg.WorkDir, timeout: cfg.Timeout}
}

// WorkDir returns the directory outputs are written to.
func (p *Pymol) WorkDir() string { return p.workDir }

// Available reports whether PyMOL starts in command-line mode. The first
// result is remembered.
func (p *Pymol) Available(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.checked {
		return p.available
	}

	ctx, cancel := context.WithTimeout(ctx, availabilityTimeout)
	defer cancel()
	_, _, err := p.runner.Run(ctx, "", p.binary, "-c", "-q")
	p.available = err == nil
	p.checked = true
	if err != nil {
		log.Info(log.CatTools, "PyMOL not available", "binary", p.binary, "error", err)
	}
	return p.available
}

// VisualizeRequest describes one rendering.
type VisualizeRequest struct {
	PDBPath  string
	Style    string
	Chains   []string
	Residues []string
	// Colors maps a chain id, a residue name, or "structure" to a color.
	Colors       map[string]string
	Transparency float64
	Format       string
	Width        int
	Height       int
}

func (r *VisualizeRequest) applyDefaults() {
	if r.Style == "" {
		r.Style = "cartoon"
	}
	if r.Format == "" {
		r.Format = "png"
	}
	if r.Width <= 0 {
		r.Width = 800
	}
	if r.Height <= 0 {
		r.Height = 600
	}
}

// VisualizeResult describes a rendered output file.
type VisualizeResult struct {
	OutputType string   `json:"output_type"`
	Format     string   `json:"format"`
	FilePath   string   `json:"file_path"`
	Style      string   `json:"style"`
	Chains     []string `json:"chains,omitempty"`
	Residues   []string `json:"residues,omitempty"`
	Width      int      `json:"width,omitempty"`
	Height     int      `json:"height,omitempty"`
	ImageSize  int64    `json:"image_size,omitempty"`
}

// EncodedSize is the length of the image once base64 encoded.
func (r *VisualizeResult) EncodedSize() int {
	return base64.StdEncoding.EncodedLen(int(r.ImageSize))
}

// Visualize renders req.PDBPath to a png, pse or wrl file in the work dir.
func (p *Pymol) Visualize(ctx context.Context, req VisualizeRequest) (*VisualizeResult, error) {
	req.applyDefaults()
	if err := p.prepare(ctx, req.PDBPath); err != nil {
		return nil, err
	}

	base := fmt.Sprintf("visualization_%s_%s", stem(req.PDBPath), uuid.NewString()[:8])
	output := filepath.Join(p.workDir, base+"."+req.Format)
	script := filepath.Join(p.workDir, base+".pml")

	if _, err := p.runScript(ctx, script, VisualizationScript(req, output)); err != nil {
		return nil, err
	}

	info, err := os.Stat(output)
	if err != nil {
		return nil, fmt.Errorf("output file not created: %s", output)
	}

	res := &VisualizeResult{
		OutputType: "file",
		Format:     req.Format,
		FilePath:   output,
		Style:      req.Style,
		Chains:     req.Chains,
		Residues:   req.Residues,
	}
	if req.Format == "png" {
		res.OutputType = "image"
		res.Width = req.Width
		res.Height = req.Height
		res.ImageSize = info.Size()
	}
	return res, nil
}

// SurfaceView renders a surface colored by surfaceType.
func (p *Pymol) SurfaceView(ctx context.Context, pdbPath, surfaceType string, transparency float64, chains []string) (*VisualizeResult, error) {
	color, ok := surfaceColors[surfaceType]
	if !ok {
		color = "spectrum"
	}
	return p.Visualize(ctx, VisualizeRequest{
		PDBPath:      pdbPath,
		Style:        "surface",
		Chains:       chains,
		Colors:       map[string]string{"structure": color},
		Transparency: transparency,
	})
}

// AnalysisResult is the output of Analyze.
type AnalysisResult struct {
	StructureFile string `json:"structure_file"`
	Output        string `json:"analysis_output"`
	SessionFile   string `json:"session_file,omitempty"`
}

// Analyze prints atom, chain, secondary structure and geometry statistics
// and saves a session file alongside.
func (p *Pymol) Analyze(ctx context.Context, pdbPath string) (*AnalysisResult, error) {
	if err := p.prepare(ctx, pdbPath); err != nil {
		return nil, err
	}

	base := "analysis_" + stem(pdbPath)
	script := filepath.Join(p.workDir, base+".pml")
	session := filepath.Join(p.workDir, base+"_analysis.pse")

	out, err := p.runScript(ctx, script, AnalysisScript(pdbPath, session))
	if err != nil {
		return nil, err
	}

	res := &AnalysisResult{StructureFile: pdbPath, Output: out}
	if _, err := os.Stat(session); err == nil {
		res.SessionFile = session
	}
	return res, nil
}

func (p *Pymol) prepare(ctx context.Context, pdbPath string) error {
	if !p.Available(ctx) {
		return ErrPymolUnavailable
	}
	if _, err := os.Stat(pdbPath); err != nil {
		return fmt.Errorf("PDB file not found: %s", pdbPath)
	}
	return os.MkdirAll(p.workDir, 0o750)
}

func (p *Pymol) runScript(ctx context.Context, path, content string) (string, error) {
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return "", fmt.Errorf("writing script: %w", err)
	}
	defer func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Warn(log.CatTools, "Failed to remove PyMOL script", "path", path, "error", err)
		}
	}()

	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	stdout, stderr, err := p.runner.Run(ctx, p.workDir, p.binary, "-c", "-q", path)
	switch {
	case ctx.Err() != nil:
		return "", fmt.Errorf("PyMOL timed out: %w", ctx.Err())
	case err != nil:
		return "", fmt.Errorf("PyMOL failed: %s: %w", strings.TrimSpace(stderr), err)
	}
	return stdout, nil
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
