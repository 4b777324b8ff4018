package analysis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/biomcp/internal/log"
)

// significantShift is the minimum |pKa - model pKa| reported as a shift.
const significantShift = 1.0

// PkaGroup is one row of the PROPKA summary table.
type PkaGroup struct {
	Residue       string  `json:"residue"`
	ResidueNumber int     `json:"residue_number"`
	Chain         string  `json:"chain"`
	Pka           float64 `json:"pka"`
	ModelPka      float64 `json:"model_pka"`
}

// Shift returns the predicted shift from the model pKa.
func (g PkaGroup) Shift() float64 { return g.Pka - g.ModelPka }

// Shift describes a group whose pKa moved significantly from its model value.
type Shift struct {
	Residue   string  `json:"residue"`
	Shift     float64 `json:"shift"`
	Direction string  `json:"direction"`
}

// ResidueStats aggregates the predictions for one residue type.
type ResidueStats struct {
	Count        int        `json:"count"`
	AveragePka   float64    `json:"average_pka"`
	StandardPka  float64    `json:"standard_pka"`
	AverageShift float64    `json:"average_shift"`
	Range        [2]float64 `json:"range"`
}

// Protonation is the predicted state of one group at the report pH.
type Protonation struct {
	ResidueNumber      int     `json:"residue_number"`
	Chain              string  `json:"chain"`
	Pka                float64 `json:"pka"`
	FractionProtonated float64 `json:"fraction_protonated"`
}

// PkaSummary condenses a PROPKA run.
type PkaSummary struct {
	TotalIonizableGroups int                      `json:"total_ionizable_groups"`
	UniqueResidueTypes   int                      `json:"unique_residue_types"`
	PH                   float64                  `json:"ph"`
	SignificantShifts    []Shift                  `json:"significant_shifts"`
	Statistics           map[string]ResidueStats  `json:"statistics"`
	ProtonationStates    map[string][]Protonation `json:"protonation_states"`
}

// PkaReport is the result of Propka.Calculate.
type PkaReport struct {
	InputFile string        `json:"input_file"`
	PH        float64       `json:"ph"`
	Chains    []string      `json:"chains,omitempty"`
	Range     *ResidueRange `json:"residue_range,omitempty"`
	Groups    []PkaGroup    `json:"groups"`
	Summary   PkaSummary    `json:"summary"`
}

// PkaValues groups predicted pKa values by residue type.
func (r *PkaReport) PkaValues() map[string][]float64 {
	out := make(map[string][]float64)
	for _, g := range r.Groups {
		out[g.Residue] = append(out[g.Residue], g.Pka)
	}
	return out
}

// PropkaConfig configures the PROPKA wrapper.
type PropkaConfig struct {
	Python  string
	WorkDir string
	Timeout time.Duration
}

// Propka predicts pKa values by running propka3 as a subprocess.
type Propka struct {
	runner  Runner
	python  string
	workDir string
	timeout time.Duration
}

// NewPropka creates a PROPKA wrapper. Empty fields take defaults.
func NewPropka(runner Runner, cfg PropkaConfig) *Propka {
	if runner == nil {
		runner = ExecRunner{}
	}
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "bio_mcp_propka")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &Propka{runner: runner, python: cfg.Python, workDir: cfg.WorkDir, timeout: cfg.Timeout}
}

// Calculate filters pdbPath to the selected chains and residues, runs
// PROPKA at ph, and parses its summary table.
func (p *Propka) Calculate(ctx context.Context, pdbPath string, ph float64, chains []string, rng *ResidueRange) (*PkaReport, error) {
	if err := os.MkdirAll(p.workDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating work dir: %w", err)
	}

	stem := "propka_" + uuid.NewString()[:8]
	input := filepath.Join(p.workDir, stem+".pdb")
	defer p.cleanup(stem)

	if err := p.writeFiltered(pdbPath, input, chains, rng); err != nil {
		return nil, err
	}

	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	args := []string{"-m", "propka3.propka", "--ph", strconv.FormatFloat(ph, 'f', -1, 64), "--quiet", input}
	stdout, stderr, err := p.runner.Run(ctx, p.workDir, p.python, args...)
	switch {
	case errors.Is(err, ErrNotInstalled):
		return nil, fmt.Errorf("PROPKA not found, ensure propka3 is installed: %w", err)
	case ctx.Err() != nil:
		return nil, fmt.Errorf("PROPKA timed out: %w", ctx.Err())
	case err != nil:
		return nil, fmt.Errorf("PROPKA failed: %s: %w", strings.TrimSpace(stderr), err)
	}

	groups := ParseSummary(stdout)
	if len(groups) == 0 {
		if data, rerr := os.ReadFile(filepath.Join(p.workDir, stem+".pka")); rerr == nil {
			groups = ParseSummary(string(data))
		}
	}
	log.Debug(log.CatTools, "PROPKA finished", "file", pdbPath, "groups", len(groups))

	return &PkaReport{
		InputFile: pdbPath,
		PH:        ph,
		Chains:    chains,
		Range:     rng,
		Groups:    groups,
		Summary:   Summarize(groups, ph),
	}, nil
}

func (p *Propka) writeFiltered(src, dst string, chains []string, rng *ResidueRange) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening structure: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating input: %w", err)
	}
	if err := FilterPDB(in, out, chains, rng); err != nil {
		_ = out.Close()
		return fmt.Errorf("filtering structure: %w", err)
	}
	return out.Close()
}

func (p *Propka) cleanup(stem string) {
	for _, ext := range []string{".pdb", ".pka", ".propka_input"} {
		path := filepath.Join(p.workDir, stem+ext)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Warn(log.CatTools, "Failed to remove PROPKA temp file", "path", path, "error", err)
		}
	}
}

// ParseSummary extracts the group rows from the SUMMARY section of PROPKA
// output. Rows look like "ASP  18 A   3.21   3.80".
func ParseSummary(out string) []PkaGroup {
	var groups []PkaGroup
	inSummary := false
	for _, line := range strings.Split(out, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.Contains(trimmed, "SUMMARY") {
			inSummary = true
			continue
		}
		if !inSummary || trimmed == "" || strings.HasPrefix(trimmed, "-") {
			continue
		}
		if g, ok := parseGroup(strings.Fields(trimmed)); ok {
			groups = append(groups, g)
		}
	}
	return groups
}

func parseGroup(parts []string) (PkaGroup, bool) {
	if len(parts) < 5 {
		return PkaGroup{}, false
	}
	num, err := strconv.Atoi(parts[1])
	if err != nil {
		return PkaGroup{}, false
	}
	pka, err := strconv.ParseFloat(parts[3], 64)
	if err != nil {
		return PkaGroup{}, false
	}
	model, err := strconv.ParseFloat(parts[4], 64)
	if err != nil {
		return PkaGroup{}, false
	}
	return PkaGroup{Residue: parts[0], ResidueNumber: num, Chain: parts[2], Pka: pka, ModelPka: model}, true
}

// Summarize computes statistics for the residues with a standard pKa,
// significant shifts, and protonation states at ph.
func Summarize(groups []PkaGroup, ph float64) PkaSummary {
	sum := PkaSummary{
		TotalIonizableGroups: len(groups),
		PH:                   ph,
		Statistics:           make(map[string]ResidueStats),
		ProtonationStates:    make(map[string][]Protonation),
	}

	byRes := make(map[string][]PkaGroup)
	for _, g := range groups {
		byRes[g.Residue] = append(byRes[g.Residue], g)
	}
	sum.UniqueResidueTypes = len(byRes)

	names := make([]string, 0, len(byRes))
	for name := range byRes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		rows := byRes[name]
		for _, g := range rows {
			sum.ProtonationStates[name] = append(sum.ProtonationStates[name], protonation(g, ph))
		}

		std, ok := StandardPka[name]
		if !ok {
			continue
		}
		lo, hi, total := math.Inf(1), math.Inf(-1), 0.0
		for _, g := range rows {
			total += g.Pka
			lo = math.Min(lo, g.Pka)
			hi = math.Max(hi, g.Pka)
		}
		avg := total / float64(len(rows))
		shift := avg - std

		sum.Statistics[name] = ResidueStats{
			Count:        len(rows),
			AveragePka:   round(avg, 2),
			StandardPka:  std,
			AverageShift: round(shift, 2),
			Range:        [2]float64{round(lo, 2), round(hi, 2)},
		}
		if math.Abs(shift) > significantShift {
			dir := "lower"
			if shift > 0 {
				dir = "higher"
			}
			sum.SignificantShifts = append(sum.SignificantShifts, Shift{Residue: name, Shift: round(shift, 2), Direction: dir})
		}
	}
	return sum
}

// protonation applies Henderson-Hasselbalch with the exponent sign chosen
// by whether the group is acidic.
func protonation(g PkaGroup, ph float64) Protonation {
	exp := g.Pka - ph
	if acidic[g.Residue] {
		exp = ph - g.Pka
	}
	return Protonation{
		ResidueNumber:      g.ResidueNumber,
		Chain:              g.Chain,
		Pka:                g.Pka,
		FractionProtonated: round(1/(1+math.Pow(10, exp)), 3),
	}
}

func round(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
