package analysis

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSummary(t *testing.T) {
	groups := ParseSummary(propkaOutput)

	require.Len(t, groups, 4)
	assert.Equal(t, PkaGroup{Residue: "ASP", ResidueNumber: 1, Chain: "A", Pka: 2.10, ModelPka: 3.80}, groups[0])
	assert.Equal(t, "B", groups[3].Chain)
	assert.InDelta(t, 1.70, groups[2].Shift(), 1e-9)
}

func TestParseSummary_NoSection(t *testing.T) {
	assert.Empty(t, ParseSummary("ASP   1 A     2.10       3.80\n"))
}

func TestSummarize(t *testing.T) {
	sum := Summarize(ParseSummary(propkaOutput), 7.0)

	assert.Equal(t, 4, sum.TotalIonizableGroups)
	assert.Equal(t, 4, sum.UniqueResidueTypes)
	assert.Equal(t, 7.0, sum.PH)

	asp := sum.Statistics["ASP"]
	assert.Equal(t, 1, asp.Count)
	assert.Equal(t, 2.1, asp.AveragePka)
	assert.Equal(t, 3.9, asp.StandardPka)
	assert.Equal(t, -1.8, asp.AverageShift)
	assert.Equal(t, [2]float64{2.1, 2.1}, asp.Range)

	require.Len(t, sum.SignificantShifts, 2)
	assert.Equal(t, Shift{Residue: "ASP", Shift: -1.8, Direction: "lower"}, sum.SignificantShifts[0])
	assert.Equal(t, Shift{Residue: "HIS", Shift: 2.2, Direction: "higher"}, sum.SignificantShifts[1])

	// Acidic: 1/(1+10^(7-2.1)); basic: 1/(1+10^(10.4-7)).
	assert.Equal(t, 0.0, sum.ProtonationStates["ASP"][0].FractionProtonated)
	assert.Equal(t, 0.0, sum.ProtonationStates["LYS"][0].FractionProtonated)
	assert.Equal(t, 0.059, sum.ProtonationStates["HIS"][0].FractionProtonated)
	assert.Equal(t, 30, sum.ProtonationStates["HIS"][0].ResidueNumber)
}

func TestSummarize_UnknownResidueHasStateButNoStats(t *testing.T) {
	sum := Summarize([]PkaGroup{{Residue: "N+", ResidueNumber: 1, Chain: "A", Pka: 7.0, ModelPka: 8.0}}, 7.0)

	assert.Empty(t, sum.Statistics)
	require.Len(t, sum.ProtonationStates["N+"], 1)
	assert.Equal(t, 0.5, sum.ProtonationStates["N+"][0].FractionProtonated)
}

func TestPropkaCalculate(t *testing.T) {
	workDir := t.TempDir()
	var seenInput string
	runner := &fakeRunner{handle: func(c call) (string, string, error) {
		seenInput = c.args[len(c.args)-1]
		data, err := os.ReadFile(seenInput)
		require.NoError(t, err)
		assert.NotContains(t, string(data), "GLU B", "chain B filtered out")
		return propkaOutput, "", nil
	}}
	p := NewPropka(runner, PropkaConfig{Python: "python", WorkDir: workDir})

	report, err := p.Calculate(context.Background(), writePDB(t), 7.4, []string{"A"}, nil)
	require.NoError(t, err)

	calls := runner.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "python", calls[0].name)
	assert.Equal(t, workDir, calls[0].dir)
	assert.Equal(t, []string{"-m", "propka3.propka", "--ph", "7.4", "--quiet"}, calls[0].args[:5])

	assert.Len(t, report.Groups, 4)
	assert.Equal(t, 7.4, report.PH)
	assert.Equal(t, []string{"A"}, report.Chains)
	assert.Equal(t, []float64{2.10}, report.PkaValues()["ASP"])

	_, err = os.Stat(seenInput)
	assert.True(t, os.IsNotExist(err), "temp input removed")
}

func TestPropkaCalculate_ReadsPkaFileWhenQuiet(t *testing.T) {
	workDir := t.TempDir()
	runner := &fakeRunner{handle: func(c call) (string, string, error) {
		input := c.args[len(c.args)-1]
		pka := input[:len(input)-len(filepath.Ext(input))] + ".pka"
		require.NoError(t, os.WriteFile(pka, []byte(propkaOutput), 0o600))
		return "", "", nil
	}}
	p := NewPropka(runner, PropkaConfig{WorkDir: workDir})

	report, err := p.Calculate(context.Background(), writePDB(t), 7.0, nil, nil)
	require.NoError(t, err)
	assert.Len(t, report.Groups, 4)

	entries, err := os.ReadDir(workDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "all temp files removed")
}

func TestPropkaCalculate_Failures(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{name: "not installed", err: errors.Join(ErrNotInstalled), wantMsg: "PROPKA not found"},
		{name: "exit error", err: errors.New("exit status 1"), wantMsg: "PROPKA failed: boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{handle: func(call) (string, string, error) {
				return "", "boom\n", tt.err
			}}
			p := NewPropka(runner, PropkaConfig{WorkDir: t.TempDir()})

			_, err := p.Calculate(context.Background(), writePDB(t), 7.0, nil, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestPropkaCalculate_MissingInput(t *testing.T) {
	p := NewPropka(&fakeRunner{}, PropkaConfig{WorkDir: t.TempDir()})

	_, err := p.Calculate(context.Background(), "/nonexistent.pdb", 7.0, nil, nil)
	require.ErrorContains(t, err, "opening structure")
}
