package analysis

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type call struct {
	dir  string
	name string
	args []string
}

// fakeRunner records invocations and answers through handle.
type fakeRunner struct {
	mu     sync.Mutex
	calls  []call
	handle func(c call) (string, string, error)
}

func (f *fakeRunner) Run(_ context.Context, dir, name string, args ...string) (string, string, error) {
	c := call{dir: dir, name: name, args: args}
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
	if f.handle == nil {
		return "", "", nil
	}
	return f.handle(c)
}

func (f *fakeRunner) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

const samplePDB = `HEADER    HYDROLASE                               01-JAN-00   1ABC
TITLE     SAMPLE STRUCTURE
REMARK   2 RESOLUTION. 1.50 ANGSTROMS.
SEQRES   1 A    3  ASP LYS HIS
ATOM      1  N   ASP A   1      11.104   6.134  -6.504  1.00  0.00           N
ATOM      2  CA  ASP A   1      11.639   6.071  -5.147  1.00  0.00           C
ATOM      3  N   LYS A   2      12.000   7.000  -4.000  1.00  0.00           N
ATOM      4  N   HIS A  30      13.000   8.000  -3.000  1.00  0.00           N
ATOM      5  N   GLU B   1      14.000   9.000  -2.000  1.00  0.00           N
ATOM      6  N   GLY B   2      15.000  10.000  -1.000  1.00  0.00           N
HETATM    7  O   HOH A 101      16.000  11.000   0.000  1.00  0.00           O
END
ATOM      8  N   ARG A  99      17.000  12.000   1.000  1.00  0.00           N
`

const propkaOutput = `propka3.4.0

SUMMARY OF THIS PREDICTION
       Group      pKa  model-pKa   ligand atom-type
   ASP   1 A     2.10       3.80
   LYS   2 A    10.40      10.50
   HIS  30 A     8.20       6.50
   GLU   1 B     4.40       4.50
--------------------------------------------------------------------------------------------------------
Free energy of   (un)folding (kcal/mol) as a function of pH (using neutral reference)
  0.00      3.01
  1.00      2.99
The pI is  8.51 (folded) and  8.67 (unfolded)
`

func writePDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "1abc.pdb")
	require.NoError(t, os.WriteFile(path, []byte(samplePDB), 0o600))
	return path
}
