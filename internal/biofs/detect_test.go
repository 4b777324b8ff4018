package biofs

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDetectBioType(t *testing.T) {
	dna := ">seq\n" + strings.Repeat("ATCG", 6) + "\n"
	rna := ">seq\n" + strings.Repeat("AUCG", 6) + "\n"
	protein := ">sp|P00698|LYSC\nKVFGRCELAAAMKRHGLDNYRGYSLGNWVCAAKFESNFNTQATNRNTDGSTDYGILQINSRWWCNDG\n"

	tests := []struct {
		name     string
		filename string
		content  string
		want     string
	}{
		{"pdb", "1abc.pdb", "HEADER", TypeStructure},
		{"cif upper", "1ABC.CIF", "", TypeStructure},
		{"mmcif", "x.mmcif", "", TypeStructure},
		{"dna", "gene.fasta", dna, TypeDNA},
		{"rna", "rna.fa", rna, TypeRNA},
		{"lowercase dna", "gene.fas", strings.ToLower(dna), TypeDNA},
		{"protein", "lys.fasta", protein, TypeProtein},
		{"short run is protein", "short.fa", ">s\nATCGATCG\n", TypeProtein},
		{"sdf", "lig.sdf", "", TypeSmallMolecule},
		{"mol2", "lig.mol2", "", TypeSmallMolecule},
		{"unknown", "notes.txt", "ATCGATCGATCGATCGATCGATCG", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, DetectBioType(tt.filename, tt.content))
		})
	}
}

const lysozymePDB = `HEADER    HYDROLASE                               19-MAY-93   1LYZ              
TITLE     REAL-SPACE REFINEMENT OF THE STRUCTURE OF HEN EGG-WHITE
TITLE    2 LYSOZYME
COMPND    MOL_ID: 1;
COMPND   2 MOLECULE: HEN EGG WHITE LYSOZYME;
ATOM      1  N   LYS A   1       3.294  10.164  10.266  1.00 11.18           N
ATOM      2  CA  LYS A   1       2.388  10.533   9.168  1.00  9.68           C
ATOM      3  N   ASP B  18       1.000   1.000   1.000  1.00  9.68           N
HETATM  4  O   HOH A 200       0.000   0.000   0.000  1.00  0.00           O
END
`

func TestExtractPDBInfo(t *testing.T) {
	info := ExtractPDBInfo(lysozymePDB)
	require.Equal(t, "HYDROLASE", info.Header)
	require.Equal(t, "1LYZ", info.PDBID)
	require.Equal(t, "REAL-SPACE REFINEMENT OF THE STRUCTURE OF HEN EGG-WHITE LYSOZYME", info.Title)
	require.Equal(t, []string{"MOL_ID: 1;", "MOLECULE: HEN EGG WHITE LYSOZYME;"}, info.Compound)
	require.Equal(t, []string{"A", "B"}, info.Chains)
	require.Equal(t, 3, info.ResidueCount)
}

func TestExtractPDBInfo_ShortLines(t *testing.T) {
	info := ExtractPDBInfo("HEADER\nATOM\nCOMPND\n")
	require.Empty(t, info.Header)
	require.Empty(t, info.PDBID)
	require.Empty(t, info.Chains)
	require.Equal(t, 1, info.ResidueCount)
	require.Equal(t, []string{""}, info.Compound)
}

func TestExtractSequenceInfo(t *testing.T) {
	long := strings.Repeat("M", 60)
	content := ">first protein\nMKV\nLLA\n>second\n" + long + "\n"
	info := ExtractSequenceInfo(content)

	require.Equal(t, 2, info.TotalSequences)
	require.Equal(t, SequenceInfo{Header: "first protein", Length: 6, SequencePreview: "MKVLLA"}, info.Sequences[0])
	require.Equal(t, 60, info.Sequences[1].Length)
	require.Equal(t, strings.Repeat("M", 50)+"...", info.Sequences[1].SequencePreview)
}

func TestExtractSequenceInfo_NoRecords(t *testing.T) {
	info := ExtractSequenceInfo("just text")
	require.Zero(t, info.TotalSequences)
	require.Empty(t, info.Sequences)
}

func TestPreviewIsGraphemeSafe(t *testing.T) {
	s := strings.Repeat("é", 3)
	require.Equal(t, "éé...", preview(s, 2))
	require.Equal(t, s, preview(s, 3))
}

func TestSummary(t *testing.T) {
	require.Equal(t, "Structure with 2 chain(s): A, B",
		Summary(FileMetadata{BioType: TypeStructure, AdditionalInfo: AdditionalInfo{Chains: []string{"A", "B"}}}))
	require.Equal(t, "Structure with 0 chain(s): ", Summary(FileMetadata{BioType: TypeStructure}))
	require.Equal(t, "3 sequence(s)", Summary(FileMetadata{BioType: TypeDNA, AdditionalInfo: AdditionalInfo{TotalSequences: 3}}))
	require.Equal(t, "small_molecule file", Summary(FileMetadata{BioType: TypeSmallMolecule}))
	require.Equal(t, "Unknown file", Summary(FileMetadata{}))
}
