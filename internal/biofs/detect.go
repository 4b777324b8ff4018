package biofs

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/rivo/uniseg"
)

// Bio types assigned at upload.
const (
	TypeStructure     = "structure"
	TypeDNA           = "dna"
	TypeRNA           = "rna"
	TypeProtein       = "protein"
	TypeSmallMolecule = "small_molecule"
)

// previewLen is the number of characters kept in a sequence preview.
const previewLen = 50

var nucleotideRun = regexp.MustCompile(`[ATCGU]{20,}`)

// DetectBioType classifies a file by extension and, for FASTA, content.
// It returns "" when the type is unknown.
func DetectBioType(filename, content string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdb", ".cif", ".mmcif":
		return TypeStructure
	case ".fasta", ".fa", ".fas":
		upper := strings.ToUpper(content)
		if nucleotideRun.MatchString(upper) {
			if strings.Contains(upper, "T") {
				return TypeDNA
			}
			return TypeRNA
		}
		return TypeProtein
	case ".sdf", ".mol", ".mol2":
		return TypeSmallMolecule
	}
	return ""
}

// IsSequence reports whether bioType is a sequence type.
func IsSequence(bioType string) bool {
	return bioType == TypeDNA || bioType == TypeRNA || bioType == TypeProtein
}

// SequenceInfo summarizes one FASTA record.
type SequenceInfo struct {
	Header          string `json:"header"`
	Length          int    `json:"length"`
	SequencePreview string `json:"sequence_preview"`
}

// AdditionalInfo holds format-specific details extracted at upload.
type AdditionalInfo struct {
	Header       string   `json:"header,omitempty"`
	PDBID        string   `json:"pdb_id,omitempty"`
	Title        string   `json:"title,omitempty"`
	Compound     []string `json:"compound,omitempty"`
	Chains       []string `json:"chains,omitempty"`
	ResidueCount int      `json:"residue_count,omitempty"`

	Sequences      []SequenceInfo `json:"sequences,omitempty"`
	TotalSequences int            `json:"total_sequences,omitempty"`
}

// column returns line[start:end] clipped to the line, trimmed.
func column(line string, start, end int) string {
	if start >= len(line) {
		return ""
	}
	if end > len(line) {
		end = len(line)
	}
	return strings.TrimSpace(line[start:end])
}

// ExtractPDBInfo reads header records and counts ATOM lines.
func ExtractPDBInfo(content string) AdditionalInfo {
	var info AdditionalInfo
	chains := make(map[string]struct{})
	var title []string

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, "HEADER"):
			info.Header = column(line, 10, 50)
			info.PDBID = column(line, 62, 66)
		case strings.HasPrefix(line, "TITLE"):
			if t := column(line, 10, len(line)); t != "" {
				title = append(title, t)
			}
		case strings.HasPrefix(line, "COMPND"):
			info.Compound = append(info.Compound, column(line, 10, len(line)))
		case strings.HasPrefix(line, "ATOM"):
			if len(line) > 21 {
				chains[line[21:22]] = struct{}{}
			}
			info.ResidueCount++
		}
	}

	info.Title = strings.Join(title, " ")
	for c := range chains {
		info.Chains = append(info.Chains, c)
	}
	sort.Strings(info.Chains)
	return info
}

// ExtractSequenceInfo summarizes every record of a FASTA file.
func ExtractSequenceInfo(content string) AdditionalInfo {
	var info AdditionalInfo
	records := strings.Split(content, ">")
	for _, rec := range records[1:] {
		lines := strings.Split(strings.TrimSpace(rec), "\n")
		header := strings.TrimSpace(lines[0])
		var seq strings.Builder
		for _, l := range lines[1:] {
			seq.WriteString(strings.TrimSpace(l))
		}
		s := seq.String()
		info.Sequences = append(info.Sequences, SequenceInfo{
			Header:          header,
			Length:          len(s),
			SequencePreview: preview(s, previewLen),
		})
	}
	info.TotalSequences = len(info.Sequences)
	return info
}

// preview keeps the first n grapheme clusters of s, marking truncation.
func preview(s string, n int) string {
	if uniseg.GraphemeClusterCount(s) <= n {
		return s
	}
	var b strings.Builder
	state := -1
	rest := s
	for i := 0; i < n && rest != ""; i++ {
		var cluster string
		cluster, rest, _, state = uniseg.FirstGraphemeClusterInString(rest, state)
		b.WriteString(cluster)
	}
	return b.String() + "..."
}

// Summary is a one-line human description of a file.
func Summary(meta FileMetadata) string {
	switch {
	case meta.BioType == TypeStructure:
		return fmt.Sprintf("Structure with %d chain(s): %s", len(meta.AdditionalInfo.Chains), strings.Join(meta.AdditionalInfo.Chains, ", "))
	case IsSequence(meta.BioType):
		return fmt.Sprintf("%d sequence(s)", meta.AdditionalInfo.TotalSequences)
	case meta.BioType == "":
		return "Unknown file"
	default:
		return meta.BioType + " file"
	}
}
