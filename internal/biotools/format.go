package biotools

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/zjrosen/biomcp/internal/analysis"
	"github.com/zjrosen/biomcp/internal/biofs"
)

const (
	// headerScanLines is how far into a PDB file header records are looked for.
	headerScanLines = 100
	// maxListedGroups caps the individual pKa values in a report.
	maxListedGroups = 20
)

var (
	pdbHeaderRecords = []string{"HEADER", "TITLE", "COMPND", "SOURCE", "KEYWDS", "EXPDTA", "AUTHOR", "REVDAT", "REMARK"}
	chainKeepRecords = []string{"HEADER", "TITLE", "COMPND", "SOURCE", "REMARK"}

	printer = message.NewPrinter(language.English)
)

func bytesLabel(n int) string {
	return printer.Sprintf("%d bytes", n)
}

// pyFloat formats v with at least one decimal place.
func pyFloat(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

func hasAnyPrefix(line string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}

func isAtom(line string) bool {
	return strings.HasPrefix(line, "ATOM") || strings.HasPrefix(line, "HETATM")
}

func splitLines(content string) []string {
	return strings.Split(strings.TrimSuffix(content, "\n"), "\n")
}

func orUnknown(bioType string) string {
	if bioType == "" {
		return "Unknown"
	}
	return bioType
}

func formatFileList(bioType string, files []biofs.FileEntry) string {
	suffix := ""
	if bioType != "" {
		suffix = fmt.Sprintf(" of type '%s'", bioType)
	}
	if len(files) == 0 {
		return "No files found" + suffix
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d file(s)%s:\n\n", len(files), suffix)
	for _, f := range files {
		fmt.Fprintf(&b, "• **%s** (ID: %s)\n", f.Filename, f.FileID)
		fmt.Fprintf(&b, "  Type: %s | Size: %s\n", orUnknown(f.BioType), bytesLabel(f.Size))
		fmt.Fprintf(&b, "  Summary: %s\n", f.Summary)
		fmt.Fprintf(&b, "  Uploaded: %s\n\n", f.UploadTime)
	}
	return b.String()
}

func formatFileInfo(info biofs.FileInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**File Information: %s**\n\n", info.Filename)
	fmt.Fprintf(&b, "• File ID: %s\n", info.FileID)
	fmt.Fprintf(&b, "• Type: %s\n", orUnknown(info.BioType))
	fmt.Fprintf(&b, "• Size: %s\n", bytesLabel(info.Size))
	fmt.Fprintf(&b, "• File Format: %s\n", info.FileType)
	fmt.Fprintf(&b, "• Uploaded: %s\n", info.UploadTime)
	fmt.Fprintf(&b, "• Checksum: %s\n", info.Checksum)
	fmt.Fprintf(&b, "• Summary: %s\n", info.Summary)

	extra := additionalInfo(info.AdditionalInfo)
	if len(extra) > 0 {
		b.WriteString("\n**Additional Information:**\n")
		for _, kv := range extra {
			fmt.Fprintf(&b, "• %s: %s\n", kv[0], kv[1])
		}
	}
	return b.String()
}

func additionalInfo(ai biofs.AdditionalInfo) [][2]string {
	var out [][2]string
	add := func(k, v string) {
		if v != "" {
			out = append(out, [2]string{k, v})
		}
	}
	add("Header", ai.Header)
	add("PDB ID", ai.PDBID)
	add("Title", ai.Title)
	add("Compound", strings.Join(ai.Compound, ", "))
	add("Chains", strings.Join(ai.Chains, ", "))
	if ai.ResidueCount > 0 {
		add("Residue Count", strconv.Itoa(ai.ResidueCount))
	}
	if len(ai.Sequences) > 0 {
		seqs := make([]string, len(ai.Sequences))
		for i, s := range ai.Sequences {
			seqs[i] = fmt.Sprintf("%s (%d)", s.Header, s.Length)
		}
		add("Sequences", strings.Join(seqs, ", "))
	}
	if ai.TotalSequences > 0 {
		add("Total Sequences", strconv.Itoa(ai.TotalSequences))
	}
	return out
}

func formatMatches(pattern string, matches []biofs.Match) string {
	if len(matches) == 0 {
		return fmt.Sprintf("No matches found for pattern '%s'", pattern)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "**Search Results** for pattern '%s' (%d matches):\n\n", pattern, len(matches))
	for _, m := range matches {
		fmt.Fprintf(&b, "• Line %d: %s\n", m.LineNumber, m.Content)
		if m.Match != "" {
			fmt.Fprintf(&b, "  Match: `%s`\n", m.Match)
		}
	}
	return b.String()
}

// pdbHeader returns the header records that precede the first ATOM record.
func pdbHeader(content string) []string {
	var out []string
	for _, line := range splitLines(content) {
		if strings.HasPrefix(line, "ATOM") {
			break
		}
		if hasAnyPrefix(line, pdbHeaderRecords) {
			out = append(out, line)
		}
	}
	return out
}

type fasta struct {
	header   string
	sequence string
}

// fastaRecord returns the index-th record of a FASTA file.
func fastaRecord(content string, index int) (fasta, bool) {
	records := strings.Split(content, ">")
	if index < 0 || len(records) <= index+1 {
		return fasta{}, false
	}
	body := strings.Split(strings.TrimSpace(records[index+1]), "\n")
	var seq strings.Builder
	for _, l := range body[1:] {
		seq.WriteString(strings.TrimSpace(l))
	}
	return fasta{header: strings.TrimSpace(body[0]), sequence: seq.String()}, true
}

func chainOf(line string) string {
	if len(line) <= 21 {
		return ""
	}
	return line[21:22]
}

// selectChains keeps header records and the atoms of chains.
func selectChains(content string, chains []string) ([]string, int) {
	want := make(map[string]bool, len(chains))
	for _, c := range chains {
		want[c] = true
	}

	var out []string
	atoms := 0
	for _, line := range splitLines(content) {
		switch {
		case isAtom(line):
			if want[chainOf(line)] {
				out = append(out, line)
				atoms++
			}
		case hasAnyPrefix(line, chainKeepRecords):
			out = append(out, line)
		}
	}
	return out, atoms
}

type residueHit struct {
	residue string
	chain   string
	number  string
}

func (r residueHit) key() string { return r.chain + ":" + r.number + ":" + r.residue }

// findResidues returns one hit per atom of the named residues.
func findResidues(content string, names []string, chain string) []residueHit {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}

	var out []residueHit
	for _, line := range splitLines(content) {
		if !isAtom(line) || len(line) < 26 {
			continue
		}
		hit := residueHit{
			residue: strings.TrimSpace(line[17:20]),
			chain:   chainOf(line),
			number:  strings.TrimSpace(line[22:26]),
		}
		if !want[hit.residue] || (chain != "" && hit.chain != chain) {
			continue
		}
		out = append(out, hit)
	}
	return out
}

func formatResidues(found []residueHit) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**Found Residues** (%d matches):\n\n", len(found))
	current := ""
	for _, r := range found {
		if r.key() == current {
			continue
		}
		current = r.key()
		fmt.Fprintf(&b, "• %s (Chain %s, Residue %s)\n", r.residue, r.chain, r.number)
	}
	return b.String()
}

func formatPkaReport(r *analysis.PkaReport) string {
	var b strings.Builder
	b.WriteString("**PROPKA pKa Calculation Results**\n\n")
	fmt.Fprintf(&b, "• File: %s\n", r.InputFile)
	fmt.Fprintf(&b, "• pH: %s\n", pyFloat(r.PH))
	chains := "all"
	if len(r.Chains) > 0 {
		chains = strings.Join(r.Chains, ", ")
	}
	fmt.Fprintf(&b, "• Chains analyzed: %s\n", chains)
	if r.Range != nil {
		fmt.Fprintf(&b, "• Residue range: %d-%d\n", r.Range.Start, r.Range.End)
	}

	s := r.Summary
	b.WriteString("\n**Summary:**\n")
	fmt.Fprintf(&b, "• Total ionizable groups: %d\n", s.TotalIonizableGroups)
	fmt.Fprintf(&b, "• Unique residue types: %d\n", s.UniqueResidueTypes)

	if len(s.SignificantShifts) > 0 {
		b.WriteString("\n**Significant pKa Shifts (>1.0 units):**\n")
		for _, sh := range s.SignificantShifts {
			fmt.Fprintf(&b, "• %s: %+.2f (%s than standard)\n", sh.Residue, sh.Shift, sh.Direction)
		}
	}

	if len(s.Statistics) > 0 {
		names := make([]string, 0, len(s.Statistics))
		for name := range s.Statistics {
			names = append(names, name)
		}
		sort.Strings(names)

		b.WriteString("\n**Statistics by Residue Type:**\n")
		for _, name := range names {
			st := s.Statistics[name]
			fmt.Fprintf(&b, "• **%s** (%d residues):\n", name, st.Count)
			fmt.Fprintf(&b, "  - Average pKa: %s (standard: %s)\n", pyFloat(st.AveragePka), pyFloat(st.StandardPka))
			fmt.Fprintf(&b, "  - Average shift: %+.2f\n", st.AverageShift)
			fmt.Fprintf(&b, "  - Range: %s - %s\n", pyFloat(st.Range[0]), pyFloat(st.Range[1]))
		}
	}

	if len(r.Groups) > 0 {
		b.WriteString("\n**Individual pKa Values:**\n")
		for _, g := range r.Groups[:min(len(r.Groups), maxListedGroups)] {
			fmt.Fprintf(&b, "• %s %s:%d - pKa: %.2f\n", g.Residue, g.Chain, g.ResidueNumber, g.Pka)
		}
		if extra := len(r.Groups) - maxListedGroups; extra > 0 {
			fmt.Fprintf(&b, "... and %d more residues\n", extra)
		}
	}
	return b.String()
}

func formatIonizable(residues []analysis.IonizableResidue) string {
	byType := make(map[string][]analysis.IonizableResidue)
	for _, r := range residues {
		byType[r.Residue] = append(byType[r.Residue], r)
	}
	types := make([]string, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Strings(types)

	var b strings.Builder
	fmt.Fprintf(&b, "**Ionizable Residues Found** (%d total):\n\n", len(residues))
	for _, t := range types {
		list := byType[t]
		fmt.Fprintf(&b, "**%s** (%d residues, standard pKa: %s):\n", t, len(list), pyFloat(list[0].StandardPka))
		for _, r := range list {
			fmt.Fprintf(&b, "• Chain %s, Residue %s\n", r.Chain, r.ResidueNumber)
		}
		b.WriteString("\n")
	}
	b.WriteString("Use `calculate_pka` to determine actual pKa values for these residues.")
	return b.String()
}

func formatVisualization(r *analysis.VisualizeResult) string {
	var b strings.Builder
	if r.OutputType != "image" {
		b.WriteString("**Structure File Created**\n\n")
		fmt.Fprintf(&b, "• Format: %s\n", r.Format)
		fmt.Fprintf(&b, "• File path: %s\n", r.FilePath)
		return b.String()
	}

	b.WriteString("**Structure Visualization Created**\n\n")
	fmt.Fprintf(&b, "• Style: %s\n", r.Style)
	fmt.Fprintf(&b, "• Dimensions: %dx%d\n", r.Width, r.Height)
	fmt.Fprintf(&b, "• Format: %s\n", r.Format)
	if len(r.Chains) > 0 {
		fmt.Fprintf(&b, "• Chains: %s\n", strings.Join(r.Chains, ", "))
	}
	if len(r.Residues) > 0 {
		fmt.Fprintf(&b, "• Highlighted residues: %s\n", strings.Join(r.Residues, ", "))
	}
	fmt.Fprintf(&b, "• Image saved to: %s\n", r.FilePath)
	fmt.Fprintf(&b, "• Image data available (base64 encoded, %d characters)\n", r.EncodedSize())
	return b.String()
}

func formatSurface(surfaceType string, r *analysis.VisualizeResult) string {
	var b strings.Builder
	b.WriteString("**Surface Visualization Created**\n\n")
	fmt.Fprintf(&b, "• Surface type: %s\n", surfaceType)
	fmt.Fprintf(&b, "• Style: %s\n", r.Style)
	if len(r.Chains) > 0 {
		fmt.Fprintf(&b, "• Chains: %s\n", strings.Join(r.Chains, ", "))
	}
	if r.OutputType == "image" {
		fmt.Fprintf(&b, "• Image dimensions: %dx%d\n", r.Width, r.Height)
		fmt.Fprintf(&b, "• Image saved to: %s\n", r.FilePath)
	}
	return b.String()
}

func formatAnalysis(r *analysis.AnalysisResult) string {
	var b strings.Builder
	b.WriteString("**PyMOL Structure Analysis**\n\n")
	fmt.Fprintf(&b, "• Input file: %s\n", r.StructureFile)
	if r.SessionFile != "" {
		fmt.Fprintf(&b, "• PyMOL session saved: %s\n", r.SessionFile)
	}
	if r.Output != "" {
		fmt.Fprintf(&b, "\n**Analysis Results:**\n```\n%s\n```", r.Output)
	} else {
		b.WriteString("\nAnalysis completed successfully.")
	}
	return b.String()
}
