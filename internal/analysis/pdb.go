package analysis

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
)

// StandardPka holds textbook pKa values for ionizable side chains.
var StandardPka = map[string]float64{
	"ASP": 3.9,
	"GLU": 4.3,
	"HIS": 6.0,
	"CYS": 8.3,
	"TYR": 10.1,
	"LYS": 10.5,
	"ARG": 12.5,
}

// acidic residues lose a proton above their pKa.
var acidic = map[string]bool{"ASP": true, "GLU": true, "CYS": true, "TYR": true}

// ResidueRange bounds residue numbers, inclusive.
type ResidueRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Contains reports whether n lies in the range.
func (r ResidueRange) Contains(n int) bool {
	return n >= r.Start && n <= r.End
}

// atomRecord holds the fixed-column fields of an ATOM or HETATM line.
type atomRecord struct {
	resName string
	chain   string
	resSeq  string
}

func field(line string, start, end int) string {
	if start >= len(line) {
		return ""
	}
	return strings.TrimSpace(line[start:min(end, len(line))])
}

func parseAtom(line string) atomRecord {
	return atomRecord{
		resName: field(line, 17, 20),
		chain:   field(line, 21, 22),
		resSeq:  field(line, 22, 26),
	}
}

func isAtomLine(line string) bool {
	return strings.HasPrefix(line, "ATOM") || strings.HasPrefix(line, "HETATM")
}

var headerRecords = []string{"HEADER", "TITLE", "COMPND", "SOURCE", "REMARK"}

func isHeaderLine(line string) bool {
	for _, p := range headerRecords {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}

// FilterPDB copies header records and the atoms selected by chains and
// rng from r to w, stopping after the first END record. Empty chains and
// a nil rng select everything.
func FilterPDB(r io.Reader, w io.Writer, chains []string, rng *ResidueRange) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	bw := bufio.NewWriter(w)

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case isAtomLine(line):
			atom := parseAtom(line)
			if len(chains) > 0 && !slices.Contains(chains, atom.chain) {
				continue
			}
			if rng != nil {
				n, err := strconv.Atoi(atom.resSeq)
				if err != nil || !rng.Contains(n) {
					continue
				}
			}
		case isHeaderLine(line):
		case strings.HasPrefix(line, "END"):
			if _, err := fmt.Fprintln(bw, line); err != nil {
				return err
			}
			return bw.Flush()
		default:
			continue
		}
		if _, err := fmt.Fprintln(bw, line); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return bw.Flush()
}

// IonizableResidue is one titratable residue found in a structure.
type IonizableResidue struct {
	Residue       string  `json:"residue"`
	Chain         string  `json:"chain"`
	ResidueNumber string  `json:"residue_number"`
	StandardPka   float64 `json:"standard_pka"`
}

// IonizableResidues lists each ionizable residue of the ATOM records once,
// in file order.
func IonizableResidues(pdbPath string) ([]IonizableResidue, error) {
	f, err := os.Open(pdbPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []IonizableResidue
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "ATOM") {
			continue
		}
		atom := parseAtom(line)
		pka, ok := StandardPka[atom.resName]
		if !ok {
			continue
		}
		key := atom.chain + ":" + atom.resSeq + ":" + atom.resName
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, IonizableResidue{
			Residue:       atom.resName,
			Chain:         atom.chain,
			ResidueNumber: atom.resSeq,
			StandardPka:   pka,
		})
	}
	return out, scanner.Err()
}
