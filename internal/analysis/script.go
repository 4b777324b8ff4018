package analysis

import (
	"fmt"
	"path/filepath"
	"slices"
	"sort"
	"strings"
)

// defaultColor picks the color scheme used when no colors are given.
func defaultColor(style string) string {
	switch style {
	case "cartoon":
		return "spectrum"
	case "surface":
		return "hydrophobicity"
	default:
		return "element"
	}
}

func selection(prefix string, items []string) string {
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = prefix + " " + it
	}
	return strings.Join(parts, " or ")
}

// VisualizationScript builds the .pml script that renders req to output.
func VisualizationScript(req VisualizeRequest, output string) string {
	var b strings.Builder
	line := func(format string, args ...any) {
		fmt.Fprintf(&b, format+"\n", args...)
	}

	line("# PyMOL script generated by biomcp")
	line("reinitialize")
	line("load %s, structure", req.PDBPath)
	line("")
	line("hide everything")
	line("bg_color white")
	line("viewport %d, %d", req.Width, req.Height)
	line("")

	if len(req.Chains) > 0 {
		line("select target_chains, %s", selection("chain", req.Chains))
		line("show %s, target_chains", req.Style)
	} else {
		line("show %s, structure", req.Style)
	}

	if len(req.Colors) > 0 {
		targets := make([]string, 0, len(req.Colors))
		for t := range req.Colors {
			targets = append(targets, t)
		}
		sort.Strings(targets)
		for _, t := range targets {
			color := req.Colors[t]
			switch {
			case t == "structure":
				line("color %s, structure", color)
			case slices.Contains(req.Chains, t):
				line("color %s, chain %s", color, t)
			case slices.Contains(req.Residues, t):
				line("color %s, resn %s", color, t)
			}
		}
	} else {
		line("color %s, structure", defaultColor(req.Style))
	}

	if req.Style == "surface" && req.Transparency > 0 {
		line("set transparency, %g", req.Transparency)
	}

	if len(req.Residues) > 0 {
		line("select highlight_residues, %s", selection("resn", req.Residues))
		line("show sticks, highlight_residues")
		line("color red, highlight_residues")
	}

	line("")
	line("center structure")
	line("zoom structure")
	line("orient structure")
	line("set ray_trace_mode, 1")

	switch filepath.Ext(output) {
	case ".png":
		line("set ray_opaque_background, 0")
		line("png %s, width=%d, height=%d, ray=1", output, req.Width, req.Height)
	default:
		line("save %s", output)
	}
	line("quit")
	return b.String()
}

// AnalysisScript builds the .pml script that prints structure statistics
// for pdbPath and saves a session to session.
func AnalysisScript(pdbPath, session string) string {
	return fmt.Sprintf(`# PyMOL structure analysis generated by biomcp
reinitialize
load %s, structure

python
from pymol import cmd, stored
print("=== STRUCTURE ANALYSIS ===")
print("Atoms:", cmd.count_atoms("structure"))
print("Residues:", cmd.count_atoms("structure and name CA"))
stored.chains = []
cmd.iterate("structure and name CA", "stored.chains.append(chain)")
print("Chains:", sorted(set(stored.chains)))

print("\n=== SECONDARY STRUCTURE ===")
print("Helices:", cmd.count_atoms("structure and ss H"))
print("Sheets:", cmd.count_atoms("structure and ss S"))
print("Loops:", cmd.count_atoms("structure and ss L"))

print("\n=== GEOMETRIC PROPERTIES ===")
stored.coords = []
cmd.iterate_state(1, "structure and name CA", "stored.coords.append([x, y, z])")
if stored.coords:
    n = len(stored.coords)
    center = [sum(c[i] for c in stored.coords) / n for i in range(3)]
    dists = [sum((c[i] - center[i]) ** 2 for i in range(3)) ** 0.5 for c in stored.coords]
    print("Geometric center:", [round(v, 3) for v in center])
    print("Radius of gyration:", round((sum(d * d for d in dists) / n) ** 0.5, 3))
    print("Max distance from center:", round(max(dists), 3))

cmd.save(%q)
python end
quit
`, pdbPath, session)
}
