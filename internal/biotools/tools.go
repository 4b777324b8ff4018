package biotools

import "github.com/zjrosen/biomcp/internal/mcp"

// Tool names.
const (
	NameUploadFile            = "upload_file"
	NameListFiles             = "list_files"
	NameGetFileInfo           = "get_file_info"
	NameReadFileContent       = "read_file_content"
	NameSearchFileContent     = "search_file_content"
	NameReadPDBHeader         = "read_pdb_header"
	NameGetSequenceRange      = "get_sequence_range"
	NameSelectPDBChains       = "select_pdb_chains"
	NameFindResidues          = "find_residues"
	NameCalculatePka          = "calculate_pka"
	NameListIonizableResidues = "list_ionizable_residues"
	NameVisualizeStructure    = "visualize_structure"
	NameCreateSurfaceView     = "create_surface_view"
	NameAnalyzeStructurePymol = "analyze_structure_pymol"
)

func str(desc string) *mcp.PropertySchema {
	return &mcp.PropertySchema{Type: "string", Description: desc}
}

func integer(desc string, def any) *mcp.PropertySchema {
	return &mcp.PropertySchema{Type: "integer", Description: desc, Default: def}
}

func strList(desc string) *mcp.PropertySchema {
	return &mcp.PropertySchema{Type: "array", Items: &mcp.PropertySchema{Type: "string"}, Description: desc}
}

func fileOnly(desc string) *mcp.InputSchema {
	return &mcp.InputSchema{
		Type:       "object",
		Properties: map[string]*mcp.PropertySchema{"file_id": str(desc)},
		Required:   []string{"file_id"},
	}
}

// ToolUploadFile stores a base64 encoded file.
var ToolUploadFile = mcp.Tool{
	Name:        NameUploadFile,
	Description: "Upload a file to the bio file system. Content should be base64 encoded.",
	InputSchema: &mcp.InputSchema{
		Type: "object",
		Properties: map[string]*mcp.PropertySchema{
			"filename": str("Name of the file"),
			"content":  str("Base64 encoded file content"),
		},
		Required: []string{"filename", "content"},
	},
}

var ToolListFiles = mcp.Tool{
	Name:        NameListFiles,
	Description: "List all files in the bio file system with optional filtering",
	InputSchema: &mcp.InputSchema{
		Type: "object",
		Properties: map[string]*mcp.PropertySchema{
			"bio_type": {
				Type:        "string",
				Enum:        []string{"structure", "dna", "rna", "protein", "small_molecule"},
				Description: "Filter by biological file type",
			},
		},
	},
}

var ToolGetFileInfo = mcp.Tool{
	Name:        NameGetFileInfo,
	Description: "Get detailed information about a specific file",
	InputSchema: fileOnly("ID of the file"),
}

var ToolReadFileContent = mcp.Tool{
	Name:        NameReadFileContent,
	Description: "Read file content with optional line range to manage context",
	InputSchema: &mcp.InputSchema{
		Type: "object",
		Properties: map[string]*mcp.PropertySchema{
			"file_id":    str("ID of the file"),
			"start_line": integer("Starting line number (0-based)", 0),
			"max_lines":  integer("Maximum number of lines to read", 1000),
		},
		Required: []string{"file_id"},
	},
}

var ToolSearchFileContent = mcp.Tool{
	Name:        NameSearchFileContent,
	Description: "Search for patterns in file content",
	InputSchema: &mcp.InputSchema{
		Type: "object",
		Properties: map[string]*mcp.PropertySchema{
			"file_id":     str("ID of the file"),
			"pattern":     str("Regular expression pattern to search for"),
			"max_matches": integer("Maximum number of matches to return", 100),
		},
		Required: []string{"file_id", "pattern"},
	},
}

var ToolReadPDBHeader = mcp.Tool{
	Name:        NameReadPDBHeader,
	Description: "Extract and read only the header information from a PDB file",
	InputSchema: fileOnly("ID of the PDB file"),
}

var ToolGetSequenceRange = mcp.Tool{
	Name:        NameGetSequenceRange,
	Description: "Get a specific range of sequences from a FASTA file",
	InputSchema: &mcp.InputSchema{
		Type: "object",
		Properties: map[string]*mcp.PropertySchema{
			"file_id":        str("ID of the sequence file"),
			"sequence_index": integer("Index of the sequence (0-based)", nil),
			"start_pos":      integer("Starting position in sequence", 0),
			"length":         integer("Length of sequence to extract", 100),
		},
		Required: []string{"file_id", "sequence_index"},
	},
}

var ToolSelectPDBChains = mcp.Tool{
	Name:        NameSelectPDBChains,
	Description: "Extract specific chains from a PDB structure",
	InputSchema: &mcp.InputSchema{
		Type: "object",
		Properties: map[string]*mcp.PropertySchema{
			"file_id": str("ID of the PDB file"),
			"chains":  strList("List of chain IDs to extract"),
		},
		Required: []string{"file_id", "chains"},
	},
}

var ToolFindResidues = mcp.Tool{
	Name:        NameFindResidues,
	Description: "Find specific residues in a structure file",
	InputSchema: &mcp.InputSchema{
		Type: "object",
		Properties: map[string]*mcp.PropertySchema{
			"file_id":       str("ID of the structure file"),
			"residue_names": strList("List of residue names to find"),
			"chain":         str("Specific chain to search in (optional)"),
		},
		Required: []string{"file_id", "residue_names"},
	},
}

var ToolCalculatePka = mcp.Tool{
	Name:        NameCalculatePka,
	Description: "Calculate pKa values for ionizable residues using PROPKA",
	InputSchema: &mcp.InputSchema{
		Type: "object",
		Properties: map[string]*mcp.PropertySchema{
			"file_id": str("ID of the PDB structure file"),
			"ph":      {Type: "number", Default: 7.0, Description: "pH value for calculation"},
			"chains":  strList("Specific chains to analyze (optional)"),
			"residue_range": {
				Type: "object",
				Properties: map[string]*mcp.PropertySchema{
					"start": integer("Starting residue number", nil),
					"end":   integer("Ending residue number", nil),
				},
				Description: "Residue range to analyze (optional)",
			},
		},
		Required: []string{"file_id"},
	},
}

var ToolListIonizableResidues = mcp.Tool{
	Name:        NameListIonizableResidues,
	Description: "List all ionizable residues in a structure without running PROPKA",
	InputSchema: fileOnly("ID of the PDB structure file"),
}

var ToolVisualizeStructure = mcp.Tool{
	Name:        NameVisualizeStructure,
	Description: "Create structure visualization using PyMOL",
	InputSchema: &mcp.InputSchema{
		Type: "object",
		Properties: map[string]*mcp.PropertySchema{
			"file_id": str("ID of the PDB structure file"),
			"style": {
				Type:        "string",
				Enum:        []string{"cartoon", "surface", "sticks", "spheres", "ribbon"},
				Default:     "cartoon",
				Description: "Visualization style",
			},
			"chains":   strList("Specific chains to visualize"),
			"residues": strList("Specific residues to highlight"),
			"width":    integer("Image width", 800),
			"height":   integer("Image height", 600),
		},
		Required: []string{"file_id"},
	},
}

var ToolCreateSurfaceView = mcp.Tool{
	Name:        NameCreateSurfaceView,
	Description: "Create molecular surface visualization",
	InputSchema: &mcp.InputSchema{
		Type: "object",
		Properties: map[string]*mcp.PropertySchema{
			"file_id": str("ID of the PDB structure file"),
			"surface_type": {
				Type:        "string",
				Enum:        []string{"molecular", "electrostatic", "hydrophobic"},
				Default:     "molecular",
				Description: "Type of surface to display",
			},
			"transparency": {Type: "number", Default: 0.5, Description: "Surface transparency between 0 and 1"},
			"chains":       strList("Specific chains to visualize"),
		},
		Required: []string{"file_id"},
	},
}

var ToolAnalyzeStructurePymol = mcp.Tool{
	Name:        NameAnalyzeStructurePymol,
	Description: "Analyze protein structure using PyMOL (secondary structure, geometry, etc.)",
	InputSchema: fileOnly("ID of the PDB structure file"),
}

// All lists every tool in advertised order.
var All = []mcp.Tool{
	ToolUploadFile,
	ToolListFiles,
	ToolGetFileInfo,
	ToolReadFileContent,
	ToolSearchFileContent,
	ToolReadPDBHeader,
	ToolGetSequenceRange,
	ToolSelectPDBChains,
	ToolFindResidues,
	ToolCalculatePka,
	ToolListIonizableResidues,
	ToolVisualizeStructure,
	ToolCreateSurfaceView,
	ToolAnalyzeStructurePymol,
}
