// Package biotools exposes the file store and structure analysis tools as
// MCP tools.
package biotools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/zjrosen/biomcp/internal/analysis"
	"github.com/zjrosen/biomcp/internal/biofs"
	"github.com/zjrosen/biomcp/internal/log"
	"github.com/zjrosen/biomcp/internal/mcp"
)

// wholeFile is the line limit used when a tool needs the entire file.
const wholeFile = 1 << 30

// FileStore is the subset of biofs.Store the tools use.
type FileStore interface {
	Upload(filename string, content []byte) (string, error)
	List(bioType string) []biofs.FileEntry
	Info(id string) (biofs.FileInfo, bool)
	Path(id string) (string, bool)
	ReadLines(id string, start, max int) (string, bool)
	Search(id, pattern string, maxMatches int) ([]biofs.Match, bool, error)
}

// PkaCalculator predicts pKa values for a structure file.
type PkaCalculator interface {
	Calculate(ctx context.Context, pdbPath string, ph float64, chains []string, rng *analysis.ResidueRange) (*analysis.PkaReport, error)
}

// StructureRenderer renders and analyzes structure files.
type StructureRenderer interface {
	Visualize(ctx context.Context, req analysis.VisualizeRequest) (*analysis.VisualizeResult, error)
	SurfaceView(ctx context.Context, pdbPath, surfaceType string, transparency float64, chains []string) (*analysis.VisualizeResult, error)
	Analyze(ctx context.Context, pdbPath string) (*analysis.AnalysisResult, error)
}

// Deps are the services behind the tools.
type Deps struct {
	Files  FileStore
	Propka PkaCalculator
	Pymol  StructureRenderer
}

// ToolRegistrar is satisfied by mcp.Server.
type ToolRegistrar interface {
	RegisterTool(tool mcp.Tool, handler mcp.ToolHandler)
}

// Handlers implements the bio tools.
type Handlers struct {
	deps Deps
}

// NewHandlers creates the tool handlers.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{deps: deps}
}

// Register registers every bio tool on srv.
func Register(srv ToolRegistrar, deps Deps) {
	NewHandlers(deps).RegisterAll(srv)
}

// Table maps each tool name to its handler.
func (h *Handlers) Table() map[string]mcp.ToolHandler {
	return map[string]mcp.ToolHandler{
		NameUploadFile:            h.HandleUploadFile,
		NameListFiles:             h.HandleListFiles,
		NameGetFileInfo:           h.HandleGetFileInfo,
		NameReadFileContent:       h.HandleReadFileContent,
		NameSearchFileContent:     h.HandleSearchFileContent,
		NameReadPDBHeader:         h.HandleReadPDBHeader,
		NameGetSequenceRange:      h.HandleGetSequenceRange,
		NameSelectPDBChains:       h.HandleSelectPDBChains,
		NameFindResidues:          h.HandleFindResidues,
		NameCalculatePka:          h.HandleCalculatePka,
		NameListIonizableResidues: h.HandleListIonizableResidues,
		NameVisualizeStructure:    h.HandleVisualizeStructure,
		NameCreateSurfaceView:     h.HandleCreateSurfaceView,
		NameAnalyzeStructurePymol: h.HandleAnalyzeStructurePymol,
	}
}

// RegisterAll registers every tool in advertised order.
func (h *Handlers) RegisterAll(srv ToolRegistrar) {
	handlers := h.Table()
	for _, tool := range All {
		srv.RegisterTool(tool, handlers[tool.Name])
	}
	log.Info(log.CatTools, "Registered bio tools", "count", len(All))
}

func text(s string) *mcp.ToolCallResult {
	return mcp.SuccessResult(s)
}

func notFound(id string) *mcp.ToolCallResult {
	return text(fmt.Sprintf("File with ID '%s' not found", id))
}

func decode(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func requireFileID(id string) error {
	if id == "" {
		return errors.New("file_id is required")
	}
	return nil
}

type fileArgs struct {
	FileID string `json:"file_id"`
}

func decodeFileArgs(raw json.RawMessage) (fileArgs, error) {
	var args fileArgs
	if err := decode(raw, &args); err != nil {
		return args, err
	}
	return args, requireFileID(args.FileID)
}

// content returns the whole text of id.
func (h *Handlers) content(id string) (string, bool) {
	return h.deps.Files.ReadLines(id, 0, wholeFile)
}

// structurePath resolves id to a structure file path. When the file is not
// usable it returns the result to send instead.
func (h *Handlers) structurePath(id, notStructure string) (string, *mcp.ToolCallResult) {
	path, ok := h.deps.Files.Path(id)
	if !ok {
		return "", notFound(id)
	}
	if info, ok := h.deps.Files.Info(id); ok && info.BioType != biofs.TypeStructure {
		return "", text(notStructure)
	}
	return path, nil
}

type uploadArgs struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

// HandleUploadFile handles upload_file.
func (h *Handlers) HandleUploadFile(_ context.Context, raw json.RawMessage) (*mcp.ToolCallResult, error) {
	var args uploadArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if args.Filename == "" {
		return nil, errors.New("filename is required")
	}

	data, err := base64.StdEncoding.DecodeString(args.Content)
	if err != nil {
		return text(fmt.Sprintf("Failed to upload file: %v", err)), nil
	}
	id, err := h.deps.Files.Upload(args.Filename, data)
	if err != nil {
		return text(fmt.Sprintf("Failed to upload file: %v", err)), nil
	}
	return text("File uploaded successfully. File ID: " + id), nil
}

type listArgs struct {
	BioType string `json:"bio_type"`
}

// HandleListFiles handles list_files.
func (h *Handlers) HandleListFiles(_ context.Context, raw json.RawMessage) (*mcp.ToolCallResult, error) {
	var args listArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	return text(formatFileList(args.BioType, h.deps.Files.List(args.BioType))), nil
}

// HandleGetFileInfo handles get_file_info.
func (h *Handlers) HandleGetFileInfo(_ context.Context, raw json.RawMessage) (*mcp.ToolCallResult, error) {
	args, err := decodeFileArgs(raw)
	if err != nil {
		return nil, err
	}
	info, ok := h.deps.Files.Info(args.FileID)
	if !ok {
		return notFound(args.FileID), nil
	}
	return text(formatFileInfo(info)), nil
}

type readArgs struct {
	FileID    string `json:"file_id"`
	StartLine int    `json:"start_line"`
	MaxLines  int    `json:"max_lines"`
}

// HandleReadFileContent handles read_file_content.
func (h *Handlers) HandleReadFileContent(_ context.Context, raw json.RawMessage) (*mcp.ToolCallResult, error) {
	args := readArgs{MaxLines: biofs.DefaultMaxLines}
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if err := requireFileID(args.FileID); err != nil {
		return nil, err
	}

	content, ok := h.deps.Files.ReadLines(args.FileID, args.StartLine, args.MaxLines)
	if !ok {
		return notFound(args.FileID), nil
	}
	return text(fmt.Sprintf("**File Content** (lines %d-%d):\n\n```\n%s\n```",
		args.StartLine+1, args.StartLine+args.MaxLines, strings.TrimSuffix(content, "\n"))), nil
}

type searchArgs struct {
	FileID     string `json:"file_id"`
	Pattern    string `json:"pattern"`
	MaxMatches int    `json:"max_matches"`
}

// HandleSearchFileContent handles search_file_content.
func (h *Handlers) HandleSearchFileContent(_ context.Context, raw json.RawMessage) (*mcp.ToolCallResult, error) {
	args := searchArgs{MaxMatches: biofs.DefaultMaxMatches}
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if err := requireFileID(args.FileID); err != nil {
		return nil, err
	}

	matches, ok, err := h.deps.Files.Search(args.FileID, args.Pattern, args.MaxMatches)
	if !ok {
		return notFound(args.FileID), nil
	}
	if err != nil {
		return nil, err
	}
	return text(formatMatches(args.Pattern, matches)), nil
}

// HandleReadPDBHeader handles read_pdb_header.
func (h *Handlers) HandleReadPDBHeader(_ context.Context, raw json.RawMessage) (*mcp.ToolCallResult, error) {
	args, err := decodeFileArgs(raw)
	if err != nil {
		return nil, err
	}
	content, ok := h.deps.Files.ReadLines(args.FileID, 0, headerScanLines)
	if !ok {
		return notFound(args.FileID), nil
	}

	header := pdbHeader(content)
	if len(header) == 0 {
		return text("No header information found in PDB file"), nil
	}
	return text("**PDB Header Information:**\n\n```\n" + strings.Join(header, "\n") + "\n```"), nil
}

type sequenceArgs struct {
	FileID        string `json:"file_id"`
	SequenceIndex *int   `json:"sequence_index"`
	StartPos      int    `json:"start_pos"`
	Length        int    `json:"length"`
}

// HandleGetSequenceRange handles get_sequence_range.
func (h *Handlers) HandleGetSequenceRange(_ context.Context, raw json.RawMessage) (*mcp.ToolCallResult, error) {
	args := sequenceArgs{Length: 100}
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if err := requireFileID(args.FileID); err != nil {
		return nil, err
	}
	if args.SequenceIndex == nil {
		return nil, errors.New("sequence_index is required")
	}

	content, ok := h.content(args.FileID)
	if !ok {
		return notFound(args.FileID), nil
	}
	rec, ok := fastaRecord(content, *args.SequenceIndex)
	if !ok {
		return text(fmt.Sprintf("Sequence index %d not found in file", *args.SequenceIndex)), nil
	}

	start := min(max(args.StartPos, 0), len(rec.sequence))
	end := min(start+max(args.Length, 0), len(rec.sequence))
	seq := rec.sequence[start:end]
	return text(fmt.Sprintf("**Sequence Range** (positions %d-%d):\n\nHeader: %s\nLength: %d residues\n\n```\n%s\n```",
		start+1, end, rec.header, len(seq), seq)), nil
}

type chainsArgs struct {
	FileID string   `json:"file_id"`
	Chains []string `json:"chains"`
}

// HandleSelectPDBChains handles select_pdb_chains.
func (h *Handlers) HandleSelectPDBChains(_ context.Context, raw json.RawMessage) (*mcp.ToolCallResult, error) {
	var args chainsArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if err := requireFileID(args.FileID); err != nil {
		return nil, err
	}

	content, ok := h.content(args.FileID)
	if !ok {
		return notFound(args.FileID), nil
	}
	lines, atoms := selectChains(content, args.Chains)
	joined := strings.Join(args.Chains, ", ")
	if atoms == 0 {
		return text("No atoms found for chains: " + joined), nil
	}
	return text(fmt.Sprintf("**Selected Chains** (%s):\n\n```\n%s\n```", joined, strings.Join(lines, "\n"))), nil
}

type residuesArgs struct {
	FileID       string   `json:"file_id"`
	ResidueNames []string `json:"residue_names"`
	Chain        string   `json:"chain"`
}

// HandleFindResidues handles find_residues.
func (h *Handlers) HandleFindResidues(_ context.Context, raw json.RawMessage) (*mcp.ToolCallResult, error) {
	var args residuesArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if err := requireFileID(args.FileID); err != nil {
		return nil, err
	}

	content, ok := h.content(args.FileID)
	if !ok {
		return notFound(args.FileID), nil
	}
	found := findResidues(content, args.ResidueNames, args.Chain)
	if len(found) == 0 {
		suffix := ""
		if args.Chain != "" {
			suffix = " in chain " + args.Chain
		}
		return text(fmt.Sprintf("No residues found for: %s%s", strings.Join(args.ResidueNames, ", "), suffix)), nil
	}
	return text(formatResidues(found)), nil
}

type pkaArgs struct {
	FileID       string   `json:"file_id"`
	PH           float64  `json:"ph"`
	Chains       []string `json:"chains"`
	ResidueRange *struct {
		Start *int `json:"start"`
		End   *int `json:"end"`
	} `json:"residue_range"`
}

func (a pkaArgs) residueRange() *analysis.ResidueRange {
	if a.ResidueRange == nil {
		return nil
	}
	rng := &analysis.ResidueRange{Start: 0, End: 99999}
	if a.ResidueRange.Start != nil {
		rng.Start = *a.ResidueRange.Start
	}
	if a.ResidueRange.End != nil {
		rng.End = *a.ResidueRange.End
	}
	return rng
}

// HandleCalculatePka handles calculate_pka.
func (h *Handlers) HandleCalculatePka(ctx context.Context, raw json.RawMessage) (*mcp.ToolCallResult, error) {
	args := pkaArgs{PH: 7.0}
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if err := requireFileID(args.FileID); err != nil {
		return nil, err
	}

	path, res := h.structurePath(args.FileID, fmt.Sprintf("File '%s' is not a structure file. PROPKA requires PDB files.", args.FileID))
	if res != nil {
		return res, nil
	}
	if h.deps.Propka == nil {
		return text("PROPKA calculation failed: PROPKA is not configured"), nil
	}

	report, err := h.deps.Propka.Calculate(ctx, path, args.PH, args.Chains, args.residueRange())
	if err != nil {
		return text("PROPKA calculation failed: " + err.Error()), nil
	}
	return text(formatPkaReport(report)), nil
}

// HandleListIonizableResidues handles list_ionizable_residues.
func (h *Handlers) HandleListIonizableResidues(_ context.Context, raw json.RawMessage) (*mcp.ToolCallResult, error) {
	args, err := decodeFileArgs(raw)
	if err != nil {
		return nil, err
	}
	path, res := h.structurePath(args.FileID, fmt.Sprintf("File '%s' is not a structure file.", args.FileID))
	if res != nil {
		return res, nil
	}

	residues, err := analysis.IonizableResidues(path)
	if err != nil {
		return text("Error listing ionizable residues: " + err.Error()), nil
	}
	if len(residues) == 0 {
		return text("No ionizable residues found in structure"), nil
	}
	return text(formatIonizable(residues)), nil
}

type visualizeArgs struct {
	FileID   string   `json:"file_id"`
	Style    string   `json:"style"`
	Chains   []string `json:"chains"`
	Residues []string `json:"residues"`
	Width    int      `json:"width"`
	Height   int      `json:"height"`
}

// HandleVisualizeStructure handles visualize_structure.
func (h *Handlers) HandleVisualizeStructure(ctx context.Context, raw json.RawMessage) (*mcp.ToolCallResult, error) {
	args := visualizeArgs{Style: "cartoon", Width: 800, Height: 600}
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if err := requireFileID(args.FileID); err != nil {
		return nil, err
	}

	path, res := h.structurePath(args.FileID, fmt.Sprintf("File '%s' is not a structure file. PyMOL requires PDB files.", args.FileID))
	if res != nil {
		return res, nil
	}
	if h.deps.Pymol == nil {
		return text("Visualization failed: " + analysis.ErrPymolUnavailable.Error()), nil
	}

	result, err := h.deps.Pymol.Visualize(ctx, analysis.VisualizeRequest{
		PDBPath:  path,
		Style:    args.Style,
		Chains:   args.Chains,
		Residues: args.Residues,
		Width:    args.Width,
		Height:   args.Height,
	})
	if err != nil {
		return text("Visualization failed: " + err.Error()), nil
	}
	return text(formatVisualization(result)), nil
}

type surfaceArgs struct {
	FileID       string   `json:"file_id"`
	SurfaceType  string   `json:"surface_type"`
	Transparency float64  `json:"transparency"`
	Chains       []string `json:"chains"`
}

// HandleCreateSurfaceView handles create_surface_view.
func (h *Handlers) HandleCreateSurfaceView(ctx context.Context, raw json.RawMessage) (*mcp.ToolCallResult, error) {
	args := surfaceArgs{SurfaceType: "molecular", Transparency: 0.5}
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if err := requireFileID(args.FileID); err != nil {
		return nil, err
	}

	path, res := h.structurePath(args.FileID, fmt.Sprintf("File '%s' is not a structure file.", args.FileID))
	if res != nil {
		return res, nil
	}
	if h.deps.Pymol == nil {
		return text("Surface visualization failed: " + analysis.ErrPymolUnavailable.Error()), nil
	}

	result, err := h.deps.Pymol.SurfaceView(ctx, path, args.SurfaceType, args.Transparency, args.Chains)
	if err != nil {
		return text("Surface visualization failed: " + err.Error()), nil
	}
	return text(formatSurface(args.SurfaceType, result)), nil
}

// HandleAnalyzeStructurePymol handles analyze_structure_pymol.
func (h *Handlers) HandleAnalyzeStructurePymol(ctx context.Context, raw json.RawMessage) (*mcp.ToolCallResult, error) {
	args, err := decodeFileArgs(raw)
	if err != nil {
		return nil, err
	}
	path, res := h.structurePath(args.FileID, fmt.Sprintf("File '%s' is not a structure file.", args.FileID))
	if res != nil {
		return res, nil
	}
	if h.deps.Pymol == nil {
		return text("Structure analysis failed: " + analysis.ErrPymolUnavailable.Error()), nil
	}

	result, err := h.deps.Pymol.Analyze(ctx, path)
	if err != nil {
		return text("Structure analysis failed: " + err.Error()), nil
	}
	return text(formatAnalysis(result)), nil
}
