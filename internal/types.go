package internal

// JobStatus is the lifecycle state of a packing job.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobNeedsInput JobStatus = "needs_input"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// JobMode selects the packing strategy.
type JobMode string

const (
	ModeSequence JobMode = "sequence"
	ModeOptimize JobMode = "optimize"
)

// ItemStatus is the lifecycle state of a single physical unit on a job.
type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemResolved   ItemStatus = "resolved"
	ItemMissing    ItemStatus = "missing"
	ItemAmbiguous  ItemStatus = "ambiguous"
	ItemNeedsInput ItemStatus = "needs_input"
	ItemSkipped    ItemStatus = "skipped"
	ItemInvalid    ItemStatus = "invalid"
	ItemPacked     ItemStatus = "packed"
)

// ExtractionMethod records which strategy produced a SKU match.
type ExtractionMethod string

const (
	MethodLayout     ExtractionMethod = "layout"
	MethodRegex      ExtractionMethod = "regex"
	MethodHeuristic  ExtractionMethod = "heuristic"
	MethodFuzzy      ExtractionMethod = "fuzzy"
	MethodFirstToken ExtractionMethod = "first_token"
)

// Word is a single PDF token with page coordinates. Y grows downward
// (top of the page is 0) so that ascending Y equals reading order.
type Word struct {
	Text string
	X0   float64
	Y0   float64
	X1   float64
	Y1   float64
	Page int
}

// Line is a group of words sharing a Y band on one page, ordered by X.
type Line struct {
	Text  string
	Words []Word
	Y     float64
	Page  int
}

// SkuMatch is one SKU token extracted from a picklist line.
type SkuMatch struct {
	Sku        string           `json:"sku"`
	Quantity   int              `json:"quantity"`
	SizeLabel  *string          `json:"size_label,omitempty"`
	Method     ExtractionMethod `json:"method"`
	Confidence float64          `json:"confidence"`
	LineNumber int              `json:"line_number"`
	LayoutID   *int64           `json:"layout_id,omitempty"`
}

type Tenant struct {
	ID        int64
	Name      string
	CreatedAt string
}

// Machine holds the physical constraints of one DTF printer/roll.
type Machine struct {
	ID          int64
	TenantID    int64
	Name        string
	MaxWidthMM  float64
	MaxLengthMM float64
	MinDPI      int
}

// SizingProfile maps a size label (and optionally a SKU prefix) to a
// target print width. At most one default per tenant is meaningful.
type SizingProfile struct {
	ID            int64
	TenantID      int64
	SizeLabel     string
	TargetWidthMM float64
	SkuPrefix     *string
	IsDefault     bool
}

// SkuLayout is a tenant-defined extraction pattern, tried by priority.
type SkuLayout struct {
	ID                  int64
	TenantID            int64
	Name                string
	PatternType         string // "regex" | "mask"
	Pattern             string
	Priority            int
	Active              bool
	AllowHyphenVariants bool
}

// AssetMeta is the image metadata stored alongside an asset.
type AssetMeta struct {
	WidthPx   int    `json:"width_px"`
	HeightPx  int    `json:"height_px"`
	Format    string `json:"format"`
	Mode      string `json:"mode,omitempty"`
	DPI       int    `json:"dpi,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

// Asset is one stored artwork file. (tenant_id, sku_normalized) is the
// natural key: re-uploading the same SKU updates the row in place.
type Asset struct {
	ID               int64
	TenantID         int64
	OriginalFilename string
	FileURI          string
	SkuNormalized    string
	Meta             AssetMeta
	CreatedAt        string
	UpdatedAt        string
}

// AssetCandidate is a scored catalog hit offered for resolution.
type AssetCandidate struct {
	AssetID int64   `json:"asset_id"`
	Sku     string  `json:"sku"`
	FileURI string  `json:"file_uri"`
	Score   float64 `json:"score"`
}

type Job struct {
	ID              int64
	TenantID        int64
	MachineID       int64
	SizingProfileID *int64
	Status          JobStatus
	Mode            JobMode
	PicklistURI     string
	ManifestJSON    *string
	CreatedAt       string
	UpdatedAt       string
	CompletedAt     *string
}

// JobItem is one physical unit to print. Quantity expansion happens at
// creation: a parsed quantity of N becomes N rows with quantity 1 and
// consecutive picklist positions.
type JobItem struct {
	ID               int64
	JobID            int64
	Sku              string
	Quantity         int
	SizeLabel        *string
	PicklistPosition int
	AssetID          *int64
	Status           ItemStatus
	FinalWidthMM     float64
	FinalHeightMM    float64
	BaseIndex        *int
	XMM              *float64
	YMM              *float64
}

// Placement is a packed item rectangle on a base, in millimeters.
type Placement struct {
	ItemID   int64   `json:"item_id"`
	Sku      string  `json:"sku"`
	XMM      float64 `json:"x_mm"`
	YMM      float64 `json:"y_mm"`
	WidthMM  float64 `json:"width_mm"`
	HeightMM float64 `json:"height_mm"`
}

// Base is one roll segment. Length is never fixed up front; it grows
// with content up to the machine's usable length.
type Base struct {
	Index       int         `json:"index"`
	WidthMM     float64     `json:"width_mm"`
	LengthMM    float64     `json:"length_mm"`
	Placements  []Placement `json:"placements"`
	Utilization float64     `json:"utilization"`
}

// PackResult is the full output of one packing run.
type PackResult struct {
	Mode           JobMode `json:"mode"`
	Bases          []Base  `json:"bases"`
	TotalBases     int     `json:"total_bases"`
	TotalLengthMM  float64 `json:"total_length_mm"`
	AvgUtilization float64 `json:"avg_utilization"`
}

// Manifest accumulates per-stage results on a job. Each stage only ever
// sets its own sub-record; earlier records are never overwritten.
type Manifest struct {
	Parse      *ParseManifest      `json:"parse,omitempty"`
	Resolution *ResolutionManifest `json:"resolution,omitempty"`
	Sizing     *SizingManifest     `json:"sizing,omitempty"`
	Packing    *PackResult         `json:"packing,omitempty"`
	Render     *RenderManifest     `json:"render,omitempty"`
	Error      *StageError         `json:"error,omitempty"`
}

// StageError records the terminal failure of a pipeline stage.
type StageError struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

type ParseManifest struct {
	Items     []SkuMatch `json:"raw_extraction"`
	Pages     int        `json:"pages"`
	ItemCount int        `json:"item_count"`
	Comment   string     `json:"comment,omitempty"`
	ParsedAt  string     `json:"parsed_at"`
}

// PendingItem is the manifest record for an item awaiting human input.
type PendingItem struct {
	Status     ItemStatus       `json:"status"`
	Candidates []AssetCandidate `json:"candidates"`
	Reason     string           `json:"reason,omitempty"`
}

type ResolutionManifest struct {
	Resolved  int                    `json:"resolved"`
	Missing   int                    `json:"missing"`
	Ambiguous int                    `json:"ambiguous"`
	Pending   map[string]PendingItem `json:"pending_items,omitempty"`
	// Fallbacks lists items whose matched asset had no backing file
	// and were silently switched to another candidate's asset.
	Fallbacks  []string `json:"verified_fallbacks,omitempty"`
	ResolvedAt string   `json:"resolved_at"`
}

// ProfileMatch records which sizing profile matched one SKU and how.
type ProfileMatch struct {
	ProfileID     *int64   `json:"profile_id"`
	ProfileLabel  *string  `json:"profile_label"`
	TargetWidthMM *float64 `json:"target_width_mm"`
	MatchedBy     string   `json:"matched_by"`
}

type SizingManifest struct {
	TotalItems   int                     `json:"total_items"`
	ValidItems   int                     `json:"valid_items"`
	InvalidItems int                     `json:"invalid_items"`
	ScaledItems  int                     `json:"scaled_items"`
	Warnings     []string                `json:"warnings,omitempty"`
	Matches      map[string]ProfileMatch `json:"profile_matches,omitempty"`
}

// RenderFailure is one item that could not be drawn onto its base.
type RenderFailure struct {
	ItemID    int64  `json:"item_id"`
	Sku       string `json:"sku"`
	BaseIndex int    `json:"base_index"`
	Reason    string `json:"reason"`
}

type RenderManifest struct {
	PDFs        []string        `json:"pdfs"`
	Failures    []RenderFailure `json:"failures,omitempty"`
	CompletedAt *string         `json:"completed_at,omitempty"`
}

// PicklistMail is a raw email fetched by an intake connector.
type PicklistMail struct {
	Provider   string
	MessageID  string
	Subject    string
	From       string
	ReceivedAt string
	Raw        []byte
}

// MailRow is a stored intake email.
type MailRow struct {
	ID         int64
	TenantID   int64
	Provider   string
	MessageID  string
	Subject    string
	Sender     string
	ReceivedAt string
	Hash       string
	Status     string
	RawRef     string
}

func StringPtr(v string) *string  { return &v }
func Int64Ptr(v int64) *int64     { return &v }
func FloatPtr(v float64) *float64 { return &v }
func IntPtr(v int) *int           { return &v }
