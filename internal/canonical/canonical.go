package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
)

// Strategy governs how a new arrival for a source relates to prior state.
type Strategy string

const (
	// StrategyAccumulative means the newest instance contains the full
	// history (an email reply quotes everything before it); only the
	// latest arrival is kept.
	StrategyAccumulative Strategy = "accumulative"

	// StrategyVersioned means the newest instance fully replaces the
	// previous state (an edited file, an updated CRM record).
	StrategyVersioned Strategy = "versioned"

	// StrategyContentAddressed derives identity from the content itself;
	// byte-identical content is the same entity no matter which system
	// or upload produced it.
	StrategyContentAddressed Strategy = "content_addressed"

	// StrategyLinkedChild marks records with no independent identity.
	// They are cascaded under a parent canonical ID and never
	// independently superseded.
	StrategyLinkedChild Strategy = "linked_child"
)

// Valid reports whether s is one of the known strategies.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyAccumulative, StrategyVersioned, StrategyContentAddressed, StrategyLinkedChild:
		return true
	}
	return false
}

// RawRecord is the minimal shape of an incoming record the identifier
// needs. Fields carries the source-native attributes (thread IDs, file
// IDs, etc.) keyed by their native names.
type RawRecord struct {
	ID        string
	Fields    map[string]string
	Content   string
	Timestamp int64
	ParentID  string
}

// SourceSpec is one row of the per-source registry. Adding a source is
// adding a row; the resolution logic never changes per source.
type SourceSpec struct {
	Strategy      Strategy `yaml:"strategy"`
	NativeIDField string   `yaml:"native_id_field"`
	IDKind        string   `yaml:"id_kind"`
}

// Registry maps source names to their identification rules.
type Registry struct {
	sources map[string]SourceSpec
	logger  *slog.Logger
}

// NewRegistry builds a registry from the given source table. Pass nil
// logger to discard warnings.
func NewRegistry(sources map[string]SourceSpec, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	m := make(map[string]SourceSpec, len(sources))
	for name, spec := range sources {
		m[name] = spec
	}
	return &Registry{sources: m, logger: logger}
}

// Defaults returns the built-in source table. Config entries are merged
// over these.
func Defaults() map[string]SourceSpec {
	return map[string]SourceSpec{
		"outlook":    {Strategy: StrategyAccumulative, NativeIDField: "thread_id", IDKind: "thread"},
		"gmail":      {Strategy: StrategyAccumulative, NativeIDField: "threadId", IDKind: "thread"},
		"gdrive":     {Strategy: StrategyVersioned, NativeIDField: "fileId", IDKind: "file"},
		"notion":     {Strategy: StrategyVersioned, NativeIDField: "pageId", IDKind: "page"},
		"crm":        {Strategy: StrategyVersioned, NativeIDField: "recordId", IDKind: "record"},
		"upload":     {Strategy: StrategyContentAddressed, IDKind: "file"},
		"attachment": {Strategy: StrategyLinkedChild, NativeIDField: "attachmentId", IDKind: "attachment"},
	}
}

// Resolve maps a raw record to its canonical ID and strategy. It is pure
// and never fails: missing native IDs fall back to the origin-assigned
// record ID, unknown sources default to the versioned strategy.
func (r *Registry) Resolve(source string, rec RawRecord) (string, Strategy) {
	spec, known := r.sources[source]
	if !known {
		r.logger.Warn("unknown source, using versioned fallback identity",
			"source", source, "record_id", rec.ID)
		return fmt.Sprintf("%s:%s", source, rec.ID), StrategyVersioned
	}

	if spec.Strategy == StrategyContentAddressed {
		return fmt.Sprintf("%s:%s:%s", source, spec.IDKind, ContentHash(rec.Content)), spec.Strategy
	}

	nativeID := rec.Fields[spec.NativeIDField]
	if nativeID == "" {
		r.logger.Warn("native ID field missing, using fallback identity",
			"source", source, "field", spec.NativeIDField, "record_id", rec.ID)
		return fmt.Sprintf("%s:fallback:%s", source, rec.ID), spec.Strategy
	}

	return fmt.Sprintf("%s:%s:%s", source, spec.IDKind, nativeID), spec.Strategy
}

// Spec returns the registry row for a source, if present.
func (r *Registry) Spec(source string) (SourceSpec, bool) {
	spec, ok := r.sources[source]
	return spec, ok
}

// Sources returns a copy of the full source table.
func (r *Registry) Sources() map[string]SourceSpec {
	out := make(map[string]SourceSpec, len(r.sources))
	for name, spec := range r.sources {
		out[name] = spec
	}
	return out
}

// ContentHash returns the first 16 hex characters of the SHA-256 digest
// of the normalized content. Normalization strips leading/trailing
// whitespace and unifies line endings so a CRLF re-upload of the same
// file hashes identically.
func ContentHash(content string) string {
	normalized := strings.ReplaceAll(content, "\r\n", "\n")
	normalized = strings.TrimSpace(normalized)
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])[:16]
}
