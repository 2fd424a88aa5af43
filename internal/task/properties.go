package task

import (
	"sort"
	"strings"
)

// Well-known property keys
const (
	// BatchRefKey carries the producer's batch reference to every invocation
	BatchRefKey = "URIS_BATCH_REF"
	// ExportFileNameKey names the shared export file
	ExportFileNameKey = "EXPORT-FILE-NAME"
	// TopContentKey is written before the export file body; @URIS_BATCH_REF is substituted
	TopContentKey = "EXPORT-FILE-TOP-CONTENT"
	// BottomContentKey is written after the export file body
	BottomContentKey = "EXPORT-FILE-BOTTOM-CONTENT"
	// URIsReplacePatternKey holds comma-separated regex,replacement pairs for loaders
	URIsReplacePatternKey = "URIS-REPLACE-PATTERN"
)

// Module types used as property prefixes. A property named
// "<MODULE-TYPE>.<var>" becomes request variable <var> for that module.
const (
	ModuleProcess   = "PROCESS-MODULE"
	ModulePreBatch  = "PRE-BATCH-MODULE"
	ModulePostBatch = "POST-BATCH-MODULE"
	ModuleURIs      = "URIS-MODULE"
)

// Properties is the job-scoped property map. It is built once per job and
// never mutated afterwards; With returns a copy.
type Properties map[string]string

// NewProperties copies m
func NewProperties(m map[string]string) Properties {
	p := make(Properties, len(m))
	for k, v := range m {
		p[k] = v
	}
	return p
}

// Get returns the trimmed value of key, or ""
func (p Properties) Get(key string) string {
	return strings.TrimSpace(p[key])
}

// With returns a copy of p with key set to value
func (p Properties) With(key, value string) Properties {
	out := NewProperties(p)
	out[key] = value
	return out
}

// BatchRef returns the producer batch reference, if any
func (p Properties) BatchRef() string {
	return p.Get(BatchRefKey)
}

// Scoped returns the variables configured for moduleType with the prefix
// stripped
func (p Properties) Scoped(moduleType string) map[string]string {
	out := make(map[string]string)
	if moduleType == "" {
		return out
	}
	prefix := moduleType + "."
	for k, v := range p {
		if name, ok := strings.CutPrefix(k, prefix); ok && name != "" {
			out[name] = strings.TrimSpace(v)
		}
	}
	return out
}

// Keys returns the property names, sorted
func (p Properties) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
