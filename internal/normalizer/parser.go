// Package normalizer translates venue-specific raw payloads into
// canonical ticks (spec §4.2): a per-venue parser registry, a fixed
// validation pipeline that tags quality flags instead of rejecting
// (except for schema violations, which are fatal), and a time-window
// dedup map.
// Grounded in the teacher's DataIngester (ingester.go): the
// normalize/validate/dedup call order is carried over directly, but
// the teacher's single hardcoded normalizeTick is replaced by a
// registry of per-venue Parsers, matching spec §9's "replace dynamic
// dispatch on a venue string with a typed, registered parser" redesign.
package normalizer

import (
	"fmt"
	"sync"
)

// RawEvent is what arrives on ingestion.<venue>.raw.v1: an opaque
// payload plus the venue that produced it.
type RawEvent struct {
	Venue          string
	Payload        []byte
	TenantID       string
	SourceID       string
	IngestMetadata map[string]string
}

// Parser converts one venue's raw payload into a canonical tick's raw
// fields, before quality-flag validation runs. A Parser only reports
// shape errors (missing/mistyped fields) — everything else (range
// checks, lateness, dedup) is the shared validation pipeline's job.
type Parser interface {
	Parse(raw RawEvent) (ParsedFields, error)
}

// ParsedFields is a Parser's output: the shape a canonical Tick needs,
// before flags are computed.
type ParsedFields struct {
	InstrumentID string
	EventTime    int64 // unix millis, UTC
	Price        string
	Volume       string
	Metadata     map[string]string
}

// registry is the process-wide map[venue]Parser, populated via
// RegisterParser — the same registration-at-init idiom the teacher
// uses for LP adapters (out of scope here, but the pattern transfers).
var (
	registryMu sync.RWMutex
	registry   = map[string]Parser{}
)

// RegisterParser makes parser the handler for venue. Intended to be
// called from each parser implementation's init().
func RegisterParser(venue string, parser Parser) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[venue] = parser
}

// ErrUnknownVenue is returned by Lookup when no parser is registered
// for a venue; callers classify it as a fatal SchemaViolation (spec
// §4.2's `UnknownVenue` failure class is treated identically to
// `SchemaViolation` at the DLQ boundary — both are non-retryable).
var ErrUnknownVenue = fmt.Errorf("no parser registered for venue")

func Lookup(venue string) (Parser, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	p, ok := registry[venue]
	if !ok {
		return nil, ErrUnknownVenue
	}
	return p, nil
}

// GenericJSONParser parses the common case: a payload whose fields
// already line up with ParsedFields, JSON-encoded. Registered for any
// venue that emits the pipeline's own canonical wire shape rather
// than a bespoke one (useful for tests and for venues with no
// field-mapping quirks).
type GenericJSONParser struct{}

func init() {
	RegisterParser("generic", GenericJSONParser{})
}

var _ Parser = GenericJSONParser{}

func (GenericJSONParser) Parse(raw RawEvent) (ParsedFields, error) {
	var fields ParsedFields
	if err := unmarshalStrict(raw.Payload, &fields); err != nil {
		return ParsedFields{}, fmt.Errorf("generic parser: %w", err)
	}
	if fields.InstrumentID == "" {
		return ParsedFields{}, fmt.Errorf("generic parser: missing instrument_id")
	}
	return fields, nil
}
