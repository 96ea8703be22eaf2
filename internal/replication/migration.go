package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/maxiofs/pinrep/internal/persist"
	"github.com/maxiofs/pinrep/internal/pin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Export formats and compressions
const (
	FormatJSON = "json"
	FormatYAML = "yaml"

	CompressionNone = ""
	CompressionGzip = "gzip"
	CompressionZstd = "zstd"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// ExportOptions selects the export encoding
type ExportOptions struct {
	Format      string `json:"format"`
	Compression string `json:"compression,omitempty"`
}

// ExportPayload is the interchange document written by exports
type ExportPayload struct {
	Backend         string             `json:"backend" yaml:"backend"`
	ExportTimestamp time.Time          `json:"export_timestamp" yaml:"export_timestamp"`
	TotalPins       int                `json:"total_pins" yaml:"total_pins"`
	Pins            []*pin.Replication `json:"pins" yaml:"pins"`
}

// ExportResult is the written file and its content
type ExportResult struct {
	Path    string         `json:"path"`
	Payload *ExportPayload `json:"payload"`
}

// ExportBackendPins writes every pin held by the named backend to a timestamped file in
// the export directory
func (m *Manager) ExportBackendPins(ctx context.Context, name string, opts ExportOptions) (*ExportResult, error) {
	format, ext, err := exportFormat(opts)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, ok := m.backends[name]; !ok {
		m.mu.Unlock()
		return nil, notFound("backend", name)
	}
	payload := &ExportPayload{
		Backend:         name,
		ExportTimestamp: m.now().UTC(),
		Pins:            []*pin.Replication{},
	}
	for _, p := range m.pins {
		if p.HasBackend(name) {
			payload.Pins = append(payload.Pins, p.Clone())
		}
	}
	m.mu.Unlock()

	sort.Slice(payload.Pins, func(i, j int) bool { return payload.Pins[i].CID < payload.Pins[j].CID })
	payload.TotalPins = len(payload.Pins)

	var data []byte
	switch format {
	case FormatYAML:
		data, err = yaml.Marshal(payload)
	default:
		data, err = json.MarshalIndent(payload, "", "  ")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode export: %w", err)
	}

	data, err = compress(data, opts.Compression)
	if err != nil {
		return nil, err
	}

	if err := m.fs.MkdirAll(m.exportDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: failed to create export directory: %v", ErrPersistence, err)
	}
	path, err := m.exportPath(name, payload.ExportTimestamp, ext)
	if err != nil {
		return nil, err
	}
	if err := afero.WriteFile(m.fs, path, data, 0644); err != nil {
		return nil, fmt.Errorf("%w: failed to write export: %v", ErrPersistence, err)
	}

	m.log.WithFields(logrus.Fields{
		"backend": name,
		"pins":    payload.TotalPins,
		"path":    path,
	}).Info("Backend pins exported")

	return &ExportResult{Path: path, Payload: payload}, nil
}

func exportFormat(opts ExportOptions) (format, ext string, err error) {
	switch strings.ToLower(opts.Format) {
	case "", FormatJSON:
		format, ext = FormatJSON, ".json"
	case FormatYAML, "yml":
		format, ext = FormatYAML, ".yaml"
	default:
		return "", "", fmt.Errorf("%w: unsupported export format %q", ErrValidation, opts.Format)
	}

	switch strings.ToLower(opts.Compression) {
	case CompressionNone, "none":
	case CompressionGzip, "gz":
		ext += ".gz"
	case CompressionZstd, "zst":
		ext += ".zst"
	default:
		return "", "", fmt.Errorf("%w: unsupported compression %q", ErrValidation, opts.Compression)
	}
	return format, ext, nil
}

// exportPath picks <dir>/<backend>_pins_<timestamp><ext>, suffixing a counter if a file
// from the same second already exists
func (m *Manager) exportPath(name string, ts time.Time, ext string) (string, error) {
	base := fmt.Sprintf("%s_pins_%s", name, ts.Format("20060102T150405Z"))
	path := filepath.Join(m.exportDir, base+ext)
	for i := 2; ; i++ {
		exists, err := afero.Exists(m.fs, path)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		if !exists {
			return path, nil
		}
		path = filepath.Join(m.exportDir, fmt.Sprintf("%s_%d%s", base, i, ext))
	}
}

func compress(data []byte, compression string) ([]byte, error) {
	var buf bytes.Buffer
	switch strings.ToLower(compression) {
	case CompressionNone, "none":
		return data, nil
	case CompressionGzip, "gz":
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("failed to compress export: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("failed to compress export: %w", err)
		}
	case CompressionZstd, "zst":
		w, err := zstd.NewWriter(&buf)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd writer: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			w.Close()
			return nil, fmt.Errorf("failed to compress export: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("failed to compress export: %w", err)
		}
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	switch {
	case bytes.HasPrefix(data, gzipMagic):
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case bytes.HasPrefix(data, zstdMagic):
		r, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	default:
		return data, nil
	}
}

// ImportResult reports a batch import. Records listed in Errors were skipped.
type ImportResult struct {
	Backend       string   `json:"backend"`
	ImportedCount int      `json:"imported_count"`
	Created       int      `json:"created"`
	Updated       int      `json:"updated"`
	Errors        []string `json:"errors"`
}

// importRecord is a pin as found in an export file. Timestamps stay strings so that
// files from other producers can be read leniently.
type importRecord struct {
	CID            string            `json:"cid"`
	VFSMetadataID  string            `json:"vfs_metadata_id"`
	SizeBytes      int64             `json:"size_bytes"`
	Backends       []string          `json:"backends"`
	TargetReplicas *int              `json:"target_replicas"`
	Priority       *int              `json:"priority"`
	CreatedAt      string            `json:"created_at"`
	LastChecked    string            `json:"last_checked"`
	Metadata       map[string]string `json:"metadata"`
}

// ImportBackendPins reads an export file and merges its pins into the ledger, recording
// each one as held by the named backend. Existing entries keep their fields and gain the
// union of backends; records that fail validation are reported and skipped.
func (m *Manager) ImportBackendPins(ctx context.Context, name, path string) (*ImportResult, error) {
	m.mu.Lock()
	_, ok := m.backends[name]
	m.mu.Unlock()
	if !ok {
		return nil, notFound("backend", name)
	}

	raw, err := afero.ReadFile(m.fs, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notFound("import file", path)
		}
		return nil, fmt.Errorf("%w: failed to read import file: %v", ErrPersistence, err)
	}
	raw, err = decompress(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decompress import file: %v", ErrImportFormat, err)
	}

	records, err := parseImport(raw, path)
	if err != nil {
		return nil, err
	}

	result := &ImportResult{Backend: name, Errors: []string{}}

	m.mu.Lock()
	for i, rec := range records {
		created, err := m.importRecordLocked(name, rec)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("pins[%d]: %v", i, err))
			continue
		}
		result.ImportedCount++
		if created {
			result.Created++
		} else {
			result.Updated++
		}
	}
	if result.ImportedCount > 0 {
		_ = m.saveLocked(ctx, persist.DocPins)
	}
	m.mu.Unlock()

	m.metrics.RecordImport(result.ImportedCount, len(result.Errors))
	m.log.WithFields(logrus.Fields{
		"backend":  name,
		"path":     path,
		"imported": result.ImportedCount,
		"errors":   len(result.Errors),
	}).Info("Backend pins imported")

	return result, nil
}

// parseImport extracts the raw pin records. YAML is chosen by extension; anything else is
// read as JSON.
func parseImport(raw []byte, path string) ([]json.RawMessage, error) {
	ext := strings.ToLower(filepath.Ext(strings.TrimSuffix(strings.TrimSuffix(path, ".gz"), ".zst")))

	if ext == ".yaml" || ext == ".yml" {
		var doc map[string]interface{}
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrImportFormat, err)
		}
		list, ok := doc["pins"].([]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: top level has no pins list", ErrImportFormat)
		}
		out := make([]json.RawMessage, 0, len(list))
		for _, item := range list {
			data, err := json.Marshal(item)
			if err != nil {
				// A record yaml can decode but json cannot encode; keep the slot so the
				// index in the error report matches the file
				data = []byte("null")
			}
			out = append(out, data)
		}
		return out, nil
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImportFormat, err)
	}
	pinsRaw, ok := doc["pins"]
	if !ok {
		return nil, fmt.Errorf("%w: top level has no pins list", ErrImportFormat)
	}
	var list []json.RawMessage
	if err := json.Unmarshal(pinsRaw, &list); err != nil || list == nil {
		return nil, fmt.Errorf("%w: pins is not a list", ErrImportFormat)
	}
	return list, nil
}

// importRecordLocked upserts one record and reports whether it created a new pin
func (m *Manager) importRecordLocked(target string, raw json.RawMessage) (bool, error) {
	var rec importRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return false, fmt.Errorf("malformed record: %v", err)
	}
	rec.CID = strings.TrimSpace(rec.CID)
	if rec.CID == "" {
		return false, fmt.Errorf("cid is required")
	}
	if rec.SizeBytes < 0 {
		return false, fmt.Errorf("size_bytes must be >= 0")
	}
	if rec.TargetReplicas != nil && *rec.TargetReplicas < 1 {
		return false, fmt.Errorf("target_replicas must be >= 1")
	}

	createdAt, err := parseTimestamp(rec.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("created_at: %v", err)
	}
	lastChecked, err := parseTimestamp(rec.LastChecked)
	if err != nil {
		return false, fmt.Errorf("last_checked: %v", err)
	}

	known := []string{target}
	for _, b := range rec.Backends {
		if _, ok := m.backends[b]; ok {
			known = append(known, b)
		}
	}

	if p, ok := m.pins[rec.CID]; ok {
		for _, b := range known {
			p.AddBackend(b)
		}
		if p.VFSMetadataID == "" {
			p.VFSMetadataID = rec.VFSMetadataID
		}
		for k, v := range rec.Metadata {
			if p.Metadata == nil {
				p.Metadata = make(map[string]string, len(rec.Metadata))
			}
			if _, exists := p.Metadata[k]; !exists {
				p.Metadata[k] = v
			}
		}
		if lastChecked.After(p.LastChecked) {
			p.LastChecked = lastChecked
		}
		p.Reclassify()
		return false, nil
	}

	p := &pin.Replication{
		CID:            rec.CID,
		VFSMetadataID:  rec.VFSMetadataID,
		SizeBytes:      rec.SizeBytes,
		Backends:       known,
		TargetReplicas: m.settings.TargetReplicas,
		Priority:       defaultPinPriority,
		CreatedAt:      createdAt,
		LastChecked:    lastChecked,
		Metadata:       rec.Metadata,
	}
	if rec.TargetReplicas != nil {
		p.TargetReplicas = *rec.TargetReplicas
	}
	if rec.Priority != nil {
		p.Priority = *rec.Priority
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = m.now().UTC()
	}
	p.Normalize()
	p.Reclassify()
	m.pins[rec.CID] = p
	return true, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// parseTimestamp accepts RFC 3339 with or without a zone (zone-less values are UTC) and
// returns the zero time for an empty string
func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
