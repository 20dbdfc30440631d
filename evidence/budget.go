package evidence

import (
	"github.com/rajawajahat/opsrunbook-copilot/canon"
	"github.com/rajawajahat/opsrunbook-copilot/contracts"
)

// Budget bounds one collector's output in two stages: a row-count cap
// applied per section, then a byte-size cap applied to the whole blob. Each
// collector configures its own caps.
type Budget struct {
	MaxRowsPerSection int
	MaxBytes          int
}

// DefaultBudget matches the configured global defaults.
func DefaultBudget() Budget {
	return Budget{MaxRowsPerSection: 100, MaxBytes: 200 * 1024}
}

// ApplyRowCaps truncates each section's Rows slice to b.MaxRowsPerSection,
// marking the section (and the blob) truncated when it trims anything.
func (b Budget) ApplyRowCaps(blob *contracts.EvidenceBlob) {
	for i := range blob.Sections {
		s := &blob.Sections[i]
		if len(s.Rows) > b.MaxRowsPerSection {
			s.Rows = s.Rows[:b.MaxRowsPerSection]
			blob.Truncated = true
		}
	}
}

// Size returns the canonical-serialized byte size of blob.
func (b Budget) Size(blob *contracts.EvidenceBlob) (int, error) {
	out, err := canon.Marshal(blob)
	if err != nil {
		return 0, err
	}
	return len(out), nil
}

// DropOversizeSections replaces every section's Rows with a note, the last
// resort when row-capping alone does not bring the blob under MaxBytes.
func (b Budget) DropOversizeSections(blob *contracts.EvidenceBlob, note string) {
	for i := range blob.Sections {
		blob.Sections[i].Rows = nil
		blob.Sections[i].Note = note
	}
	blob.Truncated = true
}

// EnforceWithDrop applies row caps, then — if still oversize — drops all
// section rows in favor of a note. This is the logs-collector degrade path
// described above.
func (b Budget) EnforceWithDrop(blob *contracts.EvidenceBlob) error {
	b.ApplyRowCaps(blob)
	size, err := b.Size(blob)
	if err != nil {
		return err
	}
	if size > b.MaxBytes {
		b.DropOversizeSections(blob, "Dropped due to size budget")
	}
	return nil
}

// HalveUntilFits repeatedly halves the row count of every section until the
// blob fits MaxBytes or sections are empty. This is the metrics-collector
// degrade path, which halves each series' kept points rather than dropping
// them outright.
func (b Budget) HalveUntilFits(blob *contracts.EvidenceBlob) error {
	for {
		size, err := b.Size(blob)
		if err != nil {
			return err
		}
		if size <= b.MaxBytes {
			return nil
		}
		shrunkAny := false
		for i := range blob.Sections {
			s := &blob.Sections[i]
			if len(s.Rows) == 0 {
				continue
			}
			half := len(s.Rows) / 2
			s.Rows = s.Rows[:half]
			shrunkAny = true
		}
		blob.Truncated = true
		if !shrunkAny {
			return nil
		}
	}
}

// TruncateStrings caps every string in fields to maxLen characters, used by
// the workflow collector's last-resort error/cause truncation stage.
func TruncateStrings(fields map[string]string, maxLen int) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		if len(v) > maxLen {
			out[k] = v[:maxLen]
			continue
		}
		out[k] = v
	}
	return out
}
