package store

import (
	"gopkg.in/yaml.v3"
)

// CallRecordYAML is one call-history entry in YAML export.
type CallRecordYAML struct {
	ID        int64  `yaml:"id"`
	Caller    string `yaml:"caller"`
	Target    string `yaml:"target"`
	Outcome   string `yaml:"outcome"`
	Queued    bool   `yaml:"queued,omitempty"`
	QueueWait string `yaml:"queue_wait,omitempty"`
	CreatedAt string `yaml:"created_at"`
	EndedAt   string `yaml:"ended_at"`
}

// CallsExport is the top-level YAML document for call-history export.
type CallsExport struct {
	Calls []CallRecordYAML `yaml:"calls"`
}

// ExportCallsYAML exports the full call history as YAML.
func ExportCallsYAML(log CallLog) ([]byte, error) {
	records, err := log.List(0)
	if err != nil {
		return nil, err
	}

	export := CallsExport{}
	for _, rec := range records {
		entry := CallRecordYAML{
			ID:        rec.ID,
			Caller:    rec.Caller,
			Target:    rec.Target,
			Outcome:   string(rec.Outcome),
			Queued:    rec.Queued,
			CreatedAt: rec.CreatedAt.Format("2006-01-02T15:04:05Z"),
			EndedAt:   rec.EndedAt.Format("2006-01-02T15:04:05Z"),
		}
		if rec.Queued {
			entry.QueueWait = rec.QueueWait.String()
		}
		export.Calls = append(export.Calls, entry)
	}
	return yaml.Marshal(&export)
}
