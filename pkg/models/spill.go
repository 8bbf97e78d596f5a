package models

import (
	"encoding/json"
	"time"
)

// SpillRecord is a persistence attempt that failed against primary storage
// and waits in the spill directory for replay. Overwrite records carry a full
// PipelineState; append records carry a batch of LogEntry values.
type SpillRecord struct {
	TargetPath string          `json:"target_path"` // e.g. "pipeline-state:CUST_001"
	Payload    json.RawMessage `json:"payload"`
	Append     bool            `json:"append"`
	CreatedAt  time.Time       `json:"created_at"`
}
