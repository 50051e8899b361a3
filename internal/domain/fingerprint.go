package domain

import "time"

// FileFingerprint records what was known about an input file when it was last
// processed successfully.
type FileFingerprint struct {
	Path          string    `json:"path"`
	ContentHash   string    `json:"content_hash"`
	HashAlgorithm string    `json:"hash_algorithm"`
	Size          int64     `json:"size"`
	ModifiedTime  time.Time `json:"modified_time"`
	ProcessedTime time.Time `json:"processed_time"`
	RecordsCount  int       `json:"records_count"`
}

// FileState is the processing state reported for a watched file.
type FileState string

const (
	FileStateChanged   FileState = "CHANGED"
	FileStateProcessed FileState = "PROCESSED"
)

// FileStatus is one row of the fingerprint status report.
type FileStatus struct {
	Path             string     `json:"path"`
	Name             string     `json:"name"`
	State            FileState  `json:"state"`
	Size             int64      `json:"size"`
	ModifiedTime     time.Time  `json:"modified_time"`
	ContentHash      string     `json:"content_hash,omitempty"`
	LastProcessed    *time.Time `json:"last_processed,omitempty"`
	RecordsProcessed int        `json:"records_processed"`
}
