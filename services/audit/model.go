package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Event types emitted across the control plane.
const (
	EventLicenseCreated     = "license.created"
	EventLicenseActivated   = "license.activated"
	EventLicenseDeactivated = "license.deactivated"
	EventLicenseExpired     = "license.expired"
	EventMachineActivated   = "machine.activated"
	EventMachineDeactivated = "machine.deactivated"
	EventUsageRecorded      = "usage.recorded"
	EventUsageLimitExceeded = "usage.limit_exceeded"
	EventAnomalyDetected    = "anomaly.detected"
	EventAnomalyResolved    = "anomaly.resolved"
	EventLeaseIssued        = "lease.issued"
	EventSignatureRejected  = "security.signature_rejected"
)

// ChainState tracks the head of one license's audit chain. The row is the
// serialization point for appends: it is locked for update before an event
// is written.
type ChainState struct {
	LicenseID string    `gorm:"column:license_id;primaryKey"`
	NextSeq   int64     `gorm:"column:next_seq"`
	HeadHash  string    `gorm:"column:head_hash"`
	Halted    bool      `gorm:"column:halted"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (ChainState) TableName() string { return "audit_chain_states" }

// Event is one immutable audit record. Events form a hash chain per
// license, ordered by SequenceNo with no gaps.
type Event struct {
	ID         string         `gorm:"column:id;primaryKey"`
	LicenseID  string         `gorm:"column:license_id;uniqueIndex:idx_audit_license_seq"`
	SequenceNo int64          `gorm:"column:sequence_no;uniqueIndex:idx_audit_license_seq"`
	EventType  string         `gorm:"column:event_type"`
	Actor      string         `gorm:"column:actor"`
	Detail     datatypes.JSON `gorm:"column:detail"`
	PrevHash   string         `gorm:"column:prev_hash"`
	Hash       string         `gorm:"column:hash"`
	Signature  string         `gorm:"column:signature"`
	KeyVersion int            `gorm:"column:key_version"`
	CreatedAt  time.Time      `gorm:"column:created_at"`
}

func (Event) TableName() string { return "audit_events" }

// canonicalPayload serializes the hashed portion of an event with sorted
// keys and compact separators so the digest is reproducible.
func canonicalPayload(eventType, actor string, detail datatypes.JSON, prevHash string) (string, error) {
	var detailValue any
	if len(detail) > 0 {
		if err := json.Unmarshal(detail, &detailValue); err != nil {
			return "", err
		}
	}

	// maps marshal with sorted keys
	b, err := json.Marshal(map[string]any{
		"actor":      actor,
		"detail":     detailValue,
		"event_type": eventType,
		"prev_hash":  prevHash,
	})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// GenerateHash recomputes the event's chain hash from its stored fields.
func (e *Event) GenerateHash() (string, error) {
	payload, err := canonicalPayload(e.EventType, e.Actor, e.Detail, e.PrevHash)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:]), nil
}

func signHash(secret []byte, hash string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(hash))
	return hex.EncodeToString(mac.Sum(nil))
}

func verifySignature(secret []byte, hash, signature string) bool {
	return hmac.Equal([]byte(signHash(secret, hash)), []byte(signature))
}
