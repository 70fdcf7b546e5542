package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"licensing-controlplane/pkg/db/option"
	"licensing-controlplane/pkg/errutil"
	"licensing-controlplane/pkg/keyring"
	"licensing-controlplane/pkg/repository"
)

// Service maintains the per-license hash-chained audit trail. Every
// security-relevant operation appends here, inside the same transaction as
// the state change it records.
type Service struct {
	db   *gorm.DB
	node *snowflake.Node
	keys *keyring.Holder

	events repository.Repository[Event]
	chains repository.Repository[ChainState]
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
	Keys *keyring.Holder
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,
		keys: p.Keys,

		events: repository.ProvideStore[Event](p.DB),
		chains: repository.ProvideStore[ChainState](p.DB),
	}
}

type AppendInput struct {
	LicenseID string
	EventType string
	Actor     string
	Detail    map[string]any
}

// Append writes one event in its own transaction.
func (s *Service) Append(ctx context.Context, in AppendInput) (*Event, error) {
	var event *Event
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		event, err = s.AppendTx(ctx, tx, in)
		return err
	})
	return event, err
}

// AppendTx appends an event inside the caller's transaction. The chain
// state row is locked first, so concurrent appends to one license
// serialize and sequence numbers stay gapless. A halted chain refuses
// writes until its tamper is resolved.
func (s *Service) AppendTx(ctx context.Context, tx *gorm.DB, in AppendInput) (*Event, error) {
	if in.LicenseID == "" {
		return nil, errutil.BadRequest("license id is required", nil)
	}

	chain, err := s.lockChain(ctx, tx, in.LicenseID)
	if err != nil {
		return nil, err
	}

	if chain.Halted {
		return nil, errutil.ChainIntegrity(fmt.Sprintf("audit chain for license %s is halted", in.LicenseID))
	}

	var detail datatypes.JSON
	if in.Detail != nil {
		b, err := json.Marshal(in.Detail)
		if err != nil {
			return nil, errutil.Internal("failed to encode audit detail", err)
		}
		detail = datatypes.JSON(b)
	}

	ring := s.keys.Load()

	event := &Event{
		ID:         s.node.Generate().String(),
		LicenseID:  in.LicenseID,
		SequenceNo: chain.NextSeq,
		EventType:  in.EventType,
		Actor:      in.Actor,
		Detail:     detail,
		PrevHash:   chain.HeadHash,
		KeyVersion: ring.CurrentVersion(),
		CreatedAt:  time.Now().UTC(),
	}

	hash, err := event.GenerateHash()
	if err != nil {
		return nil, errutil.Internal("failed to hash audit event", err)
	}
	event.Hash = hash
	event.Signature = signHash(ring.Current(), hash)

	if err := tx.Create(event).Error; err != nil {
		return nil, err
	}

	chain.NextSeq++
	chain.HeadHash = event.Hash
	chain.UpdatedAt = time.Now().UTC()
	if err := tx.Save(chain).Error; err != nil {
		return nil, err
	}

	return event, nil
}

func (s *Service) lockChain(ctx context.Context, tx *gorm.DB, licenseID string) (*ChainState, error) {
	var chain ChainState
	err := tx.WithContext(ctx).
		Scopes(option.LockingUpdate).
		Where(&ChainState{LicenseID: licenseID}).
		First(&chain).Error
	if err == gorm.ErrRecordNotFound {
		chain = ChainState{LicenseID: licenseID, NextSeq: 0, HeadHash: "", UpdatedAt: time.Now().UTC()}
		if err := tx.Create(&chain).Error; err != nil {
			return nil, err
		}
		return &chain, nil
	}
	if err != nil {
		return nil, err
	}
	return &chain, nil
}

// List returns a license's events ordered by sequence number.
func (s *Service) List(ctx context.Context, licenseID string) ([]*Event, error) {
	return s.events.Find(ctx, &Event{LicenseID: licenseID}, option.WithSortBy(option.QuerySortBy{
		SortBy:  "sequence_no",
		OrderBy: "asc",
		Allow:   map[string]bool{"sequence_no": true},
	}))
}

// VerifyResult reports the outcome of a chain walk. FirstBadSeq is only
// meaningful when OK is false.
type VerifyResult struct {
	OK          bool
	Checked     int
	FirstBadSeq int64
	Reason      string
}

// VerifyChain walks a license's chain from sequence 0 and checks linkage,
// recomputed hashes, signatures, and gap-freeness. On the first failure the
// chain is halted against further appends and the failing sequence is
// reported.
func (s *Service) VerifyChain(ctx context.Context, licenseID string) (*VerifyResult, error) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	events, err := s.List(ctx, licenseID)
	if err != nil {
		return nil, err
	}

	ring := s.keys.Load()

	prevHash := ""
	for i, event := range events {
		if event.SequenceNo != int64(i) {
			return s.fail(ctx, licenseID, i, int64(i), "sequence gap")
		}
		if event.PrevHash != prevHash {
			return s.fail(ctx, licenseID, i, event.SequenceNo, "previous hash mismatch")
		}

		hash, err := event.GenerateHash()
		if err != nil {
			return nil, err
		}
		if hash != event.Hash {
			return s.fail(ctx, licenseID, i, event.SequenceNo, "event hash mismatch")
		}

		if !s.signatureVerifies(ring, event) {
			return s.fail(ctx, licenseID, i, event.SequenceNo, "signature does not verify against keyring")
		}

		prevHash = event.Hash
	}

	return &VerifyResult{OK: true, Checked: len(events)}, nil
}

// signatureVerifies accepts a signature under any ring secret: events
// signed before a rotation stay valid as long as the old version remains in
// the ring.
func (s *Service) signatureVerifies(ring *keyring.Ring, event *Event) bool {
	if secret, ok := ring.Secret(event.KeyVersion); ok {
		if verifySignature(secret, event.Hash, event.Signature) {
			return true
		}
	}
	for _, v := range ring.Versions() {
		if v == event.KeyVersion {
			continue
		}
		secret, _ := ring.Secret(v)
		if verifySignature(secret, event.Hash, event.Signature) {
			return true
		}
	}
	return false
}

func (s *Service) fail(ctx context.Context, licenseID string, checked int, seq int64, reason string) (*VerifyResult, error) {
	zap.L().Error("audit chain verification failed",
		zap.String("license_id", licenseID),
		zap.Int64("sequence_no", seq),
		zap.String("reason", reason),
	)

	if err := s.halt(ctx, licenseID); err != nil {
		return nil, err
	}

	return &VerifyResult{OK: false, Checked: checked, FirstBadSeq: seq, Reason: reason}, nil
}

func (s *Service) halt(ctx context.Context, licenseID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		chain, err := s.lockChain(ctx, tx, licenseID)
		if err != nil {
			return err
		}
		chain.Halted = true
		chain.UpdatedAt = time.Now().UTC()
		return tx.Save(chain).Error
	})
}
