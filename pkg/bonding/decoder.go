package bonding

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/canopy-network/bondingx/pkg/models"
)

var (
	// ErrMalformed is returned when the bytes do not match the account layout.
	ErrMalformed = errors.New("malformed account data")
	// ErrMissingField is returned when the event envelope lacks a required part.
	ErrMissingField = errors.New("missing field")
)

// Metadata is the envelope information accompanying the raw account bytes.
type Metadata struct {
	Address  string
	Slot     uint64
	Owner    string
	Lamports uint64
	// ReceivedAt becomes the snapshot walltime.
	ReceivedAt time.Time
}

// MetadataFrom extracts decoder metadata from an upstream account update.
func MetadataFrom(u *models.AccountUpdate, receivedAt time.Time) Metadata {
	return Metadata{
		Address:    u.Address,
		Slot:       u.Slot,
		Owner:      u.Owner,
		Lamports:   u.Lamports,
		ReceivedAt: receivedAt,
	}
}

// Decode maps raw account bytes and their envelope to a snapshot. It has no side effects:
// identical inputs always produce identical snapshots.
func Decode(data []byte, meta Metadata) (*models.AccountSnapshot, error) {
	if meta.Address == "" {
		return nil, fmt.Errorf("%w: address", ErrMissingField)
	}
	if data == nil {
		return nil, fmt.Errorf("%w: account data", ErrMissingField)
	}

	account, err := DecodeAccount(data)
	if err != nil {
		return nil, err
	}

	fields := account.Fields()
	fields[FieldLamports] = models.Uint(meta.Lamports)
	if meta.Owner != "" {
		fields[FieldOwner] = models.Str(meta.Owner)
	}

	return &models.AccountSnapshot{
		Address:        meta.Address,
		ObservedAtSlot: meta.Slot,
		Walltime:       meta.ReceivedAt,
		Fields:         fields,
	}, nil
}

// DecodeAccount decodes the discriminator-prefixed, little-endian Borsh layout of a bonding account.
func DecodeAccount(data []byte) (*Account, error) {
	if len(data) < MinAccountLen {
		return nil, fmt.Errorf("%w: length %d below minimum %d", ErrMalformed, len(data), MinAccountLen)
	}
	if !bytes.Equal(data[:DiscriminatorLen], Discriminator[:]) {
		return nil, fmt.Errorf("%w: unexpected discriminator %x", ErrMalformed, data[:DiscriminatorLen])
	}

	r := &reader{dec: bin.NewBorshDecoder(data[DiscriminatorLen:])}
	a := &Account{}

	a.BaseMint = r.key()
	a.TargetMint = r.key()
	a.GeneralAuthority = r.optionalKey()
	a.ReserveAuthority = r.optionalKey()
	a.CurveAuthority = r.optionalKey()
	a.BaseStorage = r.key()
	a.BuyBaseRoyalties = r.key()
	a.BuyTargetRoyalties = r.key()
	a.SellBaseRoyalties = r.key()
	a.SellTargetRoyalties = r.key()
	a.BuyBaseRoyaltyPercentage = r.u32()
	a.BuyTargetRoyaltyPercentage = r.u32()
	a.SellBaseRoyaltyPercentage = r.u32()
	a.SellTargetRoyaltyPercentage = r.u32()
	a.Curve = r.key()
	a.MintCap = r.optionalU64()
	a.PurchaseCap = r.optionalU64()
	a.GoLiveUnixTime = r.i64()
	a.FreezeBuyUnixTime = r.optionalI64()
	a.CreatedAtUnixTime = r.i64()
	a.BuyFrozen = r.boolean()
	a.SellFrozen = r.boolean()
	a.Index = r.u16()
	a.BumpSeed = r.u8()
	a.BaseStorageBumpSeed = r.u8()
	a.TargetMintAuthorityBumpSeed = r.u8()
	a.BaseStorageAuthorityBumpSeed = r.optionalU8()
	a.ReserveBalanceFromBonding = r.u64()
	a.SupplyFromBonding = r.u64()
	a.IgnoreExternalReserveChanges = r.boolean()
	a.IgnoreExternalSupplyChanges = r.boolean()

	if r.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, r.err)
	}
	return a, nil
}

// reader keeps the first error and turns every later read into a no-op.
type reader struct {
	dec *bin.Decoder
	err error
}

func (r *reader) fail(field string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("%s: %w", field, err)
	}
}

func (r *reader) key() solana.PublicKey {
	if r.err != nil {
		return solana.PublicKey{}
	}
	b, err := r.dec.ReadNBytes(solana.PublicKeyLength)
	if err != nil {
		r.fail("pubkey", err)
		return solana.PublicKey{}
	}
	return solana.PublicKeyFromBytes(b)
}

// tag reads a Borsh option tag. Anything other than 0 or 1 is malformed.
func (r *reader) tag() bool {
	v := r.u8()
	if r.err != nil {
		return false
	}
	switch v {
	case 0:
		return false
	case 1:
		return true
	default:
		r.fail("option tag", fmt.Errorf("invalid value %d", v))
		return false
	}
}

func (r *reader) optionalKey() *solana.PublicKey {
	if !r.tag() {
		return nil
	}
	k := r.key()
	if r.err != nil {
		return nil
	}
	return &k
}

func (r *reader) u8() uint8 {
	if r.err != nil {
		return 0
	}
	v, err := r.dec.ReadUint8()
	if err != nil {
		r.fail("u8", err)
	}
	return v
}

func (r *reader) optionalU8() *uint8 {
	if !r.tag() {
		return nil
	}
	v := r.u8()
	if r.err != nil {
		return nil
	}
	return &v
}

func (r *reader) boolean() bool {
	v := r.u8()
	if r.err != nil {
		return false
	}
	if v > 1 {
		r.fail("bool", fmt.Errorf("invalid value %d", v))
		return false
	}
	return v == 1
}

func (r *reader) u16() uint16 {
	if r.err != nil {
		return 0
	}
	v, err := r.dec.ReadUint16(binary.LittleEndian)
	if err != nil {
		r.fail("u16", err)
	}
	return v
}

func (r *reader) u32() uint32 {
	if r.err != nil {
		return 0
	}
	v, err := r.dec.ReadUint32(binary.LittleEndian)
	if err != nil {
		r.fail("u32", err)
	}
	return v
}

func (r *reader) u64() uint64 {
	if r.err != nil {
		return 0
	}
	v, err := r.dec.ReadUint64(binary.LittleEndian)
	if err != nil {
		r.fail("u64", err)
	}
	return v
}

func (r *reader) optionalU64() *uint64 {
	if !r.tag() {
		return nil
	}
	v := r.u64()
	if r.err != nil {
		return nil
	}
	return &v
}

func (r *reader) i64() int64 {
	if r.err != nil {
		return 0
	}
	v, err := r.dec.ReadInt64(binary.LittleEndian)
	if err != nil {
		r.fail("i64", err)
	}
	return v
}

func (r *reader) optionalI64() *int64 {
	if !r.tag() {
		return nil
	}
	v := r.i64()
	if r.err != nil {
		return nil
	}
	return &v
}
