package bonding

import (
	"encoding/binary"

	"github.com/gagliardetto/solana-go"
)

// Encode produces the on-chain byte layout of a, discriminator included.
// It is the inverse of DecodeAccount and is used to build fixtures.
func Encode(a *Account) []byte {
	out := make([]byte, 0, MinAccountLen+3*32+2*8+8+1)
	out = append(out, Discriminator[:]...)

	key := func(k solana.PublicKey) { out = append(out, k[:]...) }
	optKey := func(k *solana.PublicKey) {
		if k == nil {
			out = append(out, 0)
			return
		}
		out = append(out, 1)
		key(*k)
	}
	boolean := func(b bool) {
		if b {
			out = append(out, 1)
		} else {
			out = append(out, 0)
		}
	}

	key(a.BaseMint)
	key(a.TargetMint)
	optKey(a.GeneralAuthority)
	optKey(a.ReserveAuthority)
	optKey(a.CurveAuthority)
	key(a.BaseStorage)
	key(a.BuyBaseRoyalties)
	key(a.BuyTargetRoyalties)
	key(a.SellBaseRoyalties)
	key(a.SellTargetRoyalties)
	out = binary.LittleEndian.AppendUint32(out, a.BuyBaseRoyaltyPercentage)
	out = binary.LittleEndian.AppendUint32(out, a.BuyTargetRoyaltyPercentage)
	out = binary.LittleEndian.AppendUint32(out, a.SellBaseRoyaltyPercentage)
	out = binary.LittleEndian.AppendUint32(out, a.SellTargetRoyaltyPercentage)
	key(a.Curve)
	for _, v := range []*uint64{a.MintCap, a.PurchaseCap} {
		if v == nil {
			out = append(out, 0)
			continue
		}
		out = append(out, 1)
		out = binary.LittleEndian.AppendUint64(out, *v)
	}
	out = binary.LittleEndian.AppendUint64(out, uint64(a.GoLiveUnixTime))
	if a.FreezeBuyUnixTime == nil {
		out = append(out, 0)
	} else {
		out = append(out, 1)
		out = binary.LittleEndian.AppendUint64(out, uint64(*a.FreezeBuyUnixTime))
	}
	out = binary.LittleEndian.AppendUint64(out, uint64(a.CreatedAtUnixTime))
	boolean(a.BuyFrozen)
	boolean(a.SellFrozen)
	out = binary.LittleEndian.AppendUint16(out, a.Index)
	out = append(out, a.BumpSeed, a.BaseStorageBumpSeed, a.TargetMintAuthorityBumpSeed)
	if a.BaseStorageAuthorityBumpSeed == nil {
		out = append(out, 0)
	} else {
		out = append(out, 1, *a.BaseStorageAuthorityBumpSeed)
	}
	out = binary.LittleEndian.AppendUint64(out, a.ReserveBalanceFromBonding)
	out = binary.LittleEndian.AppendUint64(out, a.SupplyFromBonding)
	boolean(a.IgnoreExternalReserveChanges)
	boolean(a.IgnoreExternalSupplyChanges)
	return out
}
