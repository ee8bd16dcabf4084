package bonding

import (
	"crypto/sha256"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"github.com/canopy-network/bondingx/pkg/models"
)

// Field names shared by the decoder, the writer and the control responses.
const (
	FieldReserveBalance = "reserve_balance_from_bonding"
	FieldSupply         = "supply_from_bonding"
	FieldLamports       = "lamports"
	FieldOwner          = "owner"
)

// DiscriminatorLen is the length of the account type prefix.
const DiscriminatorLen = 8

// MinAccountLen is the shortest valid encoding: every optional field absent.
const MinAccountLen = DiscriminatorLen +
	2*32 + // base_mint, target_mint
	3*1 + // general/reserve/curve authority option tags
	5*32 + // base_storage and the four royalty accounts
	4*4 + // royalty percentages
	32 + // curve
	2*1 + // mint_cap, purchase_cap option tags
	8 + 1 + 8 + // go_live, freeze_buy tag, created_at
	2*1 + // buy_frozen, sell_frozen
	2 + 3*1 + 1 + // index, three bump seeds, base_storage_authority_bump_seed tag
	2*8 + // reserve and supply balances
	2*1 // ignore flags

// Discriminator is the account type prefix: the first eight bytes of sha256("account:BondingAccount").
var Discriminator = func() [DiscriminatorLen]byte {
	sum := sha256.Sum256([]byte("account:BondingAccount"))
	var d [DiscriminatorLen]byte
	copy(d[:], sum[:DiscriminatorLen])
	return d
}()

// Account is the decoded bonding curve account.
type Account struct {
	BaseMint                     solana.PublicKey  `json:"base_mint"`
	TargetMint                   solana.PublicKey  `json:"target_mint"`
	GeneralAuthority             *solana.PublicKey `json:"general_authority"`
	ReserveAuthority             *solana.PublicKey `json:"reserve_authority"`
	CurveAuthority               *solana.PublicKey `json:"curve_authority"`
	BaseStorage                  solana.PublicKey  `json:"base_storage"`
	BuyBaseRoyalties             solana.PublicKey  `json:"buy_base_royalties"`
	BuyTargetRoyalties           solana.PublicKey  `json:"buy_target_royalties"`
	SellBaseRoyalties            solana.PublicKey  `json:"sell_base_royalties"`
	SellTargetRoyalties          solana.PublicKey  `json:"sell_target_royalties"`
	BuyBaseRoyaltyPercentage     uint32            `json:"buy_base_royalty_percentage"`
	BuyTargetRoyaltyPercentage   uint32            `json:"buy_target_royalty_percentage"`
	SellBaseRoyaltyPercentage    uint32            `json:"sell_base_royalty_percentage"`
	SellTargetRoyaltyPercentage  uint32            `json:"sell_target_royalty_percentage"`
	Curve                        solana.PublicKey  `json:"curve"`
	MintCap                      *uint64           `json:"mint_cap"`
	PurchaseCap                  *uint64           `json:"purchase_cap"`
	GoLiveUnixTime               int64             `json:"go_live_unix_time"`
	FreezeBuyUnixTime            *int64            `json:"freeze_buy_unix_time"`
	CreatedAtUnixTime            int64             `json:"created_at_unix_time"`
	BuyFrozen                    bool              `json:"buy_frozen"`
	SellFrozen                   bool              `json:"sell_frozen"`
	Index                        uint16            `json:"index"`
	BumpSeed                     uint8             `json:"bump_seed"`
	BaseStorageBumpSeed          uint8             `json:"base_storage_bump_seed"`
	TargetMintAuthorityBumpSeed  uint8             `json:"target_mint_authority_bump_seed"`
	BaseStorageAuthorityBumpSeed *uint8            `json:"base_storage_authority_bump_seed"`
	ReserveBalanceFromBonding    uint64            `json:"reserve_balance_from_bonding"`
	SupplyFromBonding            uint64            `json:"supply_from_bonding"`
	IgnoreExternalReserveChanges bool              `json:"ignore_external_reserve_changes"`
	IgnoreExternalSupplyChanges  bool              `json:"ignore_external_supply_changes"`
}

// Fields flattens the account into snapshot fields keyed by their snake_case names.
func (a *Account) Fields() models.Fields {
	return models.Fields{
		"base_mint":                        models.Str(a.BaseMint.String()),
		"target_mint":                      models.Str(a.TargetMint.String()),
		"general_authority":                optionalKey(a.GeneralAuthority),
		"reserve_authority":                optionalKey(a.ReserveAuthority),
		"curve_authority":                  optionalKey(a.CurveAuthority),
		"base_storage":                     models.Str(a.BaseStorage.String()),
		"buy_base_royalties":               models.Str(a.BuyBaseRoyalties.String()),
		"buy_target_royalties":             models.Str(a.BuyTargetRoyalties.String()),
		"sell_base_royalties":              models.Str(a.SellBaseRoyalties.String()),
		"sell_target_royalties":            models.Str(a.SellTargetRoyalties.String()),
		"buy_base_royalty_percentage":      models.Uint(uint64(a.BuyBaseRoyaltyPercentage)),
		"buy_target_royalty_percentage":    models.Uint(uint64(a.BuyTargetRoyaltyPercentage)),
		"sell_base_royalty_percentage":     models.Uint(uint64(a.SellBaseRoyaltyPercentage)),
		"sell_target_royalty_percentage":   models.Uint(uint64(a.SellTargetRoyaltyPercentage)),
		"curve":                            models.Str(a.Curve.String()),
		"mint_cap":                         optionalUint(a.MintCap),
		"purchase_cap":                     optionalUint(a.PurchaseCap),
		"go_live_unix_time":                models.Int(a.GoLiveUnixTime),
		"freeze_buy_unix_time":             optionalInt(a.FreezeBuyUnixTime),
		"created_at_unix_time":             models.Int(a.CreatedAtUnixTime),
		"buy_frozen":                       models.Bool(a.BuyFrozen),
		"sell_frozen":                      models.Bool(a.SellFrozen),
		"index":                            models.Uint(uint64(a.Index)),
		"bump_seed":                        models.Uint(uint64(a.BumpSeed)),
		"base_storage_bump_seed":           models.Uint(uint64(a.BaseStorageBumpSeed)),
		"target_mint_authority_bump_seed":  models.Uint(uint64(a.TargetMintAuthorityBumpSeed)),
		"base_storage_authority_bump_seed": optionalByte(a.BaseStorageAuthorityBumpSeed),
		FieldReserveBalance:                models.Uint(a.ReserveBalanceFromBonding),
		FieldSupply:                        models.Uint(a.SupplyFromBonding),
		"ignore_external_reserve_changes":  models.Bool(a.IgnoreExternalReserveChanges),
		"ignore_external_supply_changes":   models.Bool(a.IgnoreExternalSupplyChanges),
	}
}

func optionalKey(k *solana.PublicKey) models.FieldValue {
	if k == nil {
		return models.OptionalStr(nil)
	}
	s := k.String()
	return models.OptionalStr(&s)
}

func optionalUint(v *uint64) models.FieldValue {
	if v == nil {
		return models.OptionalNum(nil)
	}
	d := decimal.NewFromUint64(*v)
	return models.OptionalNum(&d)
}

func optionalInt(v *int64) models.FieldValue {
	if v == nil {
		return models.OptionalNum(nil)
	}
	d := decimal.NewFromInt(*v)
	return models.OptionalNum(&d)
}

func optionalByte(v *uint8) models.FieldValue {
	if v == nil {
		return models.OptionalNum(nil)
	}
	d := decimal.NewFromInt(int64(*v))
	return models.OptionalNum(&d)
}
