package models

// EventKind tags the variant carried by a RawEvent.
type EventKind uint8

const (
	EventOther EventKind = iota
	EventAccount
	EventTransaction
)

func (k EventKind) String() string {
	switch k {
	case EventAccount:
		return "account"
	case EventTransaction:
		return "transaction"
	default:
		return "other"
	}
}

// AccountUpdate is the account variant of an upstream event.
// Data is nil when the envelope carried no payload.
type AccountUpdate struct {
	Address      string
	Owner        string
	Slot         uint64
	Lamports     uint64
	Executable   bool
	RentEpoch    uint64
	WriteVersion uint64
	IsStartup    bool
	TxnSignature string
	Data         []byte
}

// TransactionUpdate is the transaction variant of an upstream event.
type TransactionUpdate struct {
	Signature string
	Slot      uint64
	Failed    bool
	Logs      []string
}

// RawEvent is one update received from the upstream event source.
type RawEvent struct {
	Kind        EventKind
	Account     *AccountUpdate
	Transaction *TransactionUpdate
	// Method names the upstream message for EventOther.
	Method string
}
