package events

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"commitchain/core/types"
)

func TestTransferUpdateAttributes(t *testing.T) {
	wallet := common.HexToAddress("0xAbC0000000000000000000000000000000000001")
	evt := TransferUpdate{
		Type:      TypeTransferAppended,
		Wallet:    wallet,
		TxID:      "tx-1",
		Sender:    wallet,
		Recipient: common.HexToAddress("0x02"),
		Amount:    types.NewAmount(30),
		Eon:       4,
		Passive:   true,
	}.Event()
	require.Equal(t, TypeTransferAppended, evt.Type)
	require.Equal(t, "0xabc0000000000000000000000000000000000001", evt.Stream)
	require.Equal(t, "30", evt.Attributes["amount"])
	require.Equal(t, "true", evt.Attributes["passive"])
}

func TestAlertKeepsReservedKeys(t *testing.T) {
	evt := OperatorAlert{
		Component: "checkpoint",
		Severity:  SeverityCritical,
		Reason:    "overclaim",
		Details:   map[string]string{"reason": "spoofed", "token": "0x01"},
	}.Event()
	require.Equal(t, OperatorStream, evt.Stream)
	require.Equal(t, "overclaim", evt.Attributes["reason"])
	require.Equal(t, "0x01", evt.Attributes["token"])

	rec := &Recorder{}
	rec.Emit(OperatorAlert{Reason: "x"})
	rec.Emit(CheckpointCreated{Eon: 1})
	require.Len(t, rec.OfType(TypeOperatorAlert), 1)
}
