package state

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
)

// Project records live under ordered raw keys so the ledger can be scanned in
// id order. Every other record is addressed through kvKey.
var (
	projectPrefix         = []byte("escrow/project/")
	accountIndexPrefix    = []byte("escrow/account/")
	transferPrefix        = []byte("escrow/transfers/")
	treasuryKeyBytes      = []byte("escrow/treasury")
	lastProjectIDKeyBytes = []byte("escrow/last-id")
	sequenceKeyBytes      = []byte("ledger/sequence")
)

func projectKey(id uint64) []byte {
	buf := make([]byte, len(projectPrefix)+8)
	copy(buf, projectPrefix)
	binary.BigEndian.PutUint64(buf[len(projectPrefix):], id)
	return buf
}

// AccountIndexKey returns the logical key of the project id list for addr.
func AccountIndexKey(addr common.Address) []byte {
	buf := make([]byte, len(accountIndexPrefix)+common.AddressLength)
	copy(buf, accountIndexPrefix)
	copy(buf[len(accountIndexPrefix):], addr[:])
	return buf
}

// TransferLogKey returns the logical key of the transfer log of a project.
// Fee withdrawals use id 0.
func TransferLogKey(id uint64) []byte {
	buf := make([]byte, len(transferPrefix)+8)
	copy(buf, transferPrefix)
	binary.BigEndian.PutUint64(buf[len(transferPrefix):], id)
	return buf
}
