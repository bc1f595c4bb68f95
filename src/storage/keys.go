package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

const (
	codeParticipant     byte = 10
	codeTopic           byte = 20
	codeMessage         byte = 30
	codeTopicMessage    byte = 31 // topic -> message index
	codeLike            byte = 32
	codeCurated         byte = 40
	codeMint            byte = 41
	codeUnsettled       byte = 50
	codeSettledEntry    byte = 51
	codeSettlement      byte = 60
	codeSettlementNonce byte = 61 // nonce -> settlement id
	codeCounter         byte = 90
)

func makePrefix(code byte, keys ...interface{}) []byte {
	prefix := []byte{code}
	for _, key := range keys {
		prefix = append(prefix, b(key)...)
	}
	return prefix
}

func b(v interface{}) []byte {
	switch i := v.(type) {
	case uint64:
		out := make([]byte, 8)
		binary.BigEndian.PutUint64(out, i)
		return out
	case common.Address:
		return i.Bytes()
	case common.Hash:
		return i.Bytes()
	case string:
		return []byte(i)
	case []byte:
		return i
	default:
		panic(fmt.Sprintf("unsupported key type %T", v))
	}
}
