package ledger

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const registryABI = `[
  {"type":"function","name":"isVerified","stateMutability":"view",
   "inputs":[{"name":"certificate_id","type":"string"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"getCertificate","stateMutability":"view",
   "inputs":[{"name":"certificate_id","type":"string"}],
   "outputs":[
     {"name":"uid","type":"string"},
     {"name":"candidate_name","type":"string"},
     {"name":"course_name","type":"string"},
     {"name":"org_name","type":"string"},
     {"name":"ipfs_hash","type":"string"},
     {"name":"timestamp","type":"uint256"},
     {"name":"revoked","type":"bool"}]},
  {"type":"function","name":"generateCertificate","stateMutability":"nonpayable",
   "inputs":[
     {"name":"certificate_id","type":"string"},
     {"name":"uid","type":"string"},
     {"name":"candidate_name","type":"string"},
     {"name":"course_name","type":"string"},
     {"name":"org_name","type":"string"},
     {"name":"ipfs_hash","type":"string"}],
   "outputs":[]},
  {"type":"event","name":"CertificateGenerated","anonymous":false,
   "inputs":[
     {"name":"certificate_id","type":"string","indexed":true},
     {"name":"ipfs_hash","type":"string","indexed":false}]}
]`

var registry = mustParseABI(registryABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("ledger: parse registry abi: %v", err))
	}
	return parsed
}

// generatedTopic is the event signature hash of CertificateGenerated.
func generatedTopic() common.Hash {
	return registry.Events["CertificateGenerated"].ID
}

// idTopic is the topic an indexed string certificate id is stored under.
func idTopic(id string) common.Hash {
	return gethcrypto.Keccak256Hash([]byte(id))
}
