package certificate

import (
	"strings"
)

// Links point at the artifact and its ledger transaction.
type Links struct {
	PDF        string `json:"pdf,omitempty"`
	Blockchain string `json:"blockchain,omitempty"`
}

// Linker renders public links for records.
type Linker struct {
	// GatewayBase is the content gateway prefix, e.g. https://ipfs.io/ipfs.
	GatewayBase string
	// ExplorerTxURL is a block explorer transaction prefix or a template
	// containing {tx}.
	ExplorerTxURL string
}

// Links renders the links for r. Missing inputs produce empty links.
func (l Linker) Links(r *Record) Links {
	if r == nil {
		return Links{}
	}
	out := Links{PDF: GatewayURL(l.GatewayBase, r.ContentHash())}
	if tx := strings.TrimSpace(r.BlockchainTx); tx != "" {
		out.Blockchain = l.TxURL(tx)
	}
	return out
}

// TxURL renders the explorer link for a transaction hash.
func (l Linker) TxURL(tx string) string {
	base := strings.TrimSpace(l.ExplorerTxURL)
	if base == "" || tx == "" {
		return ""
	}
	if strings.Contains(base, "{tx}") {
		return strings.ReplaceAll(base, "{tx}", tx)
	}
	return strings.TrimRight(base, "/") + "/" + tx
}

// GatewayURL resolves a content hash against a gateway base URL.
func GatewayURL(base, hash string) string {
	hash = strings.TrimSpace(hash)
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if hash == "" || base == "" {
		return ""
	}
	return base + "/" + hash
}
