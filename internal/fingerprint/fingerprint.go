// Package fingerprint produces canonical identifiers for trade loops and
// wallet sets. Loop fingerprints are rotation-invariant and
// direction-sensitive: the same cycle hashes identically no matter which
// participant it was discovered from, while the reversed barter direction
// hashes differently.
package fingerprint

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"sort"

	"golang.org/x/crypto/sha3"

	"github.com/tradeweave/loopengine/internal/models"
)

// Loop returns the hex-encoded SHA3-256 fingerprint of a trade loop.
//
// The step sequence is rotated so the lex-smallest from-wallet leads; ties
// between equal starting wallets are broken by the lex-smallest serialized
// form. Item ids within a step are sorted. Fields are length-prefixed, so
// ids need no reserved separator byte.
func Loop(l models.TradeLoop) string {
	n := len(l.Steps)
	if n == 0 {
		sum := sha3.Sum256(nil)
		return hex.EncodeToString(sum[:])
	}

	// Sorted copies of each step's item ids, indexed by step.
	itemIDs := make([][]string, n)
	for i, st := range l.Steps {
		ids := make([]string, len(st.Items))
		for j, it := range st.Items {
			ids[j] = it.ID
		}
		sort.Strings(ids)
		itemIDs[i] = ids
	}

	minFrom := l.Steps[0].FromWallet
	for _, st := range l.Steps[1:] {
		if st.FromWallet < minFrom {
			minFrom = st.FromWallet
		}
	}

	var best []byte
	for i, st := range l.Steps {
		if st.FromWallet != minFrom {
			continue
		}
		ser := serializeRotation(l.Steps, itemIDs, i)
		if best == nil || bytes.Compare(ser, best) < 0 {
			best = ser
		}
	}

	sum := sha3.Sum256(best)
	return hex.EncodeToString(sum[:])
}

// WalletSet returns an order-independent fingerprint of a set of wallet ids.
// Duplicates are ignored.
func WalletSet(ids []string) string {
	uniq := make([]string, len(ids))
	copy(uniq, ids)
	sort.Strings(uniq)
	j := 0
	for i, id := range uniq {
		if i > 0 && id == uniq[j-1] {
			continue
		}
		uniq[j] = id
		j++
	}
	uniq = uniq[:j]

	b := binary.AppendUvarint(nil, uint64(len(uniq)))
	for _, id := range uniq {
		b = appendString(b, id)
	}
	sum := sha3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func serializeRotation(steps []models.TradeStep, itemIDs [][]string, rot int) []byte {
	n := len(steps)
	b := binary.AppendUvarint(nil, uint64(n))
	for k := 0; k < n; k++ {
		i := (rot + k) % n
		b = appendString(b, steps[i].FromWallet)
		b = appendString(b, steps[i].ToWallet)
		b = binary.AppendUvarint(b, uint64(len(itemIDs[i])))
		for _, id := range itemIDs[i] {
			b = appendString(b, id)
		}
	}
	return b
}

func appendString(b []byte, s string) []byte {
	b = binary.AppendUvarint(b, uint64(len(s)))
	return append(b, s...)
}
