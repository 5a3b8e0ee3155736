package block

import "crypto/sha256"

// CertificationProof binds the chain tip to a succinct root. A client that
// holds only Root can verify that TipHash is the last of LogLength committed
// block hashes without replaying history.
type CertificationProof struct {
	Root      [32]byte    `json:"root"`
	LogLength uint64      `json:"log_length"`
	TipHash   [32]byte    `json:"tip_hash"`
	Path      []ProofStep `json:"path"`
}

// ProofStep is one sibling on the audit path from the tip leaf to the root.
type ProofStep struct {
	Hash [32]byte `json:"hash"`
	Left bool     `json:"left"` // sibling sits left of the running hash
}

func hashPair(left, right [32]byte) [32]byte {
	h := sha256.New()
	h.Write(left[:])
	h.Write(right[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// MerkleRoot computes the root over the given block hashes. Odd nodes are
// promoted unchanged. An empty chain has a zero root.
func MerkleRoot(hashes [][32]byte) [32]byte {
	if len(hashes) == 0 {
		return [32]byte{}
	}
	level := make([][32]byte, len(hashes))
	copy(level, hashes)
	for len(level) > 1 {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i+1 < len(level); i += 2 {
			next = append(next, hashPair(level[i], level[i+1]))
		}
		if len(level)%2 == 1 {
			next = append(next, level[len(level)-1])
		}
		level = next
	}
	return level[0]
}

// BuildTipProof constructs the audit path for the last hash in the list.
func BuildTipProof(hashes [][32]byte) CertificationProof {
	proof := CertificationProof{LogLength: uint64(len(hashes))}
	if len(hashes) == 0 {
		return proof
	}
	proof.TipHash = hashes[len(hashes)-1]

	level := make([][32]byte, len(hashes))
	copy(level, hashes)
	idx := len(level) - 1
	for len(level) > 1 {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i+1 < len(level); i += 2 {
			next = append(next, hashPair(level[i], level[i+1]))
		}
		odd := len(level)%2 == 1
		if odd {
			next = append(next, level[len(level)-1])
		}
		if odd && idx == len(level)-1 {
			// promoted unchanged, no sibling at this level
			idx = len(next) - 1
		} else {
			if idx%2 == 0 {
				proof.Path = append(proof.Path, ProofStep{Hash: level[idx+1], Left: false})
			} else {
				proof.Path = append(proof.Path, ProofStep{Hash: level[idx-1], Left: true})
			}
			idx /= 2
		}
		level = next
	}
	proof.Root = level[0]
	return proof
}

// VerifyTipProof recomputes the root from the tip hash and audit path.
func VerifyTipProof(p CertificationProof) bool {
	if p.LogLength == 0 {
		return false
	}
	acc := p.TipHash
	for _, step := range p.Path {
		if step.Left {
			acc = hashPair(step.Hash, acc)
		} else {
			acc = hashPair(acc, step.Hash)
		}
	}
	return acc == p.Root
}
