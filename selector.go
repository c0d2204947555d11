package agentpay

import (
	"math/big"
	"sort"
)

// SelectSigner chooses the signer to satisfy a payment option. Candidates
// must pass CanSign and the per-call amount ceiling; ties break on signer
// priority, then configuration order.
func SelectSigner(option *PaymentOption, signers []Signer) (Signer, error) {
	if len(signers) == 0 {
		return nil, ErrNoValidSigner
	}

	amount, ok := new(big.Int).SetString(option.MaxAmount, 10)
	if !ok {
		return nil, ErrInvalidAmount
	}

	type candidate struct {
		signer Signer
		order  int
	}
	var candidates []candidate
	for i, s := range signers {
		if !s.CanSign(option) {
			continue
		}
		if max := s.MaxAmount(); max != nil && amount.Cmp(max) > 0 {
			continue
		}
		candidates = append(candidates, candidate{signer: s, order: i})
	}
	if len(candidates) == 0 {
		return nil, ErrNoValidSigner
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].signer.Priority() < candidates[j].signer.Priority()
	})
	return candidates[0].signer, nil
}

// SelectOption picks the first challenge option any of the signers can
// satisfy, preferring options in the order the server listed them.
func SelectOption(challenge *PaymentChallenge, signers []Signer) (*PaymentOption, Signer, error) {
	for i := range challenge.Accepts {
		option := &challenge.Accepts[i]
		signer, err := SelectSigner(option, signers)
		if err == nil {
			return option, signer, nil
		}
	}
	return nil, nil, ErrNoValidSigner
}
