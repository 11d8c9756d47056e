package swap

import "commitchain/core/types"

// Prices are compared by cross-multiplication only. An order selling amount
// for at least swapped quotes swapped/amount.

// Crosses reports whether a resting order's offer satisfies the incoming
// order's limit.
func Crosses(incomingAmount, incomingSwapped, restingAmount, restingSwapped types.Amount) bool {
	return restingAmount.Mul(incomingAmount).Cmp(incomingSwapped.Mul(restingSwapped)) >= 0
}

// BetterOffer reports whether order a gives more per unit it wants than b.
func BetterOffer(aAmount, aSwapped, bAmount, bSwapped types.Amount) bool {
	return aAmount.Mul(bSwapped).Cmp(bAmount.Mul(aSwapped)) > 0
}

// RespectsLimit reports whether having sold out and bought in keeps an order
// at or above its limit.
func RespectsLimit(amount, swapped, out, in types.Amount) bool {
	return in.Mul(amount).Cmp(out.Mul(swapped)) >= 0
}

// fill sizes a trade at the resting order's price. out is what the resting
// order sells, in what the incoming order sells.
func fill(incoming, resting *order) (out, in types.Amount, ok bool) {
	ya, ys := resting.amount(), resting.swapped()
	if ya.IsZero() || ys.IsZero() {
		return types.Amount{}, types.Amount{}, false
	}
	out = types.Min(resting.restOut, incoming.restOut.Mul(ya).Quo(ys))
	in = out.Mul(ys).CeilQuo(ya)
	if in.Cmp(incoming.restOut) > 0 {
		in = incoming.restOut
	}
	if in.Cmp(resting.restIn) > 0 {
		in = resting.restIn
		out = types.Min(resting.restOut, in.Mul(ya).Quo(ys))
	}
	if out.IsZero() || in.IsZero() {
		return types.Amount{}, types.Amount{}, false
	}
	if !RespectsLimit(ya, ys, resting.out.Add(out), resting.in.Add(in)) {
		return types.Amount{}, types.Amount{}, false
	}
	if !RespectsLimit(incoming.amount(), incoming.swapped(), incoming.out.Add(in), incoming.in.Add(out)) {
		return types.Amount{}, types.Amount{}, false
	}
	return out, in, true
}

// DisplayPrice renders swapped/amount in basis points for read-only views.
// Matching never uses it.
func DisplayPrice(amount, swapped types.Amount) types.Amount {
	return swapped.Mul(types.NewAmount(10000)).Quo(amount)
}
