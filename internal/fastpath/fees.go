package fastpath

// PriorityFee returns min(base*multiplier, max) in lamports.
func PriorityFee(base uint64, multiplier float64, max uint64) uint64 {
	fee := uint64(float64(base) * multiplier)
	if fee > max {
		return max
	}
	return fee
}

func (c Config) urgentFee() uint64 {
	return PriorityFee(c.BasePriorityFee, c.UrgentMultiplier, c.MaxPriorityFee)
}

func (c Config) baseFee() uint64 {
	return PriorityFee(c.BasePriorityFee, 1, c.MaxPriorityFee)
}
