package bias

// AverageTemporalSpan computes the average time span, in days, over all
// interferograms of a full bandwidth-bw network.
func AverageTemporalSpan(dateOrdinal []int, bw int) float64 {
	total := 0
	numIfgram := 0
	n := len(dateOrdinal)
	for level := 1; level <= bw; level++ {
		for i := 0; i < level; i++ {
			total += dateOrdinal[n-level+i] - dateOrdinal[i]
		}
		numIfgram += n - level
	}
	return float64(total) / float64(numIfgram)
}

// AverageConnNSpan computes the average time span, in days, of the
// connection-conn interferograms alone.
func AverageConnNSpan(dateOrdinal []int, conn int) float64 {
	n := len(dateOrdinal)
	total := 0
	for i := 0; i < conn; i++ {
		total += dateOrdinal[n-conn+i] - dateOrdinal[i]
	}
	return float64(total) / float64(n-conn)
}

// RepresentativeConnLevel picks the single connection level p whose average
// time span best matches the bandwidth-weighted average span of the real
// network. The bias of a bandwidth-bw analysis resembles the bias of
// connection-p interferograms.
func RepresentativeConnLevel(dateOrdinal []int, bw int) int {
	avg := AverageTemporalSpan(dateOrdinal, bw)
	best, bestDiff := 1, 0.0
	for n := 1; n <= bw; n++ {
		diff := AverageConnNSpan(dateOrdinal, n) - avg
		if diff < 0 {
			diff = -diff
		}
		if n == 1 || diff < bestDiff {
			best, bestDiff = n, diff
		}
	}
	return best
}
