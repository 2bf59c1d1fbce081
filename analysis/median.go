package analysis

// Median returns the element at index len(values)/2 of the sorted values,
// found by selection in expected linear time. values is reordered in place.
// It panics on an empty slice.
func Median(values []int) int {
	return selectKth(values, len(values)/2)
}

// selectKth is quickselect with a three-way partition, so runs of equal
// coordinates (common on a sampling grid) do not degrade it.
func selectKth(a []int, k int) int {
	lo, hi := 0, len(a)-1
	for lo < hi {
		pivot := medianOfThree(a[lo], a[lo+(hi-lo)/2], a[hi])
		lt, i, gt := lo, lo, hi
		for i <= gt {
			switch {
			case a[i] < pivot:
				a[lt], a[i] = a[i], a[lt]
				lt++
				i++
			case a[i] > pivot:
				a[i], a[gt] = a[gt], a[i]
				gt--
			default:
				i++
			}
		}
		switch {
		case k < lt:
			hi = lt - 1
		case k > gt:
			lo = gt + 1
		default:
			return pivot
		}
	}
	return a[k]
}

func medianOfThree(a, b, c int) int {
	if a > b {
		a, b = b, a
	}
	if b > c {
		b = c
	}
	if a > b {
		return a
	}
	return b
}
