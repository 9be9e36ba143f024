package scan

// ComputeJumpTable precomputes, for every reference point, the next index in
// each angular direction where the range drops below or rises above its own.
//
// The scan is quadratic in the worst case. It runs once per reference scan,
// while the matcher consults the result for every transformed point.
func ComputeJumpTable(points []Point) JumpTable {
	n := len(points)
	table := make(JumpTable, n)

	for i := 0; i < n; i++ {
		e := JumpEntry{UpSmall: n, UpBig: n, DownSmall: -1, DownBig: -1}
		r := points[i].R

		for j := i + 1; j < n; j++ {
			if points[j].R < r {
				e.UpSmall = j
				break
			}
		}
		for j := i + 1; j < n; j++ {
			if points[j].R > r {
				e.UpBig = j
				break
			}
		}
		for j := i - 1; j >= 0; j-- {
			if points[j].R < r {
				e.DownSmall = j
				break
			}
		}
		for j := i - 1; j >= 0; j-- {
			if points[j].R > r {
				e.DownBig = j
				break
			}
		}

		table[i] = e
	}

	return table
}
