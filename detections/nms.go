package detections

import "sort"

// nms drops candidates that overlap a higher scoring candidate by more than
// iouThreshold. The result preserves the input order.
func nms(cands []candidate, iouThreshold float32) []candidate {
	if len(cands) < 2 {
		return cands
	}

	order := make([]int, len(cands))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return cands[order[a]].score > cands[order[b]].score
	})

	keep := make([]bool, len(cands))
	for i := range keep {
		keep[i] = true
	}

	for a := 0; a < len(order); a++ {
		i := order[a]
		if !keep[i] {
			continue
		}
		for b := a + 1; b < len(order); b++ {
			j := order[b]
			if keep[j] && iou(cands[i], cands[j]) > iouThreshold {
				keep[j] = false
			}
		}
	}

	result := make([]candidate, 0, len(cands))
	for i, c := range cands {
		if keep[i] {
			result = append(result, c)
		}
	}
	return result
}

func iou(a, b candidate) float32 {
	ax2, ay2 := a.box.X+a.box.Width, a.box.Y+a.box.Height
	bx2, by2 := b.box.X+b.box.Width, b.box.Y+b.box.Height

	x1 := max(a.box.X, b.box.X)
	y1 := max(a.box.Y, b.box.Y)
	x2 := min(ax2, bx2)
	y2 := min(ay2, by2)
	if x1 >= x2 || y1 >= y2 {
		return 0
	}

	intersection := (x2 - x1) * (y2 - y1)
	union := a.box.Width*a.box.Height + b.box.Width*b.box.Height - intersection
	if union <= 0 {
		return 0
	}
	return intersection / union
}
